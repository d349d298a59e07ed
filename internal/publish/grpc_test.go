package publish

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/banshee-data/tracking.frontend/internal/backend"
	"github.com/banshee-data/tracking.frontend/internal/geom"
	"github.com/banshee-data/tracking.frontend/internal/pipeline"
)

type stubCommands struct{ got []string }

func (s *stubCommands) Apply(text string) error {
	if text == "bogus" {
		return errors.New("unknown command")
	}
	s.got = append(s.got, text)
	return nil
}

func startBufconn(t *testing.T, gw *Gateway, cmds CommandHandler) *ExportClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := NewExportServer(gw, cmds)
	require.NoError(t, srv.Serve(lis))
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewExportClient(conn)
}

func TestExportServer_PointCloudAndKeyFrames(t *testing.T) {
	t.Parallel()
	m := backend.NewKeyFrameMap()
	m.AddKeyFrame(time.Unix(10, 0), geom.Pose{Position: geom.Vec3{X: 1}, Orientation: geom.Identity()},
		[]geom.Vec3{{X: 1, Y: 2, Z: 3}, {X: 4, Y: 5, Z: 6}})
	gw := NewGateway(DefaultConfig())
	gw.SetMapSource(staticSource{m: m})
	client := startBufconn(t, gw, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pc, err := client.PointCloud(ctx)
	require.NoError(t, err)
	pts := pc.GetFields()["points"].GetListValue().GetValues()
	require.Len(t, pts, 2)
	pos := pts[1].GetStructValue().GetFields()["position"].GetListValue().GetValues()
	assert.InDelta(t, 5, pos[1].GetNumberValue(), 0)
	assert.InDelta(t, 1, pc.GetFields()["version"].GetNumberValue(), 0)

	ks, err := client.KeyFrames(ctx)
	require.NoError(t, err)
	kfs := ks.GetFields()["keyframes"].GetListValue().GetValues()
	require.Len(t, kfs, 1)
	orient := kfs[0].GetStructValue().GetFields()["orientation"].GetListValue().GetValues()
	assert.InDelta(t, 1, orient[0].GetNumberValue(), 0)
}

func TestExportServer_InconsistentMapIsFailedPrecondition(t *testing.T) {
	t.Parallel()
	gw := NewGateway(DefaultConfig())
	gw.SetMapSource(staticSource{m: brokenMap{}})
	client := startBufconn(t, gw, nil)

	_, err := client.PointCloud(context.Background())
	require.Error(t, err)
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
}

func TestExportServer_Command(t *testing.T) {
	t.Parallel()

	t.Run("no handler", func(t *testing.T) {
		t.Parallel()
		client := startBufconn(t, NewGateway(DefaultConfig()), nil)
		err := client.Command(context.Background(), "reset")
		assert.Equal(t, codes.Unimplemented, status.Code(err))
	})

	t.Run("handler", func(t *testing.T) {
		t.Parallel()
		cmds := &stubCommands{}
		client := startBufconn(t, NewGateway(DefaultConfig()), cmds)
		require.NoError(t, client.Command(context.Background(), "reset"))
		assert.Equal(t, []string{"reset"}, cmds.got)

		err := client.Command(context.Background(), "bogus")
		assert.Equal(t, codes.InvalidArgument, status.Code(err))
		err = client.Command(context.Background(), "")
		assert.Equal(t, codes.InvalidArgument, status.Code(err))
	})
}

func TestExportServer_StreamPoses(t *testing.T) {
	t.Parallel()
	gw := NewGateway(DefaultConfig())
	require.NoError(t, gw.Start())
	defer gw.Stop()
	client := startBufconn(t, gw, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	recv, err := client.StreamPoses(ctx)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return gw.Stats().Subscribers == 1 }, 5*time.Second, time.Millisecond)

	gw.Publish(pipeline.Publication{
		Seq:             3,
		TransformParent: "world",
		TransformChild:  "camera",
		UsedPrior:       true,
		Result: pipeline.TrackingResult{
			Pose:    geom.Pose{Position: geom.Vec3{Z: 2}, Orientation: geom.Identity()},
			Quality: pipeline.QualityGood,
		},
	})

	msg, err := recv()
	require.NoError(t, err)
	f := msg.GetFields()
	assert.InDelta(t, 3, f["seq"].GetNumberValue(), 0)
	assert.Equal(t, "good", f["quality"].GetStringValue())
	assert.Equal(t, "camera", f["tf_child"].GetStringValue())
	assert.True(t, f["used_prior"].GetBoolValue())
	assert.False(t, f["degraded"].GetBoolValue())
	assert.InDelta(t, 2, f["position"].GetListValue().GetValues()[2].GetNumberValue(), 0)

	cancel()
	require.Eventually(t, func() bool { return gw.Stats().Subscribers == 0 }, 5*time.Second, time.Millisecond)
}

func TestExportServer_StopEndsOpenPoseStreams(t *testing.T) {
	t.Parallel()
	gw := NewGateway(DefaultConfig())
	require.NoError(t, gw.Start())
	defer gw.Stop()

	lis := bufconn.Listen(1 << 20)
	srv := NewExportServer(gw, nil)
	require.NoError(t, srv.Serve(lis))
	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	defer conn.Close()

	recv, err := NewExportClient(conn).StreamPoses(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return gw.Stats().Subscribers == 1 }, 5*time.Second, time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		srv.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop blocked with an open pose stream")
	}

	_, err = recv()
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 0, gw.Stats().Subscribers)
}
