package publish

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/tracking.frontend/internal/pipeline"
)

const (
	serviceName = "tracking.frontend.v1.ExportService"

	methodPointCloud  = "/" + serviceName + "/PointCloud"
	methodKeyFrames   = "/" + serviceName + "/KeyFrames"
	methodCommand     = "/" + serviceName + "/Command"
	methodStreamPoses = "/" + serviceName + "/StreamPoses"
)

// ExportService is the server side of the export RPCs. Messages are the
// well-known Struct and Empty types so no generated code is needed.
type ExportService interface {
	PointCloud(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	KeyFrames(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Command(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	StreamPoses(*emptypb.Empty, grpc.ServerStream) error
}

func unaryHandler[Req any, Resp any](
	method string,
	newReq func() *Req,
	call func(ExportService, context.Context, *Req) (Resp, error),
) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := newReq()
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(ExportService), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(ExportService), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func newEmpty() *emptypb.Empty   { return new(emptypb.Empty) }
func newStruct() *structpb.Struct { return new(structpb.Struct) }

var exportServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*ExportService)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "PointCloud",
			Handler: unaryHandler(methodPointCloud, newEmpty, func(s ExportService, ctx context.Context, in *emptypb.Empty) (*structpb.Struct, error) {
				return s.PointCloud(ctx, in)
			}),
		},
		{
			MethodName: "KeyFrames",
			Handler: unaryHandler(methodKeyFrames, newEmpty, func(s ExportService, ctx context.Context, in *emptypb.Empty) (*structpb.Struct, error) {
				return s.KeyFrames(ctx, in)
			}),
		},
		{
			MethodName: "Command",
			Handler: unaryHandler(methodCommand, newStruct, func(s ExportService, ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
				return s.Command(ctx, in)
			}),
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName: "StreamPoses",
			Handler: func(srv any, stream grpc.ServerStream) error {
				in := new(emptypb.Empty)
				if err := stream.RecvMsg(in); err != nil {
					return err
				}
				return srv.(ExportService).StreamPoses(in, stream)
			},
			ServerStreams: true,
		},
	},
	Metadata: "tracking/frontend/v1/export.proto",
}

// RegisterExportService registers srv on s.
func RegisterExportService(s grpc.ServiceRegistrar, srv ExportService) {
	s.RegisterService(&exportServiceDesc, srv)
}

// CommandHandler applies a text command. *command.Bus implements it.
type CommandHandler interface {
	Apply(text string) error
}

// ExportServer serves the export RPCs from a Gateway.
type ExportServer struct {
	gw       *Gateway
	commands CommandHandler

	server   *grpc.Server
	listener net.Listener
	running  atomic.Bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewExportServer creates a server backed by gw. commands may be nil, in which
// case the Command RPC reports Unimplemented.
func NewExportServer(gw *Gateway, commands CommandHandler) *ExportServer {
	return &ExportServer{gw: gw, commands: commands}
}

// Start listens on addr and serves in the background.
func (s *ExportServer) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(lis)
}

// Serve serves on lis in the background.
func (s *ExportServer) Serve(lis net.Listener) error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("export server already running")
	}
	// Point clouds of large maps exceed the default 4MB limit.
	const maxMsgSize = 16 * 1024 * 1024 // 16 MB
	s.server = grpc.NewServer(
		grpc.MaxRecvMsgSize(maxMsgSize),
		grpc.MaxSendMsgSize(maxMsgSize),
	)
	RegisterExportService(s.server, s)
	s.listener = lis
	s.stopCh = make(chan struct{})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		diagf("export service listening on %s", lis.Addr())
		if err := s.server.Serve(lis); err != nil && s.running.Load() {
			opsf("export service error: %v", err)
		}
	}()
	return nil
}

// Stop gracefully stops the server. Open pose streams are ended first so
// GracefulStop does not wait on them.
func (s *ExportServer) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	close(s.stopCh)
	s.server.GracefulStop()
	s.wg.Wait()
	diagf("export service stopped")
}

func exportStatus(err error) error {
	switch {
	case errors.Is(err, ErrExportInconsistent):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

// PointCloud implements ExportService.
func (s *ExportServer) PointCloud(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	pc, err := s.gw.ExportPointCloud(ctx)
	if err != nil {
		return nil, exportStatus(err)
	}
	pts := make([]any, len(pc.Points))
	for i, p := range pc.Points {
		pts[i] = map[string]any{
			"id":          float64(p.ID),
			"keyframe_id": float64(p.KeyFrameID),
			"position":    []any{p.Position.X, p.Position.Y, p.Position.Z},
		}
	}
	return structpb.NewStruct(map[string]any{
		"version": float64(pc.Version),
		"taken":   pc.Taken.Format(time.RFC3339Nano),
		"points":  pts,
	})
}

// KeyFrames implements ExportService.
func (s *ExportServer) KeyFrames(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	ks, err := s.gw.ExportKeyFrames(ctx)
	if err != nil {
		return nil, exportStatus(err)
	}
	kfs := make([]any, len(ks.KeyFrames))
	for i, kf := range ks.KeyFrames {
		kfs[i] = map[string]any{
			"id":          float64(kf.ID),
			"stamp":       kf.Stamp.Format(time.RFC3339Nano),
			"position":    []any{kf.Pose.Position.X, kf.Pose.Position.Y, kf.Pose.Position.Z},
			"orientation": []any{kf.Pose.Orientation.W, kf.Pose.Orientation.X, kf.Pose.Orientation.Y, kf.Pose.Orientation.Z},
		}
	}
	return structpb.NewStruct(map[string]any{
		"version":   float64(ks.Version),
		"taken":     ks.Taken.Format(time.RFC3339Nano),
		"keyframes": kfs,
	})
}

// Command implements ExportService. The request carries the command in its
// "text" field.
func (s *ExportServer) Command(_ context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	if s.commands == nil {
		return nil, status.Error(codes.Unimplemented, "commands are not accepted")
	}
	text := in.GetFields()["text"].GetStringValue()
	if text == "" {
		return nil, status.Error(codes.InvalidArgument, "missing text")
	}
	if err := s.commands.Apply(text); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return &emptypb.Empty{}, nil
}

// StreamPoses implements ExportService.
func (s *ExportServer) StreamPoses(_ *emptypb.Empty, stream grpc.ServerStream) error {
	ctx := stream.Context()
	id, ch, cancel := s.gw.Subscribe()
	defer cancel()
	diagf("pose stream %s started", id)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stopCh:
			diagf("pose stream %s closed by shutdown", id)
			return nil
		case p := <-ch:
			msg, err := PoseStruct(p)
			if err != nil {
				return status.Error(codes.Internal, err.Error())
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		}
	}
}

// PoseStruct converts a publication to the message sent on pose streams.
func PoseStruct(p pipeline.Publication) (*structpb.Struct, error) {
	r := p.Result
	fields := map[string]any{
		"seq":           float64(p.Seq),
		"stamp":         p.Stamp.Format(time.RFC3339Nano),
		"frame_id":      p.FrameID,
		"tf_parent":     p.TransformParent,
		"tf_child":      p.TransformChild,
		"quality":       string(r.Quality),
		"message":       r.Message,
		"position":      []any{r.Pose.Position.X, r.Pose.Position.Y, r.Pose.Position.Z},
		"orientation":   []any{r.Pose.Orientation.W, r.Pose.Orientation.X, r.Pose.Orientation.Y, r.Pose.Orientation.Z},
		"keyframes":     float64(r.KeyFrames),
		"map_points":    float64(r.MapPoints),
		"used_inertial": p.UsedInertial,
		"used_prior":    p.UsedPrior,
		"latency_ms":    float64(p.Latency) / float64(time.Millisecond),
		"degraded":      r.Err != nil,
	}
	return structpb.NewStruct(fields)
}

// ExportClient calls the export RPCs.
type ExportClient struct {
	cc grpc.ClientConnInterface
}

// NewExportClient wraps a client connection.
func NewExportClient(cc grpc.ClientConnInterface) *ExportClient {
	return &ExportClient{cc: cc}
}

// PointCloud fetches the point cloud.
func (c *ExportClient) PointCloud(ctx context.Context) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodPointCloud, &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// KeyFrames fetches the keyframe set.
func (c *ExportClient) KeyFrames(ctx context.Context) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodKeyFrames, &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Command sends a text command.
func (c *ExportClient) Command(ctx context.Context, text string) error {
	in, err := structpb.NewStruct(map[string]any{"text": text})
	if err != nil {
		return err
	}
	return c.cc.Invoke(ctx, methodCommand, in, new(emptypb.Empty))
}

// StreamPoses opens a pose stream; recv blocks for the next pose.
func (c *ExportClient) StreamPoses(ctx context.Context) (recv func() (*structpb.Struct, error), err error) {
	stream, err := c.cc.NewStream(ctx, &exportServiceDesc.Streams[0], methodStreamPoses)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(&emptypb.Empty{}); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return func() (*structpb.Struct, error) {
		m := new(structpb.Struct)
		if err := stream.RecvMsg(m); err != nil {
			return nil, err
		}
		return m, nil
	}, nil
}
