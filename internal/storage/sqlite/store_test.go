package sqlite

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/tracking.frontend/internal/geom"
	"github.com/banshee-data/tracking.frontend/internal/pipeline"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "trajectory.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_MigratesToLatest(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	version, dirty, err := s.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
	assert.False(t, dirty)

	// Running again is a no-op.
	require.NoError(t, s.MigrateUp())
}

func TestOpen_ReopenKeepsData(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "trajectory.db")
	s, err := Open(path)
	require.NoError(t, err)
	id, err := s.StartSession(time.Unix(100, 0), "camera", "test", "")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	sessions, err := s.Sessions()
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, id, sessions[0].ID)
}

func TestPublishPose_RequiresSession(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	assert.Error(t, s.PublishPose(pipeline.Publication{Seq: 1}))
	assert.Error(t, s.RecordCommand("reset", nil))
}

func TestTrajectory_RoundTrip(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	id, err := s.StartSession(start, "camera", "synthetic", "bench run")
	require.NoError(t, err)
	assert.Equal(t, id, s.SessionID())

	for i := 3; i >= 1; i-- {
		require.NoError(t, s.PublishPose(pipeline.Publication{
			Seq:       uint64(i),
			Stamp:     start.Add(time.Duration(i) * 100 * time.Millisecond),
			UsedPrior: i == 2,
			Latency:   2 * time.Millisecond,
			Result: pipeline.TrackingResult{
				Pose:    geom.Pose{Position: geom.Vec3{X: float64(i)}, Orientation: geom.Identity()},
				Quality: pipeline.QualityGood,
				Message: "ok",
			},
		}))
	}

	recs, err := s.Trajectory(id, 0)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	for i, rec := range recs {
		assert.Equal(t, uint64(i+1), rec.Seq)
		assert.InDelta(t, float64(i+1), rec.Pose.Position.X, 0)
		assert.Equal(t, geom.Identity(), rec.Pose.Orientation)
		assert.Equal(t, pipeline.QualityGood, rec.Quality)
		assert.InDelta(t, 2.0, rec.LatencyMs, 1e-9)
	}
	assert.True(t, recs[1].UsedPrior)
	assert.False(t, recs[0].UsedPrior)
	assert.Equal(t, start.Add(100*time.Millisecond), recs[0].Stamp)

	limited, err := s.Trajectory(id, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	sessions, err := s.Sessions()
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "synthetic", sessions[0].Source)
	assert.Equal(t, "bench run", sessions[0].Notes)
	assert.Equal(t, start, sessions[0].StartedAt)
}

func TestRecordCommand(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	id, err := s.StartSession(time.Now(), "camera", "test", "")
	require.NoError(t, err)

	require.NoError(t, s.RecordCommand("reset", nil))
	require.NoError(t, s.RecordCommand("fly", errors.New("unknown command")))

	n, err := s.CommandCount(id)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestAttachAdminRoutes(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	mux := http.NewServeMux()
	require.NoError(t, s.AttachAdminRoutes(mux))

	req := httptest.NewRequest(http.MethodGet, "/debug/", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "tailsql")
}
