package recorder

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/banshee-data/tracking.frontend/internal/monitoring"
	"github.com/banshee-data/tracking.frontend/internal/sensor"
)

// Recorder tees the sensor streams into a log on their way to the next sink.
// A write failure is logged and counted but never stops delivery.
type Recorder struct {
	dir        string
	next       sensor.Sink
	transforms sensor.TransformSink
	logf       func(format string, v ...interface{})

	mu          sync.Mutex
	header      Header
	chunk       int
	inChunk     int
	file        *os.File
	zw          *zstd.Encoder
	writeErrors uint64
	closed      bool
}

// SessionDir returns a per-run log directory under base.
func SessionDir(base string, now time.Time) string {
	return filepath.Join(base, now.UTC().Format("20060102T150405Z"))
}

// NewRecorder creates dir and opens the first chunk. next may be nil to record
// without forwarding.
func NewRecorder(dir, source string, next sensor.Sink) (*Recorder, error) {
	if err := os.MkdirAll(filepath.Join(dir, chunksDir), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	r := &Recorder{
		dir:  dir,
		next: next,
		logf: monitoring.For("recorder"),
		header: Header{
			Version:   FormatVersion,
			Source:    source,
			CreatedAt: time.Now().UTC(),
		},
	}
	if err := r.openChunk(0); err != nil {
		return nil, err
	}
	r.logf("recording %s to %s", source, dir)
	return r, nil
}

// Path returns the log directory.
func (r *Recorder) Path() string { return r.dir }

func (r *Recorder) openChunk(n int) error {
	f, err := os.Create(chunkPath(r.dir, n))
	if err != nil {
		return fmt.Errorf("create chunk %d: %w", n, err)
	}
	zw, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		f.Close()
		return fmt.Errorf("zstd writer: %w", err)
	}
	r.file, r.zw = f, zw
	r.chunk, r.inChunk = n, 0
	r.header.Chunks = n + 1
	return nil
}

func (r *Recorder) closeChunk() error {
	if r.zw == nil {
		return nil
	}
	err := r.zw.Close()
	if cerr := r.file.Close(); err == nil {
		err = cerr
	}
	r.zw, r.file = nil, nil
	return err
}

// Record appends one record, rotating to a new chunk every ChunkSize records.
func (r *Recorder) Record(rec Record) error {
	data, err := serializeRecord(rec)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if r.inChunk >= ChunkSize {
		if err := r.closeChunk(); err != nil {
			return fmt.Errorf("close chunk %d: %w", r.chunk, err)
		}
		if err := r.openChunk(r.chunk + 1); err != nil {
			return err
		}
	}
	if _, err := r.zw.Write(data); err != nil {
		return fmt.Errorf("write chunk %d: %w", r.chunk, err)
	}
	r.inChunk++

	if r.header.StartNs == 0 || rec.StampNs < r.header.StartNs {
		r.header.StartNs = rec.StampNs
	}
	if rec.StampNs > r.header.EndNs {
		r.header.EndNs = rec.StampNs
	}
	switch rec.Kind {
	case KindFrame:
		r.header.FrameCount++
	case KindInertial:
		r.header.InertialCount++
	case KindPrior:
		r.header.PriorCount++
	case KindTransform:
		r.header.TransformCount++
	}
	return nil
}

func (r *Recorder) tee(rec Record) {
	if err := r.Record(rec); err != nil {
		r.mu.Lock()
		r.writeErrors++
		n := r.writeErrors
		r.mu.Unlock()
		// Log the first failure and then every hundredth.
		if n == 1 || n%100 == 0 {
			r.logf("%s record not written (%d failures): %v", rec.Kind, n, err)
		}
	}
}

func (r *Recorder) SubmitFrame(f sensor.Frame) error {
	r.tee(FrameRecord(f))
	if r.next == nil {
		return nil
	}
	return r.next.SubmitFrame(f)
}

func (r *Recorder) SubmitInertial(s sensor.InertialSample) error {
	r.tee(InertialRecord(s))
	if r.next == nil {
		return nil
	}
	return r.next.SubmitInertial(s)
}

func (r *Recorder) SubmitPrior(p sensor.PosePrior) error {
	r.tee(PriorRecord(p))
	if r.next == nil {
		return nil
	}
	return r.next.SubmitPrior(p)
}

// SetTransformSink sets where recorded transform samples are forwarded.
// Call it before the first SubmitTransform.
func (r *Recorder) SetTransformSink(ts sensor.TransformSink) { r.transforms = ts }

// SubmitTransform records a dynamic transform sample and forwards it to the
// transform sink, if any.
func (r *Recorder) SubmitTransform(t sensor.TransformSample) error {
	r.tee(TransformRecord(t))
	if r.transforms == nil {
		return nil
	}
	return r.transforms.SubmitTransform(t)
}

// FrameCount returns the number of frames recorded so far.
func (r *Recorder) FrameCount() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.header.FrameCount
}

// Header returns a copy of the running header.
func (r *Recorder) Header() Header {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.header
}

// WriteErrors returns the number of records that could not be written.
func (r *Recorder) WriteErrors() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writeErrors
}

// Close flushes the open chunk and writes header.json. Closing twice is a
// no-op.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if err := r.closeChunk(); err != nil {
		return fmt.Errorf("close chunk %d: %w", r.chunk, err)
	}
	r.header.ClosedAt = time.Now().UTC()
	if err := writeHeader(r.dir, r.header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	r.logf("closed %s: %d frames, %d inertial, %d priors, %d transforms in %d chunks",
		r.dir, r.header.FrameCount, r.header.InertialCount, r.header.PriorCount, r.header.TransformCount, r.header.Chunks)
	return nil
}
