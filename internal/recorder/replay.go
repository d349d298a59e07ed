package recorder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/banshee-data/tracking.frontend/internal/monitoring"
	"github.com/banshee-data/tracking.frontend/internal/pipeline"
	"github.com/banshee-data/tracking.frontend/internal/sensor"
)

// Replayer reads a closed log record by record.
type Replayer struct {
	dir    string
	header Header

	chunk int
	file  *os.File
	zr    *zstd.Decoder
	dec   *cbor.Decoder
	pos   uint64
}

// NewReplayer opens the log in dir. The log must have been closed so that
// header.json exists.
func NewReplayer(dir string) (*Replayer, error) {
	h, err := readHeader(dir)
	if err != nil {
		return nil, err
	}
	p := &Replayer{dir: dir, header: h, chunk: -1}
	if err := p.openChunk(0); err != nil {
		return nil, err
	}
	return p, nil
}

// Header returns the log header.
func (p *Replayer) Header() Header { return p.header }

// TotalFrames returns the number of camera frames in the log.
func (p *Replayer) TotalFrames() uint64 { return p.header.FrameCount }

// Position returns the index of the next record Next will return.
func (p *Replayer) Position() uint64 { return p.pos }

func (p *Replayer) openChunk(n int) error {
	p.closeChunk()
	f, err := os.Open(chunkPath(p.dir, n))
	if err != nil {
		return fmt.Errorf("open chunk %d: %w", n, err)
	}
	zr, err := zstd.NewReader(f)
	if err != nil {
		f.Close()
		return fmt.Errorf("zstd reader: %w", err)
	}
	p.file, p.zr = f, zr
	p.dec = decMode.NewDecoder(zr)
	p.chunk = n
	return nil
}

func (p *Replayer) closeChunk() {
	if p.zr != nil {
		p.zr.Close()
		p.zr = nil
	}
	if p.file != nil {
		p.file.Close()
		p.file = nil
	}
	p.dec = nil
}

// Next returns the next record, or io.EOF after the last one.
func (p *Replayer) Next() (Record, error) {
	for {
		if p.dec == nil {
			return Record{}, io.EOF
		}
		var raw cbor.RawMessage
		err := p.dec.Decode(&raw)
		if errors.Is(err, io.EOF) {
			if p.chunk+1 >= p.header.Chunks {
				p.closeChunk()
				return Record{}, io.EOF
			}
			if err := p.openChunk(p.chunk + 1); err != nil {
				return Record{}, err
			}
			continue
		}
		if err != nil {
			return Record{}, fmt.Errorf("chunk %d record %d: %w", p.chunk, p.pos, err)
		}
		rec, err := deserializeRecord(raw)
		if err != nil {
			return Record{}, fmt.Errorf("chunk %d record %d: %w", p.chunk, p.pos, err)
		}
		p.pos++
		return rec, nil
	}
}

// Seek positions the replayer so that the next record returned is record pos.
func (p *Replayer) Seek(pos uint64) error {
	if pos > p.header.Records() {
		return fmt.Errorf("seek to %d beyond %d records", pos, p.header.Records())
	}
	if pos == p.header.Records() {
		p.closeChunk()
		p.pos = pos
		return nil
	}
	if err := p.openChunk(int(pos / ChunkSize)); err != nil {
		return err
	}
	p.pos = pos - pos%ChunkSize
	for p.pos < pos {
		if _, err := p.Next(); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the open chunk.
func (p *Replayer) Close() error {
	p.closeChunk()
	return nil
}

// ReplayOptions controls pacing.
type ReplayOptions struct {
	// Rate scales recorded time: 1 is real time, 2 twice as fast. Zero or
	// negative replays as fast as the sink accepts.
	Rate float64
	// Retry is how long to wait before resubmitting a frame the sink refused
	// because its queue was full. Zero drops such frames.
	Retry time.Duration
	// Restamp shifts every stamp so the log starts at the replay start time.
	Restamp bool
	// Transforms receives transform records. Nil skips them.
	Transforms sensor.TransformSink
}

// ReplayStats summarises a replay run.
type ReplayStats struct {
	Frames     uint64
	Inertial   uint64
	Priors     uint64
	Transforms uint64
	Dropped    uint64
}

// Replay submits every remaining record to sink, in log order, until the log
// ends or ctx is cancelled. A sink reporting pipeline.ErrStopped ends the
// replay without error.
func (p *Replayer) Replay(ctx context.Context, sink sensor.Sink, opts ReplayOptions) (ReplayStats, error) {
	logf := monitoring.For("replay")
	var stats ReplayStats
	var first int64
	var wallStart time.Time
	var shift time.Duration

	for {
		if err := ctx.Err(); err != nil {
			return stats, nil
		}
		rec, err := p.Next()
		if errors.Is(err, io.EOF) {
			logf("finished %s: %d frames, %d inertial, %d priors, %d transforms, %d dropped",
				p.dir, stats.Frames, stats.Inertial, stats.Priors, stats.Transforms, stats.Dropped)
			return stats, nil
		}
		if err != nil {
			return stats, err
		}

		if wallStart.IsZero() {
			first = rec.StampNs
			wallStart = time.Now()
			if opts.Restamp {
				shift = wallStart.Sub(rec.Stamp())
			}
		}
		if opts.Rate > 0 {
			due := wallStart.Add(time.Duration(float64(rec.StampNs-first) / opts.Rate))
			if wait := time.Until(due); wait > 0 {
				if !sleepCtx(ctx, wait) {
					return stats, nil
				}
			}
		}
		rec.StampNs += int64(shift)

		if rec.Kind == KindTransform {
			if opts.Transforms == nil {
				continue
			}
			t, _ := rec.AsTransform()
			if err := opts.Transforms.SubmitTransform(t); err != nil {
				stats.Dropped++
				logf("transform record %d rejected: %v", p.pos-1, err)
				continue
			}
			stats.Transforms++
			continue
		}

		err = p.submit(ctx, sink, rec, opts.Retry)
		switch {
		case err == nil:
			switch rec.Kind {
			case KindFrame:
				stats.Frames++
			case KindInertial:
				stats.Inertial++
			case KindPrior:
				stats.Priors++
			}
		case errors.Is(err, pipeline.ErrQueueFull):
			stats.Dropped++
		case errors.Is(err, pipeline.ErrStopped):
			return stats, nil
		default:
			return stats, fmt.Errorf("submit %s record %d: %w", rec.Kind, p.pos-1, err)
		}
	}
}

func (p *Replayer) submit(ctx context.Context, sink sensor.Sink, rec Record, retry time.Duration) error {
	for {
		var err error
		switch rec.Kind {
		case KindFrame:
			f, _ := rec.AsFrame()
			err = sink.SubmitFrame(f)
		case KindInertial:
			s, _ := rec.AsInertial()
			err = sink.SubmitInertial(s)
		case KindPrior:
			pr, _ := rec.AsPrior()
			err = sink.SubmitPrior(pr)
		}
		if retry <= 0 || !errors.Is(err, pipeline.ErrQueueFull) {
			return err
		}
		if !sleepCtx(ctx, retry) {
			return err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
