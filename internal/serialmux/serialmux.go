// Package serialmux owns the IMU serial port: it reads lines, hands them to a
// line handler and to any number of live subscribers, and serialises commands
// written back to the device.
package serialmux

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var ErrWriteFailed = errors.New("failed to write to serial port")

const (
	// subscriberDepth bounds each tail subscriber; slow readers miss lines.
	subscriberDepth = 16
	maxLineLength   = 4096
)

// LineHandler is called on the monitor goroutine for every line read, with
// the host time the line arrived.
type LineHandler func(line string, received time.Time)

// MuxStats counts traffic through the mux.
type MuxStats struct {
	LinesRead      uint64 `json:"lines_read"`
	CommandsSent   uint64 `json:"commands_sent"`
	TailDropped    uint64 `json:"tail_dropped"`
	TailSubscribed int    `json:"tail_subscribed"`
}

// SerialMux fans the lines of one serial port out to a handler and to
// subscribers.
type SerialMux[T SerialPorter] struct {
	port    T
	handler LineHandler
	now     func() time.Time

	subMu       sync.Mutex
	subscribers map[string]chan string

	writeMu sync.Mutex
	closing atomic.Bool

	lines   atomic.Uint64
	sent    atomic.Uint64
	dropped atomic.Uint64
}

// NewSerialMux wraps port.
func NewSerialMux[T SerialPorter](port T) *SerialMux[T] {
	return &SerialMux[T]{
		port:        port,
		now:         time.Now,
		subscribers: make(map[string]chan string),
	}
}

// SetLineHandler installs h. It must be called before Monitor.
func (s *SerialMux[T]) SetLineHandler(h LineHandler) { s.handler = h }

// Subscribe returns a channel that receives every line read from here on.
func (s *SerialMux[T]) Subscribe() (string, <-chan string) {
	id := uuid.NewString()
	ch := make(chan string, subscriberDepth)
	s.subMu.Lock()
	s.subscribers[id] = ch
	s.subMu.Unlock()
	return id, ch
}

// Unsubscribe closes and forgets the subscriber. Unknown ids are ignored.
func (s *SerialMux[T]) Unsubscribe(id string) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if ch, ok := s.subscribers[id]; ok {
		close(ch)
		delete(s.subscribers, id)
	}
}

func (s *SerialMux[T]) fanOut(line string) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- line:
		default:
			s.dropped.Add(1)
		}
	}
}

// Initialize sends the device start-up commands in order, e.g. output rate
// and format selection.
func (s *SerialMux[T]) Initialize(commands []string) error {
	for _, c := range commands {
		if err := s.SendCommand(c); err != nil {
			return fmt.Errorf("failed to send start command %q: %w", c, err)
		}
	}
	return nil
}

// SendCommand writes one newline-terminated command.
func (s *SerialMux[T]) SendCommand(command string) error {
	if !strings.HasSuffix(command, "\n") {
		command += "\n"
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	n, err := s.port.Write([]byte(command))
	if err != nil {
		return err
	}
	if n != len(command) {
		return ErrWriteFailed
	}
	s.sent.Add(1)
	return nil
}

// Monitor reads lines until ctx is cancelled, the port reaches EOF or a read
// fails. Lines longer than maxLineLength end the read with an error.
func (s *SerialMux[T]) Monitor(ctx context.Context) error {
	lines := make(chan string)
	readErr := make(chan error, 1)

	// A quiet port blocks Scan indefinitely, so it runs apart from the
	// select that watches ctx.
	go func() {
		defer close(lines)
		scan := bufio.NewScanner(s.port)
		scan.Buffer(make([]byte, 0, 256), maxLineLength)
		for scan.Scan() {
			select {
			case lines <- scan.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scan.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-readErr:
					return err
				default:
					return nil
				}
			}
			if s.closing.Load() {
				return nil
			}
			s.lines.Add(1)
			line = strings.TrimRight(line, "\r")
			if s.handler != nil {
				s.handler(line, s.now())
			}
			s.fanOut(line)
		}
	}
}

// Stats returns the traffic counters.
func (s *SerialMux[T]) Stats() MuxStats {
	s.subMu.Lock()
	n := len(s.subscribers)
	s.subMu.Unlock()
	return MuxStats{
		LinesRead:      s.lines.Load(),
		CommandsSent:   s.sent.Load(),
		TailDropped:    s.dropped.Load(),
		TailSubscribed: n,
	}
}

// Close ends every subscription and closes the port.
func (s *SerialMux[T]) Close() error {
	s.closing.Store(true)
	s.subMu.Lock()
	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
	}
	s.subMu.Unlock()
	return s.port.Close()
}
