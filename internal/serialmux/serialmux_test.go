package serialmux

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipePort reads whatever the test feeds through feed and records writes.
type pipePort struct {
	r    *io.PipeReader
	feed *io.PipeWriter

	mu       sync.Mutex
	written  bytes.Buffer
	writeErr error
	shortBy  int
	closed   bool
}

func newPipePort() *pipePort {
	r, w := io.Pipe()
	return &pipePort{r: r, feed: w}
}

func (p *pipePort) Read(b []byte) (int, error) { return p.r.Read(b) }

func (p *pipePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writeErr != nil {
		return 0, p.writeErr
	}
	n, err := p.written.Write(b)
	return n - p.shortBy, err
}

func (p *pipePort) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return p.r.Close()
}

func (p *pipePort) Written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.String()
}

func TestSubscribeUnsubscribe(t *testing.T) {
	t.Parallel()
	mux := NewSerialMux(newPipePort())

	id1, ch1 := mux.Subscribe()
	id2, _ := mux.Subscribe()
	assert.NotEqual(t, id1, id2)

	mux.Unsubscribe(id1)
	_, ok := <-ch1
	assert.False(t, ok, "unsubscribed channel should be closed")

	mux.Unsubscribe(id1)
	assert.Equal(t, 1, mux.Stats().TailSubscribed)
}

func TestSendCommand(t *testing.T) {
	t.Parallel()

	t.Run("appends newline", func(t *testing.T) {
		t.Parallel()
		port := newPipePort()
		mux := NewSerialMux(port)
		require.NoError(t, mux.SendCommand("RATE 200"))
		require.NoError(t, mux.SendCommand("STREAM ON\n"))
		assert.Equal(t, "RATE 200\nSTREAM ON\n", port.Written())
		assert.Equal(t, uint64(2), mux.Stats().CommandsSent)
	})

	t.Run("write error", func(t *testing.T) {
		t.Parallel()
		port := newPipePort()
		port.writeErr = errors.New("unplugged")
		assert.EqualError(t, NewSerialMux(port).SendCommand("x"), "unplugged")
	})

	t.Run("short write", func(t *testing.T) {
		t.Parallel()
		port := newPipePort()
		port.shortBy = 1
		assert.ErrorIs(t, NewSerialMux(port).SendCommand("x"), ErrWriteFailed)
	})
}

func TestInitialize(t *testing.T) {
	t.Parallel()
	port := newPipePort()
	mux := NewSerialMux(port)
	require.NoError(t, mux.Initialize([]string{"RATE 200", "FORMAT CSV", "STREAM ON"}))
	assert.Equal(t, "RATE 200\nFORMAT CSV\nSTREAM ON\n", port.Written())

	port.writeErr = errors.New("gone")
	err := mux.Initialize([]string{"RATE 200"})
	assert.ErrorContains(t, err, `"RATE 200"`)
}

func TestMonitorDeliversLines(t *testing.T) {
	t.Parallel()
	port := newPipePort()
	mux := NewSerialMux(port)

	var mu sync.Mutex
	var handled []string
	mux.SetLineHandler(func(line string, received time.Time) {
		mu.Lock()
		defer mu.Unlock()
		handled = append(handled, line)
	})
	_, sub := mux.Subscribe()

	done := make(chan error, 1)
	go func() { done <- mux.Monitor(context.Background()) }()

	_, err := port.feed.Write([]byte("$IMU,0,0,0,0,0,0,9.8\r\nhello\n"))
	require.NoError(t, err)

	assert.Equal(t, "$IMU,0,0,0,0,0,0,9.8", <-sub)
	assert.Equal(t, "hello", <-sub)

	port.feed.Close()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Monitor did not return at EOF")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"$IMU,0,0,0,0,0,0,9.8", "hello"}, handled)
	assert.Equal(t, uint64(2), mux.Stats().LinesRead)
}

func TestMonitorLineTooLong(t *testing.T) {
	t.Parallel()
	port := newPipePort()
	t.Cleanup(func() { port.Close() })
	mux := NewSerialMux(port)

	done := make(chan error, 1)
	go func() { done <- mux.Monitor(context.Background()) }()
	go func() {
		_, _ = port.feed.Write([]byte(strings.Repeat("x", maxLineLength+10)))
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, bufio.ErrTooLong)
	case <-time.After(2 * time.Second):
		t.Fatal("Monitor did not fail on an oversized line")
	}
}

func TestSlowSubscriberDropsLines(t *testing.T) {
	t.Parallel()
	port := newPipePort()
	mux := NewSerialMux(port)
	_, _ = mux.Subscribe()

	for i := 0; i < subscriberDepth+3; i++ {
		mux.fanOut("line")
	}
	assert.Equal(t, uint64(3), mux.Stats().TailDropped)
}

func TestMonitorCancelled(t *testing.T) {
	t.Parallel()
	port := newPipePort()
	mux := NewSerialMux(port)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- mux.Monitor(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Monitor did not return after cancel")
	}
	require.NoError(t, mux.Close())
}

func TestClose(t *testing.T) {
	t.Parallel()
	port := newPipePort()
	mux := NewSerialMux(port)
	_, ch := mux.Subscribe()

	require.NoError(t, mux.Close())
	_, ok := <-ch
	assert.False(t, ok)
	assert.True(t, port.closed)
}

func loopbackRequest(method, target string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, target, body)
	req.RemoteAddr = "127.0.0.1:12345"
	return req
}

func TestAdminRoutes(t *testing.T) {
	t.Parallel()
	port := newPipePort()
	mux := NewSerialMux(port)
	httpMux := http.NewServeMux()
	mux.AttachAdminRoutes(httpMux)

	t.Run("page", func(t *testing.T) {
		rec := httptest.NewRecorder()
		httpMux.ServeHTTP(rec, loopbackRequest(http.MethodGet, "/debug/imu-command", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "IMU serial console")
	})

	t.Run("script", func(t *testing.T) {
		rec := httptest.NewRecorder()
		httpMux.ServeHTTP(rec, loopbackRequest(http.MethodGet, "/debug/imu-tail.js", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "EventSource")
	})

	t.Run("command", func(t *testing.T) {
		form := url.Values{"command": {"RATE 100"}}
		req := loopbackRequest(http.MethodPost, "/debug/imu-command-api", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		rec := httptest.NewRecorder()
		httpMux.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "RATE 100\n", port.Written())
	})

	t.Run("stats", func(t *testing.T) {
		rec := httptest.NewRecorder()
		httpMux.ServeHTTP(rec, loopbackRequest(http.MethodGet, "/debug/imu-stats", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"lines_read":0`)
	})

	t.Run("command rejects GET", func(t *testing.T) {
		rec := httptest.NewRecorder()
		httpMux.ServeHTTP(rec, loopbackRequest(http.MethodGet, "/debug/imu-command-api", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})

	t.Run("command requires text", func(t *testing.T) {
		req := loopbackRequest(http.MethodPost, "/debug/imu-command-api", strings.NewReader("command=+"))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		rec := httptest.NewRecorder()
		httpMux.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}
