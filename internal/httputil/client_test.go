package httputil

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStandardClient(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		_, _ = w.Write([]byte(r.Method + " " + string(b)))
	}))
	defer srv.Close()

	assert.Same(t, http.DefaultClient, NewStandardClient(nil).Client)

	c := NewStandardClient(srv.Client())
	resp, err := c.Get(srv.URL)
	require.NoError(t, err)
	b, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "GET ", string(b))

	resp, err = c.Post(srv.URL, "text/plain", strings.NewReader("hello"))
	require.NoError(t, err)
	b, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "POST hello", string(b))
}

func TestMockHTTPClient(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	m := NewMockHTTPClient().
		AddResponse(http.StatusCreated, `{"ok":true}`).
		AddErrorResponse(boom)

	resp, err := m.Post("http://x/api", "application/json", strings.NewReader(`{"a":1}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	b, _ := io.ReadAll(resp.Body)
	assert.Equal(t, `{"ok":true}`, string(b))

	_, err = m.Get("http://x/status")
	assert.ErrorIs(t, err, boom)

	resp, err = m.Get("http://x/again")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, 3, m.RequestCount())
	req, body := m.Request(0)
	require.NotNil(t, req)
	assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
	assert.Equal(t, `{"a":1}`, body)
	req, _ = m.Request(5)
	assert.Nil(t, req)
}
