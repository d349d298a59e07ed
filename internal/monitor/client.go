package monitor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/banshee-data/tracking.frontend/internal/httputil"
)

// Client talks to a running front end's monitor server.
type Client struct {
	base string
	http httputil.HTTPClient
}

// NewClient returns a client for the server at base, e.g.
// "http://localhost:8082". A nil c uses http.DefaultClient.
func NewClient(base string, c httputil.HTTPClient) *Client {
	if c == nil {
		c = httputil.NewStandardClient(nil)
	}
	return &Client{base: strings.TrimRight(base, "/"), http: c}
}

// Status fetches /api/status.
func (c *Client) Status() (StatusResponse, error) {
	var st StatusResponse
	resp, err := c.http.Get(c.base + "/api/status")
	if err != nil {
		return st, fmt.Errorf("get status: %w", err)
	}
	defer resp.Body.Close()
	if err := checkResponse(resp); err != nil {
		return st, err
	}
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return st, fmt.Errorf("decode status: %w", err)
	}
	return st, nil
}

// SendCommand posts text to /api/command.
func (c *Client) SendCommand(text string) error {
	return c.postJSON("/api/command", CommandRequest{Command: text})
}

// SubmitPrior posts a pose prior to /api/prior.
func (c *Client) SubmitPrior(req PriorRequest) error {
	return c.postJSON("/api/prior", req)
}

// SubmitTransform posts a dynamic transform sample to /api/transform.
func (c *Client) SubmitTransform(req TransformRequest) error {
	return c.postJSON("/api/transform", req)
}

func (c *Client) postJSON(path string, body interface{}) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := c.http.Post(c.base+path, "application/json", bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()
	return checkResponse(resp)
}

// checkResponse turns non-2xx replies into errors carrying the server's
// error message.
func checkResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(b, &body) == nil && body.Error != "" {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, body.Error)
	}
	return fmt.Errorf("server returned %d", resp.StatusCode)
}
