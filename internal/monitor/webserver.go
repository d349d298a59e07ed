// Package monitor serves the front end's HTTP interface: a status page, JSON
// status and export endpoints, command, pose prior and transform submission,
// and the /debug/ charts.
package monitor

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"html/template"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/tracking.frontend/internal/command"
	"github.com/banshee-data/tracking.frontend/internal/geom"
	"github.com/banshee-data/tracking.frontend/internal/httputil"
	"github.com/banshee-data/tracking.frontend/internal/monitoring"
	"github.com/banshee-data/tracking.frontend/internal/pipeline"
	"github.com/banshee-data/tracking.frontend/internal/publish"
	"github.com/banshee-data/tracking.frontend/internal/sensor"
	"github.com/banshee-data/tracking.frontend/internal/serialmux"
	"github.com/banshee-data/tracking.frontend/internal/storage/sqlite"
	"github.com/banshee-data/tracking.frontend/internal/version"
)

//go:embed status.html
var statusFS embed.FS

var statusTemplate = template.Must(template.ParseFS(statusFS, "status.html"))

// maxBodyBytes bounds command, prior and transform request bodies.
const maxBodyBytes = 64 << 10

// StatusSource reports pipeline counters. *pipeline.Orchestrator implements it.
type StatusSource interface {
	Stats() pipeline.Stats
}

// Exporter serves map exports. *publish.Gateway implements it.
type Exporter interface {
	ExportPointCloud(ctx context.Context) (publish.PointCloud, error)
	ExportKeyFrames(ctx context.Context) (publish.KeyFrameSet, error)
	Stats() publish.Stats
}

// CommandApplier applies command text. *command.Bus implements it.
type CommandApplier interface {
	Apply(text string) error
}

// PriorSubmitter accepts externally supplied pose priors.
type PriorSubmitter interface {
	SubmitPrior(p sensor.PosePrior) error
}

// TransformSubmitter accepts dynamic transform samples. *transform.Buffer
// and *recorder.Recorder implement it.
type TransformSubmitter interface {
	SubmitTransform(t sensor.TransformSample) error
}

// AdminAttacher mounts extra /debug/ routes.
type AdminAttacher interface {
	AttachAdminRoutes(mux *http.ServeMux)
}

// WebServerConfig wires the server to the rest of the process. Only Address
// and Pipeline are required.
type WebServerConfig struct {
	Address    string
	Pipeline   StatusSource
	Gateway    Exporter
	Commands   CommandApplier
	Priors     PriorSubmitter
	Transforms TransformSubmitter
	Trajectory *TrajectoryBuffer
	Store      *sqlite.Store
	Serial     AdminAttacher
	IMU        func() serialmux.IngestStats
	// PriorFrame is used for posted priors that name no frame.
	PriorFrame string
}

// WebServer is the monitor HTTP server.
type WebServer struct {
	cfg     WebServerConfig
	server  *http.Server
	started time.Time
	logf    func(format string, v ...interface{})
}

// NewWebServer builds the server and its routes.
func NewWebServer(cfg WebServerConfig) *WebServer {
	ws := &WebServer{
		cfg:     cfg,
		started: time.Now(),
		logf:    monitoring.For("monitor"),
	}
	ws.server = &http.Server{
		Addr:              cfg.Address,
		Handler:           ws.setupRoutes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return ws
}

// Handler returns the root handler, for tests and embedding.
func (ws *WebServer) Handler() http.Handler { return ws.server.Handler }

// Start serves until ctx is cancelled, then shuts down.
func (ws *WebServer) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		ws.logf("starting HTTP server on %s", ws.cfg.Address)
		if err := ws.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := ws.server.Shutdown(shutdownCtx); err != nil {
		ws.logf("HTTP server shutdown error: %v", err)
		if err := ws.server.Close(); err != nil {
			ws.logf("HTTP server force close error: %v", err)
		}
	}
	ws.logf("HTTP server stopped")
	return nil
}

func (ws *WebServer) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", ws.handleHealth)
	mux.HandleFunc("/", ws.handleStatusPage)
	mux.HandleFunc("/api/status", ws.handleStatus)
	mux.HandleFunc("/api/export/pointcloud", ws.handleExportPointCloud)
	mux.HandleFunc("/api/export/keyframes", ws.handleExportKeyFrames)
	mux.HandleFunc("/api/command", ws.handleCommand)
	mux.HandleFunc("/api/prior", ws.handlePrior)
	mux.HandleFunc("/api/transform", ws.handleTransform)
	mux.HandleFunc("/api/trajectory", ws.handleTrajectory)

	ws.attachDebugRoutes(mux)
	if ws.cfg.Store != nil {
		if err := ws.cfg.Store.AttachAdminRoutes(mux); err != nil {
			ws.logf("tailsql unavailable: %v", err)
		}
	}
	if ws.cfg.Serial != nil {
		ws.cfg.Serial.AttachAdminRoutes(mux)
	}
	return mux
}

func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, map[string]string{
		"status":    "ok",
		"service":   "tracking-frontend",
		"version":   version.Version,
		"git_sha":   version.GitSHA,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	Uptime   string                 `json:"uptime"`
	Pipeline pipeline.Stats         `json:"pipeline"`
	Gateway  *publish.Stats         `json:"gateway,omitempty"`
	IMU      *serialmux.IngestStats `json:"imu,omitempty"`
	Commands *CommandCounts         `json:"commands,omitempty"`
}

// CommandCounts reports the command bus counters.
type CommandCounts struct {
	Applied  uint64 `json:"applied"`
	Rejected uint64 `json:"rejected"`
}

func (ws *WebServer) status() StatusResponse {
	resp := StatusResponse{
		Uptime:   time.Since(ws.started).Round(time.Second).String(),
		Pipeline: ws.cfg.Pipeline.Stats(),
	}
	if ws.cfg.Gateway != nil {
		st := ws.cfg.Gateway.Stats()
		resp.Gateway = &st
	}
	if ws.cfg.IMU != nil {
		st := ws.cfg.IMU()
		resp.IMU = &st
	}
	if c, ok := ws.cfg.Commands.(interface{ Counts() (uint64, uint64) }); ok {
		applied, rejected := c.Counts()
		resp.Commands = &CommandCounts{Applied: applied, Rejected: rejected}
	}
	return resp
}

func (ws *WebServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, ws.status())
}

func (ws *WebServer) handleStatusPage(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	data := struct {
		Address    string
		Status     StatusResponse
		Vocabulary []string
	}{
		Address:    ws.cfg.Address,
		Status:     ws.status(),
		Vocabulary: command.Vocabulary(),
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := statusTemplate.Execute(w, data); err != nil {
		http.Error(w, "Error executing template: "+err.Error(), http.StatusInternalServerError)
	}
}

func (ws *WebServer) writeExportError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, publish.ErrExportInconsistent):
		httputil.WriteJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, err.Error())
	default:
		httputil.InternalServerError(w, err.Error())
	}
}

func (ws *WebServer) handleExportPointCloud(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if ws.cfg.Gateway == nil {
		httputil.NotFound(w, "export not configured")
		return
	}
	pc, err := ws.cfg.Gateway.ExportPointCloud(r.Context())
	if err != nil {
		ws.writeExportError(w, err)
		return
	}
	httputil.WriteJSONOK(w, pc)
}

func (ws *WebServer) handleExportKeyFrames(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if ws.cfg.Gateway == nil {
		httputil.NotFound(w, "export not configured")
		return
	}
	kf, err := ws.cfg.Gateway.ExportKeyFrames(r.Context())
	if err != nil {
		ws.writeExportError(w, err)
		return
	}
	httputil.WriteJSONOK(w, kf)
}

// CommandRequest is the body of POST /api/command. Form posts use the
// "command" field.
type CommandRequest struct {
	Command string `json:"command"`
}

func (ws *WebServer) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	if ws.cfg.Commands == nil {
		httputil.NotFound(w, "commands not configured")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var text string
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var req CommandRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httputil.BadRequest(w, "invalid JSON: "+err.Error())
			return
		}
		text = req.Command
	} else {
		text = r.FormValue("command")
	}

	if err := ws.cfg.Commands.Apply(text); err != nil {
		if errors.Is(err, command.ErrUnknownCommand) {
			httputil.BadRequest(w, err.Error())
			return
		}
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, map[string]string{"applied": strings.TrimSpace(text)})
}

// PriorRequest is the body of POST /api/prior. Orientation is (w, x, y, z).
// A zero stamp means now; a missing orientation means identity.
type PriorRequest struct {
	StampNs     int64        `json:"stamp_ns"`
	FrameID     string       `json:"frame_id"`
	Position    [3]float64   `json:"position"`
	Orientation *[4]float64  `json:"orientation,omitempty"`
	Covariance  *[36]float64 `json:"covariance,omitempty"`
}

func (req PriorRequest) prior(defaultFrame string, now time.Time) (sensor.PosePrior, error) {
	p := sensor.PosePrior{
		Stamp:   now,
		FrameID: req.FrameID,
		Pose: geom.Pose{
			Position:    geom.Vec3{X: req.Position[0], Y: req.Position[1], Z: req.Position[2]},
			Orientation: geom.Identity(),
		},
	}
	if req.StampNs > 0 {
		p.Stamp = time.Unix(0, req.StampNs)
	}
	if p.FrameID == "" {
		p.FrameID = defaultFrame
	}
	if p.FrameID == "" {
		return p, errors.New("frame_id is required")
	}
	if o := req.Orientation; o != nil {
		q, ok := geom.Quaternion{W: o[0], X: o[1], Y: o[2], Z: o[3]}.Normalize()
		if !ok {
			return p, errors.New("orientation must be a non-zero quaternion")
		}
		p.Pose.Orientation = q
	}
	if req.Covariance != nil {
		p.Covariance = *req.Covariance
	}
	return p, nil
}

func (ws *WebServer) handlePrior(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	if ws.cfg.Priors == nil {
		httputil.NotFound(w, "pose priors not accepted")
		return
	}
	var req PriorRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		httputil.BadRequest(w, "invalid JSON: "+err.Error())
		return
	}
	p, err := req.prior(ws.cfg.PriorFrame, time.Now())
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	switch err := ws.cfg.Priors.SubmitPrior(p); {
	case err == nil:
	case errors.Is(err, pipeline.ErrQueueFull):
		httputil.WriteJSONError(w, http.StatusTooManyRequests, err.Error())
		return
	case errors.Is(err, pipeline.ErrStopped):
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, err.Error())
		return
	default:
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, map[string]any{
		"frame_id": p.FrameID,
		"stamp_ns": p.Stamp.UnixNano(),
	})
}

// TransformRequest is the body of POST /api/transform: the pose of Child in
// Parent at StampNs. Rotation is (w, x, y, z); a zero stamp means now and a
// missing rotation means identity.
type TransformRequest struct {
	StampNs     int64       `json:"stamp_ns"`
	Parent      string      `json:"parent"`
	Child       string      `json:"child"`
	Translation [3]float64  `json:"translation"`
	Rotation    *[4]float64 `json:"rotation,omitempty"`
}

func (req TransformRequest) sample(now time.Time) (sensor.TransformSample, error) {
	s := sensor.TransformSample{
		Stamp:  now,
		Parent: req.Parent,
		Child:  req.Child,
		Pose: geom.Pose{
			Position:    geom.Vec3{X: req.Translation[0], Y: req.Translation[1], Z: req.Translation[2]},
			Orientation: geom.Identity(),
		},
	}
	if req.StampNs > 0 {
		s.Stamp = time.Unix(0, req.StampNs)
	}
	if s.Parent == "" || s.Child == "" {
		return s, errors.New("parent and child are required")
	}
	if r := req.Rotation; r != nil {
		q, ok := geom.Quaternion{W: r[0], X: r[1], Y: r[2], Z: r[3]}.Normalize()
		if !ok {
			return s, errors.New("rotation must be a non-zero quaternion")
		}
		s.Pose.Orientation = q
	}
	return s, nil
}

func (ws *WebServer) handleTransform(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	if ws.cfg.Transforms == nil {
		httputil.NotFound(w, "transforms not accepted")
		return
	}
	var req TransformRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		httputil.BadRequest(w, "invalid JSON: "+err.Error())
		return
	}
	s, err := req.sample(time.Now())
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if err := ws.cfg.Transforms.SubmitTransform(s); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, map[string]any{
		"parent":   s.Parent,
		"child":    s.Child,
		"stamp_ns": s.Stamp.UnixNano(),
	})
}

func (ws *WebServer) handleTrajectory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if ws.cfg.Trajectory == nil {
		httputil.NotFound(w, "trajectory not recorded")
		return
	}
	limit := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		v, err := strconv.Atoi(l)
		if err != nil || v < 0 {
			httputil.BadRequest(w, "invalid 'limit' parameter")
			return
		}
		limit = v
	}
	httputil.WriteJSONOK(w, ws.cfg.Trajectory.Points(limit))
}
