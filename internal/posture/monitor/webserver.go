// Package monitor exposes the posture pipeline's debug HTTP surface:
// health, live snapshots, runtime tuning, performance presets and score
// charts. It is a local diagnostics interface, not a public API.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"log"
	"net/http"
	"time"

	"github.com/banshee-data/posture.report/internal/config"
	"github.com/banshee-data/posture.report/internal/httputil"
	"github.com/banshee-data/posture.report/internal/posture"
	"github.com/banshee-data/posture.report/internal/posture/pipeline"
	"github.com/banshee-data/posture.report/internal/posture/storage/sqlite"
	"github.com/banshee-data/posture.report/internal/version"
)

// WebServer handles the HTTP interface for monitoring the posture pipeline.
type WebServer struct {
	address  string
	pipeline *pipeline.Pipeline
	recorder *sqlite.Recorder
	server   *http.Server
	runCtx   context.Context
}

// WebServerConfig contains configuration options for the web server.
type WebServerConfig struct {
	Address  string
	Pipeline *pipeline.Pipeline
	// Recorder, when non-nil, backs the score chart endpoints.
	Recorder *sqlite.Recorder
}

// NewWebServer creates a new web server with the provided configuration.
func NewWebServer(cfg WebServerConfig) *WebServer {
	ws := &WebServer{
		address:  cfg.Address,
		pipeline: cfg.Pipeline,
		recorder: cfg.Recorder,
		runCtx:   context.Background(),
	}
	ws.server = &http.Server{
		Addr:    ws.address,
		Handler: ws.setupRoutes(),
	}
	return ws
}

// Start begins the HTTP server and blocks until the context is cancelled.
func (ws *WebServer) Start(ctx context.Context) error {
	ws.runCtx = ctx

	go func() {
		log.Printf("Starting HTTP server on %s", ws.address)
		if err := ws.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()
	if err := ws.server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
		if err := ws.server.Close(); err != nil {
			log.Printf("HTTP server force close error: %v", err)
		}
	}
	return nil
}

// setupRoutes configures the HTTP routes and handlers.
func (ws *WebServer) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", ws.handleHealth)
	mux.HandleFunc("/", ws.handleStatus)
	mux.HandleFunc("/api/posture/snapshot", ws.handleSnapshot)
	mux.HandleFunc("/api/posture/params", ws.handleParams)
	mux.HandleFunc("/api/posture/performance", ws.handlePerformance)
	mux.HandleFunc("/api/posture/device", ws.handleDevice)
	mux.HandleFunc("/charts/score", ws.handleScoreChart)

	return mux
}

// handleHealth handles the health check endpoint.
func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status": "ok", "service": "posture", "version": "%s", "timestamp": "%s"}`,
		version.Version, time.Now().UTC().Format(time.RFC3339))
}

var statusTemplate = template.Must(template.New("status").Parse(`<!DOCTYPE html>
<html>
<head><title>Posture Monitor</title></head>
<body>
<h1>Posture Monitor</h1>
<table border="1" cellpadding="4">
<tr><td>Running</td><td>{{.Running}}</td></tr>
<tr><td>Preset</td><td>{{.Preset}}</td></tr>
<tr><td>State</td><td>{{.Tick.State}}</td></tr>
<tr><td>Zone</td><td>{{.Tick.Zone}}</td></tr>
<tr><td>Score</td><td>{{printf "%.0f" .Tick.Score}}</td></tr>
<tr><td>Reliability</td><td>{{.Tick.Reliability}}</td></tr>
<tr><td>Target FPS</td><td>{{printf "%.2f" .TargetFPS}} ({{.RateReason}})</td></tr>
<tr><td>Short side</td><td>{{.ShortSide}}px</td></tr>
<tr><td>CPU avg</td><td>{{printf "%.1f" .CPUAvgPct}}%</td></tr>
</table>
<p><a href="/api/posture/snapshot">snapshot</a> | <a href="/api/posture/params">params</a> | <a href="/charts/score">score chart</a></p>
</body>
</html>
`))

// handleStatus handles the main status page endpoint.
func (ws *WebServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html")
	if err := statusTemplate.Execute(w, ws.pipeline.Snapshot()); err != nil {
		log.Printf("status template error: %v", err)
	}
}

// handleSnapshot returns the full pipeline snapshot as JSON.
func (ws *WebServer) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, ws.pipeline.Snapshot())
}

// handleParams serves the tuning config: GET returns the active values,
// POST applies a partial patch. An invalid patch is rejected wholesale with
// 400 and the active config is left untouched.
func (ws *WebServer) handleParams(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		httputil.WriteJSONOK(w, ws.pipeline.Tuning())

	case http.MethodPost:
		var patch config.TuningConfig
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			httputil.BadRequest(w, fmt.Sprintf("invalid JSON: %v", err))
			return
		}
		merged, err := ws.pipeline.SetTuning(&patch)
		if err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		httputil.WriteJSONOK(w, merged)

	default:
		httputil.MethodNotAllowed(w)
	}
}

// performanceRequest selects either a named preset or a full custom config.
type performanceRequest struct {
	Preset string                     `json:"preset,omitempty"`
	Custom *posture.PerformanceConfig `json:"custom,omitempty"`
}

// handlePerformance applies a performance preset via atomic restart.
func (ws *WebServer) handlePerformance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}

	var req performanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.BadRequest(w, fmt.Sprintf("invalid JSON: %v", err))
		return
	}

	var perf posture.PerformanceConfig
	name := req.Preset
	switch {
	case req.Custom != nil:
		perf = *req.Custom
		if name == "" {
			name = "custom"
		}
	case req.Preset != "":
		var err error
		perf, err = posture.PresetByName(req.Preset)
		if err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
	default:
		httputil.BadRequest(w, "missing 'preset' or 'custom'")
		return
	}

	if err := ws.pipeline.ApplyPerformance(ws.runCtx, perf, name); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, ws.pipeline.Snapshot())
}

// handleDevice serves capture devices: GET enumerates, POST switches.
func (ws *WebServer) handleDevice(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		httputil.WriteJSONOK(w, map[string]interface{}{
			"available": ws.pipeline.Devices(),
		})
		return
	}
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var req struct {
		DeviceID int `json:"device_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.BadRequest(w, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if err := ws.pipeline.SwitchDevice(req.DeviceID); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
