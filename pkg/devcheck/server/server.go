// Package server is the reference consumer of the capture checks: a
// local HTTP API plus a WebSocket feed any UI can subscribe to. The
// server is the single subscriber on each check and fans out from
// there.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog"

	"github.com/probelab/devcheck/pkg/capture"
	"github.com/probelab/devcheck/pkg/capture/cam"
	"github.com/probelab/devcheck/pkg/capture/driver"
	"github.com/probelab/devcheck/pkg/capture/mic"
)

type Config struct {
	Addr      string
	RecordDir string
}

// check is the command surface the two feature checks share.
type check interface {
	Devices(ctx context.Context) ([]capture.DeviceInfo, error)
	Select(ctx context.Context, deviceID string) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Status() capture.Status
}

type Server struct {
	cfg    Config
	logger zerolog.Logger
	mic    *mic.Check
	cam    *cam.Check
	hub    *hub
	srv    *http.Server

	mu       sync.Mutex
	frame    driver.Frame
	frameSeq uint64
}

func New(cfg Config, micCheck *mic.Check, camCheck *cam.Check, logger zerolog.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		logger: logger.With().Str("component", "server").Logger(),
		mic:    micCheck,
		cam:    camCheck,
		hub:    newHub(logger),
	}
	s.srv = &http.Server{Addr: cfg.Addr, Handler: s.Handler()}

	micCheck.Subscribe(s.onBands)
	camCheck.Subscribe(s.onFrame)
	return s
}

// Handler builds the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	r := httprouter.New()

	r.GET("/api/status", s.handleStatus)
	r.GET("/api/check/:kind/devices", s.handleDevices)
	r.POST("/api/check/:kind/select", s.handleSelect)
	r.POST("/api/check/:kind/start", s.handleStart)
	r.POST("/api/check/:kind/stop", s.handleStop)

	r.GET("/api/spectrum", s.handleSpectrum)
	r.GET("/api/spectrum.png", s.handleSpectrumPNG)
	r.GET("/api/frame.jpg", s.handleFrame)

	r.POST("/api/record/start", s.handleRecordStart)
	r.POST("/api/record/stop", s.handleRecordStop)

	r.GET("/ws", func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		s.hub.serve(w, req)
	})

	return r
}

// Run serves until ctx ends.
func (s *Server) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Stop(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.cfg.Addr).Msg("http server listening")
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop disconnects WebSocket clients and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.hub.close()
	return s.srv.Shutdown(ctx)
}

// onBands is the mic check's subscriber: every fresh band frame goes to
// the WebSocket fan-out.
func (s *Server) onBands(snap mic.BandsSnapshot) {
	s.hub.broadcast(struct {
		Type string `json:"type"`
		mic.BandsSnapshot
	}{Type: "bands", BandsSnapshot: snap})
}

// onFrame is the cam check's subscriber: the frame itself is kept for
// /api/frame.jpg, clients get a small notification to re-fetch.
func (s *Server) onFrame(snap cam.FrameSnapshot) {
	s.mu.Lock()
	s.frame = snap.Frame
	s.frameSeq = snap.Seq
	s.mu.Unlock()

	s.hub.broadcast(struct {
		Type   string    `json:"type"`
		Seq    uint64    `json:"seq"`
		Width  int       `json:"width"`
		Height int       `json:"height"`
		Taken  time.Time `json:"taken"`
	}{Type: "frame", Seq: snap.Seq, Width: snap.Frame.Width, Height: snap.Frame.Height, Taken: snap.Taken})
}

func (s *Server) checkFor(kind string) (check, bool) {
	switch kind {
	case "mic":
		return s.mic, true
	case "cam":
		return s.cam, true
	default:
		return nil, false
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]capture.Status{
		"mic": s.mic.Status(),
		"cam": s.cam.Status(),
	})
}

func (s *Server) handleDevices(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
	c, ok := s.checkFor(params.ByName("kind"))
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown check %q", params.ByName("kind")))
		return
	}

	devs, err := c.Devices(req.Context())
	if err != nil {
		s.writeCommandError(w, err)
		return
	}
	if devs == nil {
		devs = []capture.DeviceInfo{}
	}
	writeJSON(w, http.StatusOK, devs)
}

func (s *Server) handleSelect(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
	c, ok := s.checkFor(params.ByName("kind"))
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown check %q", params.ByName("kind")))
		return
	}

	var body struct {
		Device string `json:"device"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decoding request: %w", err))
		return
	}
	if body.Device == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("device is required"))
		return
	}

	if err := c.Select(req.Context(), body.Device); err != nil {
		s.writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c.Status())
}

func (s *Server) handleStart(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
	s.handleToggle(w, req, params, func(c check) error { return c.Start(req.Context()) })
}

func (s *Server) handleStop(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
	s.handleToggle(w, req, params, func(c check) error { return c.Stop(req.Context()) })
}

func (s *Server) handleToggle(w http.ResponseWriter, req *http.Request, params httprouter.Params, op func(check) error) {
	c, ok := s.checkFor(params.ByName("kind"))
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown check %q", params.ByName("kind")))
		return
	}
	if err := op(c); err != nil {
		s.writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c.Status())
}

func (s *Server) handleSpectrum(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	snap, ok := s.mic.Latest()
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("no spectrum captured yet"))
		return
	}
	writeJSON(w, http.StatusOK, struct {
		mic.BandsSnapshot
		Centers []float64 `json:"centers"`
	}{BandsSnapshot: snap, Centers: s.mic.BandCenters()})
}

func (s *Server) handleSpectrumPNG(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	snap, ok := s.mic.Latest()
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("no spectrum captured yet"))
		return
	}

	png, err := spectrumPNG(snap, s.mic.BandCenters())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Write(png)
}

func (s *Server) handleFrame(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	s.mu.Lock()
	frame, seq := s.frame, s.frameSeq
	s.mu.Unlock()

	if seq == 0 {
		writeError(w, http.StatusNotFound, fmt.Errorf("no frame captured yet"))
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("X-Frame-Seq", fmt.Sprintf("%d", seq))
	w.Write(frame.Data)
}

func (s *Server) handleRecordStart(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	var body struct {
		Path string `json:"path"`
	}
	// body is optional; an empty one means "pick a path for me"
	if req.Body != nil {
		json.NewDecoder(req.Body).Decode(&body)
	}
	if body.Path == "" {
		body.Path = filepath.Join(s.cfg.RecordDir,
			"mic-"+time.Now().Format("20060102-150405")+".wav")
	}

	if err := s.mic.StartRecording(body.Path); err != nil {
		s.writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"path": body.Path})
}

func (s *Server) handleRecordStop(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	path, length, err := s.mic.StopRecording()
	if err != nil {
		s.writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Path       string `json:"path"`
		DurationMS int64  `json:"duration_ms"`
	}{Path: path, DurationMS: length.Milliseconds()})
}

// writeCommandError maps capture outcomes to HTTP statuses. A
// superseded command is a conflict, not a failure: the newer command
// owns the session now.
func (s *Server) writeCommandError(w http.ResponseWriter, err error) {
	var ise *capture.InvalidStateError
	switch {
	case errors.Is(err, context.Canceled):
		writeError(w, http.StatusConflict, fmt.Errorf("superseded by a newer command"))
	case errors.Is(err, capture.ErrCoordinatorClosed):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, capture.ErrNoDevice):
		writeError(w, http.StatusBadRequest, err)
	case errors.As(err, &ise):
		writeError(w, http.StatusConflict, err)
	default:
		s.logger.Warn().Err(err).Msg("command failed")
		writeError(w, http.StatusInternalServerError, err)
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
