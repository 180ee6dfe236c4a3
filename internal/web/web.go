package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"epdtag/internal/app"
	"epdtag/internal/config"
	appLog "epdtag/internal/log"
	"epdtag/internal/store"
	"epdtag/internal/telemetry"
)

// telemetryCacheTTL bounds how often /api/telemetry touches the gauge.
const telemetryCacheTTL = 30 * time.Second

// StatusSource is implemented by *app.App.
type StatusSource interface {
	Snapshot() app.Status
}

// PreviewSource returns the last refreshed frame as PNG, nil if none yet.
// *epd.PreviewPanel implements it.
type PreviewSource interface {
	PNG() []byte
}

// Server provides the read-only status API of the tag.
type Server struct {
	cfg     *config.Config
	status  StatusSource
	tele    telemetry.Reader
	preview PreviewSource
	store   *store.Store
	mux     *http.ServeMux
	now     func() time.Time

	// In-memory cache for telemetry. This avoids hitting I2C on every
	// single HTTP call.
	teleMu    sync.RWMutex
	teleCache *telemetryCache
}

// Deps are the subsystems the server reports on. Preview and Store may be nil.
type Deps struct {
	Status    StatusSource
	Telemetry telemetry.Reader
	Preview   PreviewSource
	Store     *store.Store
}

// NewServer constructs a new Server.
func NewServer(cfg *config.Config, d Deps) *Server {
	s := &Server{
		cfg:     cfg,
		status:  d.Status,
		tele:    d.Telemetry,
		preview: d.Preview,
		store:   d.Store,
		mux:     http.NewServeMux(),
		now:     time.Now,
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// 빈 사용자명 또는 비밀번호가 설정된 경우에는 비활성화로 취급한다.
	if s.cfg.BasicAuth.Username == "" || s.cfg.BasicAuth.Password == "" {
		return false
	}
	return true
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// /health 는 항상 무인증으로 노출한다.
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="epdtag", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Serve runs the server on cfg.Listen until ctx is cancelled, then shuts it
// down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/api/status", s.handleStatus)
	s.mux.HandleFunc("/api/telemetry", s.handleTelemetry)
	s.mux.HandleFunc("/api/slots", s.handleSlots)
	s.mux.HandleFunc("/preview.png", s.handlePreview)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleStatus returns the last cycle report, radio session and panel state.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	if s.status == nil {
		writeError(w, http.StatusServiceUnavailable, "cycle loop not running")
		return
	}
	writeJSON(w, http.StatusOK, s.status.Snapshot())
}

// telemetryCache holds the last known telemetry sample and its timestamp.
type telemetryCache struct {
	status    telemetry.Status
	updatedAt time.Time
}

// telemetryResponse is the JSON response shape for /api/telemetry.
type telemetryResponse struct {
	telemetry.Status
	UpdatedAt time.Time `json:"updated_at"`
}

// handleTelemetry exposes battery voltage and temperature.
//
// Telemetry does not need sub-second precision, so a short TTL cache sits in
// front of the reader.
func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	now := s.now()

	// Fast path: return cached value if it's still fresh.
	s.teleMu.RLock()
	tc := s.teleCache
	s.teleMu.RUnlock()
	if tc != nil && now.Sub(tc.updatedAt) < telemetryCacheTTL {
		writeJSON(w, http.StatusOK, telemetryResponse{Status: tc.status, UpdatedAt: tc.updatedAt})
		return
	}

	if s.tele == nil {
		writeError(w, http.StatusInternalServerError, "telemetry reader unavailable")
		return
	}
	status, err := s.tele.Read(r.Context())
	if err != nil {
		appLog.Error("telemetry read failed", err)
		writeError(w, http.StatusInternalServerError, "failed to read telemetry")
		return
	}

	s.teleMu.Lock()
	s.teleCache = &telemetryCache{status: status, updatedAt: now}
	s.teleMu.Unlock()

	writeJSON(w, http.StatusOK, telemetryResponse{Status: status, UpdatedAt: now})
}

// slotDTO is a JSON-friendly view of a stored image slot.
type slotDTO struct {
	Index int `json:"index"`
	store.Meta
}

// handleSlots lists the valid stored images in slot order.
func (s *Server) handleSlots(w http.ResponseWriter, _ *http.Request) {
	if s.store == nil {
		writeJSON(w, http.StatusOK, []slotDTO{})
		return
	}
	slots := s.store.Slots()
	out := make([]slotDTO, 0, len(slots))
	for _, sl := range slots {
		out = append(out, slotDTO{Index: sl.Index, Meta: sl.Meta})
	}
	writeJSON(w, http.StatusOK, out)
}

// handlePreview serves the last refreshed frame.
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	if s.preview == nil {
		http.NotFound(w, r)
		return
	}
	png := s.preview.PNG()
	if png == nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(png)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
