package api

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/banshee-data/handtrack/internal/glove"
	"github.com/banshee-data/handtrack/internal/httputil"
	"github.com/banshee-data/handtrack/internal/monitoring"
	"github.com/banshee-data/handtrack/internal/recording"
	"github.com/banshee-data/handtrack/internal/session"
	"github.com/banshee-data/handtrack/internal/version"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

var logf = monitoring.Tagged("api")

// Store persists calibration profiles and lists catalogued recordings.
type Store interface {
	SaveCalibration(ctx context.Context, deviceID string, c *glove.Calibration) error
	ListRecordings(ctx context.Context, deviceID string) ([]recording.Info, error)
}

type Server struct {
	sessions *session.Manager
	recorder *recording.Recorder
	store    Store

	mu       sync.Mutex
	captures map[string]*recording.Capture
}

// NewServer returns an API server over sessions. store may be nil, in
// which case calibration changes are not persisted and the recordings
// catalogue is unavailable.
func NewServer(sessions *session.Manager, recorder *recording.Recorder, store Store) *Server {
	return &Server{
		sessions: sessions,
		recorder: recorder,
		store:    store,
		captures: make(map[string]*recording.Capture),
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/sessions", s.sessionsHandler)
	mux.HandleFunc("/api/sessions/{id}", s.sessionHandler)
	mux.HandleFunc("/api/sessions/{id}/raw", s.showRaw)
	mux.HandleFunc("/api/sessions/{id}/kinematics", s.showKinematics)
	mux.HandleFunc("/api/sessions/{id}/tips", s.showTips)
	mux.HandleFunc("/api/sessions/{id}/percent", s.showPercent)
	mux.HandleFunc("/api/sessions/{id}/calibration", s.calibrationHandler)
	mux.HandleFunc("/api/sessions/{id}/simulate", s.simulateHandler)
	mux.HandleFunc("/api/sessions/{id}/stop", s.stopHandler)
	mux.HandleFunc("/api/sessions/{id}/record", s.recordHandler)
	mux.HandleFunc("/api/sessions/{id}/record/start", s.recordStartHandler)
	mux.HandleFunc("/api/sessions/{id}/record/stop", s.recordStopHandler)
	mux.HandleFunc("/api/sessions/{id}/play", s.playHandler)
	mux.HandleFunc("/api/recordings", s.listRecordings)
	mux.HandleFunc("/api/recordings/chart", s.recordingChart)
	mux.HandleFunc("/api/version", s.showVersion)
	return mux
}

func (s *Server) showVersion(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	httputil.WriteJSONOK(w, map[string]string{
		"version":    version.Version,
		"git_sha":    version.GitSHA,
		"build_time": version.BuildTime,
	})
}

// session resolves the {id} path value, writing a 404 when it is unknown.
func (s *Server) session(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	id := r.PathValue("id")
	sess, ok := s.sessions.Get(id)
	if !ok {
		httputil.NotFound(w, "unknown session "+strconv.Quote(id))
		return nil, false
	}
	return sess, true
}

func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		httputil.MethodNotAllowed(w)
		return false
	}
	return true
}
