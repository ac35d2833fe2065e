package api

import (
	"bufio"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/whatsapp-automation/dashboard/internal/config"
	"github.com/whatsapp-automation/dashboard/internal/legacy"
	"github.com/whatsapp-automation/dashboard/internal/realtime"
	"github.com/whatsapp-automation/dashboard/internal/session"
)

// maxUploadSize bounds multipart media uploads.
const maxUploadSize = 64 << 20

// Server is the dashboard HTTP API.
type Server struct {
	manager   *session.Manager
	workspace session.Workspace
	hub       *realtime.Hub
	proxies   *config.ProxyPool
	legacy    *legacy.Service
	version   string
	started   time.Time
	log       logrus.FieldLogger
}

// Option configures optional collaborators.
type Option func(*Server)

// WithHub mounts the websocket endpoint.
func WithHub(h *realtime.Hub) Option { return func(s *Server) { s.hub = h } }

// WithProxies reports proxy pool stats on /health and mounts the unblock
// endpoint.
func WithProxies(p *config.ProxyPool) Option { return func(s *Server) { s.proxies = p } }

// WithLegacy exposes the single-session service status.
func WithLegacy(l *legacy.Service) Option { return func(s *Server) { s.legacy = l } }

// WithVersion sets the version reported on /health.
func WithVersion(v string) Option { return func(s *Server) { s.version = v } }

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option { return func(s *Server) { s.log = l } }

// NewServer returns an API server over the manager. Uploaded media is
// staged in the workspace profile directories.
func NewServer(m *session.Manager, ws session.Workspace, opts ...Option) *Server {
	s := &Server{
		manager:   m,
		workspace: ws,
		version:   "dev",
		started:   time.Now(),
		log:       logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.WithField("component", "api")
	return s
}

// Router returns a router with every route and the access log middleware.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.logRequests)
	s.RegisterRoutes(r)
	return r
}

// RegisterRoutes registers HTTP routes
func (s *Server) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	r.HandleFunc("/sessions", s.handleSessionsList).Methods(http.MethodGet)
	r.HandleFunc("/sessions", s.handleCreateSession).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{id}", s.handleGetSession).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}", s.handleDestroy).Methods(http.MethodDelete)
	r.HandleFunc("/sessions/{id}/initialize", s.handleInitialize).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{id}/relogin", s.handleRelogin).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{id}/logout", s.handleLogout).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{id}/qr", s.handleSessionQR).Methods(http.MethodGet)

	r.HandleFunc("/sessions/{id}/messages", s.handleSendMessage).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{id}/media", s.handleSendMedia).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{id}/chats", s.handleChats).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}/chats/{chatId}", s.handleChat).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}/chats/{chatId}", s.handleDeleteChat).Methods(http.MethodDelete)
	r.HandleFunc("/sessions/{id}/chats/{chatId}/messages", s.handleRecentMessages).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}/messages/{messageId}/media", s.handleDownloadMedia).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}/contacts", s.handleContacts).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}/contacts/{contactId}/picture", s.handleProfilePicture).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}/groups", s.handleGroups).Methods(http.MethodGet)

	if s.proxies != nil {
		r.HandleFunc("/proxies/unblock", s.handleUnblockProxies).Methods(http.MethodPost)
	}
	if s.legacy != nil {
		r.HandleFunc("/legacy", s.handleLegacyStatus).Methods(http.MethodGet)
		r.HandleFunc("/legacy/refresh-qr", s.handleLegacyRefresh).Methods(http.MethodPost)
	}
	if s.hub != nil {
		r.Handle("/ws", s.hub)
	}
}

// logRequests is the access log.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"remote":   r.RemoteAddr,
			"status":   rec.status,
			"duration": time.Since(start).String(),
		}).Debug("[HTTP] Request")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack keeps websocket upgrades working through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{"error": true, "message": message})
}

// statusFor maps manager errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrSessionNotFound), errors.Is(err, session.ErrMessageNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrNotReady):
		return http.StatusConflict
	case errors.Is(err, session.ErrConnectionLost):
		return http.StatusServiceUnavailable
	case errors.Is(err, session.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrFetchTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, session.ErrReservedSession):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// writeFailure writes err with the matching status. Sentinel messages are
// shown as-is so the dashboard can display them.
func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.log.WithError(err).WithField("path", r.URL.Path).Error("[HTTP] Request failed")
	}
	message := err.Error()
	for _, sentinel := range []error{session.ErrNotReady, session.ErrConnectionLost, session.ErrSessionNotFound} {
		if errors.Is(err, sentinel) {
			message = sentinel.Error()
		}
	}
	writeError(w, status, message)
}
