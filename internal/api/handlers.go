package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/whatsapp-automation/dashboard/internal/session"
)

// GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	all := s.manager.GetAllSessions()
	connected := 0
	for _, snap := range all {
		if snap.Status == session.StatusConnected {
			connected++
		}
	}

	health := map[string]interface{}{
		"healthy": true,
		"version": s.version,
		"started": humanize.Time(s.started),
		"uptime":  strings.TrimSpace(humanize.RelTime(s.started, time.Now(), "", "")),
		"sessions": map[string]int{
			"total":     len(all),
			"connected": connected,
		},
	}
	if s.hub != nil {
		health["dashboards"] = s.hub.ClientCount()
	}
	if s.proxies != nil && s.proxies.IsEnabled() {
		health["proxies"] = s.proxies.Stats()
	}
	if s.legacy != nil {
		health["legacy"] = map[string]interface{}{
			"connected": s.legacy.IsConnected(),
			"monitor":   s.legacy.Monitor().Stats(),
		}
	}
	writeJSON(w, http.StatusOK, health)
}

// GET /sessions lists the dashboard sessions. ?all=true returns every
// registered record instead, named or not.
func (s *Server) handleSessionsList(w http.ResponseWriter, r *http.Request) {
	if all, _ := strconv.ParseBool(r.URL.Query().Get("all")); all {
		snaps := s.manager.GetAllSessions()
		infos := make([]session.Info, 0, len(snaps))
		for _, snap := range snaps {
			infos = append(infos, snap.Info())
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": infos})
		return
	}

	resp := map[string]interface{}{"sessions": s.manager.GetAllSessionsInfo()}
	if primary, ok := s.manager.GetPrimarySession(); ok {
		resp["primary"] = primary.ID
	}
	writeJSON(w, http.StatusOK, resp)
}

// CreateSessionRequest for POST /sessions
type CreateSessionRequest struct {
	SessionID  string `json:"sessionId"`
	Initialize *bool  `json:"initialize"`
}

// Validate checks the optional session id.
func (req CreateSessionRequest) Validate() error {
	return validation.ValidateStruct(&req,
		validation.Field(&req.SessionID, validation.When(req.SessionID != "", validation.By(func(interface{}) error {
			if err := session.ValidateSessionID(req.SessionID); err != nil {
				return errors.New("must be 1-64 letters, digits, '_' or '-'")
			}
			return nil
		}))),
	)
}

// POST /sessions - add an account
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if !s.decode(w, r, &req, true) {
		return
	}
	initialize := req.Initialize == nil || *req.Initialize

	snap, err := s.manager.CreateSession(r.Context(), req.SessionID, initialize)
	if err != nil && snap.ID == "" {
		s.writeFailure(w, r, err)
		return
	}
	resp := map[string]interface{}{
		"success": err == nil,
		"session": snap.Info(),
	}
	if err != nil {
		resp["message"] = err.Error()
	}
	writeJSON(w, http.StatusCreated, resp)
}

// GET /sessions/{id}
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if snap, ok := s.manager.GetSession(id); ok {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"session":      snap.Info(),
			"ready":        snap.Ready,
			"initializing": snap.Initializing,
		})
		return
	}
	for _, info := range s.manager.GetAllSessionsInfo() {
		if info.SessionID == id {
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"session": info,
				"ready":   info.Status == session.StatusConnected,
			})
			return
		}
	}
	s.writeFailure(w, r, session.ErrSessionNotFound)
}

// POST /sessions/{id}/initialize
func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request) {
	s.sessionAction(w, r, "Initialization started", s.manager.Initialize)
}

// POST /sessions/{id}/relogin
func (s *Server) handleRelogin(w http.ResponseWriter, r *http.Request) {
	s.sessionAction(w, r, "Relogin started, scan the new QR code", s.manager.Relogin)
}

// POST /sessions/{id}/logout
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.sessionAction(w, r, "Logged out", s.manager.Logout)
}

// DELETE /sessions/{id}
func (s *Server) handleDestroy(w http.ResponseWriter, r *http.Request) {
	s.sessionAction(w, r, "Session removed", s.manager.Destroy)
}

func (s *Server) sessionAction(w http.ResponseWriter, r *http.Request, message string, action func(ctx context.Context, id string) error) {
	id := mux.Vars(r)["id"]
	if err := action(r.Context(), id); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"sessionId": id,
		"message":   message,
	})
}

// GET /sessions/{id}/qr
func (s *Server) handleSessionQR(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, ok := s.manager.GetSession(id); !ok {
		s.writeFailure(w, r, session.ErrSessionNotFound)
		return
	}
	qr, ok := s.manager.QRCode(id)
	if !ok {
		writeError(w, http.StatusNotFound, "No QR code available")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessionId": id, "qr": qr})
}

// SendMessageRequest for POST /sessions/{id}/messages
type SendMessageRequest struct {
	To      string `json:"to"`
	Message string `json:"message"`
}

// Validate checks the required fields.
func (req SendMessageRequest) Validate() error {
	return validation.ValidateStruct(&req,
		validation.Field(&req.To, validation.Required, validation.Length(1, 128)),
		validation.Field(&req.Message, validation.Required),
	)
}

// POST /sessions/{id}/messages
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req SendMessageRequest
	if !s.decode(w, r, &req, false) {
		return
	}

	result, err := s.manager.SendMessage(r.Context(), id, req.To, req.Message)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"messageId": result.ID,
		"to":        result.To,
		"timestamp": result.Timestamp,
	})
}

// MediaRequest holds the form fields of POST /sessions/{id}/media.
type MediaRequest struct {
	To      string
	Caption string
}

// Validate checks the required fields.
func (req MediaRequest) Validate() error {
	return validation.ValidateStruct(&req,
		validation.Field(&req.To, validation.Required, validation.Length(1, 128)),
		validation.Field(&req.Caption, validation.Length(0, 4096)),
	)
}

// POST /sessions/{id}/media - multipart upload with fields to, caption, file
func (s *Server) handleSendMedia(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()
	req := MediaRequest{To: r.FormValue("to"), Caption: r.FormValue("caption")}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file required")
		return
	}
	defer file.Close()

	if !s.manager.IsReady(id) {
		if _, ok := s.manager.GetSession(id); !ok {
			s.writeFailure(w, r, session.ErrSessionNotFound)
			return
		}
		s.writeFailure(w, r, session.ErrNotReady)
		return
	}

	filename := filepath.Base(header.Filename)
	path, err := s.stageUpload(id, filename, file)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	defer os.Remove(path)

	result, err := s.manager.SendMediaMessage(r.Context(), id, req.To, req.Caption, path, filename)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"messageId": result.ID,
		"to":        result.To,
		"filename":  filename,
		"timestamp": result.Timestamp,
	})
}

// stageUpload copies an upload into the session profile directory.
func (s *Server) stageUpload(id, filename string, src io.Reader) (string, error) {
	dir, err := s.workspace.EnsureProfile(id)
	if err != nil {
		return "", err
	}
	dir = filepath.Join(dir, "uploads")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create upload dir: %w", err)
	}
	path := filepath.Join(dir, uuid.NewString()+filepath.Ext(filename))
	dst, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("stage upload: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(path)
		return "", fmt.Errorf("stage upload: %w", err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("stage upload: %w", err)
	}
	return path, nil
}

// GET /sessions/{id}/chats
func (s *Server) handleChats(w http.ResponseWriter, r *http.Request) {
	chats, err := s.manager.GetChats(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"chats": chats})
}

// GET /sessions/{id}/chats/{chatId}
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	chat, err := s.manager.GetChat(r.Context(), vars["id"], vars["chatId"])
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"chat": chat})
}

// DELETE /sessions/{id}/chats/{chatId}
func (s *Server) handleDeleteChat(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.manager.DeleteChat(r.Context(), vars["id"], vars["chatId"]); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "chatId": vars["chatId"]})
}

// GET /sessions/{id}/messages/{messageId}/media streams the attachment.
func (s *Server) handleDownloadMedia(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	media, err := s.manager.DownloadMedia(r.Context(), vars["id"], vars["messageId"])
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	w.Header().Set("Content-Type", media.MimeType)
	w.Header().Set("Content-Length", strconv.Itoa(len(media.Data)))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": media.Filename}))
	w.WriteHeader(http.StatusOK)
	w.Write(media.Data)
}

// GET /sessions/{id}/contacts/{contactId}/picture
func (s *Server) handleProfilePicture(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	url, err := s.manager.ProfilePicture(r.Context(), vars["id"], vars["contactId"])
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"contactId": vars["contactId"], "url": url})
}

// GET /sessions/{id}/chats/{chatId}/messages?limit=N
func (s *Server) handleRecentMessages(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if _, ok := s.manager.GetSession(vars["id"]); !ok {
		s.writeFailure(w, r, session.ErrSessionNotFound)
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive number")
			return
		}
		limit = n
	}
	messages := s.manager.RecentMessages(vars["id"], vars["chatId"], limit)
	if messages == nil {
		messages = []session.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"messages": messages})
}

// GET /sessions/{id}/contacts
func (s *Server) handleContacts(w http.ResponseWriter, r *http.Request) {
	contacts, err := s.manager.GetContacts(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"contacts": contacts})
}

// GET /sessions/{id}/groups
func (s *Server) handleGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := s.manager.GetGroups(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"groups": groups})
}

// GET /legacy
func (s *Server) handleLegacyStatus(w http.ResponseWriter, r *http.Request) {
	connected := s.legacy.IsConnected()
	resp := map[string]interface{}{
		"connected": connected,
		"monitor":   s.legacy.Monitor().Stats(),
	}
	if connected {
		resp["identity"] = s.legacy.Identity()
	} else if qr := s.legacy.QRCode(); qr != "" {
		resp["qr"] = qr
	}
	writeJSON(w, http.StatusOK, resp)
}

// POST /proxies/unblock clears every blocked mark in the pool.
func (s *Server) handleUnblockProxies(w http.ResponseWriter, r *http.Request) {
	s.proxies.UnblockAll()
	s.log.Info("[PROXY] All proxies unblocked")
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "proxies": s.proxies.Stats()})
}

// POST /legacy/refresh-qr
func (s *Server) handleLegacyRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.legacy.ForceRefreshQR(r.Context()); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "message": "QR code refresh started"})
}

// decode reads a JSON body and validates it. An empty body is accepted when
// allowEmpty is set.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst validation.Validatable, allowEmpty bool) bool {
	err := json.NewDecoder(r.Body).Decode(dst)
	if errors.Is(err, io.EOF) && allowEmpty {
		err = nil
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return false
	}
	if err := dst.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}
