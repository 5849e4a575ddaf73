package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-transcribe/internal/audio"
	"github.com/loqalabs/loqa-transcribe/internal/session"
	"github.com/loqalabs/loqa-transcribe/internal/stt"
	"github.com/loqalabs/loqa-transcribe/internal/transcribe"
)

const (
	tokenHeader    = "X-Session-Token"
	tokenField     = "session_id"
	formMemory     = 8 << 20
	tokenKeyPrefix = "token:"
)

var uploadFields = []string{"audio", "file"}

const noFilePart = "No file part: expected form field 'audio' or 'file'"

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, "Transcription API is running!")
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.opts.Ready == nil || s.opts.Ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	sessions := s.svc.Sessions()
	writeJSON(w, http.StatusOK, map[string]any{"count": len(sessions), "sessions": sessions})
}

func (s *Server) handleNodes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"nodes": s.opts.Nodes()})
}

func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	defer cleanupForm(r)
	raw, hint, ok := s.readUpload(w, r, "No selected file")
	if !ok {
		return
	}

	res, err := s.svc.TranscribeComplete(r.Context(), raw, hint)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	body := map[string]any{"text": res.Text}
	addTranslationFields(body, res)
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleTranscribeChunk(w http.ResponseWriter, r *http.Request) {
	defer cleanupForm(r)
	raw, hint, ok := s.readUpload(w, r, "No audio chunk")
	if !ok {
		return
	}
	key, ok := s.sessionKey(w, r)
	if !ok {
		return
	}

	var opts transcribe.ChunkOptions
	if v := strings.TrimSpace(r.FormValue("sample_rate")); v != "" {
		rate, err := strconv.Atoi(v)
		if err != nil || rate <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid sample_rate")
			return
		}
		opts.SampleRate = rate
	}

	res, err := s.svc.TranscribeChunk(r.Context(), key, raw, hint, opts)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	body := make(map[string]any, len(res.Fields)+4)
	for k, v := range res.Fields {
		body[k] = v
	}
	body["partial"] = res.Text
	body["session_id"] = res.SessionID
	if res.EndOfUtterance {
		body["end_of_utterance"] = true
	}
	addTranslationFields(body, res)
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleResetSession(w http.ResponseWriter, r *http.Request) {
	defer cleanupForm(r)
	key, ok := s.sessionKey(w, r)
	if !ok {
		return
	}
	msg := "No active session found"
	if s.svc.ResetSession(r.Context(), key) {
		msg = "Session reset successfully"
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": msg})
}

func (s *Server) handleFinalizeSession(w http.ResponseWriter, r *http.Request) {
	defer cleanupForm(r)
	key, ok := s.sessionKey(w, r)
	if !ok {
		return
	}
	res, err := s.svc.FinalizeSession(r.Context(), key)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	body := map[string]any{"text": res.Text, "session_id": res.SessionID}
	addTranslationFields(body, res)
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleSessionToken(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"session_token": uuid.NewString()})
}

// readUpload extracts the uploaded audio from the audio or file field. It
// writes the 4xx response itself and reports ok=false on failure.
func (s *Server) readUpload(w http.ResponseWriter, r *http.Request, emptyName string) ([]byte, string, bool) {
	if r.ContentLength > s.opts.MaxUploadBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "Upload too large")
		return nil, "", false
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)
	if err := r.ParseMultipartForm(formMemory); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			writeError(w, http.StatusRequestEntityTooLarge, "Upload too large")
		case errors.Is(err, http.ErrNotMultipart):
			writeError(w, http.StatusBadRequest, noFilePart)
		default:
			writeError(w, http.StatusBadRequest, "Invalid multipart form")
		}
		return nil, "", false
	}

	var header *multipart.FileHeader
	for _, field := range uploadFields {
		if files := r.MultipartForm.File[field]; len(files) > 0 {
			header = files[0]
			break
		}
	}
	if header == nil {
		// A file input submitted without a selection arrives as a part with an
		// empty filename, which multipart parsing files under Value.
		for _, field := range uploadFields {
			if _, ok := r.MultipartForm.Value[field]; ok {
				writeError(w, http.StatusBadRequest, emptyName)
				return nil, "", false
			}
		}
		writeError(w, http.StatusBadRequest, noFilePart)
		return nil, "", false
	}

	file, err := header.Open()
	if err != nil {
		writeError(w, http.StatusBadRequest, "Unreadable upload")
		return nil, "", false
	}
	defer file.Close()
	raw, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Unreadable upload")
		return nil, "", false
	}
	hint := header.Filename
	if ct := header.Header.Get("Content-Type"); hint == "" && ct != "" {
		hint = ct
	}
	return raw, hint, true
}

// sessionKey maps the request to a session key: an explicit client token
// when the key mode allows one, otherwise the client's network address.
func (s *Server) sessionKey(w http.ResponseWriter, r *http.Request) (string, bool) {
	if s.opts.KeyMode != "remote" {
		token := strings.TrimSpace(r.Header.Get(tokenHeader))
		if token == "" {
			token = strings.TrimSpace(r.FormValue(tokenField))
		}
		if token != "" {
			return tokenKeyPrefix + token, true
		}
		if s.opts.KeyMode == "token" {
			writeError(w, http.StatusBadRequest, "Missing session token")
			return "", false
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return host, true
}

func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var stateErr *session.StateError
	var decodeErr *audio.DecodeError
	switch {
	case errors.As(err, &stateErr):
		writeJSON(w, http.StatusConflict, map[string]string{
			"error": err.Error(),
			"hint":  "POST /reset_session to start a new session",
		})
	case errors.Is(err, session.ErrTooManySessions):
		writeError(w, http.StatusTooManyRequests, "Too many active sessions")
	case errors.Is(err, transcribe.ErrNoSession):
		writeError(w, http.StatusNotFound, "No active session found")
	case errors.Is(err, transcribe.ErrTimeout):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	case errors.Is(err, stt.ErrEngineUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &decodeErr):
		writeError(w, http.StatusInternalServerError, decodeErr.Error())
	case errors.Is(err, context.Canceled):
		s.log.Debug("request cancelled by client", slogError(err))
		writeError(w, http.StatusServiceUnavailable, "request cancelled")
	default:
		s.log.Error("transcription failed", slog.String("path", r.URL.Path), slogError(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func addTranslationFields(body map[string]any, res transcribe.Result) {
	if res.Original != "" {
		body["original"] = res.Original
	}
	if res.Warning != "" {
		body["warning"] = res.Warning
	}
}

func cleanupForm(r *http.Request) {
	if r.MultipartForm != nil {
		_ = r.MultipartForm.RemoveAll()
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
