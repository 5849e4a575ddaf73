package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/loqalabs/loqa-transcribe/internal/audio"
	"github.com/loqalabs/loqa-transcribe/internal/presence"
	"github.com/loqalabs/loqa-transcribe/internal/session"
	"github.com/loqalabs/loqa-transcribe/internal/stt"
	"github.com/loqalabs/loqa-transcribe/internal/transcribe"
)

type chunkCall struct {
	key  string
	raw  string
	hint string
	rate int
}

type fakeTranscriber struct {
	mu       sync.Mutex
	chunks   []chunkCall
	resets   []string
	err      error
	result   transcribe.Result
	hasReset bool
}

func (f *fakeTranscriber) TranscribeComplete(_ context.Context, raw []byte, hint string) (transcribe.Result, error) {
	if f.err != nil {
		return transcribe.Result{}, f.err
	}
	res := f.result
	if res.Text == "" {
		res.Text = fmt.Sprintf("heard %d bytes of %s", len(raw), hint)
	}
	return res, nil
}

func (f *fakeTranscriber) TranscribeChunk(_ context.Context, key string, raw []byte, hint string, opts transcribe.ChunkOptions) (transcribe.Result, error) {
	f.mu.Lock()
	f.chunks = append(f.chunks, chunkCall{key: key, raw: string(raw), hint: hint, rate: opts.SampleRate})
	f.mu.Unlock()
	if f.err != nil {
		return transcribe.Result{}, f.err
	}
	res := f.result
	res.IsPartial = true
	return res, nil
}

func (f *fakeTranscriber) ResetSession(_ context.Context, key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets = append(f.resets, key)
	return f.hasReset
}

func (f *fakeTranscriber) FinalizeSession(context.Context, string) (transcribe.Result, error) {
	if f.err != nil {
		return transcribe.Result{}, f.err
	}
	return f.result, nil
}

func (f *fakeTranscriber) Sessions() []session.Info {
	return []session.Info{{Key: "10.0.0.1", ID: "abc", SampleRate: 16000}}
}

func newTestServer(t *testing.T, svc Transcriber, opts Options) *httptest.Server {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := httptest.NewServer(New(svc, opts, log))
	t.Cleanup(srv.Close)
	return srv
}

type part struct {
	field    string
	filename string
	content  string
	file     bool
}

func multipartBody(t *testing.T, parts ...part) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, p := range parts {
		if !p.file {
			if err := mw.WriteField(p.field, p.content); err != nil {
				t.Fatal(err)
			}
			continue
		}
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, p.field, p.filename))
		h.Set("Content-Type", "application/octet-stream")
		w, err := mw.CreatePart(h)
		if err != nil {
			t.Fatal(err)
		}
		_, _ = io.WriteString(w, p.content)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	return &buf, mw.FormDataContentType()
}

func post(t *testing.T, url string, body io.Reader, contentType string, headers map[string]string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, body)
	if err != nil {
		t.Fatal(err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func TestIndex(t *testing.T) {
	srv := newTestServer(t, &fakeTranscriber{}, Options{})
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "Transcription API is running!" {
		t.Fatalf("unexpected index response %d %q", resp.StatusCode, body)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Fatal("expected CORS header on responses")
	}
}

func TestTranscribeMissingFile(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("TMPDIR", tmp)
	srv := newTestServer(t, &fakeTranscriber{}, Options{})

	body, ct := multipartBody(t, part{field: "other", content: "x"})
	status, out := post(t, srv.URL+"/transcribe", body, ct, nil)
	if status != http.StatusBadRequest || out["error"] != "No file part: expected form field 'audio' or 'file'" {
		t.Fatalf("expected 400 naming the upload fields, got %d %v", status, out)
	}

	status, out = post(t, srv.URL+"/transcribe", strings.NewReader("{}"), "application/json", nil)
	if status != http.StatusBadRequest || !strings.Contains(fmt.Sprint(out["error"]), "'audio' or 'file'") {
		t.Fatalf("expected 400 naming the upload fields for non-multipart body, got %d %v", status, out)
	}

	// Larger than the in-memory form budget, so the part spills to disk.
	body, ct = multipartBody(t, part{field: "upload", filename: "big.webm", content: strings.Repeat("a", formMemory+1024), file: true})
	status, _ = post(t, srv.URL+"/transcribe", body, ct, nil)
	if status != http.StatusBadRequest {
		t.Fatalf("expected 400 for a file under an unknown field, got %d", status)
	}
	entries, err := os.ReadDir(tmp)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected multipart temp files removed, found %d", len(entries))
	}
}

func TestEmptyFilename(t *testing.T) {
	srv := newTestServer(t, &fakeTranscriber{}, Options{})

	body, ct := multipartBody(t, part{field: "audio", filename: "", file: true})
	status, out := post(t, srv.URL+"/transcribe", body, ct, nil)
	if status != http.StatusBadRequest || out["error"] != "No selected file" {
		t.Fatalf("expected 400 No selected file, got %d %v", status, out)
	}

	body, ct = multipartBody(t, part{field: "file", filename: "", file: true})
	status, out = post(t, srv.URL+"/transcribe_chunk", body, ct, nil)
	if status != http.StatusBadRequest || out["error"] != "No audio chunk" {
		t.Fatalf("expected 400 No audio chunk, got %d %v", status, out)
	}
}

func TestTranscribeSuccess(t *testing.T) {
	srv := newTestServer(t, &fakeTranscriber{}, Options{})
	body, ct := multipartBody(t, part{field: "file", filename: "clip.webm", content: "abcd", file: true})
	status, out := post(t, srv.URL+"/transcribe", body, ct, nil)
	if status != http.StatusOK || out["text"] != "heard 4 bytes of clip.webm" {
		t.Fatalf("unexpected response %d %v", status, out)
	}
	if _, ok := out["warning"]; ok {
		t.Fatal("warning must be omitted when translation succeeded")
	}
}

func TestTranscribeTranslationWarning(t *testing.T) {
	svc := &fakeTranscriber{result: transcribe.Result{Text: "hello", Warning: "translation unavailable: timeout"}}
	srv := newTestServer(t, svc, Options{})
	body, ct := multipartBody(t, part{field: "audio", filename: "a.wav", content: "x", file: true})
	status, out := post(t, srv.URL+"/transcribe", body, ct, nil)
	if status != http.StatusOK || out["text"] != "hello" || out["warning"] == nil {
		t.Fatalf("unexpected response %d %v", status, out)
	}
}

func TestTranscribeChunkResponse(t *testing.T) {
	svc := &fakeTranscriber{result: transcribe.Result{
		Text:      "नमस्ते",
		Original:  "hello",
		SessionID: "s-1",
		Fields:    map[string]any{"partial_result": []any{}},
	}}
	srv := newTestServer(t, svc, Options{})

	body, ct := multipartBody(t, part{field: "audio", filename: "chunk.webm", content: "xyz", file: true})
	status, out := post(t, srv.URL+"/transcribe_chunk", body, ct, nil)
	if status != http.StatusOK {
		t.Fatalf("unexpected status %d %v", status, out)
	}
	if out["partial"] != "नमस्ते" || out["original"] != "hello" || out["session_id"] != "s-1" {
		t.Fatalf("unexpected body %v", out)
	}
	if _, ok := out["partial_result"]; !ok {
		t.Fatalf("expected engine-native fields in body, got %v", out)
	}
	if len(svc.chunks) != 1 || svc.chunks[0].key != "127.0.0.1" || svc.chunks[0].raw != "xyz" {
		t.Fatalf("expected chunk keyed by remote host, got %+v", svc.chunks)
	}
}

func TestSessionKeyModes(t *testing.T) {
	svc := &fakeTranscriber{}
	srv := newTestServer(t, svc, Options{KeyMode: "auto"})

	body, ct := multipartBody(t, part{field: "audio", filename: "c.webm", content: "a", file: true})
	post(t, srv.URL+"/transcribe_chunk", body, ct, map[string]string{tokenHeader: "tab-1"})
	body, ct = multipartBody(t,
		part{field: "session_id", content: "tab-2"},
		part{field: "audio", filename: "c.webm", content: "a", file: true})
	post(t, srv.URL+"/transcribe_chunk", body, ct, nil)

	if svc.chunks[0].key != "token:tab-1" || svc.chunks[1].key != "token:tab-2" {
		t.Fatalf("expected token keys, got %+v", svc.chunks)
	}

	remote := &fakeTranscriber{}
	srv = newTestServer(t, remote, Options{KeyMode: "remote"})
	body, ct = multipartBody(t, part{field: "audio", filename: "c.webm", content: "a", file: true})
	post(t, srv.URL+"/transcribe_chunk", body, ct, map[string]string{tokenHeader: "tab-1"})
	if remote.chunks[0].key != "127.0.0.1" {
		t.Fatalf("remote mode must ignore tokens, got %q", remote.chunks[0].key)
	}

	strict := &fakeTranscriber{}
	srv = newTestServer(t, strict, Options{KeyMode: "token"})
	body, ct = multipartBody(t, part{field: "audio", filename: "c.webm", content: "a", file: true})
	status, out := post(t, srv.URL+"/transcribe_chunk", body, ct, nil)
	if status != http.StatusBadRequest || out["error"] != "Missing session token" {
		t.Fatalf("expected missing token error, got %d %v", status, out)
	}
}

func TestChunkSampleRate(t *testing.T) {
	svc := &fakeTranscriber{}
	srv := newTestServer(t, svc, Options{})

	body, ct := multipartBody(t,
		part{field: "sample_rate", content: "8000"},
		part{field: "audio", filename: "c.wav", content: "a", file: true})
	post(t, srv.URL+"/transcribe_chunk", body, ct, nil)
	if svc.chunks[0].rate != 8000 {
		t.Fatalf("expected sample rate forwarded, got %d", svc.chunks[0].rate)
	}

	body, ct = multipartBody(t,
		part{field: "sample_rate", content: "fast"},
		part{field: "audio", filename: "c.wav", content: "a", file: true})
	status, _ := post(t, srv.URL+"/transcribe_chunk", body, ct, nil)
	if status != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid sample_rate, got %d", status)
	}
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"state", fmt.Errorf("acquire session: %w", &session.StateError{Key: "k", Want: 16000, Got: 8000, Err: session.ErrSampleRateMismatch}), http.StatusConflict},
		{"too many", fmt.Errorf("acquire: %w", session.ErrTooManySessions), http.StatusTooManyRequests},
		{"timeout", fmt.Errorf("normalize: %w: %w", transcribe.ErrTimeout, context.DeadlineExceeded), http.StatusGatewayTimeout},
		{"engine", fmt.Errorf("open: %w", stt.ErrEngineUnavailable), http.StatusServiceUnavailable},
		{"decode", &audio.DecodeError{Op: "ffmpeg", Diagnostic: "invalid data"}, http.StatusInternalServerError},
		{"other", fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := newTestServer(t, &fakeTranscriber{err: tc.err}, Options{})
			body, ct := multipartBody(t, part{field: "audio", filename: "c.webm", content: "a", file: true})
			status, out := post(t, srv.URL+"/transcribe_chunk", body, ct, nil)
			if status != tc.status {
				t.Fatalf("expected %d, got %d %v", tc.status, status, out)
			}
			if out["error"] == nil {
				t.Fatalf("expected error body, got %v", out)
			}
		})
	}
}

func TestUploadTooLarge(t *testing.T) {
	srv := newTestServer(t, &fakeTranscriber{}, Options{MaxUploadBytes: 1024})
	body, ct := multipartBody(t, part{field: "audio", filename: "big.webm", content: strings.Repeat("a", 4096), file: true})
	status, out := post(t, srv.URL+"/transcribe", body, ct, nil)
	if status != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d %v", status, out)
	}
}

func TestResetSession(t *testing.T) {
	svc := &fakeTranscriber{hasReset: true}
	srv := newTestServer(t, svc, Options{})

	status, out := post(t, srv.URL+"/reset_session", nil, "", nil)
	if status != http.StatusOK || out["message"] != "Session reset successfully" {
		t.Fatalf("unexpected reset response %d %v", status, out)
	}
	svc.mu.Lock()
	svc.hasReset = false
	svc.mu.Unlock()
	status, out = post(t, srv.URL+"/reset_session", nil, "", nil)
	if status != http.StatusOK || out["message"] != "No active session found" {
		t.Fatalf("unexpected reset response %d %v", status, out)
	}
	if len(svc.resets) != 2 || svc.resets[0] != "127.0.0.1" {
		t.Fatalf("expected resets keyed by remote host, got %v", svc.resets)
	}
}

func TestFinalizeSession(t *testing.T) {
	srv := newTestServer(t, &fakeTranscriber{result: transcribe.Result{Text: "done", SessionID: "s"}}, Options{})
	status, out := post(t, srv.URL+"/finalize_session", nil, "", nil)
	if status != http.StatusOK || out["text"] != "done" {
		t.Fatalf("unexpected finalize response %d %v", status, out)
	}

	srv = newTestServer(t, &fakeTranscriber{err: transcribe.ErrNoSession}, Options{})
	status, _ = post(t, srv.URL+"/finalize_session", nil, "", nil)
	if status != http.StatusNotFound {
		t.Fatalf("expected 404 without session, got %d", status)
	}
}

func TestSessionToken(t *testing.T) {
	srv := newTestServer(t, &fakeTranscriber{}, Options{})
	_, first := post(t, srv.URL+"/session_token", nil, "", nil)
	_, second := post(t, srv.URL+"/session_token", nil, "", nil)
	if first["session_token"] == "" || first["session_token"] == second["session_token"] {
		t.Fatalf("expected distinct tokens, got %v and %v", first, second)
	}
}

func TestSessionsAndProbes(t *testing.T) {
	var ready atomic.Bool
	srv := newTestServer(t, &fakeTranscriber{}, Options{Ready: ready.Load})

	resp, err := http.Get(srv.URL + "/sessions")
	if err != nil {
		t.Fatal(err)
	}
	var out struct {
		Count    int            `json:"count"`
		Sessions []session.Info `json:"sessions"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	resp.Body.Close()
	if out.Count != 1 || out.Sessions[0].ID != "abc" {
		t.Fatalf("unexpected sessions body %+v", out)
	}

	resp, _ = http.Get(srv.URL + "/readyz")
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected not ready, got %d", resp.StatusCode)
	}
	ready.Store(true)
	resp, _ = http.Get(srv.URL + "/readyz")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected ready, got %d", resp.StatusCode)
	}
}

func TestCORSPreflight(t *testing.T) {
	srv := newTestServer(t, &fakeTranscriber{}, Options{})
	req, _ := http.NewRequest(http.MethodOptions, srv.URL+"/transcribe_chunk", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "POST")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected preflight answered directly, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("unexpected allow origin %q", resp.Header.Get("Access-Control-Allow-Origin"))
	}
	if !strings.Contains(resp.Header.Get("Access-Control-Allow-Methods"), "POST") {
		t.Fatal("expected POST allowed")
	}
}

func TestNodesRoute(t *testing.T) {
	srv := newTestServer(t, &fakeTranscriber{}, Options{})
	resp, err := http.Get(srv.URL + "/nodes")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected /nodes absent without presence, got %d", resp.StatusCode)
	}

	srv = newTestServer(t, &fakeTranscriber{}, Options{Nodes: func() []presence.NodeInfo {
		return []presence.NodeInfo{{ID: "gw-a", Healthy: true}}
	}})
	resp, err = http.Get(srv.URL + "/nodes")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out struct {
		Nodes []presence.NodeInfo `json:"nodes"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	if len(out.Nodes) != 1 || out.Nodes[0].ID != "gw-a" {
		t.Fatalf("unexpected nodes %+v", out)
	}
}
