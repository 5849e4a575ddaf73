package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// voskEngine speaks the vosk-server WebSocket protocol: a config message,
// binary PCM frames answered by {"partial"} or {"text"} messages, and
// {"eof": 1} to flush the final result.
type voskEngine struct {
	endpoint string
	dialer   *websocket.Dialer
}

// NewVoskEngine returns an engine backed by a vosk-server endpoint such as
// ws://localhost:2700.
func NewVoskEngine(endpoint string) Engine {
	return &voskEngine{
		endpoint: endpoint,
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

func (e *voskEngine) Name() string { return "vosk" }

func (e *voskEngine) NewStream(ctx context.Context, sampleRate int) (Stream, error) {
	s := &voskStream{engine: e, sampleRate: sampleRate}
	if err := s.connect(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

type voskStream struct {
	engine     *voskEngine
	sampleRate int
	conn       *websocket.Conn

	// committed holds utterances the server finished since the last Final.
	committed []string
	partial   string
	fields    map[string]any
}

type voskConfig struct {
	Config struct {
		SampleRate int `json:"sample_rate"`
	} `json:"config"`
}

func (s *voskStream) connect(ctx context.Context) error {
	conn, _, err := s.engine.dialer.DialContext(ctx, s.engine.endpoint, nil)
	if err != nil {
		return unavailable("connect vosk", err)
	}
	var cfg voskConfig
	cfg.Config.SampleRate = s.sampleRate
	applyDeadline(ctx, conn)
	if err := conn.WriteJSON(cfg); err != nil {
		conn.Close()
		return unavailable("send vosk config", err)
	}
	s.conn = conn
	return nil
}

func (s *voskStream) Feed(ctx context.Context, pcm []byte) (bool, error) {
	if len(pcm) == 0 {
		return false, nil
	}
	if s.conn == nil {
		if err := s.connect(ctx); err != nil {
			return false, err
		}
	}
	applyDeadline(ctx, s.conn)
	if err := s.conn.WriteMessage(websocket.BinaryMessage, pcm); err != nil {
		s.drop()
		return false, s.wrap(ctx, "send audio", err)
	}
	msg, err := s.read(ctx)
	if err != nil {
		return false, err
	}

	if text, ok := msg["text"].(string); ok {
		if text = strings.TrimSpace(text); text != "" {
			s.committed = append(s.committed, text)
		}
		s.partial = ""
		s.fields = nativeFields(msg)
		return true, nil
	}
	if partial, ok := msg["partial"].(string); ok {
		s.partial = strings.TrimSpace(partial)
	}
	s.fields = nativeFields(msg)
	return false, nil
}

func (s *voskStream) Partial(_ context.Context) (Result, error) {
	return Result{Text: s.joined(s.partial), Fields: s.fields}, nil
}

func (s *voskStream) Final(ctx context.Context) (Result, error) {
	tail := ""
	var fields map[string]any
	if s.conn != nil {
		applyDeadline(ctx, s.conn)
		if err := s.conn.WriteMessage(websocket.TextMessage, []byte(`{"eof" : 1}`)); err != nil {
			s.drop()
			return Result{}, s.wrap(ctx, "send eof", err)
		}
		msg, err := s.read(ctx)
		if err != nil {
			return Result{}, err
		}
		tail, _ = msg["text"].(string)
		fields = nativeFields(msg)
		s.drop()
	}
	res := Result{Text: s.joined(strings.TrimSpace(tail)), Fields: fields}
	s.committed = nil
	s.partial = ""
	s.fields = nil
	return res, nil
}

func (s *voskStream) Close() error {
	if s.conn == nil {
		return nil
	}
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	err := s.conn.Close()
	s.conn = nil
	return err
}

func (s *voskStream) read(ctx context.Context) (map[string]any, error) {
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		s.drop()
		return nil, s.wrap(ctx, "read result", err)
	}
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode vosk result: %w", err)
	}
	return msg, nil
}

func (s *voskStream) joined(current string) string {
	parts := append([]string{}, s.committed...)
	if current != "" {
		parts = append(parts, current)
	}
	return strings.Join(parts, " ")
}

func (s *voskStream) drop() {
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

func (s *voskStream) wrap(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("vosk %s: %w", op, ctxErr)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("vosk %s: %w", op, context.DeadlineExceeded)
	}
	return unavailable("vosk "+op, err)
}

func applyDeadline(ctx context.Context, conn *websocket.Conn) {
	deadline, _ := ctx.Deadline()
	_ = conn.SetWriteDeadline(deadline)
	_ = conn.SetReadDeadline(deadline)
}

// nativeFields drops the text keys that are surfaced separately.
func nativeFields(msg map[string]any) map[string]any {
	out := make(map[string]any, len(msg))
	for k, v := range msg {
		if k == "text" || k == "partial" {
			continue
		}
		out[k] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
