package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/jkaninda/datagate/internal/chat"
	"github.com/jkaninda/datagate/internal/domain"
	"github.com/jkaninda/datagate/internal/intent"
	"github.com/jkaninda/datagate/internal/memory"
	"github.com/jkaninda/datagate/internal/ratelimit"
	"github.com/jkaninda/datagate/internal/security"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeChat struct {
	mu       sync.Mutex
	surfaces []string
	err      error
}

func (f *fakeChat) Handle(_ context.Context, p domain.Principal, surface string, req chat.Request) (*chat.Response, error) {
	f.mu.Lock()
	f.surfaces = append(f.surfaces, surface)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &chat.Response{Response: fmt.Sprintf("%s said %q", p.ID, req.Message), ConversationOnly: true}, nil
}

func (f *fakeChat) Stats(context.Context, domain.Principal, string) (memory.Stats, error) {
	return memory.Stats{}, nil
}

func (f *fakeChat) Clear(context.Context, domain.Principal, string) error { return nil }

func newWSServer(t *testing.T, svc ChatService, rl *ratelimit.Limiter) *httptest.Server {
	t.Helper()
	g := NewGateway(Config{WebSocket: &WebSocketConfig{}}, svc, testAuthenticator(t), rl, discardLogger())
	srv := httptest.NewServer(g.WebSocketHandler())
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, query string, header http.Header) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + query
	return websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader:   header,
		Subprotocols: []string{Subprotocol},
	})
}

func TestWebSocket_RejectsUnauthenticated(t *testing.T) {
	srv := newWSServer(t, &fakeChat{}, nil)
	_, resp, err := dial(t, srv, "?surface=web", nil)
	if err == nil {
		t.Fatal("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("resp = %+v, want 401", resp)
	}
}

func TestWebSocket_ChatTurns(t *testing.T) {
	svc := &fakeChat{}
	srv := newWSServer(t, svc, nil)
	conn, _, err := dial(t, srv, "?surface=web", http.Header{"X-API-Key": {"k-admin"}})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := wsjson.Write(ctx, conn, map[string]any{"id": "1", "message": "hello"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var f Frame
	if err := wsjson.Read(ctx, conn, &f); err != nil {
		t.Fatalf("read: %v", err)
	}
	if f.Type != "response" || f.ID != "1" || f.Response == nil || f.Response.Response != `admin-1 said "hello"` {
		t.Errorf("frame = %+v", f)
	}

	// Malformed frames get an error reply and the connection stays open.
	if err := conn.Write(ctx, websocket.MessageText, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := wsjson.Read(ctx, conn, &f); err != nil {
		t.Fatalf("read: %v", err)
	}
	if f.Type != "error" || f.Code != http.StatusBadRequest {
		t.Errorf("frame = %+v", f)
	}

	if err := wsjson.Write(ctx, conn, map[string]any{"message": "again"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := wsjson.Read(ctx, conn, &f); err != nil || f.Type != "response" {
		t.Fatalf("second turn: %+v, %v", f, err)
	}

	svc.mu.Lock()
	defer svc.mu.Unlock()
	if len(svc.surfaces) != 2 || svc.surfaces[0] != "web" {
		t.Errorf("surfaces = %v", svc.surfaces)
	}
}

func TestWebSocket_UpstreamErrorFrame(t *testing.T) {
	srv := newWSServer(t, &fakeChat{err: fmt.Errorf("%w: connection reset", intent.ErrUpstream)}, nil)
	conn, _, err := dial(t, srv, "", http.Header{"Authorization": {"Bearer k-admin"}})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, conn, map[string]any{"message": "hi"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var f Frame
	if err := wsjson.Read(ctx, conn, &f); err != nil {
		t.Fatalf("read: %v", err)
	}
	if f.Type != "error" || f.Code != http.StatusBadGateway {
		t.Errorf("frame = %+v", f)
	}
	if strings.Contains(f.Error, "connection reset") {
		t.Errorf("upstream detail leaked: %q", f.Error)
	}
}

func TestWebSocket_RateLimited(t *testing.T) {
	srv := newWSServer(t, &fakeChat{}, ratelimit.NewLimiter(ratelimit.Config{RequestsPerMinute: 1, BurstSize: 1}))
	conn, _, err := dial(t, srv, "?surface=web", http.Header{"X-API-Key": {"k-admin"}})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var f Frame
	for i, want := range []string{"response", "error"} {
		if err := wsjson.Write(ctx, conn, map[string]any{"message": "hi"}); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		if f.Type != want {
			t.Errorf("frame %d type = %q, want %q", i, f.Type, want)
		}
	}
	if f.Code != http.StatusTooManyRequests {
		t.Errorf("code = %d, want 429", f.Code)
	}
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{security.ErrUnauthenticated, http.StatusUnauthorized},
		{ratelimit.ErrRateLimited, http.StatusTooManyRequests},
		{fmt.Errorf("interpret: %w", intent.ErrTimeout), http.StatusGatewayTimeout},
		{fmt.Errorf("interpret: %w", intent.ErrUpstream), http.StatusBadGateway},
		{errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		code, msg := errorStatus(tt.err)
		if code != tt.code {
			t.Errorf("errorStatus(%v) = %d, want %d", tt.err, code, tt.code)
		}
		if strings.Contains(msg, "disk") {
			t.Errorf("message leaks error text: %q", msg)
		}
	}
}

// scriptedPinger replays results in order and counts calls.
type scriptedPinger struct {
	mu      sync.Mutex
	results []error
	calls   int
}

func (p *scriptedPinger) Ping(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if len(p.results) == 0 {
		return nil
	}
	err := p.results[0]
	p.results = p.results[1:]
	return err
}

func TestPingLoop_SurvivesUnansweredPings(t *testing.T) {
	g := &Gateway{config: Config{WebSocket: &WebSocketConfig{PingInterval: 5 * time.Millisecond, PingTimeout: 5 * time.Millisecond}}}
	p := &scriptedPinger{results: []error{
		fmt.Errorf("failed to wait for pong: %w", context.DeadlineExceeded),
		fmt.Errorf("failed to wait for pong: %w", context.DeadlineExceeded),
		nil,
		net.ErrClosed,
	}}

	done := make(chan struct{})
	go func() {
		g.pingLoop(context.Background(), p, discardLogger())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ping loop did not stop on a closed connection")
	}
	if p.calls != 4 {
		t.Errorf("pings sent = %d, want 4", p.calls)
	}
}

func TestPingLoop_StopsWithContext(t *testing.T) {
	g := &Gateway{config: Config{WebSocket: &WebSocketConfig{PingInterval: time.Millisecond}}}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		g.pingLoop(ctx, &scriptedPinger{}, discardLogger())
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ping loop ignored cancellation")
	}
}
