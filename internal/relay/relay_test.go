// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/kot-relay/internal/cloud"
	"github.com/jeranaias/kot-relay/internal/history"
	"github.com/jeranaias/kot-relay/internal/model"
)

// =============================================================================
// FAKES
// =============================================================================

type fakeCompleter struct {
	mu     sync.Mutex
	reply  string
	err    error
	models []string
	calls  [][]cloud.ChatMessage
	block  chan struct{}
}

func (f *fakeCompleter) Complete(ctx context.Context, modelID string, msgs []cloud.ChatMessage) (string, error) {
	f.mu.Lock()
	f.models = append(f.models, modelID)
	f.calls = append(f.calls, msgs)
	block := f.block
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

func (f *fakeCompleter) lastCall(t *testing.T) []cloud.ChatMessage {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.calls)
	return f.calls[len(f.calls)-1]
}

type recordSender struct {
	mu     sync.Mutex
	events []OutboundEvent
}

func (r *recordSender) Send(ev OutboundEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordSender) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.EventType()
	}
	return out
}

func newTestRelay(t *testing.T, up Completer) (*Relay, *history.Store) {
	t.Helper()
	store := history.New("")
	r := New(store, up, Options{
		SystemPrompt:  "You are a test assistant.",
		DefaultModel:  "default/model",
		PublicBaseURL: "http://localhost:3001",
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = r.Close(ctx)
	})
	return r, store
}

// =============================================================================
// EVENT HANDLING
// =============================================================================

func TestHandleEvent_Success(t *testing.T) {
	up := &fakeCompleter{reply: "hello"}
	r, store := newTestRelay(t, up)
	s := &recordSender{}

	r.HandleEvent(s, SendMessage{Content: "hi", Model: "m1"})

	require.Equal(t, []string{TypeResponse}, s.types())
	require.Equal(t, "hello", s.events[0].(TextEvent).Content)

	msgs := store.GetAll()
	require.Len(t, msgs, 2)
	require.Equal(t, model.RoleUser, msgs[0].Role)
	require.Equal(t, "hi", msgs[0].Content)
	require.Equal(t, model.RoleAssistant, msgs[1].Role)
	require.Equal(t, "hello", msgs[1].Content)

	req := up.lastCall(t)
	require.Len(t, req, 2)
	require.Equal(t, "system", req[0].Role)
	require.Equal(t, "You are a test assistant.", req[0].Content)
	require.Equal(t, "user", req[1].Role)
	require.Equal(t, "hi", req[1].Content)
	require.Equal(t, []string{"m1"}, up.models)
}

func TestHandleEvent_DefaultModel(t *testing.T) {
	up := &fakeCompleter{reply: "ok"}
	r, _ := newTestRelay(t, up)

	r.HandleEvent(&recordSender{}, SendMessage{Content: "hi"})
	require.Equal(t, []string{"default/model"}, up.models)
}

func TestHandleEvent_FailureRollsBack(t *testing.T) {
	up := &fakeCompleter{err: cloud.ErrTimeout}
	r, store := newTestRelay(t, up)
	store.Append(model.NewMessage(model.RoleUser, "earlier", nil))
	store.Append(model.NewMessage(model.RoleAssistant, "reply", nil))
	s := &recordSender{}

	for i := 0; i < 3; i++ {
		r.HandleEvent(s, SendMessage{Content: fmt.Sprintf("attempt %d", i), Model: "m1"})
		require.Equal(t, 2, store.Len(), "failed turn must not stay in history")
	}

	require.Equal(t, []string{TypeError, TypeError, TypeError}, s.types())
	ev := s.events[0].(TextEvent)
	require.Contains(t, ev.Content, "timed out")
	require.NotEmpty(t, ev.Timestamp)
}

func TestHandleEvent_WindowBound(t *testing.T) {
	up := &fakeCompleter{reply: "ok"}
	r, store := newTestRelay(t, up)
	for i := 0; i < 15; i++ {
		store.Append(model.NewMessage(model.RoleUser, fmt.Sprintf("m%d", i), nil))
	}

	r.HandleEvent(&recordSender{}, SendMessage{Content: "latest", Model: "m1"})

	req := up.lastCall(t)
	require.Len(t, req, DefaultWindowSize+1)
	require.Equal(t, "system", req[0].Role)
	require.Equal(t, "latest", req[len(req)-1].Content)
	require.Equal(t, "m6", req[1].Content)
}

func TestHandleEvent_ImageGating(t *testing.T) {
	img := []model.Attachment{{Name: "cat.png", Type: "image/png", Size: 100, URL: "/uploads/cat.png"}}

	t.Run("unsupported model warns then proceeds", func(t *testing.T) {
		up := &fakeCompleter{reply: "a cat"}
		r, _ := newTestRelay(t, up)
		s := &recordSender{}

		r.HandleEvent(s, SendMessage{Content: "what", Files: img, Model: "mistral/tiny"})

		require.Equal(t, []string{TypeWarning, TypeResponse}, s.types())
		require.Len(t, up.calls, 1)
		req := up.lastCall(t)
		require.True(t, req[1].IsMultimodal())
		require.Equal(t, "http://localhost:3001/uploads/cat.png", req[1].Parts[1].ImageURL.URL)
	})

	t.Run("unsupported model warns before error", func(t *testing.T) {
		up := &fakeCompleter{err: cloud.ErrRateLimited}
		r, _ := newTestRelay(t, up)
		s := &recordSender{}

		r.HandleEvent(s, SendMessage{Content: "what", Files: img, Model: "mistral/tiny"})
		require.Equal(t, []string{TypeWarning, TypeError}, s.types())
	})

	t.Run("capable model", func(t *testing.T) {
		up := &fakeCompleter{reply: "a cat"}
		r, _ := newTestRelay(t, up)
		s := &recordSender{}

		r.HandleEvent(s, SendMessage{Content: "what", Files: img, Model: "anthropic/claude-3-opus"})
		require.Equal(t, []string{TypeResponse}, s.types())
	})
}

func TestHandleEvent_AttachmentDescription(t *testing.T) {
	up := &fakeCompleter{reply: "ok"}
	r, store := newTestRelay(t, up)

	files := []model.Attachment{{Name: "notes.txt", Type: "text/plain", Size: 2048, Content: "line one"}}
	r.HandleEvent(&recordSender{}, SendMessage{Content: "summarize", Files: files, Model: "m1"})

	stored := store.GetAll()[0]
	require.True(t, strings.HasPrefix(stored.Content, "summarize\n\nThe user attached the following files:\n"))
	require.Contains(t, stored.Content, "- notes.txt (text/plain, 2 KB)")
	require.Contains(t, stored.Content, "line one")
	require.Equal(t, stored.Content, up.lastCall(t)[1].Content)
}

func TestHandleEvent_Clear(t *testing.T) {
	r, store := newTestRelay(t, &fakeCompleter{})
	store.Append(model.NewMessage(model.RoleUser, "x", nil))
	s := &recordSender{}

	r.HandleEvent(s, ClearHistory{})

	require.Equal(t, 0, store.Len())
	require.Equal(t, []string{TypeClear}, s.types())
}

func TestHandleFrame_Malformed(t *testing.T) {
	up := &fakeCompleter{reply: "ok"}
	r, store := newTestRelay(t, up)
	s := &recordSender{}

	r.HandleFrame(s, []byte("{not json"))
	r.HandleFrame(s, []byte(`{"type":"dance"}`))

	require.Equal(t, []string{TypeError, TypeError}, s.types())
	require.Equal(t, 0, store.Len())
	require.Empty(t, up.calls)
}

type panicCompleter struct{}

func (panicCompleter) Complete(context.Context, string, []cloud.ChatMessage) (string, error) {
	panic("boom")
}

func TestHandleEvent_PanicIsContained(t *testing.T) {
	r, _ := newTestRelay(t, panicCompleter{})
	s := &recordSender{}

	require.NotPanics(t, func() {
		r.HandleEvent(s, SendMessage{Content: "hi"})
	})
	require.Equal(t, []string{TypeError}, s.types())
}

// =============================================================================
// WEBSOCKET END-TO-END
// =============================================================================

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readEvent(t *testing.T, ws *websocket.Conn) map[string]json.RawMessage {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	var ev map[string]json.RawMessage
	require.NoError(t, ws.ReadJSON(&ev))
	return ev
}

func eventType(t *testing.T, ev map[string]json.RawMessage) string {
	t.Helper()
	var typ string
	require.NoError(t, json.Unmarshal(ev["type"], &typ))
	return typ
}

func TestServeWS_EndToEnd(t *testing.T) {
	up := &fakeCompleter{reply: "hello"}
	r, store := newTestRelay(t, up)
	store.Append(model.NewMessage(model.RoleUser, "before", nil))

	srv := httptest.NewServer(http.HandlerFunc(r.ServeWS))
	defer srv.Close()
	ws := dial(t, srv)

	// History arrives first
	ev := readEvent(t, ws)
	require.Equal(t, TypeHistory, eventType(t, ev))
	var msgs []model.Message
	require.NoError(t, json.Unmarshal(ev["messages"], &msgs))
	require.Len(t, msgs, 1)
	require.Equal(t, "before", msgs[0].Content)

	require.Eventually(t, func() bool { return r.Connections() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"message","content":"hi","files":[],"model":"m1"}`)))

	ev = readEvent(t, ws)
	require.Equal(t, TypeResponse, eventType(t, ev))
	require.JSONEq(t, `"hello"`, string(ev["content"]))

	all := store.GetAll()
	require.Len(t, all, 3)
	require.Equal(t, "hi", all[1].Content)
	require.Equal(t, "hello", all[2].Content)
}

func TestServeWS_HistoryHidesServerPaths(t *testing.T) {
	r, store := newTestRelay(t, &fakeCompleter{})
	store.Append(model.NewMessage(model.RoleUser, "see file", []model.Attachment{{
		Name: "File (1 KB)", Type: "text/plain", Size: 1024,
		Path: "/srv/uploads/secret.txt", URL: "/uploads/secret.txt", Content: "top secret",
	}}))

	srv := httptest.NewServer(http.HandlerFunc(r.ServeWS))
	defer srv.Close()
	ws := dial(t, srv)

	ev := readEvent(t, ws)
	require.Equal(t, TypeHistory, eventType(t, ev))
	require.NotContains(t, string(ev["messages"]), "/srv/uploads")
	require.NotContains(t, string(ev["messages"]), "top secret")
	require.Contains(t, string(ev["messages"]), "/uploads/secret.txt")

	// The store keeps the locators for request assembly.
	require.Equal(t, "/srv/uploads/secret.txt", store.GetAll()[0].Files[0].Path)
}

func TestServeWS_TimeoutRemovesTurn(t *testing.T) {
	up := &fakeCompleter{err: cloud.ErrTimeout}
	r, store := newTestRelay(t, up)

	srv := httptest.NewServer(http.HandlerFunc(r.ServeWS))
	defer srv.Close()
	ws := dial(t, srv)
	readEvent(t, ws)

	require.NoError(t, ws.WriteJSON(map[string]any{"type": "message", "content": "hi", "model": "m1"}))

	ev := readEvent(t, ws)
	require.Equal(t, TypeError, eventType(t, ev))
	require.Equal(t, 0, store.Len())
}

func TestServeWS_MalformedKeepsConnection(t *testing.T) {
	up := &fakeCompleter{reply: "still here"}
	r, _ := newTestRelay(t, up)

	srv := httptest.NewServer(http.HandlerFunc(r.ServeWS))
	defer srv.Close()
	ws := dial(t, srv)
	readEvent(t, ws)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("garbage")))
	require.Equal(t, TypeError, eventType(t, readEvent(t, ws)))

	require.NoError(t, ws.WriteJSON(map[string]any{"type": "message", "content": "hi"}))
	require.Equal(t, TypeResponse, eventType(t, readEvent(t, ws)))
}

func TestServeWS_EventsAreSequential(t *testing.T) {
	up := &fakeCompleter{reply: "ok", block: make(chan struct{})}
	r, store := newTestRelay(t, up)

	srv := httptest.NewServer(http.HandlerFunc(r.ServeWS))
	defer srv.Close()
	ws := dial(t, srv)
	readEvent(t, ws)

	require.NoError(t, ws.WriteJSON(map[string]any{"type": "message", "content": "one"}))
	require.NoError(t, ws.WriteJSON(map[string]any{"type": "message", "content": "two"}))

	// Only the first request is in flight while the upstream is blocked.
	require.Eventually(t, func() bool {
		up.mu.Lock()
		defer up.mu.Unlock()
		return len(up.calls) == 1
	}, time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	up.mu.Lock()
	require.Len(t, up.calls, 1)
	up.mu.Unlock()

	close(up.block)
	require.Equal(t, TypeResponse, eventType(t, readEvent(t, ws)))
	require.Equal(t, TypeResponse, eventType(t, readEvent(t, ws)))

	all := store.GetAll()
	require.Len(t, all, 4)
	require.Equal(t, []string{"one", "ok", "two", "ok"},
		[]string{all[0].Content, all[1].Content, all[2].Content, all[3].Content})
}

func TestServeWS_FullQueueAnswersBusy(t *testing.T) {
	up := &fakeCompleter{reply: "ok", block: make(chan struct{})}
	r, store := newTestRelay(t, up)

	srv := httptest.NewServer(http.HandlerFunc(r.ServeWS))
	defer srv.Close()
	ws := dial(t, srv)
	readEvent(t, ws)

	require.NoError(t, ws.WriteJSON(map[string]any{"type": "message", "content": "first"}))
	require.Eventually(t, func() bool {
		up.mu.Lock()
		defer up.mu.Unlock()
		return len(up.calls) == 1
	}, time.Second, 10*time.Millisecond)

	// Fill the queue behind the blocked call, then one more.
	for i := 0; i < frameQueue+1; i++ {
		require.NoError(t, ws.WriteJSON(map[string]any{"type": "message", "content": fmt.Sprintf("m%d", i)}))
	}

	ev := readEvent(t, ws)
	require.Equal(t, TypeError, eventType(t, ev))
	require.JSONEq(t, fmt.Sprintf("%q", BusyMessage), string(ev["content"]))

	close(up.block)
	for i := 0; i < frameQueue+1; i++ {
		require.Equal(t, TypeResponse, eventType(t, readEvent(t, ws)), "event %d", i)
	}
	require.Equal(t, 1, r.Connections())
	require.Equal(t, 2*(frameQueue+1), store.Len())
}

func TestServeWS_ReadLimit(t *testing.T) {
	store := history.New("")
	r := New(store, &fakeCompleter{reply: "ok"}, Options{MaxEventBytes: 64})
	defer r.Close(context.Background())

	srv := httptest.NewServer(http.HandlerFunc(r.ServeWS))
	defer srv.Close()
	ws := dial(t, srv)
	readEvent(t, ws)

	big := fmt.Sprintf(`{"type":"message","content":%q}`, strings.Repeat("x", 500))
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(big)))

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := ws.ReadMessage()
	require.Error(t, err)
	require.Equal(t, 0, store.Len())
}

func TestClose_DisconnectsClients(t *testing.T) {
	r, _ := newTestRelay(t, &fakeCompleter{})

	srv := httptest.NewServer(http.HandlerFunc(r.ServeWS))
	defer srv.Close()
	ws := dial(t, srv)
	readEvent(t, ws)
	require.Eventually(t, func() bool { return r.Connections() == 1 }, time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, r.Close(ctx))

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := ws.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
	require.Eventually(t, func() bool { return r.Connections() == 0 }, time.Second, 10*time.Millisecond)
}

func TestCheckOrigin(t *testing.T) {
	r := New(history.New(""), &fakeCompleter{}, Options{AllowedOrigins: []string{"https://kot.example"}})
	defer r.Close(context.Background())

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	require.True(t, r.checkOrigin(req), "no origin header")

	req.Header.Set("Origin", "https://kot.example")
	require.True(t, r.checkOrigin(req))

	req.Header.Set("Origin", "https://evil.example")
	require.False(t, r.checkOrigin(req))
}
