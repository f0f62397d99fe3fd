package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/haowen-zh/chat-relay/internal/ai"
	"github.com/haowen-zh/chat-relay/internal/chat"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&chat.Chat{}, &chat.Message{}, &chat.UsageRecord{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

// fakeProvider runs a scripted goroutine per invocation and records what
// each invocation was asked to generate from.
type fakeProvider struct {
	mu       sync.Mutex
	calls    int
	sentMsgs [][]ai.Message

	run func(call int, ctx context.Context, events chan<- ai.TokenEvent, errs chan<- error)
}

func (p *fakeProvider) StreamTokens(ctx context.Context, msgs []ai.Message, opts ai.StreamOptions) (<-chan ai.TokenEvent, <-chan error) {
	p.mu.Lock()
	p.calls++
	call := p.calls
	p.sentMsgs = append(p.sentMsgs, msgs)
	p.mu.Unlock()

	events := make(chan ai.TokenEvent)
	errs := make(chan error, 1)
	go func() {
		defer close(events)
		defer close(errs)
		p.run(call, ctx, events, errs)
	}()
	return events, errs
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *fakeProvider) messagesOfCall(i int) []ai.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sentMsgs[i]
}

type denyLimiter struct{ retryAfter time.Duration }

func (l denyLimiter) CheckAndConsume(ctx context.Context, key string) (RateDecision, error) {
	return RateDecision{Allowed: false, RetryAfter: l.retryAfter}, nil
}

type brokenLimiter struct{}

func (brokenLimiter) CheckAndConsume(ctx context.Context, key string) (RateDecision, error) {
	return RateDecision{}, fmt.Errorf("limiter backend down")
}

type capturePublisher struct {
	mu     sync.Mutex
	events []TerminalEvent
}

func (p *capturePublisher) PublishStreamEvent(ctx context.Context, ev TerminalEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *capturePublisher) published() []TerminalEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]TerminalEvent, len(p.events))
	copy(out, p.events)
	return out
}

type echoTool struct{}

func (echoTool) Spec() ai.ToolSpec {
	return ai.ToolSpec{
		Name:        "echo",
		Description: "echoes back",
		Parameters:  json.RawMessage(`{"type":"object"}`),
	}
}

func (echoTool) Invoke(ctx context.Context, arguments string) (string, error) {
	return "tool says hi", nil
}

type testEnv struct {
	orc       *Orchestrator
	repo      *chat.Repo
	buffer    *MemoryBuffer
	publisher *capturePublisher
	db        *gorm.DB
}

func newTestEnv(t *testing.T, provider ai.Provider, limiter RateLimiter, tun Tunables) *testEnv {
	t.Helper()
	db := openTestDB(t)
	repo := chat.NewRepo(db)
	buffer := NewMemoryBuffer()
	pub := &capturePublisher{}

	registry := ai.NewRegistry()
	registry.Register("fake", func(ctx context.Context, model, apiKey string) (ai.Provider, error) {
		return provider, nil
	})

	if tun.BufferTTL == 0 {
		tun.BufferTTL = time.Minute
	}
	if tun.PollInterval == 0 {
		tun.PollInterval = 5 * time.Millisecond
	}

	orc := NewOrchestrator(repo, registry, buffer, limiter, pub, []ai.Tool{echoTool{}}, tun)
	return &testEnv{orc: orc, repo: repo, buffer: buffer, publisher: pub, db: db}
}

func startReq(content string) *StartRequest {
	return &StartRequest{
		Messages: []IncomingMessage{{Role: chat.RoleUser, Content: content}},
		Model:    "test-model",
		Provider: "fake",
		UserID:   7,
	}
}

// collectEvents drains a stream channel until it closes.
func collectEvents(t *testing.T, ch <-chan Event, timeout time.Duration) []Event {
	t.Helper()
	var out []Event
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("timed out draining events, got %+v", out)
		}
	}
}

func readOne(t *testing.T, ch <-chan Event, timeout time.Duration) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("event channel closed early")
		}
		return ev
	case <-time.After(timeout):
		t.Fatal("timed out waiting for an event")
		return Event{}
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestStart_HappyPath(t *testing.T) {
	provider := &fakeProvider{run: func(call int, ctx context.Context, events chan<- ai.TokenEvent, errs chan<- error) {
		events <- ai.TokenEvent{Kind: ai.KindText, Text: "Hel"}
		events <- ai.TokenEvent{Kind: ai.KindText, Text: "lo"}
	}}
	env := newTestEnv(t, provider, nil, Tunables{})
	ctx := context.Background()

	sess, err := env.orc.Start(ctx, startReq("hi"))
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	got := collectEvents(t, sess.Events, 2*time.Second)
	want := []Event{
		{Type: "text", Text: "Hel", ID: "0"},
		{Type: "text", Text: "lo", ID: "1"},
		{Type: "done", ID: "2"},
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d events, got %+v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d: got %+v want %+v", i, got[i], want[i])
		}
	}

	m, err := env.repo.GetMessage(ctx, sess.MessageID)
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if m.Status != chat.StatusCompleted || m.Content != "Hello" {
		t.Fatalf("expected completed 'Hello', got status=%q content=%q", m.Status, m.Content)
	}

	ptr, err := env.repo.GetActiveStream(ctx, 7, sess.ChatID)
	if err != nil {
		t.Fatalf("get pointer: %v", err)
	}
	if ptr != nil {
		t.Fatalf("pointer should be cleared at terminal state, got %v", *ptr)
	}

	// the chat was auto-created and the user turn persisted
	c, err := env.repo.GetChat(ctx, 7, sess.ChatID)
	if err != nil {
		t.Fatalf("get chat: %v", err)
	}
	if c.Title != "hi" {
		t.Fatalf("unexpected chat title %q", c.Title)
	}
	msgs, err := env.repo.ListMessages(ctx, 7, sess.ChatID, 10, "")
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected user turn + assistant message, got %d rows", len(msgs))
	}

	pubs := env.publisher.published()
	if len(pubs) != 1 || pubs[0].Outcome != OutcomeCompleted || pubs[0].Chunks != 2 || pubs[0].ContentBytes != 5 {
		t.Fatalf("unexpected terminal publish: %+v", pubs)
	}
}

func TestStart_ReasoningDeltas(t *testing.T) {
	provider := &fakeProvider{run: func(call int, ctx context.Context, events chan<- ai.TokenEvent, errs chan<- error) {
		events <- ai.TokenEvent{Kind: ai.KindReasoning, Text: "thinking..."}
		events <- ai.TokenEvent{Kind: ai.KindText, Text: "answer"}
	}}
	env := newTestEnv(t, provider, nil, Tunables{})
	ctx := context.Background()

	sess, err := env.orc.Start(ctx, startReq("why"))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	got := collectEvents(t, sess.Events, 2*time.Second)
	if len(got) != 3 || got[0].Type != "reasoning" || got[1].Type != "text" || got[2].Type != "done" {
		t.Fatalf("unexpected events: %+v", got)
	}

	m, err := env.repo.GetMessage(ctx, sess.MessageID)
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if m.Content != "answer" {
		t.Fatalf("reasoning must not leak into content, got %q", m.Content)
	}
	if m.Reasoning == nil || *m.Reasoning != "thinking..." {
		t.Fatalf("reasoning not persisted: %v", m.Reasoning)
	}
	if m.ThinkingTimeMs == nil {
		t.Fatal("thinking time not recorded")
	}
}

func TestStart_UpstreamError(t *testing.T) {
	provider := &fakeProvider{run: func(call int, ctx context.Context, events chan<- ai.TokenEvent, errs chan<- error) {
		events <- ai.TokenEvent{Kind: ai.KindText, Text: "par"}
		errs <- &ai.UpstreamError{StatusCode: 502, Msg: "bad gateway"}
	}}
	env := newTestEnv(t, provider, nil, Tunables{})
	ctx := context.Background()

	sess, err := env.orc.Start(ctx, startReq("hi"))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	got := collectEvents(t, sess.Events, 2*time.Second)
	last := got[len(got)-1]
	if last.Type != "error" {
		t.Fatalf("expected terminal error event, got %+v", got)
	}

	select {
	case e := <-sess.Err:
		var ue *ai.UpstreamError
		if !errors.As(e, &ue) || ue.StatusCode != 502 {
			t.Fatalf("expected typed upstream error, got %v", e)
		}
	default:
		t.Fatal("expected typed error on Err channel")
	}

	m, _ := env.repo.GetMessage(ctx, sess.MessageID)
	if m.Status != chat.StatusError || m.Content != "par" {
		t.Fatalf("expected interrupted row with partial content, got status=%q content=%q", m.Status, m.Content)
	}
	ptr, _ := env.repo.GetActiveStream(ctx, 7, sess.ChatID)
	if ptr != nil {
		t.Fatal("pointer should be cleared after failure")
	}
	pubs := env.publisher.published()
	if len(pubs) != 1 || pubs[0].Outcome != OutcomeError {
		t.Fatalf("unexpected terminal publish: %+v", pubs)
	}
}

func TestStart_Validation(t *testing.T) {
	provider := &fakeProvider{run: func(call int, ctx context.Context, events chan<- ai.TokenEvent, errs chan<- error) {}}
	env := newTestEnv(t, provider, nil, Tunables{})
	ctx := context.Background()

	cases := []struct {
		name string
		req  *StartRequest
	}{
		{"no messages", &StartRequest{Model: "m", Provider: "fake", UserID: 7}},
		{"bad role", &StartRequest{Messages: []IncomingMessage{{Role: "robot", Content: "x"}}, Model: "m", Provider: "fake", UserID: 7}},
		{"empty content", &StartRequest{Messages: []IncomingMessage{{Role: chat.RoleUser, Content: "  "}}, Model: "m", Provider: "fake", UserID: 7}},
		{"no model", &StartRequest{Messages: []IncomingMessage{{Role: chat.RoleUser, Content: "x"}}, Provider: "fake", UserID: 7}},
		{"unknown provider", &StartRequest{Messages: []IncomingMessage{{Role: chat.RoleUser, Content: "x"}}, Model: "m", Provider: "nope", UserID: 7}},
		{"bad effort", &StartRequest{Messages: []IncomingMessage{{Role: chat.RoleUser, Content: "x"}}, Model: "m", Provider: "fake", ReasoningEffort: "max", UserID: 7}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.orc.Start(ctx, tc.req)
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}

	var n int64
	env.db.Model(&chat.Chat{}).Count(&n)
	if n != 0 {
		t.Fatalf("rejected requests must not create chats, found %d", n)
	}
	if provider.callCount() != 0 {
		t.Fatal("rejected requests must not reach the provider")
	}
}

func TestStart_RateLimited(t *testing.T) {
	provider := &fakeProvider{run: func(call int, ctx context.Context, events chan<- ai.TokenEvent, errs chan<- error) {}}
	env := newTestEnv(t, provider, denyLimiter{retryAfter: 3 * time.Second}, Tunables{})

	_, err := env.orc.Start(context.Background(), startReq("hi"))
	var rle *ai.RateLimitError
	if !errors.As(err, &rle) {
		t.Fatalf("expected rate limit error, got %v", err)
	}
	if rle.RetryAfter != 3*time.Second {
		t.Fatalf("expected retry-after hint, got %v", rle.RetryAfter)
	}

	var n int64
	env.db.Model(&chat.Message{}).Count(&n)
	if n != 0 {
		t.Fatalf("denied requests must not persist messages, found %d", n)
	}
}

func TestStart_LimiterFailureFailsOpen(t *testing.T) {
	provider := &fakeProvider{run: func(call int, ctx context.Context, events chan<- ai.TokenEvent, errs chan<- error) {
		events <- ai.TokenEvent{Kind: ai.KindText, Text: "ok"}
	}}
	env := newTestEnv(t, provider, brokenLimiter{}, Tunables{})

	sess, err := env.orc.Start(context.Background(), startReq("hi"))
	if err != nil {
		t.Fatalf("limiter failure must not block the request: %v", err)
	}
	got := collectEvents(t, sess.Events, 2*time.Second)
	if len(got) == 0 || got[len(got)-1].Type != "done" {
		t.Fatalf("unexpected events: %+v", got)
	}
}

func TestStart_CheckpointCadence(t *testing.T) {
	release := make(chan struct{})
	provider := &fakeProvider{run: func(call int, ctx context.Context, events chan<- ai.TokenEvent, errs chan<- error) {
		events <- ai.TokenEvent{Kind: ai.KindText, Text: "a"}
		events <- ai.TokenEvent{Kind: ai.KindText, Text: "b"}
		<-release
		events <- ai.TokenEvent{Kind: ai.KindText, Text: "c"}
	}}
	env := newTestEnv(t, provider, nil, Tunables{CheckpointEvery: 2})
	ctx := context.Background()

	sess, err := env.orc.Start(ctx, startReq("hi"))
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	readOne(t, sess.Events, time.Second)
	readOne(t, sess.Events, time.Second)

	// the second delta hits the cadence; the row catches up mid-stream
	waitFor(t, time.Second, func() bool {
		m, err := env.repo.GetMessage(ctx, sess.MessageID)
		return err == nil && m.Content == "ab" && m.Status == chat.StatusStreaming
	}, "expected a mid-stream checkpoint with content 'ab'")

	close(release)
	collectEvents(t, sess.Events, 2*time.Second)

	m, _ := env.repo.GetMessage(ctx, sess.MessageID)
	if m.Status != chat.StatusCompleted || m.Content != "abc" {
		t.Fatalf("expected completed 'abc', got status=%q content=%q", m.Status, m.Content)
	}
}

func TestDisconnect_ThenResumeWithoutReinvokingProvider(t *testing.T) {
	release := make(chan struct{})
	provider := &fakeProvider{run: func(call int, ctx context.Context, events chan<- ai.TokenEvent, errs chan<- error) {
		events <- ai.TokenEvent{Kind: ai.KindText, Text: "Hel"}
		<-release
		// frames the upstream had already produced when the client vanished
		events <- ai.TokenEvent{Kind: ai.KindText, Text: "lo "}
		events <- ai.TokenEvent{Kind: ai.KindText, Text: "there"}
	}}
	env := newTestEnv(t, provider, nil, Tunables{})
	ctx := context.Background()

	sess, err := env.orc.Start(ctx, startReq("hi"))
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	first := readOne(t, sess.Events, time.Second)
	if first.Text != "Hel" || first.ID != "0" {
		t.Fatalf("unexpected first event: %+v", first)
	}

	sess.Cancel()
	// let the relay observe the cancellation before the upstream flushes
	time.Sleep(50 * time.Millisecond)
	close(release)

	collectEvents(t, sess.Events, 2*time.Second)

	// the committed row holds only what was relayed before the disconnect
	m, err := env.repo.GetMessage(ctx, sess.MessageID)
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if m.Status != chat.StatusError || m.Content != "Hel" {
		t.Fatalf("expected interrupted row with 'Hel', got status=%q content=%q", m.Status, m.Content)
	}

	// but the buffer kept the whole tail for replay
	entries, err := env.buffer.ReadFrom(ctx, sess.StreamID, -1)
	if err != nil {
		t.Fatalf("read buffer: %v", err)
	}
	if len(entries) != 4 || entries[3].Kind != EntryDone {
		t.Fatalf("expected 3 text entries + done, got %+v", entries)
	}

	// resume after the pointer was cleared: replay strictly after offset 0
	events, err := env.orc.Resume(ctx, 7, sess.ChatID, 0)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	got := collectEvents(t, events, 2*time.Second)
	want := []Event{
		{Type: "text", Text: "lo ", ID: "1"},
		{Type: "text", Text: "there", ID: "2"},
		{Type: "done", ID: "3"},
	}
	if len(got) != len(want) {
		t.Fatalf("unexpected replay: %+v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("replay event %d: got %+v want %+v", i, got[i], want[i])
		}
	}

	if provider.callCount() != 1 {
		t.Fatalf("resume must not re-invoke the provider, saw %d calls", provider.callCount())
	}

	// without a cursor there is nothing to resume once the pointer is gone
	if _, err := env.orc.Resume(ctx, 7, sess.ChatID, -1); err != ErrNoActiveStream {
		t.Fatalf("expected ErrNoActiveStream, got %v", err)
	}
}

func TestResume_FollowsLiveStream(t *testing.T) {
	release := make(chan struct{})
	provider := &fakeProvider{run: func(call int, ctx context.Context, events chan<- ai.TokenEvent, errs chan<- error) {
		events <- ai.TokenEvent{Kind: ai.KindText, Text: "Hel"}
		<-release
		events <- ai.TokenEvent{Kind: ai.KindText, Text: "lo"}
	}}
	env := newTestEnv(t, provider, nil, Tunables{})
	ctx := context.Background()

	sess, err := env.orc.Start(ctx, startReq("hi"))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	readOne(t, sess.Events, time.Second)

	follower, err := env.orc.Resume(ctx, 7, sess.ChatID, -1)
	if err != nil {
		t.Fatalf("resume live: %v", err)
	}
	first := readOne(t, follower, time.Second)
	if first.Text != "Hel" {
		t.Fatalf("expected replayed head, got %+v", first)
	}

	close(release)

	got := collectEvents(t, follower, 2*time.Second)
	if len(got) != 2 || got[0].Text != "lo" || got[1].Type != "done" {
		t.Fatalf("follower missed the live tail: %+v", got)
	}
	collectEvents(t, sess.Events, 2*time.Second)
}

func TestResume_WriterDeathFallsBackToRowStatus(t *testing.T) {
	provider := &fakeProvider{run: func(call int, ctx context.Context, events chan<- ai.TokenEvent, errs chan<- error) {}}
	env := newTestEnv(t, provider, nil, Tunables{})
	ctx := context.Background()

	c := &chat.Chat{ID: "01CHATDEADWRITER0000000000", UserID: 7, Title: "t"}
	if err := env.repo.CreateChat(ctx, c); err != nil {
		t.Fatalf("create chat: %v", err)
	}
	m, err := env.repo.CreateAssistantMessage(ctx, 7, c.ID, "dead-stream")
	if err != nil {
		t.Fatalf("create message: %v", err)
	}
	if err := env.repo.SetActiveStream(ctx, 7, c.ID, "dead-stream"); err != nil {
		t.Fatalf("set pointer: %v", err)
	}
	// the writer completed the row but died before the terminal append
	if err := env.repo.CompleteMessage(ctx, m.ID, "done text", nil, nil); err != nil {
		t.Fatalf("complete: %v", err)
	}

	events, err := env.orc.Resume(ctx, 7, c.ID, -1)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	got := collectEvents(t, events, 2*time.Second)
	if len(got) != 1 || got[0].Type != "done" {
		t.Fatalf("expected status fallback to emit done, got %+v", got)
	}
}

func TestResume_UnknownChat(t *testing.T) {
	provider := &fakeProvider{run: func(call int, ctx context.Context, events chan<- ai.TokenEvent, errs chan<- error) {}}
	env := newTestEnv(t, provider, nil, Tunables{})

	if _, err := env.orc.Resume(context.Background(), 7, "missing", -1); err == nil {
		t.Fatal("expected an error for an unknown chat")
	}
}

func TestToolLoop(t *testing.T) {
	provider := &fakeProvider{run: func(call int, ctx context.Context, events chan<- ai.TokenEvent, errs chan<- error) {
		if call == 1 {
			events <- ai.TokenEvent{Kind: ai.KindToolCall, Call: &ai.ToolCall{ID: "c1", Name: "echo", Arguments: `{}`}}
			return
		}
		events <- ai.TokenEvent{Kind: ai.KindText, Text: "final"}
	}}
	env := newTestEnv(t, provider, nil, Tunables{MaxToolSteps: 4})
	ctx := context.Background()

	req := startReq("use the tool")
	req.EnableTools = true
	sess, err := env.orc.Start(ctx, req)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	got := collectEvents(t, sess.Events, 2*time.Second)
	if len(got) != 2 || got[0].Text != "final" || got[1].Type != "done" {
		t.Fatalf("unexpected events: %+v", got)
	}
	if provider.callCount() != 2 {
		t.Fatalf("expected one follow-up invocation, saw %d", provider.callCount())
	}

	// the follow-up carries the tool exchange
	followUp := provider.messagesOfCall(1)
	n := len(followUp)
	if n < 2 {
		t.Fatalf("follow-up too short: %+v", followUp)
	}
	asst, result := followUp[n-2], followUp[n-1]
	if asst.Role != "assistant" || len(asst.ToolCalls) != 1 || asst.ToolCalls[0].ID != "c1" {
		t.Fatalf("missing assistant tool-call message: %+v", asst)
	}
	if result.Role != "tool" || result.ToolCallID != "c1" || result.Content != "tool says hi" {
		t.Fatalf("missing tool result message: %+v", result)
	}

	m, _ := env.repo.GetMessage(ctx, sess.MessageID)
	if m.Status != chat.StatusCompleted || m.Content != "final" {
		t.Fatalf("expected completed 'final', got status=%q content=%q", m.Status, m.Content)
	}
}

func TestToolLoop_StepCeiling(t *testing.T) {
	provider := &fakeProvider{run: func(call int, ctx context.Context, events chan<- ai.TokenEvent, errs chan<- error) {
		events <- ai.TokenEvent{Kind: ai.KindToolCall, Call: &ai.ToolCall{ID: fmt.Sprintf("c%d", call), Name: "echo", Arguments: `{}`}}
	}}
	env := newTestEnv(t, provider, nil, Tunables{MaxToolSteps: 1})
	ctx := context.Background()

	req := startReq("loop forever")
	req.EnableTools = true
	sess, err := env.orc.Start(ctx, req)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	got := collectEvents(t, sess.Events, 2*time.Second)
	if len(got) != 1 || got[0].Type != "done" {
		t.Fatalf("unexpected events: %+v", got)
	}
	if provider.callCount() != 2 {
		t.Fatalf("ceiling of 1 step means exactly 2 invocations, saw %d", provider.callCount())
	}
	m, _ := env.repo.GetMessage(ctx, sess.MessageID)
	if m.Status != chat.StatusCompleted {
		t.Fatalf("expected terminal commit at the ceiling, got %q", m.Status)
	}
}

func TestStop(t *testing.T) {
	provider := &fakeProvider{run: func(call int, ctx context.Context, events chan<- ai.TokenEvent, errs chan<- error) {
		events <- ai.TokenEvent{Kind: ai.KindText, Text: "x"}
		<-ctx.Done()
	}}
	env := newTestEnv(t, provider, nil, Tunables{})
	ctx := context.Background()

	sess, err := env.orc.Start(ctx, startReq("hi"))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	readOne(t, sess.Events, time.Second)

	if err := env.orc.Stop(ctx, 7, sess.ChatID); err != nil {
		t.Fatalf("stop: %v", err)
	}
	collectEvents(t, sess.Events, 2*time.Second)

	m, _ := env.repo.GetMessage(ctx, sess.MessageID)
	if m.Status != chat.StatusError || m.Content != "x" {
		t.Fatalf("expected interrupted row, got status=%q content=%q", m.Status, m.Content)
	}

	// once the relay is gone there is nothing left to stop
	waitFor(t, time.Second, func() bool {
		return env.orc.Stop(ctx, 7, sess.ChatID) == ErrNoActiveStream
	}, "expected ErrNoActiveStream after the relay exited")
}

func TestStop_UnknownChat(t *testing.T) {
	provider := &fakeProvider{run: func(call int, ctx context.Context, events chan<- ai.TokenEvent, errs chan<- error) {}}
	env := newTestEnv(t, provider, nil, Tunables{})

	if err := env.orc.Stop(context.Background(), 7, "missing"); err == nil {
		t.Fatal("expected an error for an unknown chat")
	}
}
