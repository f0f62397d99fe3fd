package stream

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/haowen-zh/chat-relay/internal/ai"
	"github.com/haowen-zh/chat-relay/internal/chat"
	"github.com/haowen-zh/chat-relay/internal/common"
)

// IncomingMessage is one element of a start request's conversation.
type IncomingMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// StartRequest is the full contract of the stream/start entry point.
type StartRequest struct {
	Messages           []IncomingMessage `json:"messages"`
	Model              string            `json:"model"`
	Provider           string            `json:"providerSelector"`
	CredentialMaterial string            `json:"credentialMaterial,omitempty"`
	ChatID             string            `json:"chatId,omitempty"`
	ReasoningEffort    string            `json:"reasoningEffort,omitempty"`
	EnableTools        bool              `json:"enableTools,omitempty"`

	UserID uint64 `json:"-"`
}

// Session is the live handle the start handler streams from. Events is
// closed at terminal state; Err carries a typed failure that happened
// before (or instead of) any token being relayed.
type Session struct {
	StreamID  string
	ChatID    string
	MessageID string

	Events <-chan Event
	Err    <-chan error

	cancel context.CancelFunc
}

// Cancel propagates a cancellation signal into the relay's upstream
// connection. Safe to call more than once.
func (s *Session) Cancel() { s.cancel() }

type Tunables struct {
	BufferTTL       time.Duration
	CheckpointEvery int
	PollInterval    time.Duration
	MaxToolSteps    int
	ContextWindow   int
}

type liveStream struct {
	streamID string
	cancel   context.CancelFunc
}

// Orchestrator is the request-handling entry point for generation
// streams: it validates, gates, persists the placeholders, sets the
// active-stream pointer and hands off to a relay.
type Orchestrator struct {
	repo      *chat.Repo
	registry  *ai.Registry
	buffer    Buffer
	limiter   RateLimiter       // may be nil (gate disabled)
	publisher TerminalPublisher // may be nil
	tools     map[string]ai.Tool
	tun       Tunables

	mu     sync.Mutex
	active map[string]liveStream // chatID -> live relay, this process only
}

func NewOrchestrator(repo *chat.Repo, registry *ai.Registry, buffer Buffer, limiter RateLimiter, publisher TerminalPublisher, tools []ai.Tool, tun Tunables) *Orchestrator {
	if tun.BufferTTL <= 0 {
		tun.BufferTTL = 5 * time.Minute
	}
	if tun.CheckpointEvery <= 0 {
		tun.CheckpointEvery = 20
	}
	if tun.PollInterval <= 0 {
		tun.PollInterval = 250 * time.Millisecond
	}
	if tun.ContextWindow <= 0 || tun.ContextWindow > 100 {
		tun.ContextWindow = 20
	}

	toolMap := make(map[string]ai.Tool, len(tools))
	for _, t := range tools {
		toolMap[t.Spec().Name] = t
	}
	return &Orchestrator{
		repo:      repo,
		registry:  registry,
		buffer:    buffer,
		limiter:   limiter,
		publisher: publisher,
		tools:     toolMap,
		tun:       tun,
		active:    make(map[string]liveStream),
	}
}

func (o *Orchestrator) validate(req *StartRequest) error {
	if len(req.Messages) == 0 {
		return &ValidationError{Msg: "messages must not be empty"}
	}
	for i, m := range req.Messages {
		switch m.Role {
		case chat.RoleUser, chat.RoleAssistant, chat.RoleSystem:
		default:
			return &ValidationError{Msg: fmt.Sprintf("messages[%d]: invalid role %q", i, m.Role)}
		}
		if strings.TrimSpace(m.Content) == "" {
			return &ValidationError{Msg: fmt.Sprintf("messages[%d]: content must not be empty", i)}
		}
	}
	if strings.TrimSpace(req.Model) == "" {
		return &ValidationError{Msg: "model is required"}
	}
	if !o.registry.Known(req.Provider) {
		return &ValidationError{Msg: fmt.Sprintf("unknown provider selector %q", req.Provider)}
	}
	switch req.ReasoningEffort {
	case "", "none", "low", "medium", "high":
	default:
		return &ValidationError{Msg: fmt.Sprintf("invalid reasoning effort %q", req.ReasoningEffort)}
	}
	return nil
}

// Start validates and gates the request, creates the message placeholder,
// sets the active-stream pointer, and launches the relay. Every failure
// before the relay launch leaves no partial stream behind.
func (o *Orchestrator) Start(ctx context.Context, req *StartRequest) (*Session, error) {
	if err := o.validate(req); err != nil {
		return nil, err
	}

	if o.limiter != nil {
		d, err := o.limiter.CheckAndConsume(ctx, fmt.Sprintf("stream:%d", req.UserID))
		if err == nil && !d.Allowed {
			return nil, &ai.RateLimitError{Msg: "stream quota exceeded", RetryAfter: d.RetryAfter}
		}
		// gate errors fail open; the limiter logs them
	}

	// resolving the provider also resolves credentials, so auth and
	// configuration failures surface here, before any mutation
	provider, err := o.registry.Get(ctx, req.Provider, req.Model, req.CredentialMaterial)
	if err != nil {
		return nil, err
	}

	chatID := req.ChatID
	if chatID == "" {
		id, err := common.NewULID()
		if err != nil {
			return nil, err
		}
		c := &chat.Chat{ID: id, UserID: req.UserID, Title: chatTitle(req.Messages)}
		if err := o.repo.CreateChat(ctx, c); err != nil {
			return nil, err
		}
		chatID = id
	} else {
		if _, err := o.repo.GetChat(ctx, req.UserID, chatID); err != nil {
			return nil, err
		}
	}

	// persist the latest user turn alongside the assistant placeholder
	if last := req.Messages[len(req.Messages)-1]; last.Role == chat.RoleUser {
		if err := o.repo.InsertMessage(ctx, &chat.Message{
			ChatID:  chatID,
			UserID:  req.UserID,
			Role:    chat.RoleUser,
			Content: last.Content,
			Status:  chat.StatusCompleted,
		}); err != nil {
			return nil, err
		}
	}

	streamID, err := common.NewULID()
	if err != nil {
		return nil, err
	}

	msg, err := o.repo.CreateAssistantMessage(ctx, req.UserID, chatID, streamID)
	if err != nil {
		return nil, err
	}

	// the pointer must be live before the first upstream byte so a
	// reconnect during the gap still finds something to resume
	if err := o.repo.SetActiveStream(ctx, req.UserID, chatID, streamID); err != nil {
		return nil, err
	}

	opts := ai.StreamOptions{ReasoningEffort: req.ReasoningEffort}
	if req.EnableTools {
		for _, t := range o.tools {
			opts.Tools = append(opts.Tools, t.Spec())
		}
	}

	relayCtx, cancel := context.WithCancel(context.Background())

	r := &relay{
		streamID:     streamID,
		chatID:       chatID,
		messageID:    msg.ID,
		userID:       req.UserID,
		provider:     provider,
		messages:     providerMessages(req.Messages, o.tun.ContextWindow),
		opts:         opts,
		buffer:       o.buffer,
		flusher:      NewFlusher(o.repo, o.tun.CheckpointEvery),
		store:        o.repo,
		publisher:    o.publisher,
		tools:        o.toolsFor(req.EnableTools),
		maxToolSteps: o.tun.MaxToolSteps,
		bufferTTL:    o.tun.BufferTTL,
		events:       make(chan Event, clientChanSize),
		errCh:        make(chan error, 1),
	}

	o.mu.Lock()
	o.active[chatID] = liveStream{streamID: streamID, cancel: cancel}
	o.mu.Unlock()

	go func() {
		defer o.forget(chatID, streamID)
		defer cancel()
		r.run(relayCtx)
	}()

	return &Session{
		StreamID:  streamID,
		ChatID:    chatID,
		MessageID: msg.ID,
		Events:    r.events,
		Err:       r.errCh,
		cancel:    cancel,
	}, nil
}

// Stop cancels the chat's live relay, if this process owns one. The
// relay takes the interrupted terminal path.
func (o *Orchestrator) Stop(ctx context.Context, userID uint64, chatID string) error {
	if _, err := o.repo.GetChat(ctx, userID, chatID); err != nil {
		return err
	}

	o.mu.Lock()
	ls, ok := o.active[chatID]
	o.mu.Unlock()
	if !ok {
		return ErrNoActiveStream
	}
	ls.cancel()
	return nil
}

func (o *Orchestrator) forget(chatID, streamID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if ls, ok := o.active[chatID]; ok && ls.streamID == streamID {
		delete(o.active, chatID)
	}
}

func (o *Orchestrator) toolsFor(enabled bool) map[string]ai.Tool {
	if !enabled {
		return nil
	}
	return o.tools
}

func chatTitle(msgs []IncomingMessage) string {
	for _, m := range msgs {
		if m.Role == chat.RoleUser {
			t := strings.TrimSpace(m.Content)
			if len(t) > 80 {
				t = t[:80]
			}
			return t
		}
	}
	return "New chat"
}

// providerMessages keeps the most recent window of the conversation.
func providerMessages(msgs []IncomingMessage, window int) []ai.Message {
	start := 0
	if len(msgs) > window {
		start = len(msgs) - window
	}
	out := make([]ai.Message, 0, len(msgs)-start)
	for _, m := range msgs[start:] {
		out = append(out, ai.Message{Role: m.Role, Content: m.Content})
	}
	return out
}
