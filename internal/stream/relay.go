package stream

import (
	"context"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/haowen-zh/chat-relay/internal/ai"
)

const clientChanSize = 256

// relay is the single writer for one stream: it drains provider token
// events, appends them to the durable buffer, forwards them to the
// attached client, and checkpoints through the flusher. A slow or gone
// client never blocks persistence; forwarding drops and the client
// catches up through resume.
type relay struct {
	streamID  string
	chatID    string
	messageID string
	userID    uint64

	provider ai.Provider
	messages []ai.Message
	opts     ai.StreamOptions

	buffer    Buffer
	flusher   *Flusher
	store     MessageStore
	publisher TerminalPublisher // may be nil
	tools     map[string]ai.Tool

	maxToolSteps int
	bufferTTL    time.Duration

	events chan Event // client fan-out, closed by run
	errCh  chan error // pre-stream typed error, cap 1

	// accumulation
	content   strings.Builder
	reasoning strings.Builder
	chunks    int64

	firstReasoningAt time.Time
	lastReasoningAt  time.Time
}

// run owns the stream from first upstream byte to terminal state. ctx
// cancellation (client disconnect, stop route, server timeout) closes
// the upstream connection promptly and takes the interrupted path.
func (r *relay) run(ctx context.Context) {
	toolSteps := 0
	pErr := error(nil)
	sawDone := false

	for {
		events, errs := r.provider.StreamTokens(ctx, r.messages, r.opts)

		var pendingCalls []ai.ToolCall
		cancelled := false

	readLoop:
		for {
			select {
			case <-ctx.Done():
				cancelled = true
				// upstream already handed these frames over; keep them
				// replayable even though the client is gone
				sawDone = r.drainToBuffer(events)
				select {
				case e := <-errs:
					if e != nil {
						pErr = e
					}
				default:
				}
				break readLoop

			case ev, ok := <-events:
				if !ok {
					select {
					case e := <-errs:
						if e != nil {
							pErr = e
						}
					default:
					}
					break readLoop
				}
				switch ev.Kind {
				case ai.KindText:
					r.relayDelta(ctx, EntryText, ev.Text)
				case ai.KindReasoning:
					now := time.Now()
					if r.firstReasoningAt.IsZero() {
						r.firstReasoningAt = now
					}
					r.lastReasoningAt = now
					r.relayDelta(ctx, EntryReasoning, ev.Text)
				case ai.KindToolCall:
					if ev.Call != nil {
						pendingCalls = append(pendingCalls, *ev.Call)
					}
				}
			}
		}

		if cancelled {
			r.finishInterrupted(sawDone && pErr == nil)
			return
		}
		if pErr != nil {
			r.finishError(pErr)
			return
		}

		// bounded tool loop: a hard ceiling, not a retry policy
		if len(pendingCalls) > 0 && toolSteps < r.maxToolSteps && len(r.tools) > 0 {
			toolSteps++
			r.messages = append(r.messages, ai.Message{
				Role:      "assistant",
				ToolCalls: pendingCalls,
			})
			for _, call := range pendingCalls {
				r.messages = append(r.messages, ai.Message{
					Role:       "tool",
					Content:    r.invokeTool(ctx, call),
					ToolCallID: call.ID,
				})
			}
			continue
		}

		r.finishDone()
		return
	}
}

func (r *relay) invokeTool(ctx context.Context, call ai.ToolCall) string {
	tool, ok := r.tools[call.Name]
	if !ok {
		return "error: unknown tool " + call.Name
	}
	out, err := tool.Invoke(ctx, call.Arguments)
	if err != nil {
		log.Printf("[relay] tool failed stream=%s tool=%s err=%v", r.streamID, call.Name, err)
		return "error: " + err.Error()
	}
	return out
}

// relayDelta is the per-delta fan-out: durable append first, then the
// client. The client send never blocks.
func (r *relay) relayDelta(ctx context.Context, kind EntryKind, text string) {
	off, err := r.buffer.Append(ctx, r.streamID, kind, text)
	if err != nil {
		log.Printf("[relay] buffer append failed stream=%s err=%v", r.streamID, err)
		off = -1
	}

	if kind == EntryReasoning {
		r.reasoning.WriteString(text)
	} else {
		r.content.WriteString(text)
	}
	r.chunks++

	r.forward(Event{Type: string(kind), Text: text, ID: offsetID(off)})
	r.flusher.OnDelta(ctx, r.messageID, r.content.String(), r.reasoningPtr())
}

func (r *relay) forward(ev Event) {
	select {
	case r.events <- ev:
	default:
		// client is slow or gone; it recovers via resume
	}
}

// drainToBuffer empties what the provider already queued so a resuming
// client can still replay it. Drained frames are not accumulated into
// the committed content: the partial commit reflects what was relayed
// before cancellation. Reports whether the provider channel closed
// cleanly, meaning the upstream actually finished.
func (r *relay) drainToBuffer(events <-chan ai.TokenEvent) bool {
	dctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return true
			}
			switch ev.Kind {
			case ai.KindText:
				if _, err := r.buffer.Append(dctx, r.streamID, EntryText, ev.Text); err != nil {
					log.Printf("[relay] drain append failed stream=%s err=%v", r.streamID, err)
				}
			case ai.KindReasoning:
				if _, err := r.buffer.Append(dctx, r.streamID, EntryReasoning, ev.Text); err != nil {
					log.Printf("[relay] drain append failed stream=%s err=%v", r.streamID, err)
				}
			}
		case <-dctx.Done():
			return false
		}
	}
}

func (r *relay) finishDone() {
	ctx, cancel := terminalCtx()
	defer cancel()

	off, err := r.buffer.Append(ctx, r.streamID, EntryDone, "")
	if err != nil {
		log.Printf("[relay] terminal append failed stream=%s err=%v", r.streamID, err)
	}
	r.flusher.Complete(ctx, r.messageID, r.content.String(), r.reasoningPtr(), r.thinkingTimeMs())
	r.teardown(ctx)

	r.forward(Event{Type: "done", ID: offsetID(off)})
	close(r.events)
	r.publish(ctx, OutcomeCompleted)
}

func (r *relay) finishError(cause error) {
	ctx, cancel := terminalCtx()
	defer cancel()

	off, err := r.buffer.Append(ctx, r.streamID, EntryError, cause.Error())
	if err != nil {
		log.Printf("[relay] terminal append failed stream=%s err=%v", r.streamID, err)
	}
	r.flusher.Interrupt(ctx, r.messageID, r.content.String(), r.reasoningPtr())
	r.teardown(ctx)

	select {
	case r.errCh <- cause:
	default:
	}
	r.forward(Event{Type: "error", Text: cause.Error(), ID: offsetID(off)})
	close(r.events)
	r.publish(ctx, OutcomeError)
}

// finishInterrupted handles cancellation. Not escalated to the client as
// a failure: the disconnect caused it. When the upstream had already
// finished, the buffer still ends in done so a resume replays a complete
// stream even though the message row records the interruption.
func (r *relay) finishInterrupted(upstreamFinished bool) {
	ctx, cancel := terminalCtx()
	defer cancel()

	kind := EntryError
	payload := "interrupted"
	if upstreamFinished {
		kind = EntryDone
		payload = ""
	}
	if _, err := r.buffer.Append(ctx, r.streamID, kind, payload); err != nil {
		log.Printf("[relay] terminal append failed stream=%s err=%v", r.streamID, err)
	}
	r.flusher.Interrupt(ctx, r.messageID, r.content.String(), r.reasoningPtr())
	r.teardown(ctx)

	close(r.events)
	r.publish(ctx, OutcomeInterrupted)
}

// teardown clears the pointer (conditionally, keyed by this stream's own
// id) and schedules buffer expiry.
func (r *relay) teardown(ctx context.Context) {
	if err := r.store.ClearActiveStream(ctx, r.chatID, r.streamID); err != nil {
		log.Printf("[relay] clear pointer failed chat=%s stream=%s err=%v", r.chatID, r.streamID, err)
	}
	if err := r.buffer.Expire(ctx, r.streamID, r.bufferTTL); err != nil {
		log.Printf("[relay] buffer expire failed stream=%s err=%v", r.streamID, err)
	}
}

func (r *relay) publish(ctx context.Context, outcome string) {
	if r.publisher == nil {
		return
	}
	ev := TerminalEvent{
		StreamID:     r.streamID,
		ChatID:       r.chatID,
		MessageID:    r.messageID,
		UserID:       r.userID,
		Outcome:      outcome,
		Chunks:       r.chunks,
		ContentBytes: int64(r.content.Len()),
	}
	if err := r.publisher.PublishStreamEvent(ctx, ev); err != nil {
		log.Printf("[relay] publish terminal event failed stream=%s err=%v", r.streamID, err)
	}
}

func (r *relay) reasoningPtr() *string {
	if r.reasoning.Len() == 0 {
		return nil
	}
	s := r.reasoning.String()
	return &s
}

func (r *relay) thinkingTimeMs() *int64 {
	if r.firstReasoningAt.IsZero() {
		return nil
	}
	ms := r.lastReasoningAt.Sub(r.firstReasoningAt).Milliseconds()
	return &ms
}

func offsetID(off int64) string {
	if off < 0 {
		return ""
	}
	return strconv.FormatInt(off, 10)
}

func terminalCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}
