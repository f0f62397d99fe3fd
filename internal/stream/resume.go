package stream

import (
	"context"
	"log"
	"time"

	"github.com/haowen-zh/chat-relay/internal/chat"
)

// statusCheckEvery is how many empty polls pass between re-checks of the
// message row. Covers a writer that died without a terminal marker.
const statusCheckEvery = 4

// Resume replays the chat's live stream from after lastSeen, then keeps
// following the buffer until a terminal entry. It never re-invokes the
// upstream provider. Pass lastSeen = -1 to replay from the beginning.
func (o *Orchestrator) Resume(ctx context.Context, userID uint64, chatID string, lastSeen int64) (<-chan Event, error) {
	streamID, err := o.repo.GetActiveStream(ctx, userID, chatID)
	if err != nil {
		return nil, err
	}
	if streamID == nil {
		return o.resumeEnded(ctx, userID, chatID, lastSeen)
	}

	msg, err := o.repo.GetMessageByStreamID(ctx, *streamID)
	if err != nil {
		return nil, err
	}

	return o.follow(ctx, *streamID, msg.ID, lastSeen), nil
}

// resumeEnded covers a client that disconnected mid-stream and came back
// after the stream already hit terminal state and cleared the pointer.
// Until the buffer TTL expires, the tail it missed is still replayable;
// after that the client falls back to the persisted message.
func (o *Orchestrator) resumeEnded(ctx context.Context, userID uint64, chatID string, lastSeen int64) (<-chan Event, error) {
	if lastSeen < 0 {
		return nil, ErrNoActiveStream
	}
	m, err := o.repo.GetLatestAssistantMessage(ctx, userID, chatID)
	if err != nil || m.StreamID == nil {
		return nil, ErrNoActiveStream
	}
	entries, err := o.buffer.ReadFrom(ctx, *m.StreamID, lastSeen)
	if err != nil || len(entries) == 0 {
		return nil, ErrNoActiveStream
	}
	return o.follow(ctx, *m.StreamID, m.ID, lastSeen), nil
}

// follow is the shared reader discipline: drain what the buffer has,
// otherwise back off for a bounded interval and re-poll, periodically
// consulting the primary datastore for terminal status.
func (o *Orchestrator) follow(ctx context.Context, streamID, messageID string, after int64) <-chan Event {
	out := make(chan Event, 16)

	go func() {
		defer close(out)

		emptyPolls := 0
		for {
			entries, err := o.buffer.ReadFrom(ctx, streamID, after)
			if err != nil {
				log.Printf("[resume] buffer read failed stream=%s err=%v", streamID, err)
				select {
				case out <- Event{Type: "error", Text: "stream replay unavailable"}:
				case <-ctx.Done():
				}
				return
			}

			for _, e := range entries {
				after = e.Offset
				select {
				case out <- entryToEvent(e):
				case <-ctx.Done():
					return
				}
				if e.Terminal() {
					return
				}
			}

			if len(entries) > 0 {
				emptyPolls = 0
				continue
			}

			emptyPolls++
			if emptyPolls >= statusCheckEvery {
				emptyPolls = 0
				if ev, terminal := o.terminalByStatus(ctx, messageID); terminal {
					select {
					case out <- ev:
					case <-ctx.Done():
					}
					return
				}
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(o.tun.PollInterval):
			}
		}
	}()

	return out
}

// terminalByStatus detects a stream whose writer died before appending a
// terminal entry: the message row is the fallback source of truth.
func (o *Orchestrator) terminalByStatus(ctx context.Context, messageID string) (Event, bool) {
	m, err := o.repo.GetMessage(ctx, messageID)
	if err != nil {
		log.Printf("[resume] status check failed message=%s err=%v", messageID, err)
		return Event{}, false
	}
	switch m.Status {
	case chat.StatusCompleted:
		return Event{Type: "done"}, true
	case chat.StatusError:
		return Event{Type: "error", Text: "stream interrupted"}, true
	default:
		return Event{}, false
	}
}
