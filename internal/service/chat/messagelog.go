package chat

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/botline/internal/model/chat"
)

// subscriberBufferSize is the channel buffer for each log subscriber.
const subscriberBufferSize = 64

// MessageLog is the ordered, append-only sequence of chat entries of one
// widget. Entries are only removed by Reset.
type MessageLog struct {
	mu      sync.RWMutex
	entries []chat.Entry
	subs    map[string]chan chat.Event
	now     func() time.Time
	closed  bool
	done    chan struct{}
}

// NewMessageLog creates an empty log.
func NewMessageLog() *MessageLog {
	return &MessageLog{
		entries: make([]chat.Entry, 0, 16),
		subs:    make(map[string]chan chat.Event),
		now:     time.Now,
		done:    make(chan struct{}),
	}
}

// Append stamps the entry with an id and timestamp when missing, stores it and
// notifies subscribers.
func (l *MessageLog) Append(entry chat.Entry) chat.Entry {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = l.now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = append(l.entries, entry)
	stored := entry
	l.publishLocked(chat.Event{Type: chat.EventEntry, Entry: &stored})
	return entry
}

// AppendSystem records a locally-originated notice.
func (l *MessageLog) AppendSystem(text string) chat.Entry {
	return l.Append(chat.Entry{Sender: chat.SenderSystem, Text: text})
}

// Entries returns a copy of the log in display order.
func (l *MessageLog) Entries() []chat.Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]chat.Entry(nil), l.entries...)
}

// Len returns the number of entries.
func (l *MessageLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// FindByActivityID returns the newest entry projected from activityID.
func (l *MessageLog) FindByActivityID(activityID string) (chat.Entry, bool) {
	if activityID == "" {
		return chat.Entry{}, false
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	for i := len(l.entries) - 1; i >= 0; i-- {
		if l.entries[i].ActivityID == activityID {
			return l.entries[i], true
		}
	}
	return chat.Entry{}, false
}

// Reset discards every entry.
func (l *MessageLog) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = make([]chat.Entry, 0, 16)
	l.publishLocked(chat.Event{Type: chat.EventReset})
}

// PublishState forwards a connection state change to subscribers.
func (l *MessageLog) PublishState(state chat.State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.publishLocked(chat.Event{Type: chat.EventState, State: state})
}

// Subscribe returns a channel of log events. The channel is closed once ctx is
// cancelled or the log is closed.
func (l *MessageLog) Subscribe(ctx context.Context) <-chan chat.Event {
	id := uuid.NewString()
	ch := make(chan chat.Event, subscriberBufferSize)

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		close(ch)
		return ch
	}
	l.subs[id] = ch
	l.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-l.done:
			return
		}
		l.mu.Lock()
		if _, ok := l.subs[id]; ok {
			delete(l.subs, id)
			close(ch)
		}
		l.mu.Unlock()
	}()

	return ch
}

// Close ends every subscription. Later subscribers get a closed channel.
func (l *MessageLog) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	for id, ch := range l.subs {
		delete(l.subs, id)
		close(ch)
	}
	close(l.done)
}

// publishLocked never blocks: events are dropped for subscribers whose buffer
// is full. Must be called with mu held so events arrive in log order.
func (l *MessageLog) publishLocked(event chat.Event) {
	for _, ch := range l.subs {
		select {
		case ch <- event:
		default:
		}
	}
}
