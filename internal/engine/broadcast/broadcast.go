package broadcast

import (
	"context"
	"log/slog"
	"sync"

	"github.com/ndquoc/devrunner/internal/engine/domain"
)

// Event is one element of a job's output stream: either a captured line or
// the single terminal event that ends the stream.
type Event struct {
	Line   string
	Done   bool
	Status domain.Status
}

// topic holds one job's full output history plus the terminal marker.
// Subscribers replay from their own cursor and wait on the cond for more, so
// the producer appends without ever blocking on a slow reader.
type topic struct {
	mu     sync.Mutex
	cond   *sync.Cond
	lines  []string
	closed bool
	status domain.Status
}

func newTopic() *topic {
	t := &topic{}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// Broadcaster fans a job's output out to any number of live subscribers.
// Late joiners replay the full buffered history before going live; every
// subscriber observes the identical line ordering.
type Broadcaster struct {
	mu     sync.Mutex
	topics map[string]*topic
	logger *slog.Logger
}

// New creates an empty Broadcaster.
func New(logger *slog.Logger) *Broadcaster {
	return &Broadcaster{
		topics: make(map[string]*topic),
		logger: logger,
	}
}

// Register creates the topic for a job. Must happen before the job's first
// line so no subscriber can miss history.
func (b *Broadcaster) Register(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.topics[jobID]; !ok {
		b.topics[jobID] = newTopic()
	}
}

// Publish appends one line to the job's history and wakes subscribers.
// Publishing never blocks on subscriber delivery.
func (b *Broadcaster) Publish(jobID, line string) {
	t := b.lookup(jobID)
	if t == nil {
		return
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.lines = append(t.lines, line)
	t.mu.Unlock()

	t.cond.Broadcast()
}

// Close marks the job's stream terminal. Subscribers drain any remaining
// history and then receive the single done event.
func (b *Broadcaster) Close(jobID string, status domain.Status) {
	t := b.lookup(jobID)
	if t == nil {
		return
	}

	t.mu.Lock()
	if !t.closed {
		t.closed = true
		t.status = status
	}
	t.mu.Unlock()

	t.cond.Broadcast()
}

// Drop removes a job's topic after clear(). An unclosed topic is settled as
// cancelled first so in-flight subscribers still terminate.
func (b *Broadcaster) Drop(jobID string) {
	b.mu.Lock()
	t := b.topics[jobID]
	delete(b.topics, jobID)
	b.mu.Unlock()

	if t == nil {
		return
	}

	t.mu.Lock()
	if !t.closed {
		t.closed = true
		t.status = domain.StatusCancelled
	}
	t.mu.Unlock()

	t.cond.Broadcast()
}

// Subscribe returns a finite, ordered event stream for the job: full history
// replay, then live lines, then exactly one done event. The channel closes
// after the done event or when ctx is cancelled. Each call starts a fresh
// replay from the beginning.
func (b *Broadcaster) Subscribe(ctx context.Context, jobID string) (<-chan Event, error) {
	t := b.lookup(jobID)
	if t == nil {
		return nil, domain.ErrJobNotFound
	}

	ch := make(chan Event)

	// Wake the wait loop if the subscriber goes away.
	stop := context.AfterFunc(ctx, t.cond.Broadcast)

	go func() {
		defer close(ch)
		defer stop()

		cursor := 0
		for {
			t.mu.Lock()
			for cursor == len(t.lines) && !t.closed && ctx.Err() == nil {
				t.cond.Wait()
			}
			if ctx.Err() != nil {
				t.mu.Unlock()
				return
			}
			batch := t.lines[cursor:]
			closed := t.closed
			status := t.status
			t.mu.Unlock()

			for _, line := range batch {
				select {
				case ch <- Event{Line: line}:
					cursor++
				case <-ctx.Done():
					return
				}
			}

			if closed {
				select {
				case ch <- Event{Done: true, Status: status}:
				case <-ctx.Done():
				}
				return
			}
		}
	}()

	return ch, nil
}

func (b *Broadcaster) lookup(jobID string) *topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.topics[jobID]
}
