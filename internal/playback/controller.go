package playback

import (
	"context"
	"sync"
	"time"
)

// EventType identifies playback lifecycle events.
type EventType string

const (
	EventStarted EventType = "started"
	EventChunk   EventType = "chunk"
	EventEnded   EventType = "ended"
)

// End reasons.
const (
	ReasonCompleted = "completed"
	ReasonStopped   = "stopped"
)

// Event is one playback lifecycle notification. Audio is only set for
// EventChunk.
type Event struct {
	Type      EventType
	MessageID string
	Seq       int
	Audio     []byte
	Reason    string
}

// Controller owns at most one outbound audio stream at a time. Starting a
// new stream stops and discards any prior one before the first chunk of the
// new stream is emitted.
type Controller struct {
	mu         sync.Mutex
	chunkBytes int
	interval   time.Duration
	emit       func(Event)
	current    *handle
}

type handle struct {
	messageID string
	cancel    context.CancelFunc
	done      chan struct{}
}

func New(chunkBytes int, interval time.Duration, emit func(Event)) *Controller {
	if chunkBytes <= 0 {
		chunkBytes = 32 << 10
	}
	if interval <= 0 {
		interval = 40 * time.Millisecond
	}
	if emit == nil {
		emit = func(Event) {}
	}
	return &Controller{chunkBytes: chunkBytes, interval: interval, emit: emit}
}

// Play stops any active stream, then streams audio in fixed-size chunks
// associated with messageID. It returns once the new stream is started;
// chunks are delivered asynchronously through the emit callback.
func (c *Controller) Play(ctx context.Context, audioBytes []byte, messageID string) {
	c.stopCurrent()

	streamCtx, cancel := context.WithCancel(ctx)
	h := &handle{messageID: messageID, cancel: cancel, done: make(chan struct{})}

	c.mu.Lock()
	c.current = h
	c.mu.Unlock()

	c.emit(Event{Type: EventStarted, MessageID: messageID})
	go c.stream(streamCtx, h, audioBytes)
}

// Stop halts any active stream and clears the association. Idempotent.
func (c *Controller) Stop() {
	c.stopCurrent()
}

// Speaking returns the message id of the active stream, if any.
func (c *Controller) Speaking() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return "", false
	}
	return c.current.messageID, true
}

func (c *Controller) stopCurrent() {
	c.mu.Lock()
	h := c.current
	c.current = nil
	c.mu.Unlock()
	if h == nil {
		return
	}
	h.cancel()
	<-h.done
}

func (c *Controller) stream(ctx context.Context, h *handle, audioBytes []byte) {
	defer close(h.done)
	defer h.cancel()

	reason := ReasonCompleted
	seq := 0
	for off := 0; off < len(audioBytes); off += c.chunkBytes {
		if ctx.Err() != nil {
			reason = ReasonStopped
			break
		}
		end := off + c.chunkBytes
		if end > len(audioBytes) {
			end = len(audioBytes)
		}
		c.emit(Event{Type: EventChunk, MessageID: h.messageID, Seq: seq, Audio: audioBytes[off:end]})
		seq++

		if end == len(audioBytes) {
			break
		}
		select {
		case <-ctx.Done():
			reason = ReasonStopped
		case <-time.After(c.interval):
		}
		if reason == ReasonStopped {
			break
		}
	}

	c.mu.Lock()
	if c.current == h {
		c.current = nil
	}
	c.mu.Unlock()

	c.emit(Event{Type: EventEnded, MessageID: h.messageID, Reason: reason})
}
