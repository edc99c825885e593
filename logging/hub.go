package logging

import (
	"bytes"
	"sync"
)

const historySize = 64 * 1024 // 64KB of recent entries

// Hub keeps recent log entries and fans new ones out to subscribers.
// It is meant to be passed as Options.Tee so each Write carries one entry.
type Hub struct {
	history   *CircularBuffer
	broadcast *Broadcaster
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{
		history:   NewCircularBuffer(historySize),
		broadcast: NewBroadcaster(),
	}
}

// Write implements io.Writer
func (h *Hub) Write(p []byte) (int, error) {
	h.history.Write(p)
	h.broadcast.Broadcast(string(p))
	return len(p), nil
}

// History returns the buffered entries, oldest first.
func (h *Hub) History() []byte {
	return h.history.Read()
}

// Subscribe returns a channel receiving every entry written after the call.
func (h *Hub) Subscribe() chan string {
	return h.broadcast.Subscribe()
}

// Unsubscribe removes and closes a channel returned by Subscribe.
func (h *Hub) Unsubscribe(ch chan string) {
	h.broadcast.Unsubscribe(ch)
}

// CircularBuffer is a fixed-size ring buffer for log lines
type CircularBuffer struct {
	data []byte
	size int
	mu   sync.RWMutex
}

// NewCircularBuffer creates a new circular buffer
func NewCircularBuffer(size int) *CircularBuffer {
	return &CircularBuffer{
		data: make([]byte, 0, size),
		size: size,
	}
}

// Write implements io.Writer. When the buffer overflows, the oldest bytes are
// dropped up to the next line boundary so the buffer never starts mid-line.
func (cb *CircularBuffer) Write(p []byte) (n int, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if len(cb.data)+len(p) <= cb.size {
		cb.data = append(cb.data, p...)
		return len(p), nil
	}

	excess := len(cb.data) + len(p) - cb.size
	cut := false
	if excess >= len(cb.data) {
		// New data replaces everything; keep only its tail if it is too large
		tail := p
		if len(p) > cb.size {
			tail = p[len(p)-cb.size:]
			cut = p[len(p)-cb.size-1] != '\n'
		}
		cb.data = append(cb.data[:0], tail...)
	} else {
		cut = cb.data[excess-1] != '\n'
		cb.data = append(cb.data[excess:], p...)
	}

	if cut {
		if idx := bytes.IndexByte(cb.data, '\n'); idx >= 0 {
			cb.data = cb.data[idx+1:]
		} else {
			cb.data = cb.data[:0]
		}
	}
	return len(p), nil
}

// Read returns the current buffer contents
func (cb *CircularBuffer) Read() []byte {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	result := make([]byte, len(cb.data))
	copy(result, cb.data)
	return result
}

// Broadcaster broadcasts messages to multiple channels
type Broadcaster struct {
	clients map[chan string]bool
	mu      sync.RWMutex
}

// NewBroadcaster creates a new broadcaster
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		clients: make(map[chan string]bool),
	}
}

// Subscribe adds a new client channel
func (b *Broadcaster) Subscribe() chan string {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan string, 100)
	b.clients[ch] = true
	return ch
}

// Unsubscribe removes a client channel. Calling it twice is safe.
func (b *Broadcaster) Unsubscribe(ch chan string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.clients[ch] {
		return
	}
	delete(b.clients, ch)
	close(ch)
}

// Broadcast sends a message to all subscribers
func (b *Broadcaster) Broadcast(msg string) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.clients {
		select {
		case ch <- msg:
		default:
			// Skip if channel is full
		}
	}
}
