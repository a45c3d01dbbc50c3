package server

import (
	"sync"

	"github.com/overpass-net/overpass/protocol"
)

// correlator matches server-issued HTTP requests to agent responses by
// request id. Every registered request completes exactly once: with the
// agent's response, or with nil on timeout or session loss.
type correlator struct {
	mu      sync.Mutex
	pending map[string]chan *protocol.Message
}

func newCorrelator() *correlator {
	return &correlator{pending: make(map[string]chan *protocol.Message)}
}

// register returns the channel the response will be delivered on.
func (c *correlator) register(requestID string) <-chan *protocol.Message {
	ch := make(chan *protocol.Message, 1)
	c.mu.Lock()
	c.pending[requestID] = ch
	c.mu.Unlock()
	return ch
}

// complete delivers a response. Unknown or already-completed ids are dropped.
func (c *correlator) complete(requestID string, msg *protocol.Message) {
	c.mu.Lock()
	ch, ok := c.pending[requestID]
	if ok {
		delete(c.pending, requestID)
	}
	c.mu.Unlock()
	if ok {
		ch <- msg
	}
}

// evict abandons a pending request, typically after its deadline fired.
func (c *correlator) evict(requestID string) {
	c.mu.Lock()
	delete(c.pending, requestID)
	c.mu.Unlock()
}

// failAll completes every pending request with nil. Used on session loss.
func (c *correlator) failAll() {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]chan *protocol.Message)
	c.mu.Unlock()
	for _, ch := range pending {
		ch <- nil
	}
}

func (c *correlator) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
