package channel

import "errors"

// ErrTooManyHandlers is returned when the handler table is full.
var ErrTooManyHandlers = errors.New("too many state handlers")

// StateHandler runs each time the channel commits a state. Returning false
// stops the remaining handlers for that state.
//
// Handlers run without the channel lock held and may call SetState to
// request the next state.
type StateHandler struct {
	Name   string
	Handle func(ch *Channel, state State) bool
}

// AddStateHandler appends h to the handler table and returns its index. Adding
// the same handler twice returns the existing index.
func (c *Channel) AddStateHandler(h *StateHandler) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, existing := range c.handlers {
		if existing == h {
			return i, nil
		}
	}
	if c.maxHandlers > 0 && len(c.handlers) >= c.maxHandlers {
		return -1, ErrTooManyHandlers
	}
	c.handlers = append(c.handlers, h)
	return len(c.handlers) - 1, nil
}

// ClearStateHandler removes h, or every handler when h is nil.
func (c *Channel) ClearStateHandler(h *StateHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h == nil {
		c.handlers = nil
		return
	}
	kept := c.handlers[:0]
	for _, existing := range c.handlers {
		if existing != h {
			kept = append(kept, existing)
		}
	}
	clear(c.handlers[len(kept):])
	c.handlers = kept
}

// StateHandler returns the handler at index i, or nil.
func (c *Channel) StateHandler(i int) *StateHandler {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i < 0 || i >= len(c.handlers) {
		return nil
	}
	return c.handlers[i]
}

// StateHandlerCount returns the size of the handler table.
func (c *Channel) StateHandlerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handlers)
}
