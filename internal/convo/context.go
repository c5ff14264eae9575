// Package convo maintains durable conversation state shared across a call:
// the ordered message history, streaming response aggregation and a
// token-budget manager that compacts old history through a summariser.
//
// Context is safe for concurrent use. ResponseAggregator is not; it is
// driven from a single pipeline goroutine.
package convo

import (
	"sync"

	"github.com/askjohngeorge/leadline/pkg/types"
)

// Context is the durable message history of a call. All pipeline stages
// share one instance; mutations go through its methods only.
type Context struct {
	mu       sync.Mutex
	messages []types.Message
}

// NewContext returns a context seeded with the given messages, typically a
// single system prompt.
func NewContext(initial ...types.Message) *Context {
	c := &Context{}
	c.messages = append(c.messages, initial...)
	return c
}

// Append adds messages to the end of the history.
func (c *Context) Append(msgs ...types.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, msgs...)
}

// PopLast removes and returns the most recent message. It reports false if
// the history is empty.
func (c *Context) PopLast() (types.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.messages) == 0 {
		return types.Message{}, false
	}
	last := c.messages[len(c.messages)-1]
	c.messages = c.messages[:len(c.messages)-1]
	return last, true
}

// Last returns the most recent message without removing it.
func (c *Context) Last() (types.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.messages) == 0 {
		return types.Message{}, false
	}
	return c.messages[len(c.messages)-1], true
}

// Messages returns a copy of the history.
func (c *Context) Messages() []types.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Len returns the number of messages in the history.
func (c *Context) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}

// ReplaceSystem swaps the content of the leading system message, inserting
// one if the history has none. Flow node transitions use this to retarget
// the conversation without losing history.
func (c *Context) ReplaceSystem(content string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.messages) > 0 && c.messages[0].Role == types.RoleSystem {
		c.messages[0].Content = content
		return
	}
	c.messages = append([]types.Message{{Role: types.RoleSystem, Content: content}}, c.messages...)
}

// Rewrite applies fn to the current history under the lock and stores the
// result. fn must not retain or mutate the slice it receives after
// returning. Used by history compaction, where the replacement depends on
// messages appended while a summary was being generated.
func (c *Context) Rewrite(fn func(msgs []types.Message) []types.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = fn(c.messages)
}
