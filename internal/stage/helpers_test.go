package stage

import (
	"sync"
	"testing"
	"time"

	"github.com/askjohngeorge/leadline/internal/frame"
	"github.com/askjohngeorge/leadline/pkg/audio"
)

// collector records frames a processor emitted or injected.
type collector struct {
	mu    sync.Mutex
	items []struct {
		f   frame.Frame
		dir frame.Direction
	}
}

func (c *collector) emit(f frame.Frame, dir frame.Direction) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = append(c.items, struct {
		f   frame.Frame
		dir frame.Direction
	}{f, dir})
}

func (c *collector) kinds() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.items))
	for i, it := range c.items {
		out[i] = it.f.Kind()
	}
	return out
}

func (c *collector) frames() []frame.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]frame.Frame, len(c.items))
	for i, it := range c.items {
		out[i] = it.f
	}
	return out
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *collector) at(i int) (frame.Frame, frame.Direction) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it := c.items[i]
	return it.f, it.dir
}

func (c *collector) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = nil
}

// count returns how many recorded frames have the given kind.
func (c *collector) count(kind string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, it := range c.items {
		if it.f.Kind() == kind {
			n++
		}
	}
	return n
}

// waitFor polls cond every 5 ms until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

// pcmFrame builds a mono 16 kHz frame of the given duration.
func pcmFrame(d time.Duration) audio.AudioFrame {
	return audio.AudioFrame{
		Data:       make([]byte, audio.PCMBytes(d, 16000, 1)),
		SampleRate: 16000,
		Channels:   1,
	}
}
