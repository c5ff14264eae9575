package convo

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/askjohngeorge/leadline/pkg/types"
)

func TestContextAppendPop(t *testing.T) {
	c := NewContext(types.Message{Role: types.RoleSystem, Content: "sys"})
	c.Append(types.Message{Role: types.RoleUser, Content: "hello"})
	c.Append(types.Message{Role: types.RoleAssistant, Content: "hi"})

	if got := c.Len(); got != 3 {
		t.Fatalf("Len = %d, want 3", got)
	}

	last, ok := c.PopLast()
	if !ok || last.Content != "hi" {
		t.Fatalf("PopLast = %q, %v; want %q, true", last.Content, ok, "hi")
	}
	if got := c.Len(); got != 2 {
		t.Fatalf("Len after pop = %d, want 2", got)
	}
}

func TestContextPopEmpty(t *testing.T) {
	c := NewContext()
	if _, ok := c.PopLast(); ok {
		t.Fatal("PopLast on empty context reported ok")
	}
	if _, ok := c.Last(); ok {
		t.Fatal("Last on empty context reported ok")
	}
}

func TestContextMessagesIsCopy(t *testing.T) {
	c := NewContext(types.Message{Role: types.RoleUser, Content: "a"})
	snap := c.Messages()
	snap[0].Content = "mutated"
	if got := c.Messages()[0].Content; got != "a" {
		t.Fatalf("snapshot mutation leaked into context: %q", got)
	}
}

func TestContextReplaceSystem(t *testing.T) {
	t.Run("replaces existing", func(t *testing.T) {
		c := NewContext(
			types.Message{Role: types.RoleSystem, Content: "old"},
			types.Message{Role: types.RoleUser, Content: "hi"},
		)
		c.ReplaceSystem("new")
		msgs := c.Messages()
		if len(msgs) != 2 || msgs[0].Content != "new" {
			t.Fatalf("messages = %+v", msgs)
		}
	})

	t.Run("inserts when missing", func(t *testing.T) {
		c := NewContext(types.Message{Role: types.RoleUser, Content: "hi"})
		c.ReplaceSystem("sys")
		msgs := c.Messages()
		if len(msgs) != 2 || msgs[0].Role != types.RoleSystem || msgs[0].Content != "sys" {
			t.Fatalf("messages = %+v", msgs)
		}
		if msgs[1].Content != "hi" {
			t.Fatalf("user message displaced: %+v", msgs)
		}
	})
}

func TestContextConcurrentAppend(t *testing.T) {
	c := NewContext()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				c.Append(types.Message{Role: types.RoleUser, Content: "x"})
			}
		}()
	}
	wg.Wait()
	if got := c.Len(); got != 400 {
		t.Fatalf("Len = %d, want 400", got)
	}
}

// ─── Manager ───

type stubSummariser struct {
	summary string
	err     error
	got     []types.Message
}

func (s *stubSummariser) Summarise(_ context.Context, msgs []types.Message) (string, error) {
	s.got = msgs
	return s.summary, s.err
}

func TestManagerBelowThresholdNoop(t *testing.T) {
	c := NewContext(types.Message{Role: types.RoleUser, Content: "short"})
	sum := &stubSummariser{summary: "unused"}
	m := NewManager(c, 1000, sum)
	if err := m.CheckAndCompact(context.Background()); err != nil {
		t.Fatalf("CheckAndCompact: %v", err)
	}
	if sum.got != nil {
		t.Fatal("summariser called below threshold")
	}
	if got := c.Len(); got != 1 {
		t.Fatalf("Len = %d, want 1", got)
	}
}

func TestManagerCompacts(t *testing.T) {
	c := NewContext(types.Message{Role: types.RoleSystem, Content: "sys"})
	long := strings.Repeat("w", 200)
	for i := 0; i < 20; i++ {
		c.Append(types.Message{Role: types.RoleUser, Content: long})
	}

	sum := &stubSummariser{summary: "they talked at length"}
	// Budget of 500 tokens; 20 * 200 chars is ~1000 tokens, well over.
	m := NewManager(c, 500, sum, WithKeepRecent(4))
	if err := m.CheckAndCompact(context.Background()); err != nil {
		t.Fatalf("CheckAndCompact: %v", err)
	}

	if len(sum.got) != 16 {
		t.Fatalf("summarised %d messages, want 16", len(sum.got))
	}
	msgs := c.Messages()
	// sys + summary + 4 recent
	if len(msgs) != 6 {
		t.Fatalf("Len after compact = %d, want 6", len(msgs))
	}
	if msgs[0].Content != "sys" {
		t.Fatalf("pinned system message lost: %+v", msgs[0])
	}
	if !strings.Contains(msgs[1].Content, "they talked at length") {
		t.Fatalf("summary message = %q", msgs[1].Content)
	}
}

func TestManagerSummariserError(t *testing.T) {
	c := NewContext()
	long := strings.Repeat("w", 400)
	for i := 0; i < 20; i++ {
		c.Append(types.Message{Role: types.RoleUser, Content: long})
	}
	sum := &stubSummariser{err: errors.New("model offline")}
	m := NewManager(c, 100, sum)
	if err := m.CheckAndCompact(context.Background()); err == nil {
		t.Fatal("expected error from failing summariser")
	}
	if got := c.Len(); got != 20 {
		t.Fatalf("context mutated despite summariser failure: Len = %d", got)
	}
}

func TestManagerNilSummariserDrops(t *testing.T) {
	c := NewContext()
	long := strings.Repeat("w", 400)
	for i := 0; i < 20; i++ {
		c.Append(types.Message{Role: types.RoleUser, Content: long})
	}
	m := NewManager(c, 100, nil, WithKeepRecent(5))
	if err := m.CheckAndCompact(context.Background()); err != nil {
		t.Fatalf("CheckAndCompact: %v", err)
	}
	if got := c.Len(); got != 5 {
		t.Fatalf("Len = %d, want 5 (no summary message for nil summariser)", got)
	}
}
