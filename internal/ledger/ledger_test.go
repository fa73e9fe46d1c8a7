package ledger

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"

	"github.com/BaSui01/imageflow/internal/database/dbtest"
	"github.com/BaSui01/imageflow/types"
)

func newLedger(t *testing.T, cfg Config) *Ledger {
	t.Helper()
	return New(dbtest.Open(t, &Record{}), cfg, zap.NewNop(), nil)
}

func enabled() Config {
	cfg := DefaultConfig()
	cfg.Enabled = true
	return cfg
}

func TestLedger_DisabledByDefault(t *testing.T) {
	l := newLedger(t, DefaultConfig())
	ctx := context.Background()

	assert.False(t, l.Enabled())
	require.NoError(t, l.Append(ctx, 1, Event{Type: EventGenerate, Prompt: "x"}))
	// id 为 0 也不报错：开关先于一切检查
	require.NoError(t, l.Append(ctx, 0, Event{Type: EventGenerate}))

	events, err := l.List(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestLedger_AppendAndList(t *testing.T) {
	l := newLedger(t, enabled())
	ctx := context.Background()
	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, l.Append(ctx, 9, Event{Type: EventGenerate, Provider: "openai", Model: "gpt-image-1", Prompt: "a cat", Timestamp: ts, UserID: "alice"}))
	require.NoError(t, l.Append(ctx, 9, Event{Type: EventEdit, Provider: "flux", Model: "flux-kontext-pro", Mode: "replace", Prompt: "add a hat", UserID: "alice", DerivedFromID: 3}))
	require.NoError(t, l.Append(ctx, 10, Event{Type: EventGenerate, Prompt: "other"}))

	events, err := l.List(ctx, 9)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, EventGenerate, events[0].Type)
	assert.Equal(t, "", events[0].Mode)
	assert.Equal(t, uint(0), events[0].DerivedFromID)
	assert.True(t, ts.Equal(events[0].Timestamp))
	assert.Equal(t, "replace", events[1].Mode)
	assert.Equal(t, uint(3), events[1].DerivedFromID)
	assert.False(t, events[1].Timestamp.IsZero())
}

func TestLedger_KeepsNewestFifty(t *testing.T) {
	l := newLedger(t, enabled())
	ctx := context.Background()

	for i := 0; i < 55; i++ {
		require.NoError(t, l.Append(ctx, 1, Event{Type: EventEdit, Prompt: fmt.Sprintf("p%d", i)}))
	}
	events, err := l.List(ctx, 1)
	require.NoError(t, err)
	require.Len(t, events, 50)
	assert.Equal(t, "p5", events[0].Prompt)
	assert.Equal(t, "p54", events[49].Prompt)
}

func TestLedger_SanitizesFields(t *testing.T) {
	cfg := enabled()
	cfg.PromptMaxLength = 10
	l := newLedger(t, cfg)
	ctx := context.Background()

	require.NoError(t, l.Append(ctx, 1, Event{
		Type:     EventGenerate,
		Provider: "<b>openai</b>",
		Model:    strings.Repeat("m", 150),
		Prompt:   "<script>alert(1)</script>a\x00b\ncafé's dog barking",
	}))
	events, err := l.List(ctx, 1)
	require.NoError(t, err)
	require.Len(t, events, 1)

	assert.Equal(t, "openai", events[0].Provider)
	assert.Len(t, events[0].Model, 100)
	assert.Equal(t, "ab café's", events[0].Prompt)
	assert.LessOrEqual(t, len([]rune(events[0].Prompt)), 10)
}

func TestLedger_EntityEncodedMarkupStaysInert(t *testing.T) {
	l := newLedger(t, enabled())
	ctx := context.Background()

	require.NoError(t, l.Append(ctx, 1, Event{Type: EventEdit, Prompt: "cat &lt;img src=x onerror=alert(1)&gt;"}))
	require.NoError(t, l.Append(ctx, 1, Event{Type: EventEdit, Prompt: "dog &amp;lt;script&amp;gt;alert(1)&amp;lt;/script&amp;gt;"}))
	require.NoError(t, l.Append(ctx, 1, Event{Type: EventEdit, Prompt: "a < b & c > d"}))

	events, err := l.List(ctx, 1)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "cat", events[0].Prompt)
	assert.NotContains(t, events[1].Prompt, "<script")
	assert.NotContains(t, events[1].Prompt, "&lt;")
	assert.Equal(t, "a < b & c > d", events[2].Prompt)
}

func TestLedger_SanitizeMatchesStoredRow(t *testing.T) {
	cfg := enabled()
	cfg.PromptMaxLength = 12
	l := newLedger(t, cfg)
	ctx := context.Background()

	ev := Event{Type: EventGenerate, Provider: "<i>gemini</i>", Prompt: "<b>paint</b> a lighthouse at dusk"}
	require.NoError(t, l.Append(ctx, 4, ev))
	events, err := l.List(ctx, 4)
	require.NoError(t, err)
	require.Len(t, events, 1)

	clean := l.Sanitize(ev)
	assert.Equal(t, events[0].Prompt, clean.Prompt)
	assert.Equal(t, "gemini", clean.Provider)
	assert.Equal(t, "paint a ligh", clean.Prompt)
}

func TestLedger_RejectsZeroAttachment(t *testing.T) {
	l := newLedger(t, enabled())
	err := l.Append(context.Background(), 0, Event{Type: EventGenerate})
	assert.True(t, types.IsCode(err, types.ErrInvalidInput))
}

func TestLedger_StorageFailure(t *testing.T) {
	db := dbtest.Open(t)
	l := New(db, enabled(), nil, nil)

	err := l.Append(context.Background(), 1, Event{Type: EventGenerate})
	assert.True(t, types.IsCode(err, types.ErrStorage))
}

func TestLedger_CapProperty(t *testing.T) {
	cfg := enabled()
	cfg.Limit = 7
	l := newLedger(t, cfg)
	var next atomic.Uint32

	rapid.Check(t, func(t *rapid.T) {
		id := uint(next.Add(1))
		n := rapid.IntRange(0, 20).Draw(t, "appends")
		for i := 0; i < n; i++ {
			if err := l.Append(context.Background(), id, Event{Type: EventEdit, Prompt: fmt.Sprintf("e%d", i)}); err != nil {
				t.Fatalf("append: %v", err)
			}
		}
		events, err := l.List(context.Background(), id)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		want := min(n, cfg.Limit)
		if len(events) != want {
			t.Fatalf("got %d events, want %d", len(events), want)
		}
		for i, ev := range events {
			if exp := fmt.Sprintf("e%d", n-want+i); ev.Prompt != exp {
				t.Fatalf("event %d = %q, want %q", i, ev.Prompt, exp)
			}
		}
	})
}
