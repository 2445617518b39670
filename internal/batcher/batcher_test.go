package batcher

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

type recorder struct {
	mu        sync.Mutex
	batches   []string
	completes int
}

func (r *recorder) onBatch(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, s)
}

func (r *recorder) onComplete() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completes++
}

func (r *recorder) snapshot() ([]string, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.batches...), r.completes
}

func TestFlushOnBatchSize(t *testing.T) {
	rec := &recorder{}
	b := New(Config{BatchSize: 3, FlushInterval: time.Hour}, rec.onBatch, rec.onComplete)

	for _, tok := range []string{"He", "l", "lo", " wo", "rld"} {
		b.AddToken(tok)
	}

	batches, _ := rec.snapshot()
	assert.Equal(t, []string{"Hello"}, batches)

	b.Complete()
	batches, completes := rec.snapshot()
	assert.Equal(t, []string{"Hello", " world"}, batches)
	assert.Equal(t, 1, completes)
	assert.Equal(t, Stats{Tokens: 5, Batches: 2}, b.Stats())
}

func TestFlushOnInterval(t *testing.T) {
	rec := &recorder{}
	b := New(Config{BatchSize: 100, FlushInterval: 10 * time.Millisecond}, rec.onBatch, rec.onComplete)

	b.AddToken("a")
	b.AddToken("b")

	require.Eventually(t, func() bool {
		batches, _ := rec.snapshot()
		return len(batches) == 1
	}, time.Second, 5*time.Millisecond)

	batches, completes := rec.snapshot()
	assert.Equal(t, []string{"ab"}, batches)
	assert.Zero(t, completes)
}

func TestFlushIntervalCountsFromLastFlush(t *testing.T) {
	rec := &recorder{}
	b := New(Config{BatchSize: 2, FlushInterval: time.Hour}, rec.onBatch, rec.onComplete)

	clock := time.Now()
	b.now = func() time.Time { return clock }

	b.AddToken("a")
	b.AddToken("b")
	batches, _ := rec.snapshot()
	require.Equal(t, []string{"ab"}, batches)

	// A token arriving a full interval after the last flush goes out at once.
	clock = clock.Add(time.Hour)
	b.AddToken("c")
	batches, _ = rec.snapshot()
	assert.Equal(t, []string{"ab", "c"}, batches)

	// One arriving sooner waits for the rest of the interval.
	clock = clock.Add(time.Minute)
	b.AddToken("d")
	batches, _ = rec.snapshot()
	assert.Equal(t, []string{"ab", "c"}, batches)

	b.Complete()
	batches, _ = rec.snapshot()
	assert.Equal(t, []string{"ab", "c", "d"}, batches)
}

func TestCompleteIsIdempotent(t *testing.T) {
	rec := &recorder{}
	b := New(Config{BatchSize: 8, FlushInterval: time.Hour}, rec.onBatch, rec.onComplete)

	b.AddToken("x")
	b.Complete()
	b.Complete()
	b.AddToken("late")
	b.Complete()

	batches, completes := rec.snapshot()
	assert.Equal(t, []string{"x"}, batches)
	assert.Equal(t, 1, completes)
}

func TestCompleteWithEmptyBufferEmitsNoBatch(t *testing.T) {
	rec := &recorder{}
	b := New(Config{BatchSize: 2, FlushInterval: time.Hour}, rec.onBatch, rec.onComplete)

	b.AddToken("a")
	b.AddToken("b")
	b.Complete()

	batches, completes := rec.snapshot()
	assert.Equal(t, []string{"ab"}, batches)
	assert.Equal(t, 1, completes)
}

func TestAbortDiscardsBuffer(t *testing.T) {
	rec := &recorder{}
	b := New(Config{BatchSize: 100, FlushInterval: 10 * time.Millisecond}, rec.onBatch, rec.onComplete)

	b.AddToken("never")
	b.Abort()
	b.AddToken("shown")
	b.Complete()

	time.Sleep(30 * time.Millisecond)
	batches, completes := rec.snapshot()
	assert.Empty(t, batches)
	assert.Zero(t, completes, "complete after abort does not fire")
}

func TestDefaultsApplied(t *testing.T) {
	b := New(Config{}, nil, nil)
	assert.Equal(t, DefaultConfig(), b.cfg)

	b.AddToken("no callbacks")
	b.Complete()
}

// The concatenation of all batches equals the concatenation of all tokens,
// whatever mix of size and timer flushes happened.
func TestConcatenationInvariant(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		tokens := rapid.SliceOf(rapid.String()).Draw(t, "tokens")
		size := rapid.IntRange(1, 10).Draw(t, "size")
		interval := time.Duration(rapid.IntRange(1, 3).Draw(t, "interval_ms")) * time.Millisecond

		rec := &recorder{}
		b := New(Config{BatchSize: size, FlushInterval: interval}, rec.onBatch, rec.onComplete)
		for i, tok := range tokens {
			b.AddToken(tok)
			if i%5 == 4 {
				time.Sleep(time.Millisecond)
			}
		}
		b.Complete()

		batches, completes := rec.snapshot()
		if got, want := strings.Join(batches, ""), strings.Join(tokens, ""); got != want {
			t.Fatalf("batched text %q, want %q", got, want)
		}
		if completes != 1 {
			t.Fatalf("onComplete fired %d times", completes)
		}
		for _, batch := range batches {
			if batch == "" {
				t.Fatalf("empty batch emitted")
			}
		}
	})
}
