package eventlog

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/canasta/internal/bus"
	"github.com/kalambet/canasta/internal/storage"
)

type fakeWriter struct {
	mu      sync.Mutex
	entries []storage.LogEntry
	batches int
	err     error
}

func (f *fakeWriter) InsertLogs(_ context.Context, entries []storage.LogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches++
	if f.err != nil {
		return f.err
	}
	f.entries = append(f.entries, entries...)
	return nil
}

func (f *fakeWriter) snapshot() []storage.LogEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]storage.LogEntry(nil), f.entries...)
}

func runSink(t *testing.T, s *Sink) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	return func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("sink did not stop")
		}
	}
}

func TestSink_FlushesOnShutdown(t *testing.T) {
	w := &fakeWriter{}
	s := NewSink(w, WithBatch(100, time.Hour))
	stop := runSink(t, s)

	assert.True(t, s.Info("chat", "conversation created", ""))
	assert.True(t, s.Error("assistant", "run failed", `{"status":"failed"}`))
	stop()

	got := w.snapshot()
	require.Len(t, got, 2)
	assert.Equal(t, TypeInfo, got[0].Type)
	assert.Equal(t, "conversation created", got[0].Message)
	assert.Equal(t, TypeError, got[1].Type)
	assert.False(t, got[1].CreatedAt.IsZero())
}

func TestSink_FlushesFullBatch(t *testing.T) {
	w := &fakeWriter{}
	s := NewSink(w, WithBatch(2, time.Hour))
	stop := runSink(t, s)
	defer stop()

	s.SQL("pricing", "SELECT 1 FROM price_data", "")
	s.SQL("pricing", "SELECT 2 FROM price_data", "")

	require.Eventually(t, func() bool { return len(w.snapshot()) == 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestSink_FlushesOnInterval(t *testing.T) {
	w := &fakeWriter{}
	s := NewSink(w, WithBatch(100, 10*time.Millisecond))
	stop := runSink(t, s)
	defer stop()

	s.Info("api", "started", "")
	require.Eventually(t, func() bool { return len(w.snapshot()) == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestSink_DropsWhenFull(t *testing.T) {
	s := NewSink(&fakeWriter{}, WithQueueSize(1))

	assert.True(t, s.Info("a", "first", ""))
	assert.False(t, s.Info("a", "second", ""))
	assert.Equal(t, int64(1), s.Dropped())
}

func TestSink_WriterErrorDoesNotStopLoop(t *testing.T) {
	w := &fakeWriter{err: errors.New("disk full")}
	s := NewSink(w, WithBatch(1, time.Hour))
	stop := runSink(t, s)

	s.Info("a", "one", "")
	require.Eventually(t, func() bool {
		w.mu.Lock()
		defer w.mu.Unlock()
		return w.batches == 1
	}, 2*time.Second, 5*time.Millisecond)

	w.mu.Lock()
	w.err = nil
	w.mu.Unlock()
	s.Info("a", "two", "")
	stop()

	got := w.snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, "two", got[0].Message)
}

func TestObserver_ClassifiesBusMessages(t *testing.T) {
	w := &fakeWriter{}
	s := NewSink(w)
	b := bus.New(bus.WithObserver(s.Observer()))

	b.Publish(bus.NewMessage(bus.AgentPricing, bus.AgentPricing, bus.TypeQuery, "t1",
		bus.NewSearchAttempt(1, "arroz", "SELECT 1 FROM price_data")))
	b.Publish(bus.NewMessage(bus.AgentPricing, bus.AgentPricing, bus.TypeError, "t1",
		bus.NewSearchError(1, "arroz", "boom", "execution")))
	b.Publish(bus.NewMessage(bus.AgentMain, bus.AgentUser, bus.TypeAssistant, "t1", "hola"))

	stop := runSink(t, s)
	stop()

	got := w.snapshot()
	require.Len(t, got, 3)
	assert.Equal(t, TypeSQL, got[0].Type)
	assert.Equal(t, TypeError, got[1].Type)
	assert.Equal(t, TypeAgent, got[2].Type)
	assert.Equal(t, bus.AgentMain+"->"+bus.AgentUser, got[2].Source)
	assert.Equal(t, "assistant", got[2].Message)
	assert.Equal(t, "hola", got[2].Details)
}

func TestSink_WritesToSQLite(t *testing.T) {
	st, err := storage.Open(":memory:")
	require.NoError(t, err)
	defer st.Close()

	s := NewSink(st)
	stop := runSink(t, s)
	s.Info("chat", "turn handled", "")
	s.Error("chat", "engine unavailable", "")
	stop()

	logs, err := st.RecentLogs(context.Background(), TypeError, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "engine unavailable", logs[0].Message)

	all, err := st.RecentLogs(context.Background(), "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
