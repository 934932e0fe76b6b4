package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/canasta/internal/assistant"
	"github.com/kalambet/canasta/internal/bus"
	"github.com/kalambet/canasta/internal/session"
	"github.com/kalambet/canasta/internal/storage"
)

type fakeEngine struct {
	mu      sync.Mutex
	threads int
	added   []string
	addErr  error
}

func (f *fakeEngine) CreateThread(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.threads++
	return "thread_new", nil
}

func (f *fakeEngine) AddMessage(_ context.Context, threadID, role, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addErr != nil {
		return f.addErr
	}
	f.added = append(f.added, threadID+"|"+role+"|"+content)
	return nil
}

func (f *fakeEngine) ListRuns(context.Context, string) ([]assistant.Run, error) { return nil, nil }
func (f *fakeEngine) CreateRun(context.Context, string, []assistant.Tool) (assistant.Run, error) {
	return assistant.Run{}, nil
}
func (f *fakeEngine) RetrieveRun(context.Context, string, string) (assistant.Run, error) {
	return assistant.Run{}, nil
}
func (f *fakeEngine) CancelRun(context.Context, string, string) error { return nil }
func (f *fakeEngine) SubmitToolOutputs(context.Context, string, string, []assistant.ToolOutput) (assistant.Run, error) {
	return assistant.Run{}, nil
}
func (f *fakeEngine) LatestMessages(context.Context, string, int) ([]assistant.Message, error) {
	return nil, nil
}

type fakeRunner struct {
	active bool
	reply  string
	err    error
	runs   []string
}

func (f *fakeRunner) ActiveRun(context.Context, string) (assistant.Run, bool, error) {
	if f.active {
		return assistant.Run{ID: "run_busy", Status: assistant.StatusInProgress}, true, nil
	}
	return assistant.Run{}, false, nil
}

func (f *fakeRunner) Run(_ context.Context, threadID string) (assistant.Message, error) {
	f.runs = append(f.runs, threadID)
	if f.err != nil {
		return assistant.Message{}, f.err
	}
	return assistant.Message{Role: assistant.RoleAssistant, Text: f.reply}, nil
}

type fakeEvents struct {
	infos  []string
	errors []string
}

func (f *fakeEvents) Info(_, message, _ string) bool  { f.infos = append(f.infos, message); return true }
func (f *fakeEvents) Error(_, message, _ string) bool { f.errors = append(f.errors, message); return true }

func openStore(t *testing.T) *storage.Store {
	t.Helper()
	st, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func newCache(t *testing.T) *session.Cache {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return session.NewCache(rdb, session.Config{ThreadTTL: time.Hour, LockTTL: time.Minute})
}

func TestHandle_FirstContactCreatesThread(t *testing.T) {
	st := openStore(t)
	eng := &fakeEngine{}
	runner := &fakeRunner{reply: "El arroz cuesta $28.50"}
	ev := &fakeEvents{}
	b := bus.New()
	svc := NewService(eng, runner, st, WithPublisher(b), WithEvents(ev))
	ctx := context.Background()

	reply, err := svc.Handle(ctx, "+573001112233", "¿Cuánto cuesta el arroz?")
	require.NoError(t, err)
	assert.Equal(t, "thread_new", reply.ThreadID)
	assert.Equal(t, "El arroz cuesta $28.50", reply.Text)

	assert.Equal(t, 1, eng.threads)
	assert.Equal(t, []string{"thread_new|user|¿Cuánto cuesta el arroz?"}, eng.added)
	assert.Equal(t, []string{"conversation created"}, ev.infos)

	id, err := st.GetThreadID(ctx, "+573001112233")
	require.NoError(t, err)
	assert.Equal(t, "thread_new", id)

	msgs, err := st.ListMessages(ctx, "thread_new", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, assistant.RoleUser, msgs[0].Role)
	assert.Equal(t, assistant.RoleAssistant, msgs[1].Role)

	userMsgs := b.ByConversation("thread_new")
	require.Len(t, userMsgs, 1)
	assert.Equal(t, bus.TypeUser, userMsgs[0].Type)
}

func TestHandle_ReusesStoredThread(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	require.NoError(t, st.SaveConversation(ctx, "+57300", "thread_old"))

	eng := &fakeEngine{}
	runner := &fakeRunner{reply: "ok"}
	svc := NewService(eng, runner, st)

	reply, err := svc.Handle(ctx, "+57300", "hola")
	require.NoError(t, err)
	assert.Equal(t, "thread_old", reply.ThreadID)
	assert.Zero(t, eng.threads)
	assert.Equal(t, []string{"thread_old"}, runner.runs)
}

func TestHandle_UsesCache(t *testing.T) {
	st := openStore(t)
	cache := newCache(t)
	ctx := context.Background()
	require.NoError(t, cache.SetThreadID(ctx, "+57300", "thread_cached"))

	eng := &fakeEngine{}
	svc := NewService(eng, &fakeRunner{reply: "ok"}, st, WithCache(cache))

	reply, err := svc.Handle(ctx, "+57300", "hola")
	require.NoError(t, err)
	assert.Equal(t, "thread_cached", reply.ThreadID)
	assert.Zero(t, eng.threads)
}

func TestHandle_PopulatesCacheOnFirstContact(t *testing.T) {
	st := openStore(t)
	cache := newCache(t)
	ctx := context.Background()

	svc := NewService(&fakeEngine{}, &fakeRunner{reply: "ok"}, st, WithCache(cache))
	_, err := svc.Handle(ctx, "+57301", "hola")
	require.NoError(t, err)

	id, ok, err := cache.ThreadID(ctx, "+57301")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "thread_new", id)
}

func TestHandle_RejectsWhenRunActive(t *testing.T) {
	st := openStore(t)
	eng := &fakeEngine{}
	runner := &fakeRunner{active: true}
	svc := NewService(eng, runner, st)

	_, err := svc.Handle(context.Background(), "+57300", "hola")
	require.ErrorIs(t, err, ErrRunActive)
	assert.Empty(t, eng.added)
	assert.Empty(t, runner.runs)
}

func TestHandle_RejectsWhenTurnLocked(t *testing.T) {
	st := openStore(t)
	cache := newCache(t)
	ctx := context.Background()
	require.NoError(t, cache.SetThreadID(ctx, "+57300", "thread_busy"))

	release, err := cache.Lock(ctx, "thread_busy")
	require.NoError(t, err)
	defer release(ctx)

	runner := &fakeRunner{reply: "ok"}
	svc := NewService(&fakeEngine{}, runner, st, WithCache(cache))
	_, err = svc.Handle(ctx, "+57300", "hola")
	require.ErrorIs(t, err, ErrRunActive)
	assert.Empty(t, runner.runs)
}

func TestHandle_ReleasesLockAfterTurn(t *testing.T) {
	st := openStore(t)
	cache := newCache(t)
	ctx := context.Background()

	svc := NewService(&fakeEngine{}, &fakeRunner{reply: "ok"}, st, WithCache(cache))
	_, err := svc.Handle(ctx, "+57300", "uno")
	require.NoError(t, err)
	_, err = svc.Handle(ctx, "+57300", "dos")
	require.NoError(t, err)
}

func TestHandle_InvalidInput(t *testing.T) {
	svc := NewService(&fakeEngine{}, &fakeRunner{}, openStore(t))

	_, err := svc.Handle(context.Background(), "", "hola")
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = svc.Handle(context.Background(), "+57300", "   ")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestHandle_RunFailureIsReported(t *testing.T) {
	st := openStore(t)
	ev := &fakeEvents{}
	runErr := &assistant.RunTerminalError{RunID: "run_1", Status: assistant.StatusFailed}
	svc := NewService(&fakeEngine{}, &fakeRunner{err: runErr}, st, WithEvents(ev))

	_, err := svc.Handle(context.Background(), "+57300", "hola")
	var term *assistant.RunTerminalError
	require.ErrorAs(t, err, &term)
	assert.Equal(t, []string{"running assistant"}, ev.errors)

	msgs, err := st.ListMessages(context.Background(), "thread_new", 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 1, "only the user message is stored")
}

func TestHandle_AddMessageFailure(t *testing.T) {
	addErr := errors.New("thread locked by run")
	runner := &fakeRunner{reply: "ok"}
	svc := NewService(&fakeEngine{addErr: addErr}, runner, openStore(t))

	_, err := svc.Handle(context.Background(), "+57300", "hola")
	require.ErrorIs(t, err, addErr)
	assert.Empty(t, runner.runs)
}

func TestHistory(t *testing.T) {
	st := openStore(t)
	svc := NewService(&fakeEngine{}, &fakeRunner{reply: "respuesta"}, st)
	ctx := context.Background()

	_, err := svc.History(ctx, "+57300", 10)
	require.ErrorIs(t, err, storage.ErrNotFound)

	_, err = svc.Handle(ctx, "+57300", "pregunta")
	require.NoError(t, err)

	msgs, err := svc.History(ctx, "+57300", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "pregunta", msgs[0].Content)
	assert.Equal(t, "respuesta", msgs[1].Content)
}

// engineLikeRunner reports a run as active while one is in flight, like the
// engine does, and counts runs that would have been cancelled by an overlap.
type engineLikeRunner struct {
	mu        sync.Mutex
	inFlight  int
	overlaps  int
	completed int
	started   chan struct{}
	release   chan struct{}
}

func (r *engineLikeRunner) ActiveRun(context.Context, string) (assistant.Run, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inFlight > 0 {
		return assistant.Run{ID: "run_a", Status: assistant.StatusInProgress}, true, nil
	}
	return assistant.Run{}, false, nil
}

func (r *engineLikeRunner) Run(context.Context, string) (assistant.Message, error) {
	r.mu.Lock()
	r.inFlight++
	if r.inFlight > 1 {
		r.overlaps++
	}
	r.mu.Unlock()

	r.started <- struct{}{}
	<-r.release

	r.mu.Lock()
	r.inFlight--
	r.completed++
	r.mu.Unlock()
	return assistant.Message{Role: assistant.RoleAssistant, Text: "ok"}, nil
}

func TestHandle_SerializesTurnsWithoutCache(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	require.NoError(t, st.SaveConversation(ctx, "+573001112233", "thread_1"))

	runner := &engineLikeRunner{started: make(chan struct{}, 2), release: make(chan struct{})}
	svc := NewService(&fakeEngine{}, runner, st)

	errs := make(chan error, 2)
	go func() {
		_, err := svc.Handle(ctx, "+573001112233", "arroz")
		errs <- err
	}()
	<-runner.started

	go func() {
		_, err := svc.Handle(ctx, "+573001112233", "frijol")
		errs <- err
	}()
	require.Eventually(t, func() bool { return svc.turns.pending("thread_1") == 2 },
		time.Second, time.Millisecond, "second turn should wait for the first")

	close(runner.release)
	for i := 0; i < 2; i++ {
		require.NoError(t, <-errs)
	}

	assert.Zero(t, runner.overlaps, "a turn started while another run was in flight")
	assert.Equal(t, 2, runner.completed)
	assert.Zero(t, svc.turns.pending("thread_1"))
}

func TestTurnLocks_WaitHonoursContext(t *testing.T) {
	var locks turnLocks
	unlock, err := locks.lock(context.Background(), "thread_1")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = locks.lock(ctx, "thread_1")
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, locks.pending("thread_1"))

	other, err := locks.lock(ctx, "thread_2")
	require.NoError(t, err, "a free thread is granted even to a done context")
	other()

	unlock()
	assert.Zero(t, locks.pending("thread_1"))
}
