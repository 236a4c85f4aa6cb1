package runner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceedaragents/cyrus/internal/session"
)

type scriptedRunner struct {
	events    []Event
	streaming bool
	blocking  bool
	startErr  error

	mu      sync.Mutex
	prompts []string
	stops   int
	stopCh  chan struct{}
	closed  bool
	running bool
}

func newScriptedRunner(streaming, blocking bool, events ...Event) *scriptedRunner {
	return &scriptedRunner{events: events, streaming: streaming, blocking: blocking, stopCh: make(chan struct{})}
}

func (r *scriptedRunner) Start(ctx context.Context, prompt string, onEvent func(Event)) error {
	r.mu.Lock()
	r.prompts = append(r.prompts, prompt)
	r.running = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()
	for _, ev := range r.events {
		onEvent(ev)
	}
	if r.blocking {
		select {
		case <-ctx.Done():
		case <-r.stopCh:
		}
	}
	return r.startErr
}

func (r *scriptedRunner) AddStreamMessage(ctx context.Context, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prompts = append(r.prompts, text)
	return nil
}

func (r *scriptedRunner) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stops++
	if !r.closed {
		r.closed = true
		close(r.stopCh)
	}
	return nil
}

func (r *scriptedRunner) SupportsStreamingInput() bool { return r.streaming }

func (r *scriptedRunner) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *scriptedRunner) stopCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stops
}

func (r *scriptedRunner) promptList() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.prompts))
	copy(out, r.prompts)
	return out
}

type queueFactory struct {
	mu    sync.Mutex
	queue []*scriptedRunner
}

func (f *queueFactory) Create(selection session.RunnerSelection, opts StartOptions) (Runner, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		return nil, ErrRunnerUnavailable
	}
	r := f.queue[0]
	f.queue = f.queue[1:]
	return r, nil
}

func (f *queueFactory) Available(rt session.RunnerType) bool { return true }

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) HandleRunnerEvent(ctx context.Context, sessionID string, ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) kinds() []EventKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EventKind, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Kind
	}
	return out
}

func testSession(id string) *session.AgentSession {
	return &session.AgentSession{SessionID: id, Status: session.StatusActive}
}

func TestEnsureRunnerSpawnsAndForwardsInOrder(t *testing.T) {
	r := newScriptedRunner(true, false,
		Event{Kind: KindSession, RunnerSessionID: "r-1"},
		Event{Kind: KindThought, Text: "a"},
		Event{Kind: KindFinal, Subtype: SubtypeSuccess},
	)
	sink := &recordingSink{}
	sup := NewSupervisor(&queueFactory{queue: []*scriptedRunner{r}}, sink, time.Second, nil)

	spawned, err := sup.EnsureRunner(context.Background(), testSession("s1"), session.RunnerSelection{Runner: session.RunnerClaude}, "hello", StartOptions{})
	require.NoError(t, err)
	assert.True(t, spawned)

	require.Eventually(t, func() bool { return len(sink.kinds()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []EventKind{KindSession, KindThought, KindFinal}, sink.kinds())

	// The final event releases the subprocess and the handle.
	require.Eventually(t, func() bool { return !sup.IsRunning("s1") }, time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, r.stopCount(), 1)
}

func TestEnsureRunnerStreamsIntoRunningSession(t *testing.T) {
	r := newScriptedRunner(true, true)
	sup := NewSupervisor(&queueFactory{queue: []*scriptedRunner{r}}, &recordingSink{}, time.Second, nil)
	sess := testSession("s2")

	spawned, err := sup.EnsureRunner(context.Background(), sess, session.RunnerSelection{}, "first", StartOptions{})
	require.NoError(t, err)
	assert.True(t, spawned)
	require.Eventually(t, func() bool { return r.IsRunning() }, time.Second, 5*time.Millisecond)

	spawned, err = sup.EnsureRunner(context.Background(), sess, session.RunnerSelection{}, "second", StartOptions{})
	require.NoError(t, err)
	assert.False(t, spawned, "prompt streamed, no new subprocess")
	assert.Equal(t, []string{"first", "second"}, r.promptList())
}

func TestEnsureRunnerRejectsSecondNonStreamingStart(t *testing.T) {
	r := newScriptedRunner(false, true)
	sup := NewSupervisor(&queueFactory{queue: []*scriptedRunner{r}}, &recordingSink{}, time.Second, nil)
	sess := testSession("s3")

	_, err := sup.EnsureRunner(context.Background(), sess, session.RunnerSelection{}, "first", StartOptions{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return r.IsRunning() }, time.Second, 5*time.Millisecond)

	_, err = sup.EnsureRunner(context.Background(), sess, session.RunnerSelection{}, "second", StartOptions{})
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestStopIsIdempotentAndSuppressesLateErrors(t *testing.T) {
	r := newScriptedRunner(true, true)
	sink := &recordingSink{}
	sup := NewSupervisor(&queueFactory{queue: []*scriptedRunner{r}}, sink, time.Second, nil)
	sess := testSession("s4")

	_, err := sup.EnsureRunner(context.Background(), sess, session.RunnerSelection{}, "go", StartOptions{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return r.IsRunning() }, time.Second, 5*time.Millisecond)

	require.NoError(t, sup.Stop(context.Background(), "s4"))
	require.NoError(t, sup.Stop(context.Background(), "s4"))
	assert.Equal(t, 1, r.stopCount())
	assert.False(t, sup.IsRunning("s4"))

	for _, ev := range sink.kinds() {
		assert.NotEqual(t, KindError, ev, "post-stop errors must be suppressed")
	}
}

func TestPostFinalTeardownErrorSuppressed(t *testing.T) {
	r := newScriptedRunner(true, true, Event{Kind: KindFinal, Subtype: SubtypeSuccess})
	r.startErr = errors.New("signal: interrupt")
	sink := &recordingSink{}
	sup := NewSupervisor(&queueFactory{queue: []*scriptedRunner{r}}, sink, time.Second, nil)

	_, err := sup.EnsureRunner(context.Background(), testSession("s6"), session.RunnerSelection{}, "go", StartOptions{})
	require.NoError(t, err)

	// The final event releases the subprocess; wait for the forwarder to
	// drain and release the handle.
	require.Eventually(t, func() bool {
		sup.mu.Lock()
		defer sup.mu.Unlock()
		_, ok := sup.handles["s6"]
		return !ok
	}, time.Second, 5*time.Millisecond)

	assert.GreaterOrEqual(t, r.stopCount(), 1)
	assert.Equal(t, []EventKind{KindFinal}, sink.kinds(),
		"the process-exit error after a successful final must not reach the sink")
}

func TestStopWithoutRunnerIsNoOp(t *testing.T) {
	sup := NewSupervisor(&queueFactory{}, &recordingSink{}, time.Second, nil)
	assert.NoError(t, sup.Stop(context.Background(), "missing"))
}

func TestFactoryErrorPropagates(t *testing.T) {
	sup := NewSupervisor(&queueFactory{}, &recordingSink{}, time.Second, nil)
	_, err := sup.EnsureRunner(context.Background(), testSession("s5"), session.RunnerSelection{}, "go", StartOptions{})
	assert.ErrorIs(t, err, ErrRunnerUnavailable)
}
