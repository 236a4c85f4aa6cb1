package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"github.com/ceedaragents/cyrus/internal/common/config"
	"github.com/ceedaragents/cyrus/internal/persistence"
	"github.com/ceedaragents/cyrus/internal/runner"
	"github.com/ceedaragents/cyrus/internal/session"
	"github.com/ceedaragents/cyrus/internal/tracker"
)

// postedActivity is one recorded tracker call.
type postedActivity struct {
	SessionID string
	Activity  tracker.Activity
}

type fakeTracker struct {
	mu         sync.Mutex
	activities []postedActivity
	comments   map[string][]string
	issues     map[string]*tracker.Issue
	failPosts  bool
	nextID     int
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{
		comments: make(map[string][]string),
		issues:   make(map[string]*tracker.Issue),
	}
}

func (f *fakeTracker) CreateActivity(ctx context.Context, sessionID string, activity tracker.Activity) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPosts {
		return "", fmt.Errorf("tracker unavailable")
	}
	f.nextID++
	f.activities = append(f.activities, postedActivity{SessionID: sessionID, Activity: activity})
	return fmt.Sprintf("act-%d", f.nextID), nil
}

func (f *fakeTracker) FetchIssue(ctx context.Context, issueID string) (*tracker.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if issue, ok := f.issues[issueID]; ok {
		cp := *issue
		return &cp, nil
	}
	return nil, fmt.Errorf("issue %s not found", issueID)
}

func (f *fakeTracker) FetchLabels(ctx context.Context, workspaceID string) ([]tracker.Label, error) {
	return nil, nil
}

func (f *fakeTracker) CreateComment(ctx context.Context, issueID, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.comments[issueID] = append(f.comments[issueID], body)
	return nil
}

func (f *fakeTracker) posted(sessionID string) []postedActivity {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []postedActivity
	for _, a := range f.activities {
		if a.SessionID == sessionID {
			out = append(out, a)
		}
	}
	return out
}

func (f *fakeTracker) postedOfType(sessionID string, typ tracker.ActivityType) []postedActivity {
	var out []postedActivity
	for _, a := range f.posted(sessionID) {
		if a.Activity.Type == typ {
			out = append(out, a)
		}
	}
	return out
}

// fakeRunner replays a scripted event sequence, then blocks until stopped
// when blocking is set.
type fakeRunner struct {
	events   []runner.Event
	blocking bool

	mu      sync.Mutex
	prompts []string
	stops   int
	stopCh  chan struct{}
	running bool
	stopped bool
}

func newFakeRunner(blocking bool, events ...runner.Event) *fakeRunner {
	return &fakeRunner{events: events, blocking: blocking, stopCh: make(chan struct{})}
}

func (r *fakeRunner) Start(ctx context.Context, prompt string, onEvent func(runner.Event)) error {
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
	return nil
}

func (r *fakeRunner) AddStreamMessage(ctx context.Context, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prompts = append(r.prompts, text)
	return nil
}

func (r *fakeRunner) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stops++
	if !r.stopped {
		r.stopped = true
		close(r.stopCh)
	}
	return nil
}

func (r *fakeRunner) SupportsStreamingInput() bool { return true }

func (r *fakeRunner) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *fakeRunner) stopCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stops
}

func (r *fakeRunner) promptList() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.prompts))
	copy(out, r.prompts)
	return out
}

// fakeFactory hands out scripted runners in creation order; when the script
// is exhausted it creates silent blocking runners.
type fakeFactory struct {
	mu      sync.Mutex
	queue   []*fakeRunner
	created []*fakeRunner
}

func (f *fakeFactory) enqueue(r *fakeRunner) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = append(f.queue, r)
}

func (f *fakeFactory) Create(selection session.RunnerSelection, opts runner.StartOptions) (runner.Runner, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var r *fakeRunner
	if len(f.queue) > 0 {
		r = f.queue[0]
		f.queue = f.queue[1:]
	} else {
		r = newFakeRunner(true)
	}
	f.created = append(f.created, r)
	return r, nil
}

func (f *fakeFactory) Available(rt session.RunnerType) bool { return true }

func (f *fakeFactory) createdCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func (f *fakeFactory) runnerAt(i int) *fakeRunner {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.created) {
		return nil
	}
	return f.created[i]
}

type fakeWorkspaces struct{}

func (fakeWorkspaces) EnsureWorkspace(ctx context.Context, repo *config.Repository, issue *tracker.Issue) (*session.Workspace, error) {
	return &session.Workspace{Path: "/tmp/ws/" + issue.Identifier, IsGitWorktree: true}, nil
}

// memSnapshots is an in-memory SnapshotStore.
type memSnapshots struct {
	mu    sync.Mutex
	state *persistence.State
	saves int
}

func (m *memSnapshots) Save(ctx context.Context, state *persistence.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = state
	m.saves++
	return nil
}

func (m *memSnapshots) Load(ctx context.Context) (*persistence.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return persistence.NewState(), nil
	}
	return m.state, nil
}
