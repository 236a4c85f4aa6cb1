package persistence

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceedaragents/cyrus/internal/session"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := OpenSQLite(filepath.Join(t.TempDir(), "cyrus.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestLoadEmptyDatabase(t *testing.T) {
	store := openTestStore(t)

	state, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, state.Repositories)
	assert.NotNil(t, state.SessionRunnerSelections)
	assert.NotNil(t, state.IssueRepositoryCache)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	store := openTestStore(t)

	st := NewState()
	st.Repositories["repo-1"] = session.Snapshot{
		Sessions: map[string]*session.AgentSession{
			"as-1": {
				SessionID:    "as-1",
				RepositoryID: "repo-1",
				IssueID:      "iss-1",
				Status:       session.StatusActive,
				CreatedAt:    time.Now().UTC().Truncate(time.Second),
			},
		},
		Entries: map[string][]session.Entry{
			"as-1": {{Type: session.EntryAssistant, Content: "hi", TrackerActivityID: "act-1"}},
		},
	}
	st.SessionRunnerSelections["as-1"] = session.RunnerSelection{
		Runner: session.RunnerClaude,
		Model:  "opus",
	}
	st.ChildToParentLinks["as-2"] = "as-1"
	st.StopRequestedSessions = []string{"as-3"}
	st.CodexSessionCache["as-4"] = "codex-abc"
	st.IssueRepositoryCache["iss-1"] = "repo-1"

	require.NoError(t, store.Save(context.Background(), st))

	got, err := store.Load(context.Background())
	require.NoError(t, err)

	require.Contains(t, got.Repositories, "repo-1")
	sess := got.Repositories["repo-1"].Sessions["as-1"]
	require.NotNil(t, sess)
	assert.Equal(t, session.StatusActive, sess.Status)
	assert.Equal(t, "iss-1", sess.IssueID)
	assert.Len(t, got.Repositories["repo-1"].Entries["as-1"], 1)
	assert.Equal(t, session.RunnerClaude, got.SessionRunnerSelections["as-1"].Runner)
	assert.Equal(t, "as-1", got.ChildToParentLinks["as-2"])
	assert.Equal(t, []string{"as-3"}, got.StopRequestedSessions)
	assert.Equal(t, "codex-abc", got.CodexSessionCache["as-4"])
	assert.Equal(t, "repo-1", got.IssueRepositoryCache["iss-1"])
}

func TestSaveOverwritesPreviousSnapshot(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	first := NewState()
	first.IssueRepositoryCache["iss-1"] = "repo-a"
	require.NoError(t, store.Save(ctx, first))

	second := NewState()
	second.IssueRepositoryCache["iss-1"] = "repo-b"
	require.NoError(t, store.Save(ctx, second))

	got, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "repo-b", got.IssueRepositoryCache["iss-1"])
}

type recordingSaver struct {
	mu    sync.Mutex
	saves int
}

func (r *recordingSaver) Save(ctx context.Context, state *State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saves++
	return nil
}

func (r *recordingSaver) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saves
}

func TestWriterCoalescesAndFlushesOnShutdown(t *testing.T) {
	saver := &recordingSaver{}
	w := NewWriter(saver, NewState, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()

	for i := 0; i < 10; i++ {
		w.Notify()
	}

	require.Eventually(t, func() bool { return saver.count() >= 1 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("writer did not stop")
	}

	// At least one notification-driven save plus the shutdown flush.
	assert.GreaterOrEqual(t, saver.count(), 2)
}
