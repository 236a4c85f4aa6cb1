package orchestrator

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceedaragents/cyrus/internal/common/config"
	"github.com/ceedaragents/cyrus/internal/events"
	"github.com/ceedaragents/cyrus/internal/events/bus"
	"github.com/ceedaragents/cyrus/internal/runner"
	"github.com/ceedaragents/cyrus/internal/session"
	"github.com/ceedaragents/cyrus/internal/tracker"
)

type testEnv struct {
	service *Service
	tracker *fakeTracker
	factory *fakeFactory
	bus     bus.EventBus
}

func newTestEnv(t *testing.T, repos []*config.Repository) *testEnv {
	t.Helper()
	cfg := &config.Config{
		Worker: config.WorkerConfig{
			DrainTimeout:    1,
			SessionTTL:      24,
			SelectionTTL:    24,
			CleanupInterval: 60,
		},
	}
	trk := newFakeTracker()
	factory := &fakeFactory{}
	eventBus := newTestBus()
	svc := New(cfg, repos, eventBus, trk, factory, fakeWorkspaces{}, &memSnapshots{}, nil)
	return &testEnv{service: svc, tracker: trk, factory: factory, bus: eventBus}
}

// newTestBus is a minimal synchronous bus so outbound publishes succeed.
type testBus struct{}

func newTestBus() bus.EventBus { return testBus{} }

func (testBus) Publish(ctx context.Context, subject string, event *bus.Event) error { return nil }
func (testBus) Subscribe(subject string, handler bus.EventHandler) (bus.Subscription, error) {
	return nil, nil
}
func (testBus) QueueSubscribe(subject, queue string, handler bus.EventHandler) (bus.Subscription, error) {
	return nil, nil
}
func (testBus) Close()            {}
func (testBus) IsConnected() bool { return true }

func singleRepo() []*config.Repository {
	return []*config.Repository{{
		ID:                 "repo-api",
		Name:               "api",
		RepoPath:           "/srv/api",
		TrackerWorkspaceID: "ws-1",
		TeamKeys:           []string{"API"},
		IsActive:           true,
	}}
}

func (e *testEnv) addSession(t *testing.T, repoID, sessionID, issueID string) *session.AgentSession {
	t.Helper()
	store := e.service.storeFor(repoID)
	require.NotNil(t, store)
	store.Add(&session.AgentSession{
		SessionID: sessionID,
		IssueID:   issueID,
		Issue:     session.Issue{ID: issueID, Identifier: issueID},
		Workspace: session.Workspace{Path: "/tmp/ws"},
		Status:    session.StatusActive,
		Platform:  session.PlatformTracker,
	})
	e.service.mu.Lock()
	e.service.sessionRepo[sessionID] = repoID
	e.service.mu.Unlock()
	sess, err := store.Get(sessionID)
	require.NoError(t, err)
	return sess
}

func (e *testEnv) attachRunner(t *testing.T, sess *session.AgentSession, r *fakeRunner) {
	t.Helper()
	e.factory.enqueue(r)
	require.NoError(t, e.service.continueSession(context.Background(), sess, "begin", false))
	require.Eventually(t, func() bool { return r.IsRunning() }, time.Second, 5*time.Millisecond)
}

func (e *testEnv) status(t *testing.T, sessionID string) session.Status {
	t.Helper()
	_, sess := e.service.lookupSession(sessionID)
	require.NotNil(t, sess)
	return sess.Status
}

func promptedEvent(agentSessionID, issueID, body, signal string) *bus.Event {
	return bus.NewEvent(events.WebhookSessionPrompted, "test", map[string]interface{}{
		"workspaceId":    "ws-1",
		"agentSessionId": agentSessionID,
		"issueId":        issueID,
		"activity": map[string]interface{}{
			"body":   body,
			"signal": signal,
		},
	})
}

func TestStopPropagationAcrossSessionTree(t *testing.T) {
	env := newTestEnv(t, singleRepo())
	ctx := context.Background()

	p := env.addSession(t, "repo-api", "as-p", "iss-1")
	c1 := env.addSession(t, "repo-api", "as-c1", "iss-2")
	c2 := env.addSession(t, "repo-api", "as-c2", "iss-3")
	g := env.addSession(t, "repo-api", "as-g", "iss-4")
	env.service.links.Link("as-c1", "as-p")
	env.service.links.Link("as-c2", "as-p")
	env.service.links.Link("as-g", "as-c1")

	runners := make(map[string]*fakeRunner)
	for _, sess := range []*session.AgentSession{p, c1, c2, g} {
		r := newFakeRunner(true)
		runners[sess.SessionID] = r
		env.attachRunner(t, sess, r)
	}

	require.NoError(t, env.service.handleWebhook(ctx, promptedEvent("as-p", "iss-1", "", "stop")))

	for id, r := range runners {
		assert.Equal(t, session.StatusStopped, env.status(t, id), id)
		assert.Equal(t, 1, r.stopCount(), id)
	}

	// Exactly one visible "stopped" response, on the targeted session only.
	assert.Len(t, env.tracker.postedOfType("as-p", tracker.ActivityResponse), 1)
	for _, id := range []string{"as-c1", "as-c2", "as-g"} {
		assert.Empty(t, env.tracker.postedOfType(id, tracker.ActivityResponse), id)
	}
}

func TestMissingSessionRecovery(t *testing.T) {
	env := newTestEnv(t, singleRepo())
	env.tracker.issues["iss-9"] = &tracker.Issue{
		ID:         "iss-9",
		Identifier: "API-9",
		Title:      "Fix the flaky test",
		TeamKey:    "API",
	}

	require.NoError(t, env.service.handleWebhook(context.Background(),
		promptedEvent("as-new", "iss-9", "please continue the fix", "")))

	_, sess := env.service.lookupSession("as-new")
	require.NotNil(t, sess, "replacement session should be synthesized")
	assert.Equal(t, session.StatusActive, sess.Status)
	assert.Equal(t, "repo-api", sess.RepositoryID)

	// A visible acknowledgement was posted.
	thoughts := env.tracker.postedOfType("as-new", tracker.ActivityThought)
	require.NotEmpty(t, thoughts)
	assert.Contains(t, thoughts[0].Activity.Body, "API-9")

	// The continuation prompt reached a freshly spawned runner.
	require.Equal(t, 1, env.factory.createdCount())
	require.Eventually(t, func() bool {
		prompts := env.factory.runnerAt(0).promptList()
		return len(prompts) == 1 && strings.Contains(prompts[0], "please continue the fix")
	}, time.Second, 5*time.Millisecond)
}

func TestTerminalErrorTransition(t *testing.T) {
	env := newTestEnv(t, singleRepo())
	sess := env.addSession(t, "repo-api", "as-7", "iss-7")

	r := newFakeRunner(false, runner.Event{
		Kind:         runner.KindFinal,
		Subtype:      runner.SubtypeErrorMaxTurns,
		ErrorMessage: "Reached max turns",
	})
	env.factory.enqueue(r)
	require.NoError(t, env.service.continueSession(context.Background(), sess, "go", false))

	require.Eventually(t, func() bool {
		return env.status(t, "as-7") == session.StatusError
	}, time.Second, 5*time.Millisecond)

	errs := env.tracker.postedOfType("as-7", tracker.ActivityError)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Activity.Body, "max")

	// Terminal status never changes again.
	env.service.HandleRunnerEvent(context.Background(), "as-7", runner.Event{
		Kind:    runner.KindFinal,
		Subtype: runner.SubtypeSuccess,
		Result:  "late success",
	})
	assert.Equal(t, session.StatusError, env.status(t, "as-7"))
}

func TestParentResumeOncePerChildSuccess(t *testing.T) {
	env := newTestEnv(t, singleRepo())
	ctx := context.Background()

	parent := env.addSession(t, "repo-api", "as-parent", "iss-p")
	env.addSession(t, "repo-api", "as-child", "iss-c")
	env.service.links.Link("as-child", "as-parent")

	parentRunner := newFakeRunner(true)
	env.attachRunner(t, parent, parentRunner)

	final := runner.Event{Kind: runner.KindFinal, Subtype: runner.SubtypeSuccess, Result: "child done"}
	env.service.HandleRunnerEvent(ctx, "as-child", final)
	env.service.HandleRunnerEvent(ctx, "as-child", final)

	require.Eventually(t, func() bool {
		return len(parentRunner.promptList()) >= 2
	}, time.Second, 5*time.Millisecond)

	prompts := parentRunner.promptList()
	require.Len(t, prompts, 2, "exactly one resume after the initial prompt")
	assert.Contains(t, prompts[1], "as-child")
	assert.Contains(t, prompts[1], "child done")
	assert.Contains(t, prompts[1], "subroutine_directive")
}

func TestFailedPostStoresNoEntry(t *testing.T) {
	env := newTestEnv(t, singleRepo())
	env.addSession(t, "repo-api", "as-post", "iss-post")
	env.tracker.failPosts = true

	env.service.HandleRunnerEvent(context.Background(), "as-post", runner.Event{
		Kind: runner.KindThought,
		Text: "thinking about it",
	})

	store := env.service.storeFor("repo-api")
	assert.Empty(t, store.Entries("as-post"))
}

func TestSessionCreatedRoutesAndStartsRunner(t *testing.T) {
	env := newTestEnv(t, singleRepo())
	env.tracker.issues["iss-1"] = &tracker.Issue{
		ID:         "iss-1",
		Identifier: "API-1",
		Title:      "Add pagination",
		TeamKey:    "API",
	}

	event := bus.NewEvent(events.WebhookSessionCreated, "test", map[string]interface{}{
		"workspaceId":     "ws-1",
		"agentSessionId":  "as-1",
		"issueId":         "iss-1",
		"issueIdentifier": "API-1",
		"teamKey":         "API",
	})
	require.NoError(t, env.service.handleWebhook(context.Background(), event))

	_, sess := env.service.lookupSession("as-1")
	require.NotNil(t, sess)
	assert.Equal(t, session.StatusActive, sess.Status)
	assert.True(t, strings.HasSuffix(sess.Workspace.Path, "API-1"))

	require.Equal(t, 1, env.factory.createdCount())
	require.Eventually(t, func() bool {
		prompts := env.factory.runnerAt(0).promptList()
		return len(prompts) == 1 && strings.Contains(prompts[0], "<issue>")
	}, time.Second, 5*time.Millisecond)
}

func TestAmbiguousRoutingElicitsAndResolves(t *testing.T) {
	repos := []*config.Repository{
		{ID: "repo-a", Name: "alpha", RepoPath: "/srv/a", TrackerWorkspaceID: "ws-1", IsActive: true},
		{ID: "repo-b", Name: "beta", RepoPath: "/srv/b", TrackerWorkspaceID: "ws-1",
			GithubURL: "https://github.com/acme/beta", IsActive: true},
	}
	env := newTestEnv(t, repos)
	env.tracker.issues["iss-2"] = &tracker.Issue{ID: "iss-2", Identifier: "OPS-2", Title: "Ambiguous"}

	created := bus.NewEvent(events.WebhookSessionCreated, "test", map[string]interface{}{
		"workspaceId":     "ws-1",
		"agentSessionId":  "as-2",
		"issueId":         "iss-2",
		"issueIdentifier": "OPS-2",
	})
	require.NoError(t, env.service.handleWebhook(context.Background(), created))

	elicitations := env.tracker.postedOfType("as-2", tracker.ActivityElicitation)
	require.Len(t, elicitations, 1)
	require.Len(t, elicitations[0].Activity.Options, 2)
	assert.Equal(t, tracker.SignalSelect, elicitations[0].Activity.Signal)

	// The reply matching repo-b's github URL resolves the selection.
	require.NoError(t, env.service.handleWebhook(context.Background(),
		promptedEvent("as-2", "iss-2", "https://github.com/acme/beta", "")))

	_, sess := env.service.lookupSession("as-2")
	require.NotNil(t, sess)
	assert.Equal(t, "repo-b", sess.RepositoryID)

	cached := env.service.router.CachedRepository("iss-2")
	require.NotNil(t, cached)
	assert.Equal(t, "repo-b", cached.ID)
}

func TestIssueUnassignedStopsSilently(t *testing.T) {
	env := newTestEnv(t, singleRepo())
	sess := env.addSession(t, "repo-api", "as-u", "iss-u")
	r := newFakeRunner(true)
	env.attachRunner(t, sess, r)
	env.tracker.mu.Lock()
	env.tracker.activities = nil
	env.tracker.mu.Unlock()

	event := bus.NewEvent(events.WebhookIssueUnassigned, "test", map[string]interface{}{
		"workspaceId": "ws-1",
		"issueId":     "iss-u",
	})
	require.NoError(t, env.service.handleWebhook(context.Background(), event))

	assert.Equal(t, session.StatusStopped, env.status(t, "as-u"))
	assert.Equal(t, 1, r.stopCount())
	assert.Empty(t, env.tracker.posted("as-u"), "unassign posts no feedback")
}

func TestStatusChangeNudgesOrchestratorParent(t *testing.T) {
	repos := singleRepo()
	repos[0].LabelRoles = map[string]config.RolePrompt{
		"orchestrator": {Labels: []string{"orchestrator"}},
	}
	env := newTestEnv(t, repos)
	env.tracker.issues["iss-child"] = &tracker.Issue{
		ID: "iss-child", Identifier: "API-10", ParentID: "iss-parent",
	}
	env.tracker.issues["iss-parent"] = &tracker.Issue{
		ID: "iss-parent", Identifier: "API-9", Labels: []string{"orchestrator"},
	}
	env.service.router.Cache().Put("iss-parent", "repo-api")

	event := bus.NewEvent(events.WebhookIssueStatusChange, "test", map[string]interface{}{
		"workspaceId": "ws-1",
		"issueId":     "iss-child",
		"toState":     "completed",
	})
	require.NoError(t, env.service.handleWebhook(context.Background(), event))

	require.Len(t, env.tracker.comments["iss-parent"], 1)
	assert.Contains(t, env.tracker.comments["iss-parent"][0], "API-10")
}

func TestSnapshotRoundTripRestoresSessions(t *testing.T) {
	env := newTestEnv(t, singleRepo())
	env.addSession(t, "repo-api", "as-r", "iss-r")
	env.service.links.Link("as-r2", "as-r")
	env.addSession(t, "repo-api", "as-r2", "iss-r2")
	env.service.setSelection("as-r", session.RunnerSelection{Runner: session.RunnerClaude, Model: "opus"})

	state := env.service.captureState()

	fresh := newTestEnv(t, singleRepo())
	fresh.service.restoreState(state)

	_, sess := fresh.service.lookupSession("as-r")
	require.NotNil(t, sess)
	assert.Equal(t, session.StatusActive, sess.Status)

	sel, ok := fresh.service.selectionFor("as-r")
	require.True(t, ok)
	assert.Equal(t, "opus", sel.Model)

	parent, ok := fresh.service.links.Parent("as-r2")
	require.True(t, ok)
	assert.Equal(t, "as-r", parent)
}

func TestRestoreAppliesPersistedStop(t *testing.T) {
	env := newTestEnv(t, singleRepo())
	env.addSession(t, "repo-api", "as-s", "iss-s")
	env.service.mu.Lock()
	env.service.stopRequested["as-s"] = true
	env.service.mu.Unlock()

	state := env.service.captureState()

	fresh := newTestEnv(t, singleRepo())
	fresh.service.restoreState(state)
	assert.Equal(t, session.StatusStopped, fresh.status(t, "as-s"))
}
