// Package orchestrator is the session control plane: it consumes webhook
// events from the bus, routes them to repositories, drives agent session
// lifecycles and runner subprocesses, and streams translated activities back
// to the issue tracker.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ceedaragents/cyrus/internal/common/config"
	"github.com/ceedaragents/cyrus/internal/common/logger"
	"github.com/ceedaragents/cyrus/internal/events"
	"github.com/ceedaragents/cyrus/internal/events/bus"
	"github.com/ceedaragents/cyrus/internal/persistence"
	"github.com/ceedaragents/cyrus/internal/routing"
	"github.com/ceedaragents/cyrus/internal/runner"
	"github.com/ceedaragents/cyrus/internal/session"
	"github.com/ceedaragents/cyrus/internal/tracker"
	"github.com/ceedaragents/cyrus/internal/translator"
	"github.com/ceedaragents/cyrus/internal/workspace"
)

// trackerCallTimeout bounds every outbound tracker call.
const trackerCallTimeout = 10 * time.Second

// SnapshotStore is the persistence surface the service needs.
type SnapshotStore interface {
	persistence.Saver
	Load(ctx context.Context) (*persistence.State, error)
}

// Service owns all orchestrator state. One instance runs per edge worker
// process.
type Service struct {
	cfg        *config.Config
	logger     *logger.Logger
	bus        bus.EventBus
	tracker    tracker.IssueTracker
	router     *routing.Router
	supervisor *runner.Supervisor
	workspaces workspace.Provider
	snapshots  SnapshotStore
	writer     *persistence.Writer

	// mu guards the cross-repository maps below. Per-repository session
	// state lives in the stores, each with its own lock.
	mu                 sync.Mutex
	stores             map[string]*session.Store
	translators        map[string]*translator.Translator
	sessionRepo        map[string]string // sessionID -> repositoryID
	runnerSelections   map[string]session.RunnerSelection
	codexSessions      map[string]string // sessionID -> codex-native session id
	finalizedNonClaude map[string]bool
	stopRequested      map[string]bool
	parentResumed      map[string]bool // childID -> parent already re-prompted

	links *parentLinks

	subscription bus.Subscription
}

// New creates the orchestrator service. Call Start to restore state and begin
// consuming webhooks.
func New(
	cfg *config.Config,
	repos []*config.Repository,
	eventBus bus.EventBus,
	issueTracker tracker.IssueTracker,
	factory runner.Factory,
	workspaces workspace.Provider,
	snapshots SnapshotStore,
	log *logger.Logger,
) *Service {
	if log == nil {
		log = logger.Default()
	}
	s := &Service{
		cfg:                cfg,
		logger:             log.WithFields(zap.String("component", "orchestrator")),
		bus:                eventBus,
		tracker:            issueTracker,
		workspaces:         workspaces,
		snapshots:          snapshots,
		stores:             make(map[string]*session.Store),
		translators:        make(map[string]*translator.Translator),
		sessionRepo:        make(map[string]string),
		runnerSelections:   make(map[string]session.RunnerSelection),
		codexSessions:      make(map[string]string),
		finalizedNonClaude: make(map[string]bool),
		stopRequested:      make(map[string]bool),
		parentResumed:      make(map[string]bool),
		links:              newParentLinks(),
	}
	s.router = routing.NewRouter(repos, routing.NewIssueRepoCache(), cfg.Worker.SelectionTTLDuration(), log)
	s.supervisor = runner.NewSupervisor(factory, s, cfg.Worker.DrainTimeoutDuration(), log)
	s.writer = persistence.NewWriter(snapshots, s.captureState, log)
	for _, repo := range repos {
		s.stores[repo.ID] = session.NewStore(repo.ID)
	}
	return s
}

// Start restores persisted state, subscribes to the webhook subjects, and
// runs the persistence writer and cleanup loop until ctx is cancelled.
// Restore completes before the subscription is created so no webhook ever
// observes pre-restore state.
func (s *Service) Start(ctx context.Context) error {
	state, err := s.snapshots.Load(ctx)
	if err != nil {
		return err
	}
	s.restoreState(state)

	sub, err := s.bus.QueueSubscribe(events.WebhookAll, events.OrchestratorQueue, s.handleWebhook)
	if err != nil {
		return err
	}
	s.subscription = sub

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.writer.Run(gctx) })
	g.Go(func() error { return s.cleanupLoop(gctx) })

	s.logger.Info("orchestrator started",
		zap.Int("repositories", len(s.stores)))

	err = g.Wait()
	s.shutdown()
	if err == context.Canceled {
		return nil
	}
	return err
}

func (s *Service) shutdown() {
	if s.subscription != nil {
		_ = s.subscription.Unsubscribe()
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), 2*s.cfg.Worker.DrainTimeoutDuration())
	defer cancel()
	s.supervisor.StopAll(stopCtx)
	s.logger.Info("orchestrator stopped")
}

// cleanupLoop periodically evicts terminal sessions older than the TTL,
// together with their cross-map bookkeeping.
func (s *Service) cleanupLoop(ctx context.Context) error {
	interval := s.cfg.Worker.CleanupIntervalDuration()
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.cleanupOnce()
		}
	}
}

func (s *Service) cleanupOnce() {
	ttl := s.cfg.Worker.SessionTTLDuration()
	var removed []string
	for _, store := range s.storeList() {
		removed = append(removed, store.Cleanup(ttl)...)
	}
	if len(removed) == 0 {
		return
	}
	s.mu.Lock()
	for _, id := range removed {
		delete(s.translators, id)
		delete(s.sessionRepo, id)
		delete(s.runnerSelections, id)
		delete(s.codexSessions, id)
		delete(s.finalizedNonClaude, id)
		delete(s.stopRequested, id)
		delete(s.parentResumed, id)
		s.links.Unlink(id)
	}
	s.mu.Unlock()
	s.logger.Info("cleaned up terminal sessions", zap.Int("count", len(removed)))
	s.writer.Notify()
}

// HasActiveSession implements routing.ActiveSessionLookup.
func (s *Service) HasActiveSession(repositoryID, issueID string) bool {
	store := s.storeFor(repositoryID)
	if store == nil {
		return false
	}
	return len(store.ListActiveByIssue(issueID)) > 0
}

func (s *Service) storeFor(repositoryID string) *session.Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stores[repositoryID]
}

func (s *Service) storeList() []*session.Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*session.Store, 0, len(s.stores))
	for _, st := range s.stores {
		out = append(out, st)
	}
	return out
}

// lookupSession finds a session by id across repositories.
func (s *Service) lookupSession(sessionID string) (*session.Store, *session.AgentSession) {
	s.mu.Lock()
	repoID, ok := s.sessionRepo[sessionID]
	s.mu.Unlock()
	if !ok {
		return nil, nil
	}
	store := s.storeFor(repoID)
	if store == nil {
		return nil, nil
	}
	sess, err := store.Get(sessionID)
	if err != nil {
		return nil, nil
	}
	return store, sess
}

// translatorFor returns the session's translator, creating it lazily.
func (s *Service) translatorFor(sessionID string) *translator.Translator {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.translators[sessionID]
	if !ok {
		t = translator.New()
		s.translators[sessionID] = t
	}
	return t
}

func (s *Service) selectionFor(sessionID string) (session.RunnerSelection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sel, ok := s.runnerSelections[sessionID]
	return sel, ok
}

func (s *Service) setSelection(sessionID string, sel session.RunnerSelection) {
	s.mu.Lock()
	s.runnerSelections[sessionID] = sel
	s.mu.Unlock()
}

// postActivity posts an activity with the per-call timeout and returns the
// tracker-assigned id.
func (s *Service) postActivity(ctx context.Context, sessionID string, activity tracker.Activity) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, trackerCallTimeout)
	defer cancel()
	return s.tracker.CreateActivity(callCtx, sessionID, activity)
}

// publish emits an outbound notification; bus failures are logged, never
// propagated.
func (s *Service) publish(ctx context.Context, subject string, data map[string]interface{}) {
	event := bus.NewEvent(subject, "orchestrator", data)
	if err := s.bus.Publish(ctx, subject, event); err != nil {
		s.logger.Warn("failed to publish event",
			zap.String("subject", subject),
			zap.Error(err))
	}
}
