package tracker

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ceedaragents/cyrus/internal/common/logger"
)

// LocalTracker is the IssueTracker used when no tracker proxy is configured.
// Activities are logged instead of posted, with synthetic activity ids so the
// session transcript still records entries. Issue fetches fail, which makes
// the orchestrator fall back to webhook-provided issue data.
type LocalTracker struct {
	logger *logger.Logger
}

// NewLocalTracker builds a logging-only tracker.
func NewLocalTracker(log *logger.Logger) *LocalTracker {
	if log == nil {
		log = logger.Default()
	}
	return &LocalTracker{logger: log.WithFields(zap.String("component", "tracker-local"))}
}

func (t *LocalTracker) CreateActivity(ctx context.Context, sessionID string, activity Activity) (string, error) {
	t.logger.Info("activity",
		zap.String("session_id", sessionID),
		zap.String("type", string(activity.Type)),
		zap.String("body", activity.Body),
		zap.String("action", activity.Action))
	return uuid.New().String(), nil
}

func (t *LocalTracker) FetchIssue(ctx context.Context, issueID string) (*Issue, error) {
	return nil, fmt.Errorf("no tracker proxy configured, cannot fetch issue %s", issueID)
}

func (t *LocalTracker) FetchLabels(ctx context.Context, workspaceID string) ([]Label, error) {
	return nil, nil
}

func (t *LocalTracker) CreateComment(ctx context.Context, issueID, body string) error {
	t.logger.Info("comment", zap.String("issue_id", issueID), zap.String("body", body))
	return nil
}
