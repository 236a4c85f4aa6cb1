package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/ceedaragents/cyrus/internal/common/logger"
)

// Request subjects served by the tracker proxy. The proxy holds the tracker
// credentials and performs the GraphQL calls; the edge worker only speaks
// request/reply over NATS.
const (
	subjectActivityCreate = "tracker.activity.create"
	subjectIssueFetch     = "tracker.issue.fetch"
	subjectLabelsFetch    = "tracker.labels.fetch"
	subjectCommentCreate  = "tracker.comment.create"
)

// NATSClient implements IssueTracker over NATS request/reply.
type NATSClient struct {
	conn    *nats.Conn
	timeout time.Duration
	logger  *logger.Logger
}

// NewNATSClient wraps an established NATS connection. The timeout bounds each
// request independently of the caller's context.
func NewNATSClient(conn *nats.Conn, timeout time.Duration, log *logger.Logger) *NATSClient {
	if log == nil {
		log = logger.Default()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &NATSClient{
		conn:    conn,
		timeout: timeout,
		logger:  log.WithFields(zap.String("component", "tracker-client")),
	}
}

type activityCreateRequest struct {
	SessionID string   `json:"sessionId"`
	Activity  Activity `json:"activity"`
}

type activityCreateReply struct {
	ActivityID string `json:"activityId"`
	Error      string `json:"error,omitempty"`
}

type issueFetchRequest struct {
	IssueID string `json:"issueId"`
}

type issueFetchReply struct {
	Issue *Issue `json:"issue"`
	Error string `json:"error,omitempty"`
}

type labelsFetchRequest struct {
	WorkspaceID string `json:"workspaceId"`
}

type labelsFetchReply struct {
	Labels []Label `json:"labels"`
	Error  string `json:"error,omitempty"`
}

type commentCreateRequest struct {
	IssueID string `json:"issueId"`
	Body    string `json:"body"`
}

type commentCreateReply struct {
	Error string `json:"error,omitempty"`
}

// CreateActivity posts an activity through the proxy and returns the
// tracker-assigned activity id.
func (c *NATSClient) CreateActivity(ctx context.Context, sessionID string, activity Activity) (string, error) {
	var reply activityCreateReply
	err := c.request(ctx, subjectActivityCreate, activityCreateRequest{
		SessionID: sessionID,
		Activity:  activity,
	}, &reply)
	if err != nil {
		return "", err
	}
	if reply.Error != "" {
		return "", fmt.Errorf("tracker rejected activity: %s", reply.Error)
	}
	if reply.ActivityID == "" {
		return "", fmt.Errorf("tracker returned no activity id")
	}
	return reply.ActivityID, nil
}

// FetchIssue loads the minimal issue projection through the proxy.
func (c *NATSClient) FetchIssue(ctx context.Context, issueID string) (*Issue, error) {
	var reply issueFetchReply
	if err := c.request(ctx, subjectIssueFetch, issueFetchRequest{IssueID: issueID}, &reply); err != nil {
		return nil, err
	}
	if reply.Error != "" {
		return nil, fmt.Errorf("tracker issue fetch failed: %s", reply.Error)
	}
	if reply.Issue == nil {
		return nil, fmt.Errorf("tracker returned no issue for %s", issueID)
	}
	return reply.Issue, nil
}

// FetchLabels lists the labels defined in a tracker workspace.
func (c *NATSClient) FetchLabels(ctx context.Context, workspaceID string) ([]Label, error) {
	var reply labelsFetchReply
	if err := c.request(ctx, subjectLabelsFetch, labelsFetchRequest{WorkspaceID: workspaceID}, &reply); err != nil {
		return nil, err
	}
	if reply.Error != "" {
		return nil, fmt.Errorf("tracker label fetch failed: %s", reply.Error)
	}
	return reply.Labels, nil
}

// CreateComment posts a plain comment on an issue.
func (c *NATSClient) CreateComment(ctx context.Context, issueID, body string) error {
	var reply commentCreateReply
	err := c.request(ctx, subjectCommentCreate, commentCreateRequest{IssueID: issueID, Body: body}, &reply)
	if err != nil {
		return err
	}
	if reply.Error != "" {
		return fmt.Errorf("tracker rejected comment: %s", reply.Error)
	}
	return nil
}

func (c *NATSClient) request(ctx context.Context, subject string, req, reply interface{}) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", subject, err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	msg, err := c.conn.RequestWithContext(reqCtx, subject, payload)
	if err != nil {
		return fmt.Errorf("tracker request %s failed: %w", subject, err)
	}
	if err := json.Unmarshal(msg.Data, reply); err != nil {
		return fmt.Errorf("failed to decode %s reply: %w", subject, err)
	}
	return nil
}
