package routing

import (
	"sync"
	"time"
)

// IssueRepoCache remembers which repository an issue was routed to. It is a
// shortcut only: authoritative routing is always re-derivable from the
// webhook and the repository configs, so stale entries are dropped lazily.
type IssueRepoCache struct {
	mu    sync.RWMutex
	byIss map[string]string // issueID -> repositoryID
}

// NewIssueRepoCache creates an empty cache.
func NewIssueRepoCache() *IssueRepoCache {
	return &IssueRepoCache{byIss: make(map[string]string)}
}

// Get returns the cached repository id for an issue.
func (c *IssueRepoCache) Get(issueID string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.byIss[issueID]
	return id, ok
}

// Put caches a routing decision.
func (c *IssueRepoCache) Put(issueID, repositoryID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byIss[issueID] = repositoryID
}

// Remove drops a cached mapping; used when the mapping points at a
// repository that no longer exists.
func (c *IssueRepoCache) Remove(issueID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.byIss, issueID)
}

// Serialize returns a copy of the cache contents.
func (c *IssueRepoCache) Serialize() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]string, len(c.byIss))
	for k, v := range c.byIss {
		out[k] = v
	}
	return out
}

// Restore replaces the cache contents.
func (c *IssueRepoCache) Restore(m map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byIss = make(map[string]string, len(m))
	for k, v := range m {
		c.byIss[k] = v
	}
}

// PendingSelection is an unresolved repository elicitation, keyed by the
// agent session that asked.
type PendingSelection struct {
	AgentSessionID string
	IssueID        string
	CandidateIDs   []string
	CreatedAt      time.Time
}

// pendingSelections tracks unresolved elicitations with a TTL; expired
// selections are dropped on lookup and the next webhook re-elicits.
type pendingSelections struct {
	mu  sync.Mutex
	ttl time.Duration
	m   map[string]*PendingSelection
}

func newPendingSelections(ttl time.Duration) *pendingSelections {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &pendingSelections{ttl: ttl, m: make(map[string]*PendingSelection)}
}

func (p *pendingSelections) record(sel *PendingSelection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	// A re-recorded selection (failed reply put back for retry) keeps its
	// original timestamp so retries never extend the TTL.
	if sel.CreatedAt.IsZero() {
		sel.CreatedAt = time.Now().UTC()
	}
	p.m[sel.AgentSessionID] = sel
}

func (p *pendingSelections) take(agentSessionID string) (*PendingSelection, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sel, ok := p.m[agentSessionID]
	if !ok {
		return nil, false
	}
	delete(p.m, agentSessionID)
	if time.Since(sel.CreatedAt) > p.ttl {
		return nil, false
	}
	return sel, true
}
