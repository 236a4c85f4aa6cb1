package session

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned when a session id is not in the store.
var ErrNotFound = errors.New("session not found")

// ErrEntryNotPosted is returned when an entry without a tracker activity id
// is appended; entries are only stored after a successful post.
var ErrEntryNotPosted = errors.New("entry has no tracker activity id")

// Store holds the sessions and transcript entries for one repository.
// Concurrent reads are safe; writes are serialized by the store mutex.
type Store struct {
	repositoryID string

	mu               sync.RWMutex
	sessions         map[string]*AgentSession
	entries          map[string][]Entry
	activeTaskByTool map[string]string // sessionID -> active Task tool-use id
}

// NewStore creates an empty store for one repository.
func NewStore(repositoryID string) *Store {
	return &Store{
		repositoryID:     repositoryID,
		sessions:         make(map[string]*AgentSession),
		entries:          make(map[string][]Entry),
		activeTaskByTool: make(map[string]string),
	}
}

// RepositoryID returns the owning repository id.
func (s *Store) RepositoryID() string {
	return s.repositoryID
}

// Get returns a copy of the session, or ErrNotFound.
func (s *Store) Get(sessionID string) (*AgentSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

// Add inserts a new session. The repository id on the session is pinned to
// the store's repository and never changes afterwards.
func (s *Store) Add(sess *AgentSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sess
	cp.RepositoryID = s.repositoryID
	now := time.Now().UTC()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	s.sessions[cp.SessionID] = &cp
}

// Update applies fn to the stored session under the write lock and bumps
// UpdatedAt. Returns ErrNotFound when the session does not exist.
func (s *Store) Update(sessionID string, fn func(*AgentSession)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	fn(sess)
	sess.RepositoryID = s.repositoryID
	sess.UpdatedAt = time.Now().UTC()
	return nil
}

// ListByIssue returns all sessions for an issue, oldest first.
func (s *Store) ListByIssue(issueID string) []*AgentSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*AgentSession
	for _, sess := range s.sessions {
		if sess.IssueID == issueID {
			cp := *sess
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ListActiveByIssue returns the non-terminal sessions for an issue.
func (s *Store) ListActiveByIssue(issueID string) []*AgentSession {
	var out []*AgentSession
	for _, sess := range s.ListByIssue(issueID) {
		if !sess.Status.IsTerminal() {
			out = append(out, sess)
		}
	}
	return out
}

// List returns every session in the store.
func (s *Store) List() []*AgentSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*AgentSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		cp := *sess
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// AppendEntry stores a transcript row that has been posted to the tracker.
// Rows that were never posted are rejected, keeping the entry⇔activity
// correspondence exact.
func (s *Store) AppendEntry(sessionID string, entry Entry) error {
	if entry.TrackerActivityID == "" {
		return ErrEntryNotPosted
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return ErrNotFound
	}
	if entry.Metadata.Timestamp.IsZero() {
		entry.Metadata.Timestamp = time.Now().UTC()
	}
	s.entries[sessionID] = append(s.entries[sessionID], entry)
	return nil
}

// Entries returns the transcript for a session in append order.
func (s *Store) Entries(sessionID string) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.entries[sessionID]
	out := make([]Entry, len(src))
	copy(out, src)
	return out
}

// SetActiveTask records the tool-use id of the session's in-flight Task
// tool, used to group sub-tool calls. An empty id clears it.
func (s *Store) SetActiveTask(sessionID, toolUseID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if toolUseID == "" {
		delete(s.activeTaskByTool, sessionID)
		return
	}
	s.activeTaskByTool[sessionID] = toolUseID
}

// ActiveTask returns the session's active Task tool-use id, if any.
func (s *Store) ActiveTask(sessionID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.activeTaskByTool[sessionID]
	return id, ok
}

// Remove deletes a session and its transcript.
func (s *Store) Remove(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	delete(s.entries, sessionID)
	delete(s.activeTaskByTool, sessionID)
}

// Cleanup removes terminal sessions whose last update is older than the TTL
// and returns the removed session ids.
func (s *Store) Cleanup(olderThan time.Duration) []string {
	cutoff := time.Now().UTC().Add(-olderThan)
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed []string
	for id, sess := range s.sessions {
		if sess.Status.IsTerminal() && sess.UpdatedAt.Before(cutoff) {
			delete(s.sessions, id)
			delete(s.entries, id)
			delete(s.activeTaskByTool, id)
			removed = append(removed, id)
		}
	}
	return removed
}

// Snapshot is the serializable projection of one repository's store. Runner
// handles are not part of the store and so never appear here.
type Snapshot struct {
	Sessions map[string]*AgentSession `json:"sessions"`
	Entries  map[string][]Entry       `json:"entries"`
}

// Serialize produces the snapshot projection.
func (s *Store) Serialize() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{
		Sessions: make(map[string]*AgentSession, len(s.sessions)),
		Entries:  make(map[string][]Entry, len(s.entries)),
	}
	for id, sess := range s.sessions {
		cp := *sess
		snap.Sessions[id] = &cp
	}
	for id, rows := range s.entries {
		cp := make([]Entry, len(rows))
		copy(cp, rows)
		snap.Entries[id] = cp
	}
	return snap
}

// Restore rehydrates the store from a snapshot, replacing current contents.
// Unknown fields in the snapshot were already dropped by decoding; entries
// for sessions missing from the snapshot are discarded.
func (s *Store) Restore(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = make(map[string]*AgentSession, len(snap.Sessions))
	s.entries = make(map[string][]Entry, len(snap.Entries))
	s.activeTaskByTool = make(map[string]string)
	for id, sess := range snap.Sessions {
		cp := *sess
		cp.RepositoryID = s.repositoryID
		s.sessions[id] = &cp
	}
	for id, rows := range snap.Entries {
		if _, ok := s.sessions[id]; !ok {
			continue
		}
		cp := make([]Entry, len(rows))
		copy(cp, rows)
		s.entries[id] = cp
	}
}
