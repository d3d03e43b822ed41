// Package session owns the lifecycle of pipeline sessions: creation of the
// per-session directory layout, lookup, explicit teardown, and age-based
// sweeping. The store is an explicit handle passed to every component rather
// than a process-wide map, so tests can build isolated stores and teardown is
// never hidden global state.
package session

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrNotFound is returned when a session id is unknown to the store.
var ErrNotFound = errors.New("session not found")

// Session is the unit of one pipeline run. The workflow controller and task
// runner are the only mutators; everything else reads through snapshots.
type Session struct {
	ID        string
	Root      string
	WorkDir   string
	AuditDir  string
	TargetURL string
	Branch    string
	CreatedAt time.Time

	mu sync.Mutex
	// completed grows monotonically; a completed agent never leaves the set.
	completed []string
	// checkpoints maps agent id to its latest checkpoint identifier.
	checkpoints  map[string]string
	currentAgent string
}

// MarkCompleted appends the agent to the completed list.
func (s *Session) MarkCompleted(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = append(s.completed, agentID)
}

// Completed returns the completed agent ids in completion order.
func (s *Session) Completed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.completed))
	copy(out, s.completed)
	return out
}

// CompletedSet returns the completed agents as a set, the shape the pipeline
// definition's prerequisite query expects.
func (s *Session) CompletedSet() map[string]struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := make(map[string]struct{}, len(s.completed))
	for _, id := range s.completed {
		set[id] = struct{}{}
	}
	return set
}

// SetCheckpoint records the latest checkpoint identifier for an agent.
func (s *Session) SetCheckpoint(agentID, checkpointID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[agentID] = checkpointID
}

// Checkpoint returns the latest checkpoint identifier for an agent.
func (s *Session) Checkpoint(agentID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.checkpoints[agentID]
	return id, ok
}

// SetCurrentAgent records the agent currently being driven. Empty clears it.
func (s *Session) SetCurrentAgent(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentAgent = agentID
}

// CurrentAgent returns the agent currently being driven, if any.
func (s *Session) CurrentAgent() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentAgent
}

// Store manages all live sessions under one root directory.
type Store struct {
	root string
	log  *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewStore builds a session store rooted at root, creating it if needed.
func NewStore(root string, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create session root: %w", err)
	}
	return &Store{
		root:     root,
		log:      logger.Named("session"),
		sessions: make(map[string]*Session),
	}, nil
}

// Create allocates a session and its on-disk layout:
//
//	<root>/<id>/work/deliverables
//	<root>/<id>/audit/agents
func (st *Store) Create(targetURL, branch string) (*Session, error) {
	id := uuid.New().String()
	root := filepath.Join(st.root, id)
	workDir := filepath.Join(root, "work")
	auditDir := filepath.Join(root, "audit")

	for _, dir := range []string{
		filepath.Join(workDir, "deliverables"),
		filepath.Join(auditDir, "agents"),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			os.RemoveAll(root)
			return nil, fmt.Errorf("failed to create session layout: %w", err)
		}
	}

	sess := &Session{
		ID:          id,
		Root:        root,
		WorkDir:     workDir,
		AuditDir:    auditDir,
		TargetURL:   targetURL,
		Branch:      branch,
		CreatedAt:   time.Now().UTC(),
		checkpoints: make(map[string]string),
	}

	st.mu.Lock()
	st.sessions[id] = sess
	st.mu.Unlock()

	st.log.Info("Session created",
		zap.String("sessionID", id),
		zap.String("target", targetURL),
		zap.String("branch", branch),
	)
	return sess, nil
}

// Get looks up a live session.
func (st *Store) Get(id string) (*Session, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	sess, ok := st.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return sess, nil
}

// Remove tears a session down: files removed, in-memory entry dropped.
func (st *Store) Remove(id string) error {
	st.mu.Lock()
	sess, ok := st.sessions[id]
	delete(st.sessions, id)
	st.mu.Unlock()

	if !ok {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err := os.RemoveAll(sess.Root); err != nil {
		return fmt.Errorf("failed to remove session files: %w", err)
	}
	st.log.Info("Session removed", zap.String("sessionID", id))
	return nil
}

// Sweep removes every session older than maxAge and returns how many were
// dropped. It covers both live sessions and leftover session directories from
// earlier process runs. Intended to be called periodically by the controller's
// janitor.
func (st *Store) Sweep(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	st.mu.Lock()
	var stale []string
	live := make(map[string]struct{}, len(st.sessions))
	for id, sess := range st.sessions {
		live[id] = struct{}{}
		if sess.CreatedAt.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	st.mu.Unlock()

	swept := 0
	for _, id := range stale {
		if err := st.Remove(id); err != nil {
			st.log.Warn("Failed to sweep session", zap.String("sessionID", id), zap.Error(err))
			continue
		}
		swept++
	}

	// Directories under the root that no live session owns are leftovers from
	// a previous process; age them by modification time.
	entries, err := os.ReadDir(st.root)
	if err != nil {
		st.log.Warn("Failed to scan session root", zap.Error(err))
		return swept
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, ok := live[entry.Name()]; ok {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(st.root, entry.Name())); err != nil {
			st.log.Warn("Failed to sweep leftover session directory",
				zap.String("dir", entry.Name()), zap.Error(err))
			continue
		}
		st.log.Info("Swept leftover session directory", zap.String("dir", entry.Name()))
		swept++
	}
	return swept
}

// IDs returns the ids of all live sessions.
func (st *Store) IDs() []string {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]string, 0, len(st.sessions))
	for id := range st.sessions {
		out = append(out, id)
	}
	return out
}
