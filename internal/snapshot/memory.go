package snapshot

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// memCheckpoint records one agent's latest snapshot id and registered
// directories.
type memCheckpoint struct {
	id    string
	scope []string
}

// MemoryStore implements Store with full-tree copies held in memory. It
// satisfies the same ownership-scoped restore contract as GitStore and exists
// for tests, where spinning up a git repository per session is wasted work.
type MemoryStore struct {
	mu   sync.Mutex
	root string

	// trees maps snapshot id to a relative-path -> content copy of the tree.
	trees       map[string]map[string][]byte
	checkpoints map[string]memCheckpoint
}

// NewMemoryStore builds a MemoryStore over workDir.
func NewMemoryStore(workDir string) (Store, error) {
	if _, err := os.Stat(workDir); err != nil {
		return nil, fmt.Errorf("work directory unusable: %w", err)
	}
	return &MemoryStore{
		root:        workDir,
		trees:       make(map[string]map[string][]byte),
		checkpoints: make(map[string]memCheckpoint),
	}, nil
}

func (s *MemoryStore) Checkpoint(ctx context.Context, agentID string, scope []string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", err
	}
	id, err := s.capture()
	if err != nil {
		return "", fmt.Errorf("failed to checkpoint work tree for agent %s: %w", agentID, err)
	}
	owned := make([]string, len(scope))
	copy(owned, scope)
	s.checkpoints[agentID] = memCheckpoint{id: id, scope: owned}
	return id, nil
}

func (s *MemoryStore) Commit(ctx context.Context, agentID string, attempt int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", err
	}
	id, err := s.capture()
	if err != nil {
		return "", fmt.Errorf("failed to commit deliverables for agent %s attempt %d: %w", agentID, attempt, err)
	}
	return id, nil
}

func (s *MemoryStore) Rollback(ctx context.Context, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	cp, ok := s.checkpoints[agentID]
	if !ok {
		return fmt.Errorf("rollback of agent %s: %w", agentID, ErrNoCheckpoint)
	}

	var foreign []string
	for id, other := range s.checkpoints {
		if id == agentID {
			continue
		}
		foreign = append(foreign, other.scope...)
	}
	restorable := restorableFunc(cp.scope, foreign)

	want := make(map[string][]byte)
	for rel, content := range s.trees[cp.id] {
		if restorable(rel) {
			want[rel] = content
		}
	}
	if err := restoreTree(s.root, want, restorable); err != nil {
		return fmt.Errorf("failed to restore checkpoint %s: %w", cp.id, err)
	}
	return nil
}

func (s *MemoryStore) capture() (string, error) {
	tree := make(map[string][]byte)
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		cp := make([]byte, len(content))
		copy(cp, content)
		tree[filepath.ToSlash(rel)] = cp
		return nil
	})
	if err != nil {
		return "", err
	}
	id := uuid.New().String()
	s.trees[id] = tree
	return id, nil
}
