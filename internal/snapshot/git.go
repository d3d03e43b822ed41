package snapshot

import (
	"context"
	"fmt"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const commitAuthor = "lancet-orchestrator"

// checkpointRef records one agent's latest checkpoint commit and the work-tree
// directories the agent registered as its own.
type checkpointRef struct {
	hash  plumbing.Hash
	scope []string
}

// GitStore implements Store on top of a git repository rooted at the session
// work directory. Checkpoints and commits are plain git commits; rollback
// restores the agent's restorable paths from the checkpoint commit and removes
// anything the checkpoint never saw, so partial writes the validator never saw
// are discarded too.
type GitStore struct {
	mu   sync.Mutex
	repo *git.Repository
	root string

	checkpoints map[string]checkpointRef
}

// NewGitStore opens (or initializes) the repository at workDir.
func NewGitStore(workDir string) (Store, error) {
	repo, err := git.PlainInit(workDir, false)
	if err == git.ErrRepositoryAlreadyExists {
		repo, err = git.PlainOpen(workDir)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot repository at %s: %w", workDir, err)
	}
	return &GitStore{
		repo:        repo,
		root:        workDir,
		checkpoints: make(map[string]checkpointRef),
	}, nil
}

// Checkpoint stages the entire work tree and commits it, recording the commit
// hash and scope as the agent's rollback point. Empty commits are allowed so a
// checkpoint exists even when nothing changed since the previous one.
func (s *GitStore) Checkpoint(ctx context.Context, agentID string, scope []string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", err
	}

	hash, err := s.commitAll(fmt.Sprintf("checkpoint: %s", agentID))
	if err != nil {
		return "", fmt.Errorf("failed to checkpoint work tree for agent %s: %w", agentID, err)
	}
	owned := make([]string, len(scope))
	copy(owned, scope)
	s.checkpoints[agentID] = checkpointRef{hash: hash, scope: owned}
	return hash.String(), nil
}

// Commit stages and commits everything the agent's attempt produced.
func (s *GitStore) Commit(ctx context.Context, agentID string, attempt int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", err
	}

	hash, err := s.commitAll(fmt.Sprintf("agent %s: attempt %d", agentID, attempt))
	if err != nil {
		return "", fmt.Errorf("failed to commit deliverables for agent %s: %w", agentID, err)
	}
	return hash.String(), nil
}

// Rollback restores the agent's restorable paths from its checkpoint commit:
// its own directories exactly as checkpointed, the shared tree likewise, and
// directories registered by other agents untouched. Files the checkpoint never
// tracked are removed, so a failed attempt's scattered partials vanish.
func (s *GitStore) Rollback(ctx context.Context, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	ref, ok := s.checkpoints[agentID]
	if !ok {
		return fmt.Errorf("rollback of agent %s: %w", agentID, ErrNoCheckpoint)
	}
	restorable := restorableFunc(ref.scope, s.foreignScope(agentID))

	commit, err := s.repo.CommitObject(ref.hash)
	if err != nil {
		return fmt.Errorf("failed to load checkpoint %s: %w", ref.hash, err)
	}
	tree, err := commit.Tree()
	if err != nil {
		return fmt.Errorf("failed to load checkpoint tree %s: %w", ref.hash, err)
	}

	want := make(map[string][]byte)
	err = tree.Files().ForEach(func(f *object.File) error {
		if !restorable(f.Name) {
			return nil
		}
		content, err := f.Contents()
		if err != nil {
			return err
		}
		want[f.Name] = []byte(content)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to read checkpoint %s: %w", ref.hash, err)
	}

	if err := restoreTree(s.root, want, restorable); err != nil {
		return fmt.Errorf("failed to reset to checkpoint %s: %w", ref.hash, err)
	}
	return nil
}

// foreignScope returns the union of every other agent's registered directories.
func (s *GitStore) foreignScope(agentID string) []string {
	var foreign []string
	for id, ref := range s.checkpoints {
		if id == agentID {
			continue
		}
		foreign = append(foreign, ref.scope...)
	}
	return foreign
}

func (s *GitStore) commitAll(message string) (plumbing.Hash, error) {
	wt, err := s.repo.Worktree()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to open work tree: %w", err)
	}
	if _, err := wt.Add("."); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to stage work tree: %w", err)
	}
	sig := &object.Signature{Name: commitAuthor, When: time.Now()}
	hash, err := wt.Commit(message, &git.CommitOptions{
		Author:            sig,
		Committer:         sig,
		AllowEmptyCommits: true,
	})
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("commit failed: %w", err)
	}
	return hash, nil
}
