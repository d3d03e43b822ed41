// Package snapshot provides versioned checkpoint/rollback of a session's work
// directory. The production implementation is backed by a git repository; an
// in-memory implementation backs tests. Both honor the same contract: a
// checkpoint exists before the collaborator runs, and the agent's slice of the
// work tree is either advanced past it (commit) or restored to exactly it
// (rollback), never left in an intermediate state.
//
// Category pipelines run concurrently over one shared work tree, so rollback
// is ownership-scoped: each checkpoint registers the directories its agent
// owns, and a rollback restores the agent's own directories plus the shared
// remainder of the tree while never touching a directory another agent has
// registered. One category's failed attempt can therefore be discarded without
// erasing deliverables a sibling committed in the meantime.
package snapshot

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ErrNoCheckpoint is returned by Rollback when no checkpoint was ever taken
// for the agent. A missing checkpoint means there is no rollback path, which
// the caller must treat as a terminal condition.
var ErrNoCheckpoint = errors.New("no checkpoint recorded for agent")

// Store captures and restores point-in-time state of one session work tree.
// Checkpoint, Commit and Rollback are atomic with respect to concurrent
// readers of the store; the workflow controller additionally guarantees that
// two agents of the same category never hold overlapping uncommitted state.
type Store interface {
	// Checkpoint captures the current work tree, registers scope as the
	// slash-separated relative directories the agent owns, and records the
	// resulting identifier against the agent. Returns an opaque, totally
	// ordered checkpoint identifier.
	Checkpoint(ctx context.Context, agentID string, scope []string) (string, error)

	// Commit durably advances the work tree past the agent's checkpoint,
	// recording all new and changed files as one unit. Returns the snapshot
	// identifier of the committed state.
	Commit(ctx context.Context, agentID string, attempt int) (string, error)

	// Rollback restores the agent's owned directories and the shared tree to
	// exactly the agent's last checkpoint, discarding any partial writes
	// including untracked files. Directories registered by other agents are
	// left untouched so their committed deliverables survive.
	Rollback(ctx context.Context, agentID string) error
}

// Factory builds a store rooted at a session work directory. The workflow
// controller uses it so tests can substitute the in-memory implementation.
type Factory func(workDir string) (Store, error)

// inScope reports whether the slash-separated relative path rel is one of the
// scope directories or lies beneath one.
func inScope(rel string, scope []string) bool {
	for _, dir := range scope {
		if rel == dir || strings.HasPrefix(rel, dir+"/") {
			return true
		}
	}
	return false
}

// restorableFunc builds the rollback path predicate: the agent's own scope is
// always restored, directories owned by other agents are never touched, and
// the shared remainder of the tree is restored.
func restorableFunc(own, foreign []string) func(rel string) bool {
	return func(rel string) bool {
		if inScope(rel, own) {
			return true
		}
		return !inScope(rel, foreign)
	}
}

// restoreTree rewrites every restorable path under root to exactly the files
// in want: restorable files absent from want are removed, the rest are
// rewritten byte-for-byte. Paths the predicate rejects are left alone, as is
// git metadata.
func restoreTree(root string, want map[string][]byte, restorable func(rel string) bool) error {
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			if d.Name() == ".git" && p != root {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if !restorable(rel) {
			return nil
		}
		if _, keep := want[rel]; !keep {
			return os.Remove(p)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for rel, content := range want {
		abs := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(abs, content, 0o644); err != nil {
			return err
		}
	}
	return nil
}
