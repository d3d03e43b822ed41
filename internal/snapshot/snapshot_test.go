package snapshot

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// readTree collects relative path -> content for every file under root,
// skipping the git metadata directory.
func readTree(t *testing.T, root string) map[string]string {
	t.Helper()
	tree := make(map[string]string)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		require.NoError(t, err)
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(root, path)
		require.NoError(t, err)
		content, err := os.ReadFile(path)
		require.NoError(t, err)
		tree[rel] = string(content)
		return nil
	})
	require.NoError(t, err)
	return tree
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	abs := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(t, os.WriteFile(abs, []byte(content), 0o644))
}

// storeFactories lets every contract test run against both implementations.
var storeFactories = map[string]Factory{
	"git":    NewGitStore,
	"memory": NewMemoryStore,
}

func TestRollbackIsExact(t *testing.T) {
	for name, factory := range storeFactories {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			dir := t.TempDir()
			writeFile(t, dir, "deliverables/recon/surface-map.md", "# surface\n")
			writeFile(t, dir, "src/app.js", "console.log('hi')\n")

			store, err := factory(dir)
			require.NoError(t, err)

			_, err = store.Checkpoint(ctx, "analyze-xss", []string{"deliverables/xss"})
			require.NoError(t, err)
			before := readTree(t, dir)

			// Simulate a failed attempt: mutate a tracked file, add partial
			// deliverables, and scatter an untracked scratch file.
			writeFile(t, dir, "src/app.js", "alert(1)\n")
			writeFile(t, dir, "deliverables/xss/analysis-report.md", "partial")
			writeFile(t, dir, "tmp/scratch.bin", "junk")

			require.NoError(t, store.Rollback(ctx, "analyze-xss"))

			after := readTree(t, dir)
			if diff := cmp.Diff(before, after); diff != "" {
				t.Fatalf("work tree differs after rollback (-before +after):\n%s", diff)
			}
		})
	}
}

func TestCommitAdvancesPastCheckpoint(t *testing.T) {
	for name, factory := range storeFactories {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			dir := t.TempDir()
			writeFile(t, dir, "README.md", "hello\n")

			store, err := factory(dir)
			require.NoError(t, err)

			cpID, err := store.Checkpoint(ctx, "recon", []string{"deliverables/recon"})
			require.NoError(t, err)
			require.NotEmpty(t, cpID)

			writeFile(t, dir, "deliverables/recon/surface-map.md", "# endpoints\n")
			snapID, err := store.Commit(ctx, "recon", 1)
			require.NoError(t, err)
			assert.NotEmpty(t, snapID)
			assert.NotEqual(t, cpID, snapID)

			// A rollback for a later agent restores to *its* checkpoint, so
			// the committed deliverable survives.
			_, err = store.Checkpoint(ctx, "analyze-csrf", []string{"deliverables/csrf"})
			require.NoError(t, err)
			writeFile(t, dir, "deliverables/csrf/analysis-report.md", "partial")
			require.NoError(t, store.Rollback(ctx, "analyze-csrf"))

			tree := readTree(t, dir)
			assert.Contains(t, tree, filepath.Join("deliverables", "recon", "surface-map.md"))
			assert.NotContains(t, tree, filepath.Join("deliverables", "csrf", "analysis-report.md"))
		})
	}
}

func TestRollbackLeavesSiblingCommitsIntact(t *testing.T) {
	// Category pipelines share one work tree. A category that checkpoints
	// early and fails late must not erase deliverables its siblings committed
	// in between; rollback only touches directories the failing agent owns
	// plus the unowned remainder of the tree.
	for name, factory := range storeFactories {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			dir := t.TempDir()
			writeFile(t, dir, "deliverables/recon/surface-map.md", "# surface\n")

			store, err := factory(dir)
			require.NoError(t, err)

			_, err = store.Checkpoint(ctx, "analyze-xss", []string{"deliverables/xss"})
			require.NoError(t, err)

			siblings := []string{"injection", "csrf", "idor", "auth"}
			var wg sync.WaitGroup
			errs := make([]error, len(siblings))
			for i, cat := range siblings {
				wg.Add(1)
				go func(i int, cat string) {
					defer wg.Done()
					agent := "analyze-" + cat
					scope := []string{"deliverables/" + cat}
					if _, err := store.Checkpoint(ctx, agent, scope); err != nil {
						errs[i] = err
						return
					}
					writeFile(t, dir, "deliverables/"+cat+"/analysis-report.md", "# "+cat+"\n")
					_, errs[i] = store.Commit(ctx, agent, 1)
				}(i, cat)
			}
			wg.Wait()
			for i, err := range errs {
				require.NoError(t, err, siblings[i])
			}

			// The slow category fails after every sibling committed.
			writeFile(t, dir, "deliverables/xss/analysis-report.md", "partial")
			require.NoError(t, store.Rollback(ctx, "analyze-xss"))

			tree := readTree(t, dir)
			for _, cat := range siblings {
				rel := filepath.Join("deliverables", cat, "analysis-report.md")
				assert.Equal(t, "# "+cat+"\n", tree[rel], "committed deliverable for %s", cat)
			}
			assert.NotContains(t, tree, filepath.Join("deliverables", "xss", "analysis-report.md"))
			assert.Equal(t, "# surface\n", tree[filepath.Join("deliverables", "recon", "surface-map.md")])
		})
	}
}

func TestRollbackWithoutCheckpoint(t *testing.T) {
	for name, factory := range storeFactories {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			store, err := factory(dir)
			require.NoError(t, err)

			err = store.Rollback(context.Background(), "never-checkpointed")
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrNoCheckpoint)
		})
	}
}

func TestCheckpointOnUnchangedTree(t *testing.T) {
	// Two consecutive checkpoints on an identical tree must both succeed;
	// per-attempt checkpoints are taken even when the prior attempt changed
	// nothing.
	for name, factory := range storeFactories {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			dir := t.TempDir()
			writeFile(t, dir, "a.txt", "a")

			store, err := factory(dir)
			require.NoError(t, err)

			first, err := store.Checkpoint(ctx, "bootstrap", []string{"deliverables/bootstrap"})
			require.NoError(t, err)
			second, err := store.Checkpoint(ctx, "bootstrap", []string{"deliverables/bootstrap"})
			require.NoError(t, err)
			assert.NotEmpty(t, first)
			assert.NotEmpty(t, second)
		})
	}
}

func TestGitStoreReopensExistingRepository(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "a")

	first, err := NewGitStore(dir)
	require.NoError(t, err)
	_, err = first.Checkpoint(context.Background(), "bootstrap", []string{"deliverables/bootstrap"})
	require.NoError(t, err)

	// A second open on the same directory must attach, not fail.
	_, err = NewGitStore(dir)
	require.NoError(t, err)
}
