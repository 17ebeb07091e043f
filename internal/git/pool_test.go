package git

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

func TestPoolBoundsConcurrentRuns(t *testing.T) {
	const limit = 2
	pool := NewPool(limit)

	var mu sync.Mutex
	active, peak := 0, 0

	var g errgroup.Group
	for range 8 {
		g.Go(func() error {
			return pool.Run(t.Context(), func() error {
				mu.Lock()
				active++
				if active > peak {
					peak = active
				}
				mu.Unlock()

				time.Sleep(15 * time.Millisecond)

				mu.Lock()
				active--
				mu.Unlock()
				return nil
			})
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("pool run: %v", err)
	}
	if peak > limit {
		t.Fatalf("observed %d concurrent runs, limit is %d", peak, limit)
	}
}

func TestPoolRunPropagatesError(t *testing.T) {
	pool := NewPool(1)
	want := errors.New("clone failed")
	if err := pool.Run(t.Context(), func() error { return want }); !errors.Is(err, want) {
		t.Fatalf("Run err = %v, want %v", err, want)
	}
}

func TestPoolCancelledWaiterNeverRuns(t *testing.T) {
	pool := NewPool(1)

	hold := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = pool.Run(context.Background(), func() error {
			close(started)
			<-hold
			return nil
		})
	}()
	<-started
	defer close(hold)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	err := pool.Run(ctx, func() error {
		t.Error("fn ran despite cancelled context")
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run err = %v, want context.Canceled", err)
	}
}

func TestNilPoolRunsDirectly(t *testing.T) {
	var pool *Pool
	ran := false
	if err := pool.Run(t.Context(), func() error { ran = true; return nil }); err != nil {
		t.Fatalf("nil pool Run: %v", err)
	}
	if !ran {
		t.Fatal("fn did not run on nil pool")
	}
}

// newTestRepo initializes a repo with one seed commit using the client
// under test, so every git call below exercises the pool path.
func newTestRepo(t *testing.T, c *Client) string {
	t.Helper()
	dir := t.TempDir()
	ctx := t.Context()

	for _, args := range [][]string{
		{"init", "-q", "."},
		{"config", "user.email", "devgodzilla@example.invalid"},
		{"config", "user.name", "devgodzilla"},
	} {
		if _, err := c.run(ctx, dir, args...); err != nil {
			t.Fatalf("git %v: %v", args, err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("seed\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	committed, err := c.CommitAll(ctx, dir, "seed")
	if err != nil || !committed {
		t.Fatalf("seed commit: committed=%v err=%v", committed, err)
	}
	return dir
}

func TestClientSharesPoolAcrossCalls(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	c := NewClient(NewPool(2))
	dir := newTestRepo(t, c)
	ctx := t.Context()

	var g errgroup.Group
	for range 6 {
		g.Go(func() error {
			if !c.IsRepo(ctx, dir) {
				return errors.New("IsRepo reported false for a fresh repo")
			}
			if _, err := c.StatusPorcelain(ctx, dir); err != nil {
				return err
			}
			_, err := c.HeadSHA(ctx, dir)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent client calls: %v", err)
	}

	clean, err := c.IsClean(ctx, dir)
	if err != nil || !clean {
		t.Fatalf("IsClean = %v, %v, want true", clean, err)
	}
	if msg, err := c.LastCommitMessage(ctx, dir); err != nil || msg != "seed" {
		t.Fatalf("LastCommitMessage = %q, %v, want seed", msg, err)
	}
}

func TestClientCommitAllSkipsCleanTree(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	c := NewClient(nil)
	dir := newTestRepo(t, c)
	ctx := t.Context()

	committed, err := c.CommitAll(ctx, dir, "noop")
	if err != nil {
		t.Fatalf("CommitAll on clean tree: %v", err)
	}
	if committed {
		t.Fatal("CommitAll committed on a clean tree")
	}

	if err := os.WriteFile(filepath.Join(dir, "notes.md"), []byte("work\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	committed, err = c.CommitAll(ctx, dir, "add notes")
	if err != nil || !committed {
		t.Fatalf("CommitAll on dirty tree: committed=%v err=%v", committed, err)
	}
	if msg, _ := c.LastCommitMessage(ctx, dir); msg != "add notes" {
		t.Fatalf("LastCommitMessage = %q, want %q", msg, "add notes")
	}
}
