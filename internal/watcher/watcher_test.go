package watcher

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func startWatcher(t *testing.T, roots []Root, opts Options) *Watcher {
	t.Helper()
	if opts.Debounce == 0 {
		opts.Debounce = 50 * time.Millisecond
	}
	w, err := New(roots, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		w.Stop()
	})
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return w
}

func collect(w *Watcher, wait time.Duration) map[string]FileEvent {
	got := make(map[string]FileEvent)
	timeout := time.After(wait)
	for {
		select {
		case e, ok := <-w.Events():
			if !ok {
				return got
			}
			got[e.Account+":"+e.Path] = e
		case <-timeout:
			return got
		}
	}
}

func TestWatcher_ReportsChangesPerAccount(t *testing.T) {
	work, home := t.TempDir(), t.TempDir()
	if err := os.Mkdir(filepath.Join(work, "docs"), 0755); err != nil {
		t.Fatal(err)
	}

	w := startWatcher(t, []Root{{Account: "work", Path: work}, {Account: "home", Path: home}}, Options{
		IgnorePatterns: []string{"**/.DS_Store"},
		Skip:           func(name string) bool { return strings.HasPrefix(name, ".cloudsync-") },
	})

	for _, p := range []string{
		filepath.Join(work, "docs", "a.txt"),
		filepath.Join(home, "b.txt"),
		filepath.Join(work, ".DS_Store"),
		filepath.Join(work, ".cloudsync-123.part"),
	} {
		if err := os.WriteFile(p, []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	got := collect(w, time.Second)

	if e, ok := got["work:docs/a.txt"]; !ok || e.Op != OpCreate {
		t.Errorf("expected create of docs/a.txt for work, got %+v", got)
	}
	if _, ok := got["home:b.txt"]; !ok {
		t.Errorf("expected b.txt for home, got %+v", got)
	}
	if _, ok := got["work:.DS_Store"]; ok {
		t.Error("ignored file reported")
	}
	if _, ok := got["work:.cloudsync-123.part"]; ok {
		t.Error("skipped file reported")
	}
}

func TestWatcher_IgnoredDirectoriesAreNotWatched(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, ".git", "objects"), 0755); err != nil {
		t.Fatal(err)
	}

	w := startWatcher(t, []Root{{Account: "work", Path: root}}, Options{IgnorePatterns: []string{".git/**", ".git"}})

	if err := os.WriteFile(filepath.Join(root, ".git", "objects", "x"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if got := collect(w, 300*time.Millisecond); len(got) != 0 {
		t.Errorf("expected no events, got %+v", got)
	}
}

func TestWatcher_Resolve(t *testing.T) {
	base := t.TempDir()
	outer := filepath.Join(base, "outer")
	inner := filepath.Join(outer, "inner")

	w, err := New([]Root{{Account: "outer", Path: outer}, {Account: "inner", Path: inner}}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	tests := []struct {
		abs     string
		account string
		rel     string
		ok      bool
	}{
		{filepath.Join(outer, "a.txt"), "outer", "a.txt", true},
		{filepath.Join(inner, "x", "b.txt"), "inner", "x/b.txt", true},
		{outer, "outer", "", true},
		{filepath.Join(base, "elsewhere.txt"), "", "", false},
	}
	for _, tt := range tests {
		root, rel, ok := w.resolve(tt.abs)
		if ok != tt.ok || root.Account != tt.account || rel != tt.rel {
			t.Errorf("resolve(%s) = %q %q %v, want %q %q %v", tt.abs, root.Account, rel, ok, tt.account, tt.rel, tt.ok)
		}
	}
}

func TestWatcher_ShouldIgnore(t *testing.T) {
	w := &Watcher{opts: Options{IgnorePatterns: []string{"node_modules", "**/*.tmp"}}}

	tests := map[string]bool{
		"node_modules/pkg/index.js": true,
		"src/file.tmp":              true,
		"src/file.txt":              false,
	}
	for p, want := range tests {
		if got := w.shouldIgnore(p); got != want {
			t.Errorf("shouldIgnore(%q) = %v, want %v", p, got, want)
		}
	}
}
