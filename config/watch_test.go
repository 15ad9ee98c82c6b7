package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatchReportsChangedProject(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changed := make(chan string, 8)
	go func() {
		_ = Watch(ctx, dir, func(_ context.Context, project string) {
			changed <- project
		}, WatchOptions{Debounce: 50 * time.Millisecond})
	}()

	// Give the watcher time to register before the first write.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(dir, "lab-feed.yaml"), []byte("name: lab-feed\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case project := <-changed:
		if project != "lab-feed" {
			t.Errorf("changed project = %q, want lab-feed", project)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no change reported")
	}
}

func TestWatchIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changed := make(chan string, 8)
	go func() {
		_ = Watch(ctx, dir, func(_ context.Context, project string) {
			changed <- project
		}, WatchOptions{Debounce: 50 * time.Millisecond})
	}()

	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("scratch"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case project := <-changed:
		t.Fatalf("unexpected change for %q", project)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestProjectForPath(t *testing.T) {
	cases := map[string]string{
		"/etc/liaison/lab-feed.yaml": "lab-feed",
		"lab-feed.yml":               "lab-feed",
		"notes.txt":                  "",
		".yaml":                      "",
	}
	for in, want := range cases {
		if got := projectForPath(in); got != want {
			t.Errorf("projectForPath(%q) = %q, want %q", in, got, want)
		}
	}
}
