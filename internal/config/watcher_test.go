package config_test

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/parley/internal/config"
)

const pollEvery = 20 * time.Millisecond

const relayYAML = `
server:
  log_level: info
session:
  voice: alloy
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// rewrite swaps in new content for path with its mtime pushed forward, via
// rename so a poll never observes the content before the mtime.
func rewrite(t *testing.T, path, content string, bump time.Duration) {
	t.Helper()
	tmp := path + ".new"
	writeFile(t, tmp, content)
	at := time.Now().Add(bump)
	if err := os.Chtimes(tmp, at, at); err != nil {
		t.Fatalf("chtimes %s: %v", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatalf("rename %s: %v", tmp, err)
	}
}

type change struct{ old, new *config.Config }

type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// watch writes files into a temp dir, starts a watcher on config.yaml and
// returns it with the config path, the change stream and its log output.
func watch(t *testing.T, files map[string]string, opts ...config.WatcherOption) (*config.Watcher, string, <-chan change, *logBuffer) {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		writeFile(t, filepath.Join(dir, name), content)
	}
	path := filepath.Join(dir, "config.yaml")
	changes := make(chan change, 4)
	logs := &logBuffer{}
	opts = append([]config.WatcherOption{
		config.WithInterval(pollEvery),
		config.WithWatchLogger(slog.New(slog.NewTextHandler(logs, nil))),
	}, opts...)
	w, err := config.NewWatcher(path, func(old, new *config.Config) {
		changes <- change{old, new}
	}, opts...)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	t.Cleanup(w.Stop)
	return w, path, changes, logs
}

func next(t *testing.T, changes <-chan change) change {
	t.Helper()
	select {
	case c := <-changes:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no reload within 2s")
		return change{}
	}
}

func quiet(t *testing.T, changes <-chan change) {
	t.Helper()
	select {
	case c := <-changes:
		t.Fatalf("unexpected reload to voice %q", c.new.Session.Voice)
	case <-time.After(10 * pollEvery):
	}
}

func TestWatcher_ReloadsSessionAndLogLevel(t *testing.T) {
	t.Parallel()
	w, path, changes, _ := watch(t, map[string]string{"config.yaml": relayYAML})
	if w.Current().Session.Voice != "alloy" {
		t.Fatalf("initial voice = %q", w.Current().Session.Voice)
	}

	rewrite(t, path, "server:\n  log_level: debug\nsession:\n  voice: verse\n", time.Second)
	c := next(t, changes)

	d := config.Diff(c.old, c.new)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("log level diff = %+v", d)
	}
	if !slices.Contains(d.SessionFields, "voice") {
		t.Errorf("SessionFields = %v, want voice", d.SessionFields)
	}
	if w.Current() != c.new {
		t.Error("Current() is not the config handed to the callback")
	}
}

func TestWatcher_SkipsBrokenRevisionUntilFixed(t *testing.T) {
	t.Parallel()
	w, path, changes, logs := watch(t, map[string]string{"config.yaml": relayYAML})

	rewrite(t, path, "server:\n  log_level: bananas\n", time.Second)
	quiet(t, changes)
	if got := w.Current().Server.LogLevel; got != config.LogInfo {
		t.Errorf("Current() log_level = %q after a broken revision", got)
	}
	if n := strings.Count(logs.String(), "revision rejected"); n != 1 {
		t.Errorf("broken revision logged %d times, want once:\n%s", n, logs.String())
	}

	rewrite(t, path, "session:\n  voice: shimmer\n", 2*time.Second)
	c := next(t, changes)
	if c.old.Session.Voice != "alloy" || c.new.Session.Voice != "shimmer" {
		t.Errorf("reload old=%q new=%q, want alloy then shimmer", c.old.Session.Voice, c.new.Session.Voice)
	}
}

func TestWatcher_IgnoresTouch(t *testing.T) {
	t.Parallel()
	_, path, changes, _ := watch(t, map[string]string{"config.yaml": relayYAML})

	at := time.Now().Add(time.Second)
	if err := os.Chtimes(path, at, at); err != nil {
		t.Fatal(err)
	}
	quiet(t, changes)
}

func TestWatcher_ReloadsInstructionsFile(t *testing.T) {
	t.Parallel()
	w, path, changes, _ := watch(t, map[string]string{
		"config.yaml": "session:\n  instructions_file: persona.txt\n",
		"persona.txt": "You are a calm interviewer.",
	})
	if got := w.Current().Session.Instructions; got != "You are a calm interviewer." {
		t.Fatalf("initial instructions = %q", got)
	}

	rewrite(t, filepath.Join(filepath.Dir(path), "persona.txt"), "You are a brisk interviewer.", time.Second)
	c := next(t, changes)
	if c.new.Session.Instructions != "You are a brisk interviewer." {
		t.Errorf("instructions = %q", c.new.Session.Instructions)
	}
	if d := config.Diff(c.old, c.new); !slices.Contains(d.SessionFields, "instructions") {
		t.Errorf("SessionFields = %v, want instructions", d.SessionFields)
	}
}

func TestWatcher_KeepsEnvOverrides(t *testing.T) {
	t.Parallel()
	env := func(k string) string {
		if k == config.EnvAPIKey {
			return "sk-env"
		}
		return ""
	}
	w, path, changes, _ := watch(t, map[string]string{"config.yaml": relayYAML},
		config.WithLoaderOptions(config.WithEnv(env)))
	if got := w.Current().Upstream.APIKey; got != "sk-env" {
		t.Errorf("initial api key = %q", got)
	}

	rewrite(t, path, "session:\n  voice: verse\n", time.Second)
	if got := next(t, changes).new.Upstream.APIKey; got != "sk-env" {
		t.Errorf("reloaded api key = %q, want the environment value", got)
	}
}

func TestWatcher_MissingFile(t *testing.T) {
	t.Parallel()
	if _, err := config.NewWatcher(filepath.Join(t.TempDir(), "absent.yaml"), nil); err == nil {
		t.Fatal("NewWatcher on a missing file: expected error")
	}
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	t.Parallel()
	w, _, _, _ := watch(t, map[string]string{"config.yaml": relayYAML})
	w.Stop()
	w.Stop()
}
