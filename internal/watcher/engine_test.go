package watcher_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dirwatch/dirwatch/internal/pattern"
	"github.com/dirwatch/dirwatch/internal/watcher"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 10}))
}

type call struct {
	kind watcher.EventKind
	name string
}

// chanListener forwards every callback to a buffered channel.
type chanListener struct {
	ch chan call
}

func newChanListener() *chanListener { return &chanListener{ch: make(chan call, 256)} }

func (c *chanListener) OnFileCreate(name string) { c.send(call{watcher.Create, name}) }
func (c *chanListener) OnFileModify(name string) { c.send(call{watcher.Modify, name}) }
func (c *chanListener) OnFileDelete(name string) { c.send(call{watcher.Delete, name}) }

func (c *chanListener) send(v call) {
	select {
	case c.ch <- v:
	default:
	}
}

// waitFor drains callbacks until one matches kind and name.
func (c *chanListener) waitFor(t *testing.T, kind watcher.EventKind, name string) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case got := <-c.ch:
			if got.kind == kind && got.name == name {
				return
			}
		case <-deadline:
			t.Fatalf("no %v callback for %q within 3s", kind, name)
		}
	}
}

// sawName reports whether any buffered or soon-arriving callback names name.
func (c *chanListener) sawName(name string, wait time.Duration) bool {
	deadline := time.After(wait)
	for {
		select {
		case got := <-c.ch:
			if got.name == name {
				return true
			}
		case <-deadline:
			return false
		}
	}
}

func startEngine(t *testing.T, kind watcher.BackendKind) *watcher.Engine {
	t.Helper()
	e, err := watcher.New(watcher.WithBackend(kind), watcher.WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("New(%s): %v", kind, err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func writeFile(t *testing.T, path, data string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

var backends = []watcher.BackendKind{watcher.BackendAuto, watcher.BackendFsnotify}

// ---------------------------------------------------------------------------
// Backend scenarios
// ---------------------------------------------------------------------------

func TestEngine_TxtPatternLifecycle(t *testing.T) {
	for _, kind := range backends {
		t.Run(string(kind), func(t *testing.T) {
			dir := t.TempDir()
			e := startEngine(t, kind)
			l := newChanListener()
			if err := e.Register(l, dir, "*.txt"); err != nil {
				t.Fatalf("Register: %v", err)
			}
			if err := e.Start(context.Background()); err != nil {
				t.Fatalf("Start: %v", err)
			}

			writeFile(t, filepath.Join(dir, "image.png"), "png")
			writeFile(t, filepath.Join(dir, "notes.txt"), "")
			l.waitFor(t, watcher.Create, "notes.txt")

			f, err := os.OpenFile(filepath.Join(dir, "notes.txt"), os.O_WRONLY|os.O_APPEND, 0)
			if err != nil {
				t.Fatal(err)
			}
			if _, err := f.WriteString("hello"); err != nil {
				t.Fatal(err)
			}
			f.Close()
			l.waitFor(t, watcher.Modify, "notes.txt")

			if err := os.Remove(filepath.Join(dir, "notes.txt")); err != nil {
				t.Fatal(err)
			}
			l.waitFor(t, watcher.Delete, "notes.txt")

			if l.sawName("image.png", 100*time.Millisecond) {
				t.Error("listener filtered on *.txt received image.png")
			}
		})
	}
}

func TestEngine_TwoListenersDifferentPatterns(t *testing.T) {
	for _, kind := range backends {
		t.Run(string(kind), func(t *testing.T) {
			dir := t.TempDir()
			e := startEngine(t, kind)
			all := newChanListener()
			logs := newChanListener()
			if err := e.Register(all, dir, "*"); err != nil {
				t.Fatal(err)
			}
			if err := e.Register(logs, dir, "*.log"); err != nil {
				t.Fatal(err)
			}
			_ = e.Start(context.Background())

			writeFile(t, filepath.Join(dir, "app.txt"), "x")
			writeFile(t, filepath.Join(dir, "app.log"), "x")

			all.waitFor(t, watcher.Create, "app.txt")
			all.waitFor(t, watcher.Create, "app.log")
			logs.waitFor(t, watcher.Create, "app.log")
			if logs.sawName("app.txt", 100*time.Millisecond) {
				t.Error("*.log listener received app.txt")
			}

			if snap := e.Snapshot(); len(snap) != 1 || snap[0].Listeners != 2 {
				t.Errorf("Snapshot = %+v, want one directory with two listeners", snap)
			}
		})
	}
}

func TestEngine_NoPatternsMatchesEverything(t *testing.T) {
	dir := t.TempDir()
	e := startEngine(t, watcher.BackendFsnotify)
	l := newChanListener()
	if err := e.Register(l, dir); err != nil {
		t.Fatal(err)
	}
	_ = e.Start(context.Background())

	writeFile(t, filepath.Join(dir, "Makefile"), "all:")
	l.waitFor(t, watcher.Create, "Makefile")
}

// ---------------------------------------------------------------------------
// Registration errors
// ---------------------------------------------------------------------------

func TestRegister_RegularFileFails(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "plain.txt")
	writeFile(t, file, "x")

	e := startEngine(t, watcher.BackendAuto)
	err := e.Register(newChanListener(), file)
	if !errors.Is(err, watcher.ErrNotADirectory) {
		t.Fatalf("err = %v, want ErrNotADirectory", err)
	}
	var nde *watcher.NotADirectoryError
	if !errors.As(err, &nde) || nde.Path != file {
		t.Fatalf("err = %#v, want *NotADirectoryError for %s", err, file)
	}
	if n := len(e.Snapshot()); n != 0 {
		t.Errorf("Snapshot has %d entries after failed Register", n)
	}
}

func TestRegister_MissingDirectoryFails(t *testing.T) {
	e := startEngine(t, watcher.BackendAuto)
	err := e.Register(newChanListener(), filepath.Join(t.TempDir(), "absent"))
	if !errors.Is(err, watcher.ErrNotADirectory) || !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("err = %v, want ErrNotADirectory wrapping ErrNotExist", err)
	}
}

func TestRegister_BadPatternFails(t *testing.T) {
	e := startEngine(t, watcher.BackendAuto)
	err := e.Register(newChanListener(), t.TempDir(), "*.{txt")
	if !errors.Is(err, pattern.ErrSyntax) {
		t.Fatalf("err = %v, want pattern.ErrSyntax", err)
	}
	if n := len(e.Snapshot()); n != 0 {
		t.Errorf("Snapshot has %d entries after failed Register", n)
	}
}

type funcListener struct {
	watcher.NopListener
	fn func()
}

func TestRegister_NonComparableListener(t *testing.T) {
	e := startEngine(t, watcher.BackendAuto)
	err := e.Register(funcListener{fn: func() {}}, t.TempDir())
	if !errors.Is(err, watcher.ErrListenerNotComparable) {
		t.Fatalf("err = %v, want ErrListenerNotComparable", err)
	}
	if err := e.Register(nil, t.TempDir()); !errors.Is(err, watcher.ErrNilListener) {
		t.Fatalf("err = %v, want ErrNilListener", err)
	}
}

func TestRegister_RelativePathIsNormalized(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })
	if err := os.Mkdir("sub", 0o755); err != nil {
		t.Fatal(err)
	}

	e := startEngine(t, watcher.BackendAuto)
	if err := e.Register(newChanListener(), "./sub/../sub"); err != nil {
		t.Fatal(err)
	}
	snap := e.Snapshot()
	if len(snap) != 1 || !filepath.IsAbs(snap[0].Dir) || filepath.Base(snap[0].Dir) != "sub" {
		t.Errorf("Snapshot = %+v", snap)
	}
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

func TestEngine_ConcurrentStart(t *testing.T) {
	e := startEngine(t, watcher.BackendAuto)
	_ = e.Register(newChanListener(), t.TempDir())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := e.Start(context.Background()); err != nil {
				t.Errorf("Start: %v", err)
			}
		}()
	}
	wg.Wait()
	if e.State() != watcher.Running {
		t.Errorf("State = %v, want running", e.State())
	}
}

func TestEngine_StopIsBounded(t *testing.T) {
	for _, kind := range backends {
		t.Run(string(kind), func(t *testing.T) {
			e := startEngine(t, kind)
			_ = e.Register(newChanListener(), t.TempDir())
			_ = e.Start(context.Background())

			// Give the loop time to block in the backend wait.
			time.Sleep(50 * time.Millisecond)
			e.Stop()

			select {
			case <-e.Done():
			case <-time.After(2 * time.Second):
				t.Fatal("loop did not exit within 2s of Stop")
			}
			if err := e.Register(newChanListener(), t.TempDir()); !errors.Is(err, watcher.ErrStopped) {
				t.Errorf("Register after Stop: err = %v, want ErrStopped", err)
			}
		})
	}
}

func TestEngine_StopIdleEngine(t *testing.T) {
	e := startEngine(t, watcher.BackendAuto)
	e.Stop()
	select {
	case <-e.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed after stopping an idle engine")
	}
	if err := e.Start(context.Background()); !errors.Is(err, watcher.ErrStopped) {
		t.Errorf("Start after Stop: err = %v, want ErrStopped", err)
	}
}

func TestParseBackend(t *testing.T) {
	tests := []struct {
		in      string
		want    watcher.BackendKind
		wantErr bool
	}{
		{"", watcher.BackendAuto, false},
		{"auto", watcher.BackendAuto, false},
		{"inotify", watcher.BackendInotify, false},
		{"fsnotify", watcher.BackendFsnotify, false},
		{"kqueue", "", true},
	}
	for _, tt := range tests {
		got, err := watcher.ParseBackend(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseBackend(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if err != nil && !errors.Is(err, watcher.ErrUnsupportedBackend) {
			t.Errorf("ParseBackend(%q) err = %v, want ErrUnsupportedBackend", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseBackend(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFuncs_NilFieldsAreSkipped(t *testing.T) {
	var created string
	f := &watcher.Funcs{Create: func(name string) { created = name }}
	f.OnFileCreate("a")
	f.OnFileModify("b")
	f.OnFileDelete("c")
	if created != "a" {
		t.Errorf("created = %q", created)
	}
}

func TestEventKind_String(t *testing.T) {
	for k, want := range map[watcher.EventKind]string{
		watcher.Create:   "create",
		watcher.Modify:   "modify",
		watcher.Delete:   "delete",
		watcher.Overflow: "overflow",
	} {
		if got := k.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", k, got, want)
		}
	}
}
