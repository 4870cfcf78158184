package checkpoint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ccmux/ccmux/internal/model"
)

func buildManager(t *testing.T) *model.Manager {
	t.Helper()
	m := model.NewManager()
	sess, err := m.CreateSession("main")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	win, err := m.CreateWindow(sess.ID, "editor")
	if err != nil {
		t.Fatalf("create window: %v", err)
	}
	pane, err := m.CreatePane(win.ID, model.PaneConfig{Rows: 24, Cols: 80})
	if err != nil {
		t.Fatalf("create pane: %v", err)
	}
	pane.Scrollback.Write([]byte("hello\nworld\n"))
	return m
}

func TestWriteAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m := buildManager(t)

	snap := Build(m, 42, 3)
	if err := Write(dir, snap); err != nil {
		t.Fatalf("write: %v", err)
	}

	loaded, ok, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !ok {
		t.Fatal("expected checkpoint to be found")
	}
	if loaded.Seq != 42 || loaded.WALSegment != 3 {
		t.Errorf("loaded seq/segment = %d/%d, want 42/3", loaded.Seq, loaded.WALSegment)
	}
	if len(loaded.Sessions) != 1 {
		t.Fatalf("got %d sessions, want 1", len(loaded.Sessions))
	}
	ss := loaded.Sessions[0]
	if ss.Name != "main" {
		t.Errorf("session name = %q, want main", ss.Name)
	}
	if len(ss.Windows) != 1 || ss.Windows[0].Name != "editor" {
		t.Fatalf("unexpected windows: %+v", ss.Windows)
	}
	panes := ss.Windows[0].Panes
	if len(panes) != 1 {
		t.Fatalf("got %d panes, want 1", len(panes))
	}
	if len(panes[0].ScrollbackLines) != 2 || panes[0].ScrollbackLines[0] != "hello" {
		t.Errorf("scrollback lines = %v", panes[0].ScrollbackLines)
	}
}

func TestLoadWithNoCheckpointReturnsNotFound(t *testing.T) {
	dir := t.TempDir()
	_, ok, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if ok {
		t.Error("expected ok = false when no checkpoint exists")
	}
}

func TestLoadDetectsDigestMismatch(t *testing.T) {
	dir := t.TempDir()
	m := buildManager(t)
	snap := Build(m, 1, 0)
	if err := Write(dir, snap); err != nil {
		t.Fatalf("write: %v", err)
	}

	path := filepath.Join(dir, fileName)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	// Corrupt a payload byte without touching the digest.
	data[len(data)-1] ^= 0xff
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatalf("write corrupted: %v", err)
	}

	_, _, err = Load(dir)
	if err == nil {
		t.Fatal("expected digest mismatch error")
	}
}

func TestWriteIsAtomicNoTempFileLeftBehind(t *testing.T) {
	dir := t.TempDir()
	m := buildManager(t)
	if err := Write(dir, Build(m, 1, 0)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, tempFileName)); !os.IsNotExist(err) {
		t.Errorf("expected temp file to be renamed away, stat err = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, fileName)); err != nil {
		t.Errorf("expected final checkpoint file to exist: %v", err)
	}
}
