package workspace

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func fixedManager(now time.Time, token string) *Manager {
	m := NewManager()
	m.now = func() time.Time { return now }
	m.token = func() string { return token }
	return m
}

func TestCreateNaming(t *testing.T) {
	baseDir := filepath.Join(t.TempDir(), "scratch")
	now := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	mgr := fixedManager(now, "abcd1234")

	path, err := mgr.Create(baseDir, "run", ".d")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	want := filepath.Join(baseDir, "run_20260304-050607_abcd1234.d")
	if path != want {
		t.Fatalf("Create() path = %q, want %q", path, want)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat(workspace) error = %v", err)
	}
	if !info.IsDir() {
		t.Fatalf("workspace path is not a directory")
	}
}

func TestCreateCollisionAppendsCounter(t *testing.T) {
	baseDir := t.TempDir()
	now := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	mgr := fixedManager(now, "deadbeef")

	first, err := mgr.Create(baseDir, "run", "")
	if err != nil {
		t.Fatalf("Create(first) error = %v", err)
	}
	second, err := mgr.Create(baseDir, "run", "")
	if err != nil {
		t.Fatalf("Create(second) error = %v", err)
	}
	third, err := mgr.Create(baseDir, "run", "")
	if err != nil {
		t.Fatalf("Create(third) error = %v", err)
	}

	if first == second || second == third || first == third {
		t.Fatalf("expected distinct paths, got %q %q %q", first, second, third)
	}
	if !strings.HasSuffix(second, "_deadbeef_1") {
		t.Fatalf("second path = %q, want counter suffix _1", second)
	}
	if !strings.HasSuffix(third, "_deadbeef_2") {
		t.Fatalf("third path = %q, want counter suffix _2", third)
	}
	for _, p := range []string{first, second, third} {
		if _, err := os.Stat(p); err != nil {
			t.Fatalf("Stat(%q) error = %v", p, err)
		}
	}
}

func TestCreateTwiceSameSecond(t *testing.T) {
	baseDir := t.TempDir()

	a, err := Create(baseDir, "run", "")
	if err != nil {
		t.Fatalf("Create(a) error = %v", err)
	}
	b, err := Create(baseDir, "run", "")
	if err != nil {
		t.Fatalf("Create(b) error = %v", err)
	}
	if a == b {
		t.Fatalf("Create() returned the same path twice: %q", a)
	}
}

func TestCreateConcurrentUnique(t *testing.T) {
	baseDir := filepath.Join(t.TempDir(), "x")
	// Same clock and token for every caller forces the counter path under contention.
	mgr := fixedManager(time.Now(), "00000000")

	const n = 50
	var wg sync.WaitGroup
	paths := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			paths[i], errs[i] = mgr.Create(baseDir, "run", "")
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool, n)
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("Create() #%d error = %v", i, errs[i])
		}
		if seen[paths[i]] {
			t.Fatalf("duplicate workspace path %q", paths[i])
		}
		seen[paths[i]] = true
	}

	entries, err := os.ReadDir(baseDir)
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	if len(entries) != n {
		t.Fatalf("base dir has %d entries, want %d", len(entries), n)
	}
}

func TestCreateRejectsBadInput(t *testing.T) {
	mgr := NewManager()
	if _, err := mgr.Create("", "run", ""); !errors.Is(err, ErrAllocation) {
		t.Fatalf("Create(empty base) error = %v, want ErrAllocation", err)
	}
	if _, err := mgr.Create(t.TempDir(), "a/b", ""); !errors.Is(err, ErrAllocation) {
		t.Fatalf("Create(prefix with separator) error = %v, want ErrAllocation", err)
	}
}

func TestAllocateCreatesTree(t *testing.T) {
	ws, err := Allocate(t.TempDir(), "run")
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	for _, dir := range []string{ws.Root, ws.Work, ws.Upload} {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			t.Fatalf("expected directory %q, err = %v", dir, err)
		}
	}
	if filepath.Dir(ws.Work) != ws.Root || filepath.Dir(ws.Upload) != ws.Root {
		t.Fatalf("work/upload not under root: %+v", ws)
	}
}

func TestTeardownRemovesWorkspace(t *testing.T) {
	ws, err := Allocate(t.TempDir(), "run")
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	if err := os.WriteFile(filepath.Join(ws.Work, "out.csv"), []byte("a,b\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if !Teardown(ws.Root, true) {
		t.Fatal("Teardown() = false, want true")
	}
	if _, err := os.Stat(ws.Root); !os.IsNotExist(err) {
		t.Fatalf("workspace should be gone, err = %v", err)
	}
}

func TestTeardownMissingPath(t *testing.T) {
	if Teardown(filepath.Join(t.TempDir(), "never-created"), false) {
		t.Fatal("Teardown(missing) = true, want false")
	}
	if Teardown("", false) {
		t.Fatal("Teardown(empty) = true, want false")
	}
}

func TestTeardownDenyList(t *testing.T) {
	for _, p := range defaultDenyList {
		if Teardown(p, false) {
			t.Fatalf("Teardown(%q) = true, want false", p)
		}
	}
	if _, err := os.Stat("/"); err != nil {
		t.Fatalf("root should be untouched: %v", err)
	}
}

func TestTeardownDenyIsExactMatch(t *testing.T) {
	protected := t.TempDir()
	child := filepath.Join(protected, "child")
	if err := os.MkdirAll(child, 0o755); err != nil {
		t.Fatal(err)
	}

	mgr := NewManager()
	mgr.Deny(protected)

	if mgr.Teardown(protected+string(filepath.Separator), false) {
		t.Fatal("Teardown(protected) = true, want false")
	}
	if _, err := os.Stat(child); err != nil {
		t.Fatalf("protected tree modified: %v", err)
	}

	if !mgr.Teardown(child, false) {
		t.Fatal("Teardown(child of protected) = false, want true")
	}
	if _, err := os.Stat(protected); err != nil {
		t.Fatalf("protected dir should remain: %v", err)
	}
}

func TestSweep(t *testing.T) {
	baseDir := t.TempDir()
	mgr := NewManager()

	oldWS, err := mgr.Allocate(baseDir, "run")
	if err != nil {
		t.Fatalf("Allocate(old) error = %v", err)
	}
	newWS, err := mgr.Allocate(baseDir, "run")
	if err != nil {
		t.Fatalf("Allocate(new) error = %v", err)
	}
	foreign := filepath.Join(baseDir, "keepme")
	if err := os.Mkdir(foreign, 0o755); err != nil {
		t.Fatal(err)
	}

	oldTime := time.Now().Add(-48 * time.Hour)
	for _, p := range []string{oldWS.Root, foreign} {
		if err := os.Chtimes(p, oldTime, oldTime); err != nil {
			t.Fatalf("Chtimes(%q) error = %v", p, err)
		}
	}

	report, err := mgr.Sweep(baseDir, "run", 24*time.Hour)
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if report.Removed != 1 {
		t.Fatalf("Sweep() removed = %d, want 1", report.Removed)
	}
	if _, err := os.Stat(oldWS.Root); !os.IsNotExist(err) {
		t.Fatalf("old workspace should be deleted, err = %v", err)
	}
	if _, err := os.Stat(newWS.Root); err != nil {
		t.Fatalf("new workspace should still exist, err = %v", err)
	}
	if _, err := os.Stat(foreign); err != nil {
		t.Fatalf("non-workspace directory should be left alone, err = %v", err)
	}
}

func TestSweepMissingBase(t *testing.T) {
	report, err := Sweep(filepath.Join(t.TempDir(), "absent"), "run", time.Hour)
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if report.Removed != 0 {
		t.Fatalf("Sweep() removed = %d, want 0", report.Removed)
	}
}
