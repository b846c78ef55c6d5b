package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/simrunner/internal/log"
)

const (
	timestampLayout = "20060102-150405"
	tokenLength     = 8

	// maxCollisionRetries bounds the counter appended on name collisions.
	maxCollisionRetries = 1000
)

// defaultDenyList holds paths that are never removed, compared by exact match.
var defaultDenyList = []string{
	"/", "/bin", "/boot", "/dev", "/etc", "/home", "/lib", "/lib64", "/opt",
	"/proc", "/root", "/sbin", "/srv", "/sys", "/tmp", "/usr", "/var",
}

// Manager allocates and destroys scratch workspaces on local disk.
type Manager struct {
	now    func() time.Time
	token  func() string
	deny   map[string]struct{}
	logger *slog.Logger
}

func (m *Manager) log() *slog.Logger {
	if m.logger != nil {
		return m.logger
	}
	return log.WithComponent("workspace")
}

// NewManager returns a Manager using the wall clock, random tokens and the
// default deny list plus the current user's home directory.
func NewManager() *Manager {
	m := &Manager{
		now:   time.Now,
		token: randomToken,
		deny:  make(map[string]struct{}),
	}
	for _, p := range defaultDenyList {
		m.deny[p] = struct{}{}
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		m.deny[filepath.Clean(home)] = struct{}{}
	}
	return m
}

// Deny adds paths to the teardown deny list.
func (m *Manager) Deny(paths ...string) {
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			continue
		}
		m.deny[filepath.Clean(abs)] = struct{}{}
	}
}

var defaultManager = NewManager()

// Create allocates a uniquely named directory under baseDir using the default manager.
func Create(baseDir, prefix, suffix string) (string, error) {
	return defaultManager.Create(baseDir, prefix, suffix)
}

// Allocate creates a full workspace tree using the default manager.
func Allocate(baseDir, prefix string) (Workspace, error) {
	return defaultManager.Allocate(baseDir, prefix)
}

// Teardown removes a workspace tree using the default manager.
func Teardown(path string, verbose bool) bool {
	return defaultManager.Teardown(path, verbose)
}

// Sweep removes stale workspaces using the default manager.
func Sweep(baseDir, prefix string, olderThan time.Duration) (SweepReport, error) {
	return defaultManager.Sweep(baseDir, prefix, olderThan)
}

// Create makes baseDir if needed and creates a directory named
// prefix_<timestamp>_<token><suffix>. If that name is taken, a counter is
// appended before the suffix until an unused name is found.
func (m *Manager) Create(baseDir, prefix, suffix string) (string, error) {
	trimmed := strings.TrimSpace(baseDir)
	if trimmed == "" {
		return "", fmt.Errorf("%w: base directory is empty", ErrAllocation)
	}
	if err := validateNamePart(prefix); err != nil {
		return "", fmt.Errorf("%w: prefix: %v", ErrAllocation, err)
	}
	if err := validateNamePart(suffix); err != nil {
		return "", fmt.Errorf("%w: suffix: %v", ErrAllocation, err)
	}

	base, err := filepath.Abs(trimmed)
	if err != nil {
		return "", fmt.Errorf("%w: resolve base directory: %v", ErrAllocation, err)
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return "", fmt.Errorf("%w: create base directory: %v", ErrAllocation, err)
	}

	stem := fmt.Sprintf("%s_%s_%s", prefix, m.now().Format(timestampLayout), m.token())
	for attempt := 0; attempt <= maxCollisionRetries; attempt++ {
		name := stem + suffix
		if attempt > 0 {
			name = stem + "_" + strconv.Itoa(attempt) + suffix
		}
		path := filepath.Join(base, name)

		// os.Mkdir is atomic: exactly one caller wins a given name.
		err := os.Mkdir(path, 0o755)
		if err == nil {
			return path, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("%w: create %q: %v", ErrAllocation, path, err)
		}
	}

	return "", fmt.Errorf("%w: no free name for %q after %d attempts", ErrAllocation, stem, maxCollisionRetries)
}

// Allocate creates a workspace root plus its work and upload subdirectories.
func (m *Manager) Allocate(baseDir, prefix string) (Workspace, error) {
	root, err := m.Create(baseDir, prefix, "")
	if err != nil {
		return Workspace{}, err
	}

	ws := Workspace{
		Root:   root,
		Work:   filepath.Join(root, workDirName),
		Upload: filepath.Join(root, uploadDirName),
	}
	for _, dir := range []string{ws.Work, ws.Upload} {
		if err := os.Mkdir(dir, 0o755); err != nil {
			m.Teardown(root, false)
			return Workspace{}, fmt.Errorf("%w: create %q: %v", ErrAllocation, dir, err)
		}
	}
	return ws, nil
}

// Teardown recursively removes path. It returns false when path does not
// exist, when path is on the deny list, or when removal fails; it never
// panics or returns an error so cleanup cannot mask a job's outcome.
func (m *Manager) Teardown(path string, verbose bool) bool {
	if strings.TrimSpace(path) == "" {
		return false
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		m.log().Error("workspace teardown failed", "path", path, "error", fmt.Errorf("%w: %v", ErrCleanup, err))
		return false
	}
	abs = filepath.Clean(abs)

	if _, err := os.Lstat(abs); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			if verbose {
				m.log().Info("workspace already gone", "path", abs)
			}
			return false
		}
		m.log().Error("workspace teardown failed", "path", abs, "error", fmt.Errorf("%w: %v", ErrCleanup, err))
		return false
	}

	if _, denied := m.deny[abs]; denied {
		m.log().Error("refusing to remove protected path", "path", abs)
		return false
	}

	if err := os.RemoveAll(abs); err != nil {
		m.log().Error("workspace teardown failed", "path", abs, "error", fmt.Errorf("%w: %v", ErrCleanup, err))
		return false
	}

	if verbose {
		m.log().Info("workspace removed", "path", abs)
	}
	return true
}

// Sweep removes workspace directories under baseDir whose names start with
// prefix and whose modification time is older than olderThan. It is meant to
// reclaim trees left behind by a process that died mid-job.
func (m *Manager) Sweep(baseDir, prefix string, olderThan time.Duration) (SweepReport, error) {
	if olderThan <= 0 {
		return SweepReport{}, fmt.Errorf("olderThan must be positive")
	}

	entries, err := os.ReadDir(baseDir)
	if os.IsNotExist(err) {
		return SweepReport{}, nil
	}
	if err != nil {
		return SweepReport{}, fmt.Errorf("read workspace base directory: %w", err)
	}

	cutoff := m.now().Add(-olderThan)
	report := SweepReport{}

	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), prefix+"_") {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			return report, fmt.Errorf("read workspace entry info %q: %w", entry.Name(), err)
		}
		if info.ModTime().After(cutoff) {
			continue
		}

		if m.Teardown(filepath.Join(baseDir, entry.Name()), false) {
			report.Removed++
		} else {
			report.Skipped++
		}
	}

	return report, nil
}

func randomToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:tokenLength]
}

func validateNamePart(s string) error {
	if strings.Contains(s, "/") || strings.Contains(s, `\`) {
		return fmt.Errorf("%q must not contain path separators", s)
	}
	if s == "." || s == ".." {
		return fmt.Errorf("%q is invalid", s)
	}
	return nil
}
