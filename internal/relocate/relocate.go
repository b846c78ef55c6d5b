// Package relocate moves an engine's single, nondeterministically named result
// directory into a deterministic location inside the job workspace.
package relocate

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

var (
	ErrSourceNotSet    = errors.New("result source directory is not set")
	ErrSourceMissing   = errors.New("result source directory does not exist")
	ErrSourceEmpty     = errors.New("result source directory is empty")
	ErrNoResultFound   = errors.New("no result directory found")
	ErrAmbiguousResult = errors.New("more than one result directory found")
	ErrPostcondition   = errors.New("relocation postcondition failed")
)

// AmbiguousResultError names every candidate result directory.
type AmbiguousResultError struct {
	Source     string
	Candidates []string
}

func (e *AmbiguousResultError) Error() string {
	return fmt.Sprintf("%s in %s: %s", ErrAmbiguousResult, e.Source, strings.Join(e.Candidates, ", "))
}

func (e *AmbiguousResultError) Is(target error) bool {
	return target == ErrAmbiguousResult
}

// Relocate moves the only directory inside sourceDir to targetDir/desiredName
// and returns the final path. An existing target is removed first.
func Relocate(sourceDir, targetDir, desiredName string) (string, error) {
	if strings.TrimSpace(sourceDir) == "" {
		return "", ErrSourceNotSet
	}
	if desiredName == "" || desiredName == "." || desiredName == ".." || strings.ContainsAny(desiredName, `/\`) {
		return "", fmt.Errorf("invalid result name %q", desiredName)
	}

	info, err := os.Stat(sourceDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrSourceMissing, sourceDir)
		}
		return "", fmt.Errorf("stat result source %q: %w", sourceDir, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: %s is not a directory", ErrSourceMissing, sourceDir)
	}

	entries, err := os.ReadDir(sourceDir)
	if err != nil {
		return "", fmt.Errorf("read result source %q: %w", sourceDir, err)
	}
	if len(entries) == 0 {
		return "", fmt.Errorf("%w: %s", ErrSourceEmpty, sourceDir)
	}

	var candidates []string
	for _, e := range entries {
		if e.IsDir() {
			candidates = append(candidates, e.Name())
		}
	}
	switch len(candidates) {
	case 0:
		return "", fmt.Errorf("%w in %s", ErrNoResultFound, sourceDir)
	case 1:
	default:
		return "", &AmbiguousResultError{Source: sourceDir, Candidates: candidates}
	}

	src := filepath.Join(sourceDir, candidates[0])
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return "", fmt.Errorf("create relocation target %q: %w", targetDir, err)
	}
	dst := filepath.Join(targetDir, desiredName)

	if _, err := os.Lstat(dst); err == nil {
		if err := os.RemoveAll(dst); err != nil {
			return "", fmt.Errorf("remove existing %q: %w", dst, err)
		}
	}

	if err := move(src, dst); err != nil {
		return "", fmt.Errorf("move %q to %q: %w", src, dst, err)
	}

	if _, err := os.Stat(dst); err != nil {
		return "", fmt.Errorf("%w: target %s missing after move", ErrPostcondition, dst)
	}
	if _, err := os.Lstat(src); !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w: source %s still present after move", ErrPostcondition, src)
	}

	return dst, nil
}

// move renames src to dst, falling back to copy+remove across filesystems.
func move(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	var linkErr *os.LinkError
	if !errors.As(err, &linkErr) || !errors.Is(linkErr.Err, syscall.EXDEV) {
		return err
	}

	if err := copyTree(src, dst); err != nil {
		_ = os.RemoveAll(dst)
		return fmt.Errorf("copy across devices: %w", err)
	}
	return os.RemoveAll(src)
}

func copyTree(srcDir, dstDir string) error {
	return filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return fmt.Errorf("resolve relative path: %w", err)
		}
		target := filepath.Join(dstDir, rel)

		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("read entry info for %q: %w", path, err)
		}

		switch {
		case d.IsDir():
			return os.MkdirAll(target, info.Mode().Perm())
		case info.Mode().IsRegular():
			return copyFile(path, target, info.Mode().Perm())
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return fmt.Errorf("read symlink %q: %w", path, err)
			}
			return os.Symlink(link, target)
		default:
			return fmt.Errorf("unsupported file type for %q (%s)", path, info.Mode().Type())
		}
	})
}

func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
