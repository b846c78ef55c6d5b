package artifact

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"github.com/mattjoyce/simrunner/internal/config"
)

const maxRenderStderr = 64 * 1024

// ChecksumManifest writes a BLAKE3 digest line for every file below resultDir
// into outDir/filename.
func ChecksumManifest(resultDir, outDir, filename string) Producer {
	return func(ctx context.Context) (string, error) {
		files, err := listFiles(resultDir)
		if err != nil {
			return "", err
		}

		var b strings.Builder
		for _, rel := range files {
			if err := ctx.Err(); err != nil {
				return "", err
			}
			sum, err := hashFile(filepath.Join(resultDir, filepath.FromSlash(rel)))
			if err != nil {
				return "", err
			}
			fmt.Fprintf(&b, "%s  %s\n", sum, rel)
		}

		if err := os.WriteFile(filepath.Join(outDir, filename), []byte(b.String()), 0o644); err != nil {
			return "", fmt.Errorf("write checksum manifest: %w", err)
		}
		return filename, nil
	}
}

// Summary is the body of the run summary artifact.
type Summary struct {
	JobID        string            `json:"job_id"`
	AssignmentID string            `json:"assignment_id"`
	JobType      string            `json:"job_type"`
	DataPackage  string            `json:"data_package"`
	Engine       map[string]string `json:"engine,omitempty"`
	Files        int               `json:"files"`
	Bytes        int64             `json:"bytes"`
	GeneratedAt  time.Time         `json:"generated_at"`
}

// RunSummary writes s as JSON into outDir/filename, with file counts taken
// from resultDir at generation time.
func RunSummary(s Summary, resultDir, outDir, filename string) Producer {
	return func(ctx context.Context) (string, error) {
		files, err := listFiles(resultDir)
		if err != nil {
			return "", err
		}
		s.Files = len(files)
		s.Bytes = 0
		for _, rel := range files {
			info, err := os.Stat(filepath.Join(resultDir, filepath.FromSlash(rel)))
			if err != nil {
				return "", err
			}
			s.Bytes += info.Size()
		}
		if s.GeneratedAt.IsZero() {
			s.GeneratedAt = time.Now().UTC()
		}

		data, err := json.MarshalIndent(s, "", "  ")
		if err != nil {
			return "", fmt.Errorf("encode run summary: %w", err)
		}
		if err := os.WriteFile(filepath.Join(outDir, filename), data, 0o644); err != nil {
			return "", fmt.Errorf("write run summary: %w", err)
		}
		return filename, nil
	}
}

// Render runs an external renderer as: command... <resultDir> <outDir/filename>.
// The renderer must create the output file.
func Render(command []string, resultDir, outDir, filename string) Producer {
	return func(ctx context.Context) (string, error) {
		if len(command) == 0 {
			return "", fmt.Errorf("render command is empty")
		}
		out := filepath.Join(outDir, filename)
		args := append(append([]string{}, command[1:]...), resultDir, out)

		cmd := exec.CommandContext(ctx, command[0], args...)
		var stderr bytes.Buffer
		cmd.Stderr = &limitedWriter{w: &stderr, n: maxRenderStderr}
		if err := cmd.Run(); err != nil {
			return "", fmt.Errorf("renderer %s: %w: %s", command[0], err, strings.TrimSpace(stderr.String()))
		}

		info, err := os.Stat(out)
		if err != nil {
			return "", fmt.Errorf("renderer %s produced no output: %w", command[0], err)
		}
		if !info.Mode().IsRegular() {
			return "", fmt.Errorf("renderer %s output %s is not a regular file", command[0], filename)
		}
		return filename, nil
	}
}

// RenderTasks builds one task per configured renderer.
func RenderTasks(renders []config.RenderConf, resultDir, outDir string) []Task {
	tasks := make([]Task, 0, len(renders))
	for _, r := range renders {
		tasks = append(tasks, Task{
			Name:        r.Title,
			Label:       r.Label,
			Description: r.Description,
			Produce:     Render(r.Command, resultDir, outDir, r.Filename),
		})
	}
	return tasks
}

func listFiles(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", root, err)
	}
	sort.Strings(files)
	return files, nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// limitedWriter drops everything past n bytes and never fails the writer.
type limitedWriter struct {
	w io.Writer
	n int
}

func (l *limitedWriter) Write(p []byte) (int, error) {
	if l.n > 0 {
		chunk := p
		if len(chunk) > l.n {
			chunk = chunk[:l.n]
		}
		written, _ := l.w.Write(chunk)
		l.n -= written
	}
	return len(p), nil
}
