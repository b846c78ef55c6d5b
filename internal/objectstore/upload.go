package objectstore

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/zeebo/blake3"
)

// ManifestName is the object written last, listing every uploaded object's digest.
const ManifestName = "MANIFEST.blake3"

// Report summarizes a completed upload.
type Report struct {
	Destination string
	Objects     int
	Bytes       int64
	Digests     map[string]string
}

// Upload stores every regular file below localDir under destURI, followed by
// a BLAKE3 manifest. Any failure is reported as ErrUpload.
//
// The upload is not interrupted when ctx is cancelled.
func Upload(ctx context.Context, client Client, localDir, destURI string) (Report, error) {
	report := Report{Destination: destURI, Digests: make(map[string]string)}
	if client == nil {
		return report, fmt.Errorf("%w: no storage client", ErrUpload)
	}

	prefix, err := keyPrefix(destURI)
	if err != nil {
		return report, fmt.Errorf("%w: %v", ErrUpload, err)
	}

	info, err := os.Stat(localDir)
	if err != nil {
		return report, fmt.Errorf("%w: %v", ErrUpload, err)
	}
	if !info.IsDir() {
		return report, fmt.Errorf("%w: %s is not a directory", ErrUpload, localDir)
	}

	ctx = context.WithoutCancel(ctx)

	err = filepath.WalkDir(localDir, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(localDir, p)
		if err != nil {
			return fmt.Errorf("resolve relative path: %w", err)
		}
		rel = filepath.ToSlash(rel)

		digest, size, err := putFile(ctx, client, p, path.Join(prefix, rel))
		if err != nil {
			return err
		}
		report.Digests[rel] = digest
		report.Objects++
		report.Bytes += size
		return nil
	})
	if err != nil {
		return report, fmt.Errorf("%w: %v", ErrUpload, err)
	}

	manifest := renderManifest(report.Digests)
	if err := client.Put(ctx, path.Join(prefix, ManifestName), bytes.NewReader(manifest), int64(len(manifest))); err != nil {
		return report, fmt.Errorf("%w: manifest: %v", ErrUpload, err)
	}
	report.Objects++
	report.Bytes += int64(len(manifest))

	return report, nil
}

func putFile(ctx context.Context, client Client, localPath, key string) (string, int64, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", 0, err
	}

	h := blake3.New()
	if err := client.Put(ctx, key, io.TeeReader(f, h), info.Size()); err != nil {
		return "", 0, fmt.Errorf("put %s: %w", key, err)
	}
	return hex.EncodeToString(h.Sum(nil)), info.Size(), nil
}

func renderManifest(digests map[string]string) []byte {
	names := make([]string, 0, len(digests))
	for name := range digests {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		fmt.Fprintf(&b, "%s  %s\n", digests[name], name)
	}
	return []byte(b.String())
}
