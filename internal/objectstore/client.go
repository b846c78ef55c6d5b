// Package objectstore uploads assembled job workspaces to durable storage.
//
// Destinations are URIs. file:// targets a local or mounted filesystem,
// s3://bucket/prefix targets an S3-compatible bucket, and http(s):// targets
// any object store accepting PUT requests per object.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

//go:generate mockgen -destination=mocks/mock_client.go -package=mocks github.com/mattjoyce/simrunner/internal/objectstore Client

// Client stores a single object under key.
type Client interface {
	Put(ctx context.Context, key string, r io.Reader, size int64) error
}

// ErrUpload marks any failure to durably store a workspace.
var ErrUpload = errors.New("upload failed")

// Options configures clients created by ForURI.
type Options struct {
	Token   string
	Timeout time.Duration
	S3      S3Options
}

// S3Options configures s3:// destinations.
type S3Options struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Insecure  bool
	// Transport overrides the HTTP transport, mainly for tests.
	Transport http.RoundTripper
}

// ForURI returns a client able to write to destURI.
func ForURI(destURI string, opts Options) (Client, error) {
	u, err := parseDestination(destURI)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "file":
		return NewFSClient("/"), nil
	case "s3":
		c, err := NewS3Client(u.Host, opts.S3, opts.Timeout)
		if err != nil {
			return nil, err
		}
		return c, nil
	case "http", "https":
		base := &url.URL{Scheme: u.Scheme, Host: u.Host}
		return NewHTTPClient(base.String(), opts.Token, opts.Timeout), nil
	default:
		return nil, fmt.Errorf("unsupported storage scheme %q", u.Scheme)
	}
}

// Location joins a relative object path onto destURI.
func Location(destURI, rel string) string {
	return strings.TrimRight(destURI, "/") + "/" + strings.TrimLeft(path.Clean("/"+rel), "/")
}

func parseDestination(destURI string) (*url.URL, error) {
	if strings.TrimSpace(destURI) == "" {
		return nil, fmt.Errorf("storage destination is empty")
	}
	u, err := url.Parse(destURI)
	if err != nil {
		return nil, fmt.Errorf("parse storage destination %q: %w", destURI, err)
	}
	if u.Scheme == "" {
		return nil, fmt.Errorf("storage destination %q has no scheme", destURI)
	}
	if u.Scheme == "file" && u.Host != "" && u.Host != "localhost" {
		return nil, fmt.Errorf("file destination %q names remote host %q", destURI, u.Host)
	}
	if u.Scheme != "file" && u.Host == "" {
		return nil, fmt.Errorf("storage destination %q has no host", destURI)
	}
	return u, nil
}

// keyPrefix is the object key prefix encoded in destURI's path.
func keyPrefix(destURI string) (string, error) {
	u, err := parseDestination(destURI)
	if err != nil {
		return "", err
	}
	p := strings.Trim(path.Clean("/"+u.Path), "/")
	if u.Scheme == "file" && p == "" {
		return "", fmt.Errorf("file destination %q must name a directory", destURI)
	}
	return p, nil
}
