// Package fetch opens and downloads documents and images by locator.
// A locator is an http(s) URL, a file:// URL or a local path.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
)

const (
	DefaultTimeout    = 60 * time.Second
	DefaultMaxRetries = 3
	DefaultRetryDelay = 500 * time.Millisecond
	DefaultUserAgent  = "fulltext/1.0"
)

// StatusError is returned for HTTP responses other than 200.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %d", e.URL, e.Code)
}

// Temporary reports whether retrying the request may succeed.
func (e *StatusError) Temporary() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// Options configures a Downloader.
type Options struct {
	Client     *http.Client
	Timeout    time.Duration
	MaxRetries uint
	RetryDelay time.Duration
	UserAgent  string
	Logger     *slog.Logger
}

// Downloader fetches remote locators with retries and opens local ones
// directly.
type Downloader struct {
	client    *http.Client
	attempts  uint
	delay     time.Duration
	userAgent string
	logger    *slog.Logger
}

// New creates a Downloader.
func New(opts Options) *Downloader {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: opts.Timeout}
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Downloader{
		client:    opts.Client,
		attempts:  opts.MaxRetries + 1,
		delay:     opts.RetryDelay,
		userAgent: opts.UserAgent,
		logger:    opts.Logger.With("component", "fetch"),
	}
}

// IsRemote reports whether locator is fetched over HTTP.
func IsRemote(locator string) bool {
	l := strings.ToLower(locator)
	return strings.HasPrefix(l, "http://") || strings.HasPrefix(l, "https://")
}

// localPath turns a file:// URL or plain path into a filesystem path.
func localPath(locator string) (string, error) {
	if strings.HasPrefix(strings.ToLower(locator), "file://") {
		u, err := url.Parse(locator)
		if err != nil {
			return "", fmt.Errorf("parse locator: %w", err)
		}
		return u.Path, nil
	}
	return locator, nil
}

// Permitted reports whether locator may be opened on behalf of an untrusted
// caller: http(s) URLs always are, local paths and file:// URLs only when
// they resolve to a location inside one of localRoots. Symlinks are
// resolved on both sides.
func Permitted(locator string, localRoots []string) bool {
	if IsRemote(locator) {
		return true
	}
	if strings.Contains(locator, "://") && !strings.HasPrefix(strings.ToLower(locator), "file://") {
		return false
	}
	p, err := localPath(locator)
	if err != nil || p == "" {
		return false
	}
	target, err := resolvePath(p)
	if err != nil {
		return false
	}
	for _, root := range localRoots {
		if root == "" {
			continue
		}
		base, err := resolvePath(root)
		if err != nil {
			continue
		}
		rel, err := filepath.Rel(base, target)
		if err != nil {
			continue
		}
		if rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// resolvePath returns the absolute, symlink-free form of p. A missing final
// element is allowed so a path to a file that does not exist yet still
// resolves through its directory.
func resolvePath(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		return real, nil
	}
	dir, err := filepath.EvalSymlinks(filepath.Dir(abs))
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, filepath.Base(abs)), nil
}

// Open returns a reader for the locator's content. Remote requests are
// retried on network errors, 429 and 5xx until the body starts streaming.
func (d *Downloader) Open(ctx context.Context, locator string) (io.ReadCloser, error) {
	if !IsRemote(locator) {
		path, err := localPath(locator)
		if err != nil {
			return nil, err
		}
		return os.Open(path)
	}

	var body io.ReadCloser
	err := retry.Do(
		func() error {
			rc, err := d.get(ctx, locator)
			if err != nil {
				return err
			}
			body = rc
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(d.attempts),
		retry.Delay(d.delay),
		retry.LastErrorOnly(true),
		retry.RetryIf(retryable),
		retry.OnRetry(func(n uint, err error) {
			d.logger.Warn("retrying request", "url", locator, "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		return nil, err
	}
	return body, nil
}

func (d *Downloader) get(ctx context.Context, locator string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, locator, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", d.userAgent)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, &StatusError{URL: locator, Code: resp.StatusCode}
	}
	return resp.Body, nil
}

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	return true
}

// Download copies the locator's content to dst, replacing it atomically.
// A failure while the body is streaming restarts the whole download.
func (d *Downloader) Download(ctx context.Context, locator, dst string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, fmt.Errorf("create download directory: %w", err)
	}

	var written int64
	err := retry.Do(
		func() error {
			n, err := d.downloadOnce(ctx, locator, dst)
			if err != nil {
				return err
			}
			written = n
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(d.attempts),
		retry.Delay(d.delay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool { return IsRemote(locator) && retryable(err) }),
	)
	if err != nil {
		return 0, fmt.Errorf("download %s: %w", locator, err)
	}
	d.logger.Debug("downloaded", "url", locator, "bytes", written, "path", dst)
	return written, nil
}

func (d *Downloader) downloadOnce(ctx context.Context, locator, dst string) (int64, error) {
	var (
		src io.ReadCloser
		err error
	)
	if IsRemote(locator) {
		src, err = d.get(ctx, locator)
	} else {
		src, err = d.Open(ctx, locator)
	}
	if err != nil {
		return 0, err
	}
	defer src.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), filepath.Base(dst)+".part-*")
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(tmp, src)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return 0, err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		_ = os.Remove(tmp.Name())
		return 0, err
	}
	return n, nil
}
