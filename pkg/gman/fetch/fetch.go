// Package fetch resolves remote media locators into local files inside an
// invocation workspace.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"syscall"
	"time"
)

// Config holds fetcher settings.
type Config struct {
	// Timeout bounds a single download, headers and body included.
	Timeout time.Duration `yaml:"timeout"`

	// MaxBytes caps the size of a downloaded resource. 0 disables the cap.
	MaxBytes int64 `yaml:"max_bytes"`

	// UserAgent is sent with every request.
	UserAgent string `yaml:"user_agent"`
}

// DefaultConfig returns the fetcher defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:   2 * time.Minute,
		MaxBytes:  100 * 1024 * 1024,
		UserAgent: "gman/1.0",
	}
}

// URLValidator vets a locator before it is dialed and on every redirect.
type URLValidator interface {
	IsAllowed(rawURL string) error
}

// DialGuard vets the address a connection is about to use. A URLValidator
// that also implements DialGuard is installed as the dialer's Control hook,
// so the address checked is the address connected to.
type DialGuard interface {
	Control(network, address string, c syscall.RawConn) error
}

// maxRedirects matches the net/http default.
const maxRedirects = 10

// Option customizes a Fetcher.
type Option func(*Fetcher)

// WithURLValidator sets the validator consulted before each request.
func WithURLValidator(v URLValidator) Option {
	return func(f *Fetcher) { f.validator = v }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

// Directory is the destination of a fetch: an invocation workspace.
type Directory interface {
	UniquePath(name string) (string, error)
	Track(path string) error
}

// Resource is a locator materialized as a local file.
type Resource struct {
	Locator string
	Path    string
	Size    int64
}

// Error reports a failed fetch. Status is the HTTP status code, or 0 when
// no response was received.
type Error struct {
	Locator string
	Status  int
	Err     error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetching %s: HTTP %d", e.Locator, e.Status)
	}
	return fmt.Sprintf("fetching %s: %v", e.Locator, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrEmptyBody is reported when a 2xx response carries no bytes.
var ErrEmptyBody = errors.New("empty response body")

// ErrTooLarge is reported when a body exceeds Config.MaxBytes.
var ErrTooLarge = errors.New("resource exceeds size limit")

// Fetcher downloads media over HTTP(S).
type Fetcher struct {
	cfg       Config
	client    *http.Client
	validator URLValidator
	logger    *slog.Logger
}

// New creates a Fetcher.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	f := &Fetcher{
		cfg:    cfg,
		logger: logger.With("component", "fetch"),
	}
	for _, o := range opts {
		o(f)
	}
	if f.client == nil {
		f.client = f.newClient()
	}
	return f
}

// newClient builds the default client: redirects are re-validated hop by
// hop, and a DialGuard validator checks every dialed address.
func (f *Fetcher) newClient() *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if guard, ok := f.validator.(DialGuard); ok {
		dialer := &net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
			Control:   guard.Control,
		}
		transport.DialContext = dialer.DialContext
	}
	return &http.Client{
		Timeout:       f.cfg.Timeout,
		Transport:     transport,
		CheckRedirect: f.checkRedirect,
	}
}

func (f *Fetcher) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return fmt.Errorf("stopped after %d redirects", maxRedirects)
	}
	if f.validator == nil {
		return nil
	}
	if err := f.validator.IsAllowed(req.URL.String()); err != nil {
		return fmt.Errorf("redirect to %s: %w", req.URL.Redacted(), err)
	}
	return nil
}

// IsURL reports whether s is an absolute locator with both a scheme and a
// host.
func IsURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return u.Scheme != "" && u.Host != ""
}

// FileName derives the local file name from the locator's path component.
func FileName(locator string) string {
	name := "download"
	if u, err := url.Parse(locator); err == nil {
		if base := path.Base(u.Path); base != "." && base != "/" && base != "" {
			name = base
		}
	}
	return sanitizeFilename(name)
}

// Fetch downloads locator into dir. The body is streamed to disk; on any
// failure the partial file is removed before returning.
func (f *Fetcher) Fetch(ctx context.Context, locator string, dir Directory) (*Resource, error) {
	if !IsURL(locator) {
		return nil, &Error{Locator: locator, Err: errors.New("not an absolute URL")}
	}
	if f.validator != nil {
		if err := f.validator.IsAllowed(locator); err != nil {
			return nil, &Error{Locator: locator, Err: err}
		}
	}

	dest, err := dir.UniquePath(FileName(locator))
	if err != nil {
		return nil, &Error{Locator: locator, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, locator, nil)
	if err != nil {
		return nil, &Error{Locator: locator, Err: err}
	}
	if f.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", f.cfg.UserAgent)
	}

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &Error{Locator: locator, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
		return nil, &Error{Locator: locator, Status: resp.StatusCode}
	}
	if f.cfg.MaxBytes > 0 && resp.ContentLength > f.cfg.MaxBytes {
		return nil, &Error{Locator: locator, Status: resp.StatusCode, Err: ErrTooLarge}
	}

	size, err := f.writeFile(dest, resp.Body)
	if err != nil {
		return nil, &Error{Locator: locator, Err: err}
	}
	if err := dir.Track(dest); err != nil {
		os.Remove(dest)
		return nil, &Error{Locator: locator, Err: err}
	}

	f.logger.Info("fetched resource",
		"url", locator,
		"path", dest,
		"bytes", size,
		"duration", time.Since(start),
	)
	return &Resource{Locator: locator, Path: dest, Size: size}, nil
}

// writeFile streams body into dest via a temporary ".part" file that is
// renamed only once the whole body was written.
func (f *Fetcher) writeFile(dest string, body io.Reader) (int64, error) {
	part := dest + ".part"
	out, err := os.OpenFile(part, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, fmt.Errorf("creating file: %w", err)
	}

	r := body
	if f.cfg.MaxBytes > 0 {
		r = io.LimitReader(body, f.cfg.MaxBytes+1)
	}
	n, err := io.Copy(out, r)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	switch {
	case err != nil:
		err = fmt.Errorf("writing file: %w", err)
	case n == 0:
		err = ErrEmptyBody
	case f.cfg.MaxBytes > 0 && n > f.cfg.MaxBytes:
		err = ErrTooLarge
	}
	if err == nil {
		err = os.Rename(part, dest)
	}
	if err != nil {
		os.Remove(part)
		return 0, err
	}
	return n, nil
}

// sanitizeFilename strips path separators and control characters and
// bounds the length.
func sanitizeFilename(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))

	var b strings.Builder
	for _, r := range name {
		if r >= 32 && r != 127 {
			b.WriteRune(r)
		}
	}
	s := strings.TrimSpace(b.String())
	if s == "" || s == "." || s == ".." {
		return "download"
	}
	if strings.HasPrefix(s, "-") {
		s = "_" + s[1:]
	}
	if len(s) > 200 {
		ext := path.Ext(s)
		if len(ext) > 16 {
			ext = ""
		}
		s = s[:200-len(ext)] + ext
	}
	return s
}
