package channels

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/jholhewres/gman/pkg/gman/delivery"
)

// Console delivers results to a terminal: text is printed and attachments
// are copied into an output directory before the pipeline deletes them.
type Console struct {
	out    io.Writer
	outDir string

	mu    sync.Mutex
	saved []string
}

// NewConsole creates a Console writing to out and saving attachments under
// outDir.
func NewConsole(out io.Writer, outDir string) *Console {
	return &Console{out: out, outDir: outDir}
}

// Send prints the message and saves its attachment, if any.
func (c *Console) Send(ctx context.Context, msg *delivery.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if msg.Content != "" {
		fmt.Fprintln(c.out, strings.TrimRight(msg.Content, "\n"))
	}
	if msg.Attachment == nil {
		return nil
	}

	dest, err := c.save(msg.Attachment)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	c.saved = append(c.saved, dest)
	fmt.Fprintf(c.out, "saved %s (%s)\n", dest, msg.Attachment.MimeType)
	return nil
}

// Saved returns the files written so far.
func (c *Console) Saved() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.saved...)
}

func (c *Console) save(att *delivery.Attachment) (string, error) {
	if err := os.MkdirAll(c.outDir, 0o755); err != nil {
		return "", fmt.Errorf("creating output dir: %w", err)
	}
	src, err := os.Open(att.Path)
	if err != nil {
		return "", err
	}
	defer src.Close()

	dst, dest, err := createUnique(c.outDir, filepath.Base(att.Name))
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(dest)
		return "", fmt.Errorf("copying %s: %w", att.Name, err)
	}
	return dest, dst.Close()
}

// createUnique creates name inside dir, adding a numeric suffix instead of
// overwriting an existing file.
func createUnique(dir, name string) (*os.File, string, error) {
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	for i := 0; i < 1000; i++ {
		candidate := name
		if i > 0 {
			candidate = fmt.Sprintf("%s-%d%s", base, i, ext)
		}
		path := filepath.Join(dir, candidate)
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return f, path, nil
		}
		if !os.IsExist(err) {
			return nil, "", err
		}
	}
	return nil, "", fmt.Errorf("no free file name for %s in %s", name, dir)
}

var _ delivery.Messenger = (*Console)(nil)
