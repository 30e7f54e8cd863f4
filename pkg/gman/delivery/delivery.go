// Package delivery reports invocation results back to the caller: the
// produced file on success, the tool's diagnostic on failure.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"
)

// DefaultInlineLimit is the chat platform's message length ceiling, in
// characters.
const DefaultInlineLimit = 2000

// Attachment is a file sent alongside a message. The file at Path is read
// by the Messenger at send time.
type Attachment struct {
	Name     string
	Path     string
	MimeType string
}

// Message is one outbound reply.
type Message struct {
	Content    string
	Attachment *Attachment
}

// Messenger sends replies to the conversation a request came from.
type Messenger interface {
	Send(ctx context.Context, msg *Message) error
}

// MessengerFunc adapts a function to Messenger.
type MessengerFunc func(ctx context.Context, msg *Message) error

// Send calls f.
func (f MessengerFunc) Send(ctx context.Context, msg *Message) error { return f(ctx, msg) }

// Scratch is where spilled diagnostics are written. It is satisfied by
// *workspace.Workspace.
type Scratch interface {
	UniquePath(name string) (string, error)
	Track(path string) error
	Remove(path string) error
}

// Config holds delivery settings.
type Config struct {
	// InlineLimit is the longest message sent as text, in characters.
	InlineLimit int `yaml:"inline_limit"`

	// MaxAttachmentBytes rejects outputs the platform would refuse.
	// 0 disables the check.
	MaxAttachmentBytes int64 `yaml:"max_attachment_bytes"`
}

// DefaultConfig returns the chat platform defaults.
func DefaultConfig() Config {
	return Config{
		InlineLimit:        DefaultInlineLimit,
		MaxAttachmentBytes: 25 * 1024 * 1024,
	}
}

// Deliverer formats and sends results.
type Deliverer struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a Deliverer.
func New(cfg Config, logger *slog.Logger) *Deliverer {
	if cfg.InlineLimit <= 0 {
		cfg.InlineLimit = DefaultInlineLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Deliverer{cfg: cfg, logger: logger.With("component", "delivery")}
}

// InlineLimit returns the configured ceiling.
func (d *Deliverer) InlineLimit() int { return d.cfg.InlineLimit }

// Output sends the produced file with a timing note and deletes it
// afterwards, whether or not the send succeeded. A missing output is
// reported as text.
func (d *Deliverer) Output(ctx context.Context, m Messenger, tool, output string, elapsed time.Duration) error {
	info, err := os.Stat(output)
	if err != nil || info.IsDir() {
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			d.logger.Warn("stat output failed", "path", output, "error", err)
		}
		return m.Send(ctx, &Message{Content: MissingOutputMessage(tool)})
	}
	defer func() {
		if err := os.Remove(output); err != nil && !errors.Is(err, fs.ErrNotExist) {
			d.logger.Warn("removing delivered output", "path", output, "error", err)
		}
	}()

	if d.cfg.MaxAttachmentBytes > 0 && info.Size() > d.cfg.MaxAttachmentBytes {
		return m.Send(ctx, &Message{Content: fmt.Sprintf(
			"%s processing completed, but the output (%s) exceeds the %s upload limit.",
			tool, FormatBytes(info.Size()), FormatBytes(d.cfg.MaxAttachmentBytes),
		)})
	}

	mime, err := DetectFileMimeType(output)
	if err != nil {
		d.logger.Debug("mime detection failed", "path", output, "error", err)
	}
	msg := &Message{
		Content: SuccessMessage(tool, elapsed),
		Attachment: &Attachment{
			Name:     filepath.Base(output),
			Path:     output,
			MimeType: mime,
		},
	}
	if err := m.Send(ctx, msg); err != nil {
		return fmt.Errorf("sending output: %w", err)
	}
	d.logger.Info("output delivered", "tool", tool, "file", msg.Attachment.Name, "size", info.Size(), "elapsed", elapsed)
	return nil
}

// Failure reports detail, a tool diagnostic or an error description. It is
// sent fenced when the fenced form fits, raw when only the bare text fits,
// and as a text attachment named spillName otherwise.
func (d *Deliverer) Failure(ctx context.Context, m Messenger, scratch Scratch, header, detail, spillName string) error {
	detail = strings.TrimRight(detail, "\n")
	if detail == "" {
		return m.Send(ctx, &Message{Content: header + "."})
	}

	fenced := header + ":\n" + Fence(detail)
	switch {
	case utf8.RuneCountInString(fenced) <= d.cfg.InlineLimit:
		return m.Send(ctx, &Message{Content: fenced})
	case utf8.RuneCountInString(detail) <= d.cfg.InlineLimit:
		return m.Send(ctx, &Message{Content: detail})
	}

	path, err := scratch.UniquePath(spillName)
	if err != nil {
		return fmt.Errorf("spill path: %w", err)
	}
	if err := os.WriteFile(path, []byte(detail), 0o600); err != nil {
		return fmt.Errorf("writing %s: %w", spillName, err)
	}
	if err := scratch.Track(path); err != nil {
		os.Remove(path)
		return err
	}
	defer func() {
		if err := scratch.Remove(path); err != nil {
			d.logger.Warn("removing spilled diagnostic", "path", path, "error", err)
		}
	}()

	return m.Send(ctx, &Message{
		Content: header + ". The full output is attached.",
		Attachment: &Attachment{
			Name:     filepath.Base(path),
			Path:     path,
			MimeType: "text/plain; charset=utf-8",
		},
	})
}

// Text sends content, splitting it into chunks no longer than the inline
// limit. It is meant for help text and listings, never for diagnostics.
func (d *Deliverer) Text(ctx context.Context, m Messenger, content string) error {
	for _, chunk := range SplitMessage(content, d.cfg.InlineLimit) {
		if err := m.Send(ctx, &Message{Content: chunk}); err != nil {
			return err
		}
	}
	return nil
}

// SuccessMessage is the note sent with a delivered output.
func SuccessMessage(tool string, elapsed time.Duration) string {
	return fmt.Sprintf("-# %s processing completed in %.2f seconds.", tool, elapsed.Seconds())
}

// MissingOutputMessage is sent when the tool succeeded but left no output.
func MissingOutputMessage(tool string) string {
	return tool + " processing completed, but the output file could not be found."
}

// Fence wraps s in a code block, breaking any fence inside it.
func Fence(s string) string {
	s = strings.ReplaceAll(s, "```", "`\u200b``")
	return "```\n" + s + "\n```"
}

// FormatBytes renders n with a binary unit.
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
