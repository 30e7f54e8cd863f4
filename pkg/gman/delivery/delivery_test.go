package delivery

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jholhewres/gman/pkg/gman/workspace"
)

type sent struct {
	msg  Message
	body string
}

type recorder struct {
	sent []sent
	err  error
}

func (r *recorder) Send(_ context.Context, msg *Message) error {
	s := sent{msg: *msg}
	if msg.Attachment != nil {
		data, err := os.ReadFile(msg.Attachment.Path)
		if err != nil {
			return err
		}
		s.body = string(data)
	}
	r.sent = append(r.sent, s)
	return r.err
}

func newWorkspace(t *testing.T) *workspace.Workspace {
	t.Helper()
	m, err := workspace.NewManager(t.TempDir(), nil)
	require.NoError(t, err)
	ws, err := m.Create()
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func TestFailure_Ceiling(t *testing.T) {
	tests := []struct {
		name       string
		detail     string
		attachment bool
		content    string
	}{
		{"fenced", "Invalid argument", false, "FFmpeg encountered an error:\n```\nInvalid argument\n```"},
		{"1999 characters raw", strings.Repeat("x", 1999), false, strings.Repeat("x", 1999)},
		{"2000 characters raw", strings.Repeat("x", 2000), false, strings.Repeat("x", 2000)},
		{"2000 multibyte characters raw", strings.Repeat("é", 2000), false, strings.Repeat("é", 2000)},
		{"2001 characters attached", strings.Repeat("x", 2001), true, "FFmpeg encountered an error. The full output is attached."},
		{"empty", "\n", false, "FFmpeg encountered an error."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ws := newWorkspace(t)
			rec := &recorder{}
			d := New(DefaultConfig(), nil)

			err := d.Failure(context.Background(), rec, ws, "FFmpeg encountered an error", tt.detail, "ffmpeg_error.txt")
			require.NoError(t, err)
			require.Len(t, rec.sent, 1)

			got := rec.sent[0]
			assert.Equal(t, tt.content, got.msg.Content)
			if !tt.attachment {
				assert.Nil(t, got.msg.Attachment)
				return
			}
			require.NotNil(t, got.msg.Attachment)
			assert.Equal(t, "ffmpeg_error.txt", got.msg.Attachment.Name)
			assert.Equal(t, tt.detail, got.body)
			assert.NoFileExists(t, got.msg.Attachment.Path)
			assert.Empty(t, ws.Files())
		})
	}
}

func TestOutput_Success(t *testing.T) {
	ws := newWorkspace(t)
	out, err := ws.Path("out.png")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(out, []byte("\x89PNG\r\n\x1a\nrest"), 0o644))

	rec := &recorder{}
	d := New(DefaultConfig(), nil)
	require.NoError(t, d.Output(context.Background(), rec, "FFmpeg", out, 1500*time.Millisecond))

	require.Len(t, rec.sent, 1)
	msg := rec.sent[0].msg
	assert.Equal(t, "-# FFmpeg processing completed in 1.50 seconds.", msg.Content)
	require.NotNil(t, msg.Attachment)
	assert.Equal(t, "out.png", msg.Attachment.Name)
	assert.Equal(t, "image/png", msg.Attachment.MimeType)
	assert.NoFileExists(t, out)
}

func TestOutput_DeletedEvenWhenSendFails(t *testing.T) {
	ws := newWorkspace(t)
	out, err := ws.Path("out.mp4")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(out, []byte("data"), 0o644))

	rec := &recorder{err: errors.New("gateway closed")}
	err = New(DefaultConfig(), nil).Output(context.Background(), rec, "FFmpeg", out, time.Second)
	require.Error(t, err)
	assert.NoFileExists(t, out)
}

func TestOutput_Missing(t *testing.T) {
	rec := &recorder{}
	d := New(DefaultConfig(), nil)
	missing := filepath.Join(t.TempDir(), "never-written.gif")

	require.NoError(t, d.Output(context.Background(), rec, "FFmpeg", missing, time.Second))
	require.Len(t, rec.sent, 1)
	assert.Equal(t, "FFmpeg processing completed, but the output file could not be found.", rec.sent[0].msg.Content)
	assert.Nil(t, rec.sent[0].msg.Attachment)
}

func TestOutput_TooLarge(t *testing.T) {
	ws := newWorkspace(t)
	out, err := ws.Path("big.mp4")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(out, make([]byte, 2048), 0o644))

	rec := &recorder{}
	d := New(Config{MaxAttachmentBytes: 1024}, nil)
	require.NoError(t, d.Output(context.Background(), rec, "FFmpeg", out, time.Second))

	require.Len(t, rec.sent, 1)
	assert.Nil(t, rec.sent[0].msg.Attachment)
	assert.Contains(t, rec.sent[0].msg.Content, "exceeds the 1.0 KiB upload limit")
	assert.NoFileExists(t, out)
}

func TestFence_BreaksNestedFences(t *testing.T) {
	got := Fence("a ``` b")
	assert.Equal(t, 2, strings.Count(got, "```"))
}

func TestSplitMessage(t *testing.T) {
	assert.Equal(t, []string{"short"}, SplitMessage("short", 10))

	chunks := SplitMessage(strings.Repeat("é", 25), 10)
	require.Len(t, chunks, 3)
	for _, c := range chunks {
		assert.LessOrEqual(t, len([]rune(c)), 10)
	}

	chunks = SplitMessage("line one\nline two\n", 12)
	assert.Equal(t, []string{"line one\n", "line two\n"}, chunks)
}

func TestDetectMimeType(t *testing.T) {
	tests := []struct {
		data []byte
		name string
		want string
	}{
		{[]byte("\x89PNG\r\n\x1a\n"), "x.png", "image/png"},
		{[]byte("GIF89a"), "x.gif", "image/gif"},
		{[]byte{0x00, 0x01}, "x.mp3", "audio/mpeg"},
		{[]byte{0x00, 0x01}, "x.mkv", "video/x-matroska"},
		{[]byte{0x00, 0x01}, "x.bin", "application/octet-stream"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DetectMimeType(tt.data, tt.name), tt.name)
	}
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", FormatBytes(512))
	assert.Equal(t, "1.5 KiB", FormatBytes(1536))
	assert.Equal(t, "25.0 MiB", FormatBytes(25*1024*1024))
}
