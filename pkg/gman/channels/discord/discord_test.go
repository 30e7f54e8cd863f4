package discord

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jholhewres/gman/pkg/gman/channels"
	"github.com/jholhewres/gman/pkg/gman/command"
	"github.com/jholhewres/gman/pkg/gman/delivery"
)

var commandName = regexp.MustCompile(`^[-_a-z0-9]{1,32}$`)

func TestSlashCommands(t *testing.T) {
	t.Parallel()
	cmds := slashCommands()
	require.Len(t, cmds, len(command.Grammars())+1)

	seen := make(map[string]bool)
	for _, c := range cmds {
		assert.Regexp(t, commandName, c.Name)
		assert.False(t, seen[c.Name], "duplicate %s", c.Name)
		seen[c.Name] = true
		assert.NotEmpty(t, c.Description, c.Name)
		assert.LessOrEqual(t, len(c.Description), 100, c.Name)

		optional := false
		for _, o := range c.Options {
			assert.Regexp(t, commandName, o.Name)
			assert.LessOrEqual(t, len(o.Description), 100, c.Name+"."+o.Name)
			// Required options must come first.
			if !o.Required {
				optional = true
			} else {
				assert.False(t, optional, "%s: required %s after optional", c.Name, o.Name)
			}
		}
	}
	assert.True(t, seen["help"])
}

func strOpt(name, v string) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{Name: name, Type: discordgo.ApplicationCommandOptionString, Value: v}
}

func intOpt(name string, v int) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{Name: name, Type: discordgo.ApplicationCommandOptionInteger, Value: float64(v)}
}

func TestRequestFromInteraction(t *testing.T) {
	t.Parallel()

	req, err := requestFromInteraction(discordgo.ApplicationCommandInteractionData{
		Name:    "ffmpeg",
		Options: []*discordgo.ApplicationCommandInteractionDataOption{strOpt("args", `-i "https://x/a b.mp4" out.gif`)},
	}, "discord:1")
	require.NoError(t, err)
	assert.Equal(t, "ffmpeg", req.Tool)
	assert.Equal(t, `-i "https://x/a b.mp4" out.gif`, req.Args)
	assert.Equal(t, "discord:1", req.Caller)
	assert.False(t, req.IssuedAt.IsZero())

	req, err = requestFromInteraction(discordgo.ApplicationCommandInteractionData{
		Name: "gif",
		Options: []*discordgo.ApplicationCommandInteractionDataOption{
			strOpt("url", "https://x/v.mp4?a=1&b=2"),
			intOpt("fps", 12),
		},
	}, "discord:1")
	require.NoError(t, err)
	tokens, err := command.Tokenize(req.Args)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://x/v.mp4?a=1&b=2", "12"}, tokens)

	req, err = requestFromInteraction(discordgo.ApplicationCommandInteractionData{
		Name: "caption",
		Options: []*discordgo.ApplicationCommandInteractionDataOption{
			strOpt("url", "https://x/a.png"),
			strOpt("text", "when the build is green"),
			intOpt("font_size", 40),
			strOpt("position", "top"),
		},
	}, "discord:1")
	require.NoError(t, err)
	require.NotNil(t, req.Caption)
	assert.Empty(t, req.Args)
	assert.Equal(t, "https://x/a.png", req.Caption.URL)
	assert.Equal(t, "when the build is green", req.Caption.Text)
	assert.Equal(t, 40, req.Caption.FontSize)
	assert.Equal(t, "top", req.Caption.Position)
	assert.Equal(t, command.DefaultCaptionOptions().Font, req.Caption.Font)
	assert.NoError(t, req.Caption.Validate())

	_, err = requestFromInteraction(discordgo.ApplicationCommandInteractionData{Name: "play"}, "discord:1")
	assert.ErrorIs(t, err, channels.ErrUnknownCommand)
}

func TestShouldHandle(t *testing.T) {
	t.Parallel()
	d := New(Config{AllowedGuilds: []string{"g1"}, AllowedChannels: []string{"c1", "dm"}}, nil, nil)

	tests := []struct {
		name    string
		bot     bool
		guild   string
		channel string
		want    bool
	}{
		{"allowed", false, "g1", "c1", true},
		{"bot", true, "g1", "c1", false},
		{"other guild", false, "g2", "c1", false},
		{"other channel", false, "g1", "c2", false},
		{"direct message", false, "", "dm", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, d.shouldHandle(tt.bot, tt.guild, tt.channel), tt.name)
	}

	d.cfg.RespondToBots = true
	assert.True(t, d.shouldHandle(true, "g1", "c1"))
	assert.True(t, New(DefaultConfig(), nil, nil).shouldHandle(false, "any", "any"))
}

type sentMessage struct {
	channelID string
	send      *discordgo.MessageSend
	params    *discordgo.WebhookParams
	body      string
}

type fakeSession struct {
	sent []sentMessage
	err  error
}

func readFiles(files []*discordgo.File) string {
	if len(files) == 0 {
		return ""
	}
	b, _ := io.ReadAll(files[0].Reader)
	return string(b)
}

func (f *fakeSession) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.sent = append(f.sent, sentMessage{channelID: channelID, send: data, body: readFiles(data.Files)})
	return &discordgo.Message{}, f.err
}

func (f *fakeSession) FollowupMessageCreate(_ *discordgo.Interaction, _ bool, data *discordgo.WebhookParams, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.sent = append(f.sent, sentMessage{params: data, body: readFiles(data.Files)})
	return &discordgo.Message{}, f.err
}

func writeAttachment(t *testing.T) *delivery.Attachment {
	t.Helper()
	path := filepath.Join(t.TempDir(), "out.png")
	require.NoError(t, os.WriteFile(path, []byte("png bytes"), 0o644))
	return &delivery.Attachment{Name: "out.png", Path: path, MimeType: "image/png"}
}

func TestChannelMessenger(t *testing.T) {
	t.Parallel()
	fs := &fakeSession{}
	m := newChannelMessenger(fs, "c1", "m1")
	ctx := context.Background()

	require.NoError(t, m.Send(ctx, &delivery.Message{Content: "done", Attachment: writeAttachment(t)}))
	require.NoError(t, m.Send(ctx, &delivery.Message{Content: "second"}))

	require.Len(t, fs.sent, 2)
	first := fs.sent[0]
	assert.Equal(t, "c1", first.channelID)
	assert.Equal(t, "done", first.send.Content)
	require.NotNil(t, first.send.Reference)
	assert.Equal(t, "m1", first.send.Reference.MessageID)
	require.Len(t, first.send.Files, 1)
	assert.Equal(t, "out.png", first.send.Files[0].Name)
	assert.Equal(t, "image/png", first.send.Files[0].ContentType)
	assert.Equal(t, "png bytes", first.body)
	assert.Empty(t, first.send.AllowedMentions.Parse)

	assert.Nil(t, fs.sent[1].send.Reference)

	fs.err = errors.New("HTTP 413 Request Entity Too Large")
	assert.ErrorIs(t, m.Send(ctx, &delivery.Message{Content: "x"}), channels.ErrSendFailed)

	missing := &delivery.Attachment{Name: "gone.png", Path: filepath.Join(t.TempDir(), "gone.png")}
	assert.Error(t, m.Send(ctx, &delivery.Message{Attachment: missing}))
}

func TestFollowupMessenger(t *testing.T) {
	t.Parallel()
	fs := &fakeSession{}
	m := &followupMessenger{api: fs, interaction: &discordgo.Interaction{ID: "i1"}}

	require.NoError(t, m.Send(context.Background(), &delivery.Message{Content: "done", Attachment: writeAttachment(t)}))
	require.Len(t, fs.sent, 1)
	assert.Equal(t, "done", fs.sent[0].params.Content)
	assert.Equal(t, "png bytes", fs.sent[0].body)
}

type countingTypist struct{ calls atomic.Int32 }

func (c *countingTypist) ChannelTyping(string, ...discordgo.RequestOption) error {
	c.calls.Add(1)
	return nil
}

func TestKeepTyping_StopsWhenDone(t *testing.T) {
	t.Parallel()
	typist := &countingTypist{}
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		keepTyping(typist, "c1", done)
		close(stopped)
	}()

	require.Eventually(t, func() bool { return typist.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	close(done)
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("keepTyping did not return")
	}
}

func TestHealth_TracksActive(t *testing.T) {
	t.Parallel()
	d := New(DefaultConfig(), nil, nil)
	done := make(chan struct{})
	d.track(done)
	assert.Equal(t, 1, d.Health().Active)
	close(done)
	require.Eventually(t, func() bool { return d.Health().Active == 0 }, time.Second, 5*time.Millisecond)
	assert.False(t, d.Health().Connected)
}

func TestConnect_RequiresToken(t *testing.T) {
	t.Parallel()
	err := New(Config{}, nil, nil).Connect(context.Background())
	assert.ErrorIs(t, err, channels.ErrConnectionFailed)
}
