// Package discord implements the Discord front end using discordgo.
//
// Features:
//   - Prefix commands ("!ffmpeg ...", "!caption ...", "!help")
//   - Slash commands with structured options, answered through deferred
//     interaction follow-ups
//   - Typing indicator while an invocation runs
//   - Guild and channel allowlists
//   - Results delivered as attachments, failures inline or as a log file
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/jholhewres/gman/pkg/gman/channels"
)

// typingInterval refreshes the indicator before Discord's ten second expiry.
const typingInterval = 8 * time.Second

// Config holds Discord front end configuration.
type Config struct {
	// Token is the bot token. Prefer the keyring or GMAN_DISCORD_TOKEN.
	Token string `yaml:"token"`

	// Prefix starts a text command, e.g. "!ffmpeg ...".
	Prefix string `yaml:"prefix"`

	// SlashCommands registers application commands on connect.
	SlashCommands bool `yaml:"slash_commands"`

	// GuildID scopes slash command registration to one guild. Empty
	// registers them globally.
	GuildID string `yaml:"guild_id"`

	// AllowedGuilds restricts which guild IDs the bot responds in.
	// Empty means respond in all guilds.
	AllowedGuilds []string `yaml:"allowed_guilds"`

	// AllowedChannels restricts commands to these channel IDs. Empty
	// allows every channel the bot can read.
	AllowedChannels []string `yaml:"allowed_channels"`

	// RespondToBots lets other bots issue commands.
	RespondToBots bool `yaml:"respond_to_bots"`

	// SendTyping shows "typing..." while a command runs.
	SendTyping bool `yaml:"send_typing"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Prefix:        channels.DefaultPrefix,
		SlashCommands: true,
		SendTyping:    true,
	}
}

// Discord implements channels.Channel.
type Discord struct {
	cfg     Config
	router  *channels.Router
	logger  *slog.Logger
	session *discordgo.Session

	// taskCtx outlives the Connect context so a shutdown signal does not
	// abort running invocations; the pipeline cancels stragglers.
	taskCtx context.Context

	connected atomic.Bool
	accepting atomic.Bool

	lastMsg    atomic.Value // time.Time
	errorCount atomic.Int64
	active     atomic.Int64
}

// New creates a Discord front end dispatching through router.
func New(cfg Config, router *channels.Router, logger *slog.Logger) *Discord {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discord{
		cfg:     cfg,
		router:  router,
		logger:  logger.With("component", "discord"),
		taskCtx: context.Background(),
	}
}

// Name returns "discord".
func (d *Discord) Name() string { return "discord" }

// Connect opens the Discord gateway WebSocket connection.
func (d *Discord) Connect(ctx context.Context) error {
	if d.cfg.Token == "" {
		return fmt.Errorf("discord: %w: bot token is required", channels.ErrConnectionFailed)
	}
	d.taskCtx = context.WithoutCancel(ctx)

	session, err := discordgo.New("Bot " + d.cfg.Token)
	if err != nil {
		return fmt.Errorf("discord: creating session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	session.AddHandler(d.onMessageCreate)
	session.AddHandler(d.onInteractionCreate)

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord: %w: opening gateway: %v", channels.ErrConnectionFailed, err)
	}
	d.session = session
	d.connected.Store(true)
	d.accepting.Store(true)

	user := session.State.User
	d.logger.Info("discord: connected", "bot", user.Username, "id", user.ID)

	if d.cfg.SlashCommands {
		if err := d.registerCommands(session); err != nil {
			// Prefix commands keep working without them.
			d.logger.Warn("discord: registering slash commands failed", "error", err)
		}
	}
	return nil
}

// StopAccepting ignores new commands while running ones finish.
func (d *Discord) StopAccepting() {
	d.accepting.Store(false)
}

// Disconnect closes the Discord gateway connection.
func (d *Discord) Disconnect() error {
	d.accepting.Store(false)
	d.connected.Store(false)
	if d.session == nil {
		return nil
	}
	err := d.session.Close()
	d.logger.Info("discord: disconnected")
	return err
}

// IsConnected returns true if the bot is connected.
func (d *Discord) IsConnected() bool { return d.connected.Load() }

// Health returns the channel health status.
func (d *Discord) Health() channels.HealthStatus {
	var lastAt time.Time
	if v := d.lastMsg.Load(); v != nil {
		lastAt = v.(time.Time)
	}
	h := channels.HealthStatus{
		Connected:     d.connected.Load(),
		LastMessageAt: lastAt,
		ErrorCount:    int(d.errorCount.Load()),
		Active:        int(d.active.Load()),
	}
	if d.session != nil {
		h.Details = map[string]any{"latency_ms": d.session.HeartbeatLatency().Milliseconds()}
	}
	return h
}

// ---------- Event Handlers ----------

func (d *Discord) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if !d.accepting.Load() || m.Author == nil {
		return
	}
	if s.State != nil && s.State.User != nil && m.Author.ID == s.State.User.ID {
		return
	}
	if !d.shouldHandle(m.Author.Bot, m.GuildID, m.ChannelID) {
		return
	}
	if !channels.IsCommand(m.Content, d.router.Prefix()) {
		return
	}

	msg := &channels.IncomingMessage{
		ID:        m.ID,
		Channel:   d.Name(),
		From:      m.Author.ID,
		FromName:  m.Author.Username,
		ChatID:    m.ChannelID,
		IsGroup:   m.GuildID != "",
		Content:   m.Content,
		Timestamp: m.Timestamp,
	}
	d.lastMsg.Store(time.Now())

	messenger := newChannelMessenger(s, m.ChannelID, m.ID)
	task, err := d.router.Dispatch(d.taskCtx, msg, messenger)
	switch {
	case errors.Is(err, channels.ErrNotACommand), errors.Is(err, channels.ErrUnknownCommand):
		return
	case err != nil:
		d.errorCount.Add(1)
		d.logger.Warn("discord: handling command failed", "msg_id", m.ID, "error", err)
		return
	}
	d.errorCount.Store(0)
	if task != nil {
		d.track(task.Done())
		if d.cfg.SendTyping {
			go keepTyping(s, m.ChannelID, task.Done())
		}
	}
}

// shouldHandle applies the bot and allowlist filters.
func (d *Discord) shouldHandle(fromBot bool, guildID, channelID string) bool {
	if fromBot && !d.cfg.RespondToBots {
		return false
	}
	if len(d.cfg.AllowedGuilds) > 0 && guildID != "" && !slices.Contains(d.cfg.AllowedGuilds, guildID) {
		return false
	}
	if len(d.cfg.AllowedChannels) > 0 && !slices.Contains(d.cfg.AllowedChannels, channelID) {
		return false
	}
	return true
}

// track counts a running invocation until done closes.
func (d *Discord) track(done <-chan struct{}) {
	d.active.Add(1)
	go func() {
		<-done
		d.active.Add(-1)
	}()
}

// typist is the part of the session keepTyping needs.
type typist interface {
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error
}

// keepTyping shows the typing indicator until done closes.
func keepTyping(s typist, channelID string, done <-chan struct{}) {
	ticker := time.NewTicker(typingInterval)
	defer ticker.Stop()
	for {
		if err := s.ChannelTyping(channelID); err != nil {
			return
		}
		select {
		case <-done:
			return
		case <-ticker.C:
		}
	}
}

// Compile-time interface verification.
var _ channels.Channel = (*Discord)(nil)
