package discord

import (
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/jholhewres/gman/pkg/gman/channels"
	"github.com/jholhewres/gman/pkg/gman/command"
	"github.com/jholhewres/gman/pkg/gman/pipeline"
)

// slashCommands describes one application command per tool plus help.
func slashCommands() []*discordgo.ApplicationCommand {
	var cmds []*discordgo.ApplicationCommand
	for _, g := range command.Grammars() {
		cmd := &discordgo.ApplicationCommand{
			Name:        string(g.Tool()),
			Description: channels.ToolDescription(g.Tool()),
		}
		for _, p := range channels.ToolParams(g) {
			opt := &discordgo.ApplicationCommandOption{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        p.Name,
				Description: p.Description,
				Required:    p.Required,
			}
			if p.Kind == channels.ParamInt {
				lo := float64(p.Min)
				opt.Type = discordgo.ApplicationCommandOptionInteger
				opt.MinValue = &lo
				opt.MaxValue = float64(p.Max)
			}
			cmd.Options = append(cmd.Options, opt)
		}
		cmds = append(cmds, cmd)
	}
	return append(cmds, &discordgo.ApplicationCommand{
		Name:        channels.HelpCommand,
		Description: "List the available tools",
	})
}

// interactionOptions reads slash command option values.
type interactionOptions map[string]*discordgo.ApplicationCommandInteractionDataOption

func (o interactionOptions) String(name string) (string, bool) {
	opt, ok := o[name]
	if !ok || opt.Type != discordgo.ApplicationCommandOptionString {
		return "", false
	}
	return opt.StringValue(), true
}

func (o interactionOptions) Int(name string) (int, bool) {
	opt, ok := o[name]
	if !ok || opt.Type != discordgo.ApplicationCommandOptionInteger {
		return 0, false
	}
	return int(opt.IntValue()), true
}

// requestFromInteraction converts slash command options into a pipeline
// request.
func requestFromInteraction(data discordgo.ApplicationCommandInteractionData, caller string) (pipeline.Request, error) {
	opts := make(interactionOptions, len(data.Options))
	for _, o := range data.Options {
		opts[o.Name] = o
	}
	return channels.StructuredRequest(data.Name, opts, caller)
}

func (d *Discord) registerCommands(s *discordgo.Session) error {
	created, err := s.ApplicationCommandBulkOverwrite(s.State.User.ID, d.cfg.GuildID, slashCommands())
	if err != nil {
		return fmt.Errorf("discord: registering commands: %w", err)
	}
	d.logger.Info("discord: slash commands registered", "count", len(created), "guild", d.cfg.GuildID)
	return nil
}

// interactionUser returns the member user in guilds and the user in DMs.
func interactionUser(i *discordgo.InteractionCreate) *discordgo.User {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User
	}
	return i.User
}

func (d *Discord) onInteractionCreate(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand || !d.accepting.Load() {
		return
	}
	user := interactionUser(i)
	if user == nil {
		respondEphemeral(s, i, "Could not identify user.")
		return
	}
	if !d.shouldHandle(user.Bot, i.GuildID, i.ChannelID) {
		respondEphemeral(s, i, "Commands are not enabled in this channel.")
		return
	}

	data := i.ApplicationCommandData()
	if data.Name == channels.HelpCommand {
		respondEphemeral(s, i, channels.HelpText(d.router.Prefix()))
		return
	}

	req, err := requestFromInteraction(data, d.Name()+":"+user.ID)
	if err != nil {
		respondEphemeral(s, i, "Unknown command.")
		return
	}

	// Acknowledge within Discord's three second window; the result
	// arrives as a follow-up.
	if err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
	}); err != nil {
		d.errorCount.Add(1)
		d.logger.Warn("discord: failed to ack interaction", "command", data.Name, "error", err)
		return
	}
	d.lastMsg.Store(time.Now())
	d.errorCount.Store(0)

	task := d.router.Submit(d.taskCtx, req, &followupMessenger{api: s, interaction: i.Interaction})
	if task != nil {
		d.track(task.Done())
	}
}

// respondEphemeral sends a response visible only to the user.
func respondEphemeral(s *discordgo.Session, i *discordgo.InteractionCreate, content string) {
	_ = s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: content,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	})
}
