package discord

import (
	"context"
	"fmt"
	"os"

	"github.com/bwmarrin/discordgo"

	"github.com/jholhewres/gman/pkg/gman/channels"
	"github.com/jholhewres/gman/pkg/gman/delivery"
)

// messageSender is the part of the session that posts channel messages.
type messageSender interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// followupSender is the part of the session that answers interactions.
type followupSender interface {
	FollowupMessageCreate(interaction *discordgo.Interaction, wait bool, data *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// noMentions keeps tool output from pinging anyone.
var noMentions = &discordgo.MessageAllowedMentions{Parse: []discordgo.AllowedMentionType{}}

// channelMessenger replies to a prefix command in its channel. The first
// message references the command.
type channelMessenger struct {
	api       messageSender
	channelID string
	replyTo   string
}

func newChannelMessenger(api messageSender, channelID, replyTo string) *channelMessenger {
	return &channelMessenger{api: api, channelID: channelID, replyTo: replyTo}
}

func (c *channelMessenger) Send(ctx context.Context, msg *delivery.Message) error {
	files, closeFiles, err := openAttachment(msg.Attachment)
	if err != nil {
		return err
	}
	defer closeFiles()

	send := &discordgo.MessageSend{
		Content:         msg.Content,
		Files:           files,
		AllowedMentions: noMentions,
	}
	if c.replyTo != "" {
		send.Reference = &discordgo.MessageReference{MessageID: c.replyTo, ChannelID: c.channelID}
		c.replyTo = ""
	}
	if _, err := c.api.ChannelMessageSendComplex(c.channelID, send, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord: %w: %v", channels.ErrSendFailed, err)
	}
	return nil
}

// followupMessenger answers a deferred slash command interaction.
type followupMessenger struct {
	api         followupSender
	interaction *discordgo.Interaction
}

func (f *followupMessenger) Send(ctx context.Context, msg *delivery.Message) error {
	files, closeFiles, err := openAttachment(msg.Attachment)
	if err != nil {
		return err
	}
	defer closeFiles()

	params := &discordgo.WebhookParams{
		Content:         msg.Content,
		Files:           files,
		AllowedMentions: noMentions,
	}
	if _, err := f.api.FollowupMessageCreate(f.interaction, true, params, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord: %w: %v", channels.ErrSendFailed, err)
	}
	return nil
}

// openAttachment opens the attachment file for upload. The returned func
// closes it.
func openAttachment(att *delivery.Attachment) ([]*discordgo.File, func(), error) {
	if att == nil {
		return nil, func() {}, nil
	}
	f, err := os.Open(att.Path)
	if err != nil {
		return nil, func() {}, fmt.Errorf("discord: opening attachment: %w", err)
	}
	file := &discordgo.File{Name: att.Name, ContentType: att.MimeType, Reader: f}
	return []*discordgo.File{file}, func() { f.Close() }, nil
}

var (
	_ delivery.Messenger = (*channelMessenger)(nil)
	_ delivery.Messenger = (*followupMessenger)(nil)
)
