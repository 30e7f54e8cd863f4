// Package channels defines the front ends that feed transformation requests
// into the pipeline. Each front end (Discord, the console) turns what users
// type into a pipeline.Request and hands results back through a
// delivery.Messenger.
package channels

import (
	"context"
	"errors"
	"time"
)

// Channel is a long-running front end connected to a messaging platform.
type Channel interface {
	// Name returns the channel identifier (e.g. "discord").
	Name() string

	// Connect establishes the connection to the platform and starts
	// accepting commands.
	Connect(ctx context.Context) error

	// Disconnect stops accepting commands and closes the connection.
	Disconnect() error

	// IsConnected returns true if the channel is connected.
	IsConnected() bool

	// Health returns the channel health status.
	Health() HealthStatus
}

// IncomingMessage is a chat message that may carry a command.
type IncomingMessage struct {
	// ID is the platform message id.
	ID string

	// Channel is the name of the channel that received it.
	Channel string

	// From is the sender's platform id, FromName the display name.
	From     string
	FromName string

	// ChatID is where replies go.
	ChatID  string
	IsGroup bool

	Content   string
	Timestamp time.Time
}

// Caller identifies the sender across channels.
func (m *IncomingMessage) Caller() string {
	return m.Channel + ":" + m.From
}

// HealthStatus represents the health state of a channel.
type HealthStatus struct {
	Connected     bool
	LastMessageAt time.Time
	ErrorCount    int
	Active        int
	Details       map[string]any
}

// Errors.
var (
	ErrChannelDisconnected = errors.New("channel is not connected")
	ErrSendFailed          = errors.New("failed to send message")
	ErrConnectionFailed    = errors.New("failed to connect to channel")
	ErrNotACommand         = errors.New("message is not a command")
	ErrUnknownCommand      = errors.New("unknown command")
)
