// Package matrix sends operator notices to a Matrix room.
package matrix

import (
	"context"
	"fmt"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Config holds Matrix client configuration.
type Config struct {
	Homeserver  string
	UserID      string
	AccessToken string
}

// Enabled reports whether enough is configured to talk to a homeserver.
func (c Config) Enabled() bool {
	return c.Homeserver != "" && c.UserID != "" && c.AccessToken != ""
}

// Client wraps the mautrix client.
type Client struct {
	client *mautrix.Client
}

// New creates a new Matrix client.
func New(cfg Config) (*Client, error) {
	client, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Matrix client: %w", err)
	}
	return &Client{client: client}, nil
}

// Join joins roomID. Joining a room the account is already in is a no-op on
// the homeserver side.
func (c *Client) Join(ctx context.Context, roomID string) error {
	if _, err := c.client.JoinRoomByID(ctx, id.RoomID(roomID)); err != nil {
		return fmt.Errorf("failed to join room %s: %w", roomID, err)
	}
	return nil
}

// SendNotice sends an m.notice message.
func (c *Client) SendNotice(ctx context.Context, roomID, message string) error {
	content := event.MessageEventContent{
		MsgType: event.MsgNotice,
		Body:    message,
	}
	if _, err := c.client.SendMessageEvent(ctx, id.RoomID(roomID), event.EventMessage, &content); err != nil {
		return fmt.Errorf("failed to send notice: %w", err)
	}
	return nil
}
