package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/freedomjs/radiatus-providers/protocol"
)

// Roster is the list of peers online when the connection was made.
func (c *Client) Roster() []string { return c.greeting.Roster }

// SendMessage relays msg to peer to. Delivery is not acknowledged.
func (c *Client) SendMessage(to string, msg any) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return c.writeJSON(protocol.SocialCommand{Cmd: protocol.CmdSend, To: to, Msg: raw})
}

// Ping asks the server for a pong event.
func (c *Client) Ping() error {
	return c.writeJSON(protocol.SocialCommand{Cmd: protocol.CmdPing})
}

// NextEvent waits for the next Social push.
func (c *Client) NextEvent(ctx context.Context) (Event, error) {
	select {
	case ev := <-c.events:
		return ev, nil
	case <-c.closed:
		return Event{}, ErrClosed
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}
