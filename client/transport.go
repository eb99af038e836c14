package client

import (
	"context"
	"fmt"

	"github.com/oklog/ulid/v2"

	"github.com/freedomjs/radiatus-providers/protocol"
)

// Send makes data available to peers of the application under its hash, which is
// returned. The bytes only cross the wire when the server does not have them.
func (c *Client) Send(ctx context.Context, tag string, data []byte) (string, error) {
	id := ulid.Make().String()
	hash := c.stage(data, id)
	defer c.release(hash, id)

	if _, err := c.Do(ctx, protocol.Request{ID: id, Method: protocol.MethodSend, Tag: tag, Hash: hash}); err != nil {
		return "", err
	}
	return hash, nil
}

// Receive fetches the blob a peer sent under hash.
func (c *Client) Receive(ctx context.Context, tag, hash string) ([]byte, error) {
	resp, err := c.Do(ctx, protocol.Request{Method: protocol.MethodReceive, Tag: tag, Hash: hash})
	if err != nil {
		return nil, err
	}
	data, ok := c.claim(hash)
	if !protocol.IsSet(resp.BufferSent) || !ok {
		return nil, fmt.Errorf("receive: buffer %s was not streamed", hash)
	}
	return data, nil
}
