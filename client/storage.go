package client

import (
	"context"
	"fmt"

	"github.com/oklog/ulid/v2"

	"github.com/freedomjs/radiatus-providers/protocol"
)

// Value is a Storage value: inline text, or binary data addressed by Hash.
type Value struct {
	String string
	Hash   string
	Data   []byte
}

// IsBinary reports whether the value was stored as a blob.
func (v *Value) IsBinary() bool { return v != nil && v.Hash != "" }

// Keys lists the caller's keys.
func (c *Client) Keys(ctx context.Context) ([]string, error) {
	resp, err := c.Do(ctx, protocol.Request{Method: protocol.MethodKeys})
	if err != nil {
		return nil, err
	}
	raw, _ := resp.Ret.([]any)
	keys := make([]string, 0, len(raw))
	for _, k := range raw {
		if s, ok := k.(string); ok {
			keys = append(keys, s)
		}
	}
	return keys, nil
}

// Get returns the value stored under key, or nil.
func (c *Client) Get(ctx context.Context, key string) (*Value, error) {
	resp, err := c.Do(ctx, protocol.Request{Method: protocol.MethodGet, Key: key})
	if err != nil {
		return nil, err
	}
	return c.value(resp)
}

// Set stores an inline value and returns the one it replaced.
func (c *Client) Set(ctx context.Context, key, value string) (*Value, error) {
	resp, err := c.Do(ctx, protocol.Request{Method: protocol.MethodSet, Key: key, Value: value})
	if err != nil {
		return nil, err
	}
	return c.previous(resp), nil
}

// SetBinary stores data and returns the value it replaced. The bytes only cross
// the wire when the server does not already have them.
func (c *Client) SetBinary(ctx context.Context, key string, data []byte) (*Value, error) {
	id := ulid.Make().String()
	hash := c.stage(data, id)
	defer c.release(hash, id)

	resp, err := c.Do(ctx, protocol.Request{
		ID:          id,
		Method:      protocol.MethodSet,
		Key:         key,
		Value:       hash,
		ValueIsHash: true,
	})
	if err != nil {
		return nil, err
	}
	return c.previous(resp), nil
}

// Remove deletes key and returns the value it held, or nil.
func (c *Client) Remove(ctx context.Context, key string) (*Value, error) {
	resp, err := c.Do(ctx, protocol.Request{Method: protocol.MethodRemove, Key: key})
	if err != nil {
		return nil, err
	}
	return c.value(resp)
}

// Clear deletes every key of the caller.
func (c *Client) Clear(ctx context.Context) error {
	_, err := c.Do(ctx, protocol.Request{Method: protocol.MethodClear})
	return err
}

// value decodes a get/remove reply. Blob values were streamed just before it.
func (c *Client) value(resp *protocol.Response) (*Value, error) {
	ret, ok := resp.Ret.(string)
	if !ok {
		return nil, nil
	}
	if !resp.ValueIsHash {
		return &Value{String: ret}, nil
	}
	data, ok := c.claim(ret)
	if !ok {
		if resp.Method == protocol.MethodRemove {
			return &Value{Hash: ret}, nil
		}
		return nil, fmt.Errorf("%s: buffer %s was not streamed", resp.Method, ret)
	}
	return &Value{Hash: ret, Data: data}, nil
}

// previous decodes the replaced value of a set. A replaced blob is streamed
// before the reply, so a claimable stream under ret marks it binary.
func (c *Client) previous(resp *protocol.Response) *Value {
	ret, ok := resp.Ret.(string)
	if !ok {
		return nil
	}
	if data, ok := c.claim(ret); ok {
		return &Value{Hash: ret, Data: data}
	}
	return &Value{String: ret}
}
