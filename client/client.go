// Package client speaks the relay protocol from the provider side. Uploads are
// kept in a reference-counted buffercache.Cache until the server either asks for
// the bytes or reports it already has them.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/freedomjs/radiatus-providers/buffercache"
	"github.com/freedomjs/radiatus-providers/protocol"
)

const (
	writeTimeout = 10 * time.Second
	eventBuffer  = 256
)

// ErrClosed is returned for requests that were still waiting when the connection closed.
var ErrClosed = errors.New("client: connection closed")

// RequestError is an err reply from the server.
type RequestError struct {
	Method protocol.Method
	Code   string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s failed: %s", e.Method, e.Code)
}

// Options describe who connects and to what.
type Options struct {
	Username   string
	Secret     string
	Capability string
	// Origin is sent as the Origin header; with the URL path it selects the application.
	Origin    string
	Algorithm buffercache.Algorithm
}

// Greeting is the first frame the server sends: ready for Storage and Transport,
// state for Social.
type Greeting struct {
	Method protocol.Method `json:"method,omitempty"`
	Cmd    string          `json:"cmd,omitempty"`
	UserID string          `json:"userId"`
	Roster []string        `json:"roster,omitempty"`
}

// Event is a frame the server pushes on a Social connection.
type Event struct {
	Cmd    string          `json:"cmd"`
	UserID string          `json:"userId,omitempty"`
	Online bool            `json:"online,omitempty"`
	From   string          `json:"from,omitempty"`
	Msg    json.RawMessage `json:"msg,omitempty"`
}

type call struct {
	req  protocol.Request
	done chan *protocol.Response
}

// Client is one provider connection.
type Client struct {
	conn     *websocket.Conn
	cache    *buffercache.Cache
	greeting Greeting
	events   chan Event
	uploads  atomic.Int64

	writeMu sync.Mutex

	mu       sync.Mutex
	calls    map[string]*call
	streamed map[string]int // hash -> blobs pushed by the server, not yet claimed
	closed   chan struct{}
	err      error
}

// Dial connects to rawURL and waits for the greeting.
func Dial(ctx context.Context, rawURL string, opts Options) (*Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	query := u.Query()
	if opts.Username != "" {
		query.Set(protocol.ParamUsername, opts.Username)
	}
	if opts.Secret != "" {
		query.Set(protocol.ParamSecret, opts.Secret)
	}
	if opts.Capability != "" {
		query.Set(protocol.ParamCapability, opts.Capability)
	}
	u.RawQuery = query.Encode()

	header := http.Header{}
	if opts.Origin != "" {
		header.Set("Origin", opts.Origin)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u.Redacted(), err)
	}

	alg := opts.Algorithm
	if alg == "" {
		alg = buffercache.MD5
	}
	c := &Client{
		conn:     conn,
		cache:    buffercache.New(alg),
		events:   make(chan Event, eventBuffer),
		calls:    make(map[string]*call),
		streamed: make(map[string]int),
		closed:   make(chan struct{}),
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read greeting: %w", err)
	}
	conn.SetReadDeadline(time.Time{})
	if err := json.Unmarshal(data, &c.greeting); err != nil {
		conn.Close()
		return nil, fmt.Errorf("decode greeting: %w", err)
	}

	go c.readLoop()
	return c, nil
}

// Greeting returns the first frame the server sent.
func (c *Client) Greeting() Greeting { return c.greeting }

// UserID is the identity the server assigned.
func (c *Client) UserID() string { return c.greeting.UserID }

// Uploads counts binary frames sent to satisfy a handshake.
func (c *Client) Uploads() int64 { return c.uploads.Load() }

// Events delivers Social pushes: roster changes, messages and pongs.
func (c *Client) Events() <-chan Event { return c.events }

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} { return c.closed }

// Close closes the connection and fails requests still waiting.
func (c *Client) Close() error {
	c.writeMu.Lock()
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeTimeout))
	c.writeMu.Unlock()
	err := c.conn.Close()
	<-c.closed
	return err
}

// Do sends req and waits for its terminal reply. Interim handshake replies are
// handled on the way. An err reply is returned as *RequestError along with the reply.
func (c *Client) Do(ctx context.Context, req protocol.Request) (*protocol.Response, error) {
	if req.ID == "" {
		req.ID = ulid.Make().String()
	}
	cl := &call{req: req, done: make(chan *protocol.Response, 1)}

	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return nil, c.err
	}
	c.calls[req.ID] = cl
	c.mu.Unlock()

	if err := c.writeJSON(req); err != nil {
		c.forget(req.ID)
		return nil, err
	}

	select {
	case resp := <-cl.done:
		if resp == nil {
			return nil, ErrClosed
		}
		if resp.Err != "" {
			return resp, &RequestError{Method: req.Method, Code: resp.Err}
		}
		return resp, nil
	case <-ctx.Done():
		c.forget(req.ID)
		return nil, ctx.Err()
	}
}

// SendRaw writes a frame as is.
func (c *Client) SendRaw(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(messageType, data)
}

func (c *Client) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.SendRaw(websocket.TextMessage, data)
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.calls, id)
	c.mu.Unlock()
}

func (c *Client) readLoop() {
	var err error
	defer func() {
		c.mu.Lock()
		c.err = ErrClosed
		for id, cl := range c.calls {
			close(cl.done)
			delete(c.calls, id)
		}
		c.mu.Unlock()
		close(c.closed)
		if err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			glog.V(2).Infof("client read loop ended: %v", err)
		}
	}()

	for {
		var messageType int
		var data []byte
		messageType, data, err = c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType == websocket.BinaryMessage {
			hash := c.cache.Add(data, "")
			c.mu.Lock()
			c.streamed[hash]++
			c.mu.Unlock()
			continue
		}
		c.handleText(data)
	}
}

func (c *Client) handleText(data []byte) {
	var resp protocol.Response
	if err := json.Unmarshal(data, &resp); err != nil {
		glog.Warningf("client: dropping undecodable frame: %v", err)
		return
	}
	if resp.ID == "" {
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil || ev.Cmd == "" {
			glog.Warningf("client: dropping unexpected frame %s", data)
			return
		}
		select {
		case c.events <- ev:
		default:
			glog.Warningf("client: event buffer full, dropping %s", ev.Cmd)
		}
		return
	}

	c.mu.Lock()
	cl := c.calls[resp.ID]
	if cl != nil && resp.Terminal() {
		delete(c.calls, resp.ID)
	}
	c.mu.Unlock()
	if cl == nil {
		glog.Warningf("client: reply to unknown request %s", resp.ID)
		return
	}

	if !resp.Terminal() {
		if protocol.IsSet(resp.NeedBufferFromClient) {
			c.upload(cl)
		}
		return
	}
	cl.done <- &resp
}

// upload sends the bytes a pending request promised.
func (c *Client) upload(cl *call) {
	hash := cl.req.Value
	if cl.req.Method == protocol.MethodSend {
		hash = cl.req.ContentHash()
	}
	data, ok := c.cache.Peek(hash)
	if !ok {
		glog.Errorf("client: server asked for %s but it is not cached", hash)
		return
	}
	if err := c.SendRaw(websocket.BinaryMessage, data); err != nil {
		glog.Warningf("client: upload of %s failed: %v", hash, err)
		return
	}
	c.uploads.Add(1)
}

// stage caches data for the request id until release.
func (c *Client) stage(data []byte, id string) string {
	return c.cache.Add(data, id)
}

func (c *Client) release(hash, id string) {
	c.cache.Retrieve(hash, id)
}

// claim takes a blob the server streamed under hash.
func (c *Client) claim(hash string) ([]byte, bool) {
	c.mu.Lock()
	n := c.streamed[hash]
	if n == 0 {
		c.mu.Unlock()
		return nil, false
	}
	if n == 1 {
		delete(c.streamed, hash)
	} else {
		c.streamed[hash] = n - 1
	}
	c.mu.Unlock()

	data, ok := c.cache.Peek(hash)
	c.cache.Release(hash)
	return data, ok
}
