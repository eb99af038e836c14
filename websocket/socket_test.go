package websocket

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/require"

	"github.com/freedomjs/radiatus-providers/buffercache"
	"github.com/freedomjs/radiatus-providers/protocol"
	"github.com/freedomjs/radiatus-providers/store"
)

const waitFor = 2 * time.Second

type frame struct {
	messageType int
	data        []byte
}

// fakeSocket is an in-memory Socket. Frames queued with push are returned by
// ReadMessage; everything the server writes is recorded.
type fakeSocket struct {
	incoming  chan frame
	closed    chan struct{}
	closeOnce sync.Once

	mu        sync.Mutex
	frames    []frame
	controls  []int
	closeCode int
	closeText string
	writeErr  error
	pong      func(string) error
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		incoming: make(chan frame, 64),
		closed:   make(chan struct{}),
	}
}

func (f *fakeSocket) ReadMessage() (int, []byte, error) {
	select {
	case fr := <-f.incoming:
		return fr.messageType, fr.data, nil
	case <-f.closed:
		return 0, nil, net.ErrClosed
	}
}

func (f *fakeSocket) WriteMessage(messageType int, data []byte) error {
	select {
	case <-f.closed:
		return net.ErrClosed
	default:
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.frames = append(f.frames, frame{messageType: messageType, data: append([]byte(nil), data...)})
	return nil
}

func (f *fakeSocket) WriteControl(messageType int, data []byte, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.controls = append(f.controls, messageType)
	if messageType == websocket.CloseMessage && len(data) >= 2 {
		f.closeCode = int(binary.BigEndian.Uint16(data))
		f.closeText = string(data[2:])
	}
	return nil
}

func (f *fakeSocket) SetReadLimit(int64)                  {}
func (f *fakeSocket) SetWriteDeadline(time.Time) error    { return nil }
func (f *fakeSocket) SetPongHandler(h func(string) error) { f.pong = h }

func (f *fakeSocket) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeSocket) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func (f *fakeSocket) failWrites(err error) {
	f.mu.Lock()
	f.writeErr = err
	f.mu.Unlock()
}

func (f *fakeSocket) push(messageType int, data []byte) {
	f.incoming <- frame{messageType: messageType, data: data}
}

func (f *fakeSocket) pushJSON(t *testing.T, v any) {
	data, err := json.Marshal(v)
	require.NoError(t, err)
	f.push(websocket.TextMessage, data)
}

func (f *fakeSocket) written() []frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]frame(nil), f.frames...)
}

func (f *fakeSocket) closeFrame() (int, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCode, f.closeText
}

func (f *fakeSocket) countControls(messageType int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.controls {
		if c == messageType {
			n++
		}
	}
	return n
}

// waitFrames waits until at least n frames were written and returns them.
func (f *fakeSocket) waitFrames(t *testing.T, n int) []frame {
	t.Helper()
	require.Eventually(t, func() bool { return len(f.written()) >= n }, waitFor, 5*time.Millisecond,
		"expected %d frames", n)
	return f.written()
}

// waitResponse waits for the terminal reply to request id.
func (f *fakeSocket) waitResponse(t *testing.T, id string) protocol.Response {
	t.Helper()
	var found protocol.Response
	require.Eventually(t, func() bool {
		for _, resp := range f.responses(t) {
			if resp.ID == id && resp.Terminal() {
				found = resp
				return true
			}
		}
		return false
	}, waitFor, 5*time.Millisecond, "no terminal reply to %s", id)
	return found
}

// responses decodes every text frame written so far.
func (f *fakeSocket) responses(t *testing.T) []protocol.Response {
	var out []protocol.Response
	for _, fr := range f.written() {
		if fr.messageType != websocket.TextMessage {
			continue
		}
		var resp protocol.Response
		require.NoError(t, json.Unmarshal(fr.data, &resp))
		out = append(out, resp)
	}
	return out
}

// decode unmarshals a text frame into v.
func decode(t *testing.T, fr frame, v any) {
	t.Helper()
	require.Equal(t, websocket.TextMessage, fr.messageType)
	require.NoError(t, json.Unmarshal(fr.data, v))
}

var errBrokenPipe = errors.New("broken pipe")

func newTestSession(t *testing.T, route Route) (*Session, *fakeSocket) {
	t.Helper()
	sock := newFakeSocket()
	s := NewSession(ulid.Make().String(), sock, route, Timeouts{Write: time.Second}, buffercache.MD5)
	t.Cleanup(func() {
		s.Close(websocket.CloseNormalClosure, "")
		s.Wait()
	})
	return s, sock
}

func newTestBlobs() *buffercache.Persisted {
	return buffercache.NewPersisted(store.NewMemoryBlobs(), buffercache.MD5, time.Minute)
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}
