package websocket

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/freedomjs/radiatus-providers/buffercache"
	"github.com/freedomjs/radiatus-providers/metrics"
	"github.com/freedomjs/radiatus-providers/protocol"
	"github.com/freedomjs/radiatus-providers/store"
)

var errInvalidHash = errors.New("invalid content hash")

// reply is the outcome of an operation. When stream is set, blob goes out as a
// binary frame right before resp.
type reply struct {
	resp   *protocol.Response
	blob   []byte
	stream bool
}

// operation answers one request. A nil reply with a nil error means the answer is
// sent later, by a binary handshake.
type operation func(ctx context.Context, s *Session, req *protocol.Request) (*reply, error)

// requestHandler is the request/response skeleton shared by Storage and Transport:
// per-user connection lists, a method table and the binary handshake.
type requestHandler struct {
	capability protocol.Capability
	key        string
	blobs      *buffercache.Persisted
	timeout    time.Duration
	operations map[protocol.Method]operation

	mu    sync.Mutex
	conns map[string][]*Session
}

func newRequestHandler(capability protocol.Capability, key string, blobs *buffercache.Persisted, timeout time.Duration) *requestHandler {
	return &requestHandler{
		capability: capability,
		key:        key,
		blobs:      blobs,
		timeout:    timeout,
		conns:      make(map[string][]*Session),
	}
}

func (h *requestHandler) Capability() protocol.Capability { return h.capability }

// AddConnection registers s and tells it the handler is ready.
func (h *requestHandler) AddConnection(s *Session) {
	h.mu.Lock()
	h.conns[s.User] = append(h.conns[s.User], s)
	h.mu.Unlock()

	glog.V(2).Infof("%s: attached to %s", s, h.key)
	if err := s.WriteJSON(protocol.Ready{Method: protocol.MethodReady, UserID: s.User}); err != nil {
		glog.Warningf("%s: failed to send ready: %v", s, err)
	}
}

// RemoveConnection drops s from its user's list, and the user once the list is empty.
func (h *requestHandler) RemoveConnection(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()

	list := h.conns[s.User]
	for i, c := range list {
		if c == s {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(h.conns, s.User)
	} else {
		h.conns[s.User] = list
	}
}

// Connections returns the live sessions of user.
func (h *requestHandler) Connections(user string) []*Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*Session(nil), h.conns[user]...)
}

// HandleText decodes a request and runs its operation on its own goroutine, so a
// slow store never holds up the next frame.
func (h *requestHandler) HandleText(s *Session, data []byte) {
	req, err := protocol.DecodeRequest(data)
	if err != nil {
		metrics.MalformedFrames.Inc()
		if req == nil || req.ID == "" {
			glog.Warningf("%s: dropping malformed frame: %v", s, err)
			return
		}
		h.send(s, req, &reply{resp: errorResponse(req, protocol.ErrMalformed)})
		return
	}

	op, ok := h.operations[req.Method]
	if !ok {
		glog.Warningf("%s: unsupported method %q", s, req.Method)
		h.send(s, req, &reply{resp: errorResponse(req, protocol.ErrUnsupportedMethod)})
		return
	}

	glog.V(2).Infof("%s: %s %s", s, req.Method, req.ID)
	s.Go(func(ctx context.Context) {
		r, err := op(ctx, s, req)
		h.finish(s, req, r, err)
	})
}

// HandleBinary passes uploads to the requests waiting for them.
func (h *requestHandler) HandleBinary(s *Session, data []byte) {
	if !s.DeliverBinary(data) {
		glog.Warningf("%s: dropping unexpected binary frame (%d bytes)", s, len(data))
	}
}

// finish is the single boundary where failures become error replies.
func (h *requestHandler) finish(s *Session, req *protocol.Request, r *reply, err error) {
	if err != nil {
		if errors.Is(err, ErrSessionClosed) {
			return
		}
		code := errorCode(err)
		if code == protocol.ErrUnknown {
			glog.Errorf("%s: %s %s failed: %v", s, req.Method, req.ID, err)
		} else {
			glog.Warningf("%s: %s %s: %v", s, req.Method, req.ID, err)
		}
		r = &reply{resp: errorResponse(req, code)}
	}
	if r == nil {
		return
	}
	h.send(s, req, r)
}

func (h *requestHandler) send(s *Session, req *protocol.Request, r *reply) {
	var err error
	if r.stream {
		err = s.WriteBinaryThenJSON(r.blob, r.resp)
	} else {
		err = s.WriteJSON(r.resp)
	}
	if err != nil {
		glog.Warningf("%s: failed to reply to %s %s: %v", s, req.Method, req.ID, err)
		return
	}
	if r.resp.Terminal() {
		result := "ok"
		if r.resp.Err != "" {
			result = r.resp.Err
		}
		metrics.Requests.WithLabelValues(h.capability.Name(), string(req.Method), result).Inc()
	}
}

// acceptUpload runs the binary handshake for hash on behalf of req. When the blob
// is already stored, resp is marked done and complete is never called. Otherwise
// resp asks for the bytes (unless an earlier request on s already did) and
// complete runs once they are stored, or with the error that ended the wait.
func (h *requestHandler) acceptUpload(ctx context.Context, s *Session, req *protocol.Request, resp *protocol.Response,
	hash string, ttl time.Duration, complete func(ctx context.Context, err error)) error {
	if !h.blobs.Algorithm().Valid(hash) {
		return errInvalidHash
	}
	found, err := h.blobs.Touch(ctx, hash, ttl)
	if err != nil {
		return err
	}
	if found {
		metrics.BinaryHandshakes.WithLabelValues("cached").Inc()
		resp.NeedBufferFromClient = protocol.Bool(false)
		resp.BufferSetDone = protocol.Bool(true)
		return nil
	}

	first, err := s.ExpectBinary(hash, h.timeout, func(ctx context.Context, data []byte, err error) {
		if err == nil {
			metrics.BytesUploaded.Add(float64(len(data)))
			err = h.blobs.Upsert(ctx, hash, data, ttl)
		}
		switch {
		case err == nil:
			metrics.BinaryHandshakes.WithLabelValues("completed").Inc()
		case errors.Is(err, buffercache.ErrHashMismatch):
			metrics.BinaryHandshakes.WithLabelValues("mismatch").Inc()
		case errors.Is(err, ErrHandshakeTimeout):
			metrics.BinaryHandshakes.WithLabelValues("timeout").Inc()
		}
		complete(ctx, err)
	})
	if err != nil {
		return err
	}
	if first {
		metrics.BinaryHandshakes.WithLabelValues("requested").Inc()
		glog.V(2).Infof("%s: requesting buffer %s for %s", s, hash, req.ID)
	} else {
		metrics.BinaryHandshakes.WithLabelValues("joined").Inc()
	}
	resp.NeedBufferFromClient = protocol.Bool(first)
	resp.BufferSetDone = protocol.Bool(false)
	return nil
}

func errorResponse(req *protocol.Request, code string) *protocol.Response {
	resp := protocol.NewResponse(req)
	resp.Err = code
	return resp
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, buffercache.ErrHashMismatch):
		return protocol.ErrWrongBuffer
	case errors.Is(err, store.ErrNotFound), errors.Is(err, buffercache.ErrNotFound):
		return protocol.ErrDataMissing
	case errors.Is(err, ErrHandshakeTimeout):
		return protocol.ErrHandshakeTimeout
	case errors.Is(err, errInvalidHash):
		return protocol.ErrMalformed
	default:
		return protocol.ErrUnknown
	}
}
