package websocket

import (
	"context"
	"fmt"
	"time"

	"github.com/freedomjs/radiatus-providers/buffercache"
	"github.com/freedomjs/radiatus-providers/protocol"
	"github.com/freedomjs/radiatus-providers/store"
)

// TransportHandler relays binary payloads between the peers of one application.
// Blobs are shared by content hash, but an application can only receive hashes
// that were sent through it. That index lives in the blob store so it survives a
// restart and is seen by every instance sharing the store.
type TransportHandler struct {
	*requestHandler
	ttl time.Duration
}

// NewTransportHandler creates the Transport handler for the application key. Sent
// blobs expire ttl after their last send or receive.
func NewTransportHandler(key string, blobs *buffercache.Persisted, ttl, binaryTimeout time.Duration) *TransportHandler {
	h := &TransportHandler{
		requestHandler: newRequestHandler(protocol.CapabilityTransport, key, blobs, binaryTimeout),
		ttl:            ttl,
	}
	h.operations = map[protocol.Method]operation{
		protocol.MethodSend:    h.send,
		protocol.MethodReceive: h.receive,
	}
	return h
}

func (h *TransportHandler) send(ctx context.Context, s *Session, req *protocol.Request) (*reply, error) {
	hash := req.ContentHash()
	resp := protocol.NewResponse(req)
	resp.Ret = hash

	err := h.acceptUpload(ctx, s, req, resp, hash, h.ttl, func(ctx context.Context, err error) {
		if err == nil {
			err = h.blobs.Share(ctx, h.key, hash, h.ttl)
		}
		if err != nil {
			h.finish(s, req, nil, err)
			return
		}
		final := protocol.NewResponse(req)
		final.Ret = hash
		final.NeedBufferFromClient = protocol.Bool(false)
		final.BufferSetDone = protocol.Bool(true)
		h.finish(s, req, &reply{resp: final}, nil)
	})
	if err != nil {
		return nil, err
	}
	if protocol.IsSet(resp.BufferSetDone) {
		if err := h.blobs.Share(ctx, h.key, hash, h.ttl); err != nil {
			return nil, err
		}
	}
	return &reply{resp: resp}, nil
}

func (h *TransportHandler) receive(ctx context.Context, s *Session, req *protocol.Request) (*reply, error) {
	hash := req.ContentHash()
	shared, err := h.blobs.Shared(ctx, h.key, hash)
	if err != nil {
		return nil, err
	}
	if !shared {
		return nil, fmt.Errorf("receive %s in %s: %w", hash, h.key, store.ErrNotFound)
	}
	data, err := h.blobs.Get(ctx, hash, h.ttl)
	if err != nil {
		return nil, err
	}
	if err := h.blobs.Share(ctx, h.key, hash, h.ttl); err != nil {
		return nil, err
	}

	resp := protocol.NewResponse(req)
	resp.Ret = hash
	resp.BufferSent = protocol.Bool(true)
	return &reply{resp: resp, blob: data, stream: true}, nil
}
