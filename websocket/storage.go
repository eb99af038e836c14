package websocket

import (
	"context"
	"fmt"
	"time"

	"github.com/golang/glog"

	"github.com/freedomjs/radiatus-providers/buffercache"
	"github.com/freedomjs/radiatus-providers/protocol"
	"github.com/freedomjs/radiatus-providers/store"
)

const rollbackTimeout = 5 * time.Second

// StorageHandler serves the key/value Storage protocol for one application.
// Records are scoped by application key and username; binary values live in the
// shared blob store and are permanent.
type StorageHandler struct {
	*requestHandler
	records store.RecordStore
	now     func() time.Time
}

// NewStorageHandler creates the Storage handler for the application key.
func NewStorageHandler(key string, records store.RecordStore, blobs *buffercache.Persisted, binaryTimeout time.Duration) *StorageHandler {
	h := &StorageHandler{
		requestHandler: newRequestHandler(protocol.CapabilityStorage, key, blobs, binaryTimeout),
		records:        records,
		now:            time.Now,
	}
	h.operations = map[protocol.Method]operation{
		protocol.MethodKeys:   h.keys,
		protocol.MethodGet:    h.get,
		protocol.MethodSet:    h.set,
		protocol.MethodRemove: h.remove,
		protocol.MethodClear:  h.clear,
	}
	return h
}

func (h *StorageHandler) scope(s *Session) store.Scope {
	return store.Scope{App: h.key, User: s.User}
}

func (h *StorageHandler) keys(ctx context.Context, s *Session, req *protocol.Request) (*reply, error) {
	keys, err := h.records.Keys(ctx, h.scope(s))
	if err != nil {
		return nil, err
	}
	if keys == nil {
		keys = []string{}
	}
	resp := protocol.NewResponse(req)
	resp.Ret = keys
	return &reply{resp: resp}, nil
}

func (h *StorageHandler) get(ctx context.Context, s *Session, req *protocol.Request) (*reply, error) {
	rec, err := h.records.Get(ctx, h.scope(s), req.Key)
	if err != nil {
		return nil, err
	}
	resp := protocol.NewResponse(req)
	if rec == nil {
		return &reply{resp: resp}, nil
	}
	resp.Ret = rec.Value
	resp.ValueIsHash = rec.ValueIsHash
	if !rec.ValueIsHash {
		return &reply{resp: resp}, nil
	}

	data, err := h.blobs.Get(ctx, rec.Value, 0)
	if err != nil {
		return nil, err
	}
	resp.BufferSetDone = protocol.Bool(true)
	return &reply{resp: resp, blob: data, stream: true}, nil
}

// set writes the record first and answers with the value it replaced. A binary
// value then goes through the handshake; if its bytes never arrive the record is
// put back the way it was.
func (h *StorageHandler) set(ctx context.Context, s *Session, req *protocol.Request) (*reply, error) {
	if req.ValueIsHash && !h.blobs.Algorithm().Valid(req.Value) {
		return nil, errInvalidHash
	}

	scope := h.scope(s)
	prev, err := h.records.Upsert(ctx, scope, req.Key, store.Record{
		Value:       req.Value,
		ValueIsHash: req.ValueIsHash,
		LastUpdated: h.now(),
	})
	if err != nil {
		return nil, err
	}

	resp := protocol.NewResponse(req)
	r := &reply{resp: resp}
	if prev != nil {
		resp.Ret = prev.Value
		if prev.ValueIsHash {
			r.blob, r.stream = h.previousBlob(ctx, s, prev.Value)
		}
	}
	if !req.ValueIsHash {
		return r, nil
	}

	err = h.acceptUpload(ctx, s, req, resp, req.Value, 0, func(ctx context.Context, err error) {
		if err != nil {
			h.rollback(ctx, s, req, prev)
			h.finish(s, req, nil, err)
			return
		}
		final := protocol.NewResponse(req)
		final.Ret = resp.Ret
		final.NeedBufferFromClient = protocol.Bool(false)
		final.BufferSetDone = protocol.Bool(true)
		h.finish(s, req, &reply{resp: final}, nil)
	})
	if err != nil {
		h.rollback(ctx, s, req, prev)
		return nil, err
	}
	return r, nil
}

// previousBlob fetches the blob a replaced record pointed at, so the client can
// release its copy. A missing blob is not an error for the set itself.
func (h *StorageHandler) previousBlob(ctx context.Context, s *Session, hash string) ([]byte, bool) {
	data, err := h.blobs.Get(ctx, hash, 0)
	if err != nil {
		glog.Warningf("%s: previous buffer %s unavailable: %v", s, hash, err)
		return nil, false
	}
	return data, true
}

// rollback restores the record a failed set replaced, unless it changed since.
func (h *StorageHandler) rollback(ctx context.Context, s *Session, req *protocol.Request, prev *store.Record) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
	defer cancel()
	restored, err := h.records.Restore(ctx, h.scope(s), req.Key, req.Value, prev)
	switch {
	case err != nil:
		glog.Errorf("%s: failed to roll back %q: %v", s, req.Key, err)
	case restored:
		glog.V(2).Infof("%s: rolled back %q", s, req.Key)
	}
}

func (h *StorageHandler) remove(ctx context.Context, s *Session, req *protocol.Request) (*reply, error) {
	prev, err := h.records.Remove(ctx, h.scope(s), req.Key)
	if err != nil {
		return nil, err
	}
	resp := protocol.NewResponse(req)
	if prev == nil {
		return &reply{resp: resp}, nil
	}
	resp.Ret = prev.Value
	resp.ValueIsHash = prev.ValueIsHash
	if !prev.ValueIsHash {
		return &reply{resp: resp}, nil
	}

	// A removed record whose blob is gone answers like get does; the removal stands.
	data, err := h.blobs.Get(ctx, prev.Value, 0)
	if err != nil {
		return nil, fmt.Errorf("removed %q: %w", req.Key, err)
	}
	resp.BufferSetDone = protocol.Bool(true)
	return &reply{resp: resp, blob: data, stream: true}, nil
}

func (h *StorageHandler) clear(ctx context.Context, s *Session, req *protocol.Request) (*reply, error) {
	if err := h.records.Clear(ctx, h.scope(s)); err != nil {
		return nil, err
	}
	return &reply{resp: protocol.NewResponse(req)}, nil
}
