package websocket

import (
	"sync"

	"github.com/golang/glog"

	"github.com/freedomjs/radiatus-providers/metrics"
	"github.com/freedomjs/radiatus-providers/protocol"
)

// Handler owns the protocol of one capability for one application. Frames from a
// session arrive in receipt order; handlers may answer them out of order.
type Handler interface {
	Capability() protocol.Capability
	// AddConnection registers s and sends its greeting frame.
	AddConnection(s *Session)
	HandleText(s *Session, data []byte)
	HandleBinary(s *Session, data []byte)
	// RemoveConnection forgets s once its socket has closed.
	RemoveConnection(s *Session)
}

// Factory builds the handler for an application key.
type Factory func(key string) Handler

type registryEntry struct {
	once    sync.Once
	handler Handler
}

// Registry maps application keys to their handlers. Handlers are created on first
// use and live as long as the process.
type Registry struct {
	handlers sync.Map // key -> *registryEntry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// GetOrCreate returns the handler for key, building it with factory the first time.
// Concurrent callers for the same key share one factory call; distinct keys never wait
// on each other.
func (r *Registry) GetOrCreate(key string, factory Factory) Handler {
	value, _ := r.handlers.LoadOrStore(key, &registryEntry{})
	entry := value.(*registryEntry)
	entry.once.Do(func() {
		entry.handler = factory(key)
		metrics.SessionHandlers.Inc()
		glog.Infof("Created %s handler for %s", entry.handler.Capability(), key)
	})
	return entry.handler
}

// Len counts the registered application keys.
func (r *Registry) Len() int {
	n := 0
	r.handlers.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
