package websocket

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/freedomjs/radiatus-providers/buffercache"
	"github.com/freedomjs/radiatus-providers/events"
	"github.com/freedomjs/radiatus-providers/metrics"
	"github.com/freedomjs/radiatus-providers/presence"
	"github.com/freedomjs/radiatus-providers/protocol"
	"github.com/freedomjs/radiatus-providers/store"
)

const (
	presenceTimeout         = 2 * time.Second
	presenceRefreshInterval = 10 * time.Second
)

// Options configures a Router.
type Options struct {
	ServerID         string
	Secret           string
	Records          store.RecordStore
	Blobs            *buffercache.Persisted
	Events           *events.Dispatcher
	Presence         presence.Directory
	Timeouts         Timeouts
	TransportTTL     time.Duration
	MessageSizeLimit int64
	HandshakeTimeout time.Duration
}

// Router accepts sockets, authorizes them and hands each to the handler of its
// application and capability.
type Router struct {
	opts     Options
	registry *Registry
	upgrader websocket.Upgrader
	sessions sync.Map // session id -> *Session
	wg       sync.WaitGroup
}

// NewRouter creates a router with an empty handler registry.
func NewRouter(opts Options) *Router {
	if opts.Events == nil {
		opts.Events = events.NewDispatcher(events.Nop{}, opts.ServerID, time.Second)
	}
	if opts.Presence == nil {
		opts.Presence = presence.NewMemoryDirectory(time.Hour)
	}
	return &Router{
		opts:     opts,
		registry: NewRegistry(),
		upgrader: websocket.Upgrader{
			HandshakeTimeout: opts.HandshakeTimeout,
			// The origin is part of the routing key, so every origin is accepted.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Registry exposes the application handlers.
func (rt *Router) Registry() *Registry { return rt.registry }

// HandleWebSocket upgrades r and serves the socket until it closes.
func (rt *Router) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	route := ResolveRoute(r, rt.opts.Secret)
	if !route.Authorized {
		metrics.AuthFailures.Inc()
		glog.V(2).Infof("Routing %s from %s to anonymous social", r.URL.Path, r.RemoteAddr)
	}

	conn, err := rt.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Warningf("WebSocket upgrade failed: %v", err)
		return
	}
	rt.Serve(conn, route)
}

// Serve runs the read loop of one socket. Frames reach the handler in receipt order.
func (rt *Router) Serve(conn Socket, route Route) {
	rt.wg.Add(1)
	defer rt.wg.Done()

	handler := rt.registry.GetOrCreate(route.Key, rt.factory(route))
	s := NewSession(ulid.Make().String(), conn, route, rt.opts.Timeouts, rt.opts.Blobs.Algorithm())
	if rt.opts.MessageSizeLimit > 0 {
		conn.SetReadLimit(rt.opts.MessageSizeLimit)
	}
	conn.SetPongHandler(s.PongHandler())

	rt.sessions.Store(s.ID, s)
	handler.AddConnection(s)
	capability := route.Capability.Name()
	metrics.ActiveConnections.WithLabelValues(capability).Inc()
	metrics.TotalConnections.WithLabelValues(capability).Inc()
	glog.Infof("%s: connected to %s", s, route.Key)
	rt.emit(events.TypeConnected, s)
	rt.createPresence(s)
	s.StartTimers()

	defer func() {
		handler.RemoveConnection(s)
		s.Close(websocket.CloseNormalClosure, "Client disconnected")
		s.Wait()
		rt.sessions.Delete(s.ID)
		rt.deletePresence(s)
		metrics.ActiveConnections.WithLabelValues(capability).Dec()
		glog.Infof("%s: disconnected from %s", s, route.Key)
		rt.emit(events.TypeDisconnected, s)
	}()

	lastRefresh := time.Now()
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) &&
				!errors.Is(err, net.ErrClosed) {
				glog.Warningf("%s: read error: %v", s, err)
			}
			return
		}
		s.UpdateActivity()
		if now := time.Now(); now.Sub(lastRefresh) >= presenceRefreshInterval {
			lastRefresh = now
			rt.refreshPresence(s)
		}

		switch messageType {
		case websocket.TextMessage:
			metrics.FramesReceived.WithLabelValues("text").Inc()
			handler.HandleText(s, data)
		case websocket.BinaryMessage:
			metrics.FramesReceived.WithLabelValues("binary").Inc()
			handler.HandleBinary(s, data)
		}
	}
}

func (rt *Router) factory(route Route) Factory {
	return func(key string) Handler {
		switch route.Capability {
		case protocol.CapabilityStorage:
			return NewStorageHandler(key, rt.opts.Records, rt.opts.Blobs, rt.opts.Timeouts.Binary)
		case protocol.CapabilityTransport:
			return NewTransportHandler(key, rt.opts.Blobs, rt.opts.TransportTTL, rt.opts.Timeouts.Binary)
		default:
			return NewSocialHandler(key, !route.Authorized, rt.opts.Events)
		}
	}
}

func (rt *Router) emit(eventType string, s *Session) {
	rt.opts.Events.Emit(events.Event{
		Type:       eventType,
		App:        s.App,
		Capability: s.Capability.Name(),
		UserID:     s.User,
		SessionID:  s.ID,
	})
}

func (rt *Router) createPresence(s *Session) {
	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	err := rt.opts.Presence.Create(ctx, &presence.Record{
		SessionID:   s.ID,
		ServerID:    rt.opts.ServerID,
		App:         s.App,
		Capability:  s.Capability.Name(),
		UserID:      s.User,
		ConnectedAt: time.Now(),
	})
	if err != nil {
		glog.Warningf("%s: failed to record presence: %v", s, err)
	}
}

func (rt *Router) refreshPresence(s *Session) {
	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	if err := rt.opts.Presence.RefreshTTL(ctx, s.ID); err != nil {
		// Not fatal; the record is refreshed again on later traffic.
		glog.Warningf("%s: failed to refresh presence: %v", s, err)
	}
}

func (rt *Router) deletePresence(s *Session) {
	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	if err := rt.opts.Presence.Delete(ctx, s.ID); err != nil {
		glog.Warningf("%s: failed to delete presence: %v", s, err)
	}
}

// CloseAll closes every live socket with reason.
func (rt *Router) CloseAll(reason string) {
	rt.sessions.Range(func(_, value any) bool {
		s := value.(*Session)
		glog.V(2).Infof("%s: closing: %s", s, reason)
		s.Close(websocket.CloseGoingAway, reason)
		return true
	})
}

// Shutdown closes every socket and waits for their in-flight requests to finish,
// or for ctx to end.
func (rt *Router) Shutdown(ctx context.Context) error {
	rt.CloseAll("Server shutting down")

	done := make(chan struct{})
	go func() {
		rt.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
