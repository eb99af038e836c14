package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/freedomjs/radiatus-providers/buffercache"
	"github.com/freedomjs/radiatus-providers/config"
	"github.com/freedomjs/radiatus-providers/metrics"
	"github.com/freedomjs/radiatus-providers/protocol"
)

const (
	websocketRetryDelay = 200 * time.Millisecond
	websocketMaxRetries = 2
)

var (
	// ErrSessionClosed is returned when a session is used after its socket closed.
	ErrSessionClosed = errors.New("session closed")
	// ErrHandshakeTimeout fails a request whose promised binary frame never arrived.
	ErrHandshakeTimeout = errors.New("binary handshake timed out")
)

// Socket is the part of *websocket.Conn a session uses.
type Socket interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Timeouts are the session timers, in real durations.
type Timeouts struct {
	Ping      time.Duration
	Activity  time.Duration
	Write     time.Duration
	Binary    time.Duration
	KeepAlive bool
}

// TimeoutsFromConfig converts the configured seconds.
func TimeoutsFromConfig(cfg *config.WebSocketConfig) Timeouts {
	return Timeouts{
		Ping:      time.Duration(cfg.PingInterval) * time.Second,
		Activity:  time.Duration(cfg.ActivityTimeout) * time.Second,
		Write:     time.Duration(cfg.WriteTimeout) * time.Second,
		Binary:    time.Duration(cfg.BinaryHandshakeTimeout) * time.Second,
		KeepAlive: cfg.KeepAlive,
	}
}

// BinaryHandler completes a request that waited for a binary frame. Exactly one of
// data and err is set.
type BinaryHandler func(ctx context.Context, data []byte, err error)

type pendingBinary struct {
	hash  string
	fn    BinaryHandler
	timer *time.Timer
}

var sessionSeq atomic.Uint64

// Session is the state of one accepted socket: who it belongs to, which
// application it was routed to and which binary uploads it still owes.
type Session struct {
	ID         string
	Seq        uint64
	App        string
	User       string
	Capability protocol.Capability

	conn     Socket
	timeouts Timeouts
	alg      buffercache.Algorithm
	ctx      context.Context
	cancel   context.CancelFunc

	lastActivity  atomic.Int64
	timerMu       sync.Mutex
	pingTicker    *time.Ticker
	activityTimer *time.Timer

	writeMu   sync.Mutex
	closeOnce sync.Once
	inflight  sync.WaitGroup

	pendingMu sync.Mutex
	pending   map[string][]*pendingBinary
	order     []*pendingBinary
}

// NewSession wraps conn. id must be unique across the process.
func NewSession(id string, conn Socket, route Route, timeouts Timeouts, alg buffercache.Algorithm) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:         id,
		Seq:        sessionSeq.Add(1),
		App:        route.Key,
		User:       route.Username,
		Capability: route.Capability,
		conn:       conn,
		timeouts:   timeouts,
		alg:        alg,
		ctx:        ctx,
		cancel:     cancel,
		pending:    make(map[string][]*pendingBinary),
	}
	s.lastActivity.Store(time.Now().Unix())
	return s
}

// String identifies the session in logs.
func (s *Session) String() string {
	return fmt.Sprintf("%s[%d]", s.User, s.Seq)
}

// Context is cancelled when the session closes.
func (s *Session) Context() context.Context { return s.ctx }

// Done is closed when the session closes.
func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }

// Hash computes the content hash of data with the server's algorithm.
func (s *Session) Hash(data []byte) string { return s.alg.Sum(data) }

// Go runs fn on its own goroutine and tracks it until Wait.
func (s *Session) Go(fn func(ctx context.Context)) {
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		fn(s.ctx)
	}()
}

// Wait blocks until every goroutine started with Go has returned.
func (s *Session) Wait() {
	s.inflight.Wait()
}

// WriteJSON marshals v and sends it as one text frame.
func (s *Session) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.write(websocket.TextMessage, data)
}

// WriteBinaryThenJSON sends data as a binary frame immediately followed by v, with
// no other frame in between.
func (s *Session) WriteBinaryThenJSON(data []byte, v any) error {
	text, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.write(websocket.BinaryMessage, data); err != nil {
		return err
	}
	return s.write(websocket.TextMessage, text)
}

// write sends one frame, retrying briefly. writeMu must be held.
func (s *Session) write(messageType int, data []byte) error {
	operation := func() error {
		if s.ctx.Err() != nil {
			return backoff.Permanent(ErrSessionClosed)
		}
		if s.timeouts.Write > 0 {
			if err := s.conn.SetWriteDeadline(time.Now().Add(s.timeouts.Write)); err != nil {
				return err
			}
		}
		return s.conn.WriteMessage(messageType, data)
	}

	backoffStrategy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(websocketRetryDelay), websocketMaxRetries),
		s.ctx,
	)

	err := backoff.RetryNotify(operation, backoffStrategy, func(err error, d time.Duration) {
		glog.Warningf("%s: retrying websocket write: %v (next attempt in %s)", s, err, d)
	})
	if err != nil {
		return err
	}
	metrics.FramesSent.WithLabelValues(frameKind(messageType)).Inc()
	return nil
}

// ExpectBinary registers fn to run when a binary frame hashing to hash arrives, or
// with ErrHandshakeTimeout once timeout elapses. first is false when an earlier
// request on this session is already waiting for the same bytes.
func (s *Session) ExpectBinary(hash string, timeout time.Duration, fn BinaryHandler) (first bool, err error) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	if s.pending == nil {
		return false, ErrSessionClosed
	}

	p := &pendingBinary{hash: hash, fn: fn}
	first = len(s.pending[hash]) == 0
	s.pending[hash] = append(s.pending[hash], p)
	s.order = append(s.order, p)
	if timeout > 0 {
		p.timer = time.AfterFunc(timeout, func() { s.expire(p) })
	}
	return first, nil
}

// PendingBinaries counts requests waiting for a binary frame.
func (s *Session) PendingBinaries() int {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	return len(s.order)
}

// DeliverBinary hands an uploaded frame to every request waiting for its hash.
// Bytes nobody asked for fail the oldest waiting hash with a mismatch. It reports
// whether any request consumed the frame.
func (s *Session) DeliverBinary(data []byte) bool {
	hash := s.Hash(data)

	s.pendingMu.Lock()
	var deliverErr error
	waiters := s.pending[hash]
	if len(waiters) == 0 {
		if len(s.order) == 0 {
			s.pendingMu.Unlock()
			return false
		}
		expected := s.order[0].hash
		waiters = s.pending[expected]
		deliverErr = fmt.Errorf("%w: expected %s, got %s", buffercache.ErrHashMismatch, expected, hash)
	}
	waiters = append([]*pendingBinary(nil), waiters...)
	for _, p := range waiters {
		s.removeLocked(p)
	}
	s.pendingMu.Unlock()

	s.Go(func(ctx context.Context) {
		for _, p := range waiters {
			if deliverErr != nil {
				p.fn(ctx, nil, deliverErr)
			} else {
				p.fn(ctx, data, nil)
			}
		}
	})
	return true
}

func (s *Session) expire(p *pendingBinary) {
	s.pendingMu.Lock()
	removed := s.removeLocked(p)
	s.pendingMu.Unlock()
	if !removed {
		return
	}
	glog.Warningf("%s: gave up waiting for buffer %s", s, p.hash)
	s.Go(func(ctx context.Context) {
		p.fn(ctx, nil, ErrHandshakeTimeout)
	})
}

// removeLocked drops p from the pending table. pendingMu must be held.
func (s *Session) removeLocked(p *pendingBinary) bool {
	list := s.pending[p.hash]
	idx := -1
	for i, q := range list {
		if q == p {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}
	if len(list) == 1 {
		delete(s.pending, p.hash)
	} else {
		s.pending[p.hash] = append(list[:idx:idx], list[idx+1:]...)
	}
	for i, q := range s.order {
		if q == p {
			s.order = append(s.order[:i:i], s.order[i+1:]...)
			break
		}
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	return true
}

// discardPending empties the pending table. Each waiter runs once with
// ErrSessionClosed so it can release what it reserved; its reply never reaches
// the closed socket.
func (s *Session) discardPending() {
	s.pendingMu.Lock()
	waiters := s.order
	s.pending = nil
	s.order = nil
	s.pendingMu.Unlock()

	if len(waiters) == 0 {
		return
	}
	glog.V(2).Infof("%s: discarding %d pending buffer requests", s, len(waiters))
	for _, p := range waiters {
		if p.timer != nil {
			p.timer.Stop()
		}
	}
	s.Go(func(ctx context.Context) {
		for _, p := range waiters {
			p.fn(ctx, nil, ErrSessionClosed)
		}
	})
}

// UpdateActivity records client traffic and resets the inactivity timer.
func (s *Session) UpdateActivity() {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()

	s.lastActivity.Store(time.Now().Unix())
	if s.activityTimer != nil {
		s.activityTimer.Reset(s.timeouts.Activity)
	}
}

// UpdateLastSeen updates only the timestamp, for pongs when keep-alive is off.
func (s *Session) UpdateLastSeen() {
	s.lastActivity.Store(time.Now().Unix())
}

// LastActivityTime returns the time of last activity.
func (s *Session) LastActivityTime() time.Time {
	return time.Unix(s.lastActivity.Load(), 0)
}

// StartTimers arms the inactivity timeout and the ping loop. Zero durations disable them.
func (s *Session) StartTimers() {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()

	if s.timeouts.Activity > 0 {
		s.activityTimer = time.AfterFunc(s.timeouts.Activity, s.onActivityTimeout)
	}
	if s.timeouts.Ping > 0 {
		s.pingTicker = time.NewTicker(s.timeouts.Ping)
		go s.pingLoop(s.pingTicker)
	}
}

func (s *Session) pingLoop(ticker *time.Ticker) {
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.SendPing(); err != nil {
				glog.Warningf("%s: failed to send ping: %v", s, err)
				s.Close(websocket.CloseInternalServerErr, "Ping failure")
				return
			}
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Session) onActivityTimeout() {
	glog.Infof("%s: connection timed out", s)
	s.Close(websocket.ClosePolicyViolation, "Inactivity timeout")
}

// SendPing writes a ping control frame.
func (s *Session) SendPing() error {
	return s.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(s.timeouts.Write))
}

// PongHandler resets the inactivity timer on pongs when keep-alive is on.
func (s *Session) PongHandler() func(string) error {
	return func(string) error {
		if s.timeouts.KeepAlive {
			s.UpdateActivity()
		} else {
			s.UpdateLastSeen()
		}
		return nil
	}
}

// Close sends a close frame and closes the socket. Pending binary requests are
// discarded. Only the first call has any effect.
func (s *Session) Close(code int, text string) error {
	var err error
	s.closeOnce.Do(func() {
		s.timerMu.Lock()
		if s.pingTicker != nil {
			s.pingTicker.Stop()
		}
		if s.activityTimer != nil {
			s.activityTimer.Stop()
		}
		s.timerMu.Unlock()

		s.cancel()
		s.discardPending()

		werr := s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(code, text),
			time.Now().Add(s.timeouts.Write),
		)
		if werr != nil && !errors.Is(werr, websocket.ErrCloseSent) {
			glog.V(2).Infof("%s: error sending close message: %v", s, werr)
		}
		err = s.conn.Close()
	})
	return err
}

func frameKind(messageType int) string {
	if messageType == websocket.BinaryMessage {
		return "binary"
	}
	return "text"
}
