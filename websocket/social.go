package websocket

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/golang/glog"
	"github.com/oklog/ulid/v2"

	"github.com/freedomjs/radiatus-providers/events"
	"github.com/freedomjs/radiatus-providers/metrics"
	"github.com/freedomjs/radiatus-providers/protocol"
)

// CloseSuperseded closes a social socket replaced by a newer one for the same user.
const CloseSuperseded = 4000

// SocialHandler keeps the in-memory roster of one application and relays
// messages between its members. One socket per user: the newest wins.
type SocialHandler struct {
	key       string
	anonymous bool
	events    *events.Dispatcher
	names     func() string

	mu    sync.Mutex
	peers map[string]*Session
}

// NewSocialHandler creates the roster for key. Anonymous rosters name their members.
func NewSocialHandler(key string, anonymous bool, dispatcher *events.Dispatcher) *SocialHandler {
	if dispatcher == nil {
		dispatcher = events.NewDispatcher(events.Nop{}, "", time.Second)
	}
	return &SocialHandler{
		key:       key,
		anonymous: anonymous,
		events:    dispatcher,
		names:     gofakeit.Name,
		peers:     make(map[string]*Session),
	}
}

func (h *SocialHandler) Capability() protocol.Capability { return protocol.CapabilitySocial }

// AddConnection puts s on the roster, sends it the state of everyone else and
// announces it to the others.
func (h *SocialHandler) AddConnection(s *Session) {
	h.mu.Lock()
	if h.anonymous || s.User == "" {
		s.User = h.freeNameLocked()
	}
	old := h.peers[s.User]
	h.peers[s.User] = s
	roster := h.rosterLocked(s.User)
	h.mu.Unlock()

	if old != nil {
		glog.Infof("%s: superseded by %s in %s", old, s, h.key)
		old.Close(CloseSuperseded, "superseded")
		h.events.Emit(events.Event{
			Type:       events.TypeSuperseded,
			App:        h.key,
			Capability: protocol.CapabilitySocial.Name(),
			UserID:     old.User,
			SessionID:  old.ID,
		})
	}

	if err := s.WriteJSON(protocol.State{Cmd: protocol.CmdState, UserID: s.User, Roster: roster}); err != nil {
		glog.Warningf("%s: failed to send state: %v", s, err)
	}
	h.broadcast(s, protocol.RosterEvent{Cmd: protocol.CmdRoster, UserID: s.User, Online: true})
}

// RemoveConnection takes s off the roster. A superseded socket leaves no trace.
func (h *SocialHandler) RemoveConnection(s *Session) {
	h.mu.Lock()
	if h.peers[s.User] != s {
		h.mu.Unlock()
		return
	}
	delete(h.peers, s.User)
	h.mu.Unlock()

	h.broadcast(s, protocol.RosterEvent{Cmd: protocol.CmdRoster, UserID: s.User, Online: false})
}

// HandleText runs one social command.
func (h *SocialHandler) HandleText(s *Session, data []byte) {
	var cmd protocol.SocialCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		metrics.MalformedFrames.Inc()
		glog.Warningf("%s: dropping malformed frame: %v", s, err)
		return
	}

	switch cmd.Cmd {
	case protocol.CmdSend:
		h.relay(s, cmd)
	case protocol.CmdPing:
		if err := s.WriteJSON(protocol.Pong{Cmd: protocol.CmdPong}); err != nil {
			glog.Warningf("%s: failed to send pong: %v", s, err)
		}
	default:
		glog.Warningf("%s: unsupported social command %q", s, cmd.Cmd)
	}
}

// HandleBinary drops the frame; the social protocol is text only.
func (h *SocialHandler) HandleBinary(s *Session, data []byte) {
	glog.Warningf("%s: dropping binary frame (%d bytes) on social", s, len(data))
}

// Roster lists the users currently online.
func (h *SocialHandler) Roster() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rosterLocked("")
}

// relay forwards a message. Unknown destinations are dropped without telling the sender.
func (h *SocialHandler) relay(from *Session, cmd protocol.SocialCommand) {
	h.mu.Lock()
	to := h.peers[cmd.To]
	h.mu.Unlock()

	if to == nil {
		glog.Infof("%s: dropping message to unknown peer %q", from, cmd.To)
		return
	}
	msg := protocol.Message{Cmd: protocol.CmdMessage, From: from.User, Msg: cmd.Msg}
	if err := to.WriteJSON(msg); err != nil {
		glog.Warningf("%s: failed to deliver message to %s: %v", from, to, err)
	}
}

// broadcast sends v to every member except skip. A failing peer is logged and skipped.
func (h *SocialHandler) broadcast(skip *Session, v any) {
	h.mu.Lock()
	targets := make([]*Session, 0, len(h.peers))
	for _, peer := range h.peers {
		if peer != skip {
			targets = append(targets, peer)
		}
	}
	h.mu.Unlock()

	for _, peer := range targets {
		if err := peer.WriteJSON(v); err != nil {
			glog.Warningf("%s: failed to notify %s: %v", skip, peer, err)
		}
	}
}

func (h *SocialHandler) rosterLocked(exclude string) []string {
	roster := make([]string, 0, len(h.peers))
	for user := range h.peers {
		if user != exclude {
			roster = append(roster, user)
		}
	}
	sort.Strings(roster)
	return roster
}

func (h *SocialHandler) freeNameLocked() string {
	name := h.names()
	if _, taken := h.peers[name]; !taken && name != "" {
		return name
	}
	id := ulid.Make().String()
	return name + "-" + id[len(id)-6:]
}
