package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freedomjs/radiatus-providers/events"
	"github.com/freedomjs/radiatus-providers/protocol"
)

type recordedEvents struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordedEvents) Publish(_ context.Context, event events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordedEvents) Close() error { return nil }
func (r *recordedEvents) Type() string { return "recorded" }

func (r *recordedEvents) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func socialRoute(user string) Route {
	return Route{Capability: protocol.CapabilitySocial, Authorized: true, Username: user, Key: "SocialAuth-https://a.example/chat"}
}

func joinSocial(t *testing.T, h *SocialHandler, route Route) (*Session, *fakeSocket) {
	s, sock := newTestSession(t, route)
	h.AddConnection(s)
	t.Cleanup(func() { h.RemoveConnection(s) })
	return s, sock
}

// socialFrames decodes every text frame as a generic social push.
func socialFrames(t *testing.T, sock *fakeSocket) []map[string]any {
	var out []map[string]any
	for _, fr := range sock.written() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(fr.data, &m))
		out = append(out, m)
	}
	return out
}

func TestSocial_RosterAndMessages(t *testing.T) {
	h := NewSocialHandler("SocialAuth-https://a.example/chat", false, nil)
	alice, aliceSock := joinSocial(t, h, socialRoute("alice"))

	var state protocol.State
	decode(t, aliceSock.waitFrames(t, 1)[0], &state)
	assert.Equal(t, protocol.State{Cmd: protocol.CmdState, UserID: "alice", Roster: []string{}}, state)

	bob, bobSock := joinSocial(t, h, socialRoute("bob"))
	decode(t, bobSock.waitFrames(t, 1)[0], &state)
	assert.Equal(t, []string{"alice"}, state.Roster)
	assert.Equal(t, "bob", state.UserID)

	var online protocol.RosterEvent
	decode(t, aliceSock.waitFrames(t, 2)[1], &online)
	assert.Equal(t, protocol.RosterEvent{Cmd: protocol.CmdRoster, UserID: "bob", Online: true}, online)

	_, carolSock := joinSocial(t, h, socialRoute("carol"))
	decode(t, carolSock.waitFrames(t, 1)[0], &state)
	assert.Equal(t, []string{"alice", "bob"}, state.Roster)
	assert.Equal(t, []string{"alice", "bob", "carol"}, h.Roster())

	h.HandleText(alice, mustJSON(t, protocol.SocialCommand{Cmd: protocol.CmdSend, To: "bob", Msg: json.RawMessage(`{"text":"hi"}`)}))
	var msg protocol.Message
	decode(t, bobSock.waitFrames(t, 3)[2], &msg)
	assert.Equal(t, "alice", msg.From)
	assert.JSONEq(t, `{"text":"hi"}`, string(msg.Msg))

	h.HandleText(bob, mustJSON(t, protocol.SocialCommand{Cmd: protocol.CmdPing}))
	var pong protocol.Pong
	decode(t, bobSock.waitFrames(t, 4)[3], &pong)
	assert.Equal(t, protocol.CmdPong, pong.Cmd)

	h.RemoveConnection(bob)
	var offline protocol.RosterEvent
	frames := aliceSock.waitFrames(t, 4)
	decode(t, frames[3], &offline)
	assert.Equal(t, protocol.RosterEvent{Cmd: protocol.CmdRoster, UserID: "bob", Online: false}, offline)
	assert.Equal(t, []string{"alice", "carol"}, h.Roster())
}

func TestSocial_SupersedeWithoutDispatcher(t *testing.T) {
	h := NewSocialHandler("SocialAuth-https://a.example/chat", false, nil)
	_, firstSock := joinSocial(t, h, socialRoute("alice"))
	_, secondSock := joinSocial(t, h, socialRoute("alice"))

	assert.True(t, firstSock.isClosed())
	secondSock.waitFrames(t, 1)
	assert.Equal(t, []string{"alice"}, h.Roster())
}

func TestSocial_UnknownDestinationIsDropped(t *testing.T) {
	h := NewSocialHandler("SocialAuth-https://a.example/chat", false, nil)
	alice, aliceSock := joinSocial(t, h, socialRoute("alice"))
	aliceSock.waitFrames(t, 1)

	h.HandleText(alice, mustJSON(t, protocol.SocialCommand{Cmd: protocol.CmdSend, To: "nobody", Msg: json.RawMessage(`"x"`)}))
	h.HandleText(alice, []byte(`{"cmd":"dance"}`))
	h.HandleText(alice, []byte(`not json`))
	h.HandleBinary(alice, []byte{1, 2, 3})
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, aliceSock.written(), 1)
}

func TestSocial_NewestConnectionWins(t *testing.T) {
	recorder := &recordedEvents{}
	dispatcher := events.NewDispatcher(recorder, "server-1", time.Second)
	h := NewSocialHandler("SocialAuth-https://a.example/chat", false, dispatcher)

	_, bobSock := joinSocial(t, h, socialRoute("bob"))
	first, firstSock := joinSocial(t, h, socialRoute("alice"))
	second, secondSock := joinSocial(t, h, socialRoute("alice"))

	assert.True(t, firstSock.isClosed())
	code, text := firstSock.closeFrame()
	assert.Equal(t, CloseSuperseded, code)
	assert.Equal(t, "superseded", text)
	assert.Equal(t, []string{"alice", "bob"}, h.Roster())

	var state protocol.State
	decode(t, secondSock.waitFrames(t, 1)[0], &state)
	assert.Equal(t, []string{"bob"}, state.Roster)

	// The superseded socket leaves without an offline announcement.
	bobFrames := len(bobSock.waitFrames(t, 3))
	h.RemoveConnection(first)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, bobSock.written(), bobFrames)
	assert.Equal(t, []string{"alice", "bob"}, h.Roster())

	h.HandleText(second, mustJSON(t, protocol.SocialCommand{Cmd: protocol.CmdPing}))
	secondSock.waitFrames(t, 2)

	dispatcher.Wait()
	assert.Equal(t, []string{events.TypeSuperseded}, recorder.types())
}

func TestSocial_AnonymousNames(t *testing.T) {
	h := NewSocialHandler("SocialAnon-https://a.example/chat", true, nil)
	h.names = func() string { return "Ada Lovelace" }
	anon := Route{Capability: protocol.CapabilitySocial, Key: "SocialAnon-https://a.example/chat"}

	first, _ := joinSocial(t, h, anon)
	second, _ := joinSocial(t, h, anon)

	assert.Equal(t, "Ada Lovelace", first.User)
	assert.NotEqual(t, first.User, second.User)
	assert.Regexp(t, `^Ada Lovelace-[0-9A-Z]{6}$`, second.User)
	assert.Len(t, h.Roster(), 2)
}

func TestSocial_AnonymousIgnoresRequestedName(t *testing.T) {
	h := NewSocialHandler("SocialAnon-https://a.example/chat", true, nil)
	h.names = func() string { return "Grace Hopper" }

	s, _ := joinSocial(t, h, Route{Capability: protocol.CapabilitySocial, Username: "admin", Key: "SocialAnon-https://a.example/chat"})
	assert.Equal(t, "Grace Hopper", s.User)
}

func TestSocial_UnreachablePeerIsSkipped(t *testing.T) {
	h := NewSocialHandler("SocialAuth-https://a.example/chat", false, nil)
	_, aliceSock := joinSocial(t, h, socialRoute("alice"))
	_, bobSock := joinSocial(t, h, socialRoute("bob"))
	aliceSock.waitFrames(t, 2)
	bobSock.waitFrames(t, 1)
	bobSock.failWrites(errBrokenPipe)

	_, carolSock := joinSocial(t, h, socialRoute("carol"))
	var state protocol.State
	decode(t, carolSock.waitFrames(t, 1)[0], &state)
	assert.Equal(t, []string{"alice", "bob"}, state.Roster)

	frames := aliceSock.waitFrames(t, 3)
	var online protocol.RosterEvent
	decode(t, frames[2], &online)
	assert.Equal(t, "carol", online.UserID)
	assert.Len(t, socialFrames(t, bobSock), 1)
}
