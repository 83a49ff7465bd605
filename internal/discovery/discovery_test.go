package discovery

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hollowpine/linkchat/internal/dispatch"
	"github.com/hollowpine/linkchat/internal/macaddr"
	"github.com/hollowpine/linkchat/internal/protocol"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []sentPDU
}

type sentPDU struct {
	dst macaddr.Addr
	pdu protocol.PDU
}

func (f *fakeSender) Send(dst macaddr.Addr, pdu protocol.PDU) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentPDU{dst, pdu})
	return nil
}

func (f *fakeSender) count(typ protocol.PDUType, dst macaddr.Addr) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.sent {
		if s.pdu.Header.Type == typ && s.dst == dst {
			n++
		}
	}
	return n
}

func testLogger(t *testing.T) *zap.SugaredLogger {
	l, err := zap.NewDevelopment()
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Sync() })
	return l.Sugar()
}

func newTestEngine(t *testing.T) (*Engine, *fakeSender, *dispatch.Dispatcher) {
	sender := &fakeSender{}
	d := dispatch.New(testLogger(t), 32)
	var counter atomic.Uint32
	e := New(Config{
		HelloInterval:  time.Hour, // tests drive behavior directly, not via ticker
		PeerStaleAfter: 15 * time.Second,
		PeerDeadAfter:  30 * time.Second,
	}, testLogger(t), sender, d, macaddr.New(1, 2, 3, 4, 5, 6), "me", func() uint32 { return counter.Add(1) })
	return e, sender, d
}

var remote = macaddr.New(0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff)

func TestHelloFromUnknownPeerInsertsAndAcks(t *testing.T) {
	e, sender, d := newTestEngine(t)

	var gotUp PeerUpEvent
	d.On(dispatch.PeerUp, func(ev dispatch.Event) { gotUp = ev.Payload.(PeerUpEvent) })

	e.HandleHello(remote, "bob")
	d.Poll()

	require.Equal(t, remote, gotUp.MAC)
	require.Equal(t, "bob", gotUp.DisplayName)
	require.Equal(t, 1, sender.count(protocol.HelloAck, remote))

	peers := e.Peers()
	require.Len(t, peers, 1)
	require.Equal(t, Active, peers[0].State)
}

func TestHelloFromKnownPeerDoesNotReAck(t *testing.T) {
	e, sender, _ := newTestEngine(t)
	e.HandleHello(remote, "bob")
	e.HandleHello(remote, "bob")
	require.Equal(t, 1, sender.count(protocol.HelloAck, remote))
}

func TestHelloAckNeverReplied(t *testing.T) {
	e, sender, _ := newTestEngine(t)
	e.HandleHelloAck(remote, "bob")
	require.Equal(t, 0, sender.count(protocol.HelloAck, remote))
	require.Len(t, e.Peers(), 1)
}

func TestGoodbyeMarksDeadAndRemoves(t *testing.T) {
	e, _, d := newTestEngine(t)
	e.HandleHello(remote, "bob")
	d.Poll()

	var gotDown PeerDownEvent
	d.On(dispatch.PeerDown, func(ev dispatch.Event) { gotDown = ev.Payload.(PeerDownEvent) })

	e.HandleGoodbye(remote)
	d.Poll()

	require.Equal(t, remote, gotDown.MAC)
	require.Empty(t, e.Peers())
}

func TestSweepTransitionsStaleThenDead(t *testing.T) {
	e, _, d := newTestEngine(t)
	e.HandleHello(remote, "bob")

	// Force the peer to look stale without sleeping in the test.
	e.mu.Lock()
	e.peers[remote].LastSeen = time.Now().Add(-20 * time.Second)
	e.mu.Unlock()
	e.sweep()
	require.Equal(t, Stale, e.Peers()[0].State)

	var downCount int
	d.On(dispatch.PeerDown, func(dispatch.Event) { downCount++ })

	e.mu.Lock()
	e.peers[remote].LastSeen = time.Now().Add(-31 * time.Second)
	e.mu.Unlock()
	e.sweep()
	d.Poll()

	require.Empty(t, e.Peers())
	require.Equal(t, 1, downCount)
}

func TestPeerReappearingAfterDeadGetsFreshFirstSeen(t *testing.T) {
	e, _, _ := newTestEngine(t)
	e.HandleHello(remote, "bob")
	first := e.Peers()[0].FirstSeen

	e.HandleGoodbye(remote)
	require.Empty(t, e.Peers())

	time.Sleep(time.Millisecond)
	e.HandleHello(remote, "bob")
	require.True(t, e.Peers()[0].FirstSeen.After(first))
}

func TestStopBroadcastsGoodbye(t *testing.T) {
	e, sender, _ := newTestEngine(t)
	e.Stop()
	require.Equal(t, 1, sender.count(protocol.Goodbye, macaddr.Broadcast))
}
