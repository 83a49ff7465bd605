package filetransfer

import (
	"crypto/sha256"
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
	sent []protocol.PDU
}

func (f *fakeSender) Send(dst macaddr.Addr, pdu protocol.PDU) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, pdu)
	return nil
}

func (f *fakeSender) ofType(typ protocol.PDUType) []protocol.PDU {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []protocol.PDU
	for _, p := range f.sent {
		if p.Header.Type == typ {
			out = append(out, p)
		}
	}
	return out
}

func testLogger(t *testing.T) *zap.SugaredLogger {
	l, err := zap.NewDevelopment()
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Sync() })
	return l.Sugar()
}

func newTestEngine(t *testing.T, cfg Config, alive func(macaddr.Addr) bool) (*Engine, *fakeSender, *dispatch.Dispatcher) {
	sender := &fakeSender{}
	d := dispatch.New(testLogger(t), 32)
	var counter atomic.Uint32
	if alive == nil {
		alive = func(macaddr.Addr) bool { return true }
	}
	e := New(cfg, testLogger(t), sender, d, func() uint32 { return counter.Add(1) }, alive)
	return e, sender, d
}

var peer = macaddr.New(9, 9, 9, 9, 9, 9)

func smallCfg() Config {
	return Config{
		Window:             4,
		FragRetryInterval:  20 * time.Millisecond,
		FragMaxRetries:     3,
		OfferRetryInterval: 20 * time.Millisecond,
		OfferMaxRetries:    2,
		CompleteTimeout:    50 * time.Millisecond,
		RecvStallTimeout:   30 * time.Millisecond,
		AcceptTimeout:      20 * time.Millisecond,
	}
}

func TestFullOutboundTransferSucceeds(t *testing.T) {
	e, sender, d := newTestEngine(t, smallCfg(), nil)

	var progress []FileProgressEvent
	var done FileSendDoneEvent
	d.On(dispatch.FileProgress, func(ev dispatch.Event) { progress = append(progress, ev.Payload.(FileProgressEvent)) })
	d.On(dispatch.FileSendDone, func(ev dispatch.Event) { done = ev.Payload.(FileSendDoneEvent) })

	msgID := e.SendFile(peer, "hello.txt", []byte("hello world"))

	offers := sender.ofType(protocol.FileOffer)
	require.Len(t, offers, 1)
	require.Equal(t, msgID, offers[0].Header.MsgID)

	e.HandleFileAck(peer, FileAckPayloadFor(msgID))
	require.Len(t, sender.ofType(protocol.FileData), 1)

	e.HandleFileAck(peer, protocol.FileAckPayload{MsgID: msgID, FragIndex: 0})
	d.Poll()
	require.Len(t, progress, 1)
	require.Equal(t, len("hello world"), progress[0].BytesAcked)

	e.HandleFileComplete(peer, protocol.FileCompletePayload{MsgID: msgID, OK: true})
	d.Poll()
	require.Equal(t, msgID, done.MsgID)

	e.mu.Lock()
	_, stillTracked := e.outbound[msgID]
	e.mu.Unlock()
	require.False(t, stillTracked)
}

func TestDigestMismatchFailsOutboundTransfer(t *testing.T) {
	e, _, d := newTestEngine(t, smallCfg(), nil)

	var failed FileSendFailedEvent
	d.On(dispatch.FileSendFailed, func(ev dispatch.Event) { failed = ev.Payload.(FileSendFailedEvent) })

	msgID := e.SendFile(peer, "f.bin", []byte("data"))
	e.HandleFileAck(peer, FileAckPayloadFor(msgID))
	e.HandleFileAck(peer, protocol.FileAckPayload{MsgID: msgID, FragIndex: 0})
	e.HandleFileComplete(peer, protocol.FileCompletePayload{MsgID: msgID, OK: false})
	d.Poll()

	require.Equal(t, msgID, failed.MsgID)
}

func TestLostFragmentAckTriggersRetransmit(t *testing.T) {
	e, sender, _ := newTestEngine(t, smallCfg(), nil)

	msgID := e.SendFile(peer, "f.bin", []byte("data"))
	e.HandleFileAck(peer, FileAckPayloadFor(msgID))
	require.Len(t, sender.ofType(protocol.FileData), 1)

	e.mu.Lock()
	tr := e.outbound[msgID]
	e.mu.Unlock()
	tr.mu.Lock()
	tr.sentAt[0] = time.Now().Add(-time.Hour)
	tr.mu.Unlock()

	e.tick()
	require.Len(t, sender.ofType(protocol.FileData), 2)

	tr.mu.Lock()
	retries := tr.retries[0]
	tr.mu.Unlock()
	require.Equal(t, 1, retries)
}

func TestFragmentRetryCeilingFailsTransfer(t *testing.T) {
	cfg := smallCfg()
	cfg.FragMaxRetries = 1
	e, _, d := newTestEngine(t, cfg, nil)

	var failed bool
	d.On(dispatch.FileSendFailed, func(dispatch.Event) { failed = true })

	msgID := e.SendFile(peer, "f.bin", []byte("data"))
	e.HandleFileAck(peer, FileAckPayloadFor(msgID))

	e.mu.Lock()
	tr := e.outbound[msgID]
	e.mu.Unlock()

	for i := 0; i < 3; i++ {
		tr.mu.Lock()
		tr.sentAt[0] = time.Now().Add(-time.Hour)
		tr.mu.Unlock()
		e.tick()
	}
	d.Poll()
	require.True(t, failed)
}

func TestOfferRetryCeilingFailsTransfer(t *testing.T) {
	cfg := smallCfg()
	cfg.OfferMaxRetries = 1
	e, sender, d := newTestEngine(t, cfg, nil)

	var failed bool
	d.On(dispatch.FileSendFailed, func(dispatch.Event) { failed = true })

	msgID := e.SendFile(peer, "f.bin", []byte("data"))

	e.mu.Lock()
	tr := e.outbound[msgID]
	e.mu.Unlock()

	for i := 0; i < 3; i++ {
		tr.mu.Lock()
		tr.offerSentAt = time.Now().Add(-time.Hour)
		tr.mu.Unlock()
		e.tick()
	}
	d.Poll()
	require.True(t, failed)
	require.GreaterOrEqual(t, len(sender.ofType(protocol.FileOffer)), 2)
}

func TestPeerGoneDeadMidTransferFails(t *testing.T) {
	alive := func(macaddr.Addr) bool { return false }
	e, _, d := newTestEngine(t, smallCfg(), alive)

	var failed bool
	d.On(dispatch.FileSendFailed, func(dispatch.Event) { failed = true })

	e.SendFile(peer, "f.bin", []byte("data"))
	e.tick()
	d.Poll()
	require.True(t, failed)
}

func TestInboundAcceptThenCompleteMatchesDigest(t *testing.T) {
	e, sender, d := newTestEngine(t, smallCfg(), nil)

	var offered FileOfferedEvent
	var received FileReceivedEvent
	d.On(dispatch.FileOffered, func(ev dispatch.Event) { offered = ev.Payload.(FileOfferedEvent) })
	d.On(dispatch.FileReceived, func(ev dispatch.Event) { received = ev.Payload.(FileReceivedEvent) })

	content := []byte("file contents")
	digest := shaSum(content)
	e.HandleFileOffer(peer, 5, protocol.FileOffer{Size: uint64(len(content)), TotalFragments: 1, Filename: "f.txt", Digest: digest})
	d.Poll()
	require.Equal(t, uint32(5), offered.MsgID)

	offered.Decide(true)
	require.Len(t, sender.ofType(protocol.FileAck), 1)

	e.HandleFileData(peer, protocol.PDU{Header: protocol.Header{Version: protocol.CurrentVersion, Type: protocol.FileData, MsgID: 5, FragIndex: 0, FragTotal: 1}, Payload: content})
	d.Poll()

	require.True(t, received.DigestOK)
	require.Equal(t, content, received.Bytes)
	require.Len(t, sender.ofType(protocol.FileComplete), 1)
}

func TestInboundDigestMismatch(t *testing.T) {
	e, _, d := newTestEngine(t, smallCfg(), nil)

	var received FileReceivedEvent
	d.On(dispatch.FileReceived, func(ev dispatch.Event) { received = ev.Payload.(FileReceivedEvent) })

	wrongDigest := shaSum([]byte("something else"))
	e.HandleFileOffer(peer, 9, protocol.FileOffer{Size: 4, TotalFragments: 1, Filename: "f.bin", Digest: wrongDigest})
	e.decideOffer(inboundKey{source: peer, msgID: 9}, true)
	e.HandleFileData(peer, protocol.PDU{Header: protocol.Header{Version: protocol.CurrentVersion, Type: protocol.FileData, MsgID: 9, FragIndex: 0, FragTotal: 1}, Payload: []byte("data")})
	d.Poll()

	require.False(t, received.DigestOK)
}

func TestDuplicateFileDataStillAcknowledged(t *testing.T) {
	e, sender, _ := newTestEngine(t, smallCfg(), nil)

	e.HandleFileOffer(peer, 3, protocol.FileOffer{Size: 4, TotalFragments: 2, Filename: "f.bin", Digest: shaSum([]byte("data"))})
	e.decideOffer(inboundKey{source: peer, msgID: 3}, true)

	frag := protocol.PDU{Header: protocol.Header{Version: protocol.CurrentVersion, Type: protocol.FileData, MsgID: 3, FragIndex: 0, FragTotal: 2, Flags: protocol.MoreFragments}, Payload: []byte("da")}
	e.HandleFileData(peer, frag)
	e.HandleFileData(peer, frag)

	// One offer-acceptance ACK, then one ACK per FILE-DATA including the duplicate.
	require.Len(t, sender.ofType(protocol.FileAck), 3)

	e.inboundMu.Lock()
	r := e.inbound[inboundKey{source: peer, msgID: 3}]
	e.inboundMu.Unlock()
	r.mu.Lock()
	count := r.count
	r.mu.Unlock()
	require.Equal(t, 1, count)
}

func TestRejectSendsFileCompleteAndDropsRecord(t *testing.T) {
	e, sender, _ := newTestEngine(t, smallCfg(), nil)

	e.HandleFileOffer(peer, 11, protocol.FileOffer{Size: 1, TotalFragments: 1, Filename: "f.bin", Digest: shaSum([]byte("x"))})
	e.decideOffer(inboundKey{source: peer, msgID: 11}, false)

	require.Len(t, sender.ofType(protocol.FileComplete), 1)
	e.inboundMu.Lock()
	_, ok := e.inbound[inboundKey{source: peer, msgID: 11}]
	e.inboundMu.Unlock()
	require.False(t, ok)
}

func TestAutoAcceptAfterTimeout(t *testing.T) {
	e, sender, _ := newTestEngine(t, smallCfg(), nil)

	e.HandleFileOffer(peer, 13, protocol.FileOffer{Size: 1, TotalFragments: 1, Filename: "f.bin", Digest: shaSum([]byte("x"))})

	e.inboundMu.Lock()
	r := e.inbound[inboundKey{source: peer, msgID: 13}]
	e.inboundMu.Unlock()
	r.mu.Lock()
	r.firstSeen = time.Now().Add(-time.Hour)
	r.mu.Unlock()

	e.tick()
	require.Len(t, sender.ofType(protocol.FileAck), 1)
}

func TestReceiverStallDropsRecord(t *testing.T) {
	e, _, _ := newTestEngine(t, smallCfg(), nil)

	e.HandleFileOffer(peer, 17, protocol.FileOffer{Size: 4, TotalFragments: 2, Filename: "f.bin", Digest: shaSum([]byte("data"))})
	e.decideOffer(inboundKey{source: peer, msgID: 17}, true)

	e.inboundMu.Lock()
	r := e.inbound[inboundKey{source: peer, msgID: 17}]
	e.inboundMu.Unlock()
	r.mu.Lock()
	r.lastProgress = time.Now().Add(-time.Hour)
	r.mu.Unlock()

	e.tick()

	e.inboundMu.Lock()
	_, ok := e.inbound[inboundKey{source: peer, msgID: 17}]
	e.inboundMu.Unlock()
	require.False(t, ok)
}

func shaSum(b []byte) [protocol.DigestLen]byte {
	return sha256.Sum256(b)
}
