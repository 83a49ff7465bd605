// Package engine wires the frame codec, protocol codec, raw
// transport and the discovery/messaging/file-transfer sub-engines
// into the single shared instance an embedder constructs once per
// process (spec section 9, "global singletons for services").
package engine

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/hollowpine/linkchat/internal/config"
	"github.com/hollowpine/linkchat/internal/discovery"
	"github.com/hollowpine/linkchat/internal/dispatch"
	"github.com/hollowpine/linkchat/internal/ethernet"
	"github.com/hollowpine/linkchat/internal/filetransfer"
	"github.com/hollowpine/linkchat/internal/logging"
	"github.com/hollowpine/linkchat/internal/macaddr"
	"github.com/hollowpine/linkchat/internal/messaging"
	"github.com/hollowpine/linkchat/internal/protocol"
	"github.com/hollowpine/linkchat/internal/transport"
)

// Engine is the top-level object an embedder constructs once: it owns
// the transport, the receive goroutine and every sub-engine, and
// exposes the public send/subscribe surface. Upward dependencies
// only — transport never references the sub-engines that consume it;
// they're wired here as handler functions instead (spec section 9,
// "cyclic references between discovery and transport").
type Engine struct {
	logger    *zap.SugaredLogger
	transport transport.Transport
	local     macaddr.Addr

	dispatcher *dispatch.Dispatcher
	discovery  *discovery.Engine
	messaging  *messaging.Engine
	filexfer   *filetransfer.Engine

	msgIDCounter atomic.Uint32

	malformed atomic.Uint64
	badType   atomic.Uint64

	stop chan struct{}
	wg   sync.WaitGroup
}

// New constructs an Engine over an already-open transport. Call Start
// to launch its background goroutines.
func New(cfg config.Config, logger *zap.SugaredLogger, tr transport.Transport) *Engine {
	e := &Engine{
		logger:    logging.Component(logger, "engine"),
		transport: tr,
		local:     tr.LocalMAC(),
		stop:      make(chan struct{}),
	}
	e.dispatcher = dispatch.New(logging.Component(logger, "dispatch"), dispatch.DefaultQueueCapacity)
	e.discovery = discovery.New(discovery.Config{
		HelloInterval:  cfg.HelloInterval,
		PeerStaleAfter: cfg.PeerStaleAfter,
		PeerDeadAfter:  cfg.PeerDeadAfter,
	}, logging.Component(logger, "discovery"), e, e.dispatcher, e.local, cfg.DisplayName, e.nextMsgID)
	e.messaging = messaging.New(messaging.Config{
		ReassemblyTimeout: cfg.ReassemblyTimeout,
	}, logging.Component(logger, "messaging"), e, e.dispatcher, e.nextMsgID)
	e.filexfer = filetransfer.New(filetransfer.Config{
		Window:             cfg.FileWindow,
		FragRetryInterval:  cfg.FileFragRetryInterval,
		FragMaxRetries:     cfg.FileFragMaxRetries,
		OfferRetryInterval: cfg.FileOfferRetryInterval,
		OfferMaxRetries:    cfg.FileOfferMaxRetries,
		CompleteTimeout:    cfg.FileCompleteTimeout,
		RecvStallTimeout:   cfg.FileRecvStallTimeout,
		AcceptTimeout:      cfg.FileAcceptTimeout,
	}, logging.Component(logger, "filetransfer"), e, e.dispatcher, e.nextMsgID, e.discovery.IsAlive)
	return e
}

// nextMsgID is the single process-wide msg_id allocator shared by
// every sub-engine that sends as this node (spec section 3: msg_id is
// monotonically non-decreasing per sender within a process lifetime;
// wraparound at 2^32 is benign).
func (e *Engine) nextMsgID() uint32 { return e.msgIDCounter.Add(1) }

// Send implements discovery.Sender, messaging.Sender and
// filetransfer.Sender: it is the single outbound path from every
// sub-engine to the wire.
func (e *Engine) Send(dst macaddr.Addr, pdu protocol.PDU) error {
	frame := ethernet.Frame{
		Dst:       dst,
		Src:       e.local,
		EtherType: transport.EtherType,
		Payload:   pdu.Marshal(),
	}
	if err := e.transport.Send(frame.Encode()); err != nil {
		e.dispatcher.Emit(dispatch.Event{Kind: dispatch.TransportError, Payload: TransportErrorEvent{Err: err}})
		return err
	}
	return nil
}

// Start launches the receive goroutine and every sub-engine's
// background goroutine.
func (e *Engine) Start() {
	e.discovery.Start()
	e.messaging.Start()
	e.filexfer.Start()
	e.wg.Add(1)
	go e.recvLoop()
}

// Stop shuts every sub-engine down (broadcasting GOODBYE via
// discovery), then closes the transport to unblock Recv.
func (e *Engine) Stop() {
	e.discovery.Stop()
	e.messaging.Stop()
	e.filexfer.Stop()
	_ = e.transport.Close()
	close(e.stop)
	e.wg.Wait()
	e.dispatcher.Stop()
}

func (e *Engine) recvLoop() {
	defer e.wg.Done()
	for {
		raw, arrival, err := e.transport.Recv()
		if err != nil {
			select {
			case <-e.stop:
				return
			default:
			}
			e.dispatcher.Emit(dispatch.Event{Kind: dispatch.TransportError, Payload: TransportErrorEvent{Err: err}})
			return
		}
		e.handleFrame(raw, arrival)
	}
}

func (e *Engine) handleFrame(raw []byte, arrival time.Time) {
	frame, err := ethernet.Decode(raw)
	if err != nil {
		e.malformed.Add(1)
		e.logger.Debugw("discarding malformed frame", "error", err)
		return
	}
	if frame.EtherType != transport.EtherType {
		return
	}
	if frame.Src == e.local {
		return
	}

	pdu, err := protocol.Unmarshal(frame.Payload)
	if err != nil {
		e.malformed.Add(1)
		e.logger.Debugw("discarding unparseable pdu", "peer", frame.Src.String(), "error", err)
		return
	}
	e.demux(frame.Src, pdu, arrival)
}

func (e *Engine) demux(src macaddr.Addr, pdu protocol.PDU, _ time.Time) {
	switch pdu.Header.Type {
	case protocol.Hello:
		e.discovery.HandleHello(src, protocol.DecodeHello(pdu.Payload))
	case protocol.HelloAck:
		e.discovery.HandleHelloAck(src, protocol.DecodeHello(pdu.Payload))
	case protocol.Goodbye:
		e.discovery.HandleGoodbye(src)
	case protocol.Text:
		e.messaging.HandleText(src, pdu)
	case protocol.FileOffer:
		offer, err := protocol.DecodeFileOffer(pdu.Payload)
		if err != nil {
			e.badType.Add(1)
			e.logger.Warnw("discarding malformed file-offer", "peer", src.String(), "error", err)
			return
		}
		e.filexfer.HandleFileOffer(src, pdu.Header.MsgID, offer)
	case protocol.FileData:
		e.filexfer.HandleFileData(src, pdu)
	case protocol.FileAck:
		ack, err := protocol.DecodeFileAck(pdu.Payload)
		if err != nil {
			e.badType.Add(1)
			e.logger.Warnw("discarding malformed file-ack", "peer", src.String(), "error", err)
			return
		}
		e.filexfer.HandleFileAck(src, ack)
	case protocol.FileComplete:
		complete, err := protocol.DecodeFileComplete(pdu.Payload)
		if err != nil {
			e.badType.Add(1)
			e.logger.Warnw("discarding malformed file-complete", "peer", src.String(), "error", err)
			return
		}
		e.filexfer.HandleFileComplete(src, complete)
	}
}

// SendText fragments and emits a TEXT message to dst (macaddr.Broadcast
// for the whole segment).
func (e *Engine) SendText(dst macaddr.Addr, text string) error {
	return e.messaging.SendText(dst, text)
}

// SendFile begins an outbound file transfer and returns its msg_id.
func (e *Engine) SendFile(dst macaddr.Addr, filename string, data []byte) uint32 {
	return e.filexfer.SendFile(dst, filename, data)
}

// Peers returns a snapshot of the discovery engine's peer table.
func (e *Engine) Peers() []discovery.Peer { return e.discovery.Peers() }

// LocalMAC returns this node's hardware address.
func (e *Engine) LocalMAC() macaddr.Addr { return e.local }

// On registers an observer callback for one event kind.
func (e *Engine) On(kind dispatch.Kind, h dispatch.Handler) { e.dispatcher.On(kind, h) }

// Run drains the event dispatcher on the calling goroutine until Stop
// is called. Embedders that prefer to drive delivery from their own
// loop should call Poll instead.
func (e *Engine) Run() { e.dispatcher.Run() }

// Poll delivers at most one queued event; see dispatch.Dispatcher.Poll.
func (e *Engine) Poll() bool { return e.dispatcher.Poll() }

// MalformedFrameCount returns the number of inbound frames discarded
// for failing frame or PDU decode (spec section 7).
func (e *Engine) MalformedFrameCount() uint64 { return e.malformed.Load() }

// TransportErrorEvent is the Payload of a dispatch.TransportError
// event.
type TransportErrorEvent struct {
	Err error
}

func (ev TransportErrorEvent) Error() string { return fmt.Sprintf("transport error: %v", ev.Err) }
