// Package discovery tracks which peers are alive on the broadcast
// domain via periodic HELLO broadcasts and a liveness sweep (spec
// section 4.4).
package discovery

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hollowpine/linkchat/internal/dispatch"
	"github.com/hollowpine/linkchat/internal/macaddr"
	"github.com/hollowpine/linkchat/internal/protocol"
)

// State is a peer's position in the liveness state machine.
type State int

const (
	Active State = iota
	Stale
	Dead
)

func (s State) String() string {
	switch s {
	case Active:
		return "ACTIVE"
	case Stale:
		return "STALE"
	default:
		return "DEAD"
	}
}

// Peer is one entry in the discovery engine's peer table.
type Peer struct {
	MAC         macaddr.Addr
	DisplayName string
	FirstSeen   time.Time
	LastSeen    time.Time
	State       State
}

// Sender is the minimal outbound contract the discovery engine needs;
// satisfied by the top-level engine's demux.
type Sender interface {
	Send(dst macaddr.Addr, pdu protocol.PDU) error
}

// Config bundles the discovery engine's tunables (spec section 6).
// There is no separately-configurable sweep interval in the spec; the
// liveness sweep shares HelloInterval's cadence.
type Config struct {
	HelloInterval  time.Duration
	PeerStaleAfter time.Duration
	PeerDeadAfter  time.Duration
}

// Engine owns the peer table and the HELLO/liveness background
// goroutine.
type Engine struct {
	cfg         Config
	logger      *zap.SugaredLogger
	sender      Sender
	dispatcher  *dispatch.Dispatcher
	local       macaddr.Addr
	displayName string
	nextMsgID   func() uint32

	mu    sync.RWMutex
	peers map[macaddr.Addr]*Peer

	stop chan struct{}
	wg   sync.WaitGroup
}

// New builds a discovery Engine. nextMsgID is the process-wide msg_id
// allocator shared across every engine that sends PDUs as this node.
func New(cfg Config, logger *zap.SugaredLogger, sender Sender, dispatcher *dispatch.Dispatcher, local macaddr.Addr, displayName string, nextMsgID func() uint32) *Engine {
	return &Engine{
		cfg:         cfg,
		logger:      logger,
		sender:      sender,
		dispatcher:  dispatcher,
		local:       local,
		displayName: displayName,
		nextMsgID:   nextMsgID,
		peers:       make(map[macaddr.Addr]*Peer),
		stop:        make(chan struct{}),
	}
}

// Start launches the HELLO/liveness-sweep background goroutine.
func (e *Engine) Start() {
	e.wg.Add(1)
	go e.run()
}

func (e *Engine) run() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.HelloInterval)
	defer ticker.Stop()

	e.broadcastHello()
	for {
		select {
		case <-ticker.C:
			e.broadcastHello()
			e.sweep()
		case <-e.stop:
			return
		}
	}
}

func (e *Engine) broadcastHello() {
	pdus := protocol.Split(protocol.Hello, e.nextMsgID(), protocol.EncodeHello(e.displayName), false)
	for _, p := range pdus {
		if err := e.sender.Send(macaddr.Broadcast, p); err != nil {
			e.logger.Warnw("failed to broadcast HELLO", "error", err)
		}
	}
}

func (e *Engine) unicastHelloAck(dst macaddr.Addr) {
	pdus := protocol.Split(protocol.HelloAck, e.nextMsgID(), protocol.EncodeHello(e.displayName), false)
	for _, p := range pdus {
		if err := e.sender.Send(dst, p); err != nil {
			e.logger.Warnw("failed to unicast HELLO-ACK", "peer", dst, "error", err)
		}
	}
}

// HandleHello processes an inbound HELLO PDU: inserts or refreshes the
// sender's peer-table entry and, for a newly-seen peer, schedules a
// unicast HELLO-ACK.
func (e *Engine) HandleHello(src macaddr.Addr, name string) {
	isNew := e.touch(src, name)
	if isNew {
		e.unicastHelloAck(src)
	}
}

// HandleHelloAck processes an inbound HELLO-ACK: identical tracking to
// HELLO, but never replied to.
func (e *Engine) HandleHelloAck(src macaddr.Addr, name string) {
	e.touch(src, name)
}

// touch inserts src as a fresh ACTIVE peer if unknown, or refreshes an
// existing entry's last_seen and state. Returns true if src was not
// already known.
func (e *Engine) touch(src macaddr.Addr, name string) bool {
	now := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()

	p, known := e.peers[src]
	if !known {
		e.peers[src] = &Peer{
			MAC:         src,
			DisplayName: name,
			FirstSeen:   now,
			LastSeen:    now,
			State:       Active,
		}
		e.logger.Infow("peer discovered", "peer", src.String(), "name", name)
		e.dispatcher.Emit(dispatch.Event{Kind: dispatch.PeerUp, Payload: PeerUpEvent{MAC: src, DisplayName: name}})
		return true
	}

	p.LastSeen = now
	p.State = Active
	if name != "" {
		p.DisplayName = name
	}
	return false
}

// HandleGoodbye transitions src to DEAD and removes it from the
// table, emitting a peer-down event.
func (e *Engine) HandleGoodbye(src macaddr.Addr) {
	e.mu.Lock()
	_, known := e.peers[src]
	delete(e.peers, src)
	e.mu.Unlock()

	if known {
		e.logger.Infow("peer said goodbye", "peer", src.String())
		e.dispatcher.Emit(dispatch.Event{Kind: dispatch.PeerDown, Payload: PeerDownEvent{MAC: src}})
	}
}

// sweep marks peers STALE past PeerStaleAfter and removes peers DEAD
// past PeerDeadAfter, emitting a peer-down event for each removal.
func (e *Engine) sweep() {
	now := time.Now()
	var down []macaddr.Addr

	e.mu.Lock()
	for mac, p := range e.peers {
		age := now.Sub(p.LastSeen)
		switch {
		case age >= e.cfg.PeerDeadAfter:
			delete(e.peers, mac)
			down = append(down, mac)
		case age >= e.cfg.PeerStaleAfter:
			p.State = Stale
		}
	}
	e.mu.Unlock()

	for _, mac := range down {
		e.logger.Infow("peer timed out", "peer", mac.String())
		e.dispatcher.Emit(dispatch.Event{Kind: dispatch.PeerDown, Payload: PeerDownEvent{MAC: mac}})
	}
}

// Peers returns a snapshot of every non-DEAD peer. DEAD peers are
// removed from the table as soon as they're recognized as dead, so
// this is simply every entry currently held.
func (e *Engine) Peers() []Peer {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Peer, 0, len(e.peers))
	for _, p := range e.peers {
		out = append(out, *p)
	}
	return out
}

// IsAlive reports whether mac currently has a non-DEAD entry.
func (e *Engine) IsAlive(mac macaddr.Addr) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.peers[mac]
	return ok
}

// Stop broadcasts one GOODBYE and halts the background goroutine.
func (e *Engine) Stop() {
	pdus := protocol.Split(protocol.Goodbye, e.nextMsgID(), nil, false)
	for _, p := range pdus {
		_ = e.sender.Send(macaddr.Broadcast, p)
	}
	close(e.stop)
	e.wg.Wait()
}

// PeerUpEvent is the Payload of a dispatch.PeerUp event.
type PeerUpEvent struct {
	MAC         macaddr.Addr
	DisplayName string
}

// PeerDownEvent is the Payload of a dispatch.PeerDown event.
type PeerDownEvent struct {
	MAC macaddr.Addr
}
