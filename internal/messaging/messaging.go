// Package messaging sends and reassembles TEXT PDUs: best-effort,
// unacknowledged multi-fragment chat messages (spec section 4.5).
package messaging

import (
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/hollowpine/linkchat/internal/dispatch"
	"github.com/hollowpine/linkchat/internal/macaddr"
	"github.com/hollowpine/linkchat/internal/protocol"
)

// Sender is the minimal outbound contract the messaging engine needs.
type Sender interface {
	Send(dst macaddr.Addr, pdu protocol.PDU) error
}

// Config bundles the messaging engine's tunables (spec section 6).
type Config struct {
	ReassemblyTimeout time.Duration
}

// sweepInterval is how often stale reassembly slots are evicted. The
// spec names only a timeout, not a separate sweep cadence; 3 s is a
// tenth of the default 30 s timeout. The interval is fixed and does not
// scale with a configured ReassemblyTimeout.
const sweepInterval = 3 * time.Second

type slotKey struct {
	src   macaddr.Addr
	msgID uint32
}

type slot struct {
	typ       protocol.PDUType
	fragTotal uint16
	fragments [][]byte
	received  []bool
	count     int
	firstSeen time.Time
}

// Engine owns outbound TEXT fragmentation and inbound reassembly.
type Engine struct {
	cfg        Config
	logger     *zap.SugaredLogger
	sender     Sender
	dispatcher *dispatch.Dispatcher
	nextMsgID  func() uint32

	mu    sync.Mutex
	slots map[slotKey]*slot

	stop chan struct{}
	wg   sync.WaitGroup

	dropped   atomic.Uint64
	discarded atomic.Uint64
}

// New builds a messaging Engine.
func New(cfg Config, logger *zap.SugaredLogger, sender Sender, dispatcher *dispatch.Dispatcher, nextMsgID func() uint32) *Engine {
	return &Engine{
		cfg:        cfg,
		logger:     logger,
		sender:     sender,
		dispatcher: dispatcher,
		nextMsgID:  nextMsgID,
		slots:      make(map[slotKey]*slot),
		stop:       make(chan struct{}),
	}
}

// Start launches the reassembly-sweep background goroutine.
func (e *Engine) Start() {
	e.wg.Add(1)
	go e.run()
}

func (e *Engine) run() {
	defer e.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.sweep()
		case <-e.stop:
			return
		}
	}
}

// Stop halts the sweep goroutine.
func (e *Engine) Stop() {
	close(e.stop)
	e.wg.Wait()
}

// SendText fragments text and emits one TEXT PDU per fragment to dst,
// in order. Broadcast is simply dst == macaddr.Broadcast. TEXT never
// requires acknowledgment (spec section 4.5).
func (e *Engine) SendText(dst macaddr.Addr, text string) error {
	pdus := protocol.Split(protocol.Text, e.nextMsgID(), []byte(text), false)
	for _, p := range pdus {
		if err := e.sender.Send(dst, p); err != nil {
			return err
		}
	}
	return nil
}

// HandleText processes one inbound TEXT fragment, completing and
// delivering the message once every fragment has arrived.
func (e *Engine) HandleText(src macaddr.Addr, pdu protocol.PDU) {
	h := pdu.Header
	if h.FragTotal == 0 || h.FragIndex >= h.FragTotal {
		e.discarded.Add(1)
		e.logger.Warnw("discarding text fragment with invalid frag_index", "peer", src.String(), "frag_index", h.FragIndex, "frag_total", h.FragTotal)
		return
	}

	key := slotKey{src: src, msgID: h.MsgID}

	e.mu.Lock()
	s, ok := e.slots[key]
	if !ok {
		s = &slot{
			typ:       h.Type,
			fragTotal: h.FragTotal,
			fragments: make([][]byte, h.FragTotal),
			received:  make([]bool, h.FragTotal),
			firstSeen: time.Now(),
		}
		e.slots[key] = s
	}
	if s.typ != h.Type || s.fragTotal != h.FragTotal {
		delete(e.slots, key)
		e.mu.Unlock()
		e.discarded.Add(1)
		e.logger.Warnw("discarding reassembly slot: frag_total/type mismatch", "peer", src.String(), "msg_id", h.MsgID)
		return
	}
	if !s.received[h.FragIndex] {
		s.received[h.FragIndex] = true
		s.fragments[h.FragIndex] = pdu.Payload
		s.count++
	}
	complete := s.count == int(s.fragTotal)
	if complete {
		delete(e.slots, key)
	}
	e.mu.Unlock()

	if !complete {
		return
	}

	total := 0
	for _, f := range s.fragments {
		total += len(f)
	}
	buf := make([]byte, 0, total)
	for _, f := range s.fragments {
		buf = append(buf, f...)
	}
	if !utf8.Valid(buf) {
		e.discarded.Add(1)
		e.logger.Warnw("discarding reassembled text: invalid UTF-8", "peer", src.String(), "msg_id", h.MsgID)
		return
	}
	e.dispatcher.Emit(dispatch.Event{Kind: dispatch.MessageReceived, Payload: MessageReceivedEvent{
		SourceMAC: src,
		Text:      string(buf),
		Timestamp: time.Now(),
	}})
}

// sweep evicts reassembly slots older than ReassemblyTimeout.
func (e *Engine) sweep() {
	now := time.Now()
	e.mu.Lock()
	for key, s := range e.slots {
		if now.Sub(s.firstSeen) >= e.cfg.ReassemblyTimeout {
			delete(e.slots, key)
			e.dropped.Add(1)
		}
	}
	e.mu.Unlock()
}

// PendingSlots reports how many incomplete reassemblies are in
// flight, for diagnostics and tests.
func (e *Engine) PendingSlots() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.slots)
}

// MessageReceivedEvent is the Payload of a dispatch.MessageReceived
// event.
type MessageReceivedEvent struct {
	SourceMAC macaddr.Addr
	Text      string
	Timestamp time.Time
}
