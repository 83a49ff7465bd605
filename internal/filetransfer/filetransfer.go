// Package filetransfer implements the offer/accept/transfer/ack state
// machines for whole-file transfer over the fragmented PDU wire
// format: a sender side with sliding-window retransmission and a
// receiver side with reassembly, digest verification and stall
// detection (spec section 4.6).
package filetransfer

import (
	"crypto/sha256"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hollowpine/linkchat/internal/dispatch"
	"github.com/hollowpine/linkchat/internal/macaddr"
	"github.com/hollowpine/linkchat/internal/protocol"
)

// Sender is the minimal outbound contract the file-transfer engine
// needs.
type Sender interface {
	Send(dst macaddr.Addr, pdu protocol.PDU) error
}

// Config bundles the file-transfer engine's tunables (spec section 6).
type Config struct {
	Window             int
	FragRetryInterval  time.Duration
	FragMaxRetries     int
	OfferRetryInterval time.Duration
	OfferMaxRetries    int
	CompleteTimeout    time.Duration
	RecvStallTimeout   time.Duration
	AcceptTimeout      time.Duration
}

// schedulerTick is how often the background goroutine re-evaluates
// every in-flight transfer's timers. No single timer per fragment;
// the spec's "transfer scheduler thread" polls instead, same shape as
// the discovery and messaging engines' ticker loops.
const schedulerTick = 100 * time.Millisecond

// SendState is the outbound transfer's position in the sender state
// machine (spec section 4.6).
type SendState int

const (
	Offering SendState = iota
	Sending
	AwaitingComplete
	Done
	Failed
)

func (s SendState) String() string {
	switch s {
	case Offering:
		return "OFFERING"
	case Sending:
		return "SENDING"
	case AwaitingComplete:
		return "AWAITING_COMPLETE"
	case Done:
		return "DONE"
	default:
		return "FAILED"
	}
}

// RecvState is the inbound transfer's position in the receiver state
// machine (spec section 4.6).
type RecvState int

const (
	Pending RecvState = iota
	Receiving
	Verifying
	ReceiveDone
	ReceiveFailed
)

func (s RecvState) String() string {
	switch s {
	case Pending:
		return "PENDING"
	case Receiving:
		return "RECEIVING"
	case Verifying:
		return "VERIFYING"
	case ReceiveDone:
		return "DONE"
	default:
		return "FAILED"
	}
}

type outboundTransfer struct {
	mu sync.Mutex

	msgID    uint32
	dest     macaddr.Addr
	filename string
	digest   [protocol.DigestLen]byte
	total    int
	fragments [][]byte

	state SendState

	offerSentAt    time.Time
	offerRetries   int

	sentAt  []time.Time
	acked   []bool
	retries []int
	ackedCount int

	awaitingCompleteSince time.Time
	startTime             time.Time
}

type inboundTransfer struct {
	mu sync.Mutex

	msgID          uint32
	source         macaddr.Addr
	filename       string
	expectedTotal  uint32
	expectedDigest [protocol.DigestLen]byte

	fragments [][]byte
	received  []bool
	count     int

	state        RecvState
	decided      bool
	firstSeen    time.Time
	lastProgress time.Time
}

// Engine owns every outbound and inbound file transfer and the
// scheduler goroutine driving their timers.
type Engine struct {
	cfg        Config
	logger     *zap.SugaredLogger
	sender     Sender
	dispatcher *dispatch.Dispatcher
	nextMsgID  func() uint32
	peerAlive  func(macaddr.Addr) bool

	mu       sync.Mutex
	outbound map[uint32]*outboundTransfer

	inboundMu sync.Mutex
	inbound   map[inboundKey]*inboundTransfer

	stop chan struct{}
	wg   sync.WaitGroup
}

type inboundKey struct {
	source macaddr.Addr
	msgID  uint32
}

// New builds a file-transfer Engine. peerAlive reports whether a MAC
// currently has a live discovery-table entry; transfers to a peer
// that goes DEAD mid-transfer are failed (spec section 4.6).
func New(cfg Config, logger *zap.SugaredLogger, sender Sender, dispatcher *dispatch.Dispatcher, nextMsgID func() uint32, peerAlive func(macaddr.Addr) bool) *Engine {
	return &Engine{
		cfg:        cfg,
		logger:     logger,
		sender:     sender,
		dispatcher: dispatcher,
		nextMsgID:  nextMsgID,
		peerAlive:  peerAlive,
		outbound:   make(map[uint32]*outboundTransfer),
		inbound:    make(map[inboundKey]*inboundTransfer),
		stop:       make(chan struct{}),
	}
}

// Start launches the scheduler background goroutine.
func (e *Engine) Start() {
	e.wg.Add(1)
	go e.run()
}

// Stop halts the scheduler goroutine.
func (e *Engine) Stop() {
	close(e.stop)
	e.wg.Wait()
}

func (e *Engine) run() {
	defer e.wg.Done()
	ticker := time.NewTicker(schedulerTick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.tick()
		case <-e.stop:
			return
		}
	}
}

// SendFile begins an outbound transfer: computes the content digest,
// splits it into FILE-DATA fragments and sends the initial FILE-OFFER.
// Returns the msg_id identifying this transfer.
func (e *Engine) SendFile(dest macaddr.Addr, filename string, data []byte) uint32 {
	digest := sha256.Sum256(data)
	total := (len(data) + protocol.MaxPDUPayload - 1) / protocol.MaxPDUPayload
	if total == 0 {
		total = 1
	}
	fragments := make([][]byte, total)
	for i := 0; i < total; i++ {
		start := i * protocol.MaxPDUPayload
		end := start + protocol.MaxPDUPayload
		if end > len(data) {
			end = len(data)
		}
		chunk := make([]byte, end-start)
		copy(chunk, data[start:end])
		fragments[i] = chunk
	}

	msgID := e.nextMsgID()
	t := &outboundTransfer{
		msgID:     msgID,
		dest:      dest,
		filename:  filename,
		digest:    digest,
		total:     total,
		fragments: fragments,
		state:     Offering,
		sentAt:    make([]time.Time, total),
		acked:     make([]bool, total),
		retries:   make([]int, total),
		startTime: time.Now(),
	}

	e.mu.Lock()
	e.outbound[msgID] = t
	e.mu.Unlock()

	e.sendOffer(t)
	return msgID
}

func (e *Engine) sendOffer(t *outboundTransfer) {
	offer := protocol.EncodeFileOffer(protocol.FileOffer{
		Size:           uint64(sumLen(t.fragments)),
		TotalFragments: uint32(t.total),
		Filename:       t.filename,
		Digest:         t.digest,
	})
	h := protocol.Header{Version: protocol.CurrentVersion, Type: protocol.FileOffer, Flags: protocol.AckRequired, MsgID: t.msgID, FragIndex: 0, FragTotal: 1}
	if err := e.sender.Send(t.dest, protocol.PDU{Header: h, Payload: offer}); err != nil {
		e.logger.Warnw("failed to send file offer", "peer", t.dest.String(), "error", err)
	}
	t.offerSentAt = time.Now()
}

func sumLen(chunks [][]byte) int {
	n := 0
	for _, c := range chunks {
		n += len(c)
	}
	return n
}

// HandleFileAck processes an inbound FILE-ACK. frag_index ==
// protocol.OfferAcceptSentinel means the offer was accepted.
func (e *Engine) HandleFileAck(src macaddr.Addr, ack protocol.FileAckPayload) {
	e.mu.Lock()
	t, ok := e.outbound[ack.MsgID]
	e.mu.Unlock()
	if !ok || t.dest != src {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if ack.FragIndex == protocol.OfferAcceptSentinel {
		if t.state == Offering {
			t.state = Sending
			e.sendWindowLocked(t)
		}
		return
	}
	if t.state != Sending {
		return
	}
	if int(ack.FragIndex) >= t.total || t.acked[ack.FragIndex] {
		return
	}
	t.acked[ack.FragIndex] = true
	t.ackedCount++

	e.dispatcher.Emit(dispatch.Event{Kind: dispatch.FileProgress, Payload: FileProgressEvent{
		MsgID:      t.msgID,
		BytesAcked: ackedBytes(t),
		BytesTotal: sumLen(t.fragments),
	}})

	if t.ackedCount == t.total {
		t.state = AwaitingComplete
		t.awaitingCompleteSince = time.Now()
		return
	}
	e.sendWindowLocked(t)
}

func ackedBytes(t *outboundTransfer) int {
	n := 0
	for i, acked := range t.acked {
		if acked {
			n += len(t.fragments[i])
		}
	}
	return n
}

// sendWindowLocked sends every unacked fragment within the sliding
// window that hasn't been sent yet. Caller holds t.mu.
func (e *Engine) sendWindowLocked(t *outboundTransfer) {
	base := 0
	for base < t.total && t.acked[base] {
		base++
	}
	limit := base + e.cfg.Window
	if limit > t.total {
		limit = t.total
	}
	now := time.Now()
	for i := base; i < limit; i++ {
		if t.acked[i] || !t.sentAt[i].IsZero() {
			continue
		}
		e.sendFragment(t, i, now)
	}
}

func (e *Engine) sendFragment(t *outboundTransfer, i int, now time.Time) {
	flags := protocol.AckRequired
	if i+1 < t.total {
		flags |= protocol.MoreFragments
	}
	h := protocol.Header{Version: protocol.CurrentVersion, Type: protocol.FileData, Flags: flags, MsgID: t.msgID, FragIndex: uint16(i), FragTotal: uint16(t.total)}
	if err := e.sender.Send(t.dest, protocol.PDU{Header: h, Payload: t.fragments[i]}); err != nil {
		e.logger.Warnw("failed to send file fragment", "peer", t.dest.String(), "frag_index", i, "error", err)
	}
	t.sentAt[i] = now
}

// HandleFileComplete processes an inbound FILE-COMPLETE for an
// outbound transfer awaiting it.
func (e *Engine) HandleFileComplete(src macaddr.Addr, c protocol.FileCompletePayload) {
	e.mu.Lock()
	t, ok := e.outbound[c.MsgID]
	e.mu.Unlock()
	if !ok || t.dest != src {
		return
	}

	t.mu.Lock()
	if t.state != AwaitingComplete {
		t.mu.Unlock()
		return
	}
	if c.OK {
		t.state = Done
	} else {
		t.state = Failed
	}
	t.mu.Unlock()

	e.finishOutbound(t)
}

func (e *Engine) finishOutbound(t *outboundTransfer) {
	t.mu.Lock()
	state := t.state
	t.mu.Unlock()

	e.mu.Lock()
	delete(e.outbound, t.msgID)
	e.mu.Unlock()

	if state == Done {
		e.dispatcher.Emit(dispatch.Event{Kind: dispatch.FileSendDone, Payload: FileSendDoneEvent{MsgID: t.msgID, Dest: t.dest, Filename: t.filename}})
	} else {
		e.logger.Warnw("outbound file transfer failed", "peer", t.dest.String(), "msg_id", t.msgID)
		e.dispatcher.Emit(dispatch.Event{Kind: dispatch.FileSendFailed, Payload: FileSendFailedEvent{MsgID: t.msgID, Dest: t.dest, Filename: t.filename}})
	}
}

// tick re-evaluates every outbound and inbound transfer's timers:
// offer/fragment retransmission, completion wait, peer liveness,
// accept window and receive stall.
func (e *Engine) tick() {
	e.mu.Lock()
	outbound := make([]*outboundTransfer, 0, len(e.outbound))
	for _, t := range e.outbound {
		outbound = append(outbound, t)
	}
	e.mu.Unlock()

	for _, t := range outbound {
		e.tickOutbound(t)
	}

	e.inboundMu.Lock()
	inbound := make([]*inboundTransfer, 0, len(e.inbound))
	for _, r := range e.inbound {
		inbound = append(inbound, r)
	}
	e.inboundMu.Unlock()

	for _, r := range inbound {
		e.tickInbound(r)
	}
}

func (e *Engine) tickOutbound(t *outboundTransfer) {
	t.mu.Lock()
	state := t.state
	dest := t.dest
	t.mu.Unlock()

	if state == Done || state == Failed {
		return
	}
	if e.peerAlive != nil && !e.peerAlive(dest) {
		t.mu.Lock()
		t.state = Failed
		t.mu.Unlock()
		e.finishOutbound(t)
		return
	}

	now := time.Now()
	t.mu.Lock()
	failed := false

	switch t.state {
	case Offering:
		if now.Sub(t.offerSentAt) >= e.cfg.OfferRetryInterval {
			if t.offerRetries >= e.cfg.OfferMaxRetries {
				t.state = Failed
				failed = true
			} else {
				t.offerRetries++
				e.sendOffer(t)
			}
		}
	case Sending:
		base := 0
		for base < t.total && t.acked[base] {
			base++
		}
		limit := base + e.cfg.Window
		if limit > t.total {
			limit = t.total
		}
		for i := base; i < limit; i++ {
			if t.acked[i] {
				continue
			}
			if t.sentAt[i].IsZero() {
				e.sendFragment(t, i, now)
				continue
			}
			if now.Sub(t.sentAt[i]) >= e.cfg.FragRetryInterval {
				if t.retries[i] >= e.cfg.FragMaxRetries {
					t.state = Failed
					failed = true
					break
				}
				t.retries[i]++
				e.sendFragment(t, i, now)
			}
		}
	case AwaitingComplete:
		if now.Sub(t.awaitingCompleteSince) >= e.cfg.CompleteTimeout {
			t.state = Failed
			failed = true
		}
	}
	t.mu.Unlock()

	if failed {
		e.finishOutbound(t)
	}
}

// HandleFileOffer processes an inbound FILE-OFFER: allocates an
// inbound transfer record and emits a file-offer event carrying the
// accept/reject decision.
func (e *Engine) HandleFileOffer(src macaddr.Addr, msgID uint32, offer protocol.FileOffer) {
	key := inboundKey{source: src, msgID: msgID}
	r := &inboundTransfer{
		msgID:          msgID,
		source:         src,
		filename:       offer.Filename,
		expectedTotal:  offer.TotalFragments,
		expectedDigest: offer.Digest,
		fragments:      make([][]byte, offer.TotalFragments),
		received:       make([]bool, offer.TotalFragments),
		state:          Pending,
		firstSeen:      time.Now(),
		lastProgress:   time.Now(),
	}

	e.inboundMu.Lock()
	e.inbound[key] = r
	e.inboundMu.Unlock()

	decide := func(accept bool) { e.decideOffer(key, accept) }
	e.dispatcher.Emit(dispatch.Event{Kind: dispatch.FileOffered, Payload: FileOfferedEvent{
		SourceMAC:      src,
		MsgID:          msgID,
		Filename:       offer.Filename,
		Size:           offer.Size,
		TotalFragments: offer.TotalFragments,
		Decide:         decide,
	}})
}

func (e *Engine) decideOffer(key inboundKey, accept bool) {
	e.inboundMu.Lock()
	r, ok := e.inbound[key]
	e.inboundMu.Unlock()
	if !ok {
		return
	}

	r.mu.Lock()
	if r.decided {
		r.mu.Unlock()
		return
	}
	r.decided = true
	if accept {
		r.state = Receiving
		r.lastProgress = time.Now()
	} else {
		r.state = ReceiveFailed
	}
	r.mu.Unlock()

	if accept {
		e.sendFileAck(r.source, FileAckPayloadFor(r.msgID))
		return
	}
	e.sendFileComplete(r.source, r.msgID, false)
	e.inboundMu.Lock()
	delete(e.inbound, key)
	e.inboundMu.Unlock()
}

// FileAckPayloadFor builds the offer-acceptance FILE-ACK payload for
// msgID.
func FileAckPayloadFor(msgID uint32) protocol.FileAckPayload {
	return protocol.FileAckPayload{MsgID: msgID, FragIndex: protocol.OfferAcceptSentinel}
}

func (e *Engine) sendFileAck(dst macaddr.Addr, ack protocol.FileAckPayload) {
	h := protocol.Header{Version: protocol.CurrentVersion, Type: protocol.FileAck, Flags: protocol.IsAck, MsgID: ack.MsgID, FragTotal: 1}
	if err := e.sender.Send(dst, protocol.PDU{Header: h, Payload: protocol.EncodeFileAck(ack)}); err != nil {
		e.logger.Warnw("failed to send file ack", "peer", dst.String(), "error", err)
	}
}

func (e *Engine) sendFileComplete(dst macaddr.Addr, msgID uint32, ok bool) {
	h := protocol.Header{Version: protocol.CurrentVersion, Type: protocol.FileComplete, MsgID: msgID, FragTotal: 1}
	payload := protocol.EncodeFileComplete(protocol.FileCompletePayload{MsgID: msgID, OK: ok})
	if err := e.sender.Send(dst, protocol.PDU{Header: h, Payload: payload}); err != nil {
		e.logger.Warnw("failed to send file complete", "peer", dst.String(), "error", err)
	}
}

// HandleFileData processes an inbound FILE-DATA fragment for a
// transfer that has already moved to RECEIVING: stores it if new, and
// always replies with a FILE-ACK (spec section 4.6 — duplicate data
// frames must still be acknowledged). Fragments for a PENDING transfer
// are discarded — PENDING only reaches RECEIVING via the accept
// policy (spec section 4.6's receiver diagram has no PENDING→VERIFYING
// edge), so data arriving before acceptance cannot complete a transfer.
func (e *Engine) HandleFileData(src macaddr.Addr, pdu protocol.PDU) {
	h := pdu.Header
	key := inboundKey{source: src, msgID: h.MsgID}

	e.inboundMu.Lock()
	r, ok := e.inbound[key]
	e.inboundMu.Unlock()
	if !ok {
		return
	}

	r.mu.Lock()
	if r.state != Receiving {
		r.mu.Unlock()
		return
	}
	if int(h.FragIndex) >= len(r.received) {
		r.mu.Unlock()
		return
	}
	if !r.received[h.FragIndex] {
		r.received[h.FragIndex] = true
		r.fragments[h.FragIndex] = pdu.Payload
		r.count++
	}
	r.lastProgress = time.Now()
	complete := r.count == len(r.received)
	if complete {
		r.state = Verifying
	}
	r.mu.Unlock()

	e.sendFileAck(src, protocol.FileAckPayload{MsgID: h.MsgID, FragIndex: h.FragIndex})

	if complete {
		e.finishInbound(key, r)
	}
}

func (e *Engine) finishInbound(key inboundKey, r *inboundTransfer) {
	r.mu.Lock()
	total := 0
	for _, f := range r.fragments {
		total += len(f)
	}
	buf := make([]byte, 0, total)
	for _, f := range r.fragments {
		buf = append(buf, f...)
	}
	digest := sha256.Sum256(buf)
	ok := digest == r.expectedDigest
	if ok {
		r.state = ReceiveDone
	} else {
		r.state = ReceiveFailed
	}
	filename := r.filename
	r.mu.Unlock()

	e.inboundMu.Lock()
	delete(e.inbound, key)
	e.inboundMu.Unlock()

	e.sendFileComplete(r.source, r.msgID, ok)
	e.dispatcher.Emit(dispatch.Event{Kind: dispatch.FileReceived, Payload: FileReceivedEvent{
		SourceMAC: r.source,
		Filename:  filename,
		Bytes:     buf,
		DigestOK:  ok,
	}})
}

func (e *Engine) tickInbound(r *inboundTransfer) {
	r.mu.Lock()
	state := r.state
	firstSeen := r.firstSeen
	lastProgress := r.lastProgress
	msgID := r.msgID
	source := r.source
	decided := r.decided
	r.mu.Unlock()

	now := time.Now()
	switch state {
	case Pending:
		if !decided && now.Sub(firstSeen) >= e.cfg.AcceptTimeout {
			e.decideOffer(inboundKey{source: source, msgID: msgID}, true)
		}
	case Receiving:
		if now.Sub(lastProgress) >= e.cfg.RecvStallTimeout {
			r.mu.Lock()
			r.state = ReceiveFailed
			r.mu.Unlock()
			e.inboundMu.Lock()
			delete(e.inbound, inboundKey{source: source, msgID: msgID})
			e.inboundMu.Unlock()
			e.logger.Warnw("inbound file transfer stalled", "peer", source.String(), "msg_id", msgID)
		}
	}
}

// FileProgressEvent is the Payload of a dispatch.FileProgress event.
type FileProgressEvent struct {
	MsgID      uint32
	BytesAcked int
	BytesTotal int
}

// FileSendDoneEvent is the Payload of a dispatch.FileSendDone event.
type FileSendDoneEvent struct {
	MsgID    uint32
	Dest     macaddr.Addr
	Filename string
}

// FileSendFailedEvent is the Payload of a dispatch.FileSendFailed
// event.
type FileSendFailedEvent struct {
	MsgID    uint32
	Dest     macaddr.Addr
	Filename string
}

// FileOfferedEvent is the Payload of a dispatch.FileOffered event.
// Decide must be invoked with true (accept) or false (reject) before
// the engine's accept timeout elapses, or the engine auto-accepts.
type FileOfferedEvent struct {
	SourceMAC      macaddr.Addr
	MsgID          uint32
	Filename       string
	Size           uint64
	TotalFragments uint32
	Decide         func(accept bool)
}

// FileReceivedEvent is the Payload of a dispatch.FileReceived event.
type FileReceivedEvent struct {
	SourceMAC macaddr.Addr
	Filename  string
	Bytes     []byte
	DigestOK  bool
}
