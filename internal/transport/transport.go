// Package transport opens a link-layer socket bound to one network
// interface and filtered to our private EtherType, and exposes the
// send/receive primitives every engine is built on (spec section 4.3).
package transport

import (
	"errors"
	"time"

	"github.com/hollowpine/linkchat/internal/macaddr"
)

// EtherType is the private EtherType reserved for this protocol.
const EtherType uint16 = 0x88B5

// Transport errors (spec section 7): fatal at startup, reported via a
// transport-error event thereafter.
var (
	ErrInterfaceNotFound = errors.New("transport: interface not found")
	ErrPermissionDenied  = errors.New("transport: permission denied")
	ErrSendFailed        = errors.New("transport: send failed")
	ErrRecvFailed        = errors.New("transport: recv failed")
)

// Transport is the raw-socket contract every engine is built against.
// Send is synchronous; Recv blocks the calling goroutine until a frame
// matching EtherType arrives or the transport is closed. The
// transport does not buffer or retry — retry policy belongs to the
// engines above it.
type Transport interface {
	// Send writes one already-framed Ethernet frame to the wire.
	Send(frame []byte) error
	// Recv blocks for the next frame matching EtherType and returns it
	// along with its arrival timestamp. Returns an error wrapping
	// ErrRecvFailed once the transport has been closed.
	Recv() ([]byte, time.Time, error)
	// LocalMAC returns the hardware address of the bound interface.
	LocalMAC() macaddr.Addr
	// Close unblocks any in-flight Recv and releases the socket.
	Close() error
}
