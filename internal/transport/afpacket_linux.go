//go:build linux

package transport

import (
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/hollowpine/linkchat/internal/macaddr"
)

// recvBufferSize is the maximum frame size we read in one Recvfrom
// call; slightly larger than the 1514-byte Ethernet ceiling for
// safety margin.
const recvBufferSize = 2048

// recvTimeoutSec bounds how long a single Recvfrom blocks. Shutdown
// on a SOCK_RAW socket isn't guaranteed on every kernel to unblock a
// pending Recvfrom, so Recv also wakes on this timeout to recheck
// whether the transport has been closed.
const recvTimeoutSec = 1

// afpacketTransport binds an AF_PACKET/SOCK_RAW socket to a single
// interface, filtered at the kernel by a classic BPF program so only
// frames carrying EtherType match the socket's read queue.
type afpacketTransport struct {
	fd       int
	ifIndex  int
	localMAC macaddr.Addr

	sendMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

// Open binds a raw socket to ifName, filtered to EtherType. Promiscuous
// mode is requested best-effort; failing to enable it is not fatal.
func Open(ifName string) (Transport, error) {
	ifi, err := net.InterfaceByName(ifName)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInterfaceNotFound, ifName, err)
	}

	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, int(htons(EtherType)))
	if err != nil {
		if err == unix.EPERM || err == unix.EACCES {
			return nil, fmt.Errorf("%w: raw socket requires CAP_NET_RAW: %v", ErrPermissionDenied, err)
		}
		return nil, fmt.Errorf("%w: socket: %v", ErrSendFailed, err)
	}

	addr := &unix.SockaddrLinklayer{
		Protocol: htons(EtherType),
		Ifindex:  ifi.Index,
	}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("%w: bind %s: %v", ErrInterfaceNotFound, ifName, err)
	}

	mreq := &unix.PacketMreq{
		Ifindex: int32(ifi.Index),
		Type:    unix.PACKET_MR_PROMISC,
	}
	_ = unix.SetsockoptPacketMreq(fd, unix.SOL_PACKET, unix.PACKET_ADD_MEMBERSHIP, mreq)

	// Classic BPF: ldh [12]; jeq EtherType -> accept whole packet, else drop.
	bpf := []unix.SockFilter{
		{Code: 0x28, Jt: 0, Jf: 0, K: 12},
		{Code: 0x15, Jt: 0, Jf: 1, K: uint32(EtherType)},
		{Code: 0x6, Jt: 0, Jf: 0, K: 0x00040000},
		{Code: 0x6, Jt: 0, Jf: 0, K: 0x00000000},
	}
	fprog := unix.SockFprog{Len: uint16(len(bpf)), Filter: &bpf[0]}
	_ = unix.SetsockoptSockFprog(fd, unix.SOL_SOCKET, unix.SO_ATTACH_FILTER, &fprog)

	tv := &unix.Timeval{Sec: recvTimeoutSec, Usec: 0}
	_ = unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, tv)

	var mac macaddr.Addr
	copy(mac[:], ifi.HardwareAddr)

	return &afpacketTransport{
		fd:       fd,
		ifIndex:  ifi.Index,
		localMAC: mac,
		closed:   make(chan struct{}),
	}, nil
}

func (t *afpacketTransport) Send(frame []byte) error {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	addr := unix.SockaddrLinklayer{
		Protocol: htons(EtherType),
		Ifindex:  t.ifIndex,
		Halen:    6,
	}
	copy(addr.Addr[:6], frame[0:6])

	if err := unix.Sendto(t.fd, frame, 0, &addr); err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	return nil
}

func (t *afpacketTransport) Recv() ([]byte, time.Time, error) {
	buf := make([]byte, recvBufferSize)
	for {
		select {
		case <-t.closed:
			return nil, time.Time{}, fmt.Errorf("%w: transport closed", ErrRecvFailed)
		default:
		}

		n, _, err := unix.Recvfrom(t.fd, buf, 0)
		arrival := time.Now()
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
				select {
				case <-t.closed:
					return nil, time.Time{}, fmt.Errorf("%w: transport closed", ErrRecvFailed)
				default:
				}
				continue
			}
			select {
			case <-t.closed:
				return nil, time.Time{}, fmt.Errorf("%w: transport closed", ErrRecvFailed)
			default:
			}
			return nil, time.Time{}, fmt.Errorf("%w: %v", ErrRecvFailed, err)
		}
		out := make([]byte, n)
		copy(out, buf[:n])
		return out, arrival, nil
	}
}

func (t *afpacketTransport) LocalMAC() macaddr.Addr { return t.localMAC }

func (t *afpacketTransport) Close() error {
	var closeErr error
	t.closeOnce.Do(func() {
		close(t.closed)
		_ = unix.Shutdown(t.fd, unix.SHUT_RD)
		closeErr = unix.Close(t.fd)
	})
	return closeErr
}

// htons converts a host-byte-order uint16 to network byte order.
func htons(v uint16) uint16 {
	return (v << 8) | (v >> 8)
}
