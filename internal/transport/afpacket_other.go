//go:build !linux

package transport

import "fmt"

// Open is only implemented on Linux, where AF_PACKET raw sockets are
// available. Other platforms have no equivalent primitive wired in.
func Open(ifName string) (Transport, error) {
	return nil, fmt.Errorf("%w: raw link-layer sockets are only supported on linux", ErrInterfaceNotFound)
}
