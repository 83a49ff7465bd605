// Package macaddr implements the six-octet hardware address used to
// identify peers on the broadcast domain.
package macaddr

import (
	"fmt"
	"strconv"
	"strings"
)

// Addr is a six-octet MAC address.
type Addr [6]byte

// Broadcast is the all-ones destination address.
var Broadcast = Addr{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

// Zero is the unset address, never a valid peer or source.
var Zero = Addr{}

// New builds an Addr from six octets.
func New(b0, b1, b2, b3, b4, b5 byte) Addr {
	return Addr{b0, b1, b2, b3, b4, b5}
}

// Parse reads a colon-separated hex MAC address, e.g. "aa:bb:cc:dd:ee:ff".
func Parse(s string) (Addr, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 6 {
		return Addr{}, fmt.Errorf("macaddr: %q does not have 6 colon-separated octets", s)
	}
	var a Addr
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 16, 8)
		if err != nil {
			return Addr{}, fmt.Errorf("macaddr: invalid octet %q: %w", p, err)
		}
		a[i] = byte(v)
	}
	return a, nil
}

// String renders the canonical lower-case colon-separated form.
func (a Addr) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", a[0], a[1], a[2], a[3], a[4], a[5])
}

// IsBroadcast reports whether a is the all-ones broadcast address.
func (a Addr) IsBroadcast() bool { return a == Broadcast }

// IsZero reports whether a has never been set.
func (a Addr) IsZero() bool { return a == Zero }
