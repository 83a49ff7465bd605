package ethernet

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/hollowpine/linkchat/internal/macaddr"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	f := Frame{
		Dst:       macaddr.Broadcast,
		Src:       macaddr.New(0x02, 0x42, 0xac, 0x11, 0x00, 0x02),
		EtherType: 0x88B5,
		Payload:   []byte("hello"),
	}
	wire := f.Encode()
	require.Len(t, wire, minFrameSize) // payload shorter than pad floor

	got, err := Decode(wire)
	require.NoError(t, err)
	if diff := cmp.Diff(f.Dst, got.Dst); diff != "" {
		t.Errorf("dst mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(f.Src, got.Src); diff != "" {
		t.Errorf("src mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, f.EtherType, got.EtherType)
	require.Equal(t, string(f.Payload), string(got.Payload[:len(f.Payload)]))
}

func TestEncodePadsToMinimum(t *testing.T) {
	f := Frame{Dst: macaddr.Broadcast, Src: macaddr.New(1, 2, 3, 4, 5, 6), EtherType: 0x88B5}
	wire := f.Encode()
	require.Len(t, wire, minFrameSize)
	for _, b := range wire[headerLen:] {
		require.Zero(t, b)
	}
}

func TestEncodeNoPadWhenLarge(t *testing.T) {
	payload := make([]byte, maxPayload)
	f := Frame{Dst: macaddr.Broadcast, Src: macaddr.New(1, 2, 3, 4, 5, 6), EtherType: 0x88B5, Payload: payload}
	wire := f.Encode()
	require.Len(t, wire, headerLen+maxPayload)
}

func TestDecodeMalformed(t *testing.T) {
	_, err := Decode(make([]byte, 13))
	require.ErrorIs(t, err, ErrMalformedFrame)
}

func TestDecodeExactlyHeaderLen(t *testing.T) {
	got, err := Decode(make([]byte, headerLen))
	require.NoError(t, err)
	require.Empty(t, got.Payload)
}
