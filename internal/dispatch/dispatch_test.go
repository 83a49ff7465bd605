package dispatch

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testLogger(t *testing.T) *zap.SugaredLogger {
	l, err := zap.NewDevelopment()
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Sync() })
	return l.Sugar()
}

func TestDeliversToRegisteredHandler(t *testing.T) {
	d := New(testLogger(t), 4)
	var got []Event
	var mu sync.Mutex
	d.On(PeerUp, func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e)
	})

	go d.Run()
	defer d.Stop()

	d.Emit(Event{Kind: PeerUp, Payload: "mac-1"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, time.Millisecond)
}

func TestPollDeliversOneAtATime(t *testing.T) {
	d := New(testLogger(t), 4)
	var count int
	d.On(PeerDown, func(Event) { count++ })

	d.Emit(Event{Kind: PeerDown})
	d.Emit(Event{Kind: PeerDown})

	require.True(t, d.Poll())
	require.Equal(t, 1, count)
	require.True(t, d.Poll())
	require.Equal(t, 2, count)
	require.False(t, d.Poll())
}

func TestOverflowDropsOldest(t *testing.T) {
	d := New(testLogger(t), 2)
	d.Emit(Event{Kind: PeerUp, Payload: 1})
	d.Emit(Event{Kind: PeerUp, Payload: 2})
	d.Emit(Event{Kind: PeerUp, Payload: 3}) // drops payload 1

	require.Equal(t, uint64(1), d.Overflow())

	var seen []any
	d.On(PeerUp, func(e Event) { seen = append(seen, e.Payload) })
	d.Poll()
	d.Poll()
	require.Equal(t, []any{2, 3}, seen)
}

func TestUnregisteredKindIsDropped(t *testing.T) {
	d := New(testLogger(t), 4)
	d.Emit(Event{Kind: TransportError})
	require.True(t, d.Poll()) // delivered to zero handlers, does not panic
}
