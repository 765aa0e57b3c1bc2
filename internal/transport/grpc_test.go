package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kexclusion/internal/wire"
)

// startPair starts two GRPC transports on ephemeral ports wired to each
// other.
func startPair(t *testing.T) (*GRPC, *GRPC) {
	t.Helper()
	g0, err := NewGRPC(GRPCConfig{ID: 0, Addrs: map[int]string{0: "127.0.0.1:0"}})
	require.NoError(t, err)
	g1, err := NewGRPC(GRPCConfig{ID: 1, Addrs: map[int]string{1: "127.0.0.1:0"}})
	require.NoError(t, err)

	g0.clients.addrs[1] = g1.Addr().String()
	g1.clients.addrs[0] = g0.Addr().String()
	t.Cleanup(func() {
		g0.Close()
		g1.Close()
	})
	return g0, g1
}

func TestGRPC_RoundTrip(t *testing.T) {
	g0, g1 := startPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i := int64(1); i <= 20; i++ {
		require.NoError(t, g0.Send(ctx, 1, wire.Message{Tag: wire.WindowRequest, Sender: 0, Timestamp: i, Value: i}))
	}
	for i := int64(1); i <= 20; i++ {
		m := recvWithin(t, g1.Inbox(), 5*time.Second)
		assert.Equal(t, wire.WindowRequest, m.Tag)
		assert.Equal(t, i, m.Timestamp, "pair order must be preserved")
	}

	require.NoError(t, g1.Send(ctx, 0, wire.Message{Tag: wire.WindowAgree, Sender: 1, Timestamp: 30, Value: 20}))
	m := recvWithin(t, g0.Inbox(), 5*time.Second)
	assert.Equal(t, wire.Message{Tag: wire.WindowAgree, Sender: 1, Timestamp: 30, Value: 20}, m)
}

func TestGRPC_UnknownPeer(t *testing.T) {
	g0, _ := startPair(t)
	err := g0.Send(context.Background(), 9, wire.Message{Tag: wire.ClinicRequest, Sender: 0, Timestamp: 1, Value: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownPeer)
	assert.True(t, IsTransport(err))
}

func TestGRPC_SessionAssigned(t *testing.T) {
	g0, g1 := startPair(t)
	assert.NotEqual(t, g0.Session(), g1.Session())
	assert.Equal(t, byte(7), byte(g0.Session().Version()))
}

func TestNewGRPC_MissingAddr(t *testing.T) {
	_, err := NewGRPC(GRPCConfig{ID: 2, Addrs: map[int]string{0: "127.0.0.1:0"}})
	assert.ErrorIs(t, err, ErrUnknownPeer)
}
