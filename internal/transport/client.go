package transport

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	// Metadata keys identifying the sending peer and its process session.
	peerMetadataKey    = "x-peer-id"
	sessionMetadataKey = "x-session"
)

// link is one outbound Deliver stream. Sends on a link are serialized,
// which gives per-pair FIFO.
type link struct {
	mu     sync.Mutex
	conn   *grpc.ClientConn
	stream grpc.ClientStream
	cancel context.CancelFunc
}

func (l *link) send(payload []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stream.SendMsg(wrapperspb.Bytes(payload))
}

func (l *link) close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.stream.CloseSend(); err == nil {
		// Drain the close reply so the server sees a clean end of stream.
		_ = l.stream.RecvMsg(&emptypb.Empty{})
	}
	defer l.cancel()
	return l.conn.Close()
}

// ClientManager manages outbound streams to peer nodes, one per peer.
type ClientManager struct {
	mu      sync.RWMutex
	ctx     context.Context
	self    int
	session string
	addrs   map[int]string
	links   map[int]*link
}

// NewClientManager creates a client manager. ctx bounds the lifetime of
// every stream it opens.
func NewClientManager(ctx context.Context, self int, session string, addrs map[int]string) *ClientManager {
	return &ClientManager{
		ctx:     ctx,
		self:    self,
		session: session,
		addrs:   addrs,
		links:   make(map[int]*link),
	}
}

// getLink returns the stream to peer, opening it if needed. Opening waits
// until the peer accepts connections or ctx is done; the stream itself
// lives until the manager's context ends.
func (cm *ClientManager) getLink(ctx context.Context, peer int) (*link, error) {
	cm.mu.RLock()
	l, exists := cm.links[peer]
	cm.mu.RUnlock()

	if exists {
		return l, nil
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()

	// Double-check after acquiring write lock
	if l, exists := cm.links[peer]; exists {
		return l, nil
	}

	addr, ok := cm.addrs[peer]
	if !ok {
		return nil, ErrUnknownPeer
	}
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}

	streamCtx, cancel := context.WithCancel(cm.ctx)
	stop := context.AfterFunc(ctx, cancel)
	streamCtx = metadata.AppendToOutgoingContext(streamCtx,
		peerMetadataKey, strconv.Itoa(cm.self),
		sessionMetadataKey, cm.session,
	)
	stream, err := conn.NewStream(streamCtx, &peerServiceDesc.Streams[0], deliverMethod, grpc.WaitForReady(true))
	if !stop() && err == nil {
		err = ctx.Err()
	}
	if err != nil {
		cancel()
		conn.Close()
		return nil, fmt.Errorf("failed to open stream to %s: %w", addr, err)
	}

	l = &link{conn: conn, stream: stream, cancel: cancel}
	cm.links[peer] = l
	return l, nil
}

// Close closes all peer streams.
func (cm *ClientManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	var first error
	for peer, l := range cm.links {
		if err := l.close(); err != nil && first == nil {
			first = fmt.Errorf("closing link to %d: %w", peer, err)
		}
	}
	cm.links = make(map[int]*link)
	return first
}
