package exchange

import "context"

// PeerTransport is the per-peer I/O surface the exchange protocol rides on:
// one framed, ordered, reliable bidirectional stream. A concrete
// implementation (e.g. pkg/transport's WebRTC data channel wrapper) is
// responsible for its own queueing, backpressure and lifecycle; the
// exchange only ever sees whole wire frames in and out.
type PeerTransport interface {
	// ID is a stable identifier for this peer session.
	ID() string
	// Send enqueues one already-encoded wire frame for delivery.
	Send(ctx context.Context, frame []byte) error
	// Incoming delivers inbound wire frames as they arrive, forwarded
	// as-is by the transport. Closed when the peer session ends.
	Incoming() <-chan []byte
	// BufferHigh fires when this peer's outbound queue has crossed its
	// high-water mark; BufferLow fires when it has drained back below the
	// low-water mark. The exchange must not start new RESPONSE frames on a
	// peer between a BufferHigh and the next BufferLow.
	BufferHigh() <-chan struct{}
	BufferLow() <-chan struct{}
	// Closed is closed when the peer session ends, for any reason.
	Closed() <-chan struct{}
}
