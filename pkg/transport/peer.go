// Package transport provides the default PeerTransport implementation for
// pkg/exchange: one pion/webrtc/v4 PeerConnection and ordered, reliable
// DataChannel per peer session, with a bounded outbound queue and
// buffer-amount-driven backpressure signalling. Signaling (SDP offer/
// answer exchange) is the caller's responsibility; this package only
// consumes already-received SDP strings and emits its own for the caller
// to relay however it likes.
package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/mmalmi/hashtree-go/pkg/exchange"
)

var _ exchange.PeerTransport = (*Peer)(nil)

// State is a peer session's position in its connection lifecycle.
type State int

const (
	StateCreating State = iota
	StateConnecting
	StateConnected
	StateClosing
	StateClosed
	// StateFailed is a synonym of StateClosed that callers may use to
	// decide whether to retry the connection from scratch.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreating:
		return "creating"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// DefaultConnectTimeout bounds how long a Peer waits to reach StateConnected.
const DefaultConnectTimeout = 30 * time.Second

// DefaultBufferWatermark is the pion DataChannel.BufferedAmount() level
// that toggles backpressure: the send loop stops draining the queue at or
// above this level and resumes once pion reports buffered-amount-low.
const DefaultBufferWatermark = 256 * 1024

// ErrClosed is returned by Send once a peer has closed.
var ErrClosed = errors.New("transport: peer closed")

// Peer wraps one WebRTC peer connection and its single data channel,
// implementing exchange.PeerTransport.
type Peer struct {
	id  string
	pc  *webrtc.PeerConnection
	dc  *webrtc.DataChannel
	log *logrus.Entry

	queue         *outboundQueue
	bufferWatermark uint64

	incoming chan []byte

	stateMu sync.Mutex
	state   State
	opened  chan struct{} // closed once the data channel reaches open

	sigMu    sync.Mutex
	highCh   chan struct{}
	lowCh    chan struct{}
	closedCh chan struct{}
	notify   chan struct{}

	closeOnce sync.Once
}

func newPeer(id string, pc *webrtc.PeerConnection, maxItems, maxBytes int, watermark uint64, log *logrus.Entry) *Peer {
	if watermark == 0 {
		watermark = DefaultBufferWatermark
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	p := &Peer{
		id:              id,
		pc:              pc,
		log:             log.WithField("peer", id),
		queue:           newOutboundQueue(maxItems, maxBytes, log.WithField("peer", id)),
		bufferWatermark: watermark,
		incoming:        make(chan []byte, 64),
		state:           StateCreating,
		opened:          make(chan struct{}),
		highCh:          make(chan struct{}),
		lowCh:           make(chan struct{}),
		closedCh:        make(chan struct{}),
		notify:          make(chan struct{}, 1),
	}
	p.wireConnectionState()
	return p
}

func (p *Peer) wireConnectionState() {
	p.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		switch s {
		case webrtc.PeerConnectionStateConnecting:
			p.setState(StateConnecting)
		case webrtc.PeerConnectionStateConnected:
			p.setState(StateConnected)
		case webrtc.PeerConnectionStateFailed:
			p.setState(StateFailed)
			p.Close()
		case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateClosed:
			p.Close()
		}
	})
}

// bindDataChannel wires an already-created data channel (either the one we
// created as the offering side, or the one delivered via OnDataChannel as
// the answering side) into this peer's send/receive/backpressure plumbing.
func (p *Peer) bindDataChannel(dc *webrtc.DataChannel) {
	p.dc = dc
	dc.SetBufferedAmountLowThreshold(p.bufferWatermark)

	dc.OnOpen(func() {
		p.setState(StateConnected)
		close(p.opened)
		go p.drainLoop()
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		select {
		case p.incoming <- msg.Data:
		case <-p.closedCh:
		}
	})
	dc.OnClose(func() { p.Close() })
	dc.OnBufferedAmountLow(func() { p.fireLow() })
}

func (p *Peer) setState(s State) {
	p.stateMu.Lock()
	p.state = s
	p.stateMu.Unlock()
}

// State returns the peer's current lifecycle state.
func (p *Peer) State() State {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	return p.state
}

// ID implements exchange.PeerTransport.
func (p *Peer) ID() string { return p.id }

// Send implements exchange.PeerTransport: it enqueues frame for delivery
// and returns immediately. Delivery order matches enqueue order; the queue
// itself may drop the oldest frame under sustained backpressure.
func (p *Peer) Send(ctx context.Context, frame []byte) error {
	select {
	case <-p.closedCh:
		return ErrClosed
	default:
	}
	p.queue.push(frame)
	select {
	case p.notify <- struct{}{}:
	default:
	}
	return nil
}

// Incoming implements exchange.PeerTransport.
func (p *Peer) Incoming() <-chan []byte { return p.incoming }

// BufferHigh implements exchange.PeerTransport.
func (p *Peer) BufferHigh() <-chan struct{} {
	p.sigMu.Lock()
	defer p.sigMu.Unlock()
	return p.highCh
}

// BufferLow implements exchange.PeerTransport.
func (p *Peer) BufferLow() <-chan struct{} {
	p.sigMu.Lock()
	defer p.sigMu.Unlock()
	return p.lowCh
}

// Closed implements exchange.PeerTransport.
func (p *Peer) Closed() <-chan struct{} { return p.closedCh }

func (p *Peer) fireHigh() {
	p.sigMu.Lock()
	close(p.highCh)
	p.highCh = make(chan struct{})
	p.sigMu.Unlock()
}

func (p *Peer) fireLow() {
	p.sigMu.Lock()
	close(p.lowCh)
	p.lowCh = make(chan struct{})
	p.sigMu.Unlock()
}

// drainLoop feeds queued frames to the data channel while its own
// buffered-amount stays below the high watermark, pausing between a
// buffer-high and the next buffer-low.
func (p *Peer) drainLoop() {
	for {
		select {
		case <-p.closedCh:
			return
		default:
		}

		for p.dc.BufferedAmount() >= p.bufferWatermark {
			p.fireHigh()
			select {
			case <-p.lowSnapshot():
			case <-p.closedCh:
				return
			}
		}

		item, ok := p.queue.pop()
		if !ok {
			select {
			case <-p.notify:
				continue
			case <-p.closedCh:
				return
			}
		}
		if err := p.dc.Send(item); err != nil {
			p.log.WithError(err).Warn("transport: data channel send failed, closing peer")
			p.Close()
			return
		}
	}
}

func (p *Peer) lowSnapshot() <-chan struct{} {
	p.sigMu.Lock()
	defer p.sigMu.Unlock()
	return p.lowCh
}

// Close tears down the peer connection and releases anything still
// queued. Safe to call multiple times and from multiple goroutines.
func (p *Peer) Close() {
	p.closeOnce.Do(func() {
		failed := p.State() == StateFailed
		if !failed {
			p.setState(StateClosing)
		}
		close(p.closedCh)
		dropped := p.queue.drain()
		if len(dropped) > 0 {
			p.log.WithField("dropped_frames", len(dropped)).Info("transport: dropping queued frames on close")
		}
		if p.dc != nil {
			_ = p.dc.Close()
		}
		if p.pc != nil {
			_ = p.pc.Close()
		}
		if !failed {
			p.setState(StateClosed)
		}
	})
}

// WaitConnected blocks until the data channel opens, ctx is done, or
// timeout elapses (DefaultConnectTimeout if timeout is zero).
func (p *Peer) WaitConnected(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-p.opened:
		return nil
	case <-p.closedCh:
		return ErrClosed
	case <-timer.C:
		p.Close()
		return context.DeadlineExceeded
	case <-ctx.Done():
		return ctx.Err()
	}
}
