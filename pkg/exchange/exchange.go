package exchange

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mmalmi/hashtree-go/pkg/block"
	"github.com/sirupsen/logrus"
	"go.uber.org/zap"
)

// BlockStore is the subset of pkg/store's Store this package needs: a
// content-addressed put/get/has surface, local to this package so exchange
// never imports store directly.
type BlockStore interface {
	Put(ctx context.Context, data []byte) (block.Hash, error)
	Get(ctx context.Context, h block.Hash) ([]byte, error)
	Has(h block.Hash) bool
}

// DefaultPeerInflightLimit bounds concurrent in-flight requests in each
// direction on a single peer session.
const DefaultPeerInflightLimit = 16

// DefaultRequestTimeout is how long a single REQUEST waits for a RESPONSE
// or NOT_FOUND before the exchange gives up on that peer and tries another.
const DefaultRequestTimeout = 30 * time.Second

var errPeerReportedNotFound = errors.New("exchange: peer reported NOT_FOUND")

type pendingResponse struct {
	data     []byte
	notFound bool
}

// peerSession tracks everything the exchange needs about one connected peer
// on top of the raw PeerTransport.
type peerSession struct {
	id        string
	transport PeerTransport

	notFound *notFoundCache

	sendSem chan struct{} // bounds concurrent outbound REQUESTs

	mu        sync.Mutex
	nextReqID uint64
	pending   map[uint64]chan pendingResponse

	inflightReceived int32 // atomic, REQUESTs currently being serviced
	blocked          int32 // atomic bool: BufferHigh seen, BufferLow not yet
}

func newPeerSession(id string, t PeerTransport, inflightLimit, notFoundCacheSize int) *peerSession {
	return &peerSession{
		id:        id,
		transport: t,
		notFound:  newNotFoundCache(notFoundCacheSize),
		sendSem:   make(chan struct{}, inflightLimit),
		pending:   make(map[uint64]chan pendingResponse),
	}
}

func (p *peerSession) allocRequest() (uint64, chan pendingResponse) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextReqID++
	id := p.nextReqID
	ch := make(chan pendingResponse, 1)
	p.pending[id] = ch
	return id, ch
}

func (p *peerSession) takeRequest(id uint64) (chan pendingResponse, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.pending[id]
	if ok {
		delete(p.pending, id)
	}
	return ch, ok
}

func (p *peerSession) failAllPending(result pendingResponse) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.pending {
		ch <- result
		delete(p.pending, id)
	}
}

// fetchState coordinates at-most-once network fetch for concurrent Get
// callers asking for the same hash.
type fetchState struct {
	done   chan struct{}
	result []byte
	err    error
}

// Exchange implements the block-exchange protocol over a set of connected
// peers, backed by a local BlockStore.
type Exchange struct {
	store BlockStore
	log   *logrus.Entry
	acct  *zap.SugaredLogger // per-transfer byte accounting, separate from lifecycle log

	inflightLimit     int
	notFoundCacheSize int
	requestTimeout    time.Duration
	metrics           *Metrics

	peersMu sync.RWMutex
	peers   map[string]*peerSession
	order   []string
	rrIndex int

	fetchMu sync.Mutex
	fetches map[block.Hash]*fetchState
}

// Option configures an Exchange at construction time.
type Option func(*Exchange)

// WithInflightLimit overrides DefaultPeerInflightLimit.
func WithInflightLimit(n int) Option {
	return func(e *Exchange) { e.inflightLimit = n }
}

// WithRequestTimeout overrides DefaultRequestTimeout.
func WithRequestTimeout(d time.Duration) Option {
	return func(e *Exchange) { e.requestTimeout = d }
}

// WithNotFoundCacheSize overrides DefaultNotFoundCacheSize.
func WithNotFoundCacheSize(n int) Option {
	return func(e *Exchange) { e.notFoundCacheSize = n }
}

// WithMetrics attaches a prometheus accounting sink.
func WithMetrics(m *Metrics) Option {
	return func(e *Exchange) { e.metrics = m }
}

// WithAccountingLogger attaches a structured sink for per-transfer byte
// accounting, kept separate from the lifecycle logger.
func WithAccountingLogger(l *zap.SugaredLogger) Option {
	return func(e *Exchange) { e.acct = l }
}

// New constructs an Exchange over store. log may be nil.
func New(store BlockStore, log *logrus.Entry, opts ...Option) *Exchange {
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	e := &Exchange{
		store:             store,
		log:               log,
		inflightLimit:     DefaultPeerInflightLimit,
		notFoundCacheSize: DefaultNotFoundCacheSize,
		requestTimeout:    DefaultRequestTimeout,
		peers:             make(map[string]*peerSession),
		fetches:           make(map[block.Hash]*fetchState),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// AddPeer registers a connected transport and starts servicing it. Calling
// AddPeer twice with the same ID replaces the prior session.
func (e *Exchange) AddPeer(t PeerTransport) {
	id := t.ID()
	ps := newPeerSession(id, t, e.inflightLimit, e.notFoundCacheSize)

	e.peersMu.Lock()
	if old, ok := e.peers[id]; ok {
		old.failAllPending(pendingResponse{notFound: true})
	}
	e.peers[id] = ps
	e.order = append(e.order, id)
	e.peersMu.Unlock()

	go e.serve(ps)
}

// RemovePeer stops tracking a peer and releases anything still waiting on
// it. It does not close the underlying transport; that is the transport
// layer's responsibility.
func (e *Exchange) RemovePeer(id string) {
	e.peersMu.Lock()
	ps, ok := e.peers[id]
	if ok {
		delete(e.peers, id)
		for i, pid := range e.order {
			if pid == id {
				e.order = append(e.order[:i], e.order[i+1:]...)
				break
			}
		}
	}
	e.peersMu.Unlock()
	if ok {
		ps.failAllPending(pendingResponse{notFound: true})
	}
}

func (e *Exchange) snapshotOrder() []string {
	e.peersMu.RLock()
	defer e.peersMu.RUnlock()
	out := make([]string, len(e.order))
	copy(out, e.order)
	return out
}

func (e *Exchange) peerByID(id string) (*peerSession, bool) {
	e.peersMu.RLock()
	defer e.peersMu.RUnlock()
	ps, ok := e.peers[id]
	return ps, ok
}

// serve pumps inbound frames for one peer until its Incoming channel
// closes, then deregisters it.
func (e *Exchange) serve(ps *peerSession) {
	for raw := range ps.transport.Incoming() {
		remaining := raw
		for len(remaining) > 0 {
			f, n, err := DecodeFrame(remaining)
			if err != nil {
				e.violate(ps, err)
				return
			}
			remaining = remaining[n:]
			e.handleFrame(ps, f)
		}
	}
	e.RemovePeer(ps.id)
}

func (e *Exchange) violate(ps *peerSession, err error) {
	e.log.WithField("peer", ps.id).WithError(err).Warn("exchange: resetting peer session")
	e.RemovePeer(ps.id)
}

func (e *Exchange) handleFrame(ps *peerSession, f Frame) {
	switch f.Type {
	case FrameRequest:
		e.handleRequest(ps, f)
	case FrameResponse:
		if ch, ok := ps.takeRequest(f.ReqID); ok {
			e.metrics.responseReceived(ps.id, len(f.Data))
			if e.acct != nil {
				e.acct.Infow("block received", "peer", ps.id, "bytes", len(f.Data))
			}
			ch <- pendingResponse{data: f.Data}
		}
	case FrameNotFound:
		if ch, ok := ps.takeRequest(f.ReqID); ok {
			ch <- pendingResponse{notFound: true}
		}
	case FrameCancel:
		// REQUESTs are serviced by goroutines that are not tracked by
		// request id, so there is nothing to stop here; a reply already
		// being prepared is still sent.
	default:
		e.violate(ps, fmt.Errorf("%w: unhandled frame type %d", ErrProtocolViolation, f.Type))
	}
}

func (e *Exchange) handleRequest(ps *peerSession, f Frame) {
	if atomic.AddInt32(&ps.inflightReceived, 1) > int32(e.inflightLimit) {
		atomic.AddInt32(&ps.inflightReceived, -1)
		e.violate(ps, fmt.Errorf("%w: inflight request cap exceeded", ErrProtocolViolation))
		return
	}
	e.metrics.requestReceived(ps.id)

	go func() {
		defer atomic.AddInt32(&ps.inflightReceived, -1)

		// Responders never transitively fetch from other peers; a miss on
		// the local store is reported as NOT_FOUND, full stop.
		data, err := e.store.Get(context.Background(), f.Hash)
		var reply Frame
		if err == nil {
			reply = Frame{Type: FrameResponse, ReqID: f.ReqID, Data: data}
		} else {
			reply = Frame{Type: FrameNotFound, ReqID: f.ReqID}
		}

		e.awaitSendable(ps)
		if err := ps.transport.Send(context.Background(), reply.Encode()); err != nil {
			e.log.WithField("peer", ps.id).WithError(err).Debug("exchange: send failed")
			return
		}
		if err == nil {
			e.metrics.responseSent(ps.id, len(data))
			if e.acct != nil {
				e.acct.Infow("block served", "peer", ps.id, "bytes", len(data))
			}
		}
	}()
}

// awaitSendable blocks while ps has signalled BufferHigh and not yet
// BufferLow, so the exchange never piles new RESPONSE frames onto a
// saturated outbound queue.
func (e *Exchange) awaitSendable(ps *peerSession) {
	select {
	case <-ps.transport.BufferHigh():
		atomic.StoreInt32(&ps.blocked, 1)
	default:
		if atomic.LoadInt32(&ps.blocked) == 0 {
			return
		}
	}
	select {
	case <-ps.transport.BufferLow():
		atomic.StoreInt32(&ps.blocked, 0)
	case <-ps.transport.Closed():
	}
}

// Get resolves hash from the local store, or, on a miss, from the
// connected peer set. Concurrent Get calls for the same hash share a
// single outbound fetch.
func (e *Exchange) Get(ctx context.Context, hash block.Hash) ([]byte, error) {
	if data, err := e.store.Get(ctx, hash); err == nil {
		return data, nil
	}

	fs, owner := e.attachFetch(hash)
	if owner {
		go e.runFetch(hash, fs)
	}

	select {
	case <-fs.done:
		return fs.result, fs.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Exchange) attachFetch(hash block.Hash) (*fetchState, bool) {
	e.fetchMu.Lock()
	defer e.fetchMu.Unlock()
	if fs, ok := e.fetches[hash]; ok {
		return fs, false
	}
	fs := &fetchState{done: make(chan struct{})}
	e.fetches[hash] = fs
	return fs, true
}

func (e *Exchange) runFetch(hash block.Hash, fs *fetchState) {
	defer close(fs.done)
	defer func() {
		e.fetchMu.Lock()
		delete(e.fetches, hash)
		e.fetchMu.Unlock()
	}()

	ctx := context.Background()
	order := e.snapshotOrder()
	e.peersMu.Lock()
	start := e.rrIndex
	e.rrIndex++
	e.peersMu.Unlock()
	for i := range order {
		id := order[(start+i)%len(order)]
		ps, ok := e.peerByID(id)
		if !ok || ps.notFound.has(hash) {
			continue
		}
		data, err := e.requestFromPeer(ctx, ps, hash)
		if err == nil {
			if _, putErr := e.store.Put(ctx, data); putErr != nil {
				fs.err = putErr
				return
			}
			fs.result = data
			return
		}
		if errors.Is(err, errPeerReportedNotFound) {
			ps.notFound.mark(hash)
			continue
		}
		// Timeout or transport failure: try the next peer.
	}
	fs.err = ErrUnavailable
}

func (e *Exchange) requestFromPeer(ctx context.Context, ps *peerSession, hash block.Hash) ([]byte, error) {
	select {
	case ps.sendSem <- struct{}{}:
		defer func() { <-ps.sendSem }()
	case <-ps.transport.Closed():
		return nil, ErrUnavailable
	}

	reqID, respCh := ps.allocRequest()
	frame := Frame{Type: FrameRequest, ReqID: reqID, Hash: hash}

	e.metrics.requestSent(ps.id)
	if err := ps.transport.Send(ctx, frame.Encode()); err != nil {
		ps.takeRequest(reqID)
		return nil, err
	}

	timer := time.NewTimer(e.requestTimeout)
	defer timer.Stop()

	select {
	case res := <-respCh:
		if res.notFound {
			return nil, errPeerReportedNotFound
		}
		return res.data, nil
	case <-timer.C:
		ps.takeRequest(reqID)
		e.sendCancel(ps, reqID)
		return nil, ErrUnavailable
	case <-ps.transport.Closed():
		ps.takeRequest(reqID)
		return nil, ErrUnavailable
	case <-ctx.Done():
		ps.takeRequest(reqID)
		e.sendCancel(ps, reqID)
		return nil, ctx.Err()
	}
}

func (e *Exchange) sendCancel(ps *peerSession, reqID uint64) {
	frame := Frame{Type: FrameCancel, ReqID: reqID}
	_ = ps.transport.Send(context.Background(), frame.Encode())
}
