package exchange

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mmalmi/hashtree-go/pkg/block"
)

// fakeTransport is a minimal in-memory PeerTransport. Two fakeTransports
// wired to each other's incoming channel emulate a connected peer pair
// without any real network.
type fakeTransport struct {
	id       string
	incoming chan []byte
	high     chan struct{}
	low      chan struct{}
	closed   chan struct{}

	mu      sync.Mutex
	peer    *fakeTransport
	sent    [][]byte
	onSend  func([]byte) // test hook, called synchronously from Send
}

func newFakeTransport(id string) *fakeTransport {
	return &fakeTransport{
		id:       id,
		incoming: make(chan []byte, 64),
		high:     make(chan struct{}),
		low:      make(chan struct{}),
		closed:   make(chan struct{}),
	}
}

func connectPair(a, b *fakeTransport) {
	a.peer, b.peer = b, a
}

func (f *fakeTransport) ID() string { return f.id }

func (f *fakeTransport) Send(_ context.Context, frame []byte) error {
	f.mu.Lock()
	f.sent = append(f.sent, frame)
	hook := f.onSend
	peer := f.peer
	f.mu.Unlock()
	if hook != nil {
		hook(frame)
	}
	if peer != nil {
		select {
		case peer.incoming <- frame:
		case <-peer.closed:
		}
	}
	return nil
}

func (f *fakeTransport) Incoming() <-chan []byte       { return f.incoming }
func (f *fakeTransport) BufferHigh() <-chan struct{}   { return f.high }
func (f *fakeTransport) BufferLow() <-chan struct{}    { return f.low }
func (f *fakeTransport) Closed() <-chan struct{}       { return f.closed }

func (f *fakeTransport) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case <-f.closed:
	default:
		close(f.closed)
		close(f.incoming)
	}
}

// memStore is a trivial in-memory BlockStore for the requester/responder
// sides of these tests.
type memStore struct {
	mu   sync.Mutex
	data map[block.Hash][]byte
}

func newMemStore() *memStore { return &memStore{data: make(map[block.Hash][]byte)} }

var errNotFound = errors.New("memstore: not found")

func (s *memStore) Put(_ context.Context, data []byte) (block.Hash, error) {
	h := block.Sum(data)
	s.mu.Lock()
	s.data[h] = append([]byte(nil), data...)
	s.mu.Unlock()
	return h, nil
}

func (s *memStore) Get(_ context.Context, h block.Hash) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.data[h]
	if !ok {
		return nil, errNotFound
	}
	return d, nil
}

func (s *memStore) Has(h block.Hash) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.data[h]
	return ok
}

func TestGetFetchesFromConnectedPeer(t *testing.T) {
	requesterStore := newMemStore()
	responderStore := newMemStore()
	want := []byte("hello from the responder")
	hash, _ := responderStore.Put(context.Background(), want)

	requesterTransport := newFakeTransport("responder")
	responderTransport := newFakeTransport("requester")
	connectPair(requesterTransport, responderTransport)

	requester := New(requesterStore, nil)
	responder := New(responderStore, nil)
	requester.AddPeer(requesterTransport)
	responder.AddPeer(responderTransport)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	got, err := requester.Get(ctx, hash)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != string(want) {
		t.Fatalf("got %q, want %q", got, want)
	}
	if !requesterStore.Has(hash) {
		t.Fatal("expected fetched block to be cached in the local store")
	}
}

func TestGetReturnsUnavailableOnNotFound(t *testing.T) {
	requesterStore := newMemStore()
	responderStore := newMemStore()

	requesterTransport := newFakeTransport("responder")
	responderTransport := newFakeTransport("requester")
	connectPair(requesterTransport, responderTransport)

	requester := New(requesterStore, nil)
	responder := New(responderStore, nil)
	requester.AddPeer(requesterTransport)
	responder.AddPeer(responderTransport)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := requester.Get(ctx, block.Sum([]byte("never stored")))
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("got %v, want ErrUnavailable", err)
	}
}

func TestConcurrentGetDedupesToOneRequest(t *testing.T) {
	requesterStore := newMemStore()
	responderStore := newMemStore()
	want := []byte("shared payload")
	hash, _ := responderStore.Put(context.Background(), want)

	requesterTransport := newFakeTransport("responder")
	responderTransport := newFakeTransport("requester")
	connectPair(requesterTransport, responderTransport)

	var requestCount int32Counter
	requesterTransport.onSend = func(frame []byte) {
		if f, _, err := DecodeFrame(frame); err == nil && f.Type == FrameRequest {
			requestCount.inc()
		}
	}

	requester := New(requesterStore, nil)
	responder := New(responderStore, nil)
	requester.AddPeer(requesterTransport)
	responder.AddPeer(responderTransport)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = requester.Get(ctx, hash)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
	}
	if got := requestCount.get(); got != 1 {
		t.Fatalf("sent %d REQUEST frames, want exactly 1", got)
	}
}

func TestRequestFallsThroughToNextPeerOnNotFound(t *testing.T) {
	requesterStore := newMemStore()
	emptyStore := newMemStore()
	hasStore := newMemStore()
	want := []byte("only the second peer has this")
	hash, _ := hasStore.Put(context.Background(), want)

	reqToEmpty := newFakeTransport("empty-side")
	emptyToReq := newFakeTransport("requester")
	connectPair(reqToEmpty, emptyToReq)

	reqToHas := newFakeTransport("has-side")
	hasToReq := newFakeTransport("requester")
	connectPair(reqToHas, hasToReq)

	requester := New(requesterStore, nil)
	emptyPeer := New(emptyStore, nil)
	hasPeer := New(hasStore, nil)
	requester.AddPeer(reqToEmpty)
	requester.AddPeer(reqToHas)
	emptyPeer.AddPeer(emptyToReq)
	hasPeer.AddPeer(hasToReq)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	got, err := requester.Get(ctx, hash)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != string(want) {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestMalformedFrameTriggersProtocolViolationAndRemovesPeer(t *testing.T) {
	store := newMemStore()
	e := New(store, nil)
	transport := newFakeTransport("bad-peer")
	e.AddPeer(transport)

	transport.incoming <- []byte{0, 0} // too short to be a valid length prefix

	deadline := time.After(time.Second)
	for {
		e.peersMu.RLock()
		_, stillPresent := e.peers["bad-peer"]
		e.peersMu.RUnlock()
		if !stillPresent {
			break
		}
		select {
		case <-deadline:
			t.Fatal("peer was not removed after a protocol violation")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestCancelDuringWaitReturnsPromptly(t *testing.T) {
	requesterStore := newMemStore()
	// No responder wired up on the other end, so the REQUEST is sent but
	// never answered; a cancelled context should return promptly rather
	// than waiting out the full request timeout.
	transport := newFakeTransport("silent-peer")
	requester := New(requesterStore, nil, WithRequestTimeout(time.Minute))
	requester.AddPeer(transport)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := requester.Get(ctx, block.Sum([]byte("anything")))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
}

// int32Counter avoids importing sync/atomic in the test body for a single
// counter used from one hook and one assertion.
type int32Counter struct {
	mu sync.Mutex
	n  int
}

func (c *int32Counter) inc() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func (c *int32Counter) get() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}
