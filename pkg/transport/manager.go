package transport

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

// Config tunes every Peer a Manager creates.
type Config struct {
	QueueMaxItems   int
	QueueMaxBytes   int
	BufferWatermark uint64
	ICEServers      []webrtc.ICEServer
}

// Manager creates Peer sessions. Signaling is handed to it and returned by
// it as plain SDP strings; relaying those strings between peers (typically
// over the same signed-event network used for pointer events) is the
// application's job, not this package's.
type Manager struct {
	cfg Config
	log *logrus.Entry
}

// NewManager constructs a Manager. log may be nil.
func NewManager(cfg Config, log *logrus.Entry) *Manager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Manager{cfg: cfg, log: log.WithField("component", "transport")}
}

func (m *Manager) newPeerConnection() (*webrtc.PeerConnection, error) {
	return webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: m.cfg.ICEServers})
}

// Offer starts a peer session as the offering side: it creates the data
// channel, generates a local SDP offer, and returns both the Peer (not
// yet connected) and the offer SDP to send to the remote side.
func (m *Manager) Offer(id string) (*Peer, string, error) {
	if id == "" {
		id = uuid.NewString()
	}
	pc, err := m.newPeerConnection()
	if err != nil {
		return nil, "", fmt.Errorf("transport: new peer connection: %w", err)
	}

	ordered := true
	dc, err := pc.CreateDataChannel("hashtree", &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		_ = pc.Close()
		return nil, "", fmt.Errorf("transport: create data channel: %w", err)
	}

	p := newPeer(id, pc, m.cfg.QueueMaxItems, m.cfg.QueueMaxBytes, m.cfg.BufferWatermark, m.log)
	p.bindDataChannel(dc)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		p.Close()
		return nil, "", fmt.Errorf("transport: create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		p.Close()
		return nil, "", fmt.Errorf("transport: set local description: %w", err)
	}
	return p, offer.SDP, nil
}

// CompleteOffer feeds the remote answer SDP back into a Peer created by
// Offer, finishing the handshake on the offering side.
func (m *Manager) CompleteOffer(p *Peer, answerSDP string) error {
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answerSDP}
	if err := p.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("transport: set remote description: %w", err)
	}
	return nil
}

// Answer starts a peer session as the answering side: it consumes a
// remote offer SDP and returns the Peer (its data channel arrives
// asynchronously via OnDataChannel once the remote side opens it) along
// with the local answer SDP to send back.
func (m *Manager) Answer(id, offerSDP string) (*Peer, string, error) {
	if id == "" {
		id = uuid.NewString()
	}
	pc, err := m.newPeerConnection()
	if err != nil {
		return nil, "", fmt.Errorf("transport: new peer connection: %w", err)
	}

	p := newPeer(id, pc, m.cfg.QueueMaxItems, m.cfg.QueueMaxBytes, m.cfg.BufferWatermark, m.log)
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		p.bindDataChannel(dc)
	})

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}
	if err := pc.SetRemoteDescription(offer); err != nil {
		p.Close()
		return nil, "", fmt.Errorf("transport: set remote description: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		p.Close()
		return nil, "", fmt.Errorf("transport: create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		p.Close()
		return nil, "", fmt.Errorf("transport: set local description: %w", err)
	}
	return p, answer.SDP, nil
}
