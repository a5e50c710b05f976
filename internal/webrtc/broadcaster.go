/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package webrtc streams the engine mix to browsers as Opus over WebRTC using Pion.
package webrtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"gopkg.in/hraban/opus.v2"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/friendsincode/mixdeck/internal/telemetry"
)

// ErrSampleRate is returned when the mix is not rendered at the Opus clock rate.
var ErrSampleRate = errors.New("webrtc output requires a 48000 Hz mix")

// DefaultBitrate is used when Config.Bitrate is zero.
const DefaultBitrate = 128000

// Broadcaster encodes rendered frames once and fans them out to every connected peer
// through a shared track. It implements audio.FrameSink.
type Broadcaster struct {
	mu     sync.RWMutex
	peers  map[string]*peerConnection
	track  *webrtc.TrackLocalStaticRTP
	api    *webrtc.API
	config Config
	logger zerolog.Logger

	// packetizer state is owned by the render goroutine
	encMu sync.Mutex
	pkt   *packetizer

	totalPeers  atomic.Int64
	packetsSent atomic.Int64
	closed      atomic.Bool
}

type peerConnection struct {
	id       string
	pc       *webrtc.PeerConnection
	done     chan struct{}
	doneOnce sync.Once
}

func (p *peerConnection) finish() {
	p.doneOnce.Do(func() { close(p.done) })
}

// SignalMessage is the WebSocket signaling message format.
type SignalMessage struct {
	Type      string                     `json:"type"`
	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
	Error     string                     `json:"error,omitempty"`
}

// Config holds broadcaster configuration.
type Config struct {
	SampleRate   int    // rate of the frames handed to WriteFrame
	Bitrate      int    // Opus target bitrate in bits per second
	STUNServer   string // set via MIXDECK_WEBRTC_STUN_URL
	TURNServer   string
	TURNUsername string
	TURNPassword string
}

// NewBroadcaster creates a broadcaster with its Opus encoder.
func NewBroadcaster(cfg Config, logger zerolog.Logger) (*Broadcaster, error) {
	if cfg.SampleRate != opusSampleRate {
		return nil, fmt.Errorf("%w: got %d", ErrSampleRate, cfg.SampleRate)
	}
	if cfg.Bitrate == 0 {
		cfg.Bitrate = DefaultBitrate
	}

	enc, err := opus.NewEncoder(opusSampleRate, 2, opus.AppAudio)
	if err != nil {
		return nil, fmt.Errorf("create opus encoder: %w", err)
	}
	if err := enc.SetBitrate(cfg.Bitrate); err != nil {
		return nil, fmt.Errorf("set opus bitrate: %w", err)
	}

	return newBroadcaster(cfg, enc, logger)
}

func newBroadcaster(cfg Config, enc frameEncoder, logger zerolog.Logger) (*Broadcaster, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   opusSampleRate,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		PayloadType: opusPayloadType,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register opus codec: %w", err)
	}

	i := &interceptor.Registry{}
	intervalPliFactory, err := intervalpli.NewReceiverInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create pli interceptor: %w", err)
	}
	i.Add(intervalPliFactory)
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	api := webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(i))

	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: opusSampleRate, Channels: 2},
		"audio",
		"mixdeck",
	)
	if err != nil {
		return nil, fmt.Errorf("create audio track: %w", err)
	}

	b := &Broadcaster{
		peers:  make(map[string]*peerConnection),
		track:  track,
		api:    api,
		config: cfg,
		logger: logger.With().Str("component", "webrtc-broadcaster").Logger(),
	}
	b.pkt = newPacketizer(enc, uuid.New().ID(), b.writePacket)
	return b, nil
}

// WriteFrame encodes samples into the shared track. Frames rendered while nobody is
// listening are dropped without encoding.
func (b *Broadcaster) WriteFrame(samples [][2]float64) {
	if b.closed.Load() {
		return
	}
	active := b.PeerCount() > 0

	b.encMu.Lock()
	sent, err := b.pkt.push(samples, active)
	b.encMu.Unlock()

	if sent > 0 {
		b.packetsSent.Add(int64(sent))
		telemetry.WebRTCPacketsSent.Add(float64(sent))
	}
	if err != nil {
		telemetry.WebRTCEncodeErrors.Inc()
		b.logger.Debug().Err(err).Msg("frame not sent")
	}
}

func (b *Broadcaster) writePacket(buf []byte) error {
	if _, err := b.track.Write(buf); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		return fmt.Errorf("track write: %w", err)
	}
	return nil
}

// Close disconnects every peer. Later frames are ignored.
func (b *Broadcaster) Close() error {
	b.closed.Store(true)

	b.mu.Lock()
	peers := b.peers
	b.peers = make(map[string]*peerConnection)
	b.mu.Unlock()

	for _, peer := range peers {
		peer.pc.Close()
		peer.finish()
	}
	telemetry.WebRTCPeers.Set(0)

	b.logger.Info().Msg("broadcaster stopped")
	return nil
}

// HandleSignaling handles WebSocket signaling for a new peer. The server sends one
// offer carrying every gathered candidate; the client answers and may trickle its own
// candidates.
func (b *Broadcaster) HandleSignaling(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		b.logger.Error().Err(err).Msg("websocket accept failed")
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx := r.Context()
	if b.closed.Load() {
		wsjson.Write(ctx, conn, SignalMessage{Type: "error", Error: "broadcaster closed"})
		return
	}

	peerID := uuid.NewString()
	b.logger.Info().Str("peer_id", peerID).Msg("new signaling connection")

	pc, err := b.createPeerConnection()
	if err != nil {
		b.logger.Error().Err(err).Msg("failed to create peer connection")
		wsjson.Write(ctx, conn, SignalMessage{Type: "error", Error: err.Error()})
		return
	}

	peer := &peerConnection{
		id:   peerID,
		pc:   pc,
		done: make(chan struct{}),
	}

	b.mu.Lock()
	b.peers[peerID] = peer
	peerCount := len(b.peers)
	b.mu.Unlock()
	b.totalPeers.Add(1)
	telemetry.WebRTCPeers.Set(float64(peerCount))

	b.logger.Info().Str("peer_id", peerID).Int("total_peers", peerCount).Msg("peer registered")

	defer func() {
		b.mu.Lock()
		delete(b.peers, peerID)
		peerCount := len(b.peers)
		b.mu.Unlock()
		telemetry.WebRTCPeers.Set(float64(peerCount))
		pc.Close()
		peer.finish()
		b.logger.Info().Str("peer_id", peerID).Int("total_peers", peerCount).Msg("peer disconnected")
	}()

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		b.logger.Debug().Str("peer_id", peerID).Str("state", s.String()).Msg("connection state changed")
		if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed {
			peer.finish()
		}
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		b.logger.Error().Err(err).Msg("failed to create offer")
		wsjson.Write(ctx, conn, SignalMessage{Type: "error", Error: err.Error()})
		return
	}

	if err := pc.SetLocalDescription(offer); err != nil {
		b.logger.Error().Err(err).Msg("failed to set local description")
		wsjson.Write(ctx, conn, SignalMessage{Type: "error", Error: err.Error()})
		return
	}

	select {
	case <-webrtc.GatheringCompletePromise(pc):
	case <-ctx.Done():
		return
	}

	if err := wsjson.Write(ctx, conn, SignalMessage{
		Type: "offer",
		SDP:  pc.LocalDescription(),
	}); err != nil {
		b.logger.Error().Err(err).Msg("failed to send offer")
		return
	}

	// wsjson.Read blocks, so a finished peer has to cancel it
	readCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-peer.done:
			cancel()
		case <-readCtx.Done():
		}
	}()

	for {
		var msg SignalMessage
		if err := wsjson.Read(readCtx, conn, &msg); err != nil {
			if websocket.CloseStatus(err) == -1 && readCtx.Err() == nil {
				b.logger.Debug().Err(err).Msg("websocket read error")
			}
			return
		}

		switch msg.Type {
		case "answer":
			if msg.SDP != nil {
				if err := pc.SetRemoteDescription(*msg.SDP); err != nil {
					b.logger.Error().Err(err).Msg("failed to set remote description")
					wsjson.Write(ctx, conn, SignalMessage{Type: "error", Error: err.Error()})
				}
			}
		case "candidate":
			if msg.Candidate != nil {
				if err := pc.AddICECandidate(*msg.Candidate); err != nil {
					b.logger.Error().Err(err).Msg("failed to add ICE candidate")
				}
			}
		default:
			b.logger.Debug().Str("type", msg.Type).Msg("ignoring signaling message")
		}
	}
}

// createPeerConnection creates a new peer connection carrying the shared audio track.
func (b *Broadcaster) createPeerConnection() (*webrtc.PeerConnection, error) {
	var iceServers []webrtc.ICEServer

	if b.config.STUNServer != "" {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs: []string{b.config.STUNServer},
		})
	}

	// TURN is for listeners behind strict NATs
	if b.config.TURNServer != "" {
		turnServer := webrtc.ICEServer{
			URLs: []string{b.config.TURNServer},
		}
		if b.config.TURNUsername != "" {
			turnServer.Username = b.config.TURNUsername
			turnServer.Credential = b.config.TURNPassword
			turnServer.CredentialType = webrtc.ICECredentialTypePassword
		}
		iceServers = append(iceServers, turnServer)
	}

	pc, err := b.api.NewPeerConnection(webrtc.Configuration{
		ICEServers: iceServers,
	})
	if err != nil {
		return nil, err
	}

	if _, err := pc.AddTrack(b.track); err != nil {
		pc.Close()
		return nil, fmt.Errorf("add track: %w", err)
	}

	return pc, nil
}

// PeerCount returns the number of connected peers.
func (b *Broadcaster) PeerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.peers)
}

// Stats returns broadcaster statistics.
func (b *Broadcaster) Stats() map[string]interface{} {
	return map[string]interface{}{
		"peers":        b.PeerCount(),
		"total_peers":  b.totalPeers.Load(),
		"packets_sent": b.packetsSent.Load(),
		"bitrate":      b.config.Bitrate,
	}
}

// MarshalJSON implements json.Marshaler for the stats endpoint.
func (b *Broadcaster) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.Stats())
}
