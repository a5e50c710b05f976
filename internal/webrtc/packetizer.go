/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package webrtc

import (
	"fmt"

	"github.com/pion/rtp"
)

const (
	opusSampleRate  = 48000
	opusFrameSize   = 960 // 20ms at 48kHz
	opusPayloadType = 111
	maxPacketSize   = 1500
)

// frameEncoder turns one interleaved stereo frame into an Opus packet.
type frameEncoder interface {
	EncodeFloat32(pcm []float32, data []byte) (int, error)
}

// packetizer collects rendered samples into 20ms Opus frames and wraps each in an RTP
// packet with a continuous sequence number and timestamp. It is not safe for
// concurrent use.
type packetizer struct {
	enc   frameEncoder
	write func(packet []byte) error

	pcm  []float32
	fill int
	out  []byte

	seq    uint16
	ts     uint32
	ssrc   uint32
	resume bool // next packet starts a talkspurt
}

func newPacketizer(enc frameEncoder, ssrc uint32, write func([]byte) error) *packetizer {
	return &packetizer{
		enc:    enc,
		write:  write,
		pcm:    make([]float32, opusFrameSize*2),
		out:    make([]byte, maxPacketSize),
		ssrc:   ssrc,
		resume: true,
	}
}

// push appends samples. When active is false full frames are dropped, but the RTP
// clock keeps running so listeners that join later stay in time. It returns the
// number of packets written and the first error hit.
func (p *packetizer) push(samples [][2]float64, active bool) (int, error) {
	var (
		sent     int
		firstErr error
	)
	for _, s := range samples {
		p.pcm[2*p.fill] = clampSample(s[0])
		p.pcm[2*p.fill+1] = clampSample(s[1])
		p.fill++
		if p.fill < opusFrameSize {
			continue
		}

		ok, err := p.flush(active)
		if ok {
			sent++
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return sent, firstErr
}

func (p *packetizer) flush(active bool) (bool, error) {
	defer func() {
		p.fill = 0
		p.ts += opusFrameSize
	}()

	if !active {
		p.resume = true
		return false, nil
	}

	n, err := p.enc.EncodeFloat32(p.pcm, p.out)
	if err != nil {
		return false, fmt.Errorf("encode opus frame: %w", err)
	}

	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         p.resume,
			PayloadType:    opusPayloadType,
			SequenceNumber: p.seq,
			Timestamp:      p.ts,
			SSRC:           p.ssrc,
		},
		Payload: p.out[:n],
	}
	buf, err := pkt.Marshal()
	if err != nil {
		return false, fmt.Errorf("marshal rtp packet: %w", err)
	}

	p.seq++
	p.resume = false
	if err := p.write(buf); err != nil {
		return false, err
	}
	return true, nil
}

func clampSample(v float64) float32 {
	switch {
	case v > 1:
		return 1
	case v < -1:
		return -1
	}
	return float32(v)
}
