package studio

import (
	"sync"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
)

// DefaultMTU is the default maximum RTP packet size.
const DefaultMTU = 1200

// rtpHeaderSize is the fixed RTP header without CSRCs or extensions.
const rtpHeaderSize = 12

// RTPPacket is pion's rtp.Packet.
type RTPPacket = rtp.Packet

// Packetizer splits encoded frames into RTP packets. Timestamps come from
// the frame so the caller controls the media timeline.
type Packetizer struct {
	mu          sync.Mutex
	ssrc        uint32
	payloadType uint8
	mtu         int
	sequencer   rtp.Sequencer
	payloader   rtp.Payloader
	frameMarker bool // Set the marker bit on the last packet of each frame
}

// NewPacketizer creates a packetizer with a random SSRC and sequence start.
func NewPacketizer(payloader rtp.Payloader, pt uint8, mtu int, frameMarker bool) *Packetizer {
	if mtu <= rtpHeaderSize {
		mtu = DefaultMTU
	}
	return &Packetizer{
		ssrc:        uuid.New().ID(),
		payloadType: pt,
		mtu:         mtu,
		sequencer:   rtp.NewRandomSequencer(),
		payloader:   payloader,
		frameMarker: frameMarker,
	}
}

// newVideoPacketizer returns a packetizer for a recording video codec.
func newVideoPacketizer(codec VideoCodec, mtu int) (*Packetizer, error) {
	switch codec {
	case VideoCodecRaw:
		return NewPacketizer(&rawVideoPayloader{}, codec.DefaultPayloadType(), mtu, true), nil
	}
	return nil, ErrCodecNotSupported
}

// newAudioPacketizer returns a packetizer for a recording audio codec.
func newAudioPacketizer(codec AudioCodec, mtu int) (*Packetizer, error) {
	switch codec {
	case AudioCodecPCMU, AudioCodecPCMA:
		return NewPacketizer(&codecs.G711Payloader{}, codec.DefaultPayloadType(), mtu, false), nil
	}
	return nil, ErrCodecNotSupported
}

// Packetize converts one encoded frame to RTP packets.
func (p *Packetizer) Packetize(frame *EncodedFrame) []*RTPPacket {
	p.mu.Lock()
	defer p.mu.Unlock()

	if frame == nil || len(frame.Data) == 0 {
		return nil
	}
	payloads := p.payloader.Payload(uint16(p.mtu-rtpHeaderSize), frame.Data)
	packets := make([]*RTPPacket, len(payloads))
	for i, payload := range payloads {
		packets[i] = &RTPPacket{
			Header: rtp.Header{
				Version:        2,
				Marker:         p.frameMarker && i == len(payloads)-1,
				PayloadType:    p.payloadType,
				SequenceNumber: p.sequencer.NextSequenceNumber(),
				Timestamp:      frame.Timestamp,
				SSRC:           p.ssrc,
			},
			Payload: payload,
		}
	}
	return packets
}

func (p *Packetizer) SSRC() uint32       { p.mu.Lock(); defer p.mu.Unlock(); return p.ssrc }
func (p *Packetizer) PayloadType() uint8 { p.mu.Lock(); defer p.mu.Unlock(); return p.payloadType }
func (p *Packetizer) MTU() int           { p.mu.Lock(); defer p.mu.Unlock(); return p.mtu }

// rawVideoPayloader fragments raw frames at the MTU. Reassembly relies on
// the marker bit of the last fragment.
type rawVideoPayloader struct{}

func (rawVideoPayloader) Payload(mtu uint16, payload []byte) [][]byte {
	if len(payload) == 0 || mtu == 0 {
		return nil
	}
	out := make([][]byte, 0, len(payload)/int(mtu)+1)
	for len(payload) > 0 {
		n := min(int(mtu), len(payload))
		o := make([]byte, n)
		copy(o, payload[:n])
		out = append(out, o)
		payload = payload[n:]
	}
	return out
}

// Depacketizer reassembles frames from packets of one payload type. A frame
// ends at a marker bit or, for streams without markers, at every packet.
type Depacketizer struct {
	frameMarker bool
	buf         []byte
	timestamp   uint32
	lastSeq     uint16
	started     bool
}

// NewDepacketizer creates a depacketizer.
func NewDepacketizer(frameMarker bool) *Depacketizer {
	return &Depacketizer{frameMarker: frameMarker}
}

// Push adds a packet and returns a completed frame, if any. A sequence gap
// discards the partial frame.
func (d *Depacketizer) Push(pkt *RTPPacket) *EncodedFrame {
	if d.started && pkt.SequenceNumber != d.lastSeq+1 {
		d.buf = d.buf[:0]
	}
	if len(d.buf) > 0 && pkt.Timestamp != d.timestamp {
		d.buf = d.buf[:0]
	}
	d.started = true
	d.lastSeq = pkt.SequenceNumber
	d.timestamp = pkt.Timestamp
	d.buf = append(d.buf, pkt.Payload...)

	if d.frameMarker && !pkt.Marker {
		return nil
	}
	data := make([]byte, len(d.buf))
	copy(data, d.buf)
	d.buf = d.buf[:0]
	return &EncodedFrame{Data: data, Timestamp: pkt.Timestamp, Key: true}
}
