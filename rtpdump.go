package studio

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"
)

// rtpdump framing as written by rtpplay/rtpdump and read by Wireshark.
const (
	rtpdumpMagic        = "#!rtpplay1.0"
	rtpdumpFileHdrSize  = 16
	rtpdumpRecordHeader = 8
)

// ErrInvalidRTPDump is returned for malformed rtpdump data.
var ErrInvalidRTPDump = errors.New("invalid rtpdump")

// RTPDumpHeader is the file header of an rtpdump stream.
type RTPDumpHeader struct {
	Start  time.Time
	Source net.IP
	Port   uint16
}

// RTPDumpPacket is one recorded packet.
type RTPDumpPacket struct {
	Offset time.Duration // Since Start, millisecond resolution
	Data   []byte
}

// WriteRTPDumpHeader writes the text line and binary file header.
func WriteRTPDumpHeader(w io.Writer, h RTPDumpHeader) error {
	src := h.Source.To4()
	if src == nil {
		src = net.IPv4zero.To4()
	}
	if _, err := fmt.Fprintf(w, "%s %s/%d\n", rtpdumpMagic, src, h.Port); err != nil {
		return err
	}
	var hdr [rtpdumpFileHdrSize]byte
	binary.BigEndian.PutUint32(hdr[0:], uint32(h.Start.Unix()))
	binary.BigEndian.PutUint32(hdr[4:], uint32(h.Start.Nanosecond()/1000))
	copy(hdr[8:12], src)
	binary.BigEndian.PutUint16(hdr[12:], h.Port)
	_, err := w.Write(hdr[:])
	return err
}

// appendRTPDumpRecord appends one packet record to buf.
func appendRTPDumpRecord(buf []byte, offset time.Duration, pkt []byte) []byte {
	var hdr [rtpdumpRecordHeader]byte
	binary.BigEndian.PutUint16(hdr[0:], uint16(len(pkt)+rtpdumpRecordHeader))
	binary.BigEndian.PutUint16(hdr[2:], uint16(len(pkt)))
	binary.BigEndian.PutUint32(hdr[4:], uint32(offset.Milliseconds()))
	buf = append(buf, hdr[:]...)
	return append(buf, pkt...)
}

// ParseRTPDumpRecords parses a sequence of packet records without a file
// header, as stored in a segment.
func ParseRTPDumpRecords(data []byte) ([]RTPDumpPacket, error) {
	var out []RTPDumpPacket
	for len(data) > 0 {
		if len(data) < rtpdumpRecordHeader {
			return out, fmt.Errorf("%w: truncated record header", ErrInvalidRTPDump)
		}
		length := int(binary.BigEndian.Uint16(data[0:]))
		plen := int(binary.BigEndian.Uint16(data[2:]))
		offset := binary.BigEndian.Uint32(data[4:])
		if length < rtpdumpRecordHeader || length > len(data) || plen > length-rtpdumpRecordHeader {
			return out, fmt.Errorf("%w: record length %d", ErrInvalidRTPDump, length)
		}
		pkt := make([]byte, plen)
		copy(pkt, data[rtpdumpRecordHeader:rtpdumpRecordHeader+plen])
		out = append(out, RTPDumpPacket{
			Offset: time.Duration(offset) * time.Millisecond,
			Data:   pkt,
		})
		data = data[length:]
	}
	return out, nil
}

// ReadRTPDump reads a complete rtpdump stream.
func ReadRTPDump(r io.Reader) (RTPDumpHeader, []RTPDumpPacket, error) {
	var h RTPDumpHeader
	br := bufio.NewReader(r)
	line, err := br.ReadString('\n')
	if err != nil {
		return h, nil, fmt.Errorf("%w: %v", ErrInvalidRTPDump, err)
	}
	if !strings.HasPrefix(line, rtpdumpMagic) {
		return h, nil, fmt.Errorf("%w: bad magic", ErrInvalidRTPDump)
	}
	var hdr [rtpdumpFileHdrSize]byte
	if _, err := io.ReadFull(br, hdr[:]); err != nil {
		return h, nil, fmt.Errorf("%w: file header: %v", ErrInvalidRTPDump, err)
	}
	sec := int64(binary.BigEndian.Uint32(hdr[0:]))
	usec := int64(binary.BigEndian.Uint32(hdr[4:]))
	h.Start = time.Unix(sec, usec*1000)
	h.Source = net.IPv4(hdr[8], hdr[9], hdr[10], hdr[11])
	h.Port = binary.BigEndian.Uint16(hdr[12:])

	rest, err := io.ReadAll(br)
	if err != nil {
		return h, nil, err
	}
	pkts, err := ParseRTPDumpRecords(rest)
	return h, pkts, err
}
