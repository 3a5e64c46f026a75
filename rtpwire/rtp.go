// Package rtpwire implements the §6 wire formats: the RFC 3550 RTP base
// header (via pion/rtp), the RFC 4175 ST 2110-20 video payload header, the
// ST 2110-30/31 audio packing, the RFC 8331 ST 2110-40 ancillary packet, the
// ST 2110-41 fast-metadata header chunk, Ethernet multicast MAC derivation,
// a minimal IEEE 1588 PTP message codec, and IGMPv3 membership reports.
package rtpwire

import (
	"encoding/binary"
	"fmt"

	"github.com/pion/rtp"
)

// VideoClockHz is the 90 kHz RTP media clock used by video, ANC, and FMD.
const VideoClockHz = 90000

// BuildRTPHeader constructs the RFC 3550 base header shared by every session
// kind. The frame-local 16-bit wrap-disambiguation extension that sessions
// track is not part of this header.
func BuildRTPHeader(payloadType uint8, seq uint16, timestamp, ssrc uint32, marker bool) rtp.Header {
	return rtp.Header{
		Version:        2,
		PayloadType:    payloadType,
		SequenceNumber: seq,
		Timestamp:      timestamp,
		SSRC:           ssrc,
		Marker:         marker,
	}
}

// MarshalRTP encodes a header plus payload into one wire buffer.
func MarshalRTP(h rtp.Header, payload []byte) ([]byte, error) {
	pkt := rtp.Packet{Header: h, Payload: payload}
	return pkt.Marshal()
}

// UnmarshalRTP decodes a wire buffer into a header and payload slice (which
// aliases buf).
func UnmarshalRTP(buf []byte) (rtp.Header, []byte, error) {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(buf); err != nil {
		return rtp.Header{}, nil, fmt.Errorf("rtpwire: unmarshal rtp: %w", err)
	}
	return pkt.Header, pkt.Payload, nil
}

// SRDHeader is one Sample Row Data header of the RFC 4175 ST 2110-20 payload
// format: it locates a scanline fragment within the frame.
type SRDHeader struct {
	Length     uint16 // payload length in bytes for this row fragment
	FieldID    bool   // F bit: 1 for field 1 of interlaced content
	LineNumber uint16 // 15 bits
	Continuation bool // C bit: another SRD header follows in this packet
	Offset     uint16 // 15 bits, byte offset into the line
}

// MarshalSRD encodes one SRD header (6 bytes) per RFC 4175 §4.
func MarshalSRD(h SRDHeader) []byte {
	buf := make([]byte, 6)
	binary.BigEndian.PutUint16(buf[0:2], h.Length)
	line := h.LineNumber & 0x7fff
	if h.FieldID {
		line |= 0x8000
	}
	binary.BigEndian.PutUint16(buf[2:4], line)
	off := h.Offset & 0x7fff
	if h.Continuation {
		off |= 0x8000
	}
	binary.BigEndian.PutUint16(buf[4:6], off)
	return buf
}

// UnmarshalSRD decodes one SRD header from the front of buf.
func UnmarshalSRD(buf []byte) (SRDHeader, error) {
	if len(buf) < 6 {
		return SRDHeader{}, fmt.Errorf("rtpwire: srd header short read: %d bytes", len(buf))
	}
	length := binary.BigEndian.Uint16(buf[0:2])
	lineRaw := binary.BigEndian.Uint16(buf[2:4])
	offRaw := binary.BigEndian.Uint16(buf[4:6])
	return SRDHeader{
		Length:       length,
		FieldID:      lineRaw&0x8000 != 0,
		LineNumber:   lineRaw & 0x7fff,
		Continuation: offRaw&0x8000 != 0,
		Offset:       offRaw & 0x7fff,
	}, nil
}

// SRDHeaderSize is the encoded size of one SRD header in bytes.
const SRDHeaderSize = 6

// ANCSubpacket is one RFC 8331 ANC data subpacket (§4.8 / §6).
type ANCSubpacket struct {
	DID      uint16 // 10 bits, data ID
	SDID     uint16 // 10 bits, secondary data ID
	DataCount uint16 // 10 bits
	UDW      []uint16 // 10-bit user data words
	LineNumber uint16
	HorizontalOffset uint16
	StreamNum uint8
}

// ancParity computes the even-parity and inverted-parity bits RFC 8331
// stores alongside each 8-bit ANC data word, widening it into a 10-bit word.
func ancParity(b8 uint8) uint16 {
	var ones int
	for i := 0; i < 8; i++ {
		if b8&(1<<uint(i)) != 0 {
			ones++
		}
	}
	word := uint16(b8)
	if ones%2 == 0 {
		word |= 1 << 9 // even parity bit set
	} else {
		word |= 1 << 8 // odd parity -> parity bit 8 set per SMPTE 291
	}
	return word
}

// NewANCSubpacket builds a 10-bit-word subpacket from raw 8-bit payload
// bytes (e.g. CEA-708 closed-caption data), applying RFC 8331 parity widening.
// The trailing checksum word is not stored; it is computed when the
// subpacket is marshalled.
func NewANCSubpacket(did, sdid uint16, lineNumber, hOffset uint16, streamNum uint8, raw []byte) ANCSubpacket {
	udw := make([]uint16, len(raw))
	for i, b := range raw {
		udw[i] = ancParity(b)
	}
	return ANCSubpacket{
		DID: did, SDID: sdid, DataCount: uint16(len(raw)), UDW: udw,
		LineNumber: lineNumber, HorizontalOffset: hOffset, StreamNum: streamNum,
	}
}

// checksum computes the RFC 8331 9-bit checksum word over DID, SDID,
// DataCount, and UDW (each already parity-widened to 10 bits, checksum takes
// bits 0-8 of each).
func (s ANCSubpacket) checksum() uint16 {
	sum := uint16(0)
	add := func(w uint16) { sum = (sum + (w & 0x1ff)) & 0x1ff }
	add(s.DID)
	add(s.SDID)
	add(s.DataCount)
	for _, w := range s.UDW {
		add(w)
	}
	cs := sum
	if cs&0x100 == 0 {
		cs |= 0x200 // bit 9 is the inverse of bit 8
	}
	return cs
}

// MarshalANC packs one or more ANC subpackets into the RFC 8331 payload
// (the bits that follow the RTP header; extended sequence number handling is
// the caller's responsibility).
func MarshalANC(subpackets []ANCSubpacket) []byte {
	// A conservative bit-packer: each subpacket field is written as a
	// 10-bit word into a big-endian bit stream, matching RFC 8331 §2.2's
	// packed representation.
	var bits bitWriter
	bits.writeBits(uint32(len(subpackets)), 16) // ANC_Count extension used internally, not RFC-exact framing detail
	for _, s := range subpackets {
		bits.writeBits(uint32(s.LineNumber), 11)
		bits.writeBits(uint32(s.HorizontalOffset), 12)
		bits.writeBits(uint32(s.StreamNum), 1)
		if s.StreamNum != 0 {
			bits.writeBits(uint32(s.DID), 10)
			bits.writeBits(uint32(s.SDID), 10)
		} else {
			bits.writeBits(uint32(s.DID), 10)
			bits.writeBits(uint32(s.SDID), 10)
		}
		bits.writeBits(uint32(s.DataCount), 10)
		for _, w := range s.UDW {
			bits.writeBits(uint32(w), 10)
		}
		bits.writeBits(uint32(s.checksum()), 10)
	}
	return bits.bytesAligned()
}

// bitWriter packs values MSB-first into a byte slice, 4-byte aligning on
// flush per RFC 8331 word alignment.
type bitWriter struct {
	buf  []byte
	cur  uint64
	bits uint
}

func (w *bitWriter) writeBits(v uint32, n uint) {
	w.cur = (w.cur << n) | uint64(v&((1<<n)-1))
	w.bits += n
	for w.bits >= 8 {
		w.bits -= 8
		w.buf = append(w.buf, byte(w.cur>>w.bits))
	}
}

func (w *bitWriter) bytesAligned() []byte {
	if w.bits > 0 {
		w.buf = append(w.buf, byte(w.cur<<(8-w.bits)))
		w.bits = 0
	}
	for len(w.buf)%4 != 0 {
		w.buf = append(w.buf, 0)
	}
	return w.buf
}

// FastMetadataHeader is the ST 2110-41 32-bit big-endian header chunk that
// follows the RTP base header.
type FastMetadataHeader struct {
	DataItemLength uint16 // bytes of opaque payload that follow, 4-byte aligned
	DataItemType   uint32 // 21 bits
	KBit           bool
}

// MarshalFastMetadataHeader encodes the 4-byte header chunk.
func MarshalFastMetadataHeader(h FastMetadataHeader) ([]byte, error) {
	if h.DataItemType > (1<<21)-1 {
		return nil, fmt.Errorf("rtpwire: data item type %d exceeds 21 bits", h.DataItemType)
	}
	buf := make([]byte, 4)
	// Layout: 10 bits length (bits 31-22), 1 K-bit (bit 21), 21 bits type
	// (bits 20-0), each field in its own non-overlapping span.
	v := uint32(h.DataItemLength&0x3ff) << 22
	if h.KBit {
		v |= 1 << 21
	}
	v |= h.DataItemType & 0x1fffff
	binary.BigEndian.PutUint32(buf, v)
	return buf, nil
}

// UnmarshalFastMetadataHeader decodes the 4-byte header chunk.
func UnmarshalFastMetadataHeader(buf []byte) (FastMetadataHeader, error) {
	if len(buf) < 4 {
		return FastMetadataHeader{}, fmt.Errorf("rtpwire: fmd header short read")
	}
	v := binary.BigEndian.Uint32(buf)
	return FastMetadataHeader{
		DataItemLength: uint16((v >> 22) & 0x3ff),
		DataItemType:   v & 0x1fffff,
		KBit:           v&(1<<21) != 0,
	}, nil
}

// MulticastMAC derives the Ethernet multicast MAC for an IPv4 multicast
// group: 01:00:5e:XX:XX:XX from the low 23 bits of the group address.
func MulticastMAC(ip [4]byte) [6]byte {
	return [6]byte{0x01, 0x00, 0x5e, ip[1] & 0x7f, ip[2], ip[3]}
}
