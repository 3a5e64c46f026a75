package rtpwire

import (
	"encoding/binary"
	"fmt"
)

// MessageType enumerates the IEEE 1588v2 PTP message types the slave (§4.3)
// needs to parse or build.
type MessageType uint8

const (
	MsgSync      MessageType = 0x0
	MsgDelayReq  MessageType = 0x1
	MsgFollowUp  MessageType = 0x8
	MsgDelayResp MessageType = 0x9
	MsgAnnounce  MessageType = 0xB
)

// PTPMulticastMAC is the L2 PTP multicast destination per §6.
var PTPMulticastMAC = [6]byte{0x01, 0x1b, 0x19, 0x00, 0x00, 0x00}

// PTPMulticastGroup and PTPEventPort/PTPGeneralPort are the L4 IPv4
// multicast coordinates per §6 (224.0.1.129:319/320).
var PTPMulticastGroup = [4]byte{224, 0, 1, 129}

const (
	PTPEventPort   = 319
	PTPGeneralPort = 320
)

// Header is the common 34-byte PTPv2 message header.
type Header struct {
	MessageType MessageType
	Domain      uint8
	SequenceID  uint16
	SourcePortIdentity [10]byte
}

// Marshal encodes the common PTP header. Full message bodies are
// message-type specific and are handled by the ptp package, which embeds
// this header.
func (h Header) Marshal() []byte {
	buf := make([]byte, 34)
	buf[0] = byte(h.MessageType) & 0x0f
	buf[1] = 0x02 // versionPTP = 2
	buf[4] = h.Domain
	copy(buf[20:30], h.SourcePortIdentity[:])
	binary.BigEndian.PutUint16(buf[30:32], h.SequenceID)
	return buf
}

// UnmarshalHeader decodes the common PTP header from the front of buf.
func UnmarshalHeader(buf []byte) (Header, error) {
	if len(buf) < 34 {
		return Header{}, fmt.Errorf("rtpwire: ptp header short read: %d bytes", len(buf))
	}
	var h Header
	h.MessageType = MessageType(buf[0] & 0x0f)
	h.Domain = buf[4]
	copy(h.SourcePortIdentity[:], buf[20:30])
	h.SequenceID = binary.BigEndian.Uint16(buf[30:32])
	return h, nil
}

// Timestamp is a PTP 10-byte timestamp: 48-bit seconds, 32-bit nanoseconds.
type Timestamp struct {
	Seconds     uint64 // low 48 bits significant
	Nanoseconds uint32
}

// MarshalTimestamp encodes a 10-byte PTP timestamp.
func MarshalTimestamp(ts Timestamp) []byte {
	buf := make([]byte, 10)
	buf[0] = byte(ts.Seconds >> 40)
	buf[1] = byte(ts.Seconds >> 32)
	binary.BigEndian.PutUint32(buf[2:6], uint32(ts.Seconds))
	binary.BigEndian.PutUint32(buf[6:10], ts.Nanoseconds)
	return buf
}

// UnmarshalTimestamp decodes a 10-byte PTP timestamp.
func UnmarshalTimestamp(buf []byte) (Timestamp, error) {
	if len(buf) < 10 {
		return Timestamp{}, fmt.Errorf("rtpwire: ptp timestamp short read")
	}
	secs := uint64(buf[0])<<40 | uint64(buf[1])<<32 | uint64(binary.BigEndian.Uint32(buf[2:6]))
	ns := binary.BigEndian.Uint32(buf[6:10])
	return Timestamp{Seconds: secs, Nanoseconds: ns}, nil
}

// ToNanos converts a PTP timestamp to a single int64 nanosecond count.
func (t Timestamp) ToNanos() int64 {
	return int64(t.Seconds)*1e9 + int64(t.Nanoseconds)
}

// TimestampFromNanos builds a PTP timestamp from a nanosecond count.
func TimestampFromNanos(ns int64) Timestamp {
	return Timestamp{Seconds: uint64(ns / 1e9), Nanoseconds: uint32(ns % 1e9)}
}

// AnnounceBody is the subset of the ANNOUNCE message the slave needs: master
// clock identity, UTC offset, and domain are carried in the header/body.
type AnnounceBody struct {
	CurrentUTCOffset int16
	GrandmasterIdentity [8]byte
	GrandmasterPriority1 uint8
	GrandmasterPriority2 uint8
}

// MarshalAnnounceBody encodes the ANNOUNCE body fields this slave consumes.
func MarshalAnnounceBody(b AnnounceBody) []byte {
	buf := make([]byte, 20)
	binary.BigEndian.PutUint16(buf[0:2], uint16(b.CurrentUTCOffset))
	buf[2] = b.GrandmasterPriority1
	copy(buf[3:11], b.GrandmasterIdentity[:])
	buf[11] = b.GrandmasterPriority2
	return buf
}

// UnmarshalAnnounceBody decodes the ANNOUNCE body fields this slave consumes.
func UnmarshalAnnounceBody(buf []byte) (AnnounceBody, error) {
	if len(buf) < 12 {
		return AnnounceBody{}, fmt.Errorf("rtpwire: announce body short read")
	}
	var b AnnounceBody
	b.CurrentUTCOffset = int16(binary.BigEndian.Uint16(buf[0:2]))
	b.GrandmasterPriority1 = buf[2]
	copy(b.GrandmasterIdentity[:], buf[3:11])
	b.GrandmasterPriority2 = buf[11]
	return b, nil
}
