package rtpwire

import "encoding/binary"

// IGMPv3ReportType is the membership report type, 0x22 per RFC 3376, sent to
// 224.0.0.22.
// Poll-mode-driver ports bypass the kernel network stack and so must build
// and send this report themselves (§4.4); kernel-bound ports instead rely on
// the OS socket's own IGMP membership (net/ipv4.PacketConn.JoinGroup).
const IGMPv3ReportType = 0x22

// IGMPv3GroupRecord is one group-record entry of a membership report.
type IGMPv3GroupRecord struct {
	RecordType byte // 1=MODE_IS_INCLUDE, 2=MODE_IS_EXCLUDE, 4=CHANGE_TO_EXCLUDE
	Group      [4]byte
}

// MarshalIGMPv3Report builds an IGMPv3 Membership Report with one group
// record per entry in records, suitable for sending to 224.0.0.22.
func MarshalIGMPv3Report(records []IGMPv3GroupRecord) []byte {
	buf := make([]byte, 8+len(records)*8)
	buf[0] = IGMPv3ReportType
	buf[1] = 0
	binary.BigEndian.PutUint16(buf[6:8], uint16(len(records)))
	for i, r := range records {
		off := 8 + i*8
		buf[off] = r.RecordType
		buf[off+1] = 0 // aux data len
		binary.BigEndian.PutUint16(buf[off+2:off+4], 0) // number of sources
		copy(buf[off+4:off+8], r.Group[:])
	}
	checksum := internetChecksum(buf)
	binary.BigEndian.PutUint16(buf[2:4], checksum)
	return buf
}

// internetChecksum computes the RFC 1071 one's-complement checksum used by
// IGMP.
func internetChecksum(data []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(data); i += 2 {
		sum += uint32(data[i])<<8 | uint32(data[i+1])
	}
	if len(data)%2 == 1 {
		sum += uint32(data[len(data)-1]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}
