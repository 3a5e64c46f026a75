package rtpwire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRTPRoundTrip(t *testing.T) {
	h := BuildRTPHeader(98, 42, 90000, 0xdeadbeef, true)
	payload := []byte{1, 2, 3, 4}
	buf, err := MarshalRTP(h, payload)
	require.NoError(t, err)

	gotHdr, gotPayload, err := UnmarshalRTP(buf)
	require.NoError(t, err)
	assert.Equal(t, h.PayloadType, gotHdr.PayloadType)
	assert.Equal(t, h.SequenceNumber, gotHdr.SequenceNumber)
	assert.Equal(t, h.Timestamp, gotHdr.Timestamp)
	assert.True(t, gotHdr.Marker)
	assert.Equal(t, payload, gotPayload)
}

func TestSRDHeaderRoundTrip(t *testing.T) {
	h := SRDHeader{Length: 1200, FieldID: true, LineNumber: 540, Continuation: true, Offset: 100}
	buf := MarshalSRD(h)
	require.Len(t, buf, SRDHeaderSize)

	got, err := UnmarshalSRD(buf)
	require.NoError(t, err)
	assert.Equal(t, h, got)
}

func TestUnmarshalSRDShortRead(t *testing.T) {
	_, err := UnmarshalSRD([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestFastMetadataHeaderRoundTrip(t *testing.T) {
	h := FastMetadataHeader{DataItemLength: 1023, DataItemType: 0x1fffff, KBit: true}
	buf, err := MarshalFastMetadataHeader(h)
	require.NoError(t, err)
	require.Len(t, buf, 4)

	got, err := UnmarshalFastMetadataHeader(buf)
	require.NoError(t, err)
	assert.Equal(t, h, got, "a maximal-length, maximal-type header with the K-bit set round-trips without any field clobbering another")
}

func TestFastMetadataHeaderKBitDoesNotClobberLength(t *testing.T) {
	withK := FastMetadataHeader{DataItemLength: 1023, DataItemType: 0, KBit: true}
	without := FastMetadataHeader{DataItemLength: 1023, DataItemType: 0, KBit: false}

	bufWithK, err := MarshalFastMetadataHeader(withK)
	require.NoError(t, err)
	bufWithout, err := MarshalFastMetadataHeader(without)
	require.NoError(t, err)

	gotWithK, err := UnmarshalFastMetadataHeader(bufWithK)
	require.NoError(t, err)
	gotWithout, err := UnmarshalFastMetadataHeader(bufWithout)
	require.NoError(t, err)

	assert.Equal(t, uint16(1023), gotWithK.DataItemLength, "setting KBit must not flip the length field's top bit")
	assert.Equal(t, uint16(1023), gotWithout.DataItemLength)
	assert.True(t, gotWithK.KBit)
	assert.False(t, gotWithout.KBit)
}

func TestFastMetadataHeaderTypeOverflow(t *testing.T) {
	_, err := MarshalFastMetadataHeader(FastMetadataHeader{DataItemType: 1 << 21})
	assert.Error(t, err)
}

func TestMulticastMAC(t *testing.T) {
	mac := MulticastMAC([4]byte{239, 255, 1, 2})
	assert.Equal(t, [6]byte{0x01, 0x00, 0x5e, 0x7f, 0x01, 0x02}, mac)
}

func TestPCM24RoundTrip(t *testing.T) {
	samples := []int32{0, 1, -1, 8388607, -8388608}
	buf := PackPCM24(samples)
	assert.Len(t, buf, len(samples)*3)

	got, err := UnpackPCM24(buf)
	require.NoError(t, err)
	assert.Equal(t, samples, got)
}

func TestAM824RoundTrip(t *testing.T) {
	samples := []int32{100, -100, 12345}
	buf := PackAM824(samples, 0x40)
	got, label, err := UnpackAM824(buf)
	require.NoError(t, err)
	assert.Equal(t, byte(0x40), label)
	assert.Equal(t, samples, got)
}

func TestAudioFrameBytes(t *testing.T) {
	// 48kHz, 2ch, 24-bit, 1ms ptime -> 48 samples/ch * 2ch * 3 bytes = 288
	assert.Equal(t, 288, AudioFrameBytes(48000, 2, 24, 1))
}

func TestANCSubpacketChecksumDeterministic(t *testing.T) {
	sp := NewANCSubpacket(0x61, 0x02, 10, 0, 1, []byte{0x80, 0x81})
	buf1 := MarshalANC([]ANCSubpacket{sp})
	buf2 := MarshalANC([]ANCSubpacket{sp})
	assert.Equal(t, buf1, buf2)
	assert.Equal(t, 0, len(buf1)%4, "ANC payload must be 4-byte aligned")
}

func TestPTPHeaderRoundTrip(t *testing.T) {
	h := Header{MessageType: MsgDelayReq, Domain: 0, SequenceID: 7}
	copy(h.SourcePortIdentity[:], []byte{1, 2, 3, 4, 5, 6, 7, 8, 0, 1})
	buf := h.Marshal()
	got, err := UnmarshalHeader(buf)
	require.NoError(t, err)
	assert.Equal(t, h.MessageType, got.MessageType)
	assert.Equal(t, h.SequenceID, got.SequenceID)
	assert.Equal(t, h.SourcePortIdentity, got.SourcePortIdentity)
}

func TestPTPTimestampRoundTrip(t *testing.T) {
	ts := Timestamp{Seconds: 1700000000, Nanoseconds: 123456789}
	buf := MarshalTimestamp(ts)
	got, err := UnmarshalTimestamp(buf)
	require.NoError(t, err)
	assert.Equal(t, ts, got)
	assert.Equal(t, ts, TimestampFromNanos(ts.ToNanos()))
}

func TestIGMPv3ReportChecksum(t *testing.T) {
	rec := IGMPv3GroupRecord{RecordType: 1, Group: [4]byte{239, 1, 1, 1}}
	buf := MarshalIGMPv3Report([]IGMPv3GroupRecord{rec})
	assert.Equal(t, byte(IGMPv3ReportType), buf[0])
	// RFC 1071: summing a buffer that already contains a valid checksum
	// field yields zero.
	assert.Equal(t, uint16(0), internetChecksum(buf))
}
