package rtpwire

import (
	"encoding/binary"
	"fmt"
)

// AudioFrameBytes returns the number of bytes one ptime interval of PCM
// audio occupies: sampling * channels * sampleBytes * ptimeSeconds.
func AudioFrameBytes(samplingHz, channels, sampleBits int, ptimeMs float64) int {
	sampleBytes := sampleBits / 8
	samplesPerPacket := float64(samplingHz) * (ptimeMs / 1000.0)
	return int(samplesPerPacket) * channels * sampleBytes
}

// PackPCM24 packs interleaved 24-bit big-endian PCM samples (AES67) from
// int32 sample values truncated to 24 bits.
func PackPCM24(samples []int32) []byte {
	out := make([]byte, len(samples)*3)
	for i, s := range samples {
		out[i*3+0] = byte(s >> 16)
		out[i*3+1] = byte(s >> 8)
		out[i*3+2] = byte(s)
	}
	return out
}

// UnpackPCM24 reverses PackPCM24, sign-extending each 24-bit sample to int32.
func UnpackPCM24(buf []byte) ([]int32, error) {
	if len(buf)%3 != 0 {
		return nil, fmt.Errorf("rtpwire: pcm24 buffer not a multiple of 3 bytes")
	}
	out := make([]int32, len(buf)/3)
	for i := range out {
		b0, b1, b2 := buf[i*3], buf[i*3+1], buf[i*3+2]
		v := int32(b0)<<16 | int32(b1)<<8 | int32(b2)
		if v&0x800000 != 0 {
			v |= ^int32(0xffffff) // sign extend
		}
		out[i] = v
	}
	return out, nil
}

// PackAM824 wraps 24-bit PCM samples in the ST 2110-31 AM824 container: a
// one-byte label prefix per sample (0x40 for labeled audio, per IEC 61883-6)
// followed by the 24-bit sample.
func PackAM824(samples []int32, label byte) []byte {
	out := make([]byte, len(samples)*4)
	for i, s := range samples {
		out[i*4+0] = label
		out[i*4+1] = byte(s >> 16)
		out[i*4+2] = byte(s >> 8)
		out[i*4+3] = byte(s)
	}
	return out
}

// UnpackAM824 reverses PackAM824, returning the samples and the label byte
// of the first frame.
func UnpackAM824(buf []byte) ([]int32, byte, error) {
	if len(buf)%4 != 0 {
		return nil, 0, fmt.Errorf("rtpwire: am824 buffer not a multiple of 4 bytes")
	}
	out := make([]int32, len(buf)/4)
	var label byte
	for i := range out {
		label = buf[i*4]
		b1, b2, b3 := buf[i*4+1], buf[i*4+2], buf[i*4+3]
		v := int32(b1)<<16 | int32(b2)<<8 | int32(b3)
		if v&0x800000 != 0 {
			v |= ^int32(0xffffff)
		}
		out[i] = v
	}
	return out, label, nil
}

// PackPCM16 packs 16-bit big-endian PCM samples, used by lower-bit-depth
// profiles.
func PackPCM16(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.BigEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}
