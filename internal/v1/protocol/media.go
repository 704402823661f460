package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Media datagram headers. Strict big-endian, fixed layout, no variable-length
// fields. Every datagram opens with a 1-byte kind and the 4-byte id of the
// originating participant; the payload length field must account for exactly
// the remaining bytes of the datagram.
//
// Video: kind(1) pid(4) frameId(4) timestamp(8) seq(4) width(2) height(2) payloadLen(4)
// Audio: kind(1) pid(4) audioId(4) timestamp(8) sampleRate(2) channels(1) payloadLen(4)

const (
	KindVideo byte = 0x01
	KindAudio byte = 0x02

	VideoHeaderSize = 1 + 4 + 4 + 8 + 4 + 2 + 2 + 4
	AudioHeaderSize = 1 + 4 + 4 + 8 + 2 + 1 + 4
)

var (
	ErrShortDatagram   = errors.New("datagram shorter than media header")
	ErrUnknownKind     = errors.New("unknown media kind byte")
	ErrPayloadMismatch = errors.New("declared payload length does not match datagram size")
)

// VideoHeader is the fixed pre-payload header of a video datagram.
type VideoHeader struct {
	ParticipantID uint32
	FrameID       uint32
	Timestamp     uint64 // monotonic microseconds at the sender
	Seq           uint32
	Width         uint16
	Height        uint16
	PayloadLen    uint32
}

// AudioHeader is the fixed pre-payload header of an audio datagram.
type AudioHeader struct {
	ParticipantID uint32
	AudioID       uint32
	Timestamp     uint64
	SampleRate    uint16
	Channels      uint8
	PayloadLen    uint32
}

// PackVideoHeader appends the wire encoding of h to a fresh buffer sized for
// the payload.
func PackVideoHeader(h VideoHeader, payload []byte) []byte {
	buf := make([]byte, VideoHeaderSize+len(payload))
	buf[0] = KindVideo
	binary.BigEndian.PutUint32(buf[1:5], h.ParticipantID)
	binary.BigEndian.PutUint32(buf[5:9], h.FrameID)
	binary.BigEndian.PutUint64(buf[9:17], h.Timestamp)
	binary.BigEndian.PutUint32(buf[17:21], h.Seq)
	binary.BigEndian.PutUint16(buf[21:23], h.Width)
	binary.BigEndian.PutUint16(buf[23:25], h.Height)
	binary.BigEndian.PutUint32(buf[25:29], uint32(len(payload)))
	copy(buf[VideoHeaderSize:], payload)
	return buf
}

// PackAudioHeader appends the wire encoding of h to a fresh buffer sized for
// the payload.
func PackAudioHeader(h AudioHeader, payload []byte) []byte {
	buf := make([]byte, AudioHeaderSize+len(payload))
	buf[0] = KindAudio
	binary.BigEndian.PutUint32(buf[1:5], h.ParticipantID)
	binary.BigEndian.PutUint32(buf[5:9], h.AudioID)
	binary.BigEndian.PutUint64(buf[9:17], h.Timestamp)
	binary.BigEndian.PutUint16(buf[17:19], h.SampleRate)
	buf[19] = h.Channels
	binary.BigEndian.PutUint32(buf[20:24], uint32(len(payload)))
	copy(buf[AudioHeaderSize:], payload)
	return buf
}

// ParseVideoHeader decodes a video header and checks the declared payload
// length against the datagram size.
func ParseVideoHeader(data []byte) (VideoHeader, error) {
	var h VideoHeader
	if len(data) < VideoHeaderSize {
		return h, ErrShortDatagram
	}
	if data[0] != KindVideo {
		return h, fmt.Errorf("%w: 0x%02x", ErrUnknownKind, data[0])
	}
	h.ParticipantID = binary.BigEndian.Uint32(data[1:5])
	h.FrameID = binary.BigEndian.Uint32(data[5:9])
	h.Timestamp = binary.BigEndian.Uint64(data[9:17])
	h.Seq = binary.BigEndian.Uint32(data[17:21])
	h.Width = binary.BigEndian.Uint16(data[21:23])
	h.Height = binary.BigEndian.Uint16(data[23:25])
	h.PayloadLen = binary.BigEndian.Uint32(data[25:29])
	if int(h.PayloadLen) != len(data)-VideoHeaderSize {
		return h, ErrPayloadMismatch
	}
	return h, nil
}

// ParseAudioHeader decodes an audio header and checks the declared payload
// length against the datagram size.
func ParseAudioHeader(data []byte) (AudioHeader, error) {
	var h AudioHeader
	if len(data) < AudioHeaderSize {
		return h, ErrShortDatagram
	}
	if data[0] != KindAudio {
		return h, fmt.Errorf("%w: 0x%02x", ErrUnknownKind, data[0])
	}
	h.ParticipantID = binary.BigEndian.Uint32(data[1:5])
	h.AudioID = binary.BigEndian.Uint32(data[5:9])
	h.Timestamp = binary.BigEndian.Uint64(data[9:17])
	h.SampleRate = binary.BigEndian.Uint16(data[17:19])
	h.Channels = data[19]
	h.PayloadLen = binary.BigEndian.Uint32(data[20:24])
	if int(h.PayloadLen) != len(data)-AudioHeaderSize {
		return h, ErrPayloadMismatch
	}
	return h, nil
}

// InspectDatagram validates a datagram on the relay hot path and returns its
// kind and originating participant id without materializing the full header.
func InspectDatagram(data []byte) (kind byte, pid uint32, err error) {
	if len(data) < 5 {
		return 0, 0, ErrShortDatagram
	}
	kind = data[0]
	switch kind {
	case KindVideo:
		if len(data) < VideoHeaderSize {
			return kind, 0, ErrShortDatagram
		}
		declared := binary.BigEndian.Uint32(data[25:29])
		if int(declared) != len(data)-VideoHeaderSize {
			return kind, 0, ErrPayloadMismatch
		}
	case KindAudio:
		if len(data) < AudioHeaderSize {
			return kind, 0, ErrShortDatagram
		}
		declared := binary.BigEndian.Uint32(data[20:24])
		if int(declared) != len(data)-AudioHeaderSize {
			return kind, 0, ErrPayloadMismatch
		}
	default:
		return kind, 0, fmt.Errorf("%w: 0x%02x", ErrUnknownKind, kind)
	}
	return kind, binary.BigEndian.Uint32(data[1:5]), nil
}
