package apdu

import "encoding/binary"

// FrameTag is the fixed first byte of every BLE frame emitted or consumed by
// this codec.
const FrameTag = 0x05

// firstFrameHeaderSize is tag(1) + index(2) + length(2).
const firstFrameHeaderSize = 5

// contFrameHeaderSize is tag(1) + index(2).
const contFrameHeaderSize = 3

// MinMTU and MaxMTU bound the negotiated MTU accepted from a device.
const (
	MinMTU = 20
	MaxMTU = 512
)

// Chunk splits payload into an ordered sequence of BLE frames no larger than
// mtu bytes each. An empty payload produces an empty frame list. The first
// frame carries a big-endian uint16 length prefix (saturated to 0xFFFF for
// payloads longer than that); every frame carries a big-endian frame index
// starting at zero.
func Chunk(payload []byte, mtu int) [][]byte {
	if len(payload) == 0 {
		return nil
	}

	firstCap := mtu - firstFrameHeaderSize
	if firstCap < 1 {
		firstCap = 1
	}
	contCap := mtu - contFrameHeaderSize
	if contCap < 1 {
		contCap = 1
	}

	declaredLen := len(payload)
	if declaredLen > 0xFFFF {
		declaredLen = 0xFFFF
	}

	var frames [][]byte
	offset := 0
	index := uint16(0)
	for offset < len(payload) || index == 0 {
		var chunkCap int
		var headerSize int
		if index == 0 {
			chunkCap = firstCap
			headerSize = firstFrameHeaderSize
		} else {
			chunkCap = contCap
			headerSize = contFrameHeaderSize
		}

		end := offset + chunkCap
		if end > len(payload) {
			end = len(payload)
		}
		chunk := payload[offset:end]

		frame := make([]byte, headerSize+len(chunk))
		frame[0] = FrameTag
		binary.BigEndian.PutUint16(frame[1:3], index)
		if index == 0 {
			binary.BigEndian.PutUint16(frame[3:5], uint16(declaredLen))
		}
		copy(frame[headerSize:], chunk)
		frames = append(frames, frame)

		offset = end
		index++

		if offset >= len(payload) {
			break
		}
	}
	return frames
}

// Dechunk reassembles an ordered sequence of inbound BLE frames into the
// original payload. It returns a FramingError for a bad tag, a gap or
// regression in frame index, a header that is too short, or a frame that
// arrives after the declared length has already been reached. Surplus bytes
// inside the last frame are discarded. A declared length of 0xFFFF is treated
// as saturated: every frame's bytes are kept, so payloads longer than 0xFFFF
// still round-trip.
func Dechunk(frames [][]byte) ([]byte, error) {
	if len(frames) == 0 {
		return nil, nil
	}

	first := frames[0]
	if len(first) < firstFrameHeaderSize {
		return nil, &FramingError{Reason: "first frame shorter than header"}
	}
	if first[0] != FrameTag {
		return nil, &FramingError{Reason: "first frame has wrong tag"}
	}
	if idx := binary.BigEndian.Uint16(first[1:3]); idx != 0 {
		return nil, &FramingError{Reason: "first frame has non-zero index"}
	}
	declaredLen := int(binary.BigEndian.Uint16(first[3:5]))
	saturated := declaredLen == 0xFFFF

	out := make([]byte, 0, declaredLen)
	out = append(out, first[firstFrameHeaderSize:]...)

	prevIndex := uint16(0)
	for _, f := range frames[1:] {
		if !saturated && len(out) >= declaredLen {
			return nil, &FramingError{Reason: "frame beyond declared length"}
		}
		if len(f) < contFrameHeaderSize {
			return nil, &FramingError{Reason: "continuation frame shorter than header"}
		}
		if f[0] != FrameTag {
			return nil, &FramingError{Reason: "continuation frame has wrong tag"}
		}
		idx := binary.BigEndian.Uint16(f[1:3])
		if idx != prevIndex+1 {
			return nil, &FramingError{Reason: "continuation frame index out of order"}
		}
		prevIndex = idx
		out = append(out, f[contFrameHeaderSize:]...)
	}

	if !saturated && len(out) > declaredLen {
		out = out[:declaredLen]
	}
	return out, nil
}

// IsComplete reports whether accumulated reassembled bytes have reached the
// length declared by the first frame.
func IsComplete(frames [][]byte, accumulated int) bool {
	if len(frames) == 0 {
		return false
	}
	first := frames[0]
	if len(first) < firstFrameHeaderSize {
		return false
	}
	declaredLen := int(binary.BigEndian.Uint16(first[3:5]))
	return accumulated >= declaredLen
}
