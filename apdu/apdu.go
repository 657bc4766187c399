package apdu

// APDU is an immutable outbound or inbound application protocol data unit.
// Frames are split lazily from Payload using the MTU supplied to Frames.
//
// PreventChunking forces the payload to be transmitted as a single raw frame
// regardless of MTU; it is used for the MTU-negotiation probe command, which
// the device expects verbatim.
type APDU struct {
	Payload         []byte
	PreventChunking bool
}

// New wraps payload bytes built from CLA INS P1 P2 [Lc DATA] [Le] fields
// already encoded by the caller.
func New(payload []byte) APDU {
	return APDU{Payload: payload}
}

// NewFromHex decodes a hex string into an APDU. Malformed hex yields an APDU
// with an empty payload rather than an error, so the zero value is always
// safe to chunk.
func NewFromHex(s string) APDU {
	b, err := HexToBytes(s)
	if err != nil {
		return APDU{}
	}
	return APDU{Payload: b}
}

// Frames returns the ordered BLE frames for this APDU at the given MTU. When
// PreventChunking is set, the payload is returned as a single frame with no
// framing header at all — the device-facing probe commands are fixed-layout
// and are not wrapped in the 0x05 tag scheme.
func (a APDU) Frames(mtu int) [][]byte {
	if a.PreventChunking {
		if len(a.Payload) == 0 {
			return nil
		}
		return [][]byte{append([]byte(nil), a.Payload...)}
	}
	return Chunk(a.Payload, mtu)
}

// InferMTU is the fixed probe command written immediately after notification
// subscription to learn the peripheral's negotiated MTU.
var InferMTU = APDU{
	Payload:         []byte{0x08, 0x00, 0x00, 0x00, 0x00},
	PreventChunking: true,
}

// StatusWord extracts the trailing two-byte status word from a reassembled
// response. ok is false when resp is shorter than two bytes.
func StatusWord(resp []byte) (word uint16, ok bool) {
	if len(resp) < 2 {
		return 0, false
	}
	return uint16(resp[len(resp)-2])<<8 | uint16(resp[len(resp)-1]), true
}

// Body returns resp with its trailing status word stripped.
func Body(resp []byte) []byte {
	if len(resp) < 2 {
		return nil
	}
	return resp[:len(resp)-2]
}
