package apdu

import (
	"bytes"
	"math/rand"
	"testing"
	"testing/quick"
)

func TestChunkEmptyPayload(t *testing.T) {
	if got := Chunk(nil, 153); got != nil {
		t.Fatalf("Chunk(nil) = %v, want nil", got)
	}
}

func TestChunkDechunkRoundTrip(t *testing.T) {
	f := func(seed int64, mtu uint16) bool {
		mtuv := int(mtu)%505 + 8 // clamp into [8,512]
		r := rand.New(rand.NewSource(seed))
		n := r.Intn(2000) + 1
		payload := make([]byte, n)
		r.Read(payload)

		frames := Chunk(payload, mtuv)
		got, err := Dechunk(frames)
		if err != nil {
			t.Logf("mtu=%d n=%d err=%v", mtuv, n, err)
			return false
		}
		return bytes.Equal(got, payload)
	}
	if err := quick.Check(f, &quick.Config{MaxCount: 200}); err != nil {
		t.Fatal(err)
	}
}

func TestChunkFrameInvariants(t *testing.T) {
	payload := bytes.Repeat([]byte{0xAB}, 500)
	mtu := 153
	frames := Chunk(payload, mtu)
	if len(frames) != 4 {
		t.Fatalf("len(frames) = %d, want 4", len(frames))
	}
	for i, f := range frames {
		if f[0] != FrameTag {
			t.Fatalf("frame %d: tag = %#x, want %#x", i, f[0], FrameTag)
		}
		if len(f) > mtu {
			t.Fatalf("frame %d: len = %d exceeds mtu %d", i, len(f), mtu)
		}
	}
}

func TestChunkDeclaresLengthOnFirstFrame(t *testing.T) {
	payload := []byte{0x01, 0x02, 0x03}
	frames := Chunk(payload, 153)
	if len(frames) != 1 {
		t.Fatalf("len(frames) = %d, want 1", len(frames))
	}
	first := frames[0]
	declared := int(first[3])<<8 | int(first[4])
	if declared != len(payload) {
		t.Fatalf("declared length = %d, want %d", declared, len(payload))
	}
}

func TestChunkSaturatesLongPayloadLength(t *testing.T) {
	payload := bytes.Repeat([]byte{0x01}, 70000)
	frames := Chunk(payload, 512)
	declared := int(frames[0][3])<<8 | int(frames[0][4])
	if declared != 0xFFFF {
		t.Fatalf("declared length = %#x, want 0xFFFF", declared)
	}
}

func TestDechunkRejectsBadTag(t *testing.T) {
	frames := Chunk([]byte{0x01, 0x02}, 153)
	frames[0][0] = 0x06
	if _, err := Dechunk(frames); err == nil {
		t.Fatal("expected framing error for bad tag")
	}
}

func TestDechunkRejectsIndexGap(t *testing.T) {
	payload := bytes.Repeat([]byte{0xCC}, 500)
	frames := Chunk(payload, 153)
	frames = append(frames[:1], frames[2:]...) // drop frame index 1
	if _, err := Dechunk(frames); err == nil {
		t.Fatal("expected framing error for index gap")
	}
}

func TestDechunkEmpty(t *testing.T) {
	got, err := Dechunk(nil)
	if err != nil || got != nil {
		t.Fatalf("Dechunk(nil) = (%v, %v), want (nil, nil)", got, err)
	}
}

func TestAPDUFramesPreventChunking(t *testing.T) {
	frames := InferMTU.Frames(20)
	if len(frames) != 1 {
		t.Fatalf("len(frames) = %d, want 1", len(frames))
	}
	if !bytes.Equal(frames[0], InferMTU.Payload) {
		t.Fatalf("frame = %x, want raw payload %x", frames[0], InferMTU.Payload)
	}
}

func TestStatusWordAndBody(t *testing.T) {
	resp := []byte{0x01, 0x02, 0x90, 0x00}
	word, ok := StatusWord(resp)
	if !ok || word != 0x9000 {
		t.Fatalf("StatusWord = (%#x, %v), want (0x9000, true)", word, ok)
	}
	if got := Body(resp); !bytes.Equal(got, []byte{0x01, 0x02}) {
		t.Fatalf("Body = %x, want 0102", got)
	}
	if _, ok := StatusWord([]byte{0x01}); ok {
		t.Fatal("StatusWord on short response should report ok=false")
	}
}
