package slcan

import (
	"bytes"
	"testing"

	"github.com/embeddedbus/ecan/internal/can"
	"github.com/embeddedbus/ecan/internal/metrics"
)

// TestDecodeStreamMalformed ensures garbage lines and bells increment the
// malformed metric without stalling the stream.
func TestDecodeStreamMalformed(t *testing.T) {
	var buf bytes.Buffer
	codec := Codec{}
	before := metrics.Snap().Malformed

	buf.WriteString("t12G2AABB\r") // bad hex in ID
	buf.WriteString("t1239AA\r")   // DLC 9 out of range
	buf.WriteByte(0x07)            // adapter bell
	buf.Write(codec.Encode(can.Frame{CANID: 0x700, Len: 0}))

	var got int
	if err := codec.DecodeStream(&buf, func(_ can.Frame) { got++ }); err != nil {
		t.Fatalf("DecodeStream error: %v", err)
	}
	if got != 1 {
		t.Fatalf("decoded %d frames, want the one valid frame", got)
	}
	after := metrics.Snap().Malformed
	if after < before+3 {
		t.Fatalf("expected malformed metric to rise by 3, before=%d after=%d", before, after)
	}
}
