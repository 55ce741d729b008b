package capture

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/embeddedbus/ecan/internal/can"
)

func TestAppendAndReadBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bus.cap")
	w, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	frames := []can.Frame{
		{CANID: 0x123, Len: 3, Data: [8]byte{1, 2, 3}},
		{CANID: 0x1ABCDE01 | can.CAN_EFF_FLAG, Len: 8, Data: [8]byte{9, 8, 7, 6, 5, 4, 3, 2}},
		{CANID: 0x055, Len: 0},
	}
	for i, fr := range frames {
		dir := DirRX
		if i%2 == 1 {
			dir = DirTX
		}
		if err := w.Append(dir, fr); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	recs, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(recs) != len(frames) {
		t.Fatalf("read %d records, want %d", len(recs), len(frames))
	}
	for i, rec := range recs {
		if rec.CANID != frames[i].CANID {
			t.Errorf("record %d: id %#x want %#x", i, rec.CANID, frames[i].CANID)
		}
		if !bytes.Equal(rec.Data, frames[i].Data[:frames[i].Len]) {
			t.Errorf("record %d: data %X want %X", i, rec.Data, frames[i].Data[:frames[i].Len])
		}
		if rec.When.IsZero() {
			t.Errorf("record %d: zero timestamp", i)
		}
	}
	if recs[0].Dir != DirRX || recs[1].Dir != DirTX {
		t.Errorf("directions %q/%q, want rx/tx", recs[0].Dir, recs[1].Dir)
	}
}

func TestTruncatedTailIsDropped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bus.cap")
	w, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := w.Append(DirRX, can.Frame{CANID: uint32(i), Len: 1, Data: [8]byte{byte(i)}}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile raw: %v", err)
	}
	// Chop mid-record to simulate a crash during the last write.
	recs, err := ReadAll(bytes.NewReader(raw[:len(raw)-2]))
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("read %d records from truncated capture, want 2", len(recs))
	}
}

func TestAppendAfterClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bus.cap")
	w, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := w.Append(DirRX, can.Frame{}); err != ErrClosed {
		t.Fatalf("Append after close: %v, want ErrClosed", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
