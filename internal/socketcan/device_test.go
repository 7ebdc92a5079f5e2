//go:build linux

package socketcan

import (
	"testing"

	"golang.org/x/sys/unix"

	"github.com/kstaniek/go-udstp/internal/can"
)

func TestPackUnpack(t *testing.T) {
	in, _ := can.New(0x18DAF110, []byte{0x03, 0x22, 0xF1, 0x90})
	var buf [unix.CAN_MTU]byte
	pack(buf[:], in)
	if buf[3] != 0x98 || buf[4] != 4 {
		t.Fatalf("unexpected header % X", buf[:8])
	}
	var out can.Frame
	if err := unpack(buf[:], &out); err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if out.String() != in.String() || !out.Extended() {
		t.Fatalf("got %s want %s", out, in)
	}
}

func TestUnpackRejectsBadDLC(t *testing.T) {
	var buf [unix.CAN_MTU]byte
	buf[4] = 9
	var out can.Frame
	if err := unpack(buf[:], &out); err == nil {
		t.Fatal("expected error for dlc 9")
	}
}
