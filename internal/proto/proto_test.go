package proto

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestChecksumSumsBytesAfterFirst(t *testing.T) {
	b := []byte{0x00, 0x80, 0x80, 0x05}
	if got := Checksum(b); got != 0x05 {
		t.Fatalf("Checksum = %#x, want 0x05 (0x80+0x80 wraps)", got)
	}
	if got := Checksum([]byte{0x12}); got != 0 {
		t.Fatalf("Checksum of lone byte = %#x", got)
	}
}

func TestAvailDataReqLayout(t *testing.T) {
	req := AvailDataReq{
		LastLQI:      200,
		LastRSSI:     -60,
		Temperature:  25,
		BatteryMv:    3000,
		HWType:       HWType,
		WakeReason:   0xFC,
		Capabilities: 0,
		SWVersion:    0x0102,
		Channel:      20,
	}
	b := req.Marshal()
	if len(b) != AvailDataReqLen {
		t.Fatalf("len = %d", len(b))
	}
	want := []byte{0, 200, 0xC4, 25, 0xB8, 0x0B, 0x35, 0xFC, 0, 0x02, 0x01, 20, 0, 0, 0, 0, 0, 0, 0, 0, 0}
	want[0] = Checksum(want)
	if diff := cmp.Diff(want, b); diff != "" {
		t.Fatalf("AvailDataReq bytes (-want +got):\n%s", diff)
	}
	got, err := DecodeAvailDataReq(b)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(req, got); diff != "" {
		t.Fatalf("decode (-want +got):\n%s", diff)
	}
}

func TestDecodeAvailDataInfoRejectsCorruption(t *testing.T) {
	info := AvailDataInfo{DataVersion: 0x1122334455667788, DataSize: 67200, DataType: 0x21, NextCheckIn: 15}
	b := info.Marshal()

	b[10] ^= 0x01
	if _, err := DecodeAvailDataInfo(b); !errors.Is(err, ErrChecksum) {
		t.Fatalf("corrupted frame: err = %v, want ErrChecksum", err)
	}
	if _, err := DecodeAvailDataInfo(b[:AvailDataInfoLen-1]); !errors.Is(err, ErrShortFrame) {
		t.Fatalf("short frame: err = %v, want ErrShortFrame", err)
	}
}

func TestBlockPartRejectsBadIndex(t *testing.T) {
	p := BlockPart{BlockID: 3, Index: 42}
	if _, err := DecodeBlockPart(p.Marshal()); err == nil {
		t.Fatal("expected error for part index 42")
	}
	p.Index = 41
	p.Data[0], p.Data[98] = 0xAA, 0x55
	got, err := DecodeBlockPart(p.Marshal())
	if err != nil {
		t.Fatal(err)
	}
	if got != p {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestBlockPartShortFinalPart(t *testing.T) {
	// Part 41 of a 4100-byte block holds only 4100-41*99 = 41 bytes.
	b := make([]byte, 3+41)
	b[1], b[2] = 5, 41
	for i := 3; i < len(b); i++ {
		b[i] = byte(i)
	}
	seal(b)

	got, err := DecodeBlockPart(b)
	if err != nil {
		t.Fatal(err)
	}
	want := BlockPart{BlockID: 5, Index: 41}
	copy(want.Data[:], b[3:])
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("short part (-want +got):\n%s", diff)
	}

	b[10] ^= 0xFF
	if _, err := DecodeBlockPart(b); !errors.Is(err, ErrChecksum) {
		t.Fatalf("corrupted short part: err = %v, want ErrChecksum", err)
	}
	if _, err := DecodeBlockPart(b[:2]); !errors.Is(err, ErrShortFrame) {
		t.Fatalf("header only: err = %v, want ErrShortFrame", err)
	}
}

func TestBlockRequestCarriesMissingMask(t *testing.T) {
	var have Parts
	for i := 0; i < 40; i++ {
		have.Set(i)
	}
	req := BlockRequest{Version: 7, BlockID: 2, Type: 0x21, Parts: have.Missing()}
	b := req.Marshal()
	if b[11] != 0 || b[15] != 0 || b[16] != 0x03 {
		t.Fatalf("request mask bytes = % x", b[11:17])
	}
	got, err := DecodeBlockRequest(b)
	if err != nil {
		t.Fatal(err)
	}
	if got.Parts.Count() != 2 || !got.Parts.Has(40) || !got.Parts.Has(41) {
		t.Fatalf("decoded mask = %v", got.Parts)
	}
}

func TestParts(t *testing.T) {
	var p Parts
	p.Set(-1)
	p.Set(42)
	if p.Count() != 0 {
		t.Fatal("out-of-range Set must be ignored")
	}
	for i := 0; i < PartsPerBlock; i++ {
		p.Set(i)
	}
	if !p.Complete() || p.Count() != 42 {
		t.Fatalf("Count = %d", p.Count())
	}
	if p.Missing() != (Parts{}) {
		t.Fatal("complete bitmap should have nothing missing")
	}
	// Stray high bits in the last byte are not parts.
	p[5] = 0xFF
	if p.Count() != 42 {
		t.Fatalf("Count with stray bits = %d", p.Count())
	}
}

func TestFrameRoundTrip(t *testing.T) {
	src := MAC{1, 2, 3, 4, 5, 6, 7, 8}
	dst := MAC{9, 10, 11, 12, 13, 14, 15, 16}

	bc := EncodeBroadcast(5, src, TypePing, EncodeAddress(src))
	if len(bc) != BroadcastHeaderLen+1+AddressPayloadLen {
		t.Fatalf("broadcast len = %d", len(bc))
	}
	f, err := ParseFrame(bc)
	if err != nil {
		t.Fatal(err)
	}
	want := Frame{Seq: 5, Broadcast: true, PAN: PANID, Dst: BroadcastMAC, Src: src, Type: TypePing, Payload: src[:]}
	if diff := cmp.Diff(want, f); diff != "" {
		t.Fatalf("broadcast frame (-want +got):\n%s", diff)
	}

	uc := EncodeUnicast(6, dst, src, TypeXferComplete, EncodeAddress(src))
	f, err = ParseFrame(uc)
	if err != nil {
		t.Fatal(err)
	}
	want = Frame{Seq: 6, PAN: PANID, Dst: dst, Src: src, Type: TypeXferComplete, Payload: src[:]}
	if diff := cmp.Diff(want, f); diff != "" {
		t.Fatalf("unicast frame (-want +got):\n%s", diff)
	}

	if _, err := ParseFrame([]byte{0x41, 0xCC, 0}); !errors.Is(err, ErrShortFrame) {
		t.Fatalf("short unicast: %v", err)
	}
	if _, err := ParseFrame([]byte{0x03, 0x00, 0, 0}); !errors.Is(err, ErrHeader) {
		t.Fatalf("bad fcs: %v", err)
	}
}

func TestParseMAC(t *testing.T) {
	m, err := ParseMAC("00:11:22:33:44:55:66:77")
	if err != nil {
		t.Fatal(err)
	}
	if m.String() != "00:11:22:33:44:55:66:77" {
		t.Fatalf("String = %s", m)
	}
	if _, err := ParseMAC("0011"); err == nil {
		t.Fatal("expected length error")
	}
	if !BroadcastMAC.IsBroadcast() || m.IsBroadcast() {
		t.Fatal("IsBroadcast")
	}
}

func TestBlockHeader(t *testing.T) {
	buf := make([]byte, BlockBufferSize)
	data := buf[BlockHeaderSize:]
	for i := range data {
		data[i] = byte(i)
	}
	h := BlockHeader{Size: BlockSize, Checksum: DataChecksum(data)}
	PutBlockHeader(buf, h)
	got, err := DecodeBlockHeader(buf)
	if err != nil {
		t.Fatal(err)
	}
	if got != h {
		t.Fatalf("header = %+v, want %+v", got, h)
	}
}
