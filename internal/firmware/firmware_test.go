package firmware

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"epdtag/internal/model"
	"epdtag/internal/proto"
)

type memFetcher struct {
	image   []byte
	corrupt map[int]bool
	fail    map[int]bool
	calls   int
}

func (m *memFetcher) FetchBlock(_ context.Context, id int, _ model.CheckInResult, buf []byte) error {
	m.calls++
	if m.fail[id] {
		return errors.New("block incomplete")
	}
	for i := range buf {
		buf[i] = 0xFF
	}
	data := m.image[id*proto.BlockSize:]
	n := copy(buf[proto.BlockHeaderSize:], data)
	sum := proto.DataChecksum(buf[proto.BlockHeaderSize : proto.BlockHeaderSize+n])
	if m.corrupt[id] {
		sum++
	}
	proto.PutBlockHeader(buf, proto.BlockHeader{Size: uint16(n), Checksum: sum})
	return nil
}

type notifier struct{ sent int }

func (n *notifier) SendTransferComplete(context.Context) error {
	n.sent++
	return nil
}

// memSink is an in-memory staging area.
type memSink struct{ b []byte }

func (s *memSink) WriteAt(p []byte, off int64) (int, error) {
	return copy(s.b[off:], p), nil
}

func (s *memSink) ReadAt(p []byte, off int64) (int, error) {
	return copy(p, s.b[off:]), nil
}

func image(size int, sp, reset uint32) []byte {
	b := make([]byte, size)
	for i := range b {
		b[i] = byte(i * 3)
	}
	binary.LittleEndian.PutUint32(b[0:], sp)
	binary.LittleEndian.PutUint32(b[4:], reset)
	return b
}

func TestDownloadOK(t *testing.T) {
	img := image(10000, 0x20004000, 0x000010C1)
	f := &memFetcher{image: img}
	n := &notifier{}
	sink := &memSink{b: make([]byte, len(img))}
	info := model.CheckInResult{Size: uint32(len(img)), Type: model.DataTypeFirmware}

	res, err := Download(context.Background(), f, n, info, sink)
	if err != nil {
		t.Fatal(err)
	}
	want := Result{Size: 10000, Blocks: 3, SP: 0x20004000, Reset: 0x10C1}
	if diff := cmp.Diff(want, res); diff != "" {
		t.Fatalf("result (-want +got):\n%s", diff)
	}
	if !bytes.Equal(img, sink.b) {
		t.Fatal("staged bytes differ")
	}
	if n.sent != 1 {
		t.Fatalf("transfer complete sent %d times", n.sent)
	}
}

func TestDownloadFailures(t *testing.T) {
	good := image(9000, 0x20004000, 0x2000)
	tests := []struct {
		name    string
		img     []byte
		size    uint32
		corrupt map[int]bool
		fail    map[int]bool
		want    error
	}{
		{name: "empty", img: good, size: 0, want: ErrEmpty},
		{name: "too large", img: good, size: MaxSize + 1, want: ErrTooLarge},
		{name: "checksum", img: good, size: 9000, corrupt: map[int]bool{1: true}, want: ErrChecksum},
		{name: "bad sp", img: image(9000, 0x10000000, 0x2000), size: 9000, want: ErrVectors},
		{name: "bad reset", img: image(9000, 0x20004000, 0x30000), size: 9000, want: ErrVectors},
		{name: "zero reset", img: image(9000, 0x20004000, 0), size: 9000, want: ErrVectors},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &memFetcher{image: tt.img, corrupt: tt.corrupt, fail: tt.fail}
			n := &notifier{}
			sink := &memSink{b: make([]byte, len(tt.img))}
			info := model.CheckInResult{Size: tt.size, Type: model.DataTypeFirmware}
			if _, err := Download(context.Background(), f, n, info, sink); !errors.Is(err, tt.want) {
				t.Fatalf("Download() = %v, want %v", err, tt.want)
			}
			if n.sent != 0 {
				t.Fatal("transfer complete sent for a failed download")
			}
		})
	}
}

func TestDownloadAbortsOnIncompleteBlock(t *testing.T) {
	img := image(9000, 0x20004000, 0x2000)
	f := &memFetcher{image: img, fail: map[int]bool{0: true}}
	n := &notifier{}
	info := model.CheckInResult{Size: 9000, Type: model.DataTypeFirmware}
	if _, err := Download(context.Background(), f, n, info, &memSink{b: make([]byte, 9000)}); err == nil {
		t.Fatal("expected error")
	}
	if f.calls != 1 {
		t.Fatalf("kept fetching after a failed block: %d calls", f.calls)
	}
	if n.sent != 0 {
		t.Fatal("transfer complete sent")
	}
}
