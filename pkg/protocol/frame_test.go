package protocol

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"
)

func TestEncodeDataLayout(t *testing.T) {
	f := EncodeData([]byte("xyz"))
	want := []byte{'A', 0, 0, 0, 3, 'x', 'y', 'z'}
	if !bytes.Equal(f, want) {
		t.Fatalf("data frame % x", f)
	}
	if NextFrameLength(f) != len(f) {
		t.Fatalf("next length %d", NextFrameLength(f))
	}
	got, err := DecodeFrame(f)
	if err != nil || !got.IsData() || string(got.Data) != "xyz" {
		t.Fatalf("decode: %v %+v", err, got)
	}
}

func TestEncodeCommandLayout(t *testing.T) {
	f, err := EncodeCommand(1, CmdVersion, []byte("1"))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !bytes.Equal(f, []byte{'V', 0, 1, '1'}) {
		t.Fatalf("command frame % x", f)
	}
	got, err := DecodeFrame(f)
	if err != nil || got.Cmd != CmdVersion || string(got.Data) != "1" {
		t.Fatalf("decode: %v %+v", err, got)
	}
}

func TestEncodeCommandLegality(t *testing.T) {
	if _, err := EncodeCommand(0, CmdVersion, []byte("0")); !errors.Is(err, ErrIllegalCommand) {
		t.Fatalf("v0 'V': %v", err)
	}
	if _, err := EncodeCommand(1, CmdData, nil); !errors.Is(err, ErrIllegalCommand) {
		t.Fatalf("'A' as command: %v", err)
	}
	if _, err := EncodeCommand(1, 'Z', nil); !errors.Is(err, ErrIllegalCommand) {
		t.Fatalf("unknown command: %v", err)
	}
	if _, err := EncodeCommand(1, CmdKey, make([]byte, MaxCommandData+1)); !errors.Is(err, ErrIllegalCommand) {
		t.Fatalf("oversized: %v", err)
	}
	if _, err := EncodeCommand(1, CmdKey, make([]byte, MaxCommandData)); err != nil {
		t.Fatalf("max size: %v", err)
	}
	if !IsLegalCommand(2, CmdKey) || !IsLegalCommand(1, CmdVersion) || IsLegalCommand(0, CmdKey) {
		t.Fatalf("legality table mismatch")
	}
}

func TestNextFrameLengthPartialHeaders(t *testing.T) {
	if n := NextFrameLength([]byte{'A', 0, 0}); n <= 3 {
		t.Fatalf("short data header: %d", n)
	}
	if n := NextFrameLength([]byte{'V', 0}); n <= 2 {
		t.Fatalf("short command header: %d", n)
	}
	if n := NextFrameLength(nil); n <= 0 {
		t.Fatalf("empty: %d", n)
	}
	if n := NextFrameLength([]byte{'A', 0, 0, 1, 0}); n != 5+256 {
		t.Fatalf("data length: %d", n)
	}
}

func sampleFrames(t *testing.T) ([][]byte, []Frame) {
	t.Helper()
	var wire [][]byte
	var want []Frame
	add := func(b []byte) {
		f, err := DecodeFrame(b)
		if err != nil {
			t.Fatalf("decode sample: %v", err)
		}
		wire = append(wire, b)
		want = append(want, Frame{Cmd: f.Cmd, Data: append([]byte(nil), f.Data...)})
	}
	k, _ := EncodeCommand(1, CmdKey, []byte("secret"))
	v, _ := EncodeCommand(1, CmdVersion, []byte("1"))
	add(k)
	add(v)
	add(EncodeData(nil))
	add(EncodeData([]byte("short")))
	add(EncodeData(bytes.Repeat([]byte{0xAB}, 3000)))
	e, _ := EncodeCommand(1, CmdVersion, nil)
	add(e)
	return wire, want
}

func drain(t *testing.T, r *Reassembler) []Frame {
	t.Helper()
	var out []Frame
	for {
		f, ok, err := r.Next()
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if !ok {
			return out
		}
		out = append(out, Frame{Cmd: f.Cmd, Data: append([]byte(nil), f.Data...)})
	}
}

func sameFrames(a, b []Frame) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Cmd != b[i].Cmd || !bytes.Equal(a[i].Data, b[i].Data) {
			return false
		}
	}
	return true
}

func TestReassemblyAnyChunking(t *testing.T) {
	wire, want := sampleFrames(t)
	all := bytes.Join(wire, nil)

	whole := NewReassembler(0)
	whole.Feed(all)
	if got := drain(t, whole); !sameFrames(got, want) {
		t.Fatalf("whole-buffer decode mismatch")
	}
	if whole.Buffered() != 0 {
		t.Fatalf("leftover bytes: %d", whole.Buffered())
	}

	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 200; round++ {
		r := NewReassembler(0)
		var got []Frame
		for i := 0; i < len(all); {
			n := 1 + rng.Intn(64)
			if round%10 == 0 {
				n = 1
			}
			if i+n > len(all) {
				n = len(all) - i
			}
			r.Feed(all[i : i+n])
			i += n
			got = append(got, drain(t, r)...)
		}
		if !sameFrames(got, want) {
			t.Fatalf("round %d: chunked decode mismatch (%d frames)", round, len(got))
		}
	}
}

func TestReassemblyRejectsGarbage(t *testing.T) {
	r := NewReassembler(0)
	r.Feed([]byte{0x80, 0, 0})
	if _, _, err := r.Next(); !errors.Is(err, ErrRemoteBadFrame) {
		t.Fatalf("expected bad frame, got %v", err)
	}
	if r.Buffered() != 0 {
		t.Fatalf("buffer not reset")
	}

	limited := NewReassembler(64)
	limited.Feed(EncodeData(make([]byte, 100))[:10])
	if _, _, err := limited.Next(); !errors.Is(err, ErrRemoteBadFrame) {
		t.Fatalf("expected limit error, got %v", err)
	}
}

func TestReassemblyControlByteStaysInSync(t *testing.T) {
	r := NewReassembler(0)
	chunk := append([]byte{0x01, 0, 2, 'h', 'i'}, EncodeData([]byte("after"))...)
	r.Feed(chunk)
	f, ok, err := r.Next()
	if err != nil || !ok || f.Cmd != 0x01 || string(f.Data) != "hi" {
		t.Fatalf("control frame: %+v ok=%v err=%v", f, ok, err)
	}
	if IsLegalCommand(CurrentVersion, f.Cmd) {
		t.Fatalf("control byte reported as a legal command")
	}
	f, ok, err = r.Next()
	if err != nil || !ok || !f.IsData() || string(f.Data) != "after" {
		t.Fatalf("data frame after control frame: %+v ok=%v err=%v", f, ok, err)
	}
}
