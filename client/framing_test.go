package client

import (
	"bytes"
	"testing"
)

type framingTestMsg struct {
	A string
	B int
}

func TestFrameReaderWriter_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	fw := newFrameWriter(&buf)

	in := framingTestMsg{A: "hello", B: 42}
	if err := fw.writeFrames(&in); err != nil {
		t.Fatal(err)
	}

	fr := newFrameReader(&buf)
	var out framingTestMsg
	if err := fr.decode(&out); err != nil {
		t.Fatal(err)
	}
	if out != in {
		t.Fatalf("roundtrip mismatch: got %+v, want %+v", out, in)
	}
}

func TestFrameReader_OversizedFrameRejected(t *testing.T) {
	var buf bytes.Buffer
	var lenBuf [4]byte
	lenBuf[0] = 0xFF
	buf.Write(lenBuf[:])

	fr := newFrameReader(&buf)
	if _, err := fr.readFrame(); err == nil {
		t.Fatalf("expected an error reading a frame over maxFrameSize")
	}
}
