package rpc

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

func TestFrameReaderWriter_MultipleValuesOneWrite(t *testing.T) {
	var buf bytes.Buffer
	fw := newFrameWriter(&buf)

	hdr := framingTestMsg{A: "header", B: 1}
	body := framingTestMsg{A: "body", B: 2}
	if err := fw.writeFrames(&hdr, &body); err != nil {
		t.Fatal(err)
	}

	fr := newFrameReader(&buf)
	var gotHdr, gotBody framingTestMsg
	if err := fr.decode(&gotHdr); err != nil {
		t.Fatal(err)
	}
	if err := fr.decode(&gotBody); err != nil {
		t.Fatal(err)
	}
	if gotHdr != hdr || gotBody != body {
		t.Fatalf("roundtrip mismatch: got %+v / %+v", gotHdr, gotBody)
	}
}

func TestFrameReader_OversizedFrameRejected(t *testing.T) {
	var buf bytes.Buffer
	var lenBuf [4]byte
	lenBuf[0] = 0xFF // absurdly large length prefix
	buf.Write(lenBuf[:])

	fr := newFrameReader(&buf)
	if _, err := fr.readFrame(); err == nil {
		t.Fatalf("expected an error reading a frame over maxFrameSize")
	}
}

func TestFrameReader_TruncatedHeader(t *testing.T) {
	fr := newFrameReader(bytes.NewReader([]byte{0, 0}))
	if _, err := fr.readFrame(); err == nil {
		t.Fatalf("expected an error reading a truncated length prefix")
	}
}
