package rpc

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/hashicorp/go-msgpack/codec"
)

// maxFrameSize bounds a single inbound frame, guarding against a
// malformed or hostile length prefix requesting an unbounded allocation.
const maxFrameSize = 8 << 20

var msgpackHandle = &codec.MsgpackHandle{}

// frameReader decodes the length-prefixed msgpack frames this protocol
// uses for every message in both directions: a 4-byte big-endian length
// followed by exactly that many bytes of msgpack-encoded value.
type frameReader struct {
	r *bufio.Reader
}

func newFrameReader(r io.Reader) *frameReader {
	return &frameReader{r: bufio.NewReader(r)}
}

func (f *frameReader) readFrame() ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(f.r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("rpc: frame of %d bytes exceeds limit", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(f.r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (f *frameReader) decode(out interface{}) error {
	buf, err := f.readFrame()
	if err != nil {
		return err
	}
	return codec.NewDecoderBytes(buf, msgpackHandle).Decode(out)
}

// frameWriter encodes and writes length-prefixed msgpack frames, one at a
// time, under an external write lock (writeFrames below serializes a
// header + optional body as a single atomic write).
type frameWriter struct {
	w *bufio.Writer
}

func newFrameWriter(w io.Writer) *frameWriter {
	return &frameWriter{w: bufio.NewWriter(w)}
}

// writeFrames encodes each of vals as its own msgpack value, concatenates
// their length-prefixed frames into one buffer, and writes + flushes that
// buffer in a single Write call so a header and its body can never be
// interleaved with another goroutine's frame on the same connection.
func (f *frameWriter) writeFrames(vals ...interface{}) error {
	var out []byte
	for _, v := range vals {
		buf, err := encodeValue(v)
		if err != nil {
			return err
		}
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(buf)))
		out = append(out, lenBuf[:]...)
		out = append(out, buf...)
	}
	if _, err := f.w.Write(out); err != nil {
		return err
	}
	return f.w.Flush()
}

func encodeValue(v interface{}) ([]byte, error) {
	var buf []byte
	enc := codec.NewEncoderBytes(&buf, msgpackHandle)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf, nil
}
