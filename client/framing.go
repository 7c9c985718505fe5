package client

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/hashicorp/go-msgpack/codec"
)

const maxFrameSize = 8 << 20

var msgpackHandle = &codec.MsgpackHandle{}

type frameReader struct {
	r *bufio.Reader
}

func newFrameReader(r io.Reader) *frameReader {
	return &frameReader{r: bufio.NewReader(r)}
}

func (fr *frameReader) readFrame() ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(fr.r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("client: frame of %d bytes exceeds maximum of %d", n, maxFrameSize)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(fr.r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (fr *frameReader) decode(out interface{}) error {
	buf, err := fr.readFrame()
	if err != nil {
		return err
	}
	dec := codec.NewDecoderBytes(buf, msgpackHandle)
	return dec.Decode(out)
}

type frameWriter struct {
	w *bufio.Writer
}

func newFrameWriter(w io.Writer) *frameWriter {
	return &frameWriter{w: bufio.NewWriter(w)}
}

func encodeValue(v interface{}) ([]byte, error) {
	var buf []byte
	enc := codec.NewEncoderBytes(&buf, msgpackHandle)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf, nil
}

func (fw *frameWriter) writeFrames(vals ...interface{}) error {
	var out []byte
	for _, v := range vals {
		body, err := encodeValue(v)
		if err != nil {
			return err
		}
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
		out = append(out, lenBuf[:]...)
		out = append(out, body...)
	}
	if _, err := fw.w.Write(out); err != nil {
		return err
	}
	return fw.w.Flush()
}
