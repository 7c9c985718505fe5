package mesh

import (
	"bytes"

	"github.com/hashicorp/go-msgpack/codec"
)

// tagMagicByte prefixes a multi-key tag map encoding so DecodeTags can tell
// it apart from the legacy single-string "role" encoding used by protocol
// versions before 3.
const tagMagicByte uint8 = 0xFF

// EncodeTags serializes a node's tag map into the bytes carried in the
// transport's opaque node-meta field. For protoVersion < 3 only the "role"
// tag survives, raw UTF-8, for compatibility with very old peers.
func EncodeTags(tags map[string]string, protoVersion uint8) ([]byte, error) {
	if protoVersion < 3 {
		return []byte(tags["role"]), nil
	}

	buf := &bytes.Buffer{}
	buf.WriteByte(tagMagicByte)
	enc := codec.NewEncoder(buf, msgpackHandle)
	if err := enc.Encode(tags); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeTags is the inverse of EncodeTags. A payload not beginning with the
// magic byte is treated as a legacy raw "role" string.
func DecodeTags(buf []byte) map[string]string {
	tags := make(map[string]string)

	if len(buf) == 0 {
		return tags
	}

	if buf[0] != tagMagicByte {
		tags["role"] = string(buf)
		return tags
	}

	r := bytes.NewReader(buf[1:])
	dec := codec.NewDecoder(r, msgpackHandle)
	if err := dec.Decode(&tags); err != nil {
		return make(map[string]string)
	}
	return tags
}
