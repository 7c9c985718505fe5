package mesh

import "testing"

func TestEncodeDecodeMessage(t *testing.T) {
	in := &messageJoin{LTime: 42, Node: "node1"}

	buf, err := encodeMessage(messageJoinType, in)
	if err != nil {
		t.Fatal(err)
	}
	if messageType(buf[0]) != messageJoinType {
		t.Fatalf("expected type byte %d, got %d", messageJoinType, buf[0])
	}

	var out messageJoin
	if err := decodeMessage(buf[1:], &out); err != nil {
		t.Fatal(err)
	}
	if out != *in {
		t.Fatalf("roundtrip mismatch: got %+v, want %+v", out, *in)
	}
}

func TestEncodeDecodeFilter(t *testing.T) {
	in := filterTag{Tag: "role", Expr: "^web$"}

	buf, err := encodeFilter(filterTagType, &in)
	if err != nil {
		t.Fatal(err)
	}

	var out filterTag
	if err := decodeFilter(buf, &out); err != nil {
		t.Fatal(err)
	}
	if out != in {
		t.Fatalf("roundtrip mismatch: got %+v, want %+v", out, in)
	}
}

func TestDecodeFilter_Truncated(t *testing.T) {
	if err := decodeFilter(nil, &filterTag{}); err != errTruncatedFilter {
		t.Fatalf("expected errTruncatedFilter, got %v", err)
	}
}

func TestMessageQuery_Flags(t *testing.T) {
	m := &messageQuery{Flags: queryFlagAck | queryFlagNoBroadcast}
	if !m.Ack() {
		t.Fatalf("expected Ack() to be true")
	}
	if !m.NoBroadcast() {
		t.Fatalf("expected NoBroadcast() to be true")
	}

	m2 := &messageQuery{}
	if m2.Ack() || m2.NoBroadcast() {
		t.Fatalf("expected no flags set on a zero-value query message")
	}
}

func TestMessageQueryResponse_Ack(t *testing.T) {
	m := &messageQueryResponse{Flags: queryFlagAck}
	if !m.Ack() {
		t.Fatalf("expected Ack() to be true")
	}
}
