package mesh

import (
	"testing"
	"time"
)

func TestEvalFilters_NodeName(t *testing.T) {
	names := filterNode{"foo", "bar"}
	raw, err := encodeFilter(filterNodeType, names)
	if err != nil {
		t.Fatal(err)
	}

	ok, err := evalFilters([][]byte{raw}, "foo", nil)
	if err != nil || !ok {
		t.Fatalf("expected foo to match, got ok=%v err=%v", ok, err)
	}

	ok, err = evalFilters([][]byte{raw}, "baz", nil)
	if err != nil || ok {
		t.Fatalf("expected baz not to match, got ok=%v err=%v", ok, err)
	}
}

func TestEvalFilters_Tag(t *testing.T) {
	ft := filterTag{Tag: "role", Expr: "web.*"}
	raw, err := encodeFilter(filterTagType, &ft)
	if err != nil {
		t.Fatal(err)
	}

	ok, err := evalFilters([][]byte{raw}, "foo", map[string]string{"role": "web1"})
	if err != nil || !ok {
		t.Fatalf("expected tag match, got ok=%v err=%v", ok, err)
	}

	ok, err = evalFilters([][]byte{raw}, "foo", map[string]string{"role": "db1"})
	if err != nil || ok {
		t.Fatalf("expected tag mismatch, got ok=%v err=%v", ok, err)
	}

	ok, err = evalFilters([][]byte{raw}, "foo", nil)
	if err != nil || ok {
		t.Fatalf("expected missing tag to fail the filter, got ok=%v err=%v", ok, err)
	}
}

func TestEvalFilters_Mixed(t *testing.T) {
	nameRaw, err := encodeFilter(filterNodeType, filterNode{"foo"})
	if err != nil {
		t.Fatal(err)
	}
	tagRaw, err := encodeFilter(filterTagType, &filterTag{Tag: "role", Expr: "web"})
	if err != nil {
		t.Fatal(err)
	}

	ok, err := evalFilters([][]byte{nameRaw, tagRaw}, "foo", map[string]string{"role": "web"})
	if err != nil || !ok {
		t.Fatalf("expected both clauses to match, got ok=%v err=%v", ok, err)
	}
}

func TestEvalFilters_UnknownType(t *testing.T) {
	if _, err := evalFilters([][]byte{{0xFE}}, "foo", nil); err == nil {
		t.Fatalf("expected an error for an unrecognized filter type byte")
	}
}

func TestQueryManager_Admit_Dedup(t *testing.T) {
	m := newQueryManager(128)
	m.witness(10)

	msg := &messageQuery{LTime: 5, ID: 1}
	if !m.admit(msg) {
		t.Fatalf("expected the first observation of (ltime, id) to be admitted")
	}
	if m.admit(msg) {
		t.Fatalf("expected a duplicate (ltime, id) to be rejected")
	}
}

func TestQueryManager_RegisterAndLookup(t *testing.T) {
	m := newQueryManager(128)
	qr := newQueryResponse(1, 42, time.Now().Add(50*time.Millisecond), false)
	m.register(qr)

	got, ok := m.lookup(1)
	if !ok || got != qr {
		t.Fatalf("expected to find the registered query response")
	}

	time.Sleep(100 * time.Millisecond)
	if !qr.Finished() {
		t.Fatalf("expected the query response to close once its deadline passed")
	}
	if _, ok := m.lookup(1); ok {
		t.Fatalf("expected the expired query to be removed from the active table")
	}
}

func TestQueryResponse_AdmitAck_Dedup(t *testing.T) {
	qr := newQueryResponse(1, 1, time.Now().Add(time.Second), true)
	if !qr.admitAck("node1") {
		t.Fatalf("expected the first ack from node1 to be admitted")
	}
	if qr.admitAck("node1") {
		t.Fatalf("expected a duplicate ack from node1 to be rejected")
	}
	if !qr.admitAck("node2") {
		t.Fatalf("expected the first ack from node2 to be admitted")
	}
}

func TestQueryResponse_AdmitResponse_ClosedRejectsAll(t *testing.T) {
	qr := newQueryResponse(1, 1, time.Now().Add(time.Second), false)
	qr.close()
	if qr.admitResponse("node1") {
		t.Fatalf("expected a closed query response to reject all responses")
	}
}

func TestQueryTimeout_ScalesWithClusterSize(t *testing.T) {
	base := queryTimeout(200*time.Millisecond, 16, 1)
	larger := queryTimeout(200*time.Millisecond, 16, 1000)
	if larger <= base {
		t.Fatalf("expected the timeout to grow with cluster size: base=%s larger=%s", base, larger)
	}
}
