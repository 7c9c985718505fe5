package mesh

import (
	"testing"

	"github.com/hashicorp/memberlist"
)

func validNode() *memberlist.Node {
	return &memberlist.Node{
		Name: "node1",
		Addr: []byte{127, 0, 0, 1},
		Port: 7946,
	}
}

func TestValidateMemberInfo_Valid(t *testing.T) {
	if err := validateMemberInfo(validNode()); err != nil {
		t.Fatalf("expected a well-formed node to validate, got %v", err)
	}
}

func TestValidateMemberInfo_EmptyName(t *testing.T) {
	n := validNode()
	n.Name = ""
	if err := validateMemberInfo(n); err == nil {
		t.Fatalf("expected an error for an empty node name")
	}
}

func TestValidateMemberInfo_TooLongName(t *testing.T) {
	n := validNode()
	long := make([]byte, 129)
	for i := range long {
		long[i] = 'a'
	}
	n.Name = string(long)
	if err := validateMemberInfo(n); err == nil {
		t.Fatalf("expected an error for an overlong node name")
	}
}

func TestValidateMemberInfo_InvalidCharacters(t *testing.T) {
	n := validNode()
	n.Name = "bad name!"
	if err := validateMemberInfo(n); err == nil {
		t.Fatalf("expected an error for a node name with invalid characters")
	}
}

func TestValidateMemberInfo_InvalidAddress(t *testing.T) {
	n := validNode()
	n.Addr = []byte{1, 2} // not a valid 4 or 16 byte IP
	if err := validateMemberInfo(n); err == nil {
		t.Fatalf("expected an error for a malformed address")
	}
}

func TestValidateMemberInfo_OversizedMeta(t *testing.T) {
	n := validNode()
	n.Meta = make([]byte, memberlist.MetaMaxSize+1)
	if err := validateMemberInfo(n); err == nil {
		t.Fatalf("expected an error for oversized tag metadata")
	}
}

func TestNodeToMember(t *testing.T) {
	n := validNode()
	n.PMin, n.PMax, n.PCur = 1, 5, 5

	m, err := nodeToMember(n)
	if err != nil {
		t.Fatal(err)
	}
	if m.Name != "node1" || m.Port != 7946 {
		t.Fatalf("unexpected member: %+v", m)
	}
	if m.Status != StatusNone {
		t.Fatalf("expected StatusNone for a non-left node, got %v", m.Status)
	}
}

func TestNodeToMember_Left(t *testing.T) {
	n := validNode()
	n.State = memberlist.StateLeft

	m, err := nodeToMember(n)
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != StatusLeft {
		t.Fatalf("expected StatusLeft, got %v", m.Status)
	}
}
