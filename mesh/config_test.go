package mesh

import "testing"

func TestDefaultConfig(t *testing.T) {
	c := DefaultConfig()

	if c.NodeName == "" {
		t.Fatalf("expected a non-empty NodeName from the hostname")
	}
	if c.ProtocolVersion != ProtocolVersionMax {
		t.Fatalf("expected DefaultConfig to pin the newest protocol version")
	}
	if !c.EnableNameConflictResolution {
		t.Fatalf("expected name conflict resolution enabled by default")
	}
	if c.Tags == nil {
		t.Fatalf("expected a non-nil Tags map")
	}
}

func TestConfig_Logger(t *testing.T) {
	c := DefaultConfig()
	if l := c.logger(); l == nil {
		t.Fatalf("expected logger() to lazily build a logger when none is set")
	}
}
