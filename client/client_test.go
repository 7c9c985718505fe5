package client

import (
	"net"
	"testing"
	"time"
)

// testServer speaks just enough of the wire protocol to drive a Client
// through a handshake plus a handful of request/response commands,
// without needing a real rpc.Server or mesh.Mesh behind it.
type testServer struct {
	ln net.Listener
}

func newTestServer(t *testing.T, handle func(fr *frameReader, fw *frameWriter, hdr requestHeader)) *testServer {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ts := &testServer{ln: ln}

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		fr := newFrameReader(conn)
		fw := newFrameWriter(conn)
		for {
			var hdr requestHeader
			if err := fr.decode(&hdr); err != nil {
				return
			}
			handle(fr, fw, hdr)
		}
	}()

	return ts
}

func (ts *testServer) addr() string { return ts.ln.Addr().String() }
func (ts *testServer) close()       { ts.ln.Close() }

// basicHandler implements handshake/auth acks plus whatever per-command
// response the test supplies.
func basicHandler(extra func(fr *frameReader, fw *frameWriter, hdr requestHeader) bool) func(*frameReader, *frameWriter, requestHeader) {
	return func(fr *frameReader, fw *frameWriter, hdr requestHeader) {
		switch hdr.Command {
		case handshakeCommand:
			var req handshakeRequest
			fr.decode(&req)
			fw.writeFrames(&responseHeader{Seq: hdr.Seq})
		case authCommand:
			var req authRequest
			fr.decode(&req)
			fw.writeFrames(&responseHeader{Seq: hdr.Seq})
		default:
			if extra == nil || !extra(fr, fw, hdr) {
				fw.writeFrames(&responseHeader{Seq: hdr.Seq, Error: "unsupported command"})
			}
		}
	}
}

func TestClient_CreateHandshake(t *testing.T) {
	ts := newTestServer(t, basicHandler(nil))
	defer ts.close()

	c, err := Create(&Config{Addr: ts.addr(), Timeout: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
}

func TestClient_CreateWithAuth(t *testing.T) {
	ts := newTestServer(t, basicHandler(nil))
	defer ts.close()

	c, err := Create(&Config{Addr: ts.addr(), AuthKey: "secret", Timeout: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
}

func TestClient_Members(t *testing.T) {
	ts := newTestServer(t, basicHandler(func(fr *frameReader, fw *frameWriter, hdr requestHeader) bool {
		if hdr.Command != membersCommand {
			return false
		}
		fw.writeFrames(&responseHeader{Seq: hdr.Seq})
		fw.writeFrames(&membersResponse{Members: []Member{
			{Name: "node1", Status: "alive"},
		}})
		return true
	}))
	defer ts.close()

	c, err := Create(&Config{Addr: ts.addr(), Timeout: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	members, err := c.Members()
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 1 || members[0].Name != "node1" {
		t.Fatalf("unexpected members: %+v", members)
	}
}

func TestClient_RequestError(t *testing.T) {
	ts := newTestServer(t, basicHandler(func(fr *frameReader, fw *frameWriter, hdr requestHeader) bool {
		if hdr.Command != leaveCommand {
			return false
		}
		fw.writeFrames(&responseHeader{Seq: hdr.Seq, Error: "boom"})
		return true
	}))
	defer ts.close()

	c, err := Create(&Config{Addr: ts.addr(), Timeout: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if err := c.Leave(); err == nil {
		t.Fatalf("expected an error from a server-side failure response")
	}
}

func TestClient_CloseFailsOutstandingRequests(t *testing.T) {
	// A server that accepts the handshake but then never answers the
	// next request, so Close must unblock it via shutdownCh.
	ts := newTestServer(t, basicHandler(func(fr *frameReader, fw *frameWriter, hdr requestHeader) bool {
		return hdr.Command == statsCommand // silently swallow it
	}))
	defer ts.close()

	c, err := Create(&Config{Addr: ts.addr(), Timeout: time.Second})
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := c.Stats()
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	c.Close()

	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("expected an error once the client closed with a pending request")
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for the pending request to unblock")
	}
}

func TestConfig_Timeout_Default(t *testing.T) {
	c := &Config{}
	if c.timeout() != 10*time.Second {
		t.Fatalf("expected a 10s default timeout, got %s", c.timeout())
	}

	c.Timeout = 5 * time.Second
	if c.timeout() != 5*time.Second {
		t.Fatalf("expected the configured timeout to be honored")
	}
}
