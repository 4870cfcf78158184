package daemon

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/ccmux/ccmux/internal/config"
	"github.com/ccmux/ccmux/internal/wire"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.RuntimeDir = dir
	cfg.SocketPath = filepath.Join(dir, "ccmuxd.sock")
	cfg.CheckpointInterval = time.Hour
	cfg.CheckpointMinInterval = time.Hour
	cfg.ShutdownDrain = time.Second
	return cfg
}

func startDaemon(t *testing.T, cfg *config.Config) (*Daemon, context.CancelFunc) {
	t.Helper()
	d, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := d.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go d.Serve(ctx)
	return d, cancel
}

func dialAndConnect(t *testing.T, sockPath string) (net.Conn, *wire.Codec) {
	t.Helper()
	var conn net.Conn
	var err error
	for i := 0; i < 50; i++ {
		conn, err = net.Dial("unix", sockPath)
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	codec := wire.NewCodec(conn, conn)
	if err := codec.WriteClientMessage(&wire.ClientMessage{Kind: wire.ClientConnect, ProtocolVersion: wire.PROTOCOL_VERSION}); err != nil {
		t.Fatalf("write connect: %v", err)
	}
	reply, err := codec.ReadServerMessage()
	if err != nil {
		t.Fatalf("read connect reply: %v", err)
	}
	if reply.Kind != wire.ServerConnected {
		t.Fatalf("expected ServerConnected, got %+v", reply)
	}
	return conn, codec
}

func TestDaemonHandshakeAndCreateSession(t *testing.T) {
	cfg := testConfig(t)
	d, cancel := startDaemon(t, cfg)
	defer cancel()

	conn, codec := dialAndConnect(t, cfg.SocketPath)
	defer conn.Close()

	if err := codec.WriteClientMessage(&wire.ClientMessage{Kind: wire.ClientCreateSession, Name: "main"}); err != nil {
		t.Fatalf("write create session: %v", err)
	}
	reply, err := codec.ReadServerMessage()
	if err != nil {
		t.Fatalf("read create session reply: %v", err)
	}
	if reply.Kind != wire.ServerSessionCreated || reply.Session.Name != "main" {
		t.Fatalf("unexpected reply: %+v", reply)
	}

	cancel()
	select {
	case <-d.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("daemon did not shut down")
	}
}

func TestDaemonRecoversSessionAcrossRestart(t *testing.T) {
	cfg := testConfig(t)

	d1, cancel1 := startDaemon(t, cfg)
	conn, codec := dialAndConnect(t, cfg.SocketPath)
	if err := codec.WriteClientMessage(&wire.ClientMessage{Kind: wire.ClientCreateSession, Name: "recovered"}); err != nil {
		t.Fatalf("write create session: %v", err)
	}
	if _, err := codec.ReadServerMessage(); err != nil {
		t.Fatalf("read create session reply: %v", err)
	}
	conn.Close()
	cancel1()
	select {
	case <-d1.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("first daemon did not shut down")
	}

	d2, cancel2 := startDaemon(t, cfg)
	defer cancel2()

	conn2, codec2 := dialAndConnect(t, cfg.SocketPath)
	defer conn2.Close()

	if err := codec2.WriteClientMessage(&wire.ClientMessage{Kind: wire.ClientListSessions}); err != nil {
		t.Fatalf("write list sessions: %v", err)
	}
	reply, err := codec2.ReadServerMessage()
	if err != nil {
		t.Fatalf("read list sessions reply: %v", err)
	}
	if reply.Kind != wire.ServerSessionList || len(reply.Sessions) != 1 || reply.Sessions[0].Name != "recovered" {
		t.Fatalf("expected recovered session, got %+v", reply)
	}

	cancel2()
	select {
	case <-d2.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("second daemon did not shut down")
	}
}
