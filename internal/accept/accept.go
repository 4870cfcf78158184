// Package accept implements the daemon's connection acceptors: a local
// Unix-domain socket always, and an optional tsnet-backed remote TCP
// listener over the same framed protocol (§1, §4.A).
package accept

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"

	"tailscale.com/tsnet"

	"github.com/ccmux/ccmux/internal/ccmuxerr"
)

// ConnHandler processes one accepted connection until it closes. The
// acceptor does not interpret the protocol itself — that's
// internal/dispatcher's job, wired in by internal/daemon.
type ConnHandler func(ctx context.Context, conn net.Conn)

// LocalConfig configures the Unix-domain socket listener.
type LocalConfig struct {
	SocketPath string
}

// RemoteConfig configures the optional tsnet-backed remote listener.
type RemoteConfig struct {
	Enabled  bool
	Hostname string
	StateDir string
}

// Acceptor runs the local and (if enabled) remote listeners, dispatching
// each accepted connection to handle on its own goroutine.
type Acceptor struct {
	logger *slog.Logger

	local      net.Listener
	localPath  string
	remote     net.Listener
	tsServer   *tsnet.Server

	wg sync.WaitGroup
}

// Listen binds the local socket and, if remote.Enabled, the tsnet
// listener. The socket is created with 0600 permissions and any stale
// socket file left by an unclean shutdown is removed first.
func Listen(local LocalConfig, remote RemoteConfig, logger *slog.Logger) (*Acceptor, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(filepath.Dir(local.SocketPath), 0700); err != nil {
		return nil, ccmuxerr.IO("create socket directory", err)
	}
	if _, err := os.Stat(local.SocketPath); err == nil {
		os.Remove(local.SocketPath)
	}

	ln, err := net.Listen("unix", local.SocketPath)
	if err != nil {
		return nil, ccmuxerr.ConnectionWrap("listen on local socket", err)
	}
	if err := os.Chmod(local.SocketPath, 0600); err != nil {
		ln.Close()
		return nil, ccmuxerr.IO("chmod local socket", err)
	}

	a := &Acceptor{logger: logger, local: ln, localPath: local.SocketPath}

	if remote.Enabled {
		if err := a.startRemote(remote); err != nil {
			ln.Close()
			os.Remove(local.SocketPath)
			return nil, err
		}
	}

	return a, nil
}

func (a *Acceptor) startRemote(remote RemoteConfig) error {
	stateDir := remote.StateDir
	if stateDir == "" {
		return ccmuxerr.InvalidOperation("remote listener enabled with no state directory configured")
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return ccmuxerr.IO("create tsnet state directory", err)
	}

	hostname := remote.Hostname
	if hostname == "" {
		hostname = "ccmuxd"
	}

	a.tsServer = &tsnet.Server{
		Hostname: hostname,
		Dir:      stateDir,
		Logf:     func(format string, args ...any) { a.logger.Debug(fmt.Sprintf(format, args...)) },
	}

	ln, err := a.tsServer.Listen("tcp", ":7770")
	if err != nil {
		a.tsServer.Close()
		return ccmuxerr.ConnectionWrap("listen on tailnet", err)
	}
	a.remote = ln
	return nil
}

// Serve runs both accept loops (the remote one only if configured),
// dispatching each connection to handle on its own goroutine, until ctx
// is cancelled or Close is called. It blocks until every accept loop has
// returned.
func (a *Acceptor) Serve(ctx context.Context, handle ConnHandler) {
	a.wg.Add(1)
	go a.acceptLoop(ctx, a.local, "local", handle)

	if a.remote != nil {
		a.wg.Add(1)
		go a.acceptLoop(ctx, a.remote, "remote", handle)
	}

	a.wg.Wait()
}

func (a *Acceptor) acceptLoop(ctx context.Context, ln net.Listener, label string, handle ConnHandler) {
	defer a.wg.Done()
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				a.logger.Warn("accept error", "listener", label, "error", err)
				return
			}
		}
		go handle(ctx, conn)
	}
}

// Close shuts down both listeners and removes the local socket file.
func (a *Acceptor) Close() error {
	var firstErr error
	if a.local != nil {
		if err := a.local.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if a.remote != nil {
		if err := a.remote.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if a.tsServer != nil {
		if err := a.tsServer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if a.localPath != "" {
		os.Remove(a.localPath)
	}
	return firstErr
}
