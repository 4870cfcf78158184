// Package daemon wires together every other internal package into the
// running ccmuxd process: startup recovery, periodic checkpointing,
// connection acceptance, protocol dispatch, and PTY process lifecycle
// (§1, §4).
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ccmux/ccmux/internal/accept"
	"github.com/ccmux/ccmux/internal/activity"
	"github.com/ccmux/ccmux/internal/ccmuxerr"
	"github.com/ccmux/ccmux/internal/checkpoint"
	"github.com/ccmux/ccmux/internal/config"
	"github.com/ccmux/ccmux/internal/dispatcher"
	"github.com/ccmux/ccmux/internal/model"
	"github.com/ccmux/ccmux/internal/ptyio"
	"github.com/ccmux/ccmux/internal/recovery"
	"github.com/ccmux/ccmux/internal/registry"
	"github.com/ccmux/ccmux/internal/sequencer"
	"github.com/ccmux/ccmux/internal/wal"
	"github.com/ccmux/ccmux/internal/wire"
)

// walSubdir/checkpointSubdir are the runtime directory layout under
// Config.RuntimeDir.
const (
	walSubdir        = "wal"
	checkpointSubdir = "checkpoint"
)

// Daemon owns every long-lived piece of server state: the recovered
// object model, the sequencer, the WAL, the client registry, the
// acceptor, and the set of live PTYs.
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger

	hub      *dispatcher.Hub
	acceptor *accept.Acceptor
	wal      *wal.WAL

	panesMu sync.Mutex
	panes   map[uuid.UUID]*ptyio.Handle

	shutdownOnce sync.Once
	doneCh       chan struct{}
}

// New recovers prior runtime state (if any) and assembles a Daemon ready
// to Serve. It does not bind any listener yet — call Listen before Serve.
func New(cfg *config.Config, logger *slog.Logger) (*Daemon, error) {
	if logger == nil {
		logger = slog.Default()
	}

	walDir := filepath.Join(cfg.RuntimeDir, walSubdir)
	checkpointDir := filepath.Join(cfg.RuntimeDir, checkpointSubdir)

	res, err := recovery.Recover(recovery.Options{
		CheckpointDir:      checkpointDir,
		WALDir:             walDir,
		ScrollbackLinesMax: cfg.ScrollbackLines,
		ScrollbackBytesMax: cfg.ScrollbackBytes,
	})
	if err != nil {
		return nil, fmt.Errorf("recover prior state: %w", err)
	}
	logger.Info("recovery complete",
		"had_checkpoint", res.HadCheckpoint,
		"replayed_events", res.ReplayedEvents,
		"resumed_seq", res.Seq,
	)

	w, err := wal.Open(walDir, cfg.WALSegmentBytes, cfg.WALBatchRecords, cfg.WALBatchInterval)
	if err != nil {
		return nil, fmt.Errorf("open write-ahead log: %w", err)
	}

	seq := sequencer.NewResumed(res.Seq, cfg.ReplayEvents, cfg.ReplayBytes)
	clients := registry.New(cfg.ClientQueueSize, cfg.ReconnectGrace)
	clients.SetHeartbeatTimeout(cfg.HeartbeatTimeout)
	detector := activity.NewOSCDetector()

	hub := dispatcher.NewHub(res.Manager, seq, clients, w, detector, logger)

	d := &Daemon{
		cfg:    cfg,
		logger: logger,
		hub:    hub,
		wal:    w,
		panes:  make(map[uuid.UUID]*ptyio.Handle),
		doneCh: make(chan struct{}),
	}
	hub.SpawnPane = d.spawnPane
	hub.KillPane = d.killPane

	if cfg.RespawnOnRecover {
		d.respawnRecoveredPanes(res.Manager)
	} else {
		for _, s := range res.Manager.ListSessions() {
			for _, w := range s.Windows() {
				for _, p := range w.Panes() {
					if p.StateTag != wire.PaneExited {
						_ = res.Manager.SetPaneState(p.ID, wire.PaneExited, activity.State{}, nil)
					}
				}
			}
		}
	}

	return d, nil
}

// Listen binds the local socket and, if configured, the remote tsnet
// listener. Must be called before Serve.
func (d *Daemon) Listen() error {
	a, err := accept.Listen(
		accept.LocalConfig{SocketPath: d.cfg.SocketPath},
		accept.RemoteConfig{
			Enabled:  d.cfg.RemoteEnabled,
			Hostname: d.cfg.RemoteHostname,
			StateDir: d.cfg.TSStateDir,
		},
		d.logger,
	)
	if err != nil {
		return err
	}
	d.acceptor = a
	return nil
}

// Serve runs the accept loop, the periodic checkpoint loop, and the
// registry eviction sweep until ctx is cancelled, then drains in-flight
// work and returns. It blocks until shutdown completes.
func (d *Daemon) Serve(ctx context.Context) error {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		d.acceptor.Serve(ctx, d.handleConn)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		d.checkpointLoop(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		d.sweepLoop(ctx)
	}()

	<-ctx.Done()
	d.shutdown()
	wg.Wait()
	close(d.doneCh)
	return nil
}

// Done reports when Serve has fully wound down.
func (d *Daemon) Done() <-chan struct{} {
	return d.doneCh
}

// handleConn drives one accepted connection's read loop and a paired
// writer goroutine draining its broadcast queue, until either direction
// errors or ctx is cancelled.
func (d *Daemon) handleConn(ctx context.Context, conn net.Conn) {
	codec := wire.NewCodec(conn, conn).WithMaxFrameSize(d.cfg.MaxFrameBytes)
	c := dispatcher.NewConn(d.hub)
	defer c.Close()
	defer conn.Close()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		// Outbound is nil until HandleMessage processes Connect and
		// registers the client; poll briefly until it's available rather
		// than selecting on a permanently-nil channel.
		var out <-chan []byte
		for out == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(10 * time.Millisecond):
				out = c.Outbound()
			}
		}
		for {
			select {
			case <-ctx.Done():
				return
			case payload := <-out:
				if err := codec.WriteRawServerPayload(payload); err != nil {
					return
				}
			}
		}
	}()

	for {
		msg, err := codec.ReadClientMessage()
		if err != nil {
			break
		}
		reply := c.HandleMessage(msg)
		if reply != nil {
			if err := codec.WriteServerMessage(reply); err != nil {
				break
			}
		}
	}
	<-writerDone
}

// spawnPane starts a real PTY-backed process for a newly created pane,
// wiring its output into scrollback/activity detection/broadcast and its
// exit into the pane's state.
func (d *Daemon) spawnPane(paneID uuid.UUID, cfg model.PaneConfig) error {
	shell := defaultShell()
	var env []string
	if _, _, s, err := d.hub.Manager.FindPane(paneID); err == nil {
		if vars, err := d.hub.Manager.Environment(s.ID); err == nil {
			for k, v := range vars {
				env = append(env, k+"="+v)
			}
		}
	}
	handle, err := ptyio.Spawn(ptyio.SpawnConfig{
		Command: shell,
		Dir:     cfg.Cwd,
		Env:     env,
		Rows:    cfg.Rows,
		Cols:    cfg.Cols,
	}, func(data []byte) {
		d.onPaneOutput(paneID, data)
	}, func(code *int) {
		d.onPaneExit(paneID, code)
	}, d.logger)
	if err != nil {
		return ccmuxerr.PTY("spawn shell", err)
	}

	d.panesMu.Lock()
	d.panes[paneID] = handle
	d.panesMu.Unlock()
	_ = d.hub.Manager.AttachPTY(paneID, handle)
	return nil
}

// killPane tears down a pane's PTY process, if one is running.
func (d *Daemon) killPane(paneID uuid.UUID) error {
	d.panesMu.Lock()
	handle, ok := d.panes[paneID]
	if ok {
		delete(d.panes, paneID)
	}
	d.panesMu.Unlock()
	if !ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return handle.Kill(ctx)
}

func (d *Daemon) onPaneOutput(paneID uuid.UUID, data []byte) {
	p, _, s, err := d.hub.Manager.FindPane(paneID)
	if err != nil {
		return
	}
	prior := p.Activity

	if err := d.hub.Manager.AppendOutput(paneID, data); err != nil {
		return
	}

	if state, changed := d.hub.Detector.Detect(data, prior); changed {
		if err := d.hub.Manager.SetPaneState(paneID, wire.PaneAgent, state, nil); err == nil {
			d.emit(s.ID, &wire.ServerMessage{
				Kind:   wire.ServerClaudeStateChanged,
				PaneID: paneID,
				State:  wire.PaneState{Tag: wire.PaneAgent, Activity: string(state.Label)},
			})
		}
	}

	d.emit(s.ID, &wire.ServerMessage{Kind: wire.ServerOutput, PaneID: paneID, Data: data})
}

func (d *Daemon) onPaneExit(paneID uuid.UUID, code *int) {
	_, _, s, err := d.hub.Manager.FindPane(paneID)
	if err != nil {
		return
	}
	if err := d.hub.Manager.SetPaneState(paneID, wire.PaneExited, activity.State{}, code); err != nil {
		return
	}
	d.emit(s.ID, &wire.ServerMessage{
		Kind:   wire.ServerPaneStateChanged,
		PaneID: paneID,
		State:  wire.PaneState{Tag: wire.PaneExited, ExitCode: code},
	})
}

func (d *Daemon) emit(sessionID uuid.UUID, msg *wire.ServerMessage) {
	if err := d.hub.Emit(sessionID, msg); err != nil {
		d.logger.Error("emit failed", "error", err)
	}
}

// respawnRecoveredPanes re-execs a command for every restored pane that
// isn't already marked exited, when configured to do so. Restored panes
// never carry a live PTY (checkpoint.PaneSnapshot doesn't persist one),
// so without this every pane recovered from a crash sits inert until a
// client sends input, which fails with "pane has no running process".
func (d *Daemon) respawnRecoveredPanes(m *model.Manager) {
	for _, s := range m.ListSessions() {
		for _, w := range s.Windows() {
			for _, p := range w.Panes() {
				if p.StateTag == wire.PaneExited {
					continue
				}
				cfg := model.PaneConfig{Rows: p.Rows, Cols: p.Cols, Cwd: p.Cwd, Direction: p.Direction}
				if err := d.spawnPane(p.ID, cfg); err != nil {
					d.logger.Warn("failed to respawn recovered pane", "pane_id", p.ID, "error", err)
				}
			}
		}
	}
}

// checkpointLoop takes a full snapshot on Config.CheckpointInterval (no
// faster than CheckpointMinInterval) and truncates WAL segments made
// obsolete by it.
func (d *Daemon) checkpointLoop(ctx context.Context) {
	interval := d.cfg.CheckpointInterval
	if interval < d.cfg.CheckpointMinInterval {
		interval = d.cfg.CheckpointMinInterval
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.takeCheckpoint()
		}
	}
}

func (d *Daemon) takeCheckpoint() {
	seq := d.hub.Seq.Current()
	segment := d.wal.ActiveSegment()
	snap := checkpoint.Build(d.hub.Manager, seq, segment)
	dir := filepath.Join(d.cfg.RuntimeDir, checkpointSubdir)
	if err := checkpoint.Write(dir, snap); err != nil {
		d.logger.Error("checkpoint write failed", "error", err)
		d.hub.SetReadOnly()
		return
	}
	if err := d.wal.TruncateBefore(segment); err != nil {
		d.logger.Warn("wal truncate failed", "error", err)
	}
	d.logger.Info("checkpoint written", "seq", seq, "segment", segment)
}

// sweepLoop periodically evicts clients that have sat Reconnecting past
// their grace period, marks clients Disconnected after missed heartbeats,
// and checks aggregate scrollback memory against the configured
// thresholds.
func (d *Daemon) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, id := range d.hub.Clients.SweepExpired() {
				d.logger.Info("evicted unresponsive client", "client_id", id)
			}
			for _, id := range d.hub.Clients.SweepHeartbeats() {
				d.logger.Warn("client missed heartbeat, marked disconnected", "client_id", id)
			}
			d.checkMemoryPressure()
		}
	}
}

// checkMemoryPressure sums every pane's scrollback footprint and logs
// when it crosses the configured warning/critical thresholds.
func (d *Daemon) checkMemoryPressure() {
	if d.cfg.MemoryWarningBytes <= 0 && d.cfg.MemoryCriticalBytes <= 0 {
		return
	}
	var total int64
	for _, s := range d.hub.Manager.ListSessions() {
		for _, w := range s.Windows() {
			for _, p := range w.Panes() {
				total += int64(p.Scrollback.SizeBytes())
			}
		}
	}
	switch {
	case d.cfg.MemoryCriticalBytes > 0 && total >= d.cfg.MemoryCriticalBytes:
		d.logger.Error("scrollback memory at critical threshold", "bytes", total, "critical_bytes", d.cfg.MemoryCriticalBytes)
	case d.cfg.MemoryWarningBytes > 0 && total >= d.cfg.MemoryWarningBytes:
		d.logger.Warn("scrollback memory at warning threshold", "bytes", total, "warning_bytes", d.cfg.MemoryWarningBytes)
	}
}

// shutdown stops accepting new work, kills every live PTY, and forces a
// final WAL flush, waiting up to Config.ShutdownDrain.
func (d *Daemon) shutdown() {
	d.shutdownOnce.Do(func() {
		if d.acceptor != nil {
			d.acceptor.Close()
		}

		d.panesMu.Lock()
		handles := make([]*ptyio.Handle, 0, len(d.panes))
		for _, h := range d.panes {
			handles = append(handles, h)
		}
		d.panesMu.Unlock()

		drain := d.cfg.ShutdownDrain
		if drain <= 0 {
			drain = 5 * time.Second
		}
		ctx, cancel := context.WithTimeout(context.Background(), drain)
		defer cancel()
		for _, h := range handles {
			_ = h.Kill(ctx)
		}

		if err := d.wal.Flush(); err != nil {
			d.logger.Error("final wal flush failed", "error", err)
		}
		if err := d.wal.Close(); err != nil {
			d.logger.Error("wal close failed", "error", err)
		}
	})
}

func defaultShell() string {
	if shell := os.Getenv("SHELL"); shell != "" {
		return shell
	}
	return "/bin/sh"
}
