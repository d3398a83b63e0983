// Package daemon hosts the long-running metronome process: a singleton
// (flock-guarded) that owns the scheduler loop, watches the queue file for
// external edits, and answers control requests over a Unix socket.
package daemon

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/hkonno/metronome/internal/backoff"
	"github.com/hkonno/metronome/internal/cache"
	"github.com/hkonno/metronome/internal/events"
	"github.com/hkonno/metronome/internal/lock"
	"github.com/hkonno/metronome/internal/logging"
	"github.com/hkonno/metronome/internal/model"
	"github.com/hkonno/metronome/internal/scheduler"
	"github.com/hkonno/metronome/internal/session"
	"github.com/hkonno/metronome/internal/store"
	"github.com/hkonno/metronome/internal/uds"
)

// Daemon is the main metronome daemon process.
type Daemon struct {
	stateDir string
	config   model.Config
	logger   *logging.Logger
	logSink  io.Closer

	fileLock *lock.FileLock
	server   *uds.Server
	watcher  *fsnotify.Watcher
	ticker   *time.Ticker

	store *store.Store
	cache *cache.Cache
	ctrl  *backoff.Controller
	sched *scheduler.Scheduler
	bus   *events.Bus
	audit *events.AuditLogger

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown sync.Once

	forceExit atomic.Bool
}

// New creates a daemon rooted at stateDir (the .metronome directory). Logs
// rotate via lumberjack under stateDir/logs/.
func New(stateDir string, cfg model.Config) (*Daemon, error) {
	sink := &lumberjack.Logger{
		Filename:   filepath.Join(stateDir, "logs", "daemon.log"),
		MaxSize:    orDefault(cfg.Logging.MaxSizeMB, 10),
		MaxBackups: orDefault(cfg.Logging.MaxBackups, 5),
		MaxAge:     orDefault(cfg.Logging.MaxAgeDays, 14),
		Compress:   true,
	}
	logger := logging.New(sink, logging.ParseLevel(cfg.Logging.Level), "daemon")
	return newDaemon(stateDir, cfg, logger, sink)
}

// newDaemon is the internal constructor for testing.
func newDaemon(stateDir string, cfg model.Config, logger *logging.Logger, sink io.Closer) (*Daemon, error) {
	ctx, cancel := context.WithCancel(context.Background())

	scanInterval := cfg.Daemon.ScanIntervalSec
	if scanInterval <= 0 {
		scanInterval = 10
	}

	locks := lock.NewMutexMap()
	st, err := store.New(stateDir, cfg.Queue, locks, logger)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("init store: %w", err)
	}
	qc := cache.New(st, cfg.Queue, logger)
	ctrl, err := backoff.NewController(stateDir, cfg.Backoff, st, logger)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("init backoff controller: %w", err)
	}

	bus := events.NewBus(100)
	audit, err := events.NewAuditLogger(filepath.Join(stateDir, "logs", "audit.jsonl"))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("init audit log: %w", err)
	}
	audit.SubscribeAll(bus)

	sess := session.NewTmuxSession(cfg.Session, logger)
	retry := scheduler.NewRetryHandler(st, cfg.Retry, bus, logger)
	sched := scheduler.New(st, qc, ctrl, sess, retry, bus, cfg.Scheduler, logger)

	d := &Daemon{
		stateDir: stateDir,
		config:   cfg,
		logger:   logger,
		logSink:  sink,
		fileLock: lock.NewFileLock(filepath.Join(stateDir, "locks", "daemon.lock")),
		server:   uds.NewServer(filepath.Join(stateDir, uds.DefaultSocketName), logger),
		ticker:   time.NewTicker(time.Duration(scanInterval) * time.Second),
		store:    st,
		cache:    qc,
		ctrl:     ctrl,
		sched:    sched,
		bus:      bus,
		audit:    audit,
		ctx:      ctx,
		cancel:   cancel,
	}
	return d, nil
}

// Run starts the daemon and blocks until shutdown completes.
func (d *Daemon) Run() error {
	if err := os.MkdirAll(filepath.Join(d.stateDir, "locks"), 0755); err != nil {
		return fmt.Errorf("ensure locks dir: %w", err)
	}
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}
	d.logger.Infof("daemon_starting pid=%d state_dir=%s", os.Getpid(), d.stateDir)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		d.fileLock.Unlock()
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	d.watcher = watcher

	queueDir := filepath.Join(d.stateDir, "queue")
	if err := os.MkdirAll(queueDir, 0755); err != nil {
		d.cleanup()
		return fmt.Errorf("ensure queue dir: %w", err)
	}
	if err := watcher.Add(queueDir); err != nil {
		d.cleanup()
		return fmt.Errorf("watch %s: %w", queueDir, err)
	}

	d.registerHandlers()
	if err := d.server.Start(); err != nil {
		d.cleanup()
		return fmt.Errorf("start UDS server: %w", err)
	}

	d.wg.Add(3)
	go d.fsnotifyLoop()
	go d.tickerLoop()
	go func() {
		defer d.wg.Done()
		if err := d.sched.Run(d.ctx); err != nil {
			d.logger.Errorf("scheduler_exit error=%v", err)
			go d.Shutdown()
		}
	}()

	d.logger.Infof("daemon_ready")
	d.waitSignals()
	return nil
}

func (d *Daemon) registerHandlers() {
	d.server.Handle(uds.CmdPing, func(req *uds.Request) *uds.Response {
		return uds.SuccessResponse(map[string]string{"status": "ok"})
	})

	d.server.Handle(uds.CmdStatus, d.handleStatus)

	d.server.Handle(uds.CmdPause, func(req *uds.Request) *uds.Response {
		if err := d.store.SetPaused(true, "manual"); err != nil {
			return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
		}
		d.cache.Invalidate("manual_pause")
		d.bus.Publish(events.EventQueuePaused, map[string]interface{}{"reason": "manual"})
		return uds.SuccessResponse(map[string]string{"status": "paused"})
	})

	d.server.Handle(uds.CmdResume, func(req *uds.Request) *uds.Response {
		// Operator resume clears any pause, including active backoff.
		if err := d.ctrl.Resume(); err != nil {
			return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
		}
		if err := d.store.SetPaused(false, ""); err != nil {
			return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
		}
		d.cache.Invalidate("manual_resume")
		d.bus.Publish(events.EventQueueResumed, map[string]interface{}{"reason": "manual"})
		return uds.SuccessResponse(map[string]string{"status": "resumed"})
	})

	d.server.Handle(uds.CmdScan, func(req *uds.Request) *uds.Response {
		d.scan("requested")
		return uds.SuccessResponse(map[string]string{"status": "scanned"})
	})

	d.server.Handle(uds.CmdShutdown, func(req *uds.Request) *uds.Response {
		d.logger.Infof("shutdown_requested via=uds")
		go d.Shutdown()
		return uds.SuccessResponse(map[string]string{"status": "shutdown_accepted"})
	})
}

// StatusReport is the payload answered to a status request.
type StatusReport struct {
	Paused       bool                 `json:"paused"`
	PauseReason  string               `json:"pause_reason,omitempty"`
	StatusCounts map[model.Status]int `json:"status_counts"`
	Stats        model.QueueStats     `json:"stats"`
	Backoff      *model.BackoffState  `json:"backoff,omitempty"`
}

func (d *Daemon) handleStatus(req *uds.Request) *uds.Response {
	counts, err := d.cache.Stats()
	if err != nil {
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}
	paused, reason, err := d.cache.Paused()
	if err != nil {
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}
	doc, err := d.store.Load()
	if err != nil {
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}
	return uds.SuccessResponse(&StatusReport{
		Paused:       paused,
		PauseReason:  reason,
		StatusCounts: counts,
		Stats:        doc.Stats,
		Backoff:      d.ctrl.State(),
	})
}

// fsnotifyLoop invalidates the cache when the queue file changes on disk,
// typically an external edit or another CLI invocation.
func (d *Daemon) fsnotifyLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				d.logger.Debugf("fsnotify op=%s file=%s", event.Op, event.Name)
				d.cache.Invalidate("fsnotify")
			}
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.logger.Errorf("fsnotify_error error=%v", err)
		}
	}
}

// tickerLoop runs the periodic scan, a safety net for missed fsnotify events
// and backup retention.
func (d *Daemon) tickerLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-d.ticker.C:
			d.scan("periodic")
		}
	}
}

func (d *Daemon) scan(reason string) {
	d.logger.Debugf("scan reason=%s", reason)
	d.cache.Invalidate("scan_" + reason)
	retention := d.config.Queue.BackupRetentionDays
	if retention <= 0 {
		retention = 7
	}
	if _, err := d.store.PruneBackups(retention); err != nil {
		d.logger.Warnf("backup_prune_failed error=%v", err)
	}
}

// waitSignals blocks until a shutdown signal is received.
func (d *Daemon) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigCh
	d.logger.Infof("signal_received signal=%s", sig)

	// Second signal forces exit.
	go func() {
		<-sigCh
		d.logger.Warnf("second_signal_forcing_exit")
		d.forceExit.Store(true)
		os.Exit(1)
	}()

	d.Shutdown()
}

// Shutdown performs graceful shutdown (idempotent via sync.Once). The
// scheduler finishes or releases its in-flight task within the configured
// timeout; claimed tasks are released to pending by context cancellation.
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		d.logger.Infof("shutdown_started")

		d.cancel()
		d.ticker.Stop()
		if d.watcher != nil {
			d.watcher.Close()
		}
		if d.server != nil {
			d.server.Stop()
		}

		timeout := d.config.Daemon.ShutdownTimeoutSec
		if timeout <= 0 {
			timeout = 30
		}

		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			d.logger.Infof("goroutines_drained")
		case <-time.After(time.Duration(timeout) * time.Second):
			d.logger.Warnf("shutdown_timeout timeout_sec=%d", timeout)
		}

		d.cleanup()
		d.logger.Infof("daemon_stopped")
	})
}

func (d *Daemon) cleanup() {
	os.Remove(filepath.Join(d.stateDir, uds.DefaultSocketName))
	d.fileLock.Unlock()
	d.bus.Close()
	if d.audit != nil {
		d.audit.Close()
	}
	if d.logSink != nil {
		d.logSink.Close()
	}
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
