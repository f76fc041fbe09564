package app

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/fairyhunter13/announcement-pipeline/internal/adapter/observability"
	"github.com/fairyhunter13/announcement-pipeline/internal/domain"
)

// QueueWorkerSpec names one ephemeral worker binary the WorkerSupervisor
// spawns on queue depth.
type QueueWorkerSpec struct {
	Queue         string
	Binary        string
	MaxConcurrent int
	CoolDown      time.Duration
	MaxRuntime    time.Duration
}

// child tracks one spawned worker process. waitDone is closed by a
// goroutine started at spawn time once cmd.Wait() returns, letting callers
// poll exit status without blocking on process I/O.
type child struct {
	queue     string
	cmd       *exec.Cmd
	startedAt time.Time
	logPath   string
	waitDone  chan struct{}
}

// Supervisor is the long-lived process manager: it samples queue depths
// on a fixed interval, spawns ephemeral workers per
// queue up to a per-queue concurrency cap with per-queue cool-down,
// collects child exit codes, reaps stale child logs, and keeps exactly one
// live DelayedQueueProcessor child.
type Supervisor struct {
	broker domain.QueueBroker
	specs  []QueueWorkerSpec
	logDir string
	binDir string

	tickInterval   time.Duration
	statusInterval time.Duration

	mu            sync.Mutex
	children      []*child
	lastSpawnedAt map[string]time.Time

	delayedQueueBinary string
	delayedQueueChild   *child

	lastStatusAt time.Time
}

// NewSupervisor builds a Supervisor that spawns workers named in specs plus
// one long-lived delayedQueueBinary child.
func NewSupervisor(broker domain.QueueBroker, specs []QueueWorkerSpec, delayedQueueBinary, logDir, binDir string, tickInterval, statusInterval time.Duration) *Supervisor {
	if tickInterval <= 0 {
		tickInterval = 5 * time.Second
	}
	if statusInterval <= 0 {
		statusInterval = 5 * time.Minute
	}
	return &Supervisor{
		broker:             broker,
		specs:              specs,
		logDir:             logDir,
		binDir:             binDir,
		tickInterval:       tickInterval,
		statusInterval:     statusInterval,
		lastSpawnedAt:      map[string]time.Time{},
		delayedQueueBinary: delayedQueueBinary,
	}
}

// Run loops every tickInterval until ctx is cancelled, terminating all
// children (with a 5s grace period) on the way out per the signal
// contract.
func (s *Supervisor) Run(ctx context.Context) {
	if err := os.MkdirAll(s.logDir, 0o755); err != nil {
		slog.Error("supervisor: failed to create worker log dir", slog.Any("error", err))
	}

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	s.ensureDelayedQueueProcessor()
	for {
		select {
		case <-ctx.Done():
			slog.Info("supervisor: shutting down, terminating children")
			s.terminateAll(5 * time.Second)
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Supervisor) tick(ctx context.Context) {
	s.reapExited()
	s.reapOverrun()
	s.ensureDelayedQueueProcessor()

	for _, spec := range s.specs {
		depth, err := s.broker.Len(ctx, spec.Queue)
		if err != nil {
			slog.Error("supervisor: failed to read queue depth", slog.String("queue", spec.Queue), slog.Any("error", err))
			continue
		}
		if depth == 0 {
			continue
		}
		s.maybeSpawn(spec, depth)
	}

	if time.Since(s.lastStatusAt) >= s.statusInterval {
		s.emitStatus(ctx)
		s.lastStatusAt = time.Now()
	}
}

func (s *Supervisor) maybeSpawn(spec QueueWorkerSpec, depth int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if last, ok := s.lastSpawnedAt[spec.Queue]; ok && time.Since(last) < spec.CoolDown {
		return
	}

	alive := 0
	for _, c := range s.children {
		if c.queue == spec.Queue {
			alive++
		}
	}
	want := int(depth)
	if want > spec.MaxConcurrent {
		want = spec.MaxConcurrent
	}
	need := want - alive
	for i := 0; i < need; i++ {
		c, err := s.spawn(spec)
		if err != nil {
			slog.Error("supervisor: failed to spawn worker", slog.String("queue", spec.Queue), slog.Any("error", err))
			continue
		}
		s.children = append(s.children, c)
	}
	if need > 0 {
		s.lastSpawnedAt[spec.Queue] = time.Now()
	}
}

func (s *Supervisor) spawn(spec QueueWorkerSpec) (*child, error) {
	binPath := filepath.Join(s.binDir, spec.Binary)
	outPath := filepath.Join(s.logDir, fmt.Sprintf("%s-%d.out.log", spec.Binary, time.Now().UnixNano()))
	errPath := filepath.Join(s.logDir, fmt.Sprintf("%s-%d.err.log", spec.Binary, time.Now().UnixNano()))

	outFile, err := os.Create(outPath)
	if err != nil {
		return nil, fmt.Errorf("op=supervisor.spawn.createout: %w", err)
	}
	errFile, err := os.Create(errPath)
	if err != nil {
		_ = outFile.Close()
		return nil, fmt.Errorf("op=supervisor.spawn.createerr: %w", err)
	}

	cmd := exec.Command(binPath)
	cmd.Stdout = outFile
	cmd.Stderr = errFile
	if err := cmd.Start(); err != nil {
		_ = outFile.Close()
		_ = errFile.Close()
		return nil, fmt.Errorf("op=supervisor.spawn.start: %w", err)
	}
	slog.Info("supervisor: spawned worker", slog.String("queue", spec.Queue), slog.Int("pid", cmd.Process.Pid))
	c := &child{queue: spec.Queue, cmd: cmd, startedAt: time.Now(), logPath: errPath, waitDone: make(chan struct{})}
	go func() {
		_ = cmd.Wait()
		_ = outFile.Close()
		_ = errFile.Close()
		close(c.waitDone)
	}()
	return c, nil
}

// ensureDelayedQueueProcessor keeps exactly one live DelayedQueueProcessor
// child.
func (s *Supervisor) ensureDelayedQueueProcessor() {
	if s.delayedQueueBinary == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.delayedQueueChild != nil && !exited(s.delayedQueueChild) {
		return
	}
	c, err := s.spawn(QueueWorkerSpec{Queue: "delayed_queue_processor", Binary: s.delayedQueueBinary, MaxConcurrent: 1})
	if err != nil {
		slog.Error("supervisor: failed to spawn delayed queue processor", slog.Any("error", err))
		return
	}
	s.delayedQueueChild = c
}

// reapExited polls (never blocking-waits) each tracked child; exited
// children have their stderr tail folded into the supervisor's log line.
func (s *Supervisor) reapExited() {
	s.mu.Lock()
	defer s.mu.Unlock()

	remaining := make([]*child, 0, len(s.children))
	for _, c := range s.children {
		if exited(c) {
			s.logExit(c)
			continue
		}
		remaining = append(remaining, c)
	}
	s.children = remaining

	if s.delayedQueueChild != nil && exited(s.delayedQueueChild) {
		s.logExit(s.delayedQueueChild)
		s.delayedQueueChild = nil
	}
}

// exited reports whether c's process has finished, without blocking.
func exited(c *child) bool {
	select {
	case <-c.waitDone:
		return true
	default:
		return false
	}
}

func (s *Supervisor) logExit(c *child) {
	tail := tailFile(c.logPath, 4096)
	slog.Info("supervisor: worker exited", slog.String("queue", c.queue), slog.String("tail", tail))
}

func tailFile(path string, n int64) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return ""
	}
	size := info.Size()
	if size > n {
		if _, err := f.Seek(size-n, 0); err != nil {
			return ""
		}
	}
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(f)
	return buf.String()
}

// reapOverrun terminates children whose age exceeds their spec's
// MaxRuntime: graceful signal first, force-kill after a 5s grace window.
func (s *Supervisor) reapOverrun() {
	s.mu.Lock()
	overrun := make([]*child, 0)
	for _, c := range s.children {
		spec := s.specFor(c.queue)
		if spec.MaxRuntime > 0 && time.Since(c.startedAt) > spec.MaxRuntime {
			overrun = append(overrun, c)
		}
	}
	s.mu.Unlock()

	for _, c := range overrun {
		terminateChild(c, 5*time.Second)
	}
}

func (s *Supervisor) specFor(queue string) QueueWorkerSpec {
	for _, spec := range s.specs {
		if spec.Queue == queue {
			return spec
		}
	}
	return QueueWorkerSpec{}
}

func terminateChild(c *child, grace time.Duration) {
	if c.cmd.Process == nil || exited(c) {
		return
	}
	_ = c.cmd.Process.Signal(os.Interrupt)
	select {
	case <-c.waitDone:
	case <-time.After(grace):
		_ = c.cmd.Process.Kill()
		<-c.waitDone
	}
}

// terminateAll is called on shutdown: every tracked child gets the same
// graceful-then-force-kill treatment.
func (s *Supervisor) terminateAll(grace time.Duration) {
	s.mu.Lock()
	children := append([]*child{}, s.children...)
	if s.delayedQueueChild != nil {
		children = append(children, s.delayedQueueChild)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range children {
		wg.Add(1)
		go func(c *child) {
			defer wg.Done()
			terminateChild(c, grace)
		}(c)
	}
	wg.Wait()
}

func (s *Supervisor) emitStatus(ctx context.Context) {
	s.mu.Lock()
	alive := len(s.children)
	s.mu.Unlock()

	depths := map[string]int64{}
	for _, spec := range s.specs {
		if n, err := s.broker.Len(ctx, spec.Queue); err == nil {
			depths[spec.Queue] = n
			observability.RecordQueueDepth(spec.Queue, n)
		}
	}
	slog.Info("supervisor: status", slog.Int("alive_children", alive), slog.Any("queue_depths", depths))
}
