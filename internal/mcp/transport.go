package mcp

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/mcp-scooter/dbshell/internal/errs"
	"github.com/mcp-scooter/dbshell/internal/logger"
)

// Transport is the capability a Client drives: send one frame at a time,
// register a handler for incoming frames, and close. Two backends
// implement it: ProcessTransport (subprocess over stdio) and
// WASMTransport (in-process wazero module) — spec.md §9's "dynamic
// provider loading" re-architected as a small registry of compiled-in
// implementations rather than a runtime plugin load.
type Transport interface {
	SendFrame(msg Message) error
	OnFrame(handler func(Message))
	Close(ctx context.Context) error
}

// gracePeriod is how long Close waits for the child to exit on its own
// before force-killing it.
const gracePeriod = 3 * time.Second

// ProcessTransport spawns cfg's command as a subprocess and speaks the
// codec's framing over its stdin/stdout. Each stderr line is logged at
// WARN, tagged with SeverityMedium, when a logger is set; stderr is not
// passed to the error router, and with a nil logger the lines are
// discarded. Writes are serialized through writeMu so frames are never
// interleaved.
type ProcessTransport struct {
	cfg   ServerConfig
	codec *Codec
	log   *logger.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	writeMu sync.Mutex

	handlerMu sync.RWMutex
	handler   func(Message)

	closeOnce sync.Once
	readerDone chan struct{}
}

func NewProcessTransport(cfg ServerConfig, codec *Codec, log *logger.Logger) *ProcessTransport {
	return &ProcessTransport{cfg: cfg, codec: codec, log: log, readerDone: make(chan struct{})}
}

// Start spawns the child process and begins the reader task. It does not
// perform the MCP handshake — that is Client's job.
func (t *ProcessTransport) Start(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, t.cfg.Command, t.cfg.Args...)
	cmd.Env = t.cfg.Env
	if cmd.Env == nil {
		// A nil Env would make os/exec inherit the parent's environment.
		cmd.Env = []string{}
	}
	cmd.Dir = t.cfg.Dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return errs.New(errs.KindTransportSpawn, "create stdin pipe", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errs.New(errs.KindTransportSpawn, "create stdout pipe", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return errs.New(errs.KindTransportSpawn, "create stderr pipe", err)
	}

	if err := cmd.Start(); err != nil {
		return errs.New(errs.KindTransportSpawn, fmt.Sprintf("spawn %q", t.cfg.Command), err)
	}

	t.cmd = cmd
	t.stdin = stdin

	go t.surfaceStderr(stderr)
	go t.readLoop(stdout)

	return nil
}

func (t *ProcessTransport) surfaceStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if t.log != nil {
			t.log.Warn("mcp server stderr", map[string]any{
				"server":   t.cfg.Name,
				"severity": errs.SeverityMedium,
				"line":     scanner.Text(),
			})
		}
	}
}

func (t *ProcessTransport) readLoop(r io.Reader) {
	defer close(t.readerDone)
	_ = t.codec.DecodeStream(r, func(msg Message) error {
		t.handlerMu.RLock()
		h := t.handler
		t.handlerMu.RUnlock()
		if h != nil {
			h(msg)
		}
		return nil
	})
}

func (t *ProcessTransport) OnFrame(handler func(Message)) {
	t.handlerMu.Lock()
	t.handler = handler
	t.handlerMu.Unlock()
}

func (t *ProcessTransport) SendFrame(msg Message) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if t.stdin == nil {
		return errs.New(errs.KindTransportBroken, "transport not started", nil)
	}
	frame, err := t.codec.Encode(msg)
	if err != nil {
		return err
	}
	if _, err := t.stdin.Write(frame); err != nil {
		return errs.New(errs.KindTransportBroken, "write frame", err)
	}
	return nil
}

func (t *ProcessTransport) Close(ctx context.Context) error {
	var closeErr error
	t.closeOnce.Do(func() {
		if t.stdin != nil {
			t.stdin.Close()
		}
		if t.cmd == nil || t.cmd.Process == nil {
			return
		}

		done := make(chan error, 1)
		go func() { done <- t.cmd.Wait() }()

		select {
		case <-done:
		case <-time.After(gracePeriod):
			_ = t.cmd.Process.Kill()
			<-done
		}
	})
	return closeErr
}
