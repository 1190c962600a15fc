package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mcp-scooter/dbshell/internal/audit"
	"github.com/mcp-scooter/dbshell/internal/command"
	"github.com/mcp-scooter/dbshell/internal/config"
	"github.com/mcp-scooter/dbshell/internal/errs"
	"github.com/mcp-scooter/dbshell/internal/eventbus"
	"github.com/mcp-scooter/dbshell/internal/logger"
	"github.com/mcp-scooter/dbshell/internal/mcp"
	"github.com/mcp-scooter/dbshell/internal/queue"
	"github.com/mcp-scooter/dbshell/internal/state"
)

// session wires every core component into one runnable runtime. It is
// built once (single-shot: before the one dispatch; REPL: before the
// read loop starts) and torn down on exit.
type session struct {
	cfg config.File
	env config.Environment

	log    *logger.Logger
	bus    *eventbus.Bus
	router *errs.Router
	codec  *mcp.Codec
	pool   *mcp.Pool
	state  *state.Store
	audit  *audit.Log
	proc   *command.Processor
	queue  *queue.Queue
}

var sess *session

func newSession() (*session, error) {
	env := config.LoadEnvironment()

	cfg := config.Default()
	path := cfgFile
	if path == "" {
		path = env.ConfigPath
	}
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}

	logDir := env.LogFile
	if logDir != "" {
		logDir = filepath.Dir(logDir)
	}
	log, err := logger.New(logDir)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	bus := eventbus.New()

	router := errs.NewRouter()
	router.Register(&errs.RateLimitStrategy{Default: time.Second})
	router.Register(&errs.NetworkRetryStrategy{MaxAttempts: 5, Initial: 200 * time.Millisecond, Multiplier: 2, MaxDelay: 10 * time.Second})
	router.Register(&errs.TimeoutRetryStrategy{MaxAttempts: 2, Delay: time.Second})

	codec := mcp.NewCodec(mcp.FramingNewlineJSON, nil)
	pool := mcp.NewPool(codec, log, bus)

	st := state.New()
	if cfg.State.PersistPath != "" {
		if warning, err := st.Load(cfg.State.PersistPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn("failed to load persisted state", map[string]any{"error": err.Error()})
		} else if warning != "" {
			log.Warn(warning, nil)
		}
	}

	auditPath := cfg.Audit.Path
	if env.AuditFile != "" {
		auditPath = env.AuditFile
	}
	al, err := audit.New(auditPath)
	if err != nil {
		return nil, fmt.Errorf("init audit log: %w", err)
	}
	if auditPath != "" {
		if warning, err := al.Load(auditPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn("failed to load persisted audit log", map[string]any{"error": err.Error()})
		} else if warning != "" {
			log.Warn(warning, nil)
		}
	}

	proc := command.NewProcessor()

	q := queue.New(queue.Config{
		Concurrency:  cfg.Queue.Concurrency,
		MaxQueueSize: cfg.Queue.MaxQueueSize,
		RateLimit:    cfg.Queue.RateLimit,
		Burst:        cfg.Queue.Burst,
	})

	s := &session{cfg: cfg, env: env, log: log, bus: bus, router: router, codec: codec, pool: pool, state: st, audit: al, proc: proc, queue: q}
	proc.Register("call", s.callBuiltin)

	for _, serverCfg := range cfg.ServerConfigs(env) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := pool.Add(ctx, serverCfg); err != nil {
			log.Warn("failed to connect configured server", map[string]any{"server": serverCfg.Name, "error": err.Error()})
		}
		cancel()
	}

	return s, nil
}

// callBuiltin adapts pool.CallTool into the command package's Builtin
// shape so tool invocations ride the same queue/timeout/cancel path as
// every other dispatched command.
func (s *session) callBuiltin(ctx context.Context, args []string) (command.Result, error) {
	if len(args) == 0 {
		return command.Result{}, errs.New(errs.KindInternal, "call requires a server:tool target", nil)
	}
	target := args[0]
	toolArgs := make(map[string]any, len(args)-1)
	for _, kv := range args[1:] {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				toolArgs[kv[:i]] = kv[i+1:]
				break
			}
		}
	}

	raw, err := s.pool.CallTool(ctx, target, toolArgs)
	if err != nil {
		return command.Result{}, err
	}
	return command.Result{Stdout: string(raw)}, nil
}

func (s *session) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.queue.Shutdown()
	s.pool.Shutdown(ctx)

	if s.cfg.State.PersistPath != "" {
		if err := s.state.Save(s.cfg.State.PersistPath); err != nil {
			s.log.Warn("failed to persist state", map[string]any{"error": err.Error()})
		}
	}
	if s.cfg.State.ExportYAML != "" {
		_ = s.state.ExportYAML(s.cfg.State.ExportYAML)
	}
	s.state.Close()
	s.audit.Close()
	s.log.Close()
}
