package mcp

import (
	"context"
	"io"
	"os"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/mcp-scooter/dbshell/internal/errs"
)

// WASMTransport hosts an MCP server distributed as a WASI .wasm module
// in-process, using it as the module's stdin/stdout instead of a pipe to
// a subprocess. It satisfies the same Transport interface as
// ProcessTransport, so Client does not need to know which backend it is
// driving — grounded on the teacher's WASMWorker, generalized from a
// one-shot tool executor into a persistent framed transport.
type WASMTransport struct {
	codec   *Codec
	runtime wazero.Runtime
	module  wazero.CompiledModule

	stdinW io.WriteCloser
	stdinR io.Reader
	stdoutW io.WriteCloser
	stdoutR io.Reader

	writeMu sync.Mutex

	handlerMu sync.RWMutex
	handler   func(Message)

	closeOnce sync.Once
}

func NewWASMTransport(ctx context.Context, codec *Codec, wasmPath string) (*WASMTransport, error) {
	runtime := wazero.NewRuntime(ctx)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		runtime.Close(ctx)
		return nil, errs.New(errs.KindTransportSpawn, "instantiate WASI", err)
	}

	data, err := os.ReadFile(wasmPath)
	if err != nil {
		runtime.Close(ctx)
		return nil, errs.New(errs.KindTransportSpawn, "read wasm module", err)
	}
	mod, err := runtime.CompileModule(ctx, data)
	if err != nil {
		runtime.Close(ctx)
		return nil, errs.New(errs.KindTransportSpawn, "compile wasm module", err)
	}

	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()

	return &WASMTransport{
		codec:   codec,
		runtime: runtime,
		module:  mod,
		stdinW:  stdinW,
		stdinR:  stdinR,
		stdoutW: stdoutW,
		stdoutR: stdoutR,
	}, nil
}

// Start instantiates the module, which for a standard stdio MCP server
// runs its whole request/response loop until the module exits or the
// transport is closed.
func (t *WASMTransport) Start(ctx context.Context) error {
	cfg := wazero.NewModuleConfig().
		WithStdin(t.stdinR).
		WithStdout(t.stdoutW).
		WithStderr(os.Stderr).
		WithArgs("mcp-server")

	go t.readLoop()

	go func() {
		if _, err := t.runtime.InstantiateModule(ctx, t.module, cfg); err != nil {
			t.stdoutW.Close()
		}
	}()
	return nil
}

func (t *WASMTransport) readLoop() {
	_ = t.codec.DecodeStream(t.stdoutR, func(msg Message) error {
		t.handlerMu.RLock()
		h := t.handler
		t.handlerMu.RUnlock()
		if h != nil {
			h(msg)
		}
		return nil
	})
}

func (t *WASMTransport) OnFrame(handler func(Message)) {
	t.handlerMu.Lock()
	t.handler = handler
	t.handlerMu.Unlock()
}

func (t *WASMTransport) SendFrame(msg Message) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	frame, err := t.codec.Encode(msg)
	if err != nil {
		return err
	}
	if _, err := t.stdinW.Write(frame); err != nil {
		return errs.New(errs.KindTransportBroken, "write frame to wasm module", err)
	}
	return nil
}

func (t *WASMTransport) Close(ctx context.Context) error {
	t.closeOnce.Do(func() {
		t.stdinW.Close()
		t.stdoutW.Close()
		t.runtime.Close(ctx)
	})
	return nil
}
