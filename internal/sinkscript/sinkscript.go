//go:build !no_automation

// Package sinkscript implements a Lua-scripted devices.Sink: each device's
// simulated hardware effect is driven by a dedicated script rather than a
// Go-native sink. The VM-per-script shape, with a serializing commands
// channel and a cancelable lifecycle, is grounded on the teacher's
// internal/automation.Engine's scriptVM (SPEC_FULL.md §6e).
package sinkscript

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	lua "github.com/yuin/gopher-lua"
)

// Sink runs one Lua VM per device, loaded from <scriptsDir>/<serial>.lua.
// Scripts register on_rgbw(r,g,b,w) and/or on_digital_input(channel, high)
// global functions; either may be omitted, in which case that effect is a
// no-op for this device.
type Sink struct {
	logger *slog.Logger

	state    *lua.LState
	commands chan func(*lua.LState)
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// Load reads <scriptsDir>/<serial>.lua, starts its VM, and returns a Sink
// bound to it. If the file doesn't exist, Load returns a Sink that silently
// drops every effect (matching the teacher's "disabled feature" stub shape).
func Load(scriptsDir string, serial uint32, logger *slog.Logger) (*Sink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "sinkscript", "serial", fmt.Sprintf("%08X", serial))

	path := filepath.Join(scriptsDir, fmt.Sprintf("%08x.lua", serial))
	src, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Debug("no sink script, effects will be dropped", "path", path)
			return &Sink{logger: logger}, nil
		}
		return nil, fmt.Errorf("sinkscript: read %s: %w", path, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Sink{
		logger:   logger,
		state:    lua.NewState(),
		commands: make(chan func(*lua.LState), 16),
		ctx:      ctx,
		cancel:   cancel,
	}

	if err := s.state.DoString(string(src)); err != nil {
		cancel()
		s.state.Close()
		return nil, fmt.Errorf("sinkscript: load %s: %w", path, err)
	}

	s.wg.Add(1)
	go s.run()
	return s, nil
}

func (s *Sink) run() {
	defer s.wg.Done()
	for {
		select {
		case cmd := <-s.commands:
			cmd(s.state)
		case <-s.ctx.Done():
			return
		}
	}
}

// ApplyRGBW calls the script's on_rgbw(r,g,b,w) global, if defined.
func (s *Sink) ApplyRGBW(r, g, b, w uint8) {
	s.dispatch("on_rgbw", func(L *lua.LState, fn *lua.LFunction) {
		if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true},
			lua.LNumber(r), lua.LNumber(g), lua.LNumber(b), lua.LNumber(w)); err != nil {
			s.logger.Error("on_rgbw failed", "err", err)
		}
	})
}

// ApplyDigitalInput calls the script's on_digital_input(channel, high)
// global, if defined.
func (s *Sink) ApplyDigitalInput(channel int, high bool) {
	s.dispatch("on_digital_input", func(L *lua.LState, fn *lua.LFunction) {
		if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true},
			lua.LNumber(channel), lua.LBool(high)); err != nil {
			s.logger.Error("on_digital_input failed", "err", err)
		}
	})
}

func (s *Sink) dispatch(global string, call func(*lua.LState, *lua.LFunction)) {
	if s.state == nil {
		return
	}
	select {
	case s.commands <- func(L *lua.LState) {
		fn, ok := L.GetGlobal(global).(*lua.LFunction)
		if !ok {
			return
		}
		call(L, fn)
	}:
	case <-s.ctx.Done():
	}
}

// Close stops the VM goroutine and releases the Lua state.
func (s *Sink) Close() {
	if s.state == nil {
		return
	}
	s.cancel()
	s.wg.Wait()
	s.state.Close()
}
