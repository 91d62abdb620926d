//go:build no_automation

package sinkscript

import "log/slog"

// Sink is a no-op stub when automation is disabled.
type Sink struct{}

// Load returns a no-op Sink when automation is disabled.
func Load(_ string, _ uint32, _ *slog.Logger) (*Sink, error) {
	return &Sink{}, nil
}

func (s *Sink) ApplyRGBW(r, g, b, w uint8)            {}
func (s *Sink) ApplyDigitalInput(channel int, high bool) {}

// Close is a no-op.
func (s *Sink) Close() {}
