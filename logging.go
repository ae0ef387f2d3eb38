package loopcore

import (
	"os"
	"strconv"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// envLogLevel is the environment variable consulted by defaultLogger, set to
// a numeric logiface.Level (e.g. "7" for LevelDebug). Unset or unparseable
// values fall back to logiface's own default (LevelInformational).
const envLogLevel = "LOOPCORE_LOG_LEVEL"

// defaultLogger builds the package default structured logger: JSON lines
// written to stderr via stumpy, logiface's companion writer backend, at a
// level configurable via LOOPCORE_LOG_LEVEL without requiring a full config
// file format for a library with this few knobs.
func defaultLogger() *logiface.Logger[*stumpy.Event] {
	opts := []logiface.Option[*stumpy.Event]{
		stumpy.L.WithStumpy(stumpy.WithWriter(os.Stderr)),
	}
	if raw := os.Getenv(envLogLevel); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			opts = append(opts, stumpy.L.WithLevel(logiface.Level(n)))
		}
	}
	return stumpy.L.New(opts...)
}

// fields the driver attaches to its structured log lines.
const (
	fieldDriverID   = "driver_id"
	fieldCallbackID = "callback_id"
	fieldKind       = "kind"
	fieldTick       = "tick"
)

// logAt returns a Builder pre-populated with this Driver's identity and
// current tick count, or nil if the level is disabled — callers chain
// further fields directly, the chain is nil-safe throughout.
func (d *Driver) logAt(build func() *logiface.Builder[*stumpy.Event]) *logiface.Builder[*stumpy.Event] {
	return build().
		Int64(fieldDriverID, int64(d.id)).
		Int64(fieldTick, int64(d.tickCount))
}

func (d *Driver) logCallback(b *logiface.Builder[*stumpy.Event], id CallbackID, kind Kind) *logiface.Builder[*stumpy.Event] {
	return b.Str(fieldCallbackID, string(id)).Str(fieldKind, kind.String())
}
