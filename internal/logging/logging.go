package logging

import (
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a JSON logger on stderr. Debug mode drops the level floor and
// adds caller annotations.
func New(debug bool) *zap.Logger {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "time"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder

	level := zap.InfoLevel
	if debug {
		level = zap.DebugLevel
	}
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(cfg),
		zapcore.AddSync(os.Stderr),
		zap.NewAtomicLevelAt(level),
	)
	opts := []zap.Option{}
	if debug {
		opts = append(opts, zap.AddCaller())
	}
	return zap.New(core, opts...)
}

// Nop returns a discard logger for tests and embedders that bring their own.
func Nop() *zap.Logger {
	return zap.NewNop()
}

// RateLimited suppresses repeated debug lines per key within an interval, so
// hot receive paths stay quiet under sustained failure.
type RateLimited struct {
	mu    sync.Mutex
	last  map[string]time.Time
	sweep time.Time
}

func NewRateLimited() *RateLimited {
	return &RateLimited{last: make(map[string]time.Time), sweep: time.Now()}
}

// Allow reports whether the keyed event may be logged now.
func (r *RateLimited) Allow(key string, interval time.Duration) bool {
	if key == "" {
		return true
	}
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	if now.Sub(r.last[key]) < interval {
		return false
	}
	r.last[key] = now
	if now.Sub(r.sweep) > 2*interval {
		for k, ts := range r.last {
			if now.Sub(ts) > 4*interval {
				delete(r.last, k)
			}
		}
		r.sweep = now
	}
	return true
}
