package debuglog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Enabled reports whether MESH_DEBUG=1 is set.
func Enabled() bool {
	return os.Getenv("MESH_DEBUG") == "1"
}

type Options struct {
	// Verbose enables Debug entries. MESH_DEBUG=1 has the same effect.
	Verbose bool
	// Output receives every entry. Defaults to stderr.
	Output io.Writer
	// ErrorFile, when set, additionally receives Error entries and above.
	ErrorFile string
}

// New builds the node's console logger. The returned cleanup flushes the
// logger and closes the error file; call it once the logger is done.
func New(opts Options) (*zap.Logger, func(), error) {
	level := zapcore.InfoLevel
	if opts.Verbose || Enabled() {
		level = zapcore.DebugLevel
	}
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeTime = zapcore.TimeEncoderOfLayout(time.RFC3339)
	encoder := zapcore.NewConsoleEncoder(encCfg)

	cores := []zapcore.Core{
		zapcore.NewCore(encoder, zapcore.AddSync(out), level),
	}
	var errFile *os.File
	if opts.ErrorFile != "" {
		if err := os.MkdirAll(filepath.Dir(opts.ErrorFile), 0700); err != nil {
			return nil, nil, fmt.Errorf("create log dir: %w", err)
		}
		f, err := os.OpenFile(opts.ErrorFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
		if err != nil {
			return nil, nil, fmt.Errorf("open error log: %w", err)
		}
		errFile = f
		errLv := zap.LevelEnablerFunc(func(l zapcore.Level) bool { return l >= zapcore.ErrorLevel })
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(f), errLv))
	}
	log := zap.New(zapcore.NewTee(cores...))
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			_ = log.Sync()
			if errFile != nil {
				_ = errFile.Close()
			}
		})
	}
	return log, cleanup, nil
}

// RateLimiter lets one entry per key through per interval. Used to keep
// repetitive failures (unreachable peer, bad frame) out of the log.
type RateLimiter struct {
	mu    sync.Mutex
	last  map[string]time.Time
	sweep time.Time
	now   func() time.Time
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{last: make(map[string]time.Time), now: time.Now}
}

func (r *RateLimiter) Allow(key string, interval time.Duration) bool {
	if key == "" {
		return false
	}
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	if last, ok := r.last[key]; ok && now.Sub(last) < interval {
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

func (r *RateLimiter) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.last)
}
