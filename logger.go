// logger.go
package CopperCore

import (
	"sync"

	"go.uber.org/zap"
)

var (
	logMu     sync.RWMutex
	pkgLogger = zap.NewNop()
)

// SetLogger 替换包内日志器，传入nil恢复为静默
func SetLogger(l *zap.Logger) {
	logMu.Lock()
	defer logMu.Unlock()
	if l == nil {
		l = zap.NewNop()
	}
	pkgLogger = l
}

func logger() *zap.Logger {
	logMu.RLock()
	defer logMu.RUnlock()
	return pkgLogger
}

// NewLogger 生产配置的zap日志器，verbose时输出debug
func NewLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return cfg.Build()
}
