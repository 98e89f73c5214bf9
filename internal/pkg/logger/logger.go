package logger

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Level = zapcore.Level

const (
	LevelDebug = zapcore.DebugLevel
	LevelInfo  = zapcore.InfoLevel
	LevelWarn  = zapcore.WarnLevel
	LevelError = zapcore.ErrorLevel
	LevelFatal = zapcore.FatalLevel
)

// 全局 logger 状态。Init 可重复调用，旧实例在替换后 flush。
// 未初始化时所有入口返回 nop logger，库代码无需判空。
type loggerState struct {
	mu      sync.RWMutex
	base    *zap.Logger
	undoStd func()
}

var (
	state         loggerState
	bootstrapOnce sync.Once
)

// InitBootstrap 在配置加载前提供一个可用的控制台 logger。
func InitBootstrap() {
	bootstrapOnce.Do(func() {
		if err := Init(bootstrapOptions()); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "logger bootstrap init failed: %v\n", err)
		}
	})
}

// Init 按配置重建全局 logger，并把标准库 log 与 slog 桥接过来。
func Init(options InitOptions) error {
	opts := options.normalized()
	zl, err := assembleLogger(opts)
	if err != nil {
		return err
	}

	state.mu.Lock()
	prev := state.base
	state.base = zl

	if state.undoStd != nil {
		state.undoStd()
		state.undoStd = nil
	}
	log.SetFlags(0)
	log.SetPrefix("")
	if undo, redirErr := zap.RedirectStdLogAt(zl.Named("stdlog"), zap.InfoLevel); redirErr == nil {
		state.undoStd = undo
	} else {
		_, _ = fmt.Fprintf(os.Stderr, "logger redirect stdlog failed: %v\n", redirErr)
	}
	slog.SetDefault(slog.New(newSlogZapHandler(zl.Named("slog"))))
	state.mu.Unlock()

	if prev != nil {
		_ = prev.Sync()
	}
	return nil
}

func L() *zap.Logger {
	state.mu.RLock()
	defer state.mu.RUnlock()
	if state.base == nil {
		return zap.NewNop()
	}
	return state.base
}

func With(fields ...zap.Field) *zap.Logger {
	return L().With(fields...)
}

func Sync() {
	state.mu.RLock()
	l := state.base
	state.mu.RUnlock()
	if l != nil {
		_ = l.Sync()
	}
}

func newEncoder(options InitOptions) zapcore.Encoder {
	cfg := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	if options.Format == "console" {
		return zapcore.NewConsoleEncoder(cfg)
	}
	return zapcore.NewJSONEncoder(cfg)
}

// splitConsoleCores 把 info 及以下写 stdout，warn 及以上写 stderr，
// 便于容器平台按流分级收集。
func splitConsoleCores(enc zapcore.Encoder, atomic zap.AtomicLevel) []zapcore.Core {
	lowPriority := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return lvl >= atomic.Level() && lvl < zapcore.WarnLevel
	})
	highPriority := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return lvl >= atomic.Level() && lvl >= zapcore.WarnLevel
	})
	return []zapcore.Core{
		zapcore.NewCore(enc, zapcore.Lock(os.Stdout), lowPriority),
		zapcore.NewCore(enc, zapcore.Lock(os.Stderr), highPriority),
	}
}

func assembleLogger(options InitOptions) (*zap.Logger, error) {
	level, _ := parseLevel(options.Level)
	atomic := zap.NewAtomicLevelAt(level)
	enc := newEncoder(options)

	var cores []zapcore.Core
	if options.Output.ToStdout {
		cores = append(cores, splitConsoleCores(enc, atomic)...)
	}
	if options.Output.ToFile {
		fileCore, filePath, fileErr := buildFileCore(enc, atomic, options)
		if fileErr != nil {
			// 文件输出不可用时降级为仅控制台，不阻塞进程启动。
			_, _ = fmt.Fprintf(os.Stderr, "time=%s level=WARN msg=\"log file output init failed, falling back to stdout only\" path=%s err=%v\n",
				time.Now().Format(time.RFC3339Nano),
				filePath,
				fileErr,
			)
		} else {
			cores = append(cores, fileCore)
		}
	}
	if len(cores) == 0 {
		cores = append(cores, zapcore.NewCore(enc, zapcore.Lock(os.Stdout), atomic))
	}

	zapOpts := []zap.Option{zap.AddCallerSkip(1)}
	if options.Caller {
		zapOpts = append(zapOpts, zap.AddCaller())
	}
	if stacktraceLevel, _ := parseStacktraceLevel(options.StacktraceLevel); stacktraceLevel <= zapcore.FatalLevel {
		zapOpts = append(zapOpts, zap.AddStacktrace(stacktraceLevel))
	}

	zl := zap.New(zapcore.NewTee(cores...), zapOpts...).With(
		zap.String("service", options.ServiceName),
		zap.String("env", options.Environment),
	)
	return zl, nil
}

func buildFileCore(enc zapcore.Encoder, atomic zap.AtomicLevel, options InitOptions) (zapcore.Core, string, error) {
	filePath := options.Output.FilePath
	if strings.TrimSpace(filePath) == "" {
		filePath = resolveLogFilePath("")
	}
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return nil, filePath, err
	}
	rotated := &lumberjack.Logger{
		Filename:   filePath,
		MaxSize:    options.Rotation.MaxSizeMB,
		MaxBackups: options.Rotation.MaxBackups,
		MaxAge:     options.Rotation.MaxAgeDays,
		Compress:   options.Rotation.Compress,
		LocalTime:  options.Rotation.LocalTime,
	}
	return zapcore.NewCore(enc, zapcore.AddSync(rotated), atomic), filePath, nil
}

type contextKey string

const loggerContextKey contextKey = "ctx_logger"

// IntoContext 把请求级 logger 放进 context，下游用 FromContext 取回。
func IntoContext(ctx context.Context, l *zap.Logger) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if l == nil {
		l = L()
	}
	return context.WithValue(ctx, loggerContextKey, l)
}

func FromContext(ctx context.Context) *zap.Logger {
	if ctx == nil {
		return L()
	}
	if l, ok := ctx.Value(loggerContextKey).(*zap.Logger); ok && l != nil {
		return l
	}
	return L()
}
