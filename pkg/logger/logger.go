package logger

import (
	"io"
	"os"
	"sync"

	"github.com/natefinch/lumberjack"
	"github.com/sirupsen/logrus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogConfig 日志配置
type LogConfig struct {
	Level      string `env:"LOG_LEVEL"`
	Filename   string `env:"LOG_FILENAME"`
	MaxSize    int    `env:"LOG_MAX_SIZE"`
	MaxAge     int    `env:"LOG_MAX_AGE"`
	MaxBackups int    `env:"LOG_MAX_BACKUPS"`
}

var (
	mu     sync.RWMutex
	global = zap.NewNop()
)

// Init builds the global logger. mode "development" selects the console encoder,
// anything else the JSON production encoder.
func Init(cfg LogConfig, mode, serviceName string) (*zap.Logger, error) {
	level := parseLevel(cfg.Level)

	var encCfg zapcore.EncoderConfig
	var enc zapcore.Encoder
	if mode == "development" {
		encCfg = zap.NewDevelopmentEncoderConfig()
		enc = zapcore.NewConsoleEncoder(encCfg)
	} else {
		encCfg = zap.NewProductionEncoderConfig()
		encCfg.TimeKey = "timestamp"
		encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		enc = zapcore.NewJSONEncoder(encCfg)
	}

	out := writer(cfg)
	core := zapcore.NewCore(enc, zapcore.AddSync(out), zap.NewAtomicLevelAt(level))
	lg := zap.New(core, zap.AddCaller())

	if serviceName != "" {
		lg = lg.With(zap.String("service_name", serviceName))
	}
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		lg = lg.With(zap.String("hostname", hostname))
	}

	// websocket 包使用 logrus，输出到同一目标
	logrus.SetOutput(out)
	if lv, err := logrus.ParseLevel(level.String()); err == nil {
		logrus.SetLevel(lv)
	}
	if mode != "development" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}

	mu.Lock()
	global = lg
	mu.Unlock()
	return lg, nil
}

func writer(cfg LogConfig) io.Writer {
	if cfg.Filename == "" {
		return os.Stdout
	}
	rotate := &lumberjack.Logger{
		Filename:   cfg.Filename,
		MaxSize:    orDefault(cfg.MaxSize, 100),
		MaxAge:     orDefault(cfg.MaxAge, 7),
		MaxBackups: orDefault(cfg.MaxBackups, 5),
		LocalTime:  true,
	}
	return io.MultiWriter(os.Stdout, rotate)
}

func parseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

// Lg returns the global logger.
func Lg() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return global
}

// Named returns a child of the global logger.
func Named(name string) *zap.Logger {
	return Lg().Named(name)
}

func Debug(msg string, fields ...zap.Field) { Lg().Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field)  { Lg().Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { Lg().Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { Lg().Error(msg, fields...) }

// Sync flushes buffered entries.
func Sync() {
	_ = Lg().Sync()
}
