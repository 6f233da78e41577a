package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"
)

// Level represents the severity of a log message.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var (
	baseInstance *componentLogger
	baseOnce     sync.Once
)

// componentLogger writes formatted lines to foreman-debug.log and stdout.
type componentLogger struct {
	file       *os.File
	logger     *log.Logger
	level      Level
	mu         sync.Mutex
	component  string
	enableFile bool
}

// NewComponentLogger creates a logger scoped to a specific component.
func NewComponentLogger(component string) Logger {
	base := getBase()
	return &componentLogger{
		file:       base.file,
		logger:     base.logger,
		level:      base.level,
		component:  component,
		enableFile: base.enableFile,
	}
}

func getBase() *componentLogger {
	baseOnce.Do(func() {
		baseInstance = newComponentLogger("", levelFromEnv(), true)
	})
	return baseInstance
}

func levelFromEnv() Level {
	switch os.Getenv("FOREMAN_LOG_LEVEL") {
	case "debug":
		return LevelDebug
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func newComponentLogger(component string, level Level, enableFile bool) *componentLogger {
	l := &componentLogger{
		level:      level,
		component:  component,
		enableFile: enableFile,
	}

	if enableFile {
		dir := os.Getenv("FOREMAN_LOG_DIR")
		if dir == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				log.Printf("Failed to get home directory: %v", err)
				return l
			}
			dir = home
		}

		logPath := filepath.Join(dir, "foreman-debug.log")
		file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			log.Printf("Failed to open log file: %v", err)
			return l
		}

		l.file = file
		l.logger = log.New(file, "", 0) // We format ourselves
	}

	return l
}

// log is the internal logging function.
func (l *componentLogger) log(level Level, format string, args ...any) {
	if level < l.level {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	_, file, line, ok := runtime.Caller(2)
	if ok {
		file = filepath.Base(file)
	} else {
		file = "???"
		line = 0
	}

	// Format: 2026-08-24 12:34:56 [INFO] [Scheduler] file.go:123 - Message
	timestamp := time.Now().Format("2006-01-02 15:04:05")
	component := l.component
	if component == "" {
		component = "FOREMAN"
	}

	message := fmt.Sprintf(format, args...)
	logLine := fmt.Sprintf("%s [%s] [%s] %s:%d - %s\n",
		timestamp, levelToString(level), component, file, line, message)

	if l.logger != nil {
		l.logger.Print(logLine)
	}

	fmt.Print(logLine)
}

func (l *componentLogger) Debug(format string, args ...any) {
	l.log(LevelDebug, format, args...)
}

func (l *componentLogger) Info(format string, args ...any) {
	l.log(LevelInfo, format, args...)
}

func (l *componentLogger) Warn(format string, args ...any) {
	l.log(LevelWarn, format, args...)
}

func (l *componentLogger) Error(format string, args ...any) {
	l.log(LevelError, format, args...)
}

func levelToString(level Level) string {
	switch level {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}
