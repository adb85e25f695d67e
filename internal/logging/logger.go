package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Level 是日志级别；数值越大越重要。
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelSuccess
	LevelWarn
	LevelError
)

func (lv Level) String() string {
	switch lv {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelSuccess:
		return "SUCCESS"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "LEVEL(" + fmt.Sprint(int(lv)) + ")"
	}
}

// ColorMode 控制控制台输出是否带 ANSI 颜色。
type ColorMode string

const (
	ColorAuto   ColorMode = "auto"
	ColorAlways ColorMode = "always"
	ColorNever  ColorMode = "never"
)

const (
	ansiRed    = "\033[1;91m"
	ansiGreen  = "\033[1;92m"
	ansiYellow = "\033[1;93m"
	ansiBlue   = "\033[1;94m"
	ansiCyan   = "\033[1;96m"
	ansiReset  = "\033[0m"
)

// Options 描述 Logger 的输出目标。
type Options struct {
	// Console 为 nil 时写 os.Stderr（stdout 留给 RunReport JSON）。
	Console io.Writer
	// ConsoleLevel 以下的日志不写控制台；文件始终记录 Info 及以上。
	ConsoleLevel Level
	Color        ColorMode

	// Dir 非空时在其中创建 <YYYYmmdd_HHMMSS>.log。
	Dir string
	// Verbose 打开 Debug 级别（控制台与文件）。
	Verbose bool

	Now func() time.Time
}

// Logger 是分级日志：控制台可带颜色，可选同时写入日志文件。
// 可被多个 worker goroutine 并发调用。
type Logger struct {
	mu sync.Mutex

	console      io.Writer
	consoleLevel Level
	color        bool
	verbose      bool
	now          func() time.Time

	file     *os.File
	filePath string
}

// New 按 opts 构造 Logger；设置了 Dir 时调用方负责 Close。
func New(opts Options) (*Logger, error) {
	l := &Logger{
		console:      opts.Console,
		consoleLevel: opts.ConsoleLevel,
		verbose:      opts.Verbose,
		now:          opts.Now,
	}
	if l.console == nil {
		l.console = os.Stderr
	}
	if l.now == nil {
		l.now = time.Now
	}

	switch opts.Color {
	case ColorAlways:
		l.color = true
	case ColorNever:
		l.color = false
	default:
		f, ok := l.console.(*os.File)
		l.color = ok && isTerminal(f) && os.Getenv("NO_COLOR") == "" && strings.ToLower(os.Getenv("TERM")) != "dumb"
	}

	if opts.Dir != "" {
		if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
			return nil, err
		}
		p := filepath.Join(opts.Dir, l.now().Format("20060102_150405")+".log")
		f, err := os.OpenFile(p, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, err
		}
		l.file = f
		l.filePath = p
	}
	return l, nil
}

// Discard 返回一个什么都不输出的 Logger（测试与库调用方使用）。
func Discard() *Logger {
	return &Logger{console: io.Discard, consoleLevel: LevelError + 1, now: time.Now}
}

func isTerminal(f *os.File) bool {
	if f == nil {
		return false
	}
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}

// FilePath 返回日志文件路径；未启用文件时为空串。
func (l *Logger) FilePath() string { return l.filePath }

// Close closes the log file if one was opened.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}

func (l *Logger) line(lv Level, text string) {
	if lv == LevelDebug && !l.verbose {
		return
	}
	ts := l.now().Format("2006-01-02 15:04:05")
	plain := ts + " [" + lv.String() + "] " + text + "\n"

	l.mu.Lock()
	defer l.mu.Unlock()
	if lv >= l.consoleLevel || (lv == LevelDebug && l.verbose) {
		if c := l.colorOf(lv); c != "" {
			_, _ = io.WriteString(l.console, ts+" "+c+"["+lv.String()+"]"+ansiReset+" "+text+"\n")
		} else {
			_, _ = io.WriteString(l.console, plain)
		}
	}
	if l.file != nil {
		_, _ = io.WriteString(l.file, plain)
	}
}

func (l *Logger) colorOf(lv Level) string {
	if !l.color {
		return ""
	}
	switch lv {
	case LevelDebug:
		return ansiCyan
	case LevelInfo:
		return ansiBlue
	case LevelSuccess:
		return ansiGreen
	case LevelWarn:
		return ansiYellow
	case LevelError:
		return ansiRed
	}
	return ""
}

func (l *Logger) Info(format string, args ...any) {
	l.line(LevelInfo, fmt.Sprintf(format, args...))
}

func (l *Logger) Success(format string, args ...any) {
	l.line(LevelSuccess, fmt.Sprintf(format, args...))
}

func (l *Logger) Warn(format string, args ...any) {
	l.line(LevelWarn, fmt.Sprintf(format, args...))
}

func (l *Logger) Error(format string, args ...any) {
	l.line(LevelError, fmt.Sprintf(format, args...))
}

// Debug 只在 Verbose 时输出。
func (l *Logger) Debug(format string, args ...any) {
	l.line(LevelDebug, fmt.Sprintf(format, args...))
}
