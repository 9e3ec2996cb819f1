// Copyright The NRI Plugins Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"k8s.io/klog/v2"
)

// Level describes the severity of a log message.
type Level int

const (
	// LevelDebug is the severity for debug messages.
	LevelDebug Level = iota
	// LevelInfo is the severity for informational messages.
	LevelInfo
	// LevelWarn is the severity for warnings.
	LevelWarn
	// LevelError is the severity for errors.
	LevelError
)

// Logger is the interface for producing log messages for/from a particular source.
type Logger interface {
	// Debug formats and emits a debug message.
	Debug(format string, args ...interface{})
	// Info formats and emits an informational message.
	Info(format string, args ...interface{})
	// Warn formats and emits a warning message.
	Warn(format string, args ...interface{})
	// Error formats and emits an error message.
	Error(format string, args ...interface{})
	// Fatal formats and emits an error message and os.Exit()'s with status 1.
	Fatal(format string, args ...interface{})
	// Panic formats and emits an error message then panics with the same.
	Panic(format string, args ...interface{})

	// Debugf is an alias for Debug.
	Debugf(format string, args ...interface{})
	// Infof is an alias for Info.
	Infof(format string, args ...interface{})
	// Warnf is an alias for Warn.
	Warnf(format string, args ...interface{})
	// Errorf is an alias for Error.
	Errorf(format string, args ...interface{})
	// Fatalf is an alias for Fatal.
	Fatalf(format string, args ...interface{})
	// Panicf is an alias for Panic.
	Panicf(format string, args ...interface{})

	// Println emits an error message. It lets a Logger serve as a promhttp.Logger.
	Println(v ...interface{})

	// EnableDebug enables or disables debug messages for this Logger,
	// returning the previous state.
	EnableDebug(bool) bool
	// DebugEnabled checks if debug messages are enabled for this Logger.
	DebugEnabled() bool
	// Source returns the source name of this Logger.
	Source() string
	// SlogHandler returns an slog.Handler emitting through this Logger.
	SlogHandler() slog.Handler
}

// logging encapsulates the full runtime state of logging.
type logging struct {
	sync.RWMutex
	level   Level             // logging threshold
	dbgmap  srcmap            // debug configuration
	debug   map[string]bool   // per-source debug overrides
	prefix  bool              // whether to prefix messages with source
	loggers map[string]logger // source to logger mapping
	maxlen  int               // max source length
}

// logger implements Logger for a single source.
type logger struct {
	source string
}

var (
	// runtime state of logging
	log = &logging{
		level:   DefaultLevel,
		dbgmap:  make(srcmap),
		debug:   make(map[string]bool),
		loggers: make(map[string]logger),
	}
	// the default logger
	deflog = log.get("default")
)

// Get returns the named Logger, creating it if necessary.
func Get(source string) Logger {
	return log.get(source)
}

// NewLogger is an alias for Get.
func NewLogger(source string) Logger {
	return log.get(source)
}

// Default returns the default Logger.
func Default() Logger {
	return deflog
}

// SetLevel sets the logging severity threshold.
func SetLevel(level Level) {
	log.Lock()
	defer log.Unlock()
	log.level = level
}

// EnableDebug enables or disables debugging for the given source.
func EnableDebug(source string, state bool) bool {
	log.Lock()
	defer log.Unlock()
	prev := log.debugEnabled(source)
	log.debug[source] = state
	return prev
}

// Flush flushes any buffered log messages.
func Flush() {
	klog.Flush()
}

func (log *logging) get(source string) logger {
	log.RLock()
	l, ok := log.loggers[source]
	log.RUnlock()
	if ok {
		return l
	}

	log.Lock()
	defer log.Unlock()
	if l, ok = log.loggers[source]; ok {
		return l
	}

	l = logger{source: source}
	log.loggers[source] = l
	if len(source) > log.maxlen {
		log.maxlen = len(source)
	}

	return l
}

// setDbgMap updates the debug source map. The caller must hold the lock.
func (log *logging) setDbgMap(m srcmap) {
	log.dbgmap = m
	log.debug = make(map[string]bool)
}

// setPrefix turns source prefixing on or off. The caller must hold the lock.
func (log *logging) setPrefix(prefix bool) {
	log.prefix = prefix
}

// debugEnabled checks debugging for the source. The caller must hold the lock.
func (log *logging) debugEnabled(source string) bool {
	if state, ok := log.debug[source]; ok {
		return state
	}
	if state, ok := log.dbgmap[source]; ok {
		return state
	}
	if state, ok := log.dbgmap["*"]; ok {
		return state
	}
	return log.level <= LevelDebug
}

func (log *logging) format(source, format string, args ...interface{}) string {
	msg := fmt.Sprintf(format, args...)

	log.RLock()
	prefix, maxlen := log.prefix, log.maxlen
	log.RUnlock()

	if !prefix {
		return msg
	}

	pad := ""
	if n := maxlen - len(source); n > 0 {
		pad = strings.Repeat(" ", n)
	}
	return "[" + source + "] " + pad + msg
}

func (log *logging) enabled(level Level) bool {
	log.RLock()
	defer log.RUnlock()
	return log.level <= level
}

func (l logger) Debug(format string, args ...interface{}) {
	if !l.DebugEnabled() {
		return
	}
	klog.InfoDepth(1, log.format(l.source, "D: "+format, args...))
}

func (l logger) Info(format string, args ...interface{}) {
	if !log.enabled(LevelInfo) {
		return
	}
	klog.InfoDepth(1, log.format(l.source, format, args...))
}

func (l logger) Warn(format string, args ...interface{}) {
	if !log.enabled(LevelWarn) {
		return
	}
	klog.WarningDepth(1, log.format(l.source, format, args...))
}

func (l logger) Error(format string, args ...interface{}) {
	klog.ErrorDepth(1, log.format(l.source, format, args...))
}

func (l logger) Fatal(format string, args ...interface{}) {
	klog.FatalDepth(1, log.format(l.source, format, args...))
}

func (l logger) Panic(format string, args ...interface{}) {
	msg := log.format(l.source, format, args...)
	klog.ErrorDepth(1, msg)
	panic(msg)
}

func (l logger) Debugf(format string, args ...interface{}) { l.Debug(format, args...) }
func (l logger) Infof(format string, args ...interface{})  { l.Info(format, args...) }
func (l logger) Warnf(format string, args ...interface{})  { l.Warn(format, args...) }
func (l logger) Errorf(format string, args ...interface{}) { l.Error(format, args...) }
func (l logger) Fatalf(format string, args ...interface{}) { l.Fatal(format, args...) }
func (l logger) Panicf(format string, args ...interface{}) { l.Panic(format, args...) }

func (l logger) Println(v ...interface{}) {
	klog.ErrorDepth(1, log.format(l.source, "%s", strings.TrimSuffix(fmt.Sprintln(v...), "\n")))
}

func (l logger) EnableDebug(state bool) bool {
	return EnableDebug(l.source, state)
}

func (l logger) DebugEnabled() bool {
	log.RLock()
	defer log.RUnlock()
	return log.debugEnabled(l.source)
}

func (l logger) Source() string {
	return l.source
}

// loggerError returns a package-specific formatted error.
func loggerError(format string, args ...interface{}) error {
	return fmt.Errorf("logger: "+format, args...)
}
