// Package klog is the kernel's structured log ring buffer (the dmesg
// equivalent). Every subsystem — spinlock contention, scheduler dispatch,
// signal delivery, VMR faults — logs structured fields through a shared
// [Logger], backed by github.com/joeycumines/logiface and its stumpy
// encoder, instead of ad-hoc fmt.Printf calls.
package klog

import (
	"io"
	"os"
	"sync"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/logiface/stumpy"
)

// Logger is a structured kernel-log sink. The zero value is not usable;
// construct with [New] or use [Default].
type Logger struct {
	l *logiface.Logger[logiface.Event]
}

// New constructs a Logger writing compact structured JSON lines to w, at
// or above the given level.
func New(w io.Writer, level logiface.Level) *Logger {
	if w == nil {
		w = os.Stderr
	}
	l := stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(w)),
		stumpy.L.WithLevel(level),
	).Logger()
	return &Logger{l: l}
}

var (
	defaultOnce sync.Once
	defaultLog  *Logger
)

// Default returns the package-wide kernel log, lazily initialized to write
// to stderr at informational level. Subsystems that don't have their own
// *Logger injected use this one.
func Default() *Logger {
	defaultOnce.Do(func() {
		defaultLog = New(os.Stderr, logiface.LevelInformational)
	})
	return defaultLog
}

// SetDefault overrides the package-wide default logger. Intended for use
// during kernel bring-up (kernel.New), before any subsystem has logged.
func SetDefault(l *Logger) {
	defaultOnce.Do(func() {})
	defaultLog = l
}

// Event is a single in-flight structured log entry, following logiface's
// builder pattern: chain field setters, terminate with Msg.
type Event struct {
	b *logiface.Builder[logiface.Event]
}

func wrap(b *logiface.Builder[logiface.Event]) *Event {
	if b == nil {
		return nil
	}
	return &Event{b: b}
}

// Str adds a string field. Safe to call on a nil Event (disabled level).
func (e *Event) Str(key, val string) *Event {
	if e == nil {
		return nil
	}
	e.b.Str(key, val)
	return e
}

// Int adds an integer field. Safe to call on a nil Event.
func (e *Event) Int(key string, val int) *Event {
	if e == nil {
		return nil
	}
	e.b.Int(key, val)
	return e
}

// Uint64 adds a uint64 field. Safe to call on a nil Event.
func (e *Event) Uint64(key string, val uint64) *Event {
	if e == nil {
		return nil
	}
	e.b.Uint64(key, val)
	return e
}

// Err adds an error field. Safe to call on a nil Event.
func (e *Event) Err(err error) *Event {
	if e == nil {
		return nil
	}
	e.b.Err(err)
	return e
}

// Msg finalizes and writes the event with the given message.
func (e *Event) Msg(msg string) {
	if e == nil {
		return
	}
	e.b.Log(msg)
}

// Debug starts a debug-level event.
func (l *Logger) Debug() *Event { return wrap(l.l.Debug()) }

// Info starts an informational-level event.
func (l *Logger) Info() *Event { return wrap(l.l.Info()) }

// Warn starts a warning-level event.
func (l *Logger) Warn() *Event { return wrap(l.l.Warning()) }

// Error starts an error-level event.
func (l *Logger) Error() *Event { return wrap(l.l.Err()) }
