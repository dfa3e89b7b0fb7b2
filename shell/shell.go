// Package shell implements a line-oriented kernel shell thread: one
// example consumer exercising the thread/sched/signal/vmr surface
// through a minimal Device contract, standing in for the source's TTY-
// backed command loop (kernel/core/shell.c) without depending on any
// concrete device-driver or line-discipline implementation.
package shell

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/emment-yamikani/xytheros-core/kernel"
	"github.com/emment-yamikani/xytheros-core/signal"
	"github.com/emment-yamikani/xytheros-core/thread"
)

// historySize mirrors the source's HISTORY_SIZE.
const historySize = 10

// Device is the minimal open/read/write contract the shell depends on;
// per spec.md's scope this package implements no concrete device, filesystem,
// or TTY line discipline.
type Device interface {
	Open() error
	// Read blocks for one line of input, returning it without its
	// trailing newline, or returns ctx's error once ctx is done.
	// Returning any other error ends the shell loop.
	Read(ctx context.Context) (string, error)
	Write(s string) error
}

// Shell is one kernel shell thread's state: command history and the
// kernel surface it dispatches commands against.
type Shell struct {
	k       *kernel.Kernel
	device  Device
	console zerolog.Logger

	history    [historySize]string
	historyIdx int
	historyLen int
}

// New constructs a Shell over device, dispatching against k. console, if
// nil, defaults to a plain zerolog JSON logger writing through the
// device's own Write (so
// shell-internal diagnostics and command output share one human-facing
// sink, distinct from the kernel's structured klog).
func New(k *kernel.Kernel, device Device, console *zerolog.Logger) *Shell {
	s := &Shell{k: k, device: device}
	if console != nil {
		s.console = *console
	} else {
		s.console = zerolog.New(deviceWriter{device}).With().Timestamp().Logger()
	}
	return s
}

// deviceWriter adapts Device.Write to io.Writer for zerolog's console
// output path.
type deviceWriter struct{ d Device }

func (w deviceWriter) Write(p []byte) (int, error) {
	if err := w.d.Write(string(p)); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Run opens the device and processes commands until ctx is done or the
// device reports a read error (e.g. the session closed).
func (s *Shell) Run(ctx context.Context, tid uint64) error {
	if err := s.device.Open(); err != nil {
		return err
	}
	_ = s.device.Write("xytherOS Kernel Shell\nType 'help' for commands\n")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_ = s.device.Write(fmt.Sprintf("[xytherOS:%d $] ", tid))

		line, err := s.device.Read(ctx)
		if err != nil {
			return err
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		s.addHistory(fields[0])
		s.dispatch(fields)
	}
}

func (s *Shell) addHistory(cmd string) {
	if s.historyLen > 0 && s.history[(s.historyIdx-1+historySize)%historySize] == cmd {
		return
	}
	s.history[s.historyIdx] = cmd
	s.historyIdx = (s.historyIdx + 1) % historySize
	if s.historyLen < historySize {
		s.historyLen++
	}
}

func (s *Shell) showHistory() {
	start := (s.historyIdx - s.historyLen + historySize) % historySize
	for i := 0; i < s.historyLen; i++ {
		idx := (start + i) % historySize
		_ = s.device.Write(fmt.Sprintf("%d: %s\n", i+1, s.history[idx]))
	}
}

func (s *Shell) dispatch(args []string) {
	switch args[0] {
	case "show":
		s.cmdShow(args)
	case "help":
		s.cmdHelp()
	case "clear":
		_ = s.device.Write("\033[2J\033[H")
	case "kill":
		s.cmdKill(args)
	case "run":
		s.cmdRun(args)
	case "history":
		s.showHistory()
	default:
		_ = s.device.Write(args[0] + ": command not found\n")
	}
}

func (s *Shell) cmdHelp() {
	_ = s.device.Write(
		"xytherOS Kernel Shell Commands:\n" +
			"  show threads       - Display every builtin thread's state\n" +
			"  show thread <tid>  - Display one thread's info\n" +
			"  show builtin       - Display every builtin thread\n" +
			"  kill <tid>         - Terminate a thread\n" +
			"  run                - Start a new scheduled thread\n" +
			"  history            - Show command history\n" +
			"  clear              - Clear the screen\n" +
			"  help               - Show this help\n")
}

func (s *Shell) cmdShow(args []string) {
	if len(args) < 2 {
		_ = s.device.Write("Usage: show [threads|thread <tid>|builtin]\n")
		return
	}

	switch args[1] {
	case "threads":
		for _, e := range s.k.Builtin.All() {
			info := e.Thread.Info()
			s.writeThreadLine(info)
		}
	case "thread":
		if len(args) < 3 {
			_ = s.device.Write("Usage: show thread <tid>\n")
			return
		}
		tid, err := strconv.ParseUint(args[2], 10, 64)
		if err != nil {
			_ = s.device.Write("invalid tid\n")
			return
		}
		info, err := s.k.Registry.GetInfoByID(tid)
		if err != nil {
			_ = s.device.Write(fmt.Sprintf("no such thread: %d\n", tid))
			return
		}
		s.writeThreadLine(info)
	case "builtin":
		for _, e := range s.k.Builtin.All() {
			_ = s.device.Write(fmt.Sprintf(" %4d | %-14s | %s\n", e.ID, e.Kind, e.Name))
		}
	default:
		_ = s.device.Write("Usage: show [threads|thread <tid>|builtin]\n")
	}
}

func (s *Shell) writeThreadLine(info thread.Info) {
	_ = s.device.Write(fmt.Sprintf(
		" tid=%-6d tgid=%-6d state=%-10s prio=%-3d level=%-2d cpu=%-2d exit=%d\n",
		info.TID, info.TGID, info.State, info.Sched.Prio, info.Sched.Level, info.Sched.CPU, info.Exit,
	))
}

func (s *Shell) cmdKill(args []string) {
	if len(args) < 2 {
		_ = s.device.Write("Usage: kill <tid>\n")
		return
	}
	tid, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		_ = s.device.Write("invalid tid\n")
		return
	}
	t, err := s.k.FindThread(tid)
	if err != nil {
		_ = s.device.Write("no such thread\n")
		return
	}

	// Route through real signal delivery (SIGKILL can't be caught or
	// ignored, so dispatching it resolves straight to ActTerminate) rather
	// than bypassing it with a bare cancellation; Cancel still wakes the
	// thread if it's blocked in Wait so its goroutine observes the exit
	// promptly.
	if err := s.k.Registry.PthreadKill(tid, signal.SIGKILL); err != nil {
		s.console.Error().Err(err).Uint64("tid", tid).Msg("kill failed")
		_ = s.device.Write("failed to terminate thread\n")
		return
	}
	if _, err := s.k.Registry.DispatchSignal(t, &signal.ContextStack{}); err != nil {
		s.console.Error().Err(err).Uint64("tid", tid).Msg("kill dispatch failed")
		_ = s.device.Write("failed to terminate thread\n")
		return
	}
	_ = s.k.Registry.Cancel(t)
	_ = s.device.Write("thread marked for termination\n")
}

func (s *Shell) cmdRun(args []string) {
	th, err := s.k.Registry.Create(thread.DefaultAttr, func(any) uintptr { return 0 }, nil,
		thread.FlagGroup|thread.FlagSched, nil, s.k.Sched)
	if err != nil {
		s.console.Error().Err(err).Msg("run failed")
		_ = s.device.Write("failed to start thread\n")
		return
	}
	_ = s.device.Write(fmt.Sprintf("started thread with TID %d\n", th.TID))
}
