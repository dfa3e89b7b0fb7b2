package shell_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/emment-yamikani/xytheros-core/kernel"
	"github.com/emment-yamikani/xytheros-core/shell"
	"github.com/emment-yamikani/xytheros-core/thread"
)

// fakeDevice is an in-memory Device: Write appends to an output buffer,
// Read pops lines fed in ahead of time, returning an error once drained.
type fakeDevice struct {
	mu      sync.Mutex
	lines   []string
	out     strings.Builder
	opened  bool
	closeAt int // not consulted by Read, which fails only once lines is drained
}

func newFakeDevice(lines ...string) *fakeDevice {
	return &fakeDevice{lines: lines}
}

func (d *fakeDevice) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opened = true
	return nil
}

func (d *fakeDevice) Read(ctx context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.lines) == 0 {
		return "", fmt.Errorf("fakeDevice: no more input")
	}
	line := d.lines[0]
	d.lines = d.lines[1:]
	return line, nil
}

func (d *fakeDevice) Write(s string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.out.WriteString(s)
	return nil
}

func (d *fakeDevice) Output() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.out.String()
}

func newTestKernel(t *testing.T) *kernel.Kernel {
	t.Helper()
	cfg := kernel.DefaultConfig()
	cfg.Monitor = false
	return kernel.New(cfg)
}

func TestRunPrintsPromptAndHelp(t *testing.T) {
	k := newTestKernel(t)
	dev := newFakeDevice("help", "")
	s := shell.New(k, dev, nil)

	err := s.Run(context.Background(), 1)
	require.Error(t, err)
	require.Contains(t, dev.Output(), "Kernel Shell")
	require.Contains(t, dev.Output(), "show threads")
}

func TestUnknownCommandReportsNotFound(t *testing.T) {
	k := newTestKernel(t)
	dev := newFakeDevice("frobnicate")
	s := shell.New(k, dev, nil)

	_ = s.Run(context.Background(), 1)
	require.Contains(t, dev.Output(), "frobnicate: command not found")
}

func TestHistorySkipsConsecutiveDuplicatesAndReportsInOrder(t *testing.T) {
	k := newTestKernel(t)
	dev := newFakeDevice("help", "help", "clear", "history")
	s := shell.New(k, dev, nil)

	_ = s.Run(context.Background(), 1)
	out := dev.Output()
	require.Contains(t, out, "1: help\n2: clear\n")
	require.NotContains(t, out, "2: help")
}

func TestShowThreadDisplaysCreatedThread(t *testing.T) {
	k := newTestKernel(t)
	th, err := k.Registry.Create(thread.DefaultAttr, func(any) uintptr { return 0 }, nil,
		thread.FlagGroup|thread.FlagSched, nil, k.Sched)
	require.NoError(t, err)

	dev := newFakeDevice(fmt.Sprintf("show thread %d", th.TID))
	s := shell.New(k, dev, nil)
	_ = s.Run(context.Background(), 1)

	require.Contains(t, dev.Output(), fmt.Sprintf("tid=%-6d", th.TID))
}

func TestShowThreadUnknownTIDReportsError(t *testing.T) {
	k := newTestKernel(t)
	dev := newFakeDevice("show thread 424242")
	s := shell.New(k, dev, nil)
	_ = s.Run(context.Background(), 1)

	require.Contains(t, dev.Output(), "no such thread: 424242")
}

func TestKillUnknownTIDReportsError(t *testing.T) {
	k := newTestKernel(t)
	dev := newFakeDevice("kill 424242")
	s := shell.New(k, dev, nil)
	_ = s.Run(context.Background(), 1)

	require.Contains(t, dev.Output(), "no such thread")
}

func TestKillMarksThreadForTermination(t *testing.T) {
	k := newTestKernel(t)
	th, err := k.Registry.Create(thread.DefaultAttr, func(any) uintptr { return 0 }, nil,
		thread.FlagGroup, nil, nil)
	require.NoError(t, err)

	dev := newFakeDevice(fmt.Sprintf("kill %d", th.TID))
	s := shell.New(k, dev, nil)
	_ = s.Run(context.Background(), 1)

	require.Contains(t, dev.Output(), "thread marked for termination")
}

func TestRunCommandStartsScheduledThread(t *testing.T) {
	k := newTestKernel(t)
	dev := newFakeDevice("run")
	s := shell.New(k, dev, nil)
	_ = s.Run(context.Background(), 1)

	require.Contains(t, dev.Output(), "started thread with TID")
}

func TestRunStopsOnContextCancel(t *testing.T) {
	k := newTestKernel(t)
	dev := &blockingDevice{}
	s := shell.New(k, dev, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := s.Run(ctx, 1)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

// blockingDevice blocks in Read until ctx is done, exercising Run's
// path for a device whose underlying read has no data pending.
type blockingDevice struct{}

func (blockingDevice) Open() error        { return nil }
func (blockingDevice) Write(string) error { return nil }
func (blockingDevice) Read(ctx context.Context) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}
