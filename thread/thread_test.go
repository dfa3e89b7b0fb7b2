package thread_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/emment-yamikani/xytheros-core/kerrors"
	"github.com/emment-yamikani/xytheros-core/thread"
)

type fakeScheduler struct {
	enqueued []*thread.Thread
}

func (f *fakeScheduler) Enqueue(t *thread.Thread) error {
	f.enqueued = append(f.enqueued, t)
	return nil
}

func TestCreateNewGroupAssignsPIDAndEmbryoState(t *testing.T) {
	r := thread.NewRegistry()
	th, err := r.Create(thread.DefaultAttr, func(any) uintptr { return 0 }, nil, thread.FlagGroup, nil, nil)
	require.NoError(t, err)
	require.NotNil(t, th.Group)
	require.Equal(t, thread.Embryo, th.State())
}

func TestCreateJoinsCurrentGroupWithoutGroupFlag(t *testing.T) {
	r := thread.NewRegistry()
	main, err := r.Create(thread.DefaultAttr, func(any) uintptr { return 0 }, nil, thread.FlagGroup, nil, nil)
	require.NoError(t, err)

	peer, err := r.Create(thread.DefaultAttr, func(any) uintptr { return 0 }, nil, 0, main, nil)
	require.NoError(t, err)
	require.Same(t, main.Group, peer.Group)
	require.Equal(t, 2, main.Group.ThreadCount())
}

func TestCreateWithoutGroupOrCurrentFails(t *testing.T) {
	r := thread.NewRegistry()
	_, err := r.Create(thread.DefaultAttr, func(any) uintptr { return 0 }, nil, 0, nil, nil)
	require.Error(t, err)
	require.Equal(t, kerrors.EINVAL, kerrors.CodeOf(err))
}

func TestCreateSchedFlagEnqueuesAndTransitionsReady(t *testing.T) {
	r := thread.NewRegistry()
	sched := &fakeScheduler{}
	th, err := r.Create(thread.DefaultAttr, func(any) uintptr { return 0 }, nil, thread.FlagGroup|thread.FlagSched, nil, sched)
	require.NoError(t, err)
	require.Equal(t, thread.Ready, th.State())
	require.Len(t, sched.enqueued, 1)
	require.Same(t, th, sched.enqueued[0])
}

func TestCreateSchedFlagWithoutSchedulerFails(t *testing.T) {
	r := thread.NewRegistry()
	_, err := r.Create(thread.DefaultAttr, func(any) uintptr { return 0 }, nil, thread.FlagGroup|thread.FlagSched, nil, nil)
	require.Error(t, err)
}

func TestAttrRejectsOversizedStack(t *testing.T) {
	r := thread.NewRegistry()
	_, err := r.Create(thread.Attr{StackSize: 1 << 30}, func(any) uintptr { return 0 }, nil, thread.FlagGroup, nil, nil)
	require.Error(t, err)
	require.Equal(t, kerrors.EINVAL, kerrors.CodeOf(err))
}

func TestExitThenJoinReturnsInfoAndStatus(t *testing.T) {
	r := thread.NewRegistry()
	th, err := r.Create(thread.DefaultAttr, func(any) uintptr { return 0 }, nil, thread.FlagGroup, nil, nil)
	require.NoError(t, err)

	done := make(chan thread.Info, 1)
	go func() {
		info, err := r.Join(context.Background(), th)
		require.NoError(t, err)
		done <- info
	}()
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, r.Exit(th, 7))

	select {
	case info := <-done:
		require.EqualValues(t, 7, info.Exit)
		require.Equal(t, thread.Zombie, info.State)
	case <-time.After(time.Second):
		t.Fatal("Join did not return after Exit")
	}
	require.Equal(t, thread.Terminated, th.State())
}

func TestFindByTIDUnknownFails(t *testing.T) {
	r := thread.NewRegistry()
	_, err := r.FindByTID(9999)
	require.Error(t, err)
	require.Equal(t, kerrors.ESRCH, kerrors.CodeOf(err))
}

func TestKillAllMarksEveryPeerExceptCurrent(t *testing.T) {
	r := thread.NewRegistry()
	main, err := r.Create(thread.DefaultAttr, func(any) uintptr { return 0 }, nil, thread.FlagGroup, nil, nil)
	require.NoError(t, err)
	peer1, err := r.Create(thread.DefaultAttr, func(any) uintptr { return 0 }, nil, 0, main, nil)
	require.NoError(t, err)
	peer2, err := r.Create(thread.DefaultAttr, func(any) uintptr { return 0 }, nil, 0, main, nil)
	require.NoError(t, err)

	require.NoError(t, r.KillAll(main))
	require.Equal(t, thread.WakeupInterrupt, peer1.Wakeup())
	require.Equal(t, thread.WakeupInterrupt, peer2.Wakeup())
	require.Equal(t, thread.WakeupNone, main.Wakeup())
}

func TestBumpPriorityIncreaseAndDecrease(t *testing.T) {
	r := thread.NewRegistry()
	th, err := r.Create(thread.DefaultAttr, func(any) uintptr { return 0 }, nil, thread.FlagGroup, nil, nil)
	require.NoError(t, err)

	old, nw, err := th.BumpPriority(true, 2)
	require.NoError(t, err)
	require.Equal(t, 3, old)
	require.Equal(t, 5, nw)

	old, nw, err = th.BumpPriority(false, 1)
	require.NoError(t, err)
	require.Equal(t, 5, old)
	require.Equal(t, 4, nw)
}

func TestGetInfoByIDReturnsSnapshot(t *testing.T) {
	r := thread.NewRegistry()
	th, err := r.Create(thread.DefaultAttr, func(any) uintptr { return 0 }, nil, thread.FlagGroup, nil, nil)
	require.NoError(t, err)

	info, err := r.GetInfoByID(th.TID)
	require.NoError(t, err)
	require.Equal(t, th.TID, info.TID)
	require.Equal(t, thread.Embryo, info.State)
}
