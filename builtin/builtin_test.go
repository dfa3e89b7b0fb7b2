package builtin_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/emment-yamikani/xytheros-core/builtin"
	"github.com/emment-yamikani/xytheros-core/kerrors"
	"github.com/emment-yamikani/xytheros-core/thread"
)

func TestRegisterAndLookup(t *testing.T) {
	r := builtin.New()
	th := &thread.Thread{}

	id, err := r.Register("sched-cpu0", builtin.KindScheduler, th)
	require.NoError(t, err)

	e, err := r.Lookup(id)
	require.NoError(t, err)
	require.Equal(t, "sched-cpu0", e.Name)
	require.Equal(t, builtin.KindScheduler, e.Kind)
	require.Same(t, th, e.Thread)
}

func TestRegisterDuplicateNameFails(t *testing.T) {
	r := builtin.New()
	_, err := r.Register("monitor", builtin.KindMonitor, &thread.Thread{})
	require.NoError(t, err)

	_, err = r.Register("monitor", builtin.KindMonitor, &thread.Thread{})
	require.Error(t, err)
	require.Equal(t, kerrors.EEXIST, kerrors.CodeOf(err))
}

func TestByNameAndAll(t *testing.T) {
	r := builtin.New()
	_, err := r.Register("lb", builtin.KindLoadBalancer, &thread.Thread{})
	require.NoError(t, err)
	_, err = r.Register("timer-worker", builtin.KindTimerWorker, &thread.Thread{})
	require.NoError(t, err)

	e, err := r.ByName("lb")
	require.NoError(t, err)
	require.Equal(t, builtin.KindLoadBalancer, e.Kind)

	all := r.All()
	require.Len(t, all, 2)
}

func TestLookupUnknownFails(t *testing.T) {
	r := builtin.New()
	_, err := r.Lookup(999)
	require.Error(t, err)
	require.Equal(t, kerrors.ESRCH, kerrors.CodeOf(err))
}

func TestUnregisterRemovesEntry(t *testing.T) {
	r := builtin.New()
	id, err := r.Register("shell", builtin.KindShell, &thread.Thread{})
	require.NoError(t, err)

	r.Unregister(id)
	_, err = r.Lookup(id)
	require.Error(t, err)
	require.Len(t, r.All(), 0)

	_, err = r.Register("shell", builtin.KindShell, &thread.Thread{})
	require.NoError(t, err)
}

func TestSweepRemovesEntriesDeadReportsDead(t *testing.T) {
	r := builtin.New()
	id1, err := r.Register("a", builtin.KindOther, &thread.Thread{})
	require.NoError(t, err)
	id2, err := r.Register("b", builtin.KindOther, &thread.Thread{})
	require.NoError(t, err)

	r.Sweep(10, func(e *builtin.Entry) bool {
		return e.ID == id1
	})

	_, err = r.Lookup(id1)
	require.Error(t, err)

	_, err = r.Lookup(id2)
	require.NoError(t, err)
}

func TestSweepBatchesAcrossCalls(t *testing.T) {
	r := builtin.New()
	ids := make([]uint64, 0, 4)
	for i := 0; i < 4; i++ {
		id, err := r.Register(string(rune('a'+i)), builtin.KindOther, &thread.Thread{})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	var visited []uint64
	r.Sweep(2, func(e *builtin.Entry) bool {
		visited = append(visited, e.ID)
		return false
	})
	require.Len(t, visited, 2)

	r.Sweep(2, func(e *builtin.Entry) bool {
		visited = append(visited, e.ID)
		return false
	})
	require.Len(t, visited, 4)
	require.ElementsMatch(t, ids, visited)
}
