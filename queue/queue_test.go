package queue_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/emment-yamikani/xytheros-core/kerrors"
	"github.com/emment-yamikani/xytheros-core/queue"
)

func intEq(a, b int) bool { return a == b }

func TestEnqueueDequeueFIFOOrder(t *testing.T) {
	q := queue.New[int]()
	q.Lock()
	defer q.Unlock()

	for i := 1; i <= 3; i++ {
		_, err := q.Enqueue(i, queue.AllowDuplicates, intEq)
		require.NoError(t, err)
	}
	require.Equal(t, 3, q.Count())

	v, err := q.Dequeue()
	require.NoError(t, err)
	require.Equal(t, 1, v)

	v, err = q.Dequeue()
	require.NoError(t, err)
	require.Equal(t, 2, v)
}

func TestDequeueEmptyReturnsENOENT(t *testing.T) {
	q := queue.New[int]()
	q.Lock()
	defer q.Unlock()

	_, err := q.Dequeue()
	require.Error(t, err)
	require.Equal(t, kerrors.ENOENT, kerrors.CodeOf(err))
}

func TestEnqueueEnforceUniqueRejectsDuplicate(t *testing.T) {
	q := queue.New[int]()
	q.Lock()
	defer q.Unlock()

	_, err := q.Enqueue(7, queue.EnforceUnique, intEq)
	require.NoError(t, err)

	_, err = q.Enqueue(7, queue.EnforceUnique, intEq)
	require.Error(t, err)
	require.Equal(t, kerrors.EEXIST, kerrors.CodeOf(err))
}

func TestRemoveByNodeIdentity(t *testing.T) {
	q := queue.New[int]()
	q.Lock()
	defer q.Unlock()

	n1, _ := q.Enqueue(1, queue.AllowDuplicates, intEq)
	_, _ = q.Enqueue(2, queue.AllowDuplicates, intEq)
	_, _ = q.Enqueue(3, queue.AllowDuplicates, intEq)

	require.NoError(t, q.Remove(n1))
	require.Equal(t, 2, q.Count())

	v, err := q.DequeueHead()
	require.NoError(t, err)
	require.Equal(t, 2, v)
}

func TestRelocateMovesNodeToOppositeEnd(t *testing.T) {
	q := queue.New[int]()
	q.Lock()
	defer q.Unlock()

	n1, _ := q.Enqueue(1, queue.AllowDuplicates, intEq)
	_, _ = q.Enqueue(2, queue.AllowDuplicates, intEq)

	require.NoError(t, q.Relocate(n1, queue.Tail))

	v, err := q.DequeueHead()
	require.NoError(t, err)
	require.Equal(t, 2, v)

	v, err = q.DequeueHead()
	require.NoError(t, err)
	require.Equal(t, 1, v)
}

func TestMigrateMovesContiguousRun(t *testing.T) {
	src := queue.New[int]()
	dst := queue.New[int]()
	src.Lock()
	defer src.Unlock()
	dst.Lock()
	defer dst.Unlock()

	for i := 1; i <= 5; i++ {
		_, _ = src.Enqueue(i, queue.AllowDuplicates, intEq)
	}

	require.NoError(t, queue.Migrate(dst, src, 1, 2, queue.Tail))
	require.Equal(t, 3, src.Count())
	require.Equal(t, 2, dst.Count())

	var got []int
	dst.ForEach(func(v int) { got = append(got, v) })
	require.Equal(t, []int{2, 3}, got)

	var remaining []int
	src.ForEach(func(v int) { remaining = append(remaining, v) })
	require.Equal(t, []int{1, 4, 5}, remaining)
}

func TestMoveDrainsSourceEntirely(t *testing.T) {
	src := queue.New[int]()
	dst := queue.New[int]()
	src.Lock()
	defer src.Unlock()
	dst.Lock()
	defer dst.Unlock()

	for i := 1; i <= 3; i++ {
		_, _ = src.Enqueue(i, queue.AllowDuplicates, intEq)
	}
	_, _ = dst.Enqueue(0, queue.AllowDuplicates, intEq)

	require.NoError(t, queue.Move(dst, src, queue.Tail))
	require.Equal(t, 0, src.Count())
	require.Equal(t, 4, dst.Count())

	var got []int
	dst.ForEach(func(v int) { got = append(got, v) })
	require.Equal(t, []int{0, 1, 2, 3}, got)
}

func TestReplaceSwapsDatumInPlace(t *testing.T) {
	q := queue.New[int]()
	q.Lock()
	defer q.Unlock()

	_, _ = q.Enqueue(1, queue.AllowDuplicates, intEq)
	require.NoError(t, q.Replace(1, 99, intEq))

	v, err := q.Dequeue()
	require.NoError(t, err)
	require.Equal(t, 99, v)
}

func TestFlushEmptiesQueueInOrder(t *testing.T) {
	q := queue.New[int]()
	q.Lock()
	defer q.Unlock()

	for i := 1; i <= 4; i++ {
		_, _ = q.Enqueue(i, queue.AllowDuplicates, intEq)
	}

	out := q.Flush()
	require.Equal(t, []int{1, 2, 3, 4}, out)
	require.Equal(t, 0, q.Count())
}

func TestEnqueueSortedKeepsAscendingOrder(t *testing.T) {
	q := queue.New[int]()
	q.Lock()
	defer q.Unlock()

	less := func(a, b int) bool { return a < b }
	q.EnqueueSorted(5, less)
	q.EnqueueSorted(1, less)
	q.EnqueueSorted(3, less)

	var got []int
	q.ForEach(func(v int) { got = append(got, v) })
	require.Equal(t, []int{1, 3, 5}, got)
}

func TestEnqueueNodeRejectsAlreadyLinkedNode(t *testing.T) {
	q1 := queue.New[int]()
	q2 := queue.New[int]()
	q1.Lock()
	defer q1.Unlock()
	q2.Lock()
	defer q2.Unlock()

	n, err := q1.Enqueue(1, queue.AllowDuplicates, intEq)
	require.NoError(t, err)

	err = q2.EnqueueNode(n, queue.Tail, queue.AllowDuplicates, intEq)
	require.Error(t, err)
}
