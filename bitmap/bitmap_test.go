package bitmap_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/emment-yamikani/xytheros-core/bitmap"
	"github.com/emment-yamikani/xytheros-core/kerrors"
)

func TestSetAndTest(t *testing.T) {
	b := bitmap.New(128)
	b.Lock()
	defer b.Unlock()

	require.NoError(t, b.Set(10, 5))
	ok, err := b.Test(10, 5)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestSetAlreadySetIsEEXIST(t *testing.T) {
	b := bitmap.New(64)
	b.Lock()
	defer b.Unlock()

	require.NoError(t, b.Set(0, 4))
	err := b.Set(2, 4)
	require.Error(t, err)
	require.Equal(t, kerrors.EEXIST, kerrors.CodeOf(err))
}

func TestUnsetAlreadyClearIsENOENT(t *testing.T) {
	b := bitmap.New(64)
	b.Lock()
	defer b.Unlock()

	err := b.Unset(0, 4)
	require.Error(t, err)
	require.Equal(t, kerrors.ENOENT, kerrors.CodeOf(err))
}

func TestAllocRangeFindsFirstFit(t *testing.T) {
	b := bitmap.New(64)
	b.Lock()
	defer b.Unlock()

	require.NoError(t, b.Set(0, 8))

	pos, err := b.AllocRange(4)
	require.NoError(t, err)
	require.Equal(t, 8, pos)
}

func TestAllocRangeExhaustion(t *testing.T) {
	b := bitmap.New(8)
	b.Lock()
	defer b.Unlock()

	require.NoError(t, b.Set(0, 8))

	_, err := b.AllocRange(1)
	require.Error(t, err)
	require.Equal(t, kerrors.ENOMEM, kerrors.CodeOf(err))
}

func TestFindFirstUnset(t *testing.T) {
	b := bitmap.New(64)
	b.Lock()
	defer b.Unlock()

	require.NoError(t, b.Set(0, 3))
	pos, err := b.FindFirstUnset()
	require.NoError(t, err)
	require.Equal(t, 3, pos)
}

func TestCountSetAndUnset(t *testing.T) {
	b := bitmap.New(16)
	b.Lock()
	defer b.Unlock()

	require.NoError(t, b.Set(0, 5))
	require.Equal(t, 5, b.CountSet())
	require.Equal(t, 11, b.CountUnset())
}

func TestToggleFlipsBits(t *testing.T) {
	b := bitmap.New(8)
	b.Lock()
	defer b.Unlock()

	require.NoError(t, b.Toggle(0, 8))
	require.Equal(t, 8, b.CountSet())
	require.NoError(t, b.Toggle(0, 8))
	require.Equal(t, 0, b.CountSet())
}

func TestSetAllClearsExcessBitsBeyondSize(t *testing.T) {
	b := bitmap.New(3)
	b.Lock()
	defer b.Unlock()

	b.SetAll()
	require.Equal(t, 3, b.CountSet())
}

func TestResizeGrowsAndPreservesExistingBits(t *testing.T) {
	b := bitmap.New(4)
	b.Lock()
	defer b.Unlock()

	require.NoError(t, b.Set(0, 4))
	require.NoError(t, b.Resize(128))
	require.Equal(t, 128, b.Size())

	ok, err := b.Test(0, 4)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = b.Test(4, 1)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestResizeShrinkClearsExcessBits(t *testing.T) {
	b := bitmap.New(16)
	b.Lock()
	defer b.Unlock()

	b.SetAll()
	require.NoError(t, b.Resize(3))
	require.Equal(t, 3, b.CountSet())
}

func TestCopyIsIndependent(t *testing.T) {
	b := bitmap.New(8)
	b.Lock()
	require.NoError(t, b.Set(0, 2))
	clone := b.Copy()
	b.Unlock()

	clone.Lock()
	defer clone.Unlock()
	require.NoError(t, clone.Set(2, 2))

	b.Lock()
	ok, _ := b.Test(2, 2)
	b.Unlock()
	require.False(t, ok)
}
