package poollock

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAcquireExcludesSecondInvocation(t *testing.T) {
	dir := t.TempDir()

	first, err := Acquire(dir)
	assert.NoError(t, err)
	defer first.Release()

	_, err = Acquire(dir)
	assert.ErrorIs(t, err, ErrLocked)
}

func TestReleaseAllowsReacquire(t *testing.T) {
	dir := t.TempDir()

	first, err := Acquire(dir)
	assert.NoError(t, err)
	assert.NoError(t, first.Release())

	second, err := Acquire(dir)
	assert.NoError(t, err)
	assert.NoError(t, second.Release())
}

func TestReleaseIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	l, err := Acquire(dir)
	assert.NoError(t, err)
	assert.NoError(t, l.Release())
	assert.NoError(t, l.Release())
	var nilLock *Lock
	assert.NoError(t, nilLock.Release())
}

func TestStackUnwindsInLIFOOrderAndRunsAllReleases(t *testing.T) {
	var order []int
	var s Stack
	s.Push(func() error { order = append(order, 1); return nil })
	s.Push(func() error { order = append(order, 2); return errors.New("boom") })
	s.Push(func() error { order = append(order, 3); return nil })

	err := s.Unwind()
	assert.Error(t, err)
	assert.Equal(t, []int{3, 2, 1}, order)
}

func TestStackUnwindIsEmptyAfterRunning(t *testing.T) {
	var s Stack
	ran := false
	s.Push(func() error { ran = true; return nil })
	assert.NoError(t, s.Unwind())
	assert.True(t, ran)
	assert.NoError(t, s.Unwind(), "second unwind has nothing left to run")
}
