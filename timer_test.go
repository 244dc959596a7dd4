package tpc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimerSetOrdering(t *testing.T) {
	var ts timerSet
	var fired []int
	ts.schedule(func() { fired = append(fired, 3) }, 300)
	ts.schedule(func() { fired = append(fired, 1) }, 100)
	ts.schedule(func() { fired = append(fired, 2) }, 200)

	earliest, ok := ts.earliest()
	require.True(t, ok)
	assert.Equal(t, int64(100), earliest)

	for {
		task, ok := ts.expired(250)
		if !ok {
			break
		}
		task()
	}
	assert.Equal(t, []int{1, 2}, fired)
	require.Equal(t, 1, ts.size())

	earliest, ok = ts.earliest()
	require.True(t, ok)
	assert.Equal(t, int64(300), earliest)
}

func TestTimerSetSameDeadlineInsertionOrder(t *testing.T) {
	var ts timerSet
	var fired []int
	for i := 0; i < 5; i++ {
		i := i
		ts.schedule(func() { fired = append(fired, i) }, 42)
	}
	for {
		task, ok := ts.expired(42)
		if !ok {
			break
		}
		task()
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4}, fired)
}

func TestTimerSetEmpty(t *testing.T) {
	var ts timerSet
	_, ok := ts.earliest()
	assert.False(t, ok)
	_, ok = ts.expired(1 << 60)
	assert.False(t, ok)
}

func TestTimerSetNotDueYet(t *testing.T) {
	var ts timerSet
	ts.schedule(func() {}, 1000)
	_, ok := ts.expired(999)
	assert.False(t, ok)
	task, ok := ts.expired(1000)
	require.True(t, ok)
	require.NotNil(t, task)
}
