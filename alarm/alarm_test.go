package alarm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAlarmFires(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	fired := make(chan bool, 1)
	var al Alarm
	a.NoError(al.Set(time.Now().Add(5*time.Millisecond), func(f bool) { fired <- f }))

	select {
	case f := <-fired:
		a.True(f)
	case <-time.After(2 * time.Second):
		t.Fatal("alarm did not fire")
	}

	// a fired alarm can be re-armed
	a.NoError(al.Set(time.Now().Add(time.Hour), func(bool) {}))
	al.Cancel()
}

func TestAlarmCancel(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	fired := make(chan bool, 1)
	var al Alarm
	a.NoError(al.Set(time.Now().Add(time.Hour), func(f bool) { fired <- f }))

	a.True(al.Cancel())
	a.False(<-fired)

	// cancelling again is a no-op
	a.False(al.Cancel())
}

func TestAlarmDoubleSet(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	var al Alarm
	a.NoError(al.Set(time.Now().Add(time.Hour), func(bool) {}))
	a.ErrorIs(al.Set(time.Now().Add(time.Hour), func(bool) {}), ErrAlreadySet)
	al.Cancel()
}
