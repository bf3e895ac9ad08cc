package monitor

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatchFiresOnce(t *testing.T) {
	h := NewHub()
	subject := "item-1"

	tok, ch := h.Watch(subject)
	require.NotEmpty(t, tok)

	reason := errors.New("boom")
	h.Fire(subject, reason)

	select {
	case n := <-ch:
		assert.Equal(t, tok, n.Token)
		assert.ErrorIs(t, n.Reason, reason)
	case <-time.After(time.Second):
		t.Fatal("notice never arrived")
	}

	// Firing twice must not panic or redeliver.
	assert.NotPanics(t, func() { h.Fire(subject, reason) })
}

func TestWatchAfterDeathFiresImmediately(t *testing.T) {
	h := NewHub()
	subject := "item-2"
	h.Fire(subject, errors.New("already gone"))

	_, ch := h.Watch(subject)
	select {
	case n := <-ch:
		assert.ErrorIs(t, n.Reason, ErrAlreadyDead)
	case <-time.After(time.Second):
		t.Fatal("notice never arrived")
	}
}

func TestDemonitorCancelsWatch(t *testing.T) {
	h := NewHub()
	subject := "item-3"
	tok, ch := h.Watch(subject)
	h.Demonitor(tok)
	h.Fire(subject, errors.New("reason"))

	select {
	case n := <-ch:
		t.Fatalf("unexpected notice after demonitor: %+v", n)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMultipleWatchersAllNotified(t *testing.T) {
	h := NewHub()
	subject := "item-4"

	_, ch1 := h.Watch(subject)
	_, ch2 := h.Watch(subject)

	h.Fire(subject, errors.New("dead"))

	for _, ch := range []<-chan Notice{ch1, ch2} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatal("watcher missed notice")
		}
	}
}

func TestIsDead(t *testing.T) {
	h := NewHub()
	subject := "item-5"
	assert.False(t, h.IsDead(subject))
	h.Fire(subject, errors.New("x"))
	assert.True(t, h.IsDead(subject))
}
