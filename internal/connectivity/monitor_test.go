package connectivity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProber struct {
	mu  sync.Mutex
	err error
}

func (p *fakeProber) Health(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *fakeProber) set(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

func TestSetOnline_NotifiesOnTransitionOnly(t *testing.T) {
	m := NewMonitor(nil, time.Second, true)

	var got []bool
	unsubscribe := m.Subscribe(func(online bool) { got = append(got, online) })

	m.SetOnline(true)
	m.SetOnline(false)
	m.SetOnline(false)
	m.SetOnline(true)
	assert.Equal(t, []bool{false, true}, got)

	unsubscribe()
	unsubscribe()
	m.SetOnline(false)
	assert.Len(t, got, 2)
	assert.False(t, m.Online())
}

func TestProbe_UpdatesState(t *testing.T) {
	p := &fakeProber{err: errors.New("dial tcp: refused")}
	m := NewMonitor(p, time.Second, true)

	assert.False(t, m.Probe(context.Background()))
	assert.False(t, m.Online())

	p.set(nil)
	assert.True(t, m.Probe(context.Background()))
	assert.True(t, m.Online())
}

func TestRun_ProbesUntilCanceled(t *testing.T) {
	p := &fakeProber{}
	m := NewMonitor(p, 10*time.Millisecond, false)

	transitions := make(chan bool, 4)
	m.Subscribe(func(online bool) { transitions <- online })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	select {
	case online := <-transitions:
		assert.True(t, online)
	case <-time.After(time.Second):
		t.Fatal("expected an online transition")
	}

	p.set(errors.New("timeout"))
	select {
	case online := <-transitions:
		assert.False(t, online)
	case <-time.After(time.Second):
		t.Fatal("expected an offline transition")
	}

	cancel()
	require.NoError(t, <-done)
}
