package workerpool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

// busyPool returns a pool whose single worker is held until release is
// called.
func busyPool(t *testing.T, queueSize int) (p *Pool, release func()) {
	t.Helper()
	p = NewNamed("test", 1, queueSize)
	hold := make(chan struct{})
	running := make(chan struct{})
	if !p.Submit(func() {
		close(running)
		<-hold
	}) {
		t.Fatal("first submit refused")
	}
	<-running
	return p, func() { close(hold) }
}

func drain(t *testing.T, p *Pool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p.Shutdown(ctx)
}

func TestEveryAcceptedConnectionIsServed(t *testing.T) {
	p := NewNamed("ipc", 3, 16)
	var served atomic.Int32
	for i := 0; i < 12; i++ {
		if !p.Submit(func() {
			time.Sleep(time.Millisecond)
			served.Add(1)
		}) {
			t.Fatalf("connection %d refused", i)
		}
	}
	drain(t, p)
	if got := served.Load(); got != 12 {
		t.Fatalf("served %d connections, want 12", got)
	}
}

func TestFullPoolShedsLoad(t *testing.T) {
	p, release := busyPool(t, 1)
	if !p.Submit(func() {}) {
		t.Fatal("queued connection refused")
	}
	if p.Submit(func() {}) {
		t.Fatal("connection accepted beyond worker and queue capacity")
	}

	st := p.Stats()
	want := Stats{Workers: 1, Active: 1, Queued: 1, Rejected: 1}
	if st != want {
		t.Fatalf("stats = %+v, want %+v", st, want)
	}
	release()
	drain(t, p)
}

func TestClosedPoolRefusesWork(t *testing.T) {
	p := NewNamed("ipc", 2, 2)
	drain(t, p)
	if p.Submit(func() {}) {
		t.Fatal("closed pool accepted a connection")
	}
}

func TestShutdownGivesUpAtDeadline(t *testing.T) {
	p, release := busyPool(t, 4)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	p.Shutdown(ctx)
	if d := time.Since(start); d > time.Second {
		t.Fatalf("Shutdown waited %v past its deadline", d)
	}
}

func TestHandlerPanicKeepsWorkerAlive(t *testing.T) {
	p := NewNamed("ipc", 1, 4)
	var after atomic.Bool
	p.Submit(func() { panic("bad frame") })
	p.Submit(func() { after.Store(true) })
	drain(t, p)
	if !after.Load() {
		t.Fatal("connection after a panic was not served")
	}
	if a := p.Stats().Active; a != 0 {
		t.Fatalf("active = %d after drain", a)
	}
}
