package notify

import (
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestLatchSignalAndConsume(t *testing.T) {
	l := NewLatch()

	select {
	case <-l.Wait():
		t.Fatal("fresh latch is signalled")
	default:
	}

	l.Signal()
	select {
	case <-l.Wait():
	default:
		t.Fatal("signalled latch did not deliver")
	}

	// Receiving consumed the signal.
	select {
	case <-l.Wait():
		t.Fatal("signal delivered twice")
	default:
	}
}

func TestLatchCoalescesSignals(t *testing.T) {
	l := NewLatch()
	for i := 0; i < 100; i++ {
		l.Signal() // must never block
	}

	<-l.Wait()
	select {
	case <-l.Wait():
		t.Fatal("burst of signals delivered more than once")
	default:
	}
}

func TestLatchClear(t *testing.T) {
	l := NewLatch()
	l.Signal()
	l.Clear()

	select {
	case <-l.Wait():
		t.Fatal("cleared latch still signalled")
	default:
	}

	// Clearing an unsignalled latch is a no-op.
	l.Clear()
}

func TestLatchWakesWaiter(t *testing.T) {
	l := NewLatch()
	done := make(chan struct{})
	go func() {
		<-l.Wait()
		close(done)
	}()

	l.Signal()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never woke")
	}
}
