package pipeline

import "testing"

func TestCancelStopIsIdempotentAndObservable(t *testing.T) {
	c := NewCancel()
	if c.Stopped() {
		t.Fatal("new Cancel must not start stopped")
	}
	c.Stop()
	c.Stop() // must not panic
	if !c.Stopped() {
		t.Fatal("Stopped() must report true after Stop()")
	}
	select {
	case <-c.Done():
	default:
		t.Fatal("Done() channel must be closed after Stop()")
	}
}
