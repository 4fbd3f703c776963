package lifter

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/isabella232/vmill/pkg/decoder"
)

type fakeLifter struct {
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	err         error
}

func (f *fakeLifter) Lift(ctx context.Context, traces []decoder.Trace) (*Module, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		max := f.maxInFlight.Load()
		if n <= max || f.maxInFlight.CompareAndSwap(max, n) {
			break
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	time.Sleep(10 * time.Millisecond)
	return &Module{}, nil
}

func TestPoolSubmitReturnsModule(t *testing.T) {
	fl := &fakeLifter{}
	p := NewPool(fl, 2)

	result := <-p.Submit(context.Background(), nil)
	if result.Err != nil {
		t.Fatalf("unexpected error: %v", result.Err)
	}
	if result.Module == nil {
		t.Fatal("expected a non-nil module")
	}
}

func TestPoolSubmitPropagatesError(t *testing.T) {
	fl := &fakeLifter{err: errors.New("lift failed")}
	p := NewPool(fl, 1)

	result := <-p.Submit(context.Background(), nil)
	if result.Err == nil {
		t.Fatal("expected an error to propagate")
	}
}

func TestPoolBoundsConcurrency(t *testing.T) {
	fl := &fakeLifter{}
	p := NewPool(fl, 2)

	var chans []<-chan Result
	for i := 0; i < 5; i++ {
		chans = append(chans, p.Submit(context.Background(), nil))
	}
	for _, c := range chans {
		<-c
	}
	if fl.maxInFlight.Load() > 2 {
		t.Errorf("pool allowed %d concurrent Lift calls, want <= 2", fl.maxInFlight.Load())
	}
}
