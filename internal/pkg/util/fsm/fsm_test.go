package fsm

import (
	"context"
	"errors"
	"testing"

	"github.com/looplab/fsm"
)

func newMachine(enter func(ctx context.Context, e *fsm.Event) error) *fsm.FSM {
	return fsm.NewFSM("idle",
		fsm.Events{
			{Name: "start", Src: []string{"idle"}, Dst: "running"},
			{Name: "touch", Src: []string{"running"}, Dst: "running"},
		},
		fsm.Callbacks{"enter_running": WrapEvent(enter)},
	)
}

func TestWrapEventPropagatesError(t *testing.T) {
	boom := errors.New("boom")
	f := newMachine(func(context.Context, *fsm.Event) error { return boom })

	if err := f.Event(context.Background(), "start"); !errors.Is(err, boom) {
		t.Fatalf("Event() error = %v, want %v", err, boom)
	}
	if f.Current() != "running" {
		t.Errorf("Current() = %q, want running", f.Current())
	}
}

func TestTrigger(t *testing.T) {
	var entered int
	f := newMachine(func(context.Context, *fsm.Event) error {
		entered++
		return nil
	})
	ctx := context.Background()

	if err := Trigger(ctx, f, "start"); err != nil {
		t.Fatalf("Trigger(start) error = %v", err)
	}
	if err := Trigger(ctx, f, "touch"); err != nil {
		t.Errorf("Trigger(touch) on same state error = %v", err)
	}
	if err := Trigger(ctx, f, "start"); err == nil {
		t.Error("Trigger(start) from running: expected invalid event error")
	}
	if entered != 1 {
		t.Errorf("enter callback ran %d times, want 1", entered)
	}
}
