package dispatcher

import (
	"context"
	"errors"

	"github.com/looplab/fsm"

	fsmutil "cloupeer.io/transmitter/internal/pkg/util/fsm"
	"cloupeer.io/transmitter/internal/transmitter/identity"
	"cloupeer.io/transmitter/pkg/log"
)

// Upload states. A request unit starts pending and ends finalized, failed,
// or sent when some of its files could not be moved to done.
const (
	StatePending   = "pending"
	StateSigning   = "signing"
	StateUploading = "uploading"
	StateSent      = "sent"
	StateFinalized = "finalized"
	StateFailed    = "failed"
)

const (
	// EventSign starts signing the unit's files.
	EventSign = "event_sign"
	// EventUpload marks the signatures ready and the request under way.
	EventUpload = "event_upload"
	// EventAck records a successful response.
	EventAck = "event_ack"
	// EventFinalize records that every file reached the done directory.
	EventFinalize = "event_finalize"
	// EventFail records a signing, selection or upload failure.
	EventFail = "event_fail"
)

// Lifecycle tracks one upload request: the files it carries and how far it
// got.
type Lifecycle struct {
	*fsm.FSM

	vehicleID identity.VehicleID
	cause     error
}

func NewLifecycle(id identity.VehicleID) *Lifecycle {
	l := &Lifecycle{vehicleID: id}

	events := fsm.Events{
		{Name: EventSign, Src: []string{StatePending}, Dst: StateSigning},
		{Name: EventUpload, Src: []string{StateSigning}, Dst: StateUploading},
		{Name: EventAck, Src: []string{StateUploading}, Dst: StateSent},
		{Name: EventFinalize, Src: []string{StateSent}, Dst: StateFinalized},
		{Name: EventFail, Src: []string{StateSigning, StateUploading}, Dst: StateFailed},
	}

	callbacks := fsm.Callbacks{
		"enter_" + StateFailed: fsmutil.WrapEvent(l.ActionEnterFailed),
		"enter_state":          fsmutil.WrapEvent(l.ActionEnterState),
	}

	l.FSM = fsm.NewFSM(StatePending, events, callbacks)
	return l
}

// ActionEnterFailed keeps the error passed with EventFail.
func (l *Lifecycle) ActionEnterFailed(ctx context.Context, e *fsm.Event) error {
	if len(e.Args) > 0 {
		if err, ok := e.Args[0].(error); ok {
			l.cause = err
		}
	}
	if l.cause == nil {
		l.cause = errors.New("upload failed")
	}
	return nil
}

func (l *Lifecycle) ActionEnterState(ctx context.Context, e *fsm.Event) error {
	log.Debug("Upload state changed", "vehicleID", l.vehicleID, "from", e.Src, "to", e.Dst)
	return nil
}

// Cause returns the error that failed the unit, if any.
func (l *Lifecycle) Cause() error { return l.cause }

// fire triggers event. The unit's own deadline does not apply: a unit that
// timed out must still reach failed. Invalid transitions are programming
// errors and are only logged.
func (l *Lifecycle) fire(ctx context.Context, event string, args ...any) {
	if err := fsmutil.Trigger(context.WithoutCancel(ctx), l.FSM, event, args...); err != nil {
		log.Error(err, "Invalid upload state transition", "vehicleID", l.vehicleID, "state", l.Current(), "event", event)
	}
}
