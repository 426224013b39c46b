package flow

import "mealpass/kiosk/internal/models"

// Page is the single active view of the kiosk panel.
type Page string

const (
	PageLogin       Page = "login"
	PageDashboard   Page = "dashboard"
	PageSuccess     Page = "success"
	PageAlreadyUsed Page = "alreadyUsed"
)

// State is everything the panel renders. It is treated as a value: Reduce
// returns a new State and never mutates its input, so transitions can be
// tested without any I/O.
type State struct {
	Page     Page
	Session  *models.Session
	Conflict *models.RedemptionInfo
	Notice   string
}

// Initial returns the state a kiosk boots into.
func Initial() State {
	return State{Page: PageLogin}
}

// Event is a closed set of things that can happen to the kiosk.
type Event interface {
	isEvent()
}

// LoginSucceeded carries the session created after the store accepted the
// credentials and found no redemption for today.
type LoginSucceeded struct {
	Session models.Session
}

// LoginConflicted carries the recorded redemption the store reported for
// today. The kiosk shows it instead of opening a session.
type LoginConflicted struct {
	Used models.RedemptionInfo
}

// RedemptionLogged fires after the expected QR payload was scanned and the
// store confirmed the redemption was written.
type RedemptionLogged struct{}

// ScanRejected surfaces a transient notice on the dashboard, either a
// payload mismatch or a failed redemption write.
type ScanRejected struct {
	Reason string
}

// NoticeCleared removes a transient notice after its display delay.
type NoticeCleared struct{}

// ConflictAcknowledged is the explicit dismissal of the already-used view.
type ConflictAcknowledged struct{}

// LoggedOut is the teardown event; it is valid from every page.
type LoggedOut struct{}

func (LoginSucceeded) isEvent()       {}
func (LoginConflicted) isEvent()      {}
func (RedemptionLogged) isEvent()     {}
func (ScanRejected) isEvent()         {}
func (NoticeCleared) isEvent()        {}
func (ConflictAcknowledged) isEvent() {}
func (LoggedOut) isEvent()            {}

// Reduce applies one event to the state. Events that are not legal on the
// current page leave the state unchanged, which is what makes a second
// RedemptionLogged from the success page unreachable and late completions
// harmless.
func Reduce(s State, e Event) State {
	switch ev := e.(type) {
	case LoginSucceeded:
		if s.Page != PageLogin {
			return s
		}
		session := ev.Session
		return State{Page: PageDashboard, Session: &session}

	case LoginConflicted:
		if s.Page != PageLogin {
			return s
		}
		used := ev.Used
		return State{Page: PageAlreadyUsed, Conflict: &used}

	case RedemptionLogged:
		if s.Page != PageDashboard {
			return s
		}
		return State{Page: PageSuccess, Session: s.Session}

	case ScanRejected:
		if s.Page != PageDashboard {
			return s
		}
		s.Notice = ev.Reason
		return s

	case NoticeCleared:
		s.Notice = ""
		return s

	case ConflictAcknowledged:
		if s.Page != PageAlreadyUsed {
			return s
		}
		return Initial()

	case LoggedOut:
		return Initial()
	}
	return s
}
