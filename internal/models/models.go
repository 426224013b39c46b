package models

import "time"

// StaffRecord is the roster entry the ticket store returns on a successful
// login: the fields the kiosk shows on the dashboard and stamps into the
// redemption log.
type StaffRecord struct {
	StaffID    string
	Name       string
	Department string
	Location   string
	Price      string
}

// Session is the authenticated context for one staff member on this kiosk.
// At most one session exists per kiosk at a time; it is destroyed on logout
// or when the store reports an already-used conflict.
type Session struct {
	StaffID    string
	Name       string
	Department string
	Location   string
	Price      string
	LoginTime  time.Time
	SessionID  string
}

// RedemptionInfo carries the recorded fields of today's redemption when the
// store reports that the staff member already redeemed. Dates and times are
// kept as the store's own strings, not reparsed.
type RedemptionInfo struct {
	StaffID    string
	Name       string
	Department string
	Location   string
	UsedDate   string
	UsedTime   string
	Price      string
}
