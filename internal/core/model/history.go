package model

import "time"

// InstanceStatusHistory is one append-only node in an instance's status
// chain. Rows ordered by StartDate are contiguous: each row's EndDate
// equals the next row's StartDate, except the final row which is either
// open (EndDate nil) or closed at the instance's own end date.
type InstanceStatusHistory struct {
	ID         int64
	UUID       string
	InstanceID int64
	SizeID     int64
	Status     string
	Activity   string
	StartDate  time.Time
	EndDate    *time.Time
	// Extra is a semi-structured diagnostic payload; consumers must
	// tolerate missing keys.
	Extra map[string]string
}

// Open reports whether this is the instance's current status row.
func (h *InstanceStatusHistory) Open() bool { return h.EndDate == nil }
