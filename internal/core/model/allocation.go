package model

// AllocationSource is a bounded compute budget shared by a group of users.
type AllocationSource struct {
	ID              int64
	UUID            string
	Name            string
	ComputeUsed     float64
	ComputeAllowed  float64
	RenewalStrategy string
}

// OverAllocation reports whether the source's budget is exhausted. A
// negative allowance means unlimited.
func (a *AllocationSource) OverAllocation() bool {
	if a.ComputeAllowed < 0 {
		return false
	}
	return a.ComputeUsed >= a.ComputeAllowed
}

// UserAllocationSource joins a user to an allocation source.
type UserAllocationSource struct {
	UserID   int64
	SourceID int64
}
