package models

import (
	"time"
)

// EventPolicy is the slice of event master data the scan engine reads.
// Capacity zero means unlimited.
type EventPolicy struct {
	EventRef  string    `json:"event_ref"`
	Name      string    `json:"name"`
	Capacity  int       `json:"capacity"`
	Occupancy int       `json:"occupancy"`
	StartsAt  time.Time `json:"starts_at"`
}

// Full reports whether one more entry would exceed capacity.
func (p EventPolicy) Full() bool {
	return p.Capacity > 0 && p.Occupancy >= p.Capacity
}
