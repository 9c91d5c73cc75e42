package statemachine

import (
	"offerline/internal/domain"
)

// Shared terminal statuses. Expired and cancelled exist in every domain
// table; the remaining statuses are domain-specific.
const (
	StatusExpired   = "expired"
	StatusCancelled = "cancelled"
)

// table describes one marketplace domain's request lifecycle.
type table struct {
	initial     string
	assigned    string
	inProgress  string
	completed   string
	transitions map[string][]string
}

var tables = map[string]table{
	domain.RoadsideAssistance: {
		initial:    "pending",
		assigned:   "assigned",
		inProgress: "in_progress",
		completed:  "completed",
		transitions: map[string][]string{
			"pending":     {"assigned", StatusExpired, StatusCancelled},
			"assigned":    {"in_progress", StatusCancelled},
			"in_progress": {"completed", StatusCancelled},
		},
	},
	domain.MechanicalRepair: {
		initial:    "pending",
		assigned:   "approved",
		inProgress: "scheduled",
		completed:  "completed",
		transitions: map[string][]string{
			"pending":   {"approved", "declined", StatusExpired, StatusCancelled},
			"approved":  {"scheduled", StatusCancelled},
			"scheduled": {"completed", StatusCancelled},
		},
	},
	domain.CargoTransport: {
		initial:    "open",
		assigned:   "assigned",
		inProgress: "in_transit",
		completed:  "delivered",
		transitions: map[string][]string{
			"open":       {"assigned", StatusExpired, StatusCancelled},
			"assigned":   {"in_transit", StatusCancelled},
			"in_transit": {"delivered", StatusCancelled},
		},
	},
	domain.TripRide: {
		initial:    "open",
		assigned:   "booked",
		inProgress: "confirmed",
		completed:  "completed",
		transitions: map[string][]string{
			"open":      {"booked", StatusExpired, StatusCancelled},
			"booked":    {"confirmed", StatusCancelled},
			"confirmed": {"completed", StatusCancelled},
		},
	},
}

// Known reports whether the domain tag has a lifecycle table.
func Known(domainTag string) bool {
	_, ok := tables[domainTag]
	return ok
}

// Domains lists every domain tag with a lifecycle table.
func Domains() []string {
	return []string{
		domain.RoadsideAssistance,
		domain.MechanicalRepair,
		domain.CargoTransport,
		domain.TripRide,
	}
}

// ValidateTransition reports whether from -> to is a legal request status
// move in the given domain. Pure and deterministic; every mutating operation
// in the engine goes through it.
func ValidateTransition(domainTag, from, to string) bool {
	t, ok := tables[domainTag]
	if !ok {
		return false
	}
	for _, next := range t.transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// InitialStatus is the domain's "accepting offers" status a new request
// starts in.
func InitialStatus(domainTag string) string {
	return tables[domainTag].initial
}

// AssignedStatus is the status a successful acceptance moves a request to.
func AssignedStatus(domainTag string) string {
	return tables[domainTag].assigned
}

// InProgressStatus is the status between assignment and completion
// (in_progress, scheduled, in_transit, confirmed depending on domain).
func InProgressStatus(domainTag string) string {
	return tables[domainTag].inProgress
}

// CompletedStatus is the domain's successful terminal status.
func CompletedStatus(domainTag string) string {
	return tables[domainTag].completed
}

// AcceptingOffers reports whether a request in the given status may receive
// or have accepted offers.
func AcceptingOffers(domainTag, status string) bool {
	t, ok := tables[domainTag]
	return ok && status == t.initial
}

// Terminal reports whether the status has no outgoing transitions.
func Terminal(domainTag, status string) bool {
	t, ok := tables[domainTag]
	if !ok {
		return true
	}
	return len(t.transitions[status]) == 0
}
