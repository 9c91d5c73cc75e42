package statemachine

import (
	"testing"

	"offerline/internal/domain"
)

func TestValidateTransition(t *testing.T) {
	cases := []struct {
		domain string
		from   string
		to     string
		ok     bool
	}{
		{domain.RoadsideAssistance, "pending", "assigned", true},
		{domain.RoadsideAssistance, "assigned", "in_progress", true},
		{domain.RoadsideAssistance, "in_progress", "completed", true},
		{domain.RoadsideAssistance, "pending", "expired", true},
		{domain.RoadsideAssistance, "pending", "completed", false},
		{domain.RoadsideAssistance, "completed", "pending", false},
		{domain.RoadsideAssistance, "expired", "assigned", false},
		{domain.MechanicalRepair, "pending", "approved", true},
		{domain.MechanicalRepair, "pending", "declined", true},
		{domain.MechanicalRepair, "approved", "scheduled", true},
		{domain.MechanicalRepair, "scheduled", "completed", true},
		{domain.MechanicalRepair, "declined", "pending", false},
		{domain.CargoTransport, "open", "assigned", true},
		{domain.CargoTransport, "assigned", "in_transit", true},
		{domain.CargoTransport, "in_transit", "delivered", true},
		{domain.CargoTransport, "open", "delivered", false},
		{domain.TripRide, "open", "booked", true},
		{domain.TripRide, "booked", "confirmed", true},
		{domain.TripRide, "confirmed", "completed", true},
		{domain.TripRide, "open", "expired", true},
		{domain.TripRide, "booked", "expired", false},
		{"unknown_domain", "pending", "assigned", false},
	}
	for _, c := range cases {
		if got := ValidateTransition(c.domain, c.from, c.to); got != c.ok {
			t.Errorf("%s: %s -> %s = %v, want %v", c.domain, c.from, c.to, got, c.ok)
		}
	}
}

func TestCancellableFromAnyNonTerminal(t *testing.T) {
	for _, d := range Domains() {
		for _, from := range []string{InitialStatus(d), AssignedStatus(d), InProgressStatus(d)} {
			if !ValidateTransition(d, from, StatusCancelled) {
				t.Errorf("%s: expected %s -> cancelled to be legal", d, from)
			}
		}
	}
}

func TestTerminalStatuses(t *testing.T) {
	for _, d := range Domains() {
		for _, status := range []string{CompletedStatus(d), StatusExpired, StatusCancelled} {
			if !Terminal(d, status) {
				t.Errorf("%s: expected %s to be terminal", d, status)
			}
		}
		if Terminal(d, InitialStatus(d)) {
			t.Errorf("%s: initial status should not be terminal", d)
		}
	}
	if !Terminal(domain.MechanicalRepair, "declined") {
		t.Errorf("expected declined to be terminal")
	}
}

func TestAcceptingOffers(t *testing.T) {
	for _, d := range Domains() {
		if !AcceptingOffers(d, InitialStatus(d)) {
			t.Errorf("%s: initial status should accept offers", d)
		}
		if AcceptingOffers(d, AssignedStatus(d)) {
			t.Errorf("%s: assigned status should not accept offers", d)
		}
	}
}

func TestKnownDomains(t *testing.T) {
	for _, d := range Domains() {
		if !Known(d) {
			t.Errorf("expected %s to be known", d)
		}
	}
	if Known("bicycle_courier") {
		t.Errorf("unexpected known domain")
	}
}
