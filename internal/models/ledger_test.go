package models

import "testing"

func TestIsValidTransition(t *testing.T) {
	tests := []struct {
		from     string
		to       string
		expected bool
	}{
		// Happy path
		{StateCaptured, StateSubmitted, true},
		{StateSubmitted, StateProviderAccepted, true},
		{StateSubmitted, StateProviderRejected, true},
		{StateProviderAccepted, StateConfirmed, true},
		{StateProviderAccepted, StateRefunded, true},

		// Retry re-entry
		{StateProviderRejected, StateSubmitted, true},
		{StateProviderRejected, StateRefunded, true},

		// Expiry paths
		{StateCaptured, StateExpired, true},
		{StateSubmitted, StateExpired, true},
		{StateProviderAccepted, StateExpired, true},
		{StateProviderRejected, StateExpired, true},

		// Cancellation
		{StateCaptured, StateCancelled, true},

		// Terminal states never move
		{StateConfirmed, StateRefunded, false},
		{StateConfirmed, StateSubmitted, false},
		{StateRefunded, StateConfirmed, false},
		{StateExpired, StateSubmitted, false},
		{StateCancelled, StateRefunded, false},

		// Skipping steps
		{StateCaptured, StateProviderAccepted, false},
		{StateCaptured, StateConfirmed, false},
		{StateSubmitted, StateConfirmed, false},
		{StateSubmitted, StateCancelled, false},

		// Unknown states
		{"nonexistent", StateSubmitted, false},
		{StateCaptured, "nonexistent", false},
	}

	for _, tt := range tests {
		t.Run(tt.from+"->"+tt.to, func(t *testing.T) {
			result := IsValidTransition(tt.from, tt.to)
			if result != tt.expected {
				t.Errorf("IsValidTransition(%q, %q) = %v, want %v", tt.from, tt.to, result, tt.expected)
			}
		})
	}
}

func TestAllStatesHaveTransitionEntry(t *testing.T) {
	allStates := []string{
		StateCaptured, StateSubmitted,
		StateProviderAccepted, StateProviderRejected,
		StateConfirmed, StateRefunded, StateExpired, StateCancelled,
	}

	for _, state := range allStates {
		if _, ok := ValidTransitions[state]; !ok {
			t.Errorf("state %q missing from ValidTransitions map", state)
		}
	}
}

func TestTerminalStatesHaveNoTransitions(t *testing.T) {
	for state, transitions := range ValidTransitions {
		if IsTerminalState(state) && len(transitions) != 0 {
			t.Errorf("terminal state %q should have no transitions, got %v", state, transitions)
		}
		if !IsTerminalState(state) && len(transitions) == 0 {
			t.Errorf("non-terminal state %q has no way out", state)
		}
	}
}

func TestIsValidServiceKind(t *testing.T) {
	for _, kind := range []string{ServiceAirtime, ServiceData, ServiceElectricity, ServiceTV} {
		if !IsValidServiceKind(kind) {
			t.Errorf("IsValidServiceKind(%q) = false, want true", kind)
		}
	}
	if IsValidServiceKind("betting") {
		t.Error("IsValidServiceKind(\"betting\") = true, want false")
	}
}
