package model

import "testing"

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from string
		to   string
		want bool
	}{
		{"initiated to in_progress", CaseStatusInitiated, CaseStatusInProgress, true},
		{"initiated to error", CaseStatusInitiated, CaseStatusError, true},
		{"initiated to coordinated skips in_progress", CaseStatusInitiated, CaseStatusCoordinated, false},
		{"in_progress to coordinated", CaseStatusInProgress, CaseStatusCoordinated, true},
		{"in_progress to error", CaseStatusInProgress, CaseStatusError, true},
		{"in_progress back to initiated", CaseStatusInProgress, CaseStatusInitiated, false},
		{"coordinated is terminal", CaseStatusCoordinated, CaseStatusInProgress, false},
		{"coordinated to error", CaseStatusCoordinated, CaseStatusError, false},
		{"error is terminal", CaseStatusError, CaseStatusInProgress, false},
		{"error to coordinated", CaseStatusError, CaseStatusCoordinated, false},
		{"unknown status", "archived", CaseStatusInProgress, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%q, %q) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestTerminalCaseStatus(t *testing.T) {
	for _, status := range []string{CaseStatusCoordinated, CaseStatusError} {
		if !TerminalCaseStatus(status) {
			t.Errorf("TerminalCaseStatus(%q) = false, want true", status)
		}
	}
	for _, status := range []string{CaseStatusInitiated, CaseStatusInProgress, ""} {
		if TerminalCaseStatus(status) {
			t.Errorf("TerminalCaseStatus(%q) = true, want false", status)
		}
	}
}

func TestTerminalStepStatus(t *testing.T) {
	for _, status := range []string{StepStatusCompleted, StepStatusFailed} {
		if !TerminalStepStatus(status) {
			t.Errorf("TerminalStepStatus(%q) = false, want true", status)
		}
	}
	for _, status := range []string{StepStatusPending, StepStatusInProgress} {
		if TerminalStepStatus(status) {
			t.Errorf("TerminalStepStatus(%q) = true, want false", status)
		}
	}
}
