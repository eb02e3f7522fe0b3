package models

import (
	"testing"
	"time"
)

func TestParseTaskStatus(t *testing.T) {
	valid := []string{
		"open", "assigned", "researching", "in_progress", "reviewing",
		"submitted", "need_modification", "rejected", "accepted",
	}
	for _, raw := range valid {
		status, err := ParseTaskStatus(raw)
		if err != nil {
			t.Errorf("ParseTaskStatus(%q) failed: %v", raw, err)
		}
		if string(status) != raw {
			t.Errorf("ParseTaskStatus(%q) = %q", raw, status)
		}
	}

	// The set is closed and no normalization happens.
	invalid := []string{"", "Open", "OPEN", " open", "done", "in progress"}
	for _, raw := range invalid {
		if _, err := ParseTaskStatus(raw); err == nil {
			t.Errorf("ParseTaskStatus(%q) should be rejected", raw)
		}
	}
}

func TestClaimable(t *testing.T) {
	if !TaskStatusOpen.Claimable() {
		t.Error("open should be claimable")
	}
	if !TaskStatusRejected.Claimable() {
		t.Error("rejected (reopened) should be claimable")
	}
	for _, s := range []TaskStatus{TaskStatusAssigned, TaskStatusSubmitted, TaskStatusAccepted, TaskStatusNeedModification} {
		if s.Claimable() {
			t.Errorf("%s should not be claimable", s)
		}
	}
}

func TestCanAdvanceTo(t *testing.T) {
	cases := []struct {
		from, to TaskStatus
		want     bool
	}{
		{TaskStatusAssigned, TaskStatusResearching, true},
		{TaskStatusAssigned, TaskStatusInProgress, true},
		{TaskStatusAssigned, TaskStatusReviewing, true},
		{TaskStatusResearching, TaskStatusInProgress, true},
		{TaskStatusInProgress, TaskStatusReviewing, true},
		{TaskStatusInProgress, TaskStatusResearching, false},
		{TaskStatusReviewing, TaskStatusAssigned, false},
		{TaskStatusResearching, TaskStatusResearching, false},
		{TaskStatusSubmitted, TaskStatusReviewing, false},
		{TaskStatusOpen, TaskStatusResearching, false},
		{TaskStatusAssigned, TaskStatusAccepted, false},
	}
	for _, c := range cases {
		if got := c.from.CanAdvanceTo(c.to); got != c.want {
			t.Errorf("CanAdvanceTo(%s -> %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestSubmittable(t *testing.T) {
	for _, s := range []TaskStatus{TaskStatusAssigned, TaskStatusResearching, TaskStatusInProgress, TaskStatusReviewing, TaskStatusNeedModification} {
		if !s.Submittable() {
			t.Errorf("%s should be submittable", s)
		}
	}
	for _, s := range []TaskStatus{TaskStatusOpen, TaskStatusSubmitted, TaskStatusRejected, TaskStatusAccepted} {
		if s.Submittable() {
			t.Errorf("%s should not be submittable", s)
		}
	}
}

func TestLatestSubmission(t *testing.T) {
	task := &Task{}
	if task.LatestSubmission() != nil {
		t.Error("No submissions means no latest")
	}

	task.Submissions = []Submission{
		{ID: "a", ContentRef: "ipfs://QmFirst", SubmittedAt: time.Now().Add(-time.Hour)},
		{ID: "b", ContentRef: "ipfs://QmSecond", SubmittedAt: time.Now()},
	}
	latest := task.LatestSubmission()
	if latest == nil || latest.ID != "b" {
		t.Errorf("Latest should be the newest entry, got %+v", latest)
	}
}

func TestBalanceAvailable(t *testing.T) {
	bal := Balance{Accrued: 750, Withdrawn: 200}
	if bal.Available() != 550 {
		t.Errorf("Expected 550 available, got %d", bal.Available())
	}
}
