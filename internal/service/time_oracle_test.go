package service

import (
	"testing"
	"time"

	"github.com/stemsi/exstem-proctor/internal/model"
)

func TestComputeTimeState(t *testing.T) {
	t0 := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	end := t0.Add(60 * time.Second)
	submitted := t0.Add(30 * time.Second)

	pending := &model.Attempt{Status: model.AttemptStatusPending, DurationSec: 60}
	ongoing := &model.Attempt{Status: model.AttemptStatusOngoing, DurationSec: 60, StartedAt: &t0, ExpectedEndAt: &end}
	done := &model.Attempt{
		Status: model.AttemptStatusSubmitted, DurationSec: 60,
		StartedAt: &t0, ExpectedEndAt: &end, SubmittedAt: &submitted,
	}

	tests := []struct {
		name          string
		attempt       *model.Attempt
		now           time.Time
		wantStarted   bool
		wantRemaining int64
		wantExpired   bool
		wantLocked    bool
	}{
		{"not started reports full duration", pending, t0, false, 60000, false, false},
		{"not started never expires", pending, t0.Add(time.Hour), false, 60000, false, false},
		{"running", ongoing, t0.Add(10 * time.Second), true, 50000, false, false},
		{"one second left", ongoing, t0.Add(59 * time.Second), true, 1000, false, false},
		{"exactly at deadline", ongoing, end, true, 0, true, true},
		{"past deadline clamps to zero", ongoing, t0.Add(61 * time.Second), true, 0, true, true},
		{"submitted before deadline is locked", done, t0.Add(40 * time.Second), true, 20000, false, true},
		{"submitted after deadline is not expired", done, t0.Add(2 * time.Minute), true, 0, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := ComputeTimeState(tt.attempt, tt.now)
			if st.IsStarted != tt.wantStarted {
				t.Errorf("IsStarted = %v, want %v", st.IsStarted, tt.wantStarted)
			}
			if st.RemainingMs != tt.wantRemaining {
				t.Errorf("RemainingMs = %d, want %d", st.RemainingMs, tt.wantRemaining)
			}
			if st.IsExpired != tt.wantExpired {
				t.Errorf("IsExpired = %v, want %v", st.IsExpired, tt.wantExpired)
			}
			if st.Locked != tt.wantLocked {
				t.Errorf("Locked = %v, want %v", st.Locked, tt.wantLocked)
			}
			if !st.Now.Equal(tt.now) {
				t.Errorf("Now = %v, want %v", st.Now, tt.now)
			}
		})
	}
}

func TestTimeResponseZeroesRemainingWhenLocked(t *testing.T) {
	t0 := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	end := t0.Add(60 * time.Second)
	submitted := t0.Add(10 * time.Second)
	a := &model.Attempt{
		Status: model.AttemptStatusSubmitted, DurationSec: 60,
		StartedAt: &t0, ExpectedEndAt: &end, SubmittedAt: &submitted,
	}

	resp := TimeResponse(a, ComputeTimeState(a, t0.Add(20*time.Second)))
	if !resp.Locked || resp.RemainingMs != 0 {
		t.Fatalf("got locked=%v remaining=%d, want locked with 0", resp.Locked, resp.RemainingMs)
	}
}
