package service

import (
	"time"

	"github.com/stemsi/exstem-proctor/internal/model"
)

// ComputeTimeState derives the time verdict of a at now. It is pure and must
// be re-evaluated per request; the server clock is the only source of truth.
func ComputeTimeState(a *model.Attempt, now time.Time) model.TimeState {
	st := model.TimeState{
		IsStarted:   a.StartedAt != nil && a.ExpectedEndAt != nil,
		IsSubmitted: a.IsSubmitted(),
		Now:         now,
	}

	if st.IsStarted {
		remaining := a.ExpectedEndAt.Sub(now).Milliseconds()
		if remaining < 0 {
			remaining = 0
		}
		st.RemainingMs = remaining
		st.IsExpired = !a.ExpectedEndAt.After(now) && !st.IsSubmitted
	} else {
		st.RemainingMs = int64(a.DurationSec) * 1000
	}

	st.Locked = st.IsExpired || st.IsSubmitted
	return st
}

// TimeResponse renders the time endpoint body. A locked attempt reports no
// remaining time.
func TimeResponse(a *model.Attempt, st model.TimeState) model.AttemptTimeResponse {
	remaining := st.RemainingMs
	if st.Locked {
		remaining = 0
	}
	return model.AttemptTimeResponse{
		AttemptID:     a.ID,
		Status:        a.Status,
		StartedAt:     a.StartedAt,
		ExpectedEndAt: a.ExpectedEndAt,
		SubmittedAt:   a.SubmittedAt,
		Now:           st.Now,
		RemainingMs:   remaining,
		IsExpired:     st.IsExpired,
		Locked:        st.Locked,
	}
}
