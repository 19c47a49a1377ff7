package focus

import (
	"fmt"
	"math/rand"
)

// progressCeiling is as far as the simulated counter goes while the backend
// is still working; only real completion reaches 100.
const progressCeiling = 90

// ProgressReport is the poll response for a session.
type ProgressReport struct {
	Percent int    `json:"percent"`
	Phase   string `json:"phase"`
	State   string `json:"state"`
	Done    bool   `json:"done"`
	Message string `json:"message,omitempty"`
}

// Progress reports simulated progress for a session. Each poll advances the
// counter toward the 90 ceiling; completion snaps it to 100. The backend
// emits no real progress signal, so the number is synthetic, but it is
// monotonic and the UI bar never moves backwards. Done reports a terminal
// state, failed included.
func (svc *Service) Progress(id string) (ProgressReport, error) {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	s, ok := svc.sessions[id]
	if !ok {
		return ProgressReport{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	switch s.State {
	case StateDone:
		s.percent = 100
		return ProgressReport{Percent: 100, Phase: "done", State: StateDone, Done: true}, nil
	case StateFailed:
		return ProgressReport{
			Percent: s.percent,
			Phase:   "failed",
			State:   StateFailed,
			Done:    true,
			Message: s.message,
		}, nil
	}
	s.percent = advanceProgress(s.percent)
	return ProgressReport{Percent: s.percent, Phase: progressPhase(s.percent), State: StatePending}, nil
}

// advanceProgress moves the counter a pseudo-random step toward the ceiling.
// The step shrinks with the remaining headroom, so long analyses crawl
// instead of pinning at the ceiling after three polls.
func advanceProgress(p int) int {
	if p >= progressCeiling {
		return progressCeiling
	}
	headroom := progressCeiling - p
	step := 1 + rand.Intn(headroom/6+3)
	if step > headroom {
		step = headroom
	}
	return p + step
}

func progressPhase(p int) string {
	if p < 20 {
		return "uploading"
	}
	return "analyzing"
}
