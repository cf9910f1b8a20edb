package switcher

import "time"

// SchedulerState is the rotation state machine's current phase.
type SchedulerState string

const (
	// StateIdle means no camera has been selected yet.
	StateIdle SchedulerState = "idle"
	// StateActive means a camera is selected and rotation is running.
	StateActive SchedulerState = "active"
	// StateDegraded means every camera is currently skip-marked. The
	// scheduler clears skip marks once per full pass and retries on the
	// normal switch interval instead of spinning.
	StateDegraded SchedulerState = "degraded"
)

// RotationScheduler owns the rotation order and the skip list. It is a
// passive state machine: the supervisor's single control loop calls Next on
// timer ticks or on out-of-band source failures, and reports failed cameras
// with MarkFailed. The scheduler never touches the pipeline.
type RotationScheduler struct {
	registry *Registry
	skipTTL  time.Duration

	state        SchedulerState
	current      int
	skipped      map[string]time.Time
	lastSwitchAt time.Time
	cycleCount   int
}

// NewRotationScheduler builds a scheduler over the registry. Skip-list
// entries expire after skipTTL so transiently offline cameras are retried.
func NewRotationScheduler(reg *Registry, skipTTL time.Duration) *RotationScheduler {
	return &RotationScheduler{
		registry: reg,
		skipTTL:  skipTTL,
		state:    StateIdle,
		current:  -1,
		skipped:  make(map[string]time.Time),
	}
}

// Next advances to the next eligible camera in registry order, wrapping
// around and skipping cameras whose skip entry has not expired. The second
// return is false when every camera is skip-marked: the scheduler enters
// Degraded and clears all skip marks so the following call retries the full
// registry from the top.
func (s *RotationScheduler) Next(now time.Time) (Camera, bool) {
	s.expireSkips(now)

	n := s.registry.Len()
	for step := 1; step <= n; step++ {
		idx := (s.current + step) % n
		if s.current < 0 {
			idx = step - 1
		}
		cam := s.registry.At(idx)
		if _, skip := s.skipped[cam.ID]; skip {
			continue
		}
		if idx <= s.current || s.current < 0 {
			s.cycleCount++
		}
		s.current = idx
		s.state = StateActive
		s.lastSwitchAt = now
		return cam, true
	}

	// Full pass with nothing eligible: degrade and clear skip marks so the
	// next pass retries every camera.
	s.state = StateDegraded
	s.skipped = make(map[string]time.Time)
	return Camera{}, false
}

// MarkFailed records that a camera is currently unhealthy. It stays out of
// rotation until the skip entry expires.
func (s *RotationScheduler) MarkFailed(id string, now time.Time) {
	s.skipped[id] = now.Add(s.skipTTL)
}

// Current returns the active camera, if any.
func (s *RotationScheduler) Current() (Camera, bool) {
	if s.current < 0 {
		return Camera{}, false
	}
	return s.registry.At(s.current), true
}

// State returns the scheduler's phase.
func (s *RotationScheduler) State() SchedulerState { return s.state }

// CycleCount returns how many full registry passes have started.
func (s *RotationScheduler) CycleCount() int { return s.cycleCount }

// LastSwitchAt returns when the active camera last changed.
func (s *RotationScheduler) LastSwitchAt() time.Time { return s.lastSwitchAt }

// SkippedIDs returns the ids currently skip-marked, in registry order.
func (s *RotationScheduler) SkippedIDs(now time.Time) []string {
	s.expireSkips(now)
	out := make([]string, 0, len(s.skipped))
	for _, cam := range s.registry.Cameras() {
		if _, ok := s.skipped[cam.ID]; ok {
			out = append(out, cam.ID)
		}
	}
	return out
}

func (s *RotationScheduler) expireSkips(now time.Time) {
	for id, until := range s.skipped {
		if !now.Before(until) {
			delete(s.skipped, id)
		}
	}
}
