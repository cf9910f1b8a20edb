package switcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"stream-switcher/internal/platform/metrics"
)

// ErrPipelineExhausted is the one fatal pipeline condition: the degraded
// state (or encoder crash looping) persisted past the configured ceiling.
// Everything below that ceiling is retried, never surfaced as process death.
var ErrPipelineExhausted = errors.New("pipeline failed after exhausting retries")

// SupervisorPhase is the pipeline supervisor's state machine phase.
type SupervisorPhase string

const (
	PhaseStarting   SupervisorPhase = "starting"
	PhaseStreaming  SupervisorPhase = "streaming"
	PhaseSwapping   SupervisorPhase = "swapping_source"
	PhaseRestarting SupervisorPhase = "restarting"
	PhaseStopped    SupervisorPhase = "stopped"
)

// Status is a point-in-time snapshot for the operator surface.
type Status struct {
	Phase           SupervisorPhase `json:"phase"`
	Scheduler       SchedulerState  `json:"scheduler"`
	CameraID        string          `json:"camera_id,omitempty"`
	CameraName      string          `json:"camera_name,omitempty"`
	Skipped         []string        `json:"skipped,omitempty"`
	CycleCount      int             `json:"cycle_count"`
	LastSwitchAt    time.Time       `json:"last_switch_at,omitzero"`
	FeederRestarts  int             `json:"feeder_restarts"`
	EncoderRestarts int             `json:"encoder_restarts"`
}

// pipelineHandle tracks the one live feeder. It is destroyed and replaced on
// every source swap or crash restart; at most one exists at any instant.
type pipelineHandle struct {
	proc         ProcessHandle
	camera       Camera
	startedAt    time.Time
	restartCount int
}

// Supervisor owns the lifecycle of the encoding pipeline: one persistent
// encoder process reading from the pipe, and one feeder process per active
// camera writing into it. A single control goroutine (Run) drives rotation
// ticks, crash recovery, and swaps, so source swaps are strictly serialized
// and no two processes ever write to the same sink concurrently.
type Supervisor struct {
	cfg       StreamConfig
	scheduler *RotationScheduler
	resolver  Resolver
	launcher  Launcher
	sink      Sink
	fifoPath  string
	log       *slog.Logger
	met       *metrics.Metrics

	mu     sync.Mutex
	status Status

	totalFeederRestarts  int
	totalEncoderRestarts int
}

// NewSupervisor wires the supervisor. Metrics may be nil.
func NewSupervisor(cfg StreamConfig, sched *RotationScheduler, res Resolver, launcher Launcher, sink Sink, fifoPath string, log *slog.Logger, met *metrics.Metrics) *Supervisor {
	return &Supervisor{
		cfg:       cfg,
		scheduler: sched,
		resolver:  res,
		launcher:  launcher,
		sink:      sink,
		fifoPath:  fifoPath,
		log:       log,
		met:       met,
		status:    Status{Phase: PhaseStarting, Scheduler: StateIdle},
	}
}

// Status returns the current supervisor snapshot. Safe for concurrent use.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

type runState struct {
	enc     ProcessHandle
	encDone <-chan error

	feeder  *pipelineHandle
	cam     Camera
	haveCam bool

	everStreamed   bool
	encRestarts    int
	degradedPasses int
	sameCamRetries int
}

// Run drives the supervision loop until ctx is cancelled (clean shutdown,
// returns nil) or a fatal condition occurs (ErrSinkFailure,
// ErrPipelineExhausted). Cancellation interrupts in-flight resolution,
// process-exit waits, and timer sleeps, then tears down any live processes.
func (s *Supervisor) Run(ctx context.Context) error {
	rs := &runState{}

	enc, err := s.launcher.LaunchEncoder(ctx, s.encoderSpec())
	if err != nil {
		if s.sink.Mode == OutputNetwork {
			return fmt.Errorf("%w: %v", ErrSinkFailure, err)
		}
		return fmt.Errorf("start encoder: %w", err)
	}
	rs.enc = enc
	rs.encDone = enc.Done()
	s.log.Info("encoder started", slog.String("sink", s.sink.Target()))

	defer s.teardown(rs)

	timer := time.NewTimer(s.cfg.SwitchInterval)
	stopTimer(timer)
	defer timer.Stop()

	for {
		if rs.feeder == nil {
			if err := s.ensureStreaming(ctx, rs, timer); err != nil {
				return finishErr(err)
			}
			continue
		}

		select {
		case <-ctx.Done():
			return nil

		case <-timer.C:
			// Scheduled rotation: input-side swap. The encoder and its
			// output connection stay up; only the feeder is replaced, and
			// the old one is fully torn down before a new one starts.
			s.setPhase(PhaseSwapping, rs.cam)
			s.stopFeeder(rs)
			rs.haveCam = false

		case ferr := <-rs.feeder.proc.Done():
			rs.feeder = nil
			s.setPhase(PhaseRestarting, rs.cam)
			s.log.Warn("feeder exited unexpectedly",
				slog.String("camera", rs.cam.ID),
				slog.Any("error", ferr))
			if err := s.recoverFeeder(ctx, rs); err != nil {
				return finishErr(err)
			}

		case eerr := <-rs.encDone:
			if err := s.recoverEncoder(ctx, rs, eerr); err != nil {
				return finishErr(err)
			}
		}
	}
}

// ensureStreaming selects a camera (advancing rotation unless a same-camera
// retry is pending), resolves it, and starts its feeder. Resolution failures
// mark the camera unhealthy and move on; an all-skipped registry degrades and
// waits a full switch interval per pass, up to the failure ceiling.
func (s *Supervisor) ensureStreaming(ctx context.Context, rs *runState, timer *time.Timer) error {
	// A dead encoder is noticed before anything else: on the network sink a
	// refusal at startup must surface as SinkFailure before any feeder runs.
	select {
	case eerr := <-rs.encDone:
		return s.recoverEncoder(ctx, rs, eerr)
	default:
	}

	if !rs.haveCam {
		cam, ok := s.scheduler.Next(time.Now())
		if !ok {
			rs.degradedPasses++
			s.setPhase(PhaseRestarting, Camera{})
			s.metSetDegraded(true)
			s.log.Warn("all cameras unreachable, degraded",
				slog.Int("pass", rs.degradedPasses),
				slog.Int("ceiling", s.cfg.FailureCeiling))
			if rs.degradedPasses > s.cfg.FailureCeiling {
				return ErrPipelineExhausted
			}
			return s.wait(ctx, rs, s.cfg.SwitchInterval)
		}
		rs.cam = cam
		rs.haveCam = true
		rs.sameCamRetries = 0
	}

	if rs.everStreamed {
		s.setPhase(PhaseSwapping, rs.cam)
	} else {
		s.setPhase(PhaseStarting, rs.cam)
	}

	src, err := s.resolver.Resolve(ctx, rs.cam)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.noteResolutionFailure(rs.cam, err)
		s.scheduler.MarkFailed(rs.cam.ID, time.Now())
		rs.haveCam = false
		return nil
	}

	feeder, err := s.launcher.LaunchFeeder(ctx, FeederSpec{
		Binary:   s.cfg.EncoderBinary,
		FIFOPath: s.fifoPath,
		Source:   src,
		Mix:      NewMixSpec(s.cfg, rs.cam),
	})
	if err != nil {
		s.log.Error("feeder start failed",
			slog.String("camera", rs.cam.ID),
			slog.Any("error", err))
		s.scheduler.MarkFailed(rs.cam.ID, time.Now())
		rs.haveCam = false
		return nil
	}

	rs.feeder = &pipelineHandle{
		proc:         feeder,
		camera:       rs.cam,
		startedAt:    time.Now(),
		restartCount: rs.sameCamRetries,
	}
	rs.everStreamed = true
	rs.degradedPasses = 0
	rs.encRestarts = 0
	s.metSetDegraded(false)
	s.metIncSwitches()
	s.setPhase(PhaseStreaming, rs.cam)
	s.log.Info("streaming camera",
		slog.String("camera", rs.cam.ID),
		slog.String("name", rs.cam.Name))

	stopTimer(timer)
	timer.Reset(s.cfg.SwitchInterval)
	return nil
}

// recoverFeeder handles an unexpected feeder exit: retry the same camera up
// to the configured limit with exponential backoff, then mark it unhealthy
// and let rotation advance early.
func (s *Supervisor) recoverFeeder(ctx context.Context, rs *runState) error {
	s.totalFeederRestarts++
	s.metIncFeederRestarts()

	if rs.sameCamRetries < s.cfg.FeederRestartLimit {
		rs.sameCamRetries++
		s.log.Info("retrying camera",
			slog.String("camera", rs.cam.ID),
			slog.Int("attempt", rs.sameCamRetries),
			slog.Int("limit", s.cfg.FeederRestartLimit))
		// haveCam stays set: the same camera is re-resolved, because the
		// previous direct URL was a single-use grant.
		return s.wait(ctx, rs, backoff(s.cfg.RestartBackoff, rs.sameCamRetries))
	}

	s.scheduler.MarkFailed(rs.cam.ID, time.Now())
	s.log.Warn("camera marked unhealthy",
		slog.String("camera", rs.cam.ID),
		slog.Duration("skip_ttl", s.cfg.SkipTTL))
	rs.haveCam = false
	return nil
}

// recoverEncoder handles encoder process death. Before the first successful
// feeder start a dead encoder on the network sink means the endpoint refused
// us: that is a SinkFailure, fatal immediately. Otherwise the encoder is
// relaunched with backoff, bounded by EncoderRestartLimit.
func (s *Supervisor) recoverEncoder(ctx context.Context, rs *runState, cause error) error {
	if !rs.everStreamed && s.sink.Mode == OutputNetwork {
		return fmt.Errorf("%w: encoder exited before streaming began: %v", ErrSinkFailure, cause)
	}

	s.setPhase(PhaseRestarting, rs.cam)
	s.log.Warn("encoder exited unexpectedly", slog.Any("error", cause))

	// The feeder writes into a pipe nobody reads now; stop it and restart
	// from the same camera once the encoder is back.
	if rs.feeder != nil {
		s.stopFeeder(rs)
	}

	for {
		rs.encRestarts++
		s.totalEncoderRestarts++
		s.metIncEncoderRestarts()
		if rs.encRestarts > s.cfg.EncoderRestartLimit {
			return ErrPipelineExhausted
		}
		if err := sleepCtx(ctx, backoff(s.cfg.RestartBackoff, rs.encRestarts)); err != nil {
			return err
		}
		enc, err := s.launcher.LaunchEncoder(ctx, s.encoderSpec())
		if err == nil {
			rs.enc = enc
			rs.encDone = enc.Done()
			s.log.Info("encoder restarted", slog.Int("attempt", rs.encRestarts))
			return nil
		}
		s.log.Error("encoder restart failed",
			slog.Int("attempt", rs.encRestarts),
			slog.Any("error", err))
	}
}

// wait sleeps for d while still reacting to shutdown and encoder death.
func (s *Supervisor) wait(ctx context.Context, rs *runState, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	case eerr := <-rs.encDone:
		return s.recoverEncoder(ctx, rs, eerr)
	}
}

// stopFeeder tears the live feeder down and waits for confirmation, which is
// what keeps the at-most-one-writer invariant: a new feeder is never started
// until the old one's exit is observed.
func (s *Supervisor) stopFeeder(rs *runState) {
	if rs.feeder == nil {
		return
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), s.stopGrace())
	defer cancel()
	if err := rs.feeder.proc.Stop(stopCtx); err != nil {
		s.log.Warn("feeder stop timed out",
			slog.String("camera", rs.feeder.camera.ID),
			slog.Any("error", err))
	}
	rs.feeder = nil
}

func (s *Supervisor) teardown(rs *runState) {
	s.stopFeeder(rs)
	if rs.enc != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), s.stopGrace())
		defer cancel()
		if err := rs.enc.Stop(stopCtx); err != nil {
			s.log.Warn("encoder stop timed out", slog.Any("error", err))
		}
		rs.enc = nil
	}
	s.setPhase(PhaseStopped, Camera{})
	s.log.Info("pipeline stopped")
}

func (s *Supervisor) encoderSpec() EncoderSpec {
	return EncoderSpec{
		Binary:       s.cfg.EncoderBinary,
		FIFOPath:     s.fifoPath,
		MusicFile:    s.cfg.MusicFile,
		Mix:          NewMixSpec(s.cfg, Camera{}),
		Resolution:   s.cfg.Resolution,
		VideoBitrate: s.cfg.VideoBitrate,
		AudioBitrate: s.cfg.AudioBitrate,
		FrameRate:    s.cfg.FrameRate,
		Sink:         s.sink,
	}
}

func (s *Supervisor) noteResolutionFailure(cam Camera, err error) {
	var rerr *ResolutionError
	reason := ReasonMalformed
	if errors.As(err, &rerr) {
		reason = rerr.Reason
	}
	s.metIncResolutionFailure(string(reason))
	if reason == ReasonOffline {
		// Expected condition, not an alarm.
		s.log.Info("camera offline", slog.String("camera", cam.ID))
		return
	}
	s.log.Warn("resolution failed",
		slog.String("camera", cam.ID),
		slog.String("reason", string(reason)),
		slog.Any("error", err))
}

func (s *Supervisor) setPhase(phase SupervisorPhase, cam Camera) {
	now := time.Now()
	st := Status{
		Phase:           phase,
		Scheduler:       s.scheduler.State(),
		CameraID:        cam.ID,
		CameraName:      cam.Name,
		Skipped:         s.scheduler.SkippedIDs(now),
		CycleCount:      s.scheduler.CycleCount(),
		LastSwitchAt:    s.scheduler.LastSwitchAt(),
		FeederRestarts:  s.totalFeederRestarts,
		EncoderRestarts: s.totalEncoderRestarts,
	}
	s.metSetStreaming(phase == PhaseStreaming)
	s.metSetSkipped(len(st.Skipped))

	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

func (s *Supervisor) stopGrace() time.Duration {
	if s.cfg.StopGrace > 0 {
		return s.cfg.StopGrace
	}
	return 5 * time.Second
}

func (s *Supervisor) metIncSwitches() {
	if s.met != nil {
		s.met.IncSwitches()
	}
}

func (s *Supervisor) metIncFeederRestarts() {
	if s.met != nil {
		s.met.IncFeederRestarts()
	}
}

func (s *Supervisor) metIncEncoderRestarts() {
	if s.met != nil {
		s.met.IncEncoderRestarts()
	}
}

func (s *Supervisor) metIncResolutionFailure(reason string) {
	if s.met != nil {
		s.met.IncResolutionFailure(reason)
	}
}

func (s *Supervisor) metSetDegraded(v bool) {
	if s.met != nil {
		s.met.SetDegraded(v)
	}
}

func (s *Supervisor) metSetStreaming(v bool) {
	if s.met != nil {
		s.met.SetStreaming(v)
	}
}

func (s *Supervisor) metSetSkipped(n int) {
	if s.met != nil {
		s.met.SetSkippedCameras(n)
	}
}

// finishErr maps context cancellation onto a clean shutdown.
func finishErr(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func backoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > 30*time.Second {
			return 30 * time.Second
		}
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}
