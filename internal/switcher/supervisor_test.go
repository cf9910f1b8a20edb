package switcher

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// fakeHandle is a scriptable stand-in for a supervised process.
type fakeHandle struct {
	launcher *fakeLauncher
	role     string
	camera   string
	done     chan error
	once     sync.Once
}

func (h *fakeHandle) Done() <-chan error { return h.done }

func (h *fakeHandle) Stop(ctx context.Context) error {
	h.exit(nil)
	return nil
}

func (h *fakeHandle) exit(err error) {
	h.once.Do(func() {
		h.launcher.noteExit(h.role)
		h.done <- err
	})
}

// fakeLauncher records every start/stop and tracks concurrent liveness so
// tests can assert the at-most-one-writer invariant.
type fakeLauncher struct {
	mu sync.Mutex

	feederStarts  []string
	encoderStarts int

	liveFeeders  int
	liveEncoders int
	maxFeeders   int
	maxEncoders  int

	// crashFeeders lists cameras whose feeder exits with an error shortly
	// after launch.
	crashFeeders map[string]bool
	// encoderRefused makes every encoder exit with an error immediately,
	// simulating a sink that rejects the connection.
	encoderRefused bool
	// crashFirstEncoderAfter, when set, kills only the first encoder after
	// the delay.
	crashFirstEncoderAfter time.Duration
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{crashFeeders: make(map[string]bool)}
}

func (l *fakeLauncher) LaunchEncoder(ctx context.Context, spec EncoderSpec) (ProcessHandle, error) {
	l.mu.Lock()
	l.encoderStarts++
	first := l.encoderStarts == 1
	l.liveEncoders++
	if l.liveEncoders > l.maxEncoders {
		l.maxEncoders = l.liveEncoders
	}
	l.mu.Unlock()

	h := &fakeHandle{launcher: l, role: "encoder", done: make(chan error, 1)}
	if l.encoderRefused {
		h.exit(errors.New("connection refused"))
	} else if first && l.crashFirstEncoderAfter > 0 {
		go func() {
			time.Sleep(l.crashFirstEncoderAfter)
			h.exit(errors.New("encoder crashed"))
		}()
	}
	return h, nil
}

func (l *fakeLauncher) LaunchFeeder(ctx context.Context, spec FeederSpec) (ProcessHandle, error) {
	cam := spec.Source.Camera.ID
	l.mu.Lock()
	l.feederStarts = append(l.feederStarts, cam)
	l.liveFeeders++
	if l.liveFeeders > l.maxFeeders {
		l.maxFeeders = l.liveFeeders
	}
	crash := l.crashFeeders[cam]
	l.mu.Unlock()

	h := &fakeHandle{launcher: l, role: "feeder", camera: cam, done: make(chan error, 1)}
	if crash {
		go func() {
			time.Sleep(2 * time.Millisecond)
			h.exit(errors.New("feeder crashed"))
		}()
	}
	return h, nil
}

func (l *fakeLauncher) noteExit(role string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if role == "encoder" {
		l.liveEncoders--
	} else {
		l.liveFeeders--
	}
}

func (l *fakeLauncher) feeders() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.feederStarts))
	copy(out, l.feederStarts)
	return out
}

func (l *fakeLauncher) live() (feeders, encoders int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.liveFeeders, l.liveEncoders
}

// fakeResolver resolves instantly, failing the listed cameras.
type fakeResolver struct {
	mu    sync.Mutex
	fail  map[string]*ResolutionError
	calls []string
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{fail: make(map[string]*ResolutionError)}
}

func (r *fakeResolver) Resolve(ctx context.Context, cam Camera) (ResolvedSource, error) {
	r.mu.Lock()
	r.calls = append(r.calls, cam.ID)
	rerr := r.fail[cam.ID]
	r.mu.Unlock()
	if rerr != nil {
		return ResolvedSource{}, rerr
	}
	return ResolvedSource{
		Camera:     cam,
		DirectURL:  "https://cdn.example/" + cam.ID + ".m3u8",
		ResolvedAt: time.Now(),
	}, nil
}

func (r *fakeResolver) callsFor(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c == id {
			n++
		}
	}
	return n
}

func supervisorConfig() StreamConfig {
	return StreamConfig{
		SwitchInterval:      40 * time.Millisecond,
		SkipTTL:             time.Hour,
		MusicFile:           "loop.mp3",
		MusicVolume:         0.3,
		CameraVolume:        0.7,
		IncludeCameraAudio:  true,
		VideoBitrate:        "4500k",
		AudioBitrate:        "128k",
		FrameRate:           30,
		OutputMode:          OutputPreview,
		ResolverBinary:      "yt-dlp",
		ResolverTimeout:     time.Second,
		EncoderBinary:       "ffmpeg",
		FeederRestartLimit:  2,
		EncoderRestartLimit: 3,
		FailureCeiling:      2,
		RestartBackoff:      time.Millisecond,
		StopGrace:           time.Second,
	}
}

func newTestSupervisor(t *testing.T, cfg StreamConfig, launcher *fakeLauncher, resolver Resolver, ids ...string) *Supervisor {
	t.Helper()
	reg := testRegistry(t, ids...)
	sched := NewRotationScheduler(reg, cfg.SkipTTL)
	sink, err := NewSink(cfg, t.TempDir())
	if err != nil {
		t.Fatalf("NewSink: %v", err)
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewSupervisor(cfg, sched, resolver, launcher, sink, "/tmp/test-feed.pipe", log, nil)
}

// waitFor polls cond until it holds or the deadline expires.
func waitFor(t *testing.T, d time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}

// Rotation skips a camera that never resolves: with camera 2 dead the
// streamed sequence is cam1, cam3, cam1, cam3.
func TestSupervisor_rotates_and_skips_failing_camera(t *testing.T) {
	launcher := newFakeLauncher()
	resolver := newFakeResolver()
	resolver.fail["cam2"] = &ResolutionError{CameraID: "cam2", Reason: ReasonOffline}

	sup := newTestSupervisor(t, supervisorConfig(), launcher, resolver, "cam1", "cam2", "cam3")

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- sup.Run(ctx) }()

	if !waitFor(t, 3*time.Second, func() bool { return len(launcher.feeders()) >= 4 }) {
		t.Fatalf("expected 4 feeder starts, got %v", launcher.feeders())
	}
	cancel()
	if err := <-errCh; err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := launcher.feeders()
	want := []string{"cam1", "cam3", "cam1", "cam3"}
	for i, id := range want {
		if got[i] != id {
			t.Fatalf("feeder sequence = %v, want prefix %v", got, want)
		}
	}
	for _, id := range got {
		if id == "cam2" {
			t.Fatalf("cam2 should never stream: %v", got)
		}
	}
}

// A crashing feeder is retried on the same camera up to the limit, each time
// with a fresh resolution, then the camera is skip-marked and rotation
// advances early.
func TestSupervisor_retries_then_advances_on_feeder_crash(t *testing.T) {
	cfg := supervisorConfig()
	cfg.SwitchInterval = 10 * time.Second // no scheduled rotation in this test

	launcher := newFakeLauncher()
	launcher.crashFeeders["camA"] = true
	resolver := newFakeResolver()

	sup := newTestSupervisor(t, cfg, launcher, resolver, "camA", "camB")

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- sup.Run(ctx) }()

	ok := waitFor(t, 3*time.Second, func() bool {
		f := launcher.feeders()
		return len(f) > 0 && f[len(f)-1] == "camB"
	})
	cancel()
	if err := <-errCh; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !ok {
		t.Fatalf("camB never started: %v", launcher.feeders())
	}

	got := launcher.feeders()
	want := []string{"camA", "camA", "camA", "camB"}
	if len(got) != len(want) {
		t.Fatalf("feeder starts = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("feeder starts = %v, want %v", got, want)
		}
	}
	// Each retry consumed a fresh resolution: the direct URL is single-use.
	if n := resolver.callsFor("camA"); n != 3 {
		t.Errorf("camA resolved %d times, want 3", n)
	}
}

// The invariant behind glitch-free output: never two feeders or two encoders
// alive at once, across rotation and crash recovery.
func TestSupervisor_single_writer_invariant(t *testing.T) {
	cfg := supervisorConfig()
	cfg.SwitchInterval = 25 * time.Millisecond

	launcher := newFakeLauncher()
	launcher.crashFeeders["cam1"] = true
	resolver := newFakeResolver()

	sup := newTestSupervisor(t, cfg, launcher, resolver, "cam1", "cam2")

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- sup.Run(ctx) }()

	waitFor(t, 3*time.Second, func() bool { return len(launcher.feeders()) >= 6 })
	cancel()
	if err := <-errCh; err != nil {
		t.Fatalf("Run: %v", err)
	}

	launcher.mu.Lock()
	maxF, maxE := launcher.maxFeeders, launcher.maxEncoders
	launcher.mu.Unlock()
	if maxF > 1 {
		t.Errorf("observed %d concurrent feeders, want at most 1", maxF)
	}
	if maxE > 1 {
		t.Errorf("observed %d concurrent encoders, want at most 1", maxE)
	}
}

// With every camera unreachable the supervisor degrades and keeps retrying;
// it only stops once the consecutive-failure ceiling is exceeded.
func TestSupervisor_degraded_stops_at_ceiling(t *testing.T) {
	cfg := supervisorConfig()
	cfg.SwitchInterval = 10 * time.Millisecond
	cfg.FailureCeiling = 2

	launcher := newFakeLauncher()
	resolver := newFakeResolver()
	resolver.fail["cam1"] = &ResolutionError{CameraID: "cam1", Reason: ReasonOffline}
	resolver.fail["cam2"] = &ResolutionError{CameraID: "cam2", Reason: ReasonTimeout}

	sup := newTestSupervisor(t, cfg, launcher, resolver, "cam1", "cam2")

	start := time.Now()
	err := sup.Run(context.Background())
	if !errors.Is(err, ErrPipelineExhausted) {
		t.Fatalf("Run = %v, want ErrPipelineExhausted", err)
	}
	// Two full degraded passes must elapse before giving up.
	if elapsed := time.Since(start); elapsed < 2*cfg.SwitchInterval {
		t.Errorf("gave up after %v, before the ceiling could be reached", elapsed)
	}
	if n := len(launcher.feeders()); n != 0 {
		t.Errorf("no feeder should ever start, got %d", n)
	}
	if sup.Status().Phase != PhaseStopped {
		t.Errorf("phase = %v, want stopped", sup.Status().Phase)
	}
}

// A network sink that refuses the connection at startup is fatal immediately:
// SinkFailure, no feeder ever launched, never Streaming.
func TestSupervisor_network_sink_refusal(t *testing.T) {
	cfg := supervisorConfig()
	cfg.OutputMode = OutputNetwork
	cfg.RTMPURL = "rtmp://ingest.example/live"
	cfg.StreamKey = "key"

	launcher := newFakeLauncher()
	launcher.encoderRefused = true
	resolver := newFakeResolver()

	sup := newTestSupervisor(t, cfg, launcher, resolver, "cam1")

	err := sup.Run(context.Background())
	if !errors.Is(err, ErrSinkFailure) {
		t.Fatalf("Run = %v, want ErrSinkFailure", err)
	}
	if n := len(launcher.feeders()); n != 0 {
		t.Errorf("no feeder should start when the sink refuses, got %d", n)
	}
}

// An encoder crash mid-stream is recovered: the encoder is relaunched and the
// same camera resumes, without overlapping processes.
func TestSupervisor_encoder_crash_recovers(t *testing.T) {
	cfg := supervisorConfig()
	cfg.SwitchInterval = 10 * time.Second

	launcher := newFakeLauncher()
	launcher.crashFirstEncoderAfter = 20 * time.Millisecond
	resolver := newFakeResolver()

	sup := newTestSupervisor(t, cfg, launcher, resolver, "cam1")

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- sup.Run(ctx) }()

	ok := waitFor(t, 3*time.Second, func() bool {
		launcher.mu.Lock()
		defer launcher.mu.Unlock()
		return launcher.encoderStarts >= 2 && len(launcher.feederStarts) >= 2
	})
	cancel()
	if err := <-errCh; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !ok {
		t.Fatalf("encoder was not relaunched: %d starts, feeders %v",
			launcher.encoderStarts, launcher.feeders())
	}

	got := launcher.feeders()
	for _, id := range got {
		if id != "cam1" {
			t.Errorf("only cam1 is configured, streamed %v", got)
		}
	}
	launcher.mu.Lock()
	maxE := launcher.maxEncoders
	launcher.mu.Unlock()
	if maxE > 1 {
		t.Errorf("observed %d concurrent encoders, want at most 1", maxE)
	}
}

// Cancellation is a clean shutdown: nil error, all processes torn down.
func TestSupervisor_clean_shutdown(t *testing.T) {
	launcher := newFakeLauncher()
	resolver := newFakeResolver()

	sup := newTestSupervisor(t, supervisorConfig(), launcher, resolver, "cam1", "cam2")

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- sup.Run(ctx) }()

	if !waitFor(t, 3*time.Second, func() bool { return len(launcher.feeders()) >= 1 }) {
		t.Fatal("streaming never started")
	}
	cancel()
	if err := <-errCh; err != nil {
		t.Fatalf("Run after cancel = %v, want nil", err)
	}

	feeders, encoders := launcher.live()
	if feeders != 0 || encoders != 0 {
		t.Errorf("live processes after shutdown: %d feeders, %d encoders", feeders, encoders)
	}
	st := sup.Status()
	if st.Phase != PhaseStopped {
		t.Errorf("phase = %v, want stopped", st.Phase)
	}
}

func TestSupervisor_status_snapshot(t *testing.T) {
	launcher := newFakeLauncher()
	resolver := newFakeResolver()
	resolver.fail["cam2"] = &ResolutionError{CameraID: "cam2", Reason: ReasonOffline}

	sup := newTestSupervisor(t, supervisorConfig(), launcher, resolver, "cam1", "cam2")

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- sup.Run(ctx) }()

	ok := waitFor(t, 3*time.Second, func() bool {
		st := sup.Status()
		return st.Phase == PhaseStreaming && st.CameraID == "cam1"
	})
	cancel()
	<-errCh
	if !ok {
		t.Fatalf("status never reported streaming cam1: %+v", sup.Status())
	}
}
