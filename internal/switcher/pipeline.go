package switcher

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// EncoderSpec describes the single persistent encoder process. It reads
// MPEG-TS from the pipe, mixes in the looping music track, encodes, and
// writes to the sink. It outlives camera swaps.
type EncoderSpec struct {
	Binary    string
	FIFOPath  string
	MusicFile string
	Mix       MixSpec

	Resolution   string
	VideoBitrate string
	AudioBitrate string
	FrameRate    int

	Sink Sink
}

// Args builds the encoder's ffmpeg argument list.
func (e EncoderSpec) Args() []string {
	args := []string{
		"-re",
		"-fflags", "+genpts+igndts+discardcorrupt",
		"-rw_timeout", "10000000",
		"-f", "mpegts",
		"-i", e.FIFOPath,
	}
	if e.MusicFile != "" {
		args = append(args, "-stream_loop", "-1", "-i", e.MusicFile)
	}
	args = append(args, e.Mix.EncoderFilterArgs()...)
	args = append(args,
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-b:v", e.VideoBitrate,
		"-maxrate", e.VideoBitrate,
		"-g", strconv.Itoa(e.FrameRate*2),
		"-r", strconv.Itoa(e.FrameRate),
	)
	if e.Resolution != "" {
		args = append(args, "-s", e.Resolution)
	}
	if e.Mix.HasMusic || e.Mix.IncludeCameraAudio {
		args = append(args, "-c:a", "aac", "-b:a", e.AudioBitrate)
	}
	return append(args, e.Sink.OutputArgs()...)
}

// FeederSpec describes one per-camera feeder process: a remux of the
// resolved direct URL into MPEG-TS written to the pipe. Swapping cameras
// replaces only the feeder; the encoder and its output connection stay up.
type FeederSpec struct {
	Binary   string
	FIFOPath string
	// Source is consumed here: the direct URL is a single-use grant and is
	// never reused after the feeder it launched exits.
	Source ResolvedSource
	Mix    MixSpec
}

// Args builds the feeder's ffmpeg argument list. Video is stream-copied;
// audio is normalized so timestamps and formats line up across swaps.
func (f FeederSpec) Args() []string {
	args := []string{
		"-i", f.Source.DirectURL,
		"-c:v", "copy",
	}
	args = append(args, f.Mix.FeederAudioArgs()...)
	args = append(args,
		"-fflags", "+genpts",
		"-reset_timestamps", "1",
		"-f", "mpegts",
		"-y", f.FIFOPath,
	)
	return args
}

// ProcessHandle is an owned handle to one supervised external process.
// Exactly one component (the supervisor) holds and terminates it.
type ProcessHandle interface {
	// Done reports process exit; it receives the exit error once.
	Done() <-chan error
	// Stop terminates the process and waits for teardown to complete or ctx
	// to expire. Safe to call after exit.
	Stop(ctx context.Context) error
}

// Launcher starts the out-of-process pipeline workers.
type Launcher interface {
	LaunchEncoder(ctx context.Context, spec EncoderSpec) (ProcessHandle, error)
	LaunchFeeder(ctx context.Context, spec FeederSpec) (ProcessHandle, error)
}

// ExecLauncher runs real processes. Each child gets its own process group so
// a stop signal reaches the whole pipeline stage.
type ExecLauncher struct {
	Log       *slog.Logger
	StopGrace time.Duration
}

// LaunchEncoder implements Launcher.
func (l *ExecLauncher) LaunchEncoder(ctx context.Context, spec EncoderSpec) (ProcessHandle, error) {
	return l.launch(ctx, "encoder", spec.Binary, spec.Args())
}

// LaunchFeeder implements Launcher.
func (l *ExecLauncher) LaunchFeeder(ctx context.Context, spec FeederSpec) (ProcessHandle, error) {
	return l.launch(ctx, "feeder", spec.Binary, spec.Args())
}

func (l *ExecLauncher) launch(ctx context.Context, role, binary string, args []string) (ProcessHandle, error) {
	cmd := exec.Command(binary, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stdout = newLineWriter(l.Log, role, "stdout")
	cmd.Stderr = newLineWriter(l.Log, role, "stderr")
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", role, err)
	}

	h := newExecHandle(cmd.Process.Pid, l.StopGrace)
	go func() {
		h.done <- cmd.Wait()
		close(h.exited)
	}()
	return h, nil
}

type execHandle struct {
	pgid   int
	grace  time.Duration
	done   chan error
	exited chan struct{}
}

func newExecHandle(pgid int, grace time.Duration) *execHandle {
	return &execHandle{pgid: pgid, grace: grace, done: make(chan error, 1), exited: make(chan struct{})}
}

func (h *execHandle) Done() <-chan error { return h.done }

// Stop sends SIGTERM to the process group, escalating to SIGKILL after the
// grace period, and waits until the process has exited.
func (h *execHandle) Stop(ctx context.Context) error {
	_ = unix.Kill(-h.pgid, unix.SIGTERM)

	grace := h.grace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-h.exited:
		return nil
	case <-timer.C:
		_ = unix.Kill(-h.pgid, unix.SIGKILL)
	case <-ctx.Done():
		_ = unix.Kill(-h.pgid, unix.SIGKILL)
	}

	select {
	case <-h.exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// lineWriter splits process output into individual debug log lines, the way
// ffmpeg's chatty stderr is best consumed.
type lineWriter struct {
	log    *slog.Logger
	role   string
	stream string
	buf    bytes.Buffer
}

func newLineWriter(log *slog.Logger, role, stream string) *lineWriter {
	return &lineWriter{log: log, role: role, stream: stream}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	total := len(p)
	w.buf.Write(p)
	for {
		line, err := w.buf.ReadBytes('\n')
		if err != nil {
			// Partial line: keep it buffered for the next write.
			w.buf.Write(line)
			break
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		if w.log != nil {
			w.log.Debug("pipeline output",
				slog.String("role", w.role),
				slog.String("stream", w.stream),
				slog.String("line", string(line)))
		}
	}
	return total, nil
}

// Workspace holds the on-disk scratch space for one run: the named pipe the
// feeder writes and the encoder reads, and the HLS directory in preview mode.
type Workspace struct {
	Root     string
	FIFOPath string
	HLSDir   string
}

// NewWorkspace creates the temp directory, the FIFO, and (for preview mode)
// the HLS segment directory.
func NewWorkspace(mode OutputMode) (*Workspace, error) {
	root, err := os.MkdirTemp("", "stream-switcher-")
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	ws := &Workspace{Root: root, FIFOPath: filepath.Join(root, "feed.pipe")}
	if err := unix.Mkfifo(ws.FIFOPath, 0o600); err != nil {
		_ = os.RemoveAll(root)
		return nil, fmt.Errorf("create fifo: %w", err)
	}
	if mode == OutputPreview {
		ws.HLSDir = filepath.Join(root, "hls")
		if err := os.Mkdir(ws.HLSDir, 0o755); err != nil {
			_ = os.RemoveAll(root)
			return nil, fmt.Errorf("create hls dir: %w", err)
		}
	}
	return ws, nil
}

// Close removes the workspace.
func (w *Workspace) Close() error {
	return os.RemoveAll(w.Root)
}
