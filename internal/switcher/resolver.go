package switcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os/exec"
	"strings"
	"time"
)

// ResolutionReason classifies why a camera could not be resolved.
type ResolutionReason string

const (
	// ReasonOffline means the source is not currently broadcasting. This is
	// an expected condition, not an alarm.
	ReasonOffline ResolutionReason = "offline"
	// ReasonRateLimited means the resolver backend throttled the request.
	ReasonRateLimited ResolutionReason = "rate_limited"
	// ReasonMalformed means the resolver produced an unusable result.
	ReasonMalformed ResolutionReason = "malformed"
	// ReasonTimeout means the bounded resolution window elapsed.
	ReasonTimeout ResolutionReason = "timeout"
)

// ResolutionError reports a failed resolution attempt for one camera.
type ResolutionError struct {
	CameraID string
	Reason   ResolutionReason
	Detail   string
}

func (e *ResolutionError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("resolve %s: %s", e.CameraID, e.Reason)
	}
	return fmt.Sprintf("resolve %s: %s: %s", e.CameraID, e.Reason, e.Detail)
}

// Resolver obtains a currently valid direct media URL for a camera.
type Resolver interface {
	Resolve(ctx context.Context, cam Camera) (ResolvedSource, error)
}

// runCommand executes the resolver binary and returns its stdout and stderr.
// Injected so tests never fork.
type runCommand func(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)

func execRunCommand(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var out, errBuf bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errBuf
	err := cmd.Run()
	return out.Bytes(), errBuf.Bytes(), err
}

// CommandResolver resolves cameras by invoking an external yt-dlp style
// utility that prints the direct media URL for a watch page. It makes exactly
// one bounded attempt per call; retry policy belongs to the caller. Results
// are never cached: each resolved URL is a single-use, expiring grant.
type CommandResolver struct {
	Binary  string
	Timeout time.Duration

	run runCommand
	now func() time.Time
}

// NewCommandResolver returns a resolver backed by the given binary with a
// per-call timeout.
func NewCommandResolver(binary string, timeout time.Duration) *CommandResolver {
	return &CommandResolver{
		Binary:  binary,
		Timeout: timeout,
		run:     execRunCommand,
		now:     time.Now,
	}
}

// Resolve implements Resolver.
func (r *CommandResolver) Resolve(ctx context.Context, cam Camera) (ResolvedSource, error) {
	ctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	stdout, stderr, err := r.run(ctx, r.Binary, "-f", "best", "-g", watchURL(cam.Source))
	if err != nil {
		return ResolvedSource{}, classifyRunError(cam.ID, ctx, stderr, err)
	}

	direct := firstLine(string(stdout))
	if !usableMediaURL(direct) {
		return ResolvedSource{}, &ResolutionError{
			CameraID: cam.ID,
			Reason:   ReasonMalformed,
			Detail:   "resolver output is not a media URL",
		}
	}

	return ResolvedSource{Camera: cam, DirectURL: direct, ResolvedAt: r.now()}, nil
}

// classifyRunError maps a resolver process failure onto the error taxonomy.
// A non-zero exit is the resolver's normal way of saying "offline", so that
// is the default; only throttling and timeouts are distinguished.
func classifyRunError(cameraID string, ctx context.Context, stderr []byte, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &ResolutionError{CameraID: cameraID, Reason: ReasonTimeout}
	}
	detail := firstLine(string(stderr))
	lower := strings.ToLower(string(stderr))
	if strings.Contains(lower, "429") || strings.Contains(lower, "rate limit") || strings.Contains(lower, "rate-limit") || strings.Contains(lower, "too many requests") {
		return &ResolutionError{CameraID: cameraID, Reason: ReasonRateLimited, Detail: detail}
	}
	return &ResolutionError{CameraID: cameraID, Reason: ReasonOffline, Detail: detail}
}

// watchURL expands a bare video id into a watch-page URL. Full URLs pass
// through untouched.
func watchURL(source string) string {
	if strings.Contains(source, "://") {
		return source
	}
	return "https://www.youtube.com/watch?v=" + source
}

func usableMediaURL(s string) bool {
	if s == "" {
		return false
	}
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
