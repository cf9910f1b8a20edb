package switcher

import "time"

// Camera is one configured live video source. Cameras are loaded once at
// startup and never mutated.
type Camera struct {
	// ID is the stable identifier used in logs, metrics, and the skip list.
	ID string
	// Name is the human-readable display name.
	Name string
	// Source is either a full watch-page URL or a bare video id that the
	// resolver expands into a watch URL.
	Source string
	// Volume optionally overrides the global camera audio gain for this
	// camera. Nil means "use the configured default".
	Volume *float64
}

// ResolvedSource is a short-lived direct media URL for a camera. The
// underlying URL is an expiring grant: a ResolvedSource is consumed by
// exactly one feeder launch and never stored for reuse.
type ResolvedSource struct {
	Camera     Camera
	DirectURL  string
	ResolvedAt time.Time
}

// OutputMode selects the stream destination, chosen once at startup.
type OutputMode string

const (
	// OutputPreview writes HLS segments to a local directory served by the
	// preview HTTP server.
	OutputPreview OutputMode = "preview"
	// OutputNetwork pushes FLV to an RTMP endpoint with an embedded key.
	OutputNetwork OutputMode = "network"
)

// StreamConfig is the immutable runtime configuration shared by every
// component. It is validated at load time; components treat it as read-only.
type StreamConfig struct {
	SwitchInterval time.Duration
	SkipTTL        time.Duration

	MusicFile          string
	MusicVolume        float64
	CameraVolume       float64
	IncludeCameraAudio bool

	Resolution   string
	VideoBitrate string
	AudioBitrate string
	FrameRate    int

	OutputMode OutputMode
	RTMPURL    string
	StreamKey  string

	ResolverBinary  string
	ResolverTimeout time.Duration
	EncoderBinary   string

	// FeederRestartLimit bounds same-camera retries after a feeder crash
	// before the camera is marked unhealthy and rotation advances early.
	FeederRestartLimit int
	// EncoderRestartLimit bounds consecutive encoder restarts before the
	// supervisor gives up.
	EncoderRestartLimit int
	// FailureCeiling bounds consecutive degraded passes (every camera
	// unreachable) before the supervisor stops with a fatal error.
	FailureCeiling int
	// RestartBackoff is the base delay for exponential restart backoff.
	RestartBackoff time.Duration
	// StopGrace is how long a process gets after SIGTERM before SIGKILL.
	StopGrace time.Duration
}
