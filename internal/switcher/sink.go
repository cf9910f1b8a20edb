package switcher

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrSinkFailure is returned when the network sink rejects the stream before
// it ever starts. Preview sink failures are never fatal; network ones are,
// because a broken network sink means the public stream is down.
var ErrSinkFailure = errors.New("output sink failure")

// Sink is the destination of the outgoing stream, selected once at startup.
type Sink struct {
	Mode OutputMode

	// HLSDir holds playlist and segments in preview mode.
	HLSDir string

	rtmpURL string
	key     string
}

// NewSink builds the output sink from configuration. In network mode the
// endpoint and stream key must both be present; that is checked at config
// load, but kept here as a guard for direct construction.
func NewSink(cfg StreamConfig, hlsDir string) (Sink, error) {
	switch cfg.OutputMode {
	case OutputPreview:
		if hlsDir == "" {
			return Sink{}, fmt.Errorf("preview sink needs an HLS directory")
		}
		return Sink{Mode: OutputPreview, HLSDir: hlsDir}, nil
	case OutputNetwork:
		if cfg.RTMPURL == "" || cfg.StreamKey == "" {
			return Sink{}, fmt.Errorf("network sink needs an RTMP endpoint and stream key")
		}
		return Sink{Mode: OutputNetwork, rtmpURL: cfg.RTMPURL, key: cfg.StreamKey}, nil
	default:
		return Sink{}, fmt.Errorf("unknown output mode %q", cfg.OutputMode)
	}
}

// OutputArgs returns the encoder's output arguments for this sink.
func (s Sink) OutputArgs() []string {
	if s.Mode == OutputNetwork {
		return []string{"-f", "flv", strings.TrimRight(s.rtmpURL, "/") + "/" + s.key}
	}
	return []string{
		"-f", "hls",
		"-hls_time", "2",
		"-hls_list_size", "10",
		"-hls_flags", "delete_segments",
		"-hls_segment_filename", filepath.Join(s.HLSDir, "seg%05d.ts"),
		filepath.Join(s.HLSDir, "stream.m3u8"),
	}
}

// Target describes the sink for logs without exposing the stream key.
func (s Sink) Target() string {
	if s.Mode == OutputNetwork {
		return s.rtmpURL + "/<key>"
	}
	return "hls:" + s.HLSDir
}
