package switcher

import (
	"fmt"
	"strconv"
)

// MixSpec is the audio mix specification handed to the pipeline for one
// camera. It is a pure function of StreamConfig and the camera; gains are
// already validated to [0,1] at config load.
//
// Gains are split across the two pipeline stages: the per-camera gain is
// applied by the feeder (so a camera swap never reconfigures the persistent
// encoder), while the music gain and the amix live in the encoder, whose
// music input loops for the whole process lifetime.
type MixSpec struct {
	// IncludeCameraAudio selects whether camera audio is part of the mix at
	// all. When false the output carries music only and the feeder strips
	// audio from the camera feed.
	IncludeCameraAudio bool
	// CameraGain is the camera audio volume, with any per-camera override
	// applied. Meaningless when IncludeCameraAudio is false.
	CameraGain float64
	// MusicGain is the background music volume.
	MusicGain float64
	// HasMusic is false when no music file is configured; the mix then
	// degrades to camera audio alone (or silence when camera audio is
	// excluded too).
	HasMusic bool
}

// NewMixSpec derives the mix parameters for streaming the given camera.
func NewMixSpec(cfg StreamConfig, cam Camera) MixSpec {
	spec := MixSpec{
		IncludeCameraAudio: cfg.IncludeCameraAudio,
		MusicGain:          cfg.MusicVolume,
		HasMusic:           cfg.MusicFile != "",
	}
	if !spec.IncludeCameraAudio {
		return spec
	}
	spec.CameraGain = cfg.CameraVolume
	if cam.Volume != nil {
		spec.CameraGain = *cam.Volume
	}
	return spec
}

// FeederAudioArgs returns the audio arguments for the feeder process, which
// remuxes the camera feed into the pipe. The per-camera gain is applied here.
func (m MixSpec) FeederAudioArgs() []string {
	if !m.IncludeCameraAudio {
		return []string{"-an"}
	}
	args := []string{"-c:a", "aac", "-ar", "44100", "-ac", "2"}
	if m.CameraGain != 1.0 {
		args = append(args, "-filter:a", "volume="+formatGain(m.CameraGain))
	}
	return args
}

// EncoderFilterArgs returns the filter graph and stream mapping for the
// persistent encoder. Input 0 is the pipe carrying the camera feed; input 1,
// when present, is the looping music file.
func (m MixSpec) EncoderFilterArgs() []string {
	switch {
	case m.HasMusic && m.IncludeCameraAudio:
		filter := fmt.Sprintf("[1:a]volume=%s[music];[0:a][music]amix=inputs=2:duration=first[aout]",
			formatGain(m.MusicGain))
		return []string{"-filter_complex", filter, "-map", "0:v", "-map", "[aout]"}
	case m.HasMusic:
		filter := fmt.Sprintf("[1:a]volume=%s[aout]", formatGain(m.MusicGain))
		return []string{"-filter_complex", filter, "-map", "0:v", "-map", "[aout]"}
	case m.IncludeCameraAudio:
		return []string{"-map", "0:v", "-map", "0:a"}
	default:
		return []string{"-map", "0:v", "-an"}
	}
}

func formatGain(g float64) string {
	return strconv.FormatFloat(g, 'f', -1, 64)
}
