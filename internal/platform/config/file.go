package config

import (
	"fmt"
	"os"
	"time"

	"go.yaml.in/yaml/v2"

	"stream-switcher/internal/switcher"
)

// File is the on-disk YAML configuration. All validation failures here are
// fatal at startup; nothing in this file is re-read at runtime.
type File struct {
	Cameras     []CameraSection    `yaml:"cameras"`
	Stream      StreamSection      `yaml:"stream"`
	Audio       AudioSection       `yaml:"audio"`
	Encoder     EncoderSection     `yaml:"encoder"`
	Resolver    ResolverSection    `yaml:"resolver"`
	Supervision SupervisionSection `yaml:"supervision"`
}

type CameraSection struct {
	ID     string   `yaml:"id"`
	Name   string   `yaml:"name"`
	Source string   `yaml:"source"`
	Volume *float64 `yaml:"volume"`
}

type StreamSection struct {
	SwitchIntervalSeconds int    `yaml:"switch_interval"`
	SkipTTLSeconds        int    `yaml:"skip_ttl"`
	Output                string `yaml:"output"`
	RTMPURL               string `yaml:"rtmp_url"`
	StreamKey             string `yaml:"stream_key"`
}

type AudioSection struct {
	MusicFile          string  `yaml:"music_file"`
	MusicVolume        float64 `yaml:"music_volume"`
	CameraVolume       float64 `yaml:"camera_volume"`
	IncludeCameraAudio *bool   `yaml:"include_camera_audio"`
}

type EncoderSection struct {
	Binary       string `yaml:"binary"`
	Resolution   string `yaml:"resolution"`
	VideoBitrate string `yaml:"video_bitrate"`
	AudioBitrate string `yaml:"audio_bitrate"`
	FrameRate    int    `yaml:"framerate"`
}

type ResolverSection struct {
	Binary         string `yaml:"binary"`
	TimeoutSeconds int    `yaml:"timeout"`
}

type SupervisionSection struct {
	FeederRestartLimit  int `yaml:"feeder_restart_limit"`
	EncoderRestartLimit int `yaml:"encoder_restart_limit"`
	FailureCeiling      int `yaml:"failure_ceiling"`
	RestartBackoffMS    int `yaml:"restart_backoff_ms"`
}

// LoadFile reads and parses the YAML configuration at path.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration bytes.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.UnmarshalStrict(data, &f); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	f.applyDefaults()
	return &f, nil
}

func (f *File) applyDefaults() {
	if f.Stream.SwitchIntervalSeconds == 0 {
		f.Stream.SwitchIntervalSeconds = 600
	}
	if f.Stream.SkipTTLSeconds == 0 {
		f.Stream.SkipTTLSeconds = 300
	}
	if f.Stream.Output == "" {
		f.Stream.Output = string(switcher.OutputPreview)
	}
	if f.Audio.MusicVolume == 0 && f.Audio.MusicFile != "" {
		f.Audio.MusicVolume = 0.3
	}
	if f.Audio.CameraVolume == 0 {
		f.Audio.CameraVolume = 0.7
	}
	if f.Audio.IncludeCameraAudio == nil {
		t := true
		f.Audio.IncludeCameraAudio = &t
	}
	if f.Encoder.Binary == "" {
		f.Encoder.Binary = "ffmpeg"
	}
	if f.Encoder.VideoBitrate == "" {
		f.Encoder.VideoBitrate = "4500k"
	}
	if f.Encoder.AudioBitrate == "" {
		f.Encoder.AudioBitrate = "128k"
	}
	if f.Encoder.FrameRate == 0 {
		f.Encoder.FrameRate = 30
	}
	if f.Resolver.Binary == "" {
		f.Resolver.Binary = "yt-dlp"
	}
	if f.Resolver.TimeoutSeconds == 0 {
		f.Resolver.TimeoutSeconds = 15
	}
	if f.Supervision.FeederRestartLimit == 0 {
		f.Supervision.FeederRestartLimit = 2
	}
	if f.Supervision.EncoderRestartLimit == 0 {
		f.Supervision.EncoderRestartLimit = 5
	}
	if f.Supervision.FailureCeiling == 0 {
		f.Supervision.FailureCeiling = 3
	}
	if f.Supervision.RestartBackoffMS == 0 {
		f.Supervision.RestartBackoffMS = 500
	}
}

// Validate checks the invariants that must hold before the pipeline starts:
// a non-empty camera list, volumes within [0,1], a positive switch interval,
// and a complete endpoint in network mode.
func (f *File) Validate() error {
	if len(f.Cameras) == 0 {
		return fmt.Errorf("at least one camera is required")
	}
	seen := make(map[string]bool, len(f.Cameras))
	for i, cam := range f.Cameras {
		if cam.ID == "" {
			return fmt.Errorf("camera %d: id is required", i)
		}
		if seen[cam.ID] {
			return fmt.Errorf("camera %q: duplicate id", cam.ID)
		}
		seen[cam.ID] = true
		if cam.Source == "" {
			return fmt.Errorf("camera %q: source is required", cam.ID)
		}
		if cam.Volume != nil && (*cam.Volume < 0 || *cam.Volume > 1) {
			return fmt.Errorf("camera %q: volume %v out of range [0,1]", cam.ID, *cam.Volume)
		}
	}
	if f.Stream.SwitchIntervalSeconds <= 0 {
		return fmt.Errorf("stream.switch_interval must be positive")
	}
	if f.Audio.MusicVolume < 0 || f.Audio.MusicVolume > 1 {
		return fmt.Errorf("audio.music_volume %v out of range [0,1]", f.Audio.MusicVolume)
	}
	if f.Audio.CameraVolume < 0 || f.Audio.CameraVolume > 1 {
		return fmt.Errorf("audio.camera_volume %v out of range [0,1]", f.Audio.CameraVolume)
	}
	switch switcher.OutputMode(f.Stream.Output) {
	case switcher.OutputPreview:
	case switcher.OutputNetwork:
		if f.Stream.RTMPURL == "" {
			return fmt.Errorf("stream.rtmp_url is required in network mode")
		}
		if f.Stream.StreamKey == "" {
			return fmt.Errorf("stream key is required in network mode (stream.stream_key or RTMP_STREAM_KEY)")
		}
	default:
		return fmt.Errorf("stream.output must be %q or %q", switcher.OutputPreview, switcher.OutputNetwork)
	}
	return nil
}

// CameraList converts the camera sections into the registry's camera values.
func (f *File) CameraList() []switcher.Camera {
	out := make([]switcher.Camera, 0, len(f.Cameras))
	for _, c := range f.Cameras {
		name := c.Name
		if name == "" {
			name = c.ID
		}
		out = append(out, switcher.Camera{ID: c.ID, Name: name, Source: c.Source, Volume: c.Volume})
	}
	return out
}

// StreamConfig builds the immutable runtime snapshot shared by every
// component.
func (f *File) StreamConfig() switcher.StreamConfig {
	return switcher.StreamConfig{
		SwitchInterval:      time.Duration(f.Stream.SwitchIntervalSeconds) * time.Second,
		SkipTTL:             time.Duration(f.Stream.SkipTTLSeconds) * time.Second,
		MusicFile:           f.Audio.MusicFile,
		MusicVolume:         f.Audio.MusicVolume,
		CameraVolume:        f.Audio.CameraVolume,
		IncludeCameraAudio:  *f.Audio.IncludeCameraAudio,
		Resolution:          f.Encoder.Resolution,
		VideoBitrate:        f.Encoder.VideoBitrate,
		AudioBitrate:        f.Encoder.AudioBitrate,
		FrameRate:           f.Encoder.FrameRate,
		OutputMode:          switcher.OutputMode(f.Stream.Output),
		RTMPURL:             f.Stream.RTMPURL,
		StreamKey:           f.Stream.StreamKey,
		ResolverBinary:      f.Resolver.Binary,
		ResolverTimeout:     time.Duration(f.Resolver.TimeoutSeconds) * time.Second,
		EncoderBinary:       f.Encoder.Binary,
		FeederRestartLimit:  f.Supervision.FeederRestartLimit,
		EncoderRestartLimit: f.Supervision.EncoderRestartLimit,
		FailureCeiling:      f.Supervision.FailureCeiling,
		RestartBackoff:      time.Duration(f.Supervision.RestartBackoffMS) * time.Millisecond,
		StopGrace:           5 * time.Second,
	}
}
