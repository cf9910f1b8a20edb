package switcher

import (
	"log/slog"
	"os"
	"strings"
	"testing"
)

func testEncoderSpec(t *testing.T, mode OutputMode) EncoderSpec {
	t.Helper()
	cfg := StreamConfig{
		MusicFile:          "music/loop.mp3",
		MusicVolume:        0.3,
		CameraVolume:       0.7,
		IncludeCameraAudio: true,
		Resolution:         "1280x720",
		VideoBitrate:       "4500k",
		AudioBitrate:       "128k",
		FrameRate:          30,
		OutputMode:         mode,
		RTMPURL:            "rtmp://ingest.example/live",
		StreamKey:          "secret-key",
	}
	sink, err := NewSink(cfg, "/tmp/hls")
	if err != nil {
		t.Fatalf("NewSink: %v", err)
	}
	return EncoderSpec{
		Binary:       "ffmpeg",
		FIFOPath:     "/tmp/feed.pipe",
		MusicFile:    cfg.MusicFile,
		Mix:          NewMixSpec(cfg, Camera{}),
		Resolution:   cfg.Resolution,
		VideoBitrate: cfg.VideoBitrate,
		AudioBitrate: cfg.AudioBitrate,
		FrameRate:    cfg.FrameRate,
		Sink:         sink,
	}
}

func TestEncoderSpec_args_preview(t *testing.T) {
	args := strings.Join(testEncoderSpec(t, OutputPreview).Args(), " ")

	for _, want := range []string{
		"-f mpegts -i /tmp/feed.pipe",
		"-stream_loop -1 -i music/loop.mp3",
		"amix=inputs=2",
		"-c:v libx264",
		"-b:v 4500k",
		"-g 60",
		"-r 30",
		"-s 1280x720",
		"-c:a aac -b:a 128k",
		"-f hls",
		"stream.m3u8",
	} {
		if !strings.Contains(args, want) {
			t.Errorf("encoder args missing %q: %s", want, args)
		}
	}
}

func TestEncoderSpec_args_network(t *testing.T) {
	args := strings.Join(testEncoderSpec(t, OutputNetwork).Args(), " ")

	if !strings.Contains(args, "-f flv rtmp://ingest.example/live/secret-key") {
		t.Errorf("expected FLV push to RTMP endpoint: %s", args)
	}
	if strings.Contains(args, "hls") {
		t.Errorf("network output should not emit HLS: %s", args)
	}
}

func TestFeederSpec_args(t *testing.T) {
	cfg := StreamConfig{MusicFile: "m.mp3", MusicVolume: 0.3, CameraVolume: 0.7, IncludeCameraAudio: true}
	spec := FeederSpec{
		Binary:   "ffmpeg",
		FIFOPath: "/tmp/feed.pipe",
		Source: ResolvedSource{
			Camera:    Camera{ID: "cam1"},
			DirectURL: "https://cdn.example/live.m3u8",
		},
		Mix: NewMixSpec(cfg, Camera{ID: "cam1"}),
	}

	args := strings.Join(spec.Args(), " ")
	for _, want := range []string{
		"-i https://cdn.example/live.m3u8",
		"-c:v copy",
		"-c:a aac",
		"-reset_timestamps 1",
		"-f mpegts",
		"/tmp/feed.pipe",
	} {
		if !strings.Contains(args, want) {
			t.Errorf("feeder args missing %q: %s", want, args)
		}
	}
}

func TestLineWriter_splits_and_buffers(t *testing.T) {
	var buf strings.Builder
	log := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	w := newLineWriter(log, "encoder", "stderr")

	w.Write([]byte("frame=  100 fps=30\npartial"))
	if !strings.Contains(buf.String(), "frame=  100 fps=30") {
		t.Errorf("complete line not logged: %s", buf.String())
	}
	if strings.Contains(buf.String(), "partial") {
		t.Errorf("partial line logged too early: %s", buf.String())
	}

	w.Write([]byte(" line\n"))
	if !strings.Contains(buf.String(), "partial line") {
		t.Errorf("buffered partial not completed: %s", buf.String())
	}
}

func TestWorkspace_preview_layout(t *testing.T) {
	ws, err := NewWorkspace(OutputPreview)
	if err != nil {
		t.Fatalf("NewWorkspace: %v", err)
	}
	defer ws.Close()

	info, err := os.Stat(ws.FIFOPath)
	if err != nil {
		t.Fatalf("stat fifo: %v", err)
	}
	if info.Mode()&os.ModeNamedPipe == 0 {
		t.Errorf("%s is not a named pipe", ws.FIFOPath)
	}
	if _, err := os.Stat(ws.HLSDir); err != nil {
		t.Errorf("hls dir missing: %v", err)
	}
}

func TestWorkspace_network_has_no_hls_dir(t *testing.T) {
	ws, err := NewWorkspace(OutputNetwork)
	if err != nil {
		t.Fatalf("NewWorkspace: %v", err)
	}
	defer ws.Close()

	if ws.HLSDir != "" {
		t.Errorf("network workspace should not create an HLS dir, got %q", ws.HLSDir)
	}
}

func TestWorkspace_close_removes_root(t *testing.T) {
	ws, err := NewWorkspace(OutputPreview)
	if err != nil {
		t.Fatalf("NewWorkspace: %v", err)
	}
	if err := ws.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := os.Stat(ws.Root); !os.IsNotExist(err) {
		t.Errorf("workspace root should be removed, stat err = %v", err)
	}
}
