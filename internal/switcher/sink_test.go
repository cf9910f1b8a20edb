package switcher

import (
	"strings"
	"testing"
)

func TestNewSink_preview(t *testing.T) {
	sink, err := NewSink(StreamConfig{OutputMode: OutputPreview}, "/tmp/hls")
	if err != nil {
		t.Fatalf("NewSink: %v", err)
	}
	if sink.Mode != OutputPreview || sink.HLSDir != "/tmp/hls" {
		t.Errorf("sink = %+v", sink)
	}

	args := strings.Join(sink.OutputArgs(), " ")
	if !strings.Contains(args, "-f hls") || !strings.Contains(args, "delete_segments") {
		t.Errorf("preview output args: %s", args)
	}
}

func TestNewSink_preview_requires_dir(t *testing.T) {
	if _, err := NewSink(StreamConfig{OutputMode: OutputPreview}, ""); err == nil {
		t.Error("expected error without HLS dir")
	}
}

func TestNewSink_network(t *testing.T) {
	cfg := StreamConfig{
		OutputMode: OutputNetwork,
		RTMPURL:    "rtmp://ingest.example/live/",
		StreamKey:  "abcd",
	}
	sink, err := NewSink(cfg, "")
	if err != nil {
		t.Fatalf("NewSink: %v", err)
	}

	args := strings.Join(sink.OutputArgs(), " ")
	if !strings.Contains(args, "-f flv rtmp://ingest.example/live/abcd") {
		t.Errorf("network output args: %s", args)
	}
}

func TestNewSink_network_requires_endpoint_and_key(t *testing.T) {
	base := StreamConfig{OutputMode: OutputNetwork}
	if _, err := NewSink(base, ""); err == nil {
		t.Error("expected error without endpoint")
	}
	base.RTMPURL = "rtmp://ingest.example/live"
	if _, err := NewSink(base, ""); err == nil {
		t.Error("expected error without stream key")
	}
}

func TestNewSink_unknown_mode(t *testing.T) {
	if _, err := NewSink(StreamConfig{OutputMode: "carrier-pigeon"}, ""); err == nil {
		t.Error("expected error for unknown output mode")
	}
}

// The stream key is a credential and must never appear in log output.
func TestSink_target_redacts_key(t *testing.T) {
	cfg := StreamConfig{
		OutputMode: OutputNetwork,
		RTMPURL:    "rtmp://ingest.example/live",
		StreamKey:  "super-secret",
	}
	sink, _ := NewSink(cfg, "")
	if strings.Contains(sink.Target(), "super-secret") {
		t.Errorf("Target leaked the stream key: %s", sink.Target())
	}
}
