// Package preview serves the local HLS preview surface: an embedded player
// page, the playlist and segments the encoder writes, and a status endpoint.
// It exists only in preview mode and its failures never affect the stream.
package preview

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"

	"stream-switcher/internal/switcher"
)

const (
	playlistContentType = "application/vnd.apple.mpegurl"
	segmentContentType  = "video/mp2t"
)

// StatusSource provides the supervisor snapshot shown on /status.
type StatusSource interface {
	Status() switcher.Status
}

// Handler exposes the preview HTTP endpoints using go-chi.
type Handler struct {
	hlsDir string
	status StatusSource
	log    *slog.Logger
}

// NewHandler returns a Handler serving HLS files from hlsDir and status
// snapshots from src.
func NewHandler(hlsDir string, src StatusSource, log *slog.Logger) *Handler {
	return &Handler{hlsDir: hlsDir, status: src, log: log}
}

// Index handles GET /: the embedded hls.js player page.
func (h *Handler) Index(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(playerPage))
}

// StreamFile handles GET /stream/{file}: playlist and segment delivery.
// live.m3u8 is an alias for the encoder's stream.m3u8.
func (h *Handler) StreamFile(w http.ResponseWriter, r *http.Request) {
	name := filepath.Base(chi.URLParam(r, "file"))
	if name == "live.m3u8" {
		name = "stream.m3u8"
	}
	if !strings.HasSuffix(name, ".m3u8") && !strings.HasSuffix(name, ".ts") {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	data, err := os.ReadFile(filepath.Join(h.hlsDir, name))
	if err != nil {
		if !os.IsNotExist(err) {
			h.log.Warn("read stream file", slog.String("file", name), slog.Any("error", err))
		}
		w.WriteHeader(http.StatusNotFound)
		return
	}

	if strings.HasSuffix(name, ".m3u8") {
		w.Header().Set("Content-Type", playlistContentType)
	} else {
		w.Header().Set("Content-Type", segmentContentType)
	}
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// Status handles GET /status: the supervisor snapshot as JSON.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(h.status.Status()); err != nil {
		h.log.Error("encode status", slog.Any("error", err))
	}
}

const playerPage = `<!DOCTYPE html>
<html><head><title>Live Stream Preview</title>
<script src="https://cdn.jsdelivr.net/npm/hls.js@latest"></script>
<style>
  body { background: #111; color: #eee; font-family: sans-serif; text-align: center; margin: 2em; }
  video { max-width: 100%; background: #000; }
  #status { margin-top: 1em; color: #aaa; }
</style>
</head>
<body>
<h1>Live Stream Preview</h1>
<video id="video" controls autoplay muted></video>
<div id="status">Connecting...</div>
<script>
var video = document.getElementById('video');
var status = document.getElementById('status');
if (Hls.isSupported()) {
    var hls = new Hls({
        liveSyncDuration: 3,
        liveMaxLatencyDuration: 10,
        liveDurationInfinity: true,
        manifestLoadingTimeOut: 10000,
        manifestLoadingMaxRetry: 30,
        manifestLoadingRetryDelay: 1000,
    });
    hls.loadSource('/stream/live.m3u8');
    hls.attachMedia(video);
    hls.on(Hls.Events.MANIFEST_PARSED, function() {
        status.textContent = 'Playing';
        video.play();
    });
    hls.on(Hls.Events.ERROR, function(event, data) {
        if (data.fatal) {
            status.textContent = 'Reconnecting...';
            setTimeout(function() { hls.loadSource('/stream/live.m3u8'); }, 2000);
        }
    });
} else if (video.canPlayType('application/vnd.apple.mpegurl')) {
    video.src = '/stream/live.m3u8';
    video.addEventListener('loadedmetadata', function() {
        status.textContent = 'Playing';
        video.play();
    });
}
</script>
</body></html>`
