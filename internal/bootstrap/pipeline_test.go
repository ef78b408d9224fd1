package bootstrap

import (
	"testing"
	"time"

	"redaction-pipeline/internal/config"
	"redaction-pipeline/internal/detect"
)

func TestDetectOptionsFromConfig(t *testing.T) {
	got := DetectOptions(config.Config{
		DetectTimeout:       5 * time.Second,
		DetectMaxRetries:    1,
		DetectChunkChars:    1000,
		DetectChunkOverlap:  0,
		DetectMinConfidence: 0.7,
	})
	want := detect.DefaultOptions()
	want.Timeout = 5 * time.Second
	want.MaxRetries = 1
	want.ChunkChars = 1000
	want.ChunkOverlap = 0
	want.MinConfidence = 0.7
	if got != want {
		t.Fatalf("got %+v want %+v", got, want)
	}
}
