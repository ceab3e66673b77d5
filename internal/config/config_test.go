package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}
	if cfg.BindAddr != ":8080" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":8080")
	}
	if cfg.SessionInactivityTimeout != 2*time.Minute {
		t.Fatalf("SessionInactivityTimeout = %s, want 2m", cfg.SessionInactivityTimeout)
	}
	if cfg.SpeakDelay != 400*time.Millisecond {
		t.Fatalf("SpeakDelay = %s, want 400ms", cfg.SpeakDelay)
	}
	if cfg.PlaybackChunkBytes != 32768 {
		t.Fatalf("PlaybackChunkBytes = %d, want 32768", cfg.PlaybackChunkBytes)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("APP_BIND_ADDR", ":9090")
	t.Setenv("SPEECH_BASE_URL", "https://speech.example.com")
	t.Setenv("MAX_RECORDING_BYTES", "1024")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}
	if cfg.BindAddr != ":9090" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":9090")
	}
	if cfg.SpeechBaseURL != "https://speech.example.com" {
		t.Fatalf("SpeechBaseURL = %q", cfg.SpeechBaseURL)
	}
	if cfg.MaxRecordingBytes != 1024 {
		t.Fatalf("MaxRecordingBytes = %d, want 1024", cfg.MaxRecordingBytes)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("APP_SESSION_INACTIVITY_TIMEOUT", "1s")
	if _, err := LoadFromEnv(); err == nil {
		t.Fatalf("expected error for too-short inactivity timeout")
	}
}

func TestLoadRejectsNonPositiveChunk(t *testing.T) {
	t.Setenv("PLAYBACK_CHUNK_BYTES", "0")
	if _, err := LoadFromEnv(); err == nil {
		t.Fatalf("expected error for zero playback chunk size")
	}
}
