package capture

import (
	"errors"
	"sync"
	"time"

	"github.com/proplio/askdesk/internal/audio"
)

var (
	ErrNoActiveRecording = errors.New("capture: no active recording")
	ErrRecordingActive   = errors.New("capture: recording already active")
	ErrRecordingTooLong  = errors.New("capture: recording exceeds size limit")
)

// Blob is a finalized recording ready for transcription.
type Blob struct {
	WAV        []byte
	SampleRate int
	Duration   time.Duration
}

// Controller owns the single inbound recording slot for a connection.
// Chunks arrive as raw PCM16LE mono; Stop finalizes them into one WAV blob.
type Controller struct {
	mu         sync.Mutex
	maxBytes   int
	active     bool
	sampleRate int
	pcm        []byte
	startedAt  time.Time
}

func New(maxBytes int) *Controller {
	if maxBytes <= 0 {
		maxBytes = 10 << 20
	}
	return &Controller{maxBytes: maxBytes}
}

// Begin acquires the recording slot. At most one recording exists at a time.
func (c *Controller) Begin(sampleRate int) error {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active {
		return ErrRecordingActive
	}
	c.active = true
	c.sampleRate = sampleRate
	c.pcm = c.pcm[:0]
	c.startedAt = time.Now()
	return nil
}

// Append buffers a PCM chunk into the active recording.
func (c *Controller) Append(pcm []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active {
		return ErrNoActiveRecording
	}
	if len(c.pcm)+len(pcm) > c.maxBytes {
		// Release the slot; a half-captured oversized take is unusable.
		c.active = false
		c.pcm = nil
		return ErrRecordingTooLong
	}
	c.pcm = append(c.pcm, pcm...)
	return nil
}

// Stop releases the slot and finalizes the buffered audio into a WAV blob.
func (c *Controller) Stop() (Blob, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active {
		return Blob{}, ErrNoActiveRecording
	}
	c.active = false

	wav, err := audio.EncodeWAVPCM16LE(c.pcm, c.sampleRate)
	if err != nil {
		c.pcm = nil
		return Blob{}, err
	}
	blob := Blob{
		WAV:        wav,
		SampleRate: c.sampleRate,
		Duration:   pcmDuration(len(c.pcm), c.sampleRate),
	}
	c.pcm = nil
	return blob, nil
}

// Abort releases the slot and discards buffered audio. Safe to call at any
// time, including when nothing is recording.
func (c *Controller) Abort() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = false
	c.pcm = nil
}

// Recording reports whether a recording is in progress.
func (c *Controller) Recording() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

func pcmDuration(byteLen, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	samples := byteLen / 2 // PCM16 = 2 bytes per sample
	return time.Duration(float64(samples) / float64(sampleRate) * float64(time.Second))
}
