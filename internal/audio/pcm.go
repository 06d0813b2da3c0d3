// Package audio handles the fixed client capture format: single-channel,
// 24kHz, 16-bit signed little-endian PCM, carried as base64 text frames.
package audio

import (
	"encoding/base64"
	"errors"
	"time"
)

const (
	SampleRate    = 24000
	Channels      = 1
	BytesPerFrame = 2 // 16-bit mono
)

var ErrOddFrame = errors.New("pcm frame has odd byte count")

// DecodeFrame decodes a base64 PCM16 frame from the wire. The raw bytes are
// forwarded upstream untouched; decoding only validates frame alignment.
func DecodeFrame(b64 string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, err
	}
	if len(data)%BytesPerFrame != 0 {
		return nil, ErrOddFrame
	}
	return data, nil
}

// EncodeChunk encodes synthesized audio bytes for a JSON-framed wire message.
func EncodeChunk(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// FrameDuration returns the playback duration of a raw PCM16 frame.
func FrameDuration(frame []byte) time.Duration {
	samples := len(frame) / BytesPerFrame
	return time.Duration(samples) * time.Second / SampleRate
}
