package stream

import (
	"encoding/binary"
	"fmt"
	"os"
)

const (
	wavHeaderSize  = 44
	wavBitsPerSamp = 16
	wavChannels    = 1
)

// bytesPerSecond returns the PCM byte rate for mono 16-bit audio at the
// given sample rate (spec.md §4.7 "duration = bytes / 32000" at 16 kHz).
func bytesPerSecond(sampleRateHz int) int64 {
	return int64(sampleRateHz) * wavChannels * (wavBitsPerSamp / 8)
}

// wavSink is an append-only WAV file writer: a 44-byte placeholder header is
// written immediately, PCM bytes are appended as they arrive, and the header
// is rewritten with the true data size on Close (spec.md §6 "WAV sink
// format").
type wavSink struct {
	f            *os.File
	sampleRateHz int
	written      int64
}

func openWAVSink(path string, sampleRateHz int) (*wavSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create audio sink: %w", err)
	}
	s := &wavSink{f: f, sampleRateHz: sampleRateHz}
	if _, err := f.Write(wavHeader(sampleRateHz, 0)); err != nil {
		f.Close()
		return nil, fmt.Errorf("write placeholder wav header: %w", err)
	}
	return s, nil
}

// Append writes pcm to the sink and tracks the cumulative byte count.
func (s *wavSink) Append(pcm []byte) error {
	n, err := s.f.Write(pcm)
	s.written += int64(n)
	if err != nil {
		return fmt.Errorf("append audio sink: %w", err)
	}
	return nil
}

// BytesWritten returns the cumulative PCM byte count appended so far.
func (s *wavSink) BytesWritten() int64 { return s.written }

// DurationSecs computes wall-clock duration from cumulative PCM bytes.
func (s *wavSink) DurationSecs() float64 {
	bps := bytesPerSecond(s.sampleRateHz)
	if bps == 0 {
		return 0
	}
	return float64(s.written) / float64(bps)
}

// Close rewrites the header with the true data size and closes the file.
func (s *wavSink) Close() error {
	if _, err := s.f.WriteAt(wavHeader(s.sampleRateHz, s.written), 0); err != nil {
		s.f.Close()
		return fmt.Errorf("rewrite wav header: %w", err)
	}
	return s.f.Close()
}

// wavHeader builds a 44-byte RIFF/WAVE header for PCM format 1, mono,
// 16-bit samples at sampleRateHz, declaring dataSize bytes of PCM payload.
func wavHeader(sampleRateHz int, dataSize int64) []byte {
	h := make([]byte, wavHeaderSize)
	byteRate := uint32(bytesPerSecond(sampleRateHz))
	blockAlign := uint16(wavChannels * (wavBitsPerSamp / 8))

	copy(h[0:4], "RIFF")
	binary.LittleEndian.PutUint32(h[4:8], uint32(36+dataSize))
	copy(h[8:12], "WAVE")
	copy(h[12:16], "fmt ")
	binary.LittleEndian.PutUint32(h[16:20], 16) // fmt chunk size
	binary.LittleEndian.PutUint16(h[20:22], 1)  // PCM format code
	binary.LittleEndian.PutUint16(h[22:24], wavChannels)
	binary.LittleEndian.PutUint32(h[24:28], uint32(sampleRateHz))
	binary.LittleEndian.PutUint32(h[28:32], byteRate)
	binary.LittleEndian.PutUint16(h[32:34], blockAlign)
	binary.LittleEndian.PutUint16(h[34:36], wavBitsPerSamp)
	copy(h[36:40], "data")
	binary.LittleEndian.PutUint32(h[40:44], uint32(dataSize))
	return h
}
