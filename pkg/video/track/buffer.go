package track

import (
	"errors"
	"fmt"
	"sync"
)

// Sample is a finalized sample stored in a Buffer.
type Sample struct {
	TimeUs int64
	Flags  Flags
	Data   []byte
}

// Buffer errors.
var (
	ErrFormatAlreadySet = errors.New("format already set")
	ErrFormatNotSet     = errors.New("format not set")
	ErrSampleTooBig     = errors.New("sample size greater than buffered data")
)

// Buffer is a Output that keeps everything in memory.
type Buffer struct {
	format  *Format
	pending []byte
	samples []Sample

	mu sync.Mutex
}

// NewBuffer allocates a Buffer.
func NewBuffer() *Buffer {
	return &Buffer{}
}

// Format implements Output.
func (b *Buffer) Format(f Format) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.format != nil {
		return ErrFormatAlreadySet
	}
	b.format = &f
	return nil
}

// SampleData implements Output.
func (b *Buffer) SampleData(data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.format == nil {
		return ErrFormatNotSet
	}
	b.pending = append(b.pending, data...)
	return nil
}

// SampleMetadata implements Output.
func (b *Buffer) SampleMetadata(timeUs int64, flags Flags, size int, offset int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	end := len(b.pending) - offset
	start := end - size
	if start < 0 || end < start {
		return fmt.Errorf("%w: size %d, offset %d, buffered %d",
			ErrSampleTooBig, size, offset, len(b.pending))
	}

	data := make([]byte, size)
	copy(data, b.pending[start:end])
	b.samples = append(b.samples, Sample{
		TimeUs: timeUs,
		Flags:  flags,
		Data:   data,
	})

	b.pending = append(b.pending[:0], b.pending[end:]...)
	return nil
}

// TrackFormat returns the format, or nil if it was never set.
func (b *Buffer) TrackFormat() *Format {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.format
}

// Samples returns a copy of the finalized samples.
func (b *Buffer) Samples() []Sample {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Sample(nil), b.samples...)
}

// Pending returns the bytes that were appended but not finalized.
func (b *Buffer) Pending() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.pending...)
}
