package customformat

import (
	"fmt"
	"io"
)

// Reader reads a single meta file.
type Reader struct {
	in io.ReadSeeker

	headerSize  int
	sampleCount int
}

// NewReader creates a new reader.
func NewReader(in io.ReadSeeker, fileSize int) (*Reader, *Header, error) {
	var header Header
	headerSize, err := header.Unmarshal(in)
	if err != nil {
		return nil, nil, fmt.Errorf("unmarshal header: %w", err)
	}

	r := Reader{
		in:          in,
		headerSize:  headerSize,
		sampleCount: (fileSize - headerSize) / sampleSize,
	}

	return &r, &header, nil
}

// ReadAllSamples reads and returns all samples in the file.
// A partially written trailing sample is ignored.
func (r *Reader) ReadAllSamples() ([]Sample, error) {
	// Seek to end of the header.
	_, err := r.in.Seek(int64(r.headerSize), io.SeekStart)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, sampleSize)
	samples := make([]Sample, r.sampleCount)
	for i := 0; i < r.sampleCount; i++ {
		if _, err := io.ReadFull(r.in, buf); err != nil {
			return nil, err
		}
		samples[i].Unmarshal(buf)
	}

	return samples, nil
}

// ReadSampleData reads the access unit of a sample from the mdat file.
func ReadSampleData(mdat io.ReaderAt, s Sample) ([]byte, error) {
	buf := make([]byte, s.Size)
	if s.Size == 0 {
		return buf, nil
	}
	if _, err := mdat.ReadAt(buf, int64(s.Offset)); err != nil {
		return nil, fmt.Errorf("read sample at %d: %w", s.Offset, err)
	}
	return buf, nil
}
