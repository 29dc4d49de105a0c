package customformat

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"time"

	"rtprec/pkg/video/track"
)

// Writer errors.
var (
	ErrHeaderNotWritten     = errors.New("header not written")
	ErrHeaderAlreadyWritten = errors.New("header already written")
	ErrInvalidSampleSize    = errors.New("invalid sample size")
	ErrMdatTooBig           = errors.New("mdat file is too big")
)

// Writer writes recordings in our custom format.
// It implements track.Output.
type Writer struct {
	meta io.Writer // Output file.
	mdat io.Writer // Output file.

	startTime     time.Time
	headerWritten bool
	mdatPos       int64
}

// NewWriter creates a new Writer, the header is written by Format.
func NewWriter(meta io.Writer, mdat io.Writer, startTime time.Time) *Writer {
	return &Writer{
		meta:      meta,
		mdat:      mdat,
		startTime: startTime,
	}
}

// Format implements track.Output.
func (w *Writer) Format(f track.Format) error {
	if w.headerWritten {
		return ErrHeaderAlreadyWritten
	}

	header := NewHeader(f, w.startTime.UnixNano())
	if _, err := w.meta.Write(header.Marshal()); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	w.headerWritten = true
	return nil
}

// SampleData implements track.Output.
func (w *Writer) SampleData(data []byte) error {
	if !w.headerWritten {
		return ErrHeaderNotWritten
	}

	n, err := w.mdat.Write(data)
	w.mdatPos += int64(n)
	if err != nil {
		return fmt.Errorf("write mdat: %w", err)
	}
	return nil
}

// SampleMetadata implements track.Output.
func (w *Writer) SampleMetadata(timeUs int64, flags track.Flags, size int, offset int) error {
	if !w.headerWritten {
		return ErrHeaderNotWritten
	}

	start := w.mdatPos - int64(offset) - int64(size)
	if size < 0 || offset < 0 || start < 0 {
		return fmt.Errorf("%w: size %d, offset %d", ErrInvalidSampleSize, size, offset)
	}
	if start+int64(size) > math.MaxUint32 {
		return ErrMdatTooBig
	}

	s := Sample{
		IsSyncSample: flags.IsKeyFrame(),
		PTS:          timeUs,
		Offset:       uint32(start),
		Size:         uint32(size),
	}
	if _, err := w.meta.Write(s.Marshal()); err != nil {
		return fmt.Errorf("write meta: %w", err)
	}
	return nil
}

// FileWriter is a Writer backed by a pair of files.
type FileWriter struct {
	*Writer

	Path string // Path without extension.
	meta *os.File
	mdat *os.File
}

// CreateFiles creates "<dir>/<name>.meta" and "<dir>/<name>.mdat".
func CreateFiles(dir string, name string, startTime time.Time) (*FileWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("make directory: %w", err)
	}
	path := filepath.Join(dir, name)

	meta, err := os.OpenFile(path+".meta", os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create meta file: %w", err)
	}

	mdat, err := os.OpenFile(path+".mdat", os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		meta.Close()
		return nil, fmt.Errorf("create mdat file: %w", err)
	}

	return &FileWriter{
		Writer: NewWriter(meta, mdat, startTime),
		Path:   path,
		meta:   meta,
		mdat:   mdat,
	}, nil
}

// Close closes both files.
func (w *FileWriter) Close() error {
	err := w.mdat.Close()
	if err2 := w.meta.Close(); err == nil {
		err = err2
	}
	return err
}
