// Package rec2h264 is a CLI utility that converts recordings into
// raw Annex-B H264 files.
package main

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"

	"rtprec/pkg/video/customformat"
	"rtprec/pkg/video/h264"
)

const usage = `convert recordings into raw h264 files
example: rec2h264 ./storage/recordings`

func main() {
	if err := run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(args []string) error {
	if len(args) != 2 {
		fmt.Println(usage)
		return nil
	}

	recordings, err := findRecordings(args[1])
	if err != nil {
		return err
	}

	nRecordings := len(recordings)
	fmt.Printf("Found %v new recordings.\n", nRecordings)

	chResults := make(chan result, nRecordings)
	for _, recording := range recordings {
		go func(recording string) {
			stats, err := convert(recording)
			chResults <- result{
				recording: recording,
				stats:     stats,
				err:       err,
			}
		}(recording)
	}

	for i := 1; i <= nRecordings; i++ {
		result := <-chResults
		fmt.Printf("[%v/%v]", i, nRecordings)
		if result.err != nil {
			fmt.Printf("[ERR] %v %v\n", result.recording, result.err)
			continue
		}
		stats := result.stats
		fmt.Printf("[OK] %v samples: %v keyframes: %v\n",
			result.recording+".h264", stats.samples, stats.keyFrames)
		if stats.idrs != stats.keyFrames || stats.invalid != 0 {
			fmt.Printf("  samples with IDR: %v invalid samples: %v\n",
				stats.idrs, stats.invalid)
		}
	}
	return nil
}

// findRecordings returns the recordings in dir that have
// both a meta and a mdat file, but no h264 file.
func findRecordings(dir string) ([]string, error) {
	var recordings []string

	walkFunc := func(path string, info fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("%v %w", path, err)
		}
		if info.IsDir() || filepath.Ext(path) != ".meta" {
			return nil
		}

		recording := path[:len(path)-5]

		_, err = os.Stat(recording + ".mdat")
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return fmt.Errorf("%v %w", path, err)
		}

		_, err = os.Stat(recording + ".h264")
		if !errors.Is(err, os.ErrNotExist) {
			return nil
		}

		recordings = append(recordings, recording)
		return nil
	}
	if err := filepath.WalkDir(dir, walkFunc); err != nil {
		return nil, err
	}
	return recordings, nil
}

type result struct {
	recording string
	stats     convertStats
	err       error
}

type convertStats struct {
	samples   int
	keyFrames int

	// Samples containing an IDR NALU, aggregated IDRs
	// are not flagged as key frames.
	idrs int

	// Non-empty samples that are not valid Annex-B.
	invalid int
}

func convert(recording string) (convertStats, error) {
	meta, err := os.Open(recording + ".meta")
	if err != nil {
		return convertStats{}, fmt.Errorf("open meta: %w", err)
	}
	defer meta.Close()

	stat, err := meta.Stat()
	if err != nil {
		return convertStats{}, fmt.Errorf("stat meta: %w", err)
	}

	reader, header, err := customformat.NewReader(meta, int(stat.Size()))
	if err != nil {
		return convertStats{}, fmt.Errorf("create reader: %w", err)
	}
	samples, err := reader.ReadAllSamples()
	if err != nil {
		return convertStats{}, fmt.Errorf("read samples: %w", err)
	}

	mdat, err := os.Open(recording + ".mdat")
	if err != nil {
		return convertStats{}, fmt.Errorf("open mdat: %w", err)
	}
	defer mdat.Close()

	file, err := os.OpenFile(recording+".h264", os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return convertStats{}, fmt.Errorf("open file: %w", err)
	}
	defer file.Close()
	w := bufio.NewWriter(file)

	// Parameter sets from the session description, decoders
	// need them before the first IDR.
	var params [][]byte
	if len(header.VideoSPS) != 0 {
		params = append(params, header.VideoSPS)
	}
	if len(header.VideoPPS) != 0 {
		params = append(params, header.VideoPPS)
	}
	if _, err := w.Write(h264.AnnexBEncode(params)); err != nil {
		return convertStats{}, fmt.Errorf("write parameter sets: %w", err)
	}

	var stats convertStats
	for _, s := range samples {
		data, err := customformat.ReadSampleData(mdat, s)
		if err != nil {
			return convertStats{}, err
		}
		if _, err := w.Write(data); err != nil {
			return convertStats{}, fmt.Errorf("write sample: %w", err)
		}
		stats.samples++
		if s.IsSyncSample {
			stats.keyFrames++
		}
		if len(data) == 0 {
			continue
		}
		nalus, err := h264.AnnexBUnmarshal(data)
		if err != nil {
			stats.invalid++
			continue
		}
		if h264.IDRPresent(nalus) {
			stats.idrs++
		}
	}

	if err := w.Flush(); err != nil {
		return convertStats{}, fmt.Errorf("flush: %w", err)
	}
	return stats, nil
}
