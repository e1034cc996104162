package pipeline

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/jmallek/distill/internal/jsonl"
)

// splitLines partitions the clean file into train and val files. The
// assignment is a pure function of (seed, line count, ratio): re-running with
// the same inputs reproduces the same split exactly. Lines keep their
// original relative order within each output file.
func splitLines(cleanPath, trainPath, valPath string, ratio float64, seed int64) (trainLines, valLines int, err error) {
	if ratio < 0 || ratio >= 1 {
		return 0, 0, fmt.Errorf("val ratio must be in [0,1), got %g", ratio)
	}

	r, err := jsonl.Open(cleanPath)
	if err != nil {
		return 0, 0, err
	}
	var lines []string
	for r.Scan() {
		lines = append(lines, r.Text())
	}
	scanErr := r.Err()
	r.Close()
	if scanErr != nil {
		return 0, 0, fmt.Errorf("reading %s: %w", cleanPath, scanErr)
	}

	n := len(lines)
	valCount := int(math.Round(float64(n) * ratio))
	// A nonzero ratio always holds out at least one line.
	if ratio > 0 && valCount == 0 && n > 0 {
		valCount = 1
	}
	if valCount > n {
		valCount = n
	}

	rng := rand.New(rand.NewSource(seed))
	valIdx := make(map[int]struct{}, valCount)
	for _, i := range rng.Perm(n)[:valCount] {
		valIdx[i] = struct{}{}
	}

	trainW, err := jsonl.Create(trainPath)
	if err != nil {
		return 0, 0, err
	}
	defer trainW.Close()
	valW, err := jsonl.Create(valPath)
	if err != nil {
		return 0, 0, err
	}
	defer valW.Close()

	for i, line := range lines {
		w := trainW
		if _, held := valIdx[i]; held {
			w = valW
		}
		if err := w.WriteLine(line); err != nil {
			return 0, 0, fmt.Errorf("writing split: %w", err)
		}
	}

	if err := trainW.Flush(); err != nil {
		return 0, 0, fmt.Errorf("flushing %s: %w", trainPath, err)
	}
	if err := valW.Flush(); err != nil {
		return 0, 0, fmt.Errorf("flushing %s: %w", valPath, err)
	}

	return n - valCount, valCount, nil
}
