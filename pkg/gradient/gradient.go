// Package gradient reads FSL-style diffusion gradient tables (.bval/.bvec)
// as written by dcm2niix.
package gradient

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

const (
	// unitTolerance is how far a b>0 direction's norm may stray from 1
	unitTolerance = 0.05

	// maxLineSize bounds a single line of a gradient file
	maxLineSize = 1024 * 1024
)

var (
	// ErrEmpty is returned when a gradient file holds no values
	ErrEmpty = errors.New("empty gradient file")

	// ErrShape is returned when b-values and b-vectors disagree
	ErrShape = errors.New("gradient table shape mismatch")
)

// ReadBvals parses the first line of a .bval file
func ReadBvals(r io.Reader) ([]float64, error) {
	scanner := newScanner(r)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("reading b-values: %w", err)
		}
		return nil, ErrEmpty
	}

	bvals, err := parseRow(scanner.Text())
	if err != nil {
		return nil, fmt.Errorf("parsing b-values: %w", err)
	}
	if len(bvals) == 0 {
		return nil, ErrEmpty
	}
	return bvals, nil
}

func newScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return scanner
}

// ReadBvecs parses a .bvec file into a 3xN matrix, one direction per column
func ReadBvecs(r io.Reader) (*mat.Dense, error) {
	var rows [][]float64
	scanner := newScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		row, err := parseRow(line)
		if err != nil {
			return nil, fmt.Errorf("parsing b-vectors row %d: %w", len(rows)+1, err)
		}
		rows = append(rows, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading b-vectors: %w", err)
	}

	if len(rows) == 0 {
		return nil, ErrEmpty
	}
	if len(rows) != 3 {
		return nil, fmt.Errorf("%w: %d rows in b-vectors, want 3", ErrShape, len(rows))
	}

	n := len(rows[0])
	data := make([]float64, 0, 3*n)
	for i, row := range rows {
		if len(row) != n {
			return nil, fmt.Errorf("%w: b-vectors row %d has %d values, row 1 has %d", ErrShape, i+1, len(row), n)
		}
		data = append(data, row...)
	}
	if n == 0 {
		return nil, ErrEmpty
	}
	return mat.NewDense(3, n, data), nil
}

// parseRow splits a whitespace separated line of numbers
func parseRow(line string) ([]float64, error) {
	fields := strings.Fields(line)
	values := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, err
		}
		values[i] = v
	}
	return values, nil
}

// ZeroIndices returns the positions of volumes acquired with b exactly zero, ascending
func ZeroIndices(bvals []float64) []int {
	// k < 0 finds every match and never errors
	inds, _ := floats.Find(nil, func(b float64) bool { return b == 0 }, bvals, -1)
	return inds
}

// Validate checks that bvecs is 3xN for N b-values and that every b>0
// direction is a unit vector
func Validate(bvals []float64, bvecs *mat.Dense) error {
	r, c := bvecs.Dims()
	if r != 3 || c != len(bvals) {
		return fmt.Errorf("%w: b-vectors are %dx%d for %d b-values", ErrShape, r, c, len(bvals))
	}

	col := make([]float64, 3)
	for j, b := range bvals {
		if b < 0 {
			return fmt.Errorf("negative b-value %v at volume %d", b, j)
		}
		if b == 0 {
			continue
		}
		mat.Col(col, j, bvecs)
		if norm := floats.Norm(col, 2); math.Abs(norm-1) > unitTolerance {
			return fmt.Errorf("direction %d has norm %.3f, want 1", j, norm)
		}
	}
	return nil
}
