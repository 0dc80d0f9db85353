// Package partition enumerates the base-prefix subsets a workload is split into.
package partition

import (
	"errors"
	"fmt"
)

// Bases is the alphabet subsets are drawn from, in generation order.
const Bases = "ACGT"

// ErrUnsupportedJobCount is matched by every UnsupportedJobCountError.
var ErrUnsupportedJobCount = errors.New("unsupported job count")

// UnsupportedJobCountError reports a job count that is not 4, 16 or 64.
type UnsupportedJobCountError struct {
	Count int
}

func (e *UnsupportedJobCountError) Error() string {
	return fmt.Sprintf("invalid job count %d (must be 4, 16 or 64)", e.Count)
}

func (e *UnsupportedJobCountError) Is(target error) bool {
	return target == ErrUnsupportedJobCount
}

// Width returns the subset length for a job count, i.e. log4(jobCount).
func Width(jobCount int) (int, error) {
	switch jobCount {
	case 4:
		return 1, nil
	case 16:
		return 2, nil
	case 64:
		return 3, nil
	}
	return 0, &UnsupportedJobCountError{Count: jobCount}
}

// Subsets returns every string of Width(jobCount) bases in lexicographic
// product order: the first base varies slowest.
func Subsets(jobCount int) ([]string, error) {
	width, err := Width(jobCount)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, jobCount)
	buf := make([]byte, width)
	var fill func(pos int)
	fill = func(pos int) {
		if pos == width {
			out = append(out, string(buf))
			return
		}
		for i := 0; i < len(Bases); i++ {
			buf[pos] = Bases[i]
			fill(pos + 1)
		}
	}
	fill(0)
	return out, nil
}
