//go:build !unix

package receiver

import "math"

// freeDisk is unsupported on this platform; capacity is assumed unlimited.
func freeDisk(dir string) (uint64, error) {
	return math.MaxUint64, nil
}
