package track

import "hash/fnv"

// Partition maps a flight identity onto one of n partitions. The mapping is
// stable, so every point of a flight lands on the same partition.
func Partition(flightID string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(flightID))
	return int(h.Sum32() % uint32(n))
}
