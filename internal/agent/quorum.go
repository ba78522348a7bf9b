package agent

import "sort"

// quorumSize returns the majority threshold for a cluster of members agents.
func quorumSize(members int) int {
	return members/2 + 1
}

// commitCandidate computes the highest index acknowledged by a quorum.
// acked holds the per-agent acknowledged indices recorded so far (the
// leader's own last appended index included). When fewer than a quorum of
// agents have recorded progress, no index qualifies and 0 is returned.
//
// With the indices sorted ascending, the candidate is the q-th largest:
// sorted[len-q]. Every agent at or after that position has acknowledged at
// least the candidate, so a quorum holds it.
func commitCandidate(acked []uint64, members int) uint64 {
	q := quorumSize(members)
	if len(acked) < q {
		return 0
	}
	sorted := make([]uint64, len(acked))
	copy(sorted, acked)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return sorted[len(sorted)-q]
}
