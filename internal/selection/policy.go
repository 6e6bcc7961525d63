package selection

import "github.com/v2ray-connector/internal/types"

// Best returns the successful result with the lowest latency. Ties are broken
// by input order, and entries with Success=false are never considered even if
// their latency field compares lower. The input slice is not modified.
//
// The second return value is false when no successful result exists.
func Best(results []types.ProbeResult) (types.ProbeResult, bool) {
	var best types.ProbeResult
	found := false

	for _, r := range results {
		if !r.Success {
			continue
		}
		if !found || r.LatencyMs < best.LatencyMs {
			best = r
			found = true
		}
	}

	return best, found
}
