package rpcfanout

import (
	"encoding/json"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Policy is a per-method consensus reduction over the set of
// non-error endpoint responses received within the call deadline
// (spec §4.1). Reductions are deterministic given that response set.
type Policy int

const (
	// FirstSuccess returns the first non-error result observed.
	FirstSuccess Policy = iota
	// HighestBlock returns the numerically greatest hex-quantity result.
	HighestBlock
	// MostLogs returns the JSON array result of greatest length.
	MostLogs
)

// policyForMethod implements the static method -> policy bindings of
// spec §4.1: block-number -> highest-block, get-logs -> most-logs, all
// others -> first-success.
func policyForMethod(method string) Policy {
	switch method {
	case "eth_blockNumber":
		return HighestBlock
	case "eth_getLogs":
		return MostLogs
	default:
		return FirstSuccess
	}
}

// endpointResult pairs one endpoint's raw response with its source,
// preserving arrival order for FirstSuccess.
type endpointResult struct {
	endpoint string
	result   json.RawMessage
}

// reduce applies policy to the ordered set of successful responses
// (ordered by arrival) and returns the winning raw result.
func reduce(policy Policy, results []endpointResult) (json.RawMessage, error) {
	if len(results) == 0 {
		return nil, nil
	}

	switch policy {
	case HighestBlock:
		var best *endpointResult
		var bestHeight uint64
		for i := range results {
			var hexStr string
			if err := json.Unmarshal(results[i].result, &hexStr); err != nil {
				continue
			}
			height, err := hexutil.DecodeUint64(hexStr)
			if err != nil {
				continue
			}
			if best == nil || height > bestHeight {
				best = &results[i]
				bestHeight = height
			}
		}
		if best == nil {
			// None decoded as a hex quantity; fall back to the first result
			// so callers still observe deterministic behavior.
			return results[0].result, nil
		}
		return best.result, nil

	case MostLogs:
		var best *endpointResult
		bestLen := -1
		for i := range results {
			var arr []json.RawMessage
			if err := json.Unmarshal(results[i].result, &arr); err != nil {
				continue
			}
			if len(arr) > bestLen {
				best = &results[i]
				bestLen = len(arr)
			}
		}
		if best == nil {
			return results[0].result, nil
		}
		return best.result, nil

	default: // FirstSuccess
		return results[0].result, nil
	}
}
