package rpcfanout

import (
	"encoding/json"
	"testing"
)

func TestPolicyForMethodBindings(t *testing.T) {
	cases := map[string]Policy{
		"eth_blockNumber": HighestBlock,
		"eth_getLogs":      MostLogs,
		"eth_call":         FirstSuccess,
		"eth_getBalance":   FirstSuccess,
	}
	for method, want := range cases {
		if got := policyForMethod(method); got != want {
			t.Fatalf("policyForMethod(%q) = %v, want %v", method, got, want)
		}
	}
}

func TestReduceHighestBlockPicksGreatestHeight(t *testing.T) {
	results := []endpointResult{
		{endpoint: "a", result: json.RawMessage(`"0x10"`)},
		{endpoint: "b", result: json.RawMessage(`"0x20"`)},
		{endpoint: "c", result: json.RawMessage(`"0x5"`)},
	}
	got, err := reduce(HighestBlock, results)
	if err != nil {
		t.Fatalf("reduce: %v", err)
	}
	if string(got) != `"0x20"` {
		t.Fatalf("expected 0x20, got %s", got)
	}
}

func TestReduceMostLogsPicksLongestArray(t *testing.T) {
	results := []endpointResult{
		{endpoint: "a", result: json.RawMessage(`[{},{}]`)},
		{endpoint: "b", result: json.RawMessage(`[{},{},{}]`)},
	}
	got, err := reduce(MostLogs, results)
	if err != nil {
		t.Fatalf("reduce: %v", err)
	}
	if string(got) != `[{},{},{}]` {
		t.Fatalf("expected the 3-element array, got %s", got)
	}
}

func TestReduceFirstSuccessPicksArrivalOrder(t *testing.T) {
	results := []endpointResult{
		{endpoint: "a", result: json.RawMessage(`"first"`)},
		{endpoint: "b", result: json.RawMessage(`"second"`)},
	}
	got, err := reduce(FirstSuccess, results)
	if err != nil {
		t.Fatalf("reduce: %v", err)
	}
	if string(got) != `"first"` {
		t.Fatalf("expected first arrival, got %s", got)
	}
}

func TestReduceEmptyResultsReturnsNil(t *testing.T) {
	got, err := reduce(FirstSuccess, nil)
	if err != nil {
		t.Fatalf("reduce: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil result for empty input")
	}
}
