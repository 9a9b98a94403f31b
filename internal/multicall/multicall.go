// Package multicall implements C2: batching many read-only contract
// calls into one on-chain call against a pre-configured Multicall2-style
// aggregator contract (spec §4.2).
package multicall

import (
	"context"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// tryAggregateABI is the Multicall2 `tryAggregate` function signature.
// walletwatch only ever calls and decodes this single method, so the
// ABI is embedded directly rather than pulling in a generated contract
// binding package.
const tryAggregateABI = `[{
	"name": "tryAggregate",
	"type": "function",
	"stateMutability": "nonpayable",
	"inputs": [
		{"name": "requireSuccess", "type": "bool"},
		{"name": "calls", "type": "tuple[]", "components": [
			{"name": "target", "type": "address"},
			{"name": "callData", "type": "bytes"}
		]}
	],
	"outputs": [
		{"name": "returnData", "type": "tuple[]", "components": [
			{"name": "success", "type": "bool"},
			{"name": "returnData", "type": "bytes"}
		]}
	]
}]`

var multicallABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(tryAggregateABI))
	if err != nil {
		panic("multicall: invalid embedded ABI: " + err.Error())
	}
	multicallABI = parsed
}

// Call is one read-only call to bundle: Target is the contract address,
// Data is the already ABI-encoded calldata (selector + arguments).
type Call struct {
	Target string
	Data   []byte
}

// Result is one bundled call's outcome, in input order.
type Result struct {
	Success bool
	Data    []byte
}

type aggregateCall struct {
	Target   common.Address
	CallData []byte
}

type aggregateResult struct {
	Success    bool
	ReturnData []byte
}

// Caller is the subset of rpcfanout.Client this package depends on,
// kept narrow so multicall can be unit tested against a stub.
type Caller interface {
	EthCall(ctx context.Context, to string, data []byte, blockTag string) ([]byte, error)
}

// Bundler aggregates calls through a single Multicall2-compatible
// contract address.
type Bundler struct {
	client            Caller
	aggregatorAddress string
}

// New builds a Bundler against the configured aggregator contract.
func New(client Caller, aggregatorAddress string) *Bundler {
	return &Bundler{client: client, aggregatorAddress: aggregatorAddress}
}

// TryAggregate encodes calls into a single tryAggregate transaction,
// executes it via eth_call, and decodes the per-call (success,
// returnData) tuples in input order. An empty call list returns an
// empty result list without issuing any RPC call (spec §4.2). Errors
// propagate without retry; no partial results are synthesized on a
// transport failure.
func (b *Bundler) TryAggregate(ctx context.Context, requireSuccess bool, calls []Call) ([]Result, error) {
	if len(calls) == 0 {
		return []Result{}, nil
	}

	encodedCalls := make([]aggregateCall, len(calls))
	for i, c := range calls {
		encodedCalls[i] = aggregateCall{
			Target:   common.HexToAddress(c.Target),
			CallData: c.Data,
		}
	}

	packed, err := multicallABI.Pack("tryAggregate", requireSuccess, encodedCalls)
	if err != nil {
		return nil, err
	}

	raw, err := b.client.EthCall(ctx, b.aggregatorAddress, packed, "latest")
	if err != nil {
		return nil, err
	}

	var decoded []aggregateResult
	if err := multicallABI.UnpackIntoInterface(&decoded, "tryAggregate", raw); err != nil {
		return nil, err
	}

	results := make([]Result, len(decoded))
	for i, d := range decoded {
		results[i] = Result{Success: d.Success, Data: d.ReturnData}
	}
	return results, nil
}
