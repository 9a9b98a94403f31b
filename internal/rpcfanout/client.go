package rpcfanout

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/zap"

	"github.com/walletwatch/walletwatch/internal/errs"
	"github.com/walletwatch/walletwatch/internal/logging"
)

// Client presents a single chain-client interface backed by N JSON-RPC
// endpoints, fanned out in parallel and reduced per spec §4.1.
type Client struct {
	endpoints []*endpointTransport
	health    *HealthTracker
	log       *zap.Logger
	deadline  time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithDeadline overrides the per-call, per-endpoint deadline (default 3s).
func WithDeadline(d time.Duration) Option {
	return func(c *Client) { c.deadline = d }
}

// New builds a fan-out Client over the given endpoint URLs.
func New(log *zap.Logger, urls []string, opts ...Option) (*Client, error) {
	if len(urls) == 0 {
		return nil, fmt.Errorf("rpcfanout: at least one endpoint required")
	}
	c := &Client{
		health:   NewHealthTracker(),
		log:      log,
		deadline: defaultDeadline,
	}
	for _, u := range urls {
		c.endpoints = append(c.endpoints, newEndpointTransport(u))
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// attempt is one endpoint's outcome for a single fanned-out call.
type attempt struct {
	endpoint string
	result   json.RawMessage
	err      error
	order    int // arrival order among successful responses
}

// Call dispatches method to every configured endpoint concurrently,
// each under its own copy of the shared per-call deadline, and reduces
// the non-error responses via method's consensus policy. If every
// endpoint errors or times out, Call returns an AllEndpointsFailed
// WalletwatchError carrying the last error observed per endpoint.
func (c *Client) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	policy := policyForMethod(method)

	results := make(chan attempt, len(c.endpoints))
	fanCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	var orderCounter int64
	var orderMu sync.Mutex

	for _, ep := range c.endpoints {
		ep := ep
		wg.Add(1)
		go func() {
			defer wg.Done()
			callCtx, callCancel := context.WithTimeout(fanCtx, c.deadline)
			defer callCancel()

			start := time.Now()
			result, err := ep.call(callCtx, method, params)
			latency := time.Since(start).Milliseconds()

			if err != nil {
				c.health.RecordFailure(ep.url)
				logging.Endpoint(c.log, method, ep.url, false, latency, nil, err)
				results <- attempt{endpoint: ep.url, err: err}
				return
			}

			c.health.RecordSuccess(ep.url, latency)
			height := heightIfBlockNumber(method, result)
			logging.Endpoint(c.log, method, ep.url, true, latency, height, nil)

			orderMu.Lock()
			order := orderCounter
			orderCounter++
			orderMu.Unlock()

			results <- attempt{endpoint: ep.url, result: result, order: int(order)}

			if policy == FirstSuccess {
				// First non-error result wins; cancel the rest in flight.
				cancel()
			}
		}()
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	var ok []attempt
	errsByEndpoint := make(map[string]error)
	for a := range results {
		if a.err != nil {
			errsByEndpoint[a.endpoint] = a.err
			continue
		}
		ok = append(ok, a)
		if policy == FirstSuccess {
			break
		}
	}
	// Drain any remaining in-flight attempts so their goroutines don't
	// block forever writing to a channel nobody reads.
	go func() {
		for range results {
		}
	}()

	if len(ok) == 0 {
		return nil, errs.New(
			errs.CodeAllEndpointsFailed,
			fmt.Sprintf("all %d endpoints failed for method %s", len(c.endpoints), method),
			errs.Retryable,
			joinEndpointErrors(errsByEndpoint),
		)
	}

	sort.Slice(ok, func(i, j int) bool { return ok[i].order < ok[j].order })

	ordered := make([]endpointResult, 0, len(ok))
	for _, a := range ok {
		ordered = append(ordered, endpointResult{endpoint: a.endpoint, result: a.result})
	}

	return reduce(policy, ordered)
}

func heightIfBlockNumber(method string, result json.RawMessage) *uint64 {
	if method != "eth_blockNumber" {
		return nil
	}
	var hexStr string
	if err := json.Unmarshal(result, &hexStr); err != nil {
		return nil
	}
	h, err := hexutil.DecodeUint64(hexStr)
	if err != nil {
		return nil
	}
	return &h
}

func joinEndpointErrors(m map[string]error) error {
	if len(m) == 0 {
		return nil
	}
	msg := ""
	for ep, err := range m {
		msg += fmt.Sprintf("%s: %v; ", ep, err)
	}
	return fmt.Errorf("%s", msg)
}
