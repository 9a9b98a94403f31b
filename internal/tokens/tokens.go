// Package tokens implements C3: resolving contract addresses to
// (symbol, decimals) via batched multicall reads, with a positive-only
// write-once cache, plus the ERC20-transfer-amount and pair-underlying
// helpers the trace decoder (C6) depends on (spec §4.3).
package tokens

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/walletwatch/walletwatch/internal/models"
	"github.com/walletwatch/walletwatch/internal/multicall"
)

// ERC20TransferSelector is the 4-byte selector for transfer(address,uint256).
const ERC20TransferSelector = "0xa9059cbb"

var erc20ABI abi.ABI

func init() {
	const erc20Fragment = `[
		{"name":"symbol","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
		{"name":"decimals","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
		{"name":"token0","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
		{"name":"token1","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]}
	]`
	parsed, err := abi.JSON(strings.NewReader(erc20Fragment))
	if err != nil {
		panic("tokens: invalid embedded ABI: " + err.Error())
	}
	erc20ABI = parsed
}

// Cache is a positive-only, write-once token metadata cache keyed by
// lower-cased address. Negatives are never stored, so a freshly
// deployed token can resolve on a later sighting (spec §4.3).
type Cache interface {
	Get(address string) (*models.TokenRecord, bool)
	// Put stores rec if it is not already present. Implementations MUST
	// be safe for concurrent use and MUST NOT overwrite an existing
	// record (write-once, spec §3 invariant).
	Put(rec *models.TokenRecord)
}

// MemCache is the default in-process Cache. One RWMutex guards the
// whole map: reads share it, writes take it exclusively.
type MemCache struct {
	mu      sync.RWMutex
	records map[string]*models.TokenRecord
}

// NewMemCache builds an empty in-memory cache.
func NewMemCache() *MemCache {
	return &MemCache{records: make(map[string]*models.TokenRecord)}
}

func (c *MemCache) Get(address string) (*models.TokenRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.records[strings.ToLower(address)]
	return r, ok
}

func (c *MemCache) Put(rec *models.TokenRecord) {
	if rec == nil || !rec.Valid() {
		return
	}
	key := strings.ToLower(rec.Address)
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.records[key]; exists {
		return
	}
	c.records[key] = rec
}

// Resolver resolves token metadata via a Cache backed by multicall
// batches for misses.
type Resolver struct {
	cache      Cache
	bundler    *multicall.Bundler
	baseTokens map[string]bool // symbol -> is-base-token, for ordering
}

// New builds a Resolver. baseTokenSymbols configures the set whose
// resolved entries are sorted last in Lookup's output (spec §4.3).
func New(cache Cache, bundler *multicall.Bundler, baseTokenSymbols []string) *Resolver {
	base := make(map[string]bool, len(baseTokenSymbols))
	for _, s := range baseTokenSymbols {
		base[strings.ToUpper(s)] = true
	}
	return &Resolver{cache: cache, bundler: bundler, baseTokens: base}
}

// Lookup resolves addresses to symbols, splitting cache hits from
// misses and batching misses through two parallel multicall rounds
// (symbol() and decimals()). The returned map only contains
// successfully resolved entries. A Go map has no order, so the
// base-tokens-last ordering is only available from LookupOrdered.
func (r *Resolver) Lookup(ctx context.Context, addresses []string) (map[string]string, error) {
	ordered, err := r.LookupOrdered(ctx, addresses)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(ordered))
	for _, tok := range ordered {
		out[tok.Address] = tok.Symbol
	}
	return out, nil
}

// LookupOrdered is Lookup but preserves the base-tokens-last ordering
// spec §4.3 and §3 require for TraceResult.InteractedTokens.
func (r *Resolver) LookupOrdered(ctx context.Context, addresses []string) ([]models.InteractedToken, error) {
	seen := make(map[string]bool)
	var dedup []string
	for _, a := range addresses {
		key := strings.ToLower(a)
		if seen[key] {
			continue
		}
		seen[key] = true
		dedup = append(dedup, key)
	}

	var misses []string
	hits := make(map[string]*models.TokenRecord)
	for _, addr := range dedup {
		if rec, ok := r.cache.Get(addr); ok {
			hits[addr] = rec
		} else {
			misses = append(misses, addr)
		}
	}

	resolved, err := r.resolveMisses(ctx, misses)
	if err != nil {
		return nil, err
	}
	for addr, rec := range resolved {
		hits[addr] = rec
	}

	var nonBase, base []models.InteractedToken
	for _, addr := range dedup {
		rec, ok := hits[addr]
		if !ok {
			continue
		}
		tok := models.InteractedToken{Address: addr, Symbol: rec.Symbol}
		if r.baseTokens[strings.ToUpper(rec.Symbol)] {
			base = append(base, tok)
		} else {
			nonBase = append(nonBase, tok)
		}
	}
	return append(nonBase, base...), nil
}

// resolveMisses issues two parallel multicall batches — symbol() and
// decimals() — over every miss address, decodes the results, and
// persists only the valid (non-empty symbol, decimals>0) records.
func (r *Resolver) resolveMisses(ctx context.Context, misses []string) (map[string]*models.TokenRecord, error) {
	resolved := make(map[string]*models.TokenRecord)
	if len(misses) == 0 {
		return resolved, nil
	}

	symbolSelector, _ := erc20ABI.Pack("symbol")
	decimalsSelector, _ := erc20ABI.Pack("decimals")

	symbolCalls := make([]multicall.Call, len(misses))
	decimalsCalls := make([]multicall.Call, len(misses))
	for i, addr := range misses {
		symbolCalls[i] = multicall.Call{Target: addr, Data: symbolSelector}
		decimalsCalls[i] = multicall.Call{Target: addr, Data: decimalsSelector}
	}

	var symbolResults, decimalsResults []multicall.Result
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		res, err := r.bundler.TryAggregate(gctx, false, symbolCalls)
		if err != nil {
			return err
		}
		symbolResults = res
		return nil
	})
	g.Go(func() error {
		res, err := r.bundler.TryAggregate(gctx, false, decimalsCalls)
		if err != nil {
			return err
		}
		decimalsResults = res
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for i, addr := range misses {
		if i >= len(symbolResults) || i >= len(decimalsResults) {
			continue
		}
		if !symbolResults[i].Success || !decimalsResults[i].Success {
			continue
		}

		symbol, err := decodeString(symbolResults[i].Data)
		if err != nil {
			continue
		}
		decimals, err := decodeUint8(decimalsResults[i].Data)
		if err != nil {
			continue
		}

		rec := &models.TokenRecord{
			Address:  addr,
			Symbol:   strings.TrimSpace(symbol),
			Decimals: decimals,
		}
		if !rec.Valid() {
			continue
		}
		r.cache.Put(rec)
		resolved[addr] = rec
	}
	return resolved, nil
}

func decodeString(data []byte) (string, error) {
	vals, err := erc20ABI.Methods["symbol"].Outputs.UnpackValues(data)
	if err != nil || len(vals) == 0 {
		return "", err
	}
	s, ok := vals[0].(string)
	if !ok {
		return "", fmt.Errorf("symbol() did not decode as string")
	}
	return s, nil
}

func decodeUint8(data []byte) (uint8, error) {
	vals, err := erc20ABI.Methods["decimals"].Outputs.UnpackValues(data)
	if err != nil || len(vals) == 0 {
		return 0, err
	}
	d, ok := vals[0].(uint8)
	if !ok {
		return 0, err
	}
	return d, nil
}

// DecodeTransferAmount decodes an ERC20 transfer(address,uint256)
// amount from calldata, dividing by 10^decimals using the cached
// record for token (nil if absent), and rounds to two fractional
// digits (spec §4.3).
func (r *Resolver) DecodeTransferAmount(calldata []byte, token string) *string {
	if len(calldata) < 4+32+32 {
		return nil
	}
	if !strings.EqualFold(common.Bytes2Hex(calldata[:4]), strings.TrimPrefix(ERC20TransferSelector, "0x")) {
		return nil
	}

	rec, ok := r.cache.Get(token)
	if !ok {
		return nil
	}

	amountBytes := calldata[4+32 : 4+64]
	amount := new(big.Int).SetBytes(amountBytes)

	formatted := formatUnits(amount, rec.Decimals, 2)
	return &formatted
}

// ExtractPairUnderlyings bundles token0()/token1() calls against every
// candidate and returns successfully decoded 20-byte addresses,
// de-duplicated in encounter order (spec §4.3).
func (r *Resolver) ExtractPairUnderlyings(ctx context.Context, candidates []string) ([]string, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	token0Sel, _ := erc20ABI.Pack("token0")
	token1Sel, _ := erc20ABI.Pack("token1")

	calls := make([]multicall.Call, 0, len(candidates)*2)
	for _, addr := range candidates {
		calls = append(calls, multicall.Call{Target: addr, Data: token0Sel})
		calls = append(calls, multicall.Call{Target: addr, Data: token1Sel})
	}

	results, err := r.bundler.TryAggregate(ctx, false, calls)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var out []string
	for _, res := range results {
		if !res.Success || len(res.Data) < 32 {
			continue
		}
		addr := common.BytesToAddress(res.Data[12:32]).Hex()
		key := strings.ToLower(addr)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, addr)
	}
	return out, nil
}

// formatUnits divides amount by 10^decimals and formats the quotient
// to `round` fractional digits, always including a decimal point.
func formatUnits(amount *big.Int, decimals uint8, round int) string {
	divisor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	quotient := new(big.Rat).SetFrac(amount, divisor)
	return quotient.FloatString(round)
}
