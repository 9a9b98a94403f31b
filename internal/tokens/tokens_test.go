package tokens

import (
	"context"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/walletwatch/walletwatch/internal/models"
	"github.com/walletwatch/walletwatch/internal/multicall"
)

const tryAggregateFragment = `[{
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

type aggResult struct {
	Success    bool
	ReturnData []byte
}

// fakeMulticaller stands in for the on-chain Multicall2 aggregator: it
// decodes the bundled calls, dispatches each by selector against a
// canned per-address metadata table, and re-encodes the tuple results.
type fakeMulticaller struct {
	abi     abi.ABI
	symbols map[string]string
	decimal map[string]uint8
	token0  map[string]string
	token1  map[string]string
}

func newFakeMulticaller(t *testing.T) *fakeMulticaller {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(tryAggregateFragment))
	require.NoError(t, err)
	return &fakeMulticaller{
		abi:     parsed,
		symbols: make(map[string]string),
		decimal: make(map[string]uint8),
		token0:  make(map[string]string),
		token1:  make(map[string]string),
	}
}

func (f *fakeMulticaller) EthCall(ctx context.Context, to string, data []byte, blockTag string) ([]byte, error) {
	method := f.abi.Methods["tryAggregate"]
	var decodedArgs struct {
		RequireSuccess bool
		Calls          []struct {
			Target   common.Address
			CallData []byte
		}
	}
	if err := method.Inputs.UnpackIntoInterface(&decodedArgs, data[4:]); err != nil {
		return nil, err
	}
	calls := decodedArgs.Calls

	results := make([]aggResult, len(calls))
	for i, c := range calls {
		addr := strings.ToLower(c.Target.Hex())
		selector := common.Bytes2Hex(c.CallData[:4])
		switch {
		case selector == strings.TrimPrefix(erc20SelectorFor("symbol"), "0x"):
			sym, ok := f.symbols[addr]
			if !ok {
				results[i] = aggResult{Success: false}
				continue
			}
			packed, _ := erc20ABI.Methods["symbol"].Outputs.Pack(sym)
			results[i] = aggResult{Success: true, ReturnData: packed}
		case selector == strings.TrimPrefix(erc20SelectorFor("decimals"), "0x"):
			dec, ok := f.decimal[addr]
			if !ok {
				results[i] = aggResult{Success: false}
				continue
			}
			packed, _ := erc20ABI.Methods["decimals"].Outputs.Pack(dec)
			results[i] = aggResult{Success: true, ReturnData: packed}
		case selector == strings.TrimPrefix(erc20SelectorFor("token0"), "0x"):
			u, ok := f.token0[addr]
			if !ok {
				results[i] = aggResult{Success: false}
				continue
			}
			packed, _ := erc20ABI.Methods["token0"].Outputs.Pack(common.HexToAddress(u))
			results[i] = aggResult{Success: true, ReturnData: packed}
		case selector == strings.TrimPrefix(erc20SelectorFor("token1"), "0x"):
			u, ok := f.token1[addr]
			if !ok {
				results[i] = aggResult{Success: false}
				continue
			}
			packed, _ := erc20ABI.Methods["token1"].Outputs.Pack(common.HexToAddress(u))
			results[i] = aggResult{Success: true, ReturnData: packed}
		default:
			results[i] = aggResult{Success: false}
		}
	}
	return f.abi.Methods["tryAggregate"].Outputs.Pack(results)
}

func erc20SelectorFor(name string) string {
	packed, _ := erc20ABI.Pack(name)
	return common.Bytes2Hex(packed[:4])
}

func TestLookupOrderedResolvesMissesAndOrdersBaseLast(t *testing.T) {
	fc := newFakeMulticaller(t)
	usdc := common.HexToAddress("0x1111111111111111111111111111111111111111").Hex()
	weth := common.HexToAddress("0x2222222222222222222222222222222222222222").Hex()
	fc.symbols[strings.ToLower(usdc)] = "USDC"
	fc.decimal[strings.ToLower(usdc)] = 6
	fc.symbols[strings.ToLower(weth)] = "WETH"
	fc.decimal[strings.ToLower(weth)] = 18

	bundler := multicall.New(fc, "0xaggregator")
	r := New(NewMemCache(), bundler, []string{"WETH"})

	ordered, err := r.LookupOrdered(context.Background(), []string{weth, usdc})
	require.NoError(t, err)
	require.Len(t, ordered, 2)
	require.Equal(t, "USDC", ordered[0].Symbol)
	require.Equal(t, "WETH", ordered[1].Symbol)
}

func TestLookupOrderedServesFromCacheWithoutRPC(t *testing.T) {
	cache := NewMemCache()
	addr := common.HexToAddress("0x3333333333333333333333333333333333333333").Hex()
	cache.Put(&models.TokenRecord{Address: strings.ToLower(addr), Symbol: "DAI", Decimals: 18})

	fc := newFakeMulticaller(t) // deliberately left empty; a miss would fail to resolve
	bundler := multicall.New(fc, "0xaggregator")
	r := New(cache, bundler, nil)

	ordered, err := r.LookupOrdered(context.Background(), []string{addr})
	require.NoError(t, err)
	require.Len(t, ordered, 1)
	require.Equal(t, "DAI", ordered[0].Symbol)
}

func TestMemCacheIsWriteOnce(t *testing.T) {
	cache := NewMemCache()
	addr := "0x4444444444444444444444444444444444444444"
	cache.Put(&models.TokenRecord{Address: addr, Symbol: "FIRST", Decimals: 8})
	cache.Put(&models.TokenRecord{Address: addr, Symbol: "SECOND", Decimals: 18})

	rec, ok := cache.Get(addr)
	require.True(t, ok)
	require.Equal(t, "FIRST", rec.Symbol)
}

func TestMemCacheRejectsInvalidRecords(t *testing.T) {
	cache := NewMemCache()
	cache.Put(&models.TokenRecord{Address: "0x5", Symbol: "", Decimals: 18})
	_, ok := cache.Get("0x5")
	require.False(t, ok)
}

func TestDecodeTransferAmountDividesByDecimals(t *testing.T) {
	cache := NewMemCache()
	token := "0x6666666666666666666666666666666666666666"
	cache.Put(&models.TokenRecord{Address: token, Symbol: "USDC", Decimals: 6})
	r := New(cache, nil, nil)

	addr := common.HexToAddress("0x7777777777777777777777777777777777777777")
	calldata := append([]byte{0xa9, 0x05, 0x9c, 0xbb}, make([]byte, 32)...)
	copy(calldata[4+12:4+32], addr.Bytes())
	amount := make([]byte, 32)
	amount[31] = 100 // 100 raw units == 0.0001 USDC at 6 decimals -> rounds to 0.00
	calldata = append(calldata, amount...)

	got := r.DecodeTransferAmount(calldata, token)
	require.NotNil(t, got)
	require.Equal(t, "0.00", *got)
}

func TestDecodeTransferAmountRejectsWrongSelector(t *testing.T) {
	cache := NewMemCache()
	r := New(cache, nil, nil)
	calldata := append([]byte{0x11, 0x22, 0x33, 0x44}, make([]byte, 64)...)
	got := r.DecodeTransferAmount(calldata, "0x8888888888888888888888888888888888888888")
	require.Nil(t, got)
}

func TestExtractPairUnderlyingsDecodesAddressesAndDedups(t *testing.T) {
	fc := newFakeMulticaller(t)
	pair := strings.ToLower(common.HexToAddress("0x9999999999999999999999999999999999999999").Hex())
	token0 := common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa").Hex()
	token1 := common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb").Hex()
	fc.token0[pair] = token0
	fc.token1[pair] = token1

	bundler := multicall.New(fc, "0xaggregator")
	r := New(NewMemCache(), bundler, nil)

	out, err := r.ExtractPairUnderlyings(context.Background(), []string{pair})
	require.NoError(t, err)
	require.Len(t, out, 2)
}
