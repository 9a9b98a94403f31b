// Package trace implements C6: decoding a (transaction, watched
// address) pair into a TraceResult, in a cheap "fast" pre-receipt
// flavor and a "full" post-receipt flavor (spec §4.6).
package trace

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/walletwatch/walletwatch/internal/addrextract"
	"github.com/walletwatch/walletwatch/internal/errs"
	"github.com/walletwatch/walletwatch/internal/models"
	"github.com/walletwatch/walletwatch/internal/rpcfanout"
	"github.com/walletwatch/walletwatch/internal/tokens"
)

const (
	receiptTimeout    = 30 * time.Second
	confirmationDepth = 1
)

// Chain is the subset of rpcfanout.Client the decoder depends on.
type Chain interface {
	GetBalance(ctx context.Context, address, blockTag string) (*big.Int, error)
	GetTransactionReceipt(ctx context.Context, txHash string) (*rpcfanout.Receipt, error)
}

// TokenLookup is the subset of tokens.Resolver the decoder depends on.
type TokenLookup interface {
	LookupOrdered(ctx context.Context, addresses []string) ([]models.InteractedToken, error)
	DecodeTransferAmount(calldata []byte, token string) *string
	ExtractPairUnderlyings(ctx context.Context, candidates []string) ([]string, error)
}

// Decoder implements C6's fast/full operations.
type Decoder struct {
	chain  Chain
	tokens TokenLookup
	log    *zap.Logger
}

// New builds a Decoder.
func New(chain Chain, tokenLookup TokenLookup, log *zap.Logger) *Decoder {
	return &Decoder{chain: chain, tokens: tokenLookup, log: log}
}

func isValidAddress(addr *string) bool {
	if addr == nil {
		return false
	}
	trimmed := strings.TrimPrefix(*addr, "0x")
	return len(trimmed) == 40 && strings.ToLower(*addr) != "0x0000000000000000000000000000000000000000"
}

func candidateAddresses(ctx context.Context, tokenLookup TokenLookup, calldata []byte, to *string, logs []rpcfanout.Log) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	add := func(addr string) {
		key := strings.ToLower(addr)
		if key == "" || seen[key] {
			return
		}
		seen[key] = true
		out = append(out, addr)
	}

	for _, a := range addrextract.FromCalldata(calldata) {
		add(a)
	}
	for _, l := range addrextract.FromLogs(logs) {
		add(l)
	}
	if isValidAddress(to) {
		add(*to)
	}

	pairUnderlyings, err := tokenLookup.ExtractPairUnderlyings(ctx, out)
	if err != nil {
		return nil, err
	}
	for _, a := range pairUnderlyings {
		add(a)
	}

	return out, nil
}

// Fast implements the "fast" pre-receipt operation (spec §4.6).
func (d *Decoder) Fast(ctx context.Context, tx *models.Transaction, watched string) (*models.TraceResult, error) {
	candidates, err := candidateAddresses(ctx, d.tokens, tx.Calldata, tx.To, nil)
	if err != nil {
		return nil, err
	}

	var interacted []models.InteractedToken
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// Current native balance is fetched for parity with full's
		// parallel balance/token lookup shape, even though fast does not
		// report a balance figure (spec §4.6 step 2, step 4: pnl fixed
		// at "0.0" for fast).
		_, err := d.chain.GetBalance(gctx, watched, "latest")
		return err
	})
	g.Go(func() error {
		tokensFound, err := d.tokens.LookupOrdered(gctx, candidates)
		if err != nil {
			return err
		}
		interacted = tokensFound
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var amount *string
	if len(interacted) == 1 && strings.EqualFold(selectorOf(tx.Calldata), tokens.ERC20TransferSelector) {
		amount = d.tokens.DecodeTransferAmount(tx.Calldata, interacted[0].Address)
	}

	return &models.TraceResult{
		Status:           models.StatusUnknown,
		InteractedTokens: interacted,
		LogCount:         nil,
		BlockNumber:      tx.BlockNumberOrMempool(),
		DeployedContract: nil,
		PnL:              "0.0",
		Balance:          "",
		ChangeIndicator:  models.IndicatorNone,
		TransferAmount:   amount,
	}, nil
}

func selectorOf(calldata []byte) string {
	if len(calldata) < 4 {
		return "0x"
	}
	return "0x" + fmt.Sprintf("%x", calldata[:4])
}

// Full implements the "full" post-receipt operation (spec §4.6). On
// receipt timeout or failure it downgrades to Fast against a freshly
// fetched transaction, per spec §4.6 step 5.
func (d *Decoder) Full(ctx context.Context, tx *models.Transaction, watched string, refetch func(ctx context.Context, hash string) (*models.Transaction, error)) (*models.TraceResult, error) {
	receiptCtx, cancel := context.WithTimeout(ctx, receiptTimeout)
	defer cancel()

	receipt, err := d.waitForReceipt(receiptCtx, tx.Hash)
	if err != nil || receipt == nil {
		timeoutErr := errs.NewFallback(errs.CodeReceiptTimeout, "receipt wait timed out, downgrading to fast", err)
		if d.log != nil && errs.IsFallback(timeoutErr) {
			d.log.Warn("full decode falling back to fast", zap.String("tx", tx.Hash), zap.Error(timeoutErr))
		}
		return d.downgradeToFast(ctx, tx, watched, refetch)
	}

	logs := receipt.Logs
	candidates, err := candidateAddresses(ctx, d.tokens, tx.Calldata, tx.To, logs)
	if err != nil {
		return nil, err
	}

	var interacted []models.InteractedToken
	var balBefore, balAfter *big.Int
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var gerr error
		balBefore, balAfter, gerr = d.balanceDelta(gctx, watched, receipt.BlockNumber)
		return gerr
	})
	g.Go(func() error {
		tokensFound, lerr := d.tokens.LookupOrdered(gctx, candidates)
		if lerr != nil {
			return lerr
		}
		interacted = tokensFound
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	delta := new(big.Int).Sub(balAfter, balBefore)
	pnl := formatSigned(delta, 3)
	balance := formatSigned(balAfter, 2)
	indicator := indicatorFor(delta)

	logCount := len(receipt.Logs)
	var deployed *string
	if receipt.ContractAddress != nil {
		deployed = receipt.ContractAddress
	}

	return &models.TraceResult{
		Status:           statusFrom(receipt.Status),
		InteractedTokens: interacted,
		LogCount:         &logCount,
		BlockNumber:      fmt.Sprintf("%d", receipt.BlockNumber),
		DeployedContract: deployed,
		PnL:              pnl,
		Balance:          balance,
		ChangeIndicator:  indicator,
	}, nil
}

func statusFrom(success bool) models.TraceStatus {
	if success {
		return models.StatusSuccess
	}
	return models.StatusFailure
}

func (d *Decoder) downgradeToFast(ctx context.Context, tx *models.Transaction, watched string, refetch func(ctx context.Context, hash string) (*models.Transaction, error)) (*models.TraceResult, error) {
	fresh := tx
	if refetch != nil {
		if refetched, err := refetch(ctx, tx.Hash); err == nil && refetched != nil {
			fresh = refetched
		}
	}
	return d.Fast(ctx, fresh, watched)
}

// waitForReceipt polls for a receipt every 500ms until one exists or
// ctx is cancelled (bounded by the caller's 30s timeout), and returns
// the receipt as soon as it exists, with no further block awaited.
func (d *Decoder) waitForReceipt(ctx context.Context, txHash string) (*rpcfanout.Receipt, error) {
	const pollInterval = 500 * time.Millisecond
	for {
		receipt, err := d.chain.GetTransactionReceipt(ctx, txHash)
		if err != nil {
			return nil, err
		}
		if receipt != nil {
			return receipt, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// balanceDelta fetches watched's native balance at
// blockNum-confirmationDepth (the block before the receipt's) and at
// blockNum, the receipt's own block (spec §4.6 step 1).
func (d *Decoder) balanceDelta(ctx context.Context, watched string, blockNum uint64) (before, after *big.Int, err error) {
	prior := blockNum - confirmationDepth
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		b, e := d.chain.GetBalance(gctx, watched, fmt.Sprintf("0x%x", prior))
		before = b
		return e
	})
	g.Go(func() error {
		b, e := d.chain.GetBalance(gctx, watched, fmt.Sprintf("0x%x", blockNum))
		after = b
		return e
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return before, after, nil
}

func indicatorFor(delta *big.Int) string {
	switch delta.Sign() {
	case 1:
		return models.IndicatorUp
	case -1:
		return models.IndicatorDown
	default:
		return models.IndicatorFlat
	}
}

// formatSigned divides wei by 1e18 and formats to `round` fractional
// digits, always including a decimal point (spec §4.6 "Numeric
// formatting").
func formatSigned(wei *big.Int, round int) string {
	weiPerEther := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	quotient := new(big.Rat).SetFrac(wei, weiPerEther)
	return quotient.FloatString(round)
}
