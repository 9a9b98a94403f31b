package rpcfanout

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/walletwatch/walletwatch/internal/errs"
	"github.com/walletwatch/walletwatch/internal/models"
)

// BlockNumber returns the consensus chain head height (eth_blockNumber,
// highest-block policy). Per spec §8 test 1, the returned value is
// guaranteed to be >= every non-error endpoint's own response.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	raw, err := c.Call(ctx, "eth_blockNumber", []interface{}{})
	if err != nil {
		return 0, err
	}
	var hexStr string
	if err := json.Unmarshal(raw, &hexStr); err != nil {
		return 0, errs.NewTerminal(errs.CodeDecodeError, "decode eth_blockNumber", err)
	}
	return hexutil.DecodeUint64(hexStr)
}

// rpcTx is the wire shape of a transaction inside eth_getBlockByNumber's
// full-transaction response, or eth_getTransactionByHash.
type rpcTx struct {
	Hash                 string  `json:"hash"`
	BlockNumber          *string `json:"blockNumber"`
	BlockHash            *string `json:"blockHash"`
	TransactionIndex     *string `json:"transactionIndex"`
	From                 string  `json:"from"`
	To                   *string `json:"to"`
	Nonce                string  `json:"nonce"`
	Gas                  string  `json:"gas"`
	GasPrice             *string `json:"gasPrice"`
	MaxFeePerGas         *string `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *string `json:"maxPriorityFeePerGas"`
	Input                string  `json:"input"`
	Value                string  `json:"value"`
	ChainID              *string `json:"chainId"`
}

func (t *rpcTx) toModel() (*models.Transaction, error) {
	data, err := hexutil.Decode(t.Input)
	if err != nil {
		return nil, fmt.Errorf("decode calldata: %w", err)
	}
	value, ok := new(big.Int).SetString(trimHex(t.Value), 16)
	if !ok {
		return nil, fmt.Errorf("decode value %q", t.Value)
	}
	nonce, err := hexutil.DecodeUint64(t.Nonce)
	if err != nil {
		return nil, fmt.Errorf("decode nonce: %w", err)
	}
	gas, err := hexutil.DecodeUint64(t.Gas)
	if err != nil {
		return nil, fmt.Errorf("decode gas: %w", err)
	}

	tx := &models.Transaction{
		Hash:     t.Hash,
		From:     t.From,
		To:       t.To,
		Nonce:    nonce,
		GasLimit: gas,
		Calldata: data,
		Value:    value,
		Origin:   models.OriginBlock,
	}

	if t.BlockNumber != nil {
		bn, err := hexutil.DecodeUint64(*t.BlockNumber)
		if err != nil {
			return nil, fmt.Errorf("decode blockNumber: %w", err)
		}
		tx.BlockNum = &bn
	} else {
		tx.Origin = models.OriginMempool
	}
	tx.BlockHash = t.BlockHash
	if t.TransactionIndex != nil {
		idx, err := hexutil.DecodeUint64(*t.TransactionIndex)
		if err == nil {
			tx.Index = idx
		}
	}
	if t.GasPrice != nil {
		if gp, ok := new(big.Int).SetString(trimHex(*t.GasPrice), 16); ok {
			tx.GasPrice = gp
		}
	}
	if t.MaxFeePerGas != nil {
		if mf, ok := new(big.Int).SetString(trimHex(*t.MaxFeePerGas), 16); ok {
			tx.MaxFee = mf
		}
	}
	if t.MaxPriorityFeePerGas != nil {
		if mp, ok := new(big.Int).SetString(trimHex(*t.MaxPriorityFeePerGas), 16); ok {
			tx.MaxPrioFee = mp
		}
	}
	if t.ChainID != nil {
		if cid, err := hexutil.DecodeUint64(*t.ChainID); err == nil {
			tx.ChainID = cid
		}
	}

	return tx, nil
}

func trimHex(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

type rpcBlock struct {
	Number       string  `json:"number"`
	Hash         string  `json:"hash"`
	Timestamp    string  `json:"timestamp"`
	Transactions []rpcTx `json:"transactions"`
}

// GetBlockByNumber fetches a full block (with full transaction objects)
// by height, normalizing it into models.Block. A nil, nil return means
// the block does not exist yet (head has not reached that height).
func (c *Client) GetBlockByNumber(ctx context.Context, number uint64) (*models.Block, error) {
	raw, err := c.Call(ctx, "eth_getBlockByNumber", []interface{}{hexutil.EncodeUint64(number), true})
	if err != nil {
		return nil, err
	}
	if string(raw) == "null" || len(raw) == 0 {
		return nil, nil
	}

	var rb rpcBlock
	if err := json.Unmarshal(raw, &rb); err != nil {
		return nil, errs.NewTerminal(errs.CodeDecodeError, "decode block", err)
	}

	blockNum, err := hexutil.DecodeUint64(rb.Number)
	if err != nil {
		return nil, fmt.Errorf("decode block number: %w", err)
	}
	ts, err := hexutil.DecodeUint64(rb.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("decode block timestamp: %w", err)
	}

	block := &models.Block{Number: blockNum, Hash: rb.Hash, TimestampSec: ts}
	for i := range rb.Transactions {
		tx, err := rb.Transactions[i].toModel()
		if err != nil {
			// A single malformed transaction must not drop the whole
			// block; spec §7 treats decode errors as per-item failures.
			continue
		}
		block.Transactions = append(block.Transactions, tx)
	}
	return block, nil
}

// GetTransactionByHash fetches a single transaction by hash, normalizing
// it the same way GetBlockByNumber does. A nil, nil return means the
// node has no record of the hash (dropped from the mempool, or not yet
// propagated). Used by C6's full-decode ReceiptTimeout fallback to
// re-fetch a transaction's current state before retrying the fast path
// (spec §7).
func (c *Client) GetTransactionByHash(ctx context.Context, txHash string) (*models.Transaction, error) {
	raw, err := c.Call(ctx, "eth_getTransactionByHash", []interface{}{txHash})
	if err != nil {
		return nil, err
	}
	if string(raw) == "null" || len(raw) == 0 {
		return nil, nil
	}

	var rt rpcTx
	if err := json.Unmarshal(raw, &rt); err != nil {
		return nil, errs.NewTerminal(errs.CodeDecodeError, "decode transaction", err)
	}
	return rt.toModel()
}

// Log is a normalized event log entry.
type Log struct {
	Address string
	Topics  []string
	Data    []byte
}

type rpcLog struct {
	Address string   `json:"address"`
	Topics  []string `json:"topics"`
	Data    string   `json:"data"`
}

// Receipt is the normalized post-execution record of a transaction.
type Receipt struct {
	Status           bool
	BlockNumber      uint64
	Logs             []Log
	ContractAddress  *string
}

type rpcReceipt struct {
	Status          string   `json:"status"`
	BlockNumber     string   `json:"blockNumber"`
	Logs            []rpcLog `json:"logs"`
	ContractAddress *string  `json:"contractAddress"`
}

// GetTransactionReceipt fetches the receipt for a transaction hash. A
// nil, nil return means the receipt is not yet available (tx pending).
func (c *Client) GetTransactionReceipt(ctx context.Context, txHash string) (*Receipt, error) {
	raw, err := c.Call(ctx, "eth_getTransactionReceipt", []interface{}{txHash})
	if err != nil {
		return nil, err
	}
	if string(raw) == "null" || len(raw) == 0 {
		return nil, nil
	}

	var rr rpcReceipt
	if err := json.Unmarshal(raw, &rr); err != nil {
		return nil, errs.NewTerminal(errs.CodeDecodeError, "decode receipt", err)
	}

	blockNum, err := hexutil.DecodeUint64(rr.BlockNumber)
	if err != nil {
		return nil, fmt.Errorf("decode receipt blockNumber: %w", err)
	}

	receipt := &Receipt{
		Status:          rr.Status == "0x1",
		BlockNumber:     blockNum,
		ContractAddress: rr.ContractAddress,
	}
	for _, l := range rr.Logs {
		data, err := hexutil.Decode(l.Data)
		if err != nil {
			continue
		}
		receipt.Logs = append(receipt.Logs, Log{Address: l.Address, Topics: l.Topics, Data: data})
	}
	return receipt, nil
}

// GetBalance fetches the native balance of address at the given block
// tag ("latest", "pending", or a hex-encoded height).
func (c *Client) GetBalance(ctx context.Context, address, blockTag string) (*big.Int, error) {
	raw, err := c.Call(ctx, "eth_getBalance", []interface{}{address, blockTag})
	if err != nil {
		return nil, err
	}
	var hexStr string
	if err := json.Unmarshal(raw, &hexStr); err != nil {
		return nil, errs.NewTerminal(errs.CodeDecodeError, "decode balance", err)
	}
	bal, err := hexutil.DecodeBig(hexStr)
	if err != nil {
		return nil, errs.NewTerminal(errs.CodeDecodeError, "decode balance hex", err)
	}
	return bal, nil
}

// EthCall executes a read-only contract call at the given block tag.
func (c *Client) EthCall(ctx context.Context, to string, data []byte, blockTag string) ([]byte, error) {
	callObj := map[string]interface{}{
		"to":   to,
		"data": hexutil.Encode(data),
	}
	raw, err := c.Call(ctx, "eth_call", []interface{}{callObj, blockTag})
	if err != nil {
		return nil, err
	}
	var hexStr string
	if err := json.Unmarshal(raw, &hexStr); err != nil {
		return nil, errs.NewTerminal(errs.CodeDecodeError, "decode eth_call result", err)
	}
	return hexutil.Decode(hexStr)
}
