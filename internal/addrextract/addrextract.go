// Package addrextract implements C4: a heuristic scan of calldata and
// receipt logs for 20-byte address-shaped payloads (spec §4.4). This
// is deliberately not ABI-aware — walletwatch has no per-function
// schemas — so false positives are tolerated and filtered downstream
// by multicall validation (spec §4.9 rationale).
package addrextract

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/walletwatch/walletwatch/internal/rpcfanout"
	"github.com/walletwatch/walletwatch/internal/tokens"
)

const wordSize = 32

// FromCalldata scans calldata in 32-byte chunks at two origin offsets
// — immediately after the 4-byte selector, and (degenerate when there
// is no selector) from byte 0 — and treats a chunk whose first 12
// bytes are zero and whose trailing 20 bytes pass address validation
// as a candidate address. Results are unique and lower-cased.
func FromCalldata(calldata []byte) []string {
	seen := make(map[string]bool)
	var out []string

	scan := func(origin int) {
		for off := origin; off+wordSize <= len(calldata); off += wordSize {
			chunk := calldata[off : off+wordSize]
			if !isZeroPadded(chunk) {
				continue
			}
			addr := common.BytesToAddress(chunk[wordSize-20:])
			if !isValidAddress(addr) {
				continue
			}
			key := strings.ToLower(addr.Hex())
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, key)
		}
	}

	// Origin 1: immediately after the 0x prefix (i.e. byte 0 of the
	// decoded calldata slice).
	scan(0)
	// Origin 2: immediately after the 4-byte function selector.
	if len(calldata) > 4 {
		scan(4)
	}

	return out
}

func isZeroPadded(chunk []byte) bool {
	for _, b := range chunk[:12] {
		if b != 0 {
			return false
		}
	}
	return true
}

func isValidAddress(addr common.Address) bool {
	// The zero address is syntactically valid 20 bytes but never a
	// meaningful candidate for watchlist matching or token resolution.
	return addr != (common.Address{})
}

// FromLogs collects each log's emitting address, unique and lower-cased.
func FromLogs(logs []rpcfanout.Log) []string {
	seen := make(map[string]bool)
	var out []string
	for _, l := range logs {
		key := strings.ToLower(l.Address)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, key)
	}
	return out
}

// TransferRecipient returns the checksum-cased recipient address if
// calldata is an ERC20 transfer(address,uint256) call with enough
// bytes, else nil.
func TransferRecipient(calldata []byte) *string {
	if len(calldata) < 4+32 {
		return nil
	}
	selector := common.Bytes2Hex(calldata[:4])
	if !strings.EqualFold(selector, strings.TrimPrefix(tokens.ERC20TransferSelector, "0x")) {
		return nil
	}
	recipientWord := calldata[4 : 4+32]
	if !isZeroPadded(recipientWord) {
		return nil
	}
	addr := common.BytesToAddress(recipientWord[wordSize-20:])
	hex := addr.Hex()
	return &hex
}
