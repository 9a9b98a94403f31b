// Package router implements C7: matching an emitted transaction
// against the watchlist, deduplicating, and driving the fast-then-full
// decode/render/deliver pipeline (spec §4.7).
package router

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/walletwatch/walletwatch/internal/addrextract"
	"github.com/walletwatch/walletwatch/internal/chatclient"
	"github.com/walletwatch/walletwatch/internal/models"
	"github.com/walletwatch/walletwatch/internal/render"
)

const (
	dedupCapacity  = 10000
	trivialDustWei = "10000000000000000" // 0.01 ETH in wei
)

// TraceDecoder is the subset of trace.Decoder the router depends on.
type TraceDecoder interface {
	Fast(ctx context.Context, tx *models.Transaction, watched string) (*models.TraceResult, error)
	Full(ctx context.Context, tx *models.Transaction, watched string, refetch func(ctx context.Context, hash string) (*models.Transaction, error)) (*models.TraceResult, error)
}

// SignatureResolver is the optional, decorative selector-lookup
// dependency (spec §4.7).
type SignatureResolver interface {
	Resolve(ctx context.Context, selector string) (string, error)
}

// Renderer is the subset of render.Renderer the router depends on.
type Renderer interface {
	Render(watched string, tx *models.Transaction, tr *models.TraceResult, signature string, cex map[string]bool) render.Rendered
}

// Deliverer is the per-bot delivery interface the router submits
// send/edit operations through.
type Deliverer interface {
	SubmitSend(subscriberID string, params chatclient.SendMessageParams, captioned bool) (string, error)
	SubmitEdit(subscriberID string, params chatclient.EditMessageParams, captioned bool) error
}

// WatchlistSource is the subset of the refreshed watchlist snapshot
// and relational store the router reads.
type WatchlistSource interface {
	Lookup(address string) *models.WatchlistEntry
	IsCEX(ctx context.Context, address string) (bool, error)
}

// Router implements C7.
type Router struct {
	watchlist WatchlistSource
	decoder   TraceDecoder
	signature SignatureResolver
	renderer  Renderer
	delivery  map[string]Deliverer // bot id -> its queue
	refetch   func(ctx context.Context, hash string) (*models.Transaction, error)
	log       *zap.Logger

	mu    sync.Mutex
	dedup []string
	seen  map[string]bool
}

// New builds a Router. delivery maps a bot id (the suffix of a
// subscriber id "<chat>@<bot>") to that bot's delivery.Queue.
func New(watchlist WatchlistSource, decoder TraceDecoder, signature SignatureResolver, renderer Renderer, delivery map[string]Deliverer, refetch func(ctx context.Context, hash string) (*models.Transaction, error), log *zap.Logger) *Router {
	return &Router{
		watchlist: watchlist,
		decoder:   decoder,
		signature: signature,
		renderer:  renderer,
		delivery:  delivery,
		refetch:   refetch,
		log:       log,
		seen:      make(map[string]bool),
	}
}

// matchedAddresses implements the four-step union of spec §4.7.
func matchedAddresses(tx *models.Transaction, watchlist WatchlistSource) []string {
	var candidates []string
	if tx.From != "" {
		candidates = append(candidates, tx.From)
	}
	if tx.To != nil {
		candidates = append(candidates, *tx.To)
	}
	if recipient := addrextract.TransferRecipient(tx.Calldata); recipient != nil {
		candidates = append(candidates, *recipient)
	}
	candidates = append(candidates, addrextract.FromCalldata(tx.Calldata)...)

	seen := make(map[string]bool)
	var matched []string
	for _, addr := range candidates {
		key := strings.ToLower(addr)
		if seen[key] {
			continue
		}
		seen[key] = true
		if entry := watchlist.Lookup(key); entry != nil {
			matched = append(matched, key)
		}
	}
	return matched
}

// Process runs the whole C7 pipeline for one emitted transaction.
func (r *Router) Process(ctx context.Context, tx *models.Transaction) {
	for _, watched := range matchedAddresses(tx, r.watchlist) {
		if r.isDuplicate(watched, tx.Hash) {
			continue
		}
		r.processWatched(ctx, watched, tx)
	}
}

func (r *Router) isDuplicate(watched, txHash string) bool {
	key := watched + ":" + txHash

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.seen[key] {
		return true
	}
	r.seen[key] = true
	r.dedup = append(r.dedup, key)
	if len(r.dedup) > dedupCapacity {
		// Evict the oldest half, not a single entry, matching the
		// tx-dedup window's documented half-eviction behavior (spec §9).
		half := len(r.dedup) / 2
		for _, k := range r.dedup[:half] {
			delete(r.seen, k)
		}
		r.dedup = r.dedup[half:]
	}
	return false
}

func (r *Router) processWatched(ctx context.Context, watched string, tx *models.Transaction) {
	entry := r.watchlist.Lookup(watched)
	if entry == nil {
		return
	}
	watchers := r.activeWatchers(entry)
	if len(watchers) == 0 {
		return
	}

	selector := selectorOf(tx.Calldata)
	signature := r.resolveSignature(ctx, selector)

	if selector == "0x" && isTrivialDust(tx.Value) {
		return
	}

	fastResult, err := r.decoder.Fast(ctx, tx, watched)
	if err != nil {
		r.log.Warn("fast decode failed", zap.String("tx", tx.Hash), zap.String("watched", watched), zap.Error(err))
		return
	}

	outgoing := strings.EqualFold(watched, tx.From)
	cex := r.cexAddresses(ctx, watched, tx, fastResult)
	messageIDs := r.broadcast(watched, tx, fastResult, signature, outgoing, watchers, cex)

	fullResult, err := r.decoder.Full(ctx, tx, watched, r.refetch)
	if err != nil {
		r.log.Warn("full decode failed", zap.String("tx", tx.Hash), zap.String("watched", watched), zap.Error(err))
		return
	}
	r.editAll(watched, tx, fullResult, signature, messageIDs, r.cexAddresses(ctx, watched, tx, fullResult))
}

// cexAddresses resolves which of a transaction's addresses are known
// centralized-exchange addresses (spec §6 cex table), for C9 to tag in
// rendering.
func (r *Router) cexAddresses(ctx context.Context, watched string, tx *models.Transaction, tr *models.TraceResult) map[string]bool {
	candidates := map[string]bool{strings.ToLower(watched): true, strings.ToLower(tx.From): true}
	if tx.To != nil {
		candidates[strings.ToLower(*tx.To)] = true
	}
	if tr != nil && tr.DeployedContract != nil {
		candidates[strings.ToLower(*tr.DeployedContract)] = true
	}

	cex := make(map[string]bool, len(candidates))
	for addr := range candidates {
		isCEX, err := r.watchlist.IsCEX(ctx, addr)
		if err != nil {
			continue
		}
		if isCEX {
			cex[addr] = true
		}
	}
	return cex
}

// activeWatchers snapshots the entry's subscribers whose bot has a
// registered delivery queue (spec §4.7 "bot is currently active").
func (r *Router) activeWatchers(entry *models.WatchlistEntry) map[string]*models.Watcher {
	active := make(map[string]*models.Watcher)
	for subscriberID, w := range entry.Subscribers {
		if _, ok := r.delivery[botIDOf(subscriberID)]; ok {
			active[subscriberID] = w
		}
	}
	return active
}

func botIDOf(subscriberID string) string {
	idx := strings.LastIndex(subscriberID, "@")
	if idx < 0 {
		return ""
	}
	return subscriberID[idx+1:]
}

func chatIDOf(subscriberID string) string {
	idx := strings.LastIndex(subscriberID, "@")
	if idx < 0 {
		return subscriberID
	}
	return subscriberID[:idx]
}

func (r *Router) resolveSignature(ctx context.Context, selector string) string {
	if r.signature == nil || selector == "0x" {
		return ""
	}
	sig, err := r.signature.Resolve(ctx, selector)
	if err != nil {
		return ""
	}
	return sig
}

func selectorOf(calldata []byte) string {
	if len(calldata) < 4 {
		return "0x"
	}
	return fmt.Sprintf("0x%x", calldata[:4])
}

func isTrivialDust(value *big.Int) bool {
	if value == nil {
		return true
	}
	threshold, _ := new(big.Int).SetString(trivialDustWei, 10)
	return value.Cmp(threshold) < 0
}

// broadcast sends the fast-rendered message to every watcher whose
// direction preference matches, gated by want-incoming/want-outgoing
// (spec §4.7).
func (r *Router) broadcast(watched string, tx *models.Transaction, tr *models.TraceResult, signature string, outgoing bool, watchers map[string]*models.Watcher, cex map[string]bool) map[string]string {
	rendered := r.renderer.Render(watched, tx, tr, signature, cex)
	messageIDs := make(map[string]string)

	for subscriberID, w := range watchers {
		if outgoing && !w.WantOutgoing {
			continue
		}
		if !outgoing && !w.WantIncoming {
			continue
		}

		queue, ok := r.delivery[botIDOf(subscriberID)]
		if !ok {
			continue
		}
		text := strings.ReplaceAll(rendered.Text, "$$NAME$$", w.DisplayName)
		msgID, err := queue.SubmitSend(subscriberID, chatclient.SendMessageParams{
			ChatID:      chatIDOf(subscriberID),
			Text:        text,
			ReplyMarkup: buttonsToReplyMarkup(rendered.Buttons),
		}, false)
		if err != nil {
			r.log.Warn("send delivery rejected", zap.String("subscriber", subscriberID), zap.Error(err))
			continue
		}
		messageIDs[subscriberID] = msgID
	}
	return messageIDs
}

// editAll re-renders with the full trace result and issues an edit
// against every message-id collected by broadcast.
func (r *Router) editAll(watched string, tx *models.Transaction, tr *models.TraceResult, signature string, messageIDs map[string]string, cex map[string]bool) {
	rendered := r.renderer.Render(watched, tx, tr, signature, cex)

	for subscriberID, msgID := range messageIDs {
		queue, ok := r.delivery[botIDOf(subscriberID)]
		if !ok {
			continue
		}
		entry := r.watchlist.Lookup(watched)
		displayName := ""
		if entry != nil {
			if w, ok := entry.Subscribers[subscriberID]; ok {
				displayName = w.DisplayName
			}
		}
		text := strings.ReplaceAll(rendered.Text, "$$NAME$$", displayName)

		err := queue.SubmitEdit(subscriberID, chatclient.EditMessageParams{
			ChatID:      chatIDOf(subscriberID),
			MessageID:   msgID,
			Text:        text,
			ReplyMarkup: buttonsToReplyMarkup(rendered.Buttons),
		}, false)
		if err != nil {
			r.log.Warn("edit delivery rejected", zap.String("subscriber", subscriberID), zap.Error(err))
		}
	}
}

func buttonsToReplyMarkup(buttons []render.Button) *chatclient.ReplyMarkup {
	if len(buttons) == 0 {
		return nil
	}
	row := make([]chatclient.InlineKeyboardButton, len(buttons))
	for i, b := range buttons {
		row[i] = chatclient.InlineKeyboardButton{Text: b.Text, URL: b.URL}
	}
	return &chatclient.ReplyMarkup{InlineKeyboard: [][]chatclient.InlineKeyboardButton{row}}
}
