// Package render implements C9: a pure function from (watched address,
// transaction, trace result, resolved signature) to chat-ready text and
// optional inline buttons (spec §4.9).
package render

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/walletwatch/walletwatch/internal/config"
	"github.com/walletwatch/walletwatch/internal/models"
)

const (
	addressPlaceholder = "$$ADDRESS$$"
	namePlaceholder     = "$$NAME$$"

	directionIconIn  = "↘"
	directionIconOut = "↖"
	erc20BuyIcon     = "➡️💰"
	erc20SellIcon    = "💰➡️"
)

// NameResolver maps a lower-cased address to an ENS-like display name,
// or "" when none is known; the renderer then falls back to the
// checksum-cased address (spec §4.9).
type NameResolver interface {
	DisplayName(address string) string
}

// Rendered is C9's output: message text plus optional inline buttons
// attached when a non-base token was interacted with.
type Rendered struct {
	Text    string
	Buttons []Button
}

// Button is one inline action button with its token address already
// substituted into the URL template.
type Button struct {
	Text string
	URL  string
}

// Renderer formats TraceResults into messages.
type Renderer struct {
	names      NameResolver
	buttonTmpl []config.InlineButton
	baseTokens map[string]bool
}

// New builds a Renderer. buttonTemplates is the operator-configured
// set of {text, url-template} pairs (spec §6 inline_buttons), flattened
// from its per-row grouping since C9 renders one token's buttons at a
// time.
func New(names NameResolver, buttonTemplates []config.InlineButton, baseTokenSymbols []string) *Renderer {
	base := make(map[string]bool, len(baseTokenSymbols))
	for _, s := range baseTokenSymbols {
		base[strings.ToUpper(s)] = true
	}
	return &Renderer{names: names, buttonTmpl: buttonTemplates, baseTokens: base}
}

// Render is C9's pure formatting function. signature is the optional,
// decorative resolved function signature (empty string if unresolved).
// cex marks which of the addresses appearing in this transaction are
// known centralized-exchange addresses (spec §6 cex table), keyed by
// lower-cased address; callers that don't care may pass nil.
func (r *Renderer) Render(watched string, tx *models.Transaction, tr *models.TraceResult, signature string, cex map[string]bool) Rendered {
	var b strings.Builder

	b.WriteString(r.statusGlyph(tr.Status))
	b.WriteString(r.directionIcon(watched, tx, tr))
	b.WriteString(" ")
	b.WriteString(namePlaceholder)
	b.WriteString("\n\n")

	fmt.Fprintf(&b, "Tx: %s\n", tx.Hash)
	fmt.Fprintf(&b, "Block: %s\n", tr.BlockNumber)
	fmt.Fprintf(&b, "From: %s\n", r.addressLine(watched, tx.From, cex))
	if tx.To != nil {
		fmt.Fprintf(&b, "To: %s\n", r.addressLine(watched, *tx.To, cex))
	}
	if tr.DeployedContract != nil {
		fmt.Fprintf(&b, "Deployed: %s\n", r.addressLine(watched, *tr.DeployedContract, cex))
	}
	if signature != "" {
		fmt.Fprintf(&b, "Call: %s\n", signature)
	}
	if tr.TransferAmount != nil {
		fmt.Fprintf(&b, "Amount: %s\n", *tr.TransferAmount)
	}
	if len(tr.InteractedTokens) > 0 {
		b.WriteString("Tokens: ")
		names := make([]string, len(tr.InteractedTokens))
		for i, tok := range tr.InteractedTokens {
			names[i] = tok.Symbol
		}
		b.WriteString(strings.Join(names, ", "))
		b.WriteString("\n")
	}
	if tr.LogCount != nil {
		fmt.Fprintf(&b, "Logs: %d\n", *tr.LogCount)
	}
	if tr.Balance != "" {
		fmt.Fprintf(&b, "Balance: %s %s\n", tr.ChangeIndicator, tr.Balance)
	}
	fmt.Fprintf(&b, "PnL: %s %s\n", tr.ChangeIndicator, tr.PnL)

	return Rendered{
		Text:    b.String(),
		Buttons: r.buttonsFor(tr),
	}
}

// statusGlyph renders the success/failure/unknown prefix (spec §4.9).
func (r *Renderer) statusGlyph(status models.TraceStatus) string {
	switch status {
	case models.StatusSuccess:
		return "✅"
	case models.StatusFailure:
		return "❌"
	default:
		return ""
	}
}

// directionIcon resolves the base ↘/↖ icon, then applies the
// single-ERC20-transfer and multi-token-interaction overrides (spec
// §4.9).
func (r *Renderer) directionIcon(watched string, tx *models.Transaction, tr *models.TraceResult) string {
	base := directionIconOut
	if tx.To != nil && strings.EqualFold(*tx.To, watched) {
		base = directionIconIn
	}

	nonBaseCount := 0
	for _, tok := range tr.InteractedTokens {
		if !r.baseTokens[strings.ToUpper(tok.Symbol)] {
			nonBaseCount++
		}
	}

	switch {
	case tr.TransferAmount != nil && len(tr.InteractedTokens) == 1:
		if base == directionIconIn {
			return erc20BuyIcon
		}
		return erc20SellIcon
	case nonBaseCount > 1:
		// Multiple non-base tokens interacted: a failed transaction, or
		// one that moved no native value (tx.value == 0, a swap/sell of
		// tokens for tokens), renders as a sell; otherwise it is a buy
		// funded by native value.
		if tr.Status == models.StatusFailure || (tx.Value != nil && tx.Value.Sign() == 0) {
			return erc20SellIcon
		}
		return erc20BuyIcon
	default:
		return base
	}
}

// addressLine formats one address, prefixed with a bullet when it
// matches watched (spec §4.9), suffixed with a CEX tag when cex marks
// it as a known centralized-exchange address.
func (r *Renderer) addressLine(watched, address string, cex map[string]bool) string {
	display := r.displayName(address)
	if cex[strings.ToLower(address)] {
		display += " (CEX)"
	}
	if strings.EqualFold(watched, address) {
		return "● " + display
	}
	return display
}

func (r *Renderer) displayName(address string) string {
	if r.names != nil {
		if name := r.names.DisplayName(strings.ToLower(address)); name != "" {
			return name
		}
	}
	if common.IsHexAddress(address) {
		return common.HexToAddress(address).Hex()
	}
	return address
}

// buttonsFor builds inline buttons only when a non-base token
// interacted (spec §4.9), templating the first such token's address
// into every configured button.
func (r *Renderer) buttonsFor(tr *models.TraceResult) []Button {
	var nonBase *models.InteractedToken
	for i := range tr.InteractedTokens {
		tok := tr.InteractedTokens[i]
		if !r.baseTokens[strings.ToUpper(tok.Symbol)] {
			nonBase = &tok
			break
		}
	}
	if nonBase == nil {
		return nil
	}

	buttons := make([]Button, len(r.buttonTmpl))
	for i, tmpl := range r.buttonTmpl {
		buttons[i] = Button{
			Text: tmpl.Text,
			URL:  strings.ReplaceAll(tmpl.URLTemplate, addressPlaceholder, nonBase.Address),
		}
	}
	return buttons
}
