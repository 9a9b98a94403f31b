package render

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/walletwatch/walletwatch/internal/config"
	"github.com/walletwatch/walletwatch/internal/models"
)

type fakeNames struct {
	names map[string]string
}

func (f *fakeNames) DisplayName(address string) string {
	return f.names[address]
}

func TestRenderIncludesStatusGlyph(t *testing.T) {
	r := New(nil, nil, nil)
	tx := &models.Transaction{From: "0xfrom", To: strPtr("0xto"), Value: big.NewInt(0)}

	success := r.Render("0xfrom", tx, &models.TraceResult{Status: models.StatusSuccess, PnL: "0.0"}, "", nil)
	require.Contains(t, success.Text, "✅")

	failure := r.Render("0xfrom", tx, &models.TraceResult{Status: models.StatusFailure, PnL: "0.0"}, "", nil)
	require.Contains(t, failure.Text, "❌")

	unknown := r.Render("0xfrom", tx, &models.TraceResult{Status: models.StatusUnknown, PnL: "0.0"}, "", nil)
	require.NotContains(t, unknown.Text, "✅")
	require.NotContains(t, unknown.Text, "❌")
}

func TestRenderMarksWatchedAddressWithBullet(t *testing.T) {
	r := New(nil, nil, nil)
	tx := &models.Transaction{From: "0xwatched", To: strPtr("0xother"), Value: big.NewInt(0)}

	out := r.Render("0xwatched", tx, &models.TraceResult{PnL: "0.0"}, "", nil)
	require.Contains(t, out.Text, "● ")
}

func TestRenderUsesDisplayNameWithChecksumFallback(t *testing.T) {
	names := &fakeNames{names: map[string]string{"0xfrom": "alice.eth"}}
	r := New(names, nil, nil)
	tx := &models.Transaction{From: "0xfrom", To: strPtr("0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed"), Value: big.NewInt(0)}

	out := r.Render("0xwatched", tx, &models.TraceResult{PnL: "0.0"}, "", nil)
	require.Contains(t, out.Text, "alice.eth")
	require.Contains(t, out.Text, "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed")
}

func TestRenderSingleERC20TransferOverridesDirectionIcon(t *testing.T) {
	r := New(nil, nil, []string{"WETH"})
	tx := &models.Transaction{From: "0xwatched", To: strPtr("0xtoken"), Value: big.NewInt(0)}
	amt := "5.00"

	out := r.Render("0xwatched", tx, &models.TraceResult{
		PnL:              "0.0",
		TransferAmount:   &amt,
		InteractedTokens: []models.InteractedToken{{Address: "0xtoken", Symbol: "USDC"}},
	}, "", nil)
	require.Contains(t, out.Text, "💰➡️")
}

func TestRenderButtonsOnlyForNonBaseTokenInteraction(t *testing.T) {
	buttons := []config.InlineButton{{Text: "Chart", URLTemplate: "https://example.test/$$ADDRESS$$"}}
	r := New(nil, buttons, []string{"WETH"})
	tx := &models.Transaction{From: "0xwatched", Value: big.NewInt(0)}

	withBase := r.Render("0xwatched", tx, &models.TraceResult{
		PnL:              "0.0",
		InteractedTokens: []models.InteractedToken{{Address: "0xweth", Symbol: "WETH"}},
	}, "", nil)
	require.Empty(t, withBase.Buttons)

	withNonBase := r.Render("0xwatched", tx, &models.TraceResult{
		PnL:              "0.0",
		InteractedTokens: []models.InteractedToken{{Address: "0xusdc", Symbol: "USDC"}},
	}, "", nil)
	require.Len(t, withNonBase.Buttons, 1)
	require.Equal(t, "https://example.test/0xusdc", withNonBase.Buttons[0].URL)
}

func TestRenderIsDeterministic(t *testing.T) {
	r := New(nil, nil, nil)
	tx := &models.Transaction{From: "0xwatched", To: strPtr("0xother"), Value: big.NewInt(0)}
	tr := &models.TraceResult{PnL: "0.0", Status: models.StatusSuccess}

	first := r.Render("0xwatched", tx, tr, "transfer(address,uint256)", nil)
	second := r.Render("0xwatched", tx, tr, "transfer(address,uint256)", nil)
	require.Equal(t, first.Text, second.Text)
}

func TestRenderTagsKnownCEXAddress(t *testing.T) {
	r := New(nil, nil, nil)
	tx := &models.Transaction{From: "0xwatched", To: strPtr("0xexchange"), Value: big.NewInt(0)}

	out := r.Render("0xwatched", tx, &models.TraceResult{PnL: "0.0"}, "", map[string]bool{"0xexchange": true})
	require.Contains(t, out.Text, "(CEX)")
}

func strPtr(s string) *string { return &s }
