package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "walletwatch.yaml"), []byte(body), 0o600))
}

func TestLoadParsesAndValidatesCompleteConfig(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
owner_chat_id: "12345"
rpc_urls:
  - https://rpc-a.example
  - https://rpc-b.example
bots:
  - id: main
    token: abc123
    polling: true
chain_label: Ethereum
multicall_address: "0xaggregator"
base_tokens: [WETH, USDC]
sql:
  host: localhost
  user: ww
  password: secret
  database: walletwatch
`)

	cfg, err := Load("walletwatch", dir)
	require.NoError(t, err)
	require.Equal(t, "12345", cfg.OwnerChatID)
	require.Len(t, cfg.RPCURLs, 2)
	require.Len(t, cfg.Bots, 1)
	require.Equal(t, "main", cfg.Bots[0].ID)
	require.Equal(t, "0xaggregator", cfg.MulticallAddress)
	require.Equal(t, "walletwatch", cfg.SQL.Database)
}

func TestLoadRejectsMissingRPCURLs(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
bots:
  - id: main
    token: abc123
multicall_address: "0xaggregator"
`)

	_, err := Load("walletwatch", dir)
	require.Error(t, err)
}

func TestLoadRejectsMissingMulticallAddress(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
rpc_urls: [https://rpc.example]
bots:
  - id: main
    token: abc123
`)

	_, err := Load("walletwatch", dir)
	require.Error(t, err)
}

func TestLoadRejectsBotMissingToken(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
rpc_urls: [https://rpc.example]
bots:
  - id: main
    token: ""
multicall_address: "0xaggregator"
`)

	_, err := Load("walletwatch", dir)
	require.Error(t, err)
}

func TestLoadReturnsErrorWhenConfigFileMissing(t *testing.T) {
	dir := t.TempDir()
	_, err := Load("doesnotexist", dir)
	require.Error(t, err)
}
