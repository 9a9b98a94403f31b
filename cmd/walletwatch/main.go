// Command walletwatch watches a configured set of EVM addresses for
// activity and delivers fast-then-full notifications to chat bots
// (spec §1). Usage: `walletwatch run <config-name>`.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/walletwatch/walletwatch/internal/chatclient"
	"github.com/walletwatch/walletwatch/internal/config"
	"github.com/walletwatch/walletwatch/internal/delivery"
	"github.com/walletwatch/walletwatch/internal/ens"
	"github.com/walletwatch/walletwatch/internal/ingest"
	"github.com/walletwatch/walletwatch/internal/logging"
	"github.com/walletwatch/walletwatch/internal/models"
	"github.com/walletwatch/walletwatch/internal/multicall"
	"github.com/walletwatch/walletwatch/internal/render"
	"github.com/walletwatch/walletwatch/internal/router"
	"github.com/walletwatch/walletwatch/internal/rpcfanout"
	"github.com/walletwatch/walletwatch/internal/signatures"
	"github.com/walletwatch/walletwatch/internal/store"
	"github.com/walletwatch/walletwatch/internal/tokens"
	"github.com/walletwatch/walletwatch/internal/trace"
)

const deliveryQueueBufSize = 256

func main() {
	if len(os.Args) < 3 || os.Args[1] != "run" {
		fmt.Fprintln(os.Stderr, "usage: walletwatch run <config-name>")
		os.Exit(1)
	}
	configName := os.Args[2]

	if err := run(configName); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configName string) error {
	cfg, err := config.Load(configName, ".", "/etc/walletwatch")
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logging.New(os.Getenv("WALLETWATCH_DEBUG") != "")
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	setupSignals(cancel, log)

	app, err := wireApp(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("wire app: %w", err)
	}
	defer app.sqlStore.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		app.sqlStore.RunWatchlistRefresh(ctx)
	}()

	for _, q := range app.deliveryQueues {
		wg.Add(1)
		go func(q *delivery.Queue) {
			defer wg.Done()
			q.Run(ctx)
		}(q)
	}

	if err := app.ingestor.Start(ctx); err != nil {
		cancel()
		wg.Wait()
		return fmt.Errorf("ingestor start: %w", err)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := app.ingestor.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("ingestor run exited", zap.Error(err))
		}
	}()

	<-ctx.Done()
	wg.Wait()
	return nil
}

func setupSignals(cancel context.CancelFunc, log *zap.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("shutting down", zap.String("signal", sig.String()))
		cancel()
	}()
}

// application is the fully wired set of long-running components.
type application struct {
	sqlStore       *store.SQLStore
	deliveryQueues map[string]*delivery.Queue
	ingestor       *ingest.Ingestor
}

func wireApp(ctx context.Context, cfg *config.Config, log *zap.Logger) (*application, error) {
	chain, err := rpcfanout.New(log, cfg.RPCURLs)
	if err != nil {
		return nil, fmt.Errorf("rpc fanout: %w", err)
	}

	bundler := multicall.New(chain, cfg.MulticallAddress)

	tokenCache, err := store.OpenTokenCache(cfg.TokenCachePath)
	if err != nil {
		return nil, fmt.Errorf("open token cache: %w", err)
	}
	tokenResolver := tokens.New(tokenCache, bundler, cfg.BaseTokens)

	selectorCache, err := store.OpenSelectorCache(cfg.SelectorCachePath)
	if err != nil {
		return nil, fmt.Errorf("open selector cache: %w", err)
	}
	sigResolver := newCachingSignatureResolver(selectorCache, signatures.New(cfg.SignatureLookupURLs))

	nameDirectory, err := ens.Load(cfg.ENSCachePath)
	if err != nil {
		return nil, fmt.Errorf("load ens directory: %w", err)
	}

	sqlStore, err := store.Open(ctx, cfg.SQL, log)
	if err != nil {
		return nil, fmt.Errorf("open sql store: %w", err)
	}

	buttonTemplates := flattenButtons(cfg.InlineButtons)
	renderer := render.New(nameDirectory, buttonTemplates, cfg.BaseTokens)

	decoder := trace.New(chain, tokenResolver, log)

	deliveryQueues := make(map[string]*delivery.Queue, len(cfg.Bots))
	routerDelivery := make(map[string]router.Deliverer, len(cfg.Bots))
	for _, bot := range cfg.Bots {
		client := chatclient.New(bot.Token, "")
		go botStartupHandshake(ctx, bot.ID, client, log)

		q := delivery.New(client, sqlStore, log, deliveryQueueBufSize)
		deliveryQueues[bot.ID] = q
		routerDelivery[bot.ID] = q
	}

	refetch := func(ctx context.Context, hash string) (*models.Transaction, error) {
		return chain.GetTransactionByHash(ctx, hash)
	}

	txRouter := router.New(sqlStore, decoder, sigResolver, renderer, routerDelivery, refetch, log)

	hwm := store.NewHighWaterMarkFile(cfg.HighWaterMarkPath)
	emit := func(block *models.Block, tx *models.Transaction) {
		txRouter.Process(ctx, tx)
	}
	ingestor := ingest.New(chain, hwm, log, emit)

	return &application{
		sqlStore:       sqlStore,
		deliveryQueues: deliveryQueues,
		ingestor:       ingestor,
	}, nil
}

// botCommands is deliberately minimal: watchlist/access CRUD is a
// command surface this process does not implement (spec §1 Non-goals);
// the handshake only advertises what the bot actually does.
var botCommands = []chatclient.Command{
	{Command: "status", Description: "show monitoring status"},
}

// botStartupHandshake confirms the configured token against the chat
// platform and publishes the bot's command list (spec §9 "a
// setMyCommands/getMe bot-startup handshake ... implemented as a
// small, explicitly-owned goroutine").
func botStartupHandshake(ctx context.Context, botID string, client *chatclient.Client, log *zap.Logger) {
	username, err := client.GetMe(ctx)
	if err != nil {
		log.Warn("bot handshake getMe failed", zap.String("bot", botID), zap.Error(err))
		return
	}
	log.Info("bot handshake ok", zap.String("bot", botID), zap.String("username", username))

	if err := client.SetMyCommands(ctx, botCommands); err != nil {
		log.Warn("bot handshake setMyCommands failed", zap.String("bot", botID), zap.Error(err))
	}
}

func flattenButtons(rows [][]config.InlineButton) []config.InlineButton {
	var flat []config.InlineButton
	for _, row := range rows {
		flat = append(flat, row...)
	}
	return flat
}
