package store

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/walletwatch/walletwatch/internal/config"
	"github.com/walletwatch/walletwatch/internal/models"
)

const watchlistRefreshInterval = 2 * time.Second

// SQLStore is the shared relational store backing the access,
// watchlist, and cex tables (spec §6), connected via a pgx pool.
type SQLStore struct {
	pool *pgxpool.Pool
	log  *zap.Logger

	snapshot atomic.Pointer[models.Watchlist]
}

// Open connects to the relational store described by cfg.
func Open(ctx context.Context, cfg config.SQLConfig, log *zap.Logger) (*SQLStore, error) {
	dsn := fmt.Sprintf("postgres://%s:%s@%s/%s", cfg.User, cfg.Password, cfg.Host, cfg.Database)
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	s := &SQLStore{pool: pool, log: log}
	s.snapshot.Store(models.NewWatchlist())
	return s, nil
}

// Close releases the connection pool (spec §5 "shutting the process
// ... closes the SQL pools").
func (s *SQLStore) Close() {
	s.pool.Close()
}

// Watchlist returns the most recently refreshed in-memory snapshot
// (spec §5 "writer-exclusive swap of the whole map; readers see a
// consistent snapshot").
func (s *SQLStore) Watchlist() *models.Watchlist {
	return s.snapshot.Load()
}

// Lookup implements router.WatchlistSource directly against the
// current snapshot.
func (s *SQLStore) Lookup(address string) *models.WatchlistEntry {
	return s.snapshot.Load().Lookup(address)
}

// RunWatchlistRefresh periodically reloads the watchlist table and
// swaps the snapshot atomically (spec §5), until ctx is cancelled.
func (s *SQLStore) RunWatchlistRefresh(ctx context.Context) {
	ticker := time.NewTicker(watchlistRefreshInterval)
	defer ticker.Stop()

	for {
		if err := s.refreshOnce(ctx); err != nil {
			s.log.Warn("watchlist refresh failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *SQLStore) refreshOnce(ctx context.Context) error {
	rows, err := s.pool.Query(ctx, `SELECT address, chat_id, bot_id, username, name, blocked FROM watchlist`)
	if err != nil {
		return err
	}
	defer rows.Close()

	accessByKey, err := s.loadAccess(ctx)
	if err != nil {
		return err
	}

	next := models.NewWatchlist()
	for rows.Next() {
		var addr, chatID, botID, username, name string
		var blocked bool
		if err := rows.Scan(&addr, &chatID, &botID, &username, &name, &blocked); err != nil {
			return err
		}
		if blocked {
			continue
		}

		subscriberID := chatID + "@" + botID
		access := accessByKey[subscriberID]

		entry, ok := next.Entries[strings.ToLower(addr)]
		if !ok {
			entry = &models.WatchlistEntry{Address: strings.ToLower(addr), Subscribers: make(map[string]*models.Watcher)}
			next.Entries[strings.ToLower(addr)] = entry
		}
		entry.Subscribers[subscriberID] = &models.Watcher{
			SubscriberID: subscriberID,
			DisplayName:  displayName(name, username),
			WantIncoming: access.allTx || access.swap || access.deploy,
			WantOutgoing: access.allTx,
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	s.snapshot.Store(next)
	return nil
}

type accessRow struct {
	allTx, swap, deploy bool
}

func (s *SQLStore) loadAccess(ctx context.Context) (map[string]accessRow, error) {
	rows, err := s.pool.Query(ctx, `SELECT chat_id, bot_id, alltx, swap, deploy FROM access`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]accessRow)
	for rows.Next() {
		var chatID, botID string
		var allTx, swap, deploy bool
		if err := rows.Scan(&chatID, &botID, &allTx, &swap, &deploy); err != nil {
			return nil, err
		}
		out[chatID+"@"+botID] = accessRow{allTx: allTx, swap: swap, deploy: deploy}
	}
	return out, rows.Err()
}

// IsCEX reports whether address is a known centralized-exchange
// address (spec §6 cex table), used to enrich rendering decisions.
func (s *SQLStore) IsCEX(ctx context.Context, address string) (bool, error) {
	var name string
	err := s.pool.QueryRow(ctx, `SELECT name FROM cex WHERE address = $1`, strings.ToLower(address)).Scan(&name)
	if err != nil {
		return false, nil
	}
	return true, nil
}

// RemoveSubscriber implements delivery.SubscriberRemover: it marks the
// watchlist row for subscriberID ("<chat>@<bot>") blocked, out-of-band
// from the request that discovered it, so the next refresh drops the
// subscriber without delivery having to wait on the write (spec §5
// "subscriber-unreachable ... mark the subscriber for removal
// out-of-band").
func (s *SQLStore) RemoveSubscriber(subscriberID string) {
	chatID := chatIDOf(subscriberID)
	botID := botIDOf(subscriberID)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := s.pool.Exec(ctx, `UPDATE watchlist SET blocked = true WHERE chat_id = $1 AND bot_id = $2`, chatID, botID)
	if err != nil {
		s.log.Warn("mark subscriber blocked failed", zap.String("subscriber", subscriberID), zap.Error(err))
	}
}

func chatIDOf(subscriberID string) string {
	idx := strings.LastIndex(subscriberID, "@")
	if idx < 0 {
		return subscriberID
	}
	return subscriberID[:idx]
}

func botIDOf(subscriberID string) string {
	idx := strings.LastIndex(subscriberID, "@")
	if idx < 0 {
		return ""
	}
	return subscriberID[idx+1:]
}

func displayName(name, username string) string {
	if name != "" {
		return name
	}
	return username
}
