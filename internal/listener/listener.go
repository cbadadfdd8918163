package listener

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"utm-content-engine/internal/engine"
	"utm-content-engine/internal/observability"
)

// coalesceWindow batches bursts of notifications (bulk edits) into one
// invalidation per site.
const coalesceWindow = 200 * time.Millisecond

// Invalidator deletes cache keys by prefix.
type Invalidator interface {
	DeletePrefix(ctx context.Context, prefix string) (int, error)
}

// notifications is satisfied by *pgx.Conn.
type notifications interface {
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
}

// ListenAndInvalidate LISTENs on channel and drops every cached entry of the
// site named in each notification payload. It reconnects with jittered
// backoff until ctx is done. Changes made while disconnected are unseen, so
// every reconnect clears the whole namespace.
func ListenAndInvalidate(ctx context.Context, pool *pgxpool.Pool, inv Invalidator, namespace, channel string, baseBackoff time.Duration) {
	for resumed := false; ; resumed = true {
		err := listen(ctx, pool, inv, namespace, channel, resumed)
		if ctx.Err() != nil {
			log.Info().Msg("listener stopped")
			return
		}
		backoff := jitter(baseBackoff)
		log.Error().Err(err).Str("channel", channel).Dur("retry_in", backoff).Msg("listener error")
		select {
		case <-ctx.Done():
			log.Info().Msg("listener stopped")
			return
		case <-time.After(backoff):
		}
	}
}

func listen(ctx context.Context, pool *pgxpool.Pool, inv Invalidator, namespace, channel string, resumed bool) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire conn for listen: %w", err)
	}
	defer conn.Release()

	if _, err = conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		return fmt.Errorf("listen %s: %w", channel, err)
	}
	log.Info().Str("channel", channel).Bool("resumed", resumed).Msg("listening for campaign changes")
	if resumed {
		InvalidateAll(ctx, inv, namespace)
	}

	return drain(ctx, conn.Conn(), inv, namespace)
}

// drain consumes notifications until src fails. Pending sites are
// invalidated once the channel has been quiet for coalesceWindow, and again
// before returning so a dropped connection loses nothing already received.
func drain(ctx context.Context, src notifications, inv Invalidator, namespace string) error {
	pending := map[string]struct{}{}
	flush := func() {
		for site := range pending {
			Invalidate(ctx, inv, namespace, site)
		}
		clear(pending)
	}

	for {
		waitCtx, cancel := ctx, context.CancelFunc(func() {})
		if len(pending) > 0 {
			waitCtx, cancel = context.WithTimeout(ctx, coalesceWindow)
		}
		ntf, err := src.WaitForNotification(waitCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			flush()
			if errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			return fmt.Errorf("wait for notification: %w", err)
		}
		if ntf.Payload == "" {
			continue
		}
		pending[ntf.Payload] = struct{}{}
	}
}

// Invalidate removes both cache tiers of one site and returns the number of
// keys deleted. Errors are logged; the entries then age out by TTL.
func Invalidate(ctx context.Context, inv Invalidator, namespace, siteID string) int {
	total := deletePrefixes(ctx, inv, engine.SitePrefixes(namespace, siteID))
	log.Info().Str("site_id", siteID).Int("keys", total).Msg("campaign change; cache invalidated")
	return total
}

// InvalidateAll removes both cache tiers of every site in namespace.
func InvalidateAll(ctx context.Context, inv Invalidator, namespace string) int {
	total := deletePrefixes(ctx, inv, engine.NamespacePrefixes(namespace))
	log.Warn().Str("namespace", namespace).Int("keys", total).Msg("listener resumed; cache cleared")
	return total
}

func deletePrefixes(ctx context.Context, inv Invalidator, prefixes []string) int {
	total := 0
	for _, prefix := range prefixes {
		n, err := inv.DeletePrefix(ctx, prefix)
		total += n
		if err != nil {
			log.Error().Err(err).Str("prefix", prefix).Msg("cache invalidation failed")
		}
	}
	observability.CacheInvalidations.Add(float64(total))
	return total
}

func jitter(base time.Duration) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	factor := 0.5 + rand.Float64() // 0.5x-1.5x
	return time.Duration(float64(base) * factor)
}
