package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"utm-content-engine/internal/config"
	"utm-content-engine/internal/observability"
	"utm-content-engine/internal/storage"
)

var (
	ErrInvalidSite       = errors.New("site id is required")
	ErrNotFound          = errors.New("no content variant found for parameters")
	ErrSiteMisconfigured = errors.New("site is not configured")

	errIncompleteEntry = errors.New("cached response is missing required blocks")
)

const (
	DefaultSegment  = "default"
	DefaultHeadline = "Welcome!"
	DefaultSub      = "Great to see you here"
	DefaultCTA      = "Get Started"

	maxBullets = 5
)

// CampaignStore is the durable source of truth.
type CampaignStore interface {
	FindActiveCampaign(ctx context.Context, siteID string, key storage.CampaignKey) (storage.CampaignRow, error)
}

// ContentCache is the fast tier. Get must return storage.ErrCacheMiss for absent keys.
type ContentCache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
}

type Options struct {
	KeyPrefix   string
	LookupTTL   time.Duration
	ResponseTTL time.Duration
	NegativeTTL time.Duration // 0 disables negative caching
}

func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		KeyPrefix:   cfg.Cache.KeyPrefix,
		LookupTTL:   cfg.Cache.LookupTTL,
		ResponseTTL: cfg.Cache.ResponseTTL,
		NegativeTTL: cfg.Cache.NegativeTTL,
	}
}

// Resolver implements the tiered read-through: response cache, then lookup
// cache, then store. It keeps no state between calls; concurrent misses on
// the same key may all hit the store and write identical cache values.
type Resolver struct {
	store CampaignStore
	cache ContentCache // nil runs store-only
	opts  Options
}

func NewResolver(store CampaignStore, cache ContentCache, opts Options) *Resolver {
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "utmc"
	}
	return &Resolver{store: store, cache: cache, opts: opts}
}

// Resolve returns the content for siteID and p. Cache failures only cost
// latency; store failures are returned wrapped.
func (r *Resolver) Resolve(ctx context.Context, siteID string, p Params) (*Resolution, error) {
	siteID = strings.TrimSpace(siteID)
	if siteID == "" {
		observability.Resolutions.WithLabelValues("invalid").Inc()
		return nil, ErrInvalidSite
	}
	t := Normalize(p)
	keys := BuildKeys(r.opts.KeyPrefix, siteID, t)

	if body, ok := r.get(ctx, TierResponseCache, keys.Response); ok {
		var resp Response
		err := json.Unmarshal(body, &resp)
		if err == nil && !resp.complete() {
			err = errIncompleteEntry
		}
		if err == nil {
			observability.Resolutions.WithLabelValues(string(TierResponseCache)).Inc()
			return &Resolution{Content: resp, Body: body, Tier: TierResponseCache}, nil
		}
		log.Warn().Err(err).Str("key", keys.Response).Msg("corrupt response cache entry; ignoring")
	}

	if raw, ok := r.get(ctx, TierLookupCache, keys.Lookup); ok {
		var v Variant
		err := json.Unmarshal(raw, &v)
		if err == nil {
			if v.NotFound {
				observability.Resolutions.WithLabelValues("not_found").Inc()
				return nil, ErrNotFound
			}
			return r.respond(ctx, keys, v, TierLookupCache)
		}
		log.Warn().Err(err).Str("key", keys.Lookup).Msg("corrupt lookup cache entry; ignoring")
	}

	row, err := r.store.FindActiveCampaign(ctx, siteID, t.CampaignKey())
	switch {
	case errors.Is(err, storage.ErrSiteNotFound):
		observability.StoreQueries.WithLabelValues("site_not_found").Inc()
		observability.Resolutions.WithLabelValues("site_misconfigured").Inc()
		log.Error().Str("site_id", siteID).Msg("resolution for unknown site; embed code is misconfigured")
		return nil, fmt.Errorf("%w: %q", ErrSiteMisconfigured, siteID)
	case errors.Is(err, storage.ErrCampaignNotFound):
		observability.StoreQueries.WithLabelValues("not_found").Inc()
		observability.Resolutions.WithLabelValues("not_found").Inc()
		if r.opts.NegativeTTL > 0 {
			r.set(ctx, TierLookupCache, keys.Lookup, Variant{NotFound: true}, r.opts.NegativeTTL)
		}
		return nil, ErrNotFound
	case err != nil:
		observability.StoreQueries.WithLabelValues("error").Inc()
		observability.Resolutions.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("resolve from store: %w", err)
	}
	observability.StoreQueries.WithLabelValues("found").Inc()

	v := variantFromRow(row)
	r.set(ctx, TierLookupCache, keys.Lookup, v, r.opts.LookupTTL)
	return r.respond(ctx, keys, v, TierStore)
}

// respond shapes v, fills the response tier and returns the resolution.
func (r *Resolver) respond(ctx context.Context, keys Keys, v Variant, tier Tier) (*Resolution, error) {
	resp := Shape(v)
	body, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	r.setRaw(ctx, TierResponseCache, keys.Response, body, r.opts.ResponseTTL)
	observability.Resolutions.WithLabelValues(string(tier)).Inc()
	return &Resolution{Content: resp, Body: body, Tier: tier}, nil
}

func (r *Resolver) get(ctx context.Context, tier Tier, key string) ([]byte, bool) {
	if r.cache == nil {
		return nil, false
	}
	val, err := r.cache.Get(ctx, key)
	switch {
	case err == nil:
		observability.CacheLookups.WithLabelValues(string(tier), "hit").Inc()
		return val, true
	case errors.Is(err, storage.ErrCacheMiss):
		observability.CacheLookups.WithLabelValues(string(tier), "miss").Inc()
	default:
		observability.CacheLookups.WithLabelValues(string(tier), "error").Inc()
		log.Warn().Err(err).Str("tier", string(tier)).Str("key", key).Msg("cache get failed; treating as miss")
	}
	return nil, false
}

func (r *Resolver) set(ctx context.Context, tier Tier, key string, v any, ttl time.Duration) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Warn().Err(err).Str("tier", string(tier)).Msg("encode cache entry")
		return
	}
	r.setRaw(ctx, tier, key, b, ttl)
}

func (r *Resolver) setRaw(ctx context.Context, tier Tier, key string, b []byte, ttl time.Duration) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Set(ctx, key, b, ttl); err != nil {
		log.Warn().Err(err).Str("tier", string(tier)).Str("key", key).Msg("cache set failed")
	}
}

func variantFromRow(row storage.CampaignRow) Variant {
	return Variant{
		CampaignID:  row.ID,
		Name:        row.Name,
		Headline:    row.Headline,
		Subheadline: row.Subheadline,
		CTA:         row.CTA,
		Bullets:     row.Bullets,
	}
}

// Shape turns a variant into the client block, filling every blank field
// with its default.
func Shape(v Variant) Response {
	bullets := make([]string, 0, len(v.Bullets))
	for _, b := range v.Bullets {
		if b = strings.TrimSpace(b); b != "" && len(bullets) < maxBullets {
			bullets = append(bullets, b)
		}
	}
	return Response{
		Segment: orDefault(v.Name, DefaultSegment),
		Blocks: Blocks{
			Headline: orDefault(v.Headline, DefaultHeadline),
			Sub:      orDefault(v.Subheadline, DefaultSub),
			Bullets:  bullets,
			CTA:      orDefault(v.CTA, DefaultCTA),
		},
	}
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
