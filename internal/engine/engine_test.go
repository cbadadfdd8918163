package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"utm-content-engine/internal/storage"
)

func TestResolve_EndToEnd(t *testing.T) {
	row := storage.CampaignRow{
		ID:        "c1",
		SiteID:    "s1",
		Name:      "Spring Launch",
		Key:       storage.CampaignKey{Source: "google", Medium: "cpc", Campaign: "launch"},
		Status:    storage.StatusActive,
		Headline:  "Go Further",
		CTA:       "Start Now",
		CreatedAt: t0,
	}
	_, cache := newRedisCache(t)
	r := NewResolver(newMemStore(row), cache, testOpts)

	res, err := r.Resolve(context.Background(), "s1", Params{UTMSource: "google", UTMMedium: "cpc", UTMCampaign: "launch"})
	require.NoError(t, err)

	assert.Equal(t, TierStore, res.Tier)
	assert.Equal(t, Response{
		Segment: "Spring Launch",
		Blocks:  Blocks{Headline: "Go Further", Sub: "Great to see you here", Bullets: []string{}, CTA: "Start Now"},
	}, res.Content)
	assert.JSONEq(t,
		`{"segment":"Spring Launch","blocks":{"headline":"Go Further","sub":"Great to see you here","bullets":[],"cta":"Start Now"}}`,
		string(res.Body))
}

func TestResolve_CacheThenStorePrecedence(t *testing.T) {
	mr, cache := newRedisCache(t)
	store := newMemStore(campaign("1", "s1", "fb", "cpc", "spring", storage.StatusActive))
	r := NewResolver(store, cache, testOpts)
	p := Params{UTMSource: "fb", UTMMedium: "cpc", UTMCampaign: "spring"}
	keys := CacheKeys("utmc", "s1", p)

	first, err := r.Resolve(context.Background(), "s1", p)
	require.NoError(t, err)
	assert.Equal(t, TierStore, first.Tier)
	assert.True(t, mr.Exists(keys.Lookup), "lookup tier populated")
	assert.True(t, mr.Exists(keys.Response), "response tier populated")
	assert.Equal(t, testOpts.LookupTTL, mr.TTL(keys.Lookup))
	assert.Equal(t, testOpts.ResponseTTL, mr.TTL(keys.Response))

	second, err := r.Resolve(context.Background(), "s1", p)
	require.NoError(t, err)
	assert.Equal(t, TierResponseCache, second.Tier)
	assert.Equal(t, first.Content, second.Content)
	assert.Equal(t, first.Body, second.Body)
	assert.EqualValues(t, 1, store.calls.Load())
}

func TestResolve_LookupTierHitFillsResponseTier(t *testing.T) {
	mr, cache := newRedisCache(t)
	store := newMemStore()
	r := NewResolver(store, cache, testOpts)
	p := Params{UTMSource: "fb", UTMMedium: "cpc", UTMCampaign: "spring", GCLID: "abc"}
	keys := CacheKeys("utmc", "s1", p)

	v, _ := json.Marshal(Variant{CampaignID: "1", Name: "Spring", Headline: "Cached headline"})
	require.NoError(t, mr.Set(keys.Lookup, string(v)))

	res, err := r.Resolve(context.Background(), "s1", p)
	require.NoError(t, err)
	assert.Equal(t, TierLookupCache, res.Tier)
	assert.Equal(t, "Cached headline", res.Content.Blocks.Headline)
	assert.True(t, mr.Exists(keys.Response))
	assert.Zero(t, store.calls.Load())
}

func TestResolve_ClickIDsShareLookupEntry(t *testing.T) {
	_, cache := newRedisCache(t)
	store := newMemStore(campaign("1", "s1", "google", "cpc", "launch", storage.StatusActive))
	r := NewResolver(store, cache, testOpts)
	ctx := context.Background()

	a, err := r.Resolve(ctx, "s1", Params{UTMSource: "google", UTMMedium: "cpc", UTMCampaign: "launch", GCLID: "click-a"})
	require.NoError(t, err)
	b, err := r.Resolve(ctx, "s1", Params{UTMSource: "google", UTMMedium: "cpc", UTMCampaign: "launch", GCLID: "click-b"})
	require.NoError(t, err)

	assert.Equal(t, TierStore, a.Tier)
	assert.Equal(t, TierLookupCache, b.Tier)
	assert.Equal(t, a.Content, b.Content)
	assert.EqualValues(t, 1, store.calls.Load())
}

func TestResolve_Determinism(t *testing.T) {
	_, cache := newRedisCache(t)
	r := NewResolver(newMemStore(campaign("1", "s1", "fb", "", "", storage.StatusActive)), cache, testOpts)

	var bodies [][]byte
	for i := 0; i < 5; i++ {
		res, err := r.Resolve(context.Background(), "s1", Params{UTMSource: "fb"})
		require.NoError(t, err)
		bodies = append(bodies, res.Body)
	}
	for _, b := range bodies[1:] {
		assert.Equal(t, bodies[0], b)
	}
}

func TestResolve_StatusFilter(t *testing.T) {
	tests := []struct {
		name   string
		status string
	}{
		{"paused", storage.StatusPaused},
		{"draft", storage.StatusDraft},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, cache := newRedisCache(t)
			r := NewResolver(newMemStore(campaign("1", "s1", "fb", "cpc", "spring", tt.status)), cache, testOpts)

			res, err := r.Resolve(context.Background(), "s1", Params{UTMSource: "fb", UTMMedium: "cpc", UTMCampaign: "spring"})
			assert.ErrorIs(t, err, ErrNotFound)
			assert.Nil(t, res)
		})
	}
}

func TestResolve_SiteIsolation(t *testing.T) {
	a := campaign("a", "site-a", "fb", "cpc", "spring", storage.StatusActive)
	b := campaign("b", "site-b", "fb", "cpc", "spring", storage.StatusActive)
	_, cache := newRedisCache(t)
	r := NewResolver(newMemStore(a, b), cache, testOpts)
	p := Params{UTMSource: "fb", UTMMedium: "cpc", UTMCampaign: "spring"}

	// twice each so the second round is served from cache
	for i := 0; i < 2; i++ {
		ra, err := r.Resolve(context.Background(), "site-a", p)
		require.NoError(t, err)
		rb, err := r.Resolve(context.Background(), "site-b", p)
		require.NoError(t, err)

		assert.Equal(t, "Headline a", ra.Content.Blocks.Headline)
		assert.Equal(t, "Headline b", rb.Content.Blocks.Headline)
	}
}

func TestResolve_TieBreakEarliestCreated(t *testing.T) {
	later := campaign("later", "s1", "fb", "cpc", "spring", storage.StatusActive)
	later.CreatedAt = t0.Add(time.Hour)
	earlier := campaign("earlier", "s1", "fb", "cpc", "spring", storage.StatusActive)
	earlier.CreatedAt = t0

	r := NewResolver(newMemStore(later, earlier), nil, testOpts)
	for i := 0; i < 3; i++ {
		res, err := r.Resolve(context.Background(), "s1", Params{UTMSource: "fb", UTMMedium: "cpc", UTMCampaign: "spring"})
		require.NoError(t, err)
		assert.Equal(t, "Headline earlier", res.Content.Blocks.Headline)
	}
}

func TestResolve_CacheOutageDegradesToStore(t *testing.T) {
	store := newMemStore(campaign("1", "s1", "fb", "cpc", "spring", storage.StatusActive))
	cache := &failingCache{}
	r := NewResolver(store, cache, testOpts)

	for i := 0; i < 2; i++ {
		res, err := r.Resolve(context.Background(), "s1", Params{UTMSource: "fb", UTMMedium: "cpc", UTMCampaign: "spring"})
		require.NoError(t, err)
		assert.Equal(t, TierStore, res.Tier)
		assert.Equal(t, "Headline 1", res.Content.Blocks.Headline)
	}
	assert.EqualValues(t, 2, store.calls.Load())
	assert.EqualValues(t, 4, cache.gets.Load())
	assert.EqualValues(t, 4, cache.sets.Load())
}

func TestResolve_RedisErrorsDegradeToStore(t *testing.T) {
	mr, cache := newRedisCache(t)
	mr.SetError("LOADING Redis is loading the dataset in memory")
	r := NewResolver(newMemStore(campaign("1", "s1", "fb", "", "", storage.StatusActive)), cache, testOpts)

	res, err := r.Resolve(context.Background(), "s1", Params{UTMSource: "fb"})
	require.NoError(t, err)
	assert.Equal(t, TierStore, res.Tier)
}

func TestResolve_StoreOnlyWithoutCache(t *testing.T) {
	store := newMemStore(campaign("1", "s1", "fb", "", "", storage.StatusActive))
	r := NewResolver(store, nil, testOpts)

	res, err := r.Resolve(context.Background(), "s1", Params{UTMSource: "fb"})
	require.NoError(t, err)
	assert.Equal(t, TierStore, res.Tier)
}

func TestResolve_DefaultFilling(t *testing.T) {
	row := storage.CampaignRow{
		ID:     "1",
		SiteID: "s1",
		Key:    storage.CampaignKey{Source: "fb"},
		Status: storage.StatusActive,
	}
	r := NewResolver(newMemStore(row), nil, testOpts)

	res, err := r.Resolve(context.Background(), "s1", Params{UTMSource: "fb"})
	require.NoError(t, err)
	assert.Equal(t, DefaultSegment, res.Content.Segment)
	assert.Equal(t, DefaultHeadline, res.Content.Blocks.Headline)
	assert.Equal(t, DefaultSub, res.Content.Blocks.Sub)
	assert.Equal(t, DefaultCTA, res.Content.Blocks.CTA)
	assert.NotNil(t, res.Content.Blocks.Bullets)
}

func TestResolve_UnknownSiteIsMisconfiguration(t *testing.T) {
	mr, cache := newRedisCache(t)
	store := newMemStore()
	r := NewResolver(store, cache, Options{KeyPrefix: "utmc", NegativeTTL: time.Minute})

	for i := 0; i < 2; i++ {
		_, err := r.Resolve(context.Background(), "ghost", Params{UTMSource: "fb"})
		assert.ErrorIs(t, err, ErrSiteMisconfigured)
		assert.False(t, errors.Is(err, ErrNotFound))
	}
	assert.EqualValues(t, 2, store.calls.Load(), "misconfiguration is never cached")
	assert.Empty(t, mr.Keys())
}

func TestResolve_StoreErrorIsInternal(t *testing.T) {
	store := newMemStore()
	store.err = errors.New("connection reset by peer")
	r := NewResolver(store, nil, testOpts)

	_, err := r.Resolve(context.Background(), "s1", Params{UTMSource: "fb"})
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotFound))
	assert.False(t, errors.Is(err, ErrSiteMisconfigured))
	assert.Contains(t, err.Error(), "connection reset by peer")
}

func TestResolve_EmptySiteRejectedBeforeStores(t *testing.T) {
	store := newMemStore()
	cache := &failingCache{}
	r := NewResolver(store, cache, testOpts)

	_, err := r.Resolve(context.Background(), "  ", Params{UTMSource: "fb"})
	assert.ErrorIs(t, err, ErrInvalidSite)
	assert.Zero(t, store.calls.Load())
	assert.Zero(t, cache.gets.Load())
}

func TestResolve_NegativeCaching(t *testing.T) {
	t.Run("disabled by default", func(t *testing.T) {
		mr, cache := newRedisCache(t)
		store := newMemStore()
		store.addSite("s1")
		r := NewResolver(store, cache, testOpts)

		for i := 0; i < 2; i++ {
			_, err := r.Resolve(context.Background(), "s1", Params{UTMSource: "fb"})
			assert.ErrorIs(t, err, ErrNotFound)
		}
		assert.EqualValues(t, 2, store.calls.Load())
		assert.Empty(t, mr.Keys())
	})

	t.Run("short ttl when enabled", func(t *testing.T) {
		mr, cache := newRedisCache(t)
		store := newMemStore()
		store.addSite("s1")
		opts := testOpts
		opts.NegativeTTL = 30 * time.Second
		r := NewResolver(store, cache, opts)
		p := Params{UTMSource: "fb"}
		keys := CacheKeys("utmc", "s1", p)

		_, err := r.Resolve(context.Background(), "s1", p)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.Equal(t, 30*time.Second, mr.TTL(keys.Lookup))
		assert.False(t, mr.Exists(keys.Response), "response tier never holds negatives")

		_, err = r.Resolve(context.Background(), "s1", p)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.EqualValues(t, 1, store.calls.Load())

		// campaign activated after the miss becomes visible once the marker expires
		store.add(campaign("1", "s1", "fb", "", "", storage.StatusActive))
		mr.FastForward(31 * time.Second)

		res, err := r.Resolve(context.Background(), "s1", p)
		require.NoError(t, err)
		assert.Equal(t, TierStore, res.Tier)
		assert.EqualValues(t, 2, store.calls.Load())
	})
}

func TestResolve_CorruptEntriesAreMisses(t *testing.T) {
	mr, cache := newRedisCache(t)
	store := newMemStore(campaign("1", "s1", "fb", "", "", storage.StatusActive))
	r := NewResolver(store, cache, testOpts)
	p := Params{UTMSource: "fb"}
	keys := CacheKeys("utmc", "s1", p)
	require.NoError(t, mr.Set(keys.Response, "{not json"))
	require.NoError(t, mr.Set(keys.Lookup, "also not json"))

	res, err := r.Resolve(context.Background(), "s1", p)
	require.NoError(t, err)
	assert.Equal(t, TierStore, res.Tier)

	got, err := mr.Get(keys.Response)
	require.NoError(t, err)
	assert.JSONEq(t, string(res.Body), got, "corrupt entry overwritten")
}

func TestResolve_IncompleteResponseEntriesAreMisses(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"empty object", `{}`},
		{"null", `null`},
		{"empty blocks", `{"segment":"Spring","blocks":{}}`},
		{"missing cta", `{"segment":"Spring","blocks":{"headline":"Hi","sub":"There","bullets":[]}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mr, cache := newRedisCache(t)
			store := newMemStore(campaign("1", "s1", "fb", "", "", storage.StatusActive))
			r := NewResolver(store, cache, testOpts)
			p := Params{UTMSource: "fb"}
			keys := CacheKeys("utmc", "s1", p)
			require.NoError(t, mr.Set(keys.Response, tt.payload))

			res, err := r.Resolve(context.Background(), "s1", p)
			require.NoError(t, err)
			assert.Equal(t, TierStore, res.Tier)
			assert.NotEmpty(t, res.Content.Blocks.Headline)
			assert.NotEmpty(t, res.Content.Blocks.Sub)
			assert.NotEmpty(t, res.Content.Blocks.CTA)

			got, err := mr.Get(keys.Response)
			require.NoError(t, err)
			assert.JSONEq(t, string(res.Body), got, "incomplete entry overwritten")
		})
	}
}

func TestResolve_ConcurrentMissesConverge(t *testing.T) {
	_, cache := newRedisCache(t)
	store := newMemStore(campaign("1", "s1", "fb", "cpc", "spring", storage.StatusActive))
	r := NewResolver(store, cache, testOpts)
	p := Params{UTMSource: "fb", UTMMedium: "cpc", UTMCampaign: "spring"}

	const n = 16
	var (
		wg     sync.WaitGroup
		bodies = make([][]byte, n)
		errs   = make([]error, n)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := r.Resolve(context.Background(), "s1", p)
			errs[i] = err
			if err == nil {
				bodies[i] = res.Body
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, bodies[0], bodies[i])
	}
	assert.LessOrEqual(t, store.calls.Load(), int64(n))
}

func TestShape(t *testing.T) {
	tests := []struct {
		name string
		in   Variant
		want Response
	}{
		{
			name: "all defaults",
			in:   Variant{},
			want: Response{Segment: "default", Blocks: Blocks{Headline: "Welcome!", Sub: "Great to see you here", Bullets: []string{}, CTA: "Get Started"}},
		},
		{
			name: "whitespace counts as blank",
			in:   Variant{Name: "Summer", Headline: "  ", Subheadline: "\t", CTA: "Buy"},
			want: Response{Segment: "Summer", Blocks: Blocks{Headline: "Welcome!", Sub: "Great to see you here", Bullets: []string{}, CTA: "Buy"}},
		},
		{
			name: "bullets trimmed and capped",
			in:   Variant{Name: "x", Bullets: []string{" a ", "", "b", "c", " ", "d", "e", "f"}},
			want: Response{Segment: "x", Blocks: Blocks{Headline: "Welcome!", Sub: "Great to see you here", Bullets: []string{"a", "b", "c", "d", "e"}, CTA: "Get Started"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Shape(tt.in))
		})
	}
}
