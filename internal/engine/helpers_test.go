package engine

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"utm-content-engine/internal/storage"
)

// memStore mirrors the SQL accessor: site check, active + exact tuple filter,
// earliest created_at wins.
type memStore struct {
	mu    sync.Mutex
	sites map[string]bool
	rows  []storage.CampaignRow
	err   error
	calls atomic.Int64
}

func newMemStore(rows ...storage.CampaignRow) *memStore {
	s := &memStore{sites: map[string]bool{}}
	for _, r := range rows {
		s.add(r)
	}
	return s
}

func (s *memStore) add(r storage.CampaignRow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sites[r.SiteID] = true
	s.rows = append(s.rows, r)
}

func (s *memStore) addSite(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sites[id] = true
}

func (s *memStore) FindActiveCampaign(_ context.Context, siteID string, key storage.CampaignKey) (storage.CampaignRow, error) {
	s.calls.Add(1)
	if s.err != nil {
		return storage.CampaignRow{}, s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.sites[siteID] {
		return storage.CampaignRow{}, storage.ErrSiteNotFound
	}
	var matches []storage.CampaignRow
	for _, r := range s.rows {
		if r.SiteID == siteID && r.Status == storage.StatusActive && r.Key == key {
			matches = append(matches, r)
		}
	}
	if len(matches) == 0 {
		return storage.CampaignRow{}, storage.ErrCampaignNotFound
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].CreatedAt.Before(matches[j].CreatedAt) })
	return matches[0], nil
}

// failingCache errors on every call, like an unreachable redis.
type failingCache struct {
	gets, sets atomic.Int64
}

func (c *failingCache) Get(context.Context, string) ([]byte, error) {
	c.gets.Add(1)
	return nil, errors.New("dial tcp 127.0.0.1:6379: connect: connection refused")
}

func (c *failingCache) Set(context.Context, string, []byte, time.Duration) error {
	c.sets.Add(1)
	return errors.New("dial tcp 127.0.0.1:6379: connect: connection refused")
}

func newRedisCache(t *testing.T) (*miniredis.Miniredis, *storage.Cache) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, storage.NewCacheFromClient(rdb, time.Second)
}

var testOpts = Options{
	KeyPrefix:   "utmc",
	LookupTTL:   30 * 24 * time.Hour,
	ResponseTTL: 7 * 24 * time.Hour,
}

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func campaign(id, site, src, med, camp, status string) storage.CampaignRow {
	return storage.CampaignRow{
		ID:        id,
		SiteID:    site,
		Name:      "campaign-" + id,
		Key:       storage.CampaignKey{Source: src, Medium: med, Campaign: camp},
		Status:    status,
		Headline:  "Headline " + id,
		CTA:       "CTA " + id,
		CreatedAt: t0,
	}
}
