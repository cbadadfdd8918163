package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"utm-content-engine/internal/config"
)

var (
	ErrSiteNotFound      = errors.New("site not found")
	ErrCampaignNotFound  = errors.New("campaign not found")
	ErrDuplicateCampaign = errors.New("campaign with the same utm tuple already exists for site")
	ErrInvalidCampaign   = errors.New("invalid campaign")
)

const (
	StatusActive = "active"
	StatusDraft  = "draft"
	StatusPaused = "paused"

	maxBullets = 5

	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

//go:embed schema.sql
var schemaSQL string

type Store struct {
	pool    *pgxpool.Pool
	db      *sql.DB
	timeout time.Duration
}

// CampaignKey is the three-part targeting key. Absent fields are stored as "".
type CampaignKey struct {
	Source   string
	Medium   string
	Campaign string
}

type CampaignRow struct {
	ID             string
	SiteID         string
	Name           string
	Key            CampaignKey
	Status         string
	Headline       string // "" when NULL
	Subheadline    string
	CTA            string
	Bullets        []string
	LandingPageURL string
	CreatedAt      time.Time
}

type EventRow struct {
	SiteID      string
	Type        string
	Segment     string
	UTMSource   string
	UTMMedium   string
	UTMCampaign string
	UTMContent  string
	UTMTerm     string
	GCLID       string
	FBCLID      string
	Revenue     *float64
	IsHoldout   bool
}

func New(ctx context.Context, cfg config.Config) (*Store, error) {
	dsn := cfg.DSN()
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres DSN: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.Postgres.MaxOpenConns)
	poolCfg.MinConns = int32(cfg.Postgres.MaxIdleConns)
	poolCfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	return &Store{
		pool:    pool,
		db:      stdlib.OpenDBFromPool(pool),
		timeout: cfg.Store.QueryTimeout,
	}, nil
}

// NewWithDB wraps an existing *sql.DB. The returned store has no pgx pool, so
// it cannot back the change listener.
func NewWithDB(db *sql.DB, timeout time.Duration) *Store {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Store{db: db, timeout: timeout}
}

func (s *Store) Close() {
	if s.db != nil {
		_ = s.db.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.db.PingContext(ctx)
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// FindActiveCampaign resolves the site and then its earliest-created active
// campaign whose three utm fields all equal key. It never partial-matches.
func (s *Store) FindActiveCampaign(ctx context.Context, siteID string, key CampaignKey) (CampaignRow, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var accountID string
	err := s.db.QueryRowContext(ctx, `SELECT account_id FROM sites WHERE id = $1`, siteID).Scan(&accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return CampaignRow{}, ErrSiteNotFound
	}
	if err != nil {
		return CampaignRow{}, fmt.Errorf("query site: %w", err)
	}

	var (
		c                       = CampaignRow{SiteID: siteID, Key: key}
		headline, sub, cta, lpu sql.NullString
		bullets                 []byte
	)
	err = s.db.QueryRowContext(ctx, `
		SELECT id::text, name, status, headline, subheadline, cta, bullets, landing_page_url, created_at
		FROM campaigns
		WHERE site_id = $1
		  AND status = 'active'
		  AND deleted_at IS NULL
		  AND utm_source = $2
		  AND utm_medium = $3
		  AND utm_campaign = $4
		ORDER BY created_at ASC, id ASC
		LIMIT 1
	`, siteID, key.Source, key.Medium, key.Campaign).Scan(
		&c.ID, &c.Name, &c.Status, &headline, &sub, &cta, &bullets, &lpu, &c.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return CampaignRow{}, ErrCampaignNotFound
	}
	if err != nil {
		return CampaignRow{}, fmt.Errorf("query campaign: %w", err)
	}

	c.Headline, c.Subheadline, c.CTA, c.LandingPageURL = headline.String, sub.String, cta.String, lpu.String
	if len(bullets) > 0 {
		if err := json.Unmarshal(bullets, &c.Bullets); err != nil {
			return CampaignRow{}, fmt.Errorf("decode bullets for campaign %s: %w", c.ID, err)
		}
	}
	return c, nil
}

// InsertCampaign creates a campaign. Duplicate utm tuples within a site are
// rejected with ErrDuplicateCampaign; the existing row is never overwritten.
func (s *Store) InsertCampaign(ctx context.Context, c CampaignRow) (CampaignRow, error) {
	switch c.Status {
	case StatusActive, StatusDraft, StatusPaused:
	case "":
		c.Status = StatusDraft
	default:
		return CampaignRow{}, fmt.Errorf("%w: unknown status %q", ErrInvalidCampaign, c.Status)
	}
	if strings.TrimSpace(c.SiteID) == "" || strings.TrimSpace(c.Name) == "" {
		return CampaignRow{}, fmt.Errorf("%w: site id and name are required", ErrInvalidCampaign)
	}
	if len(c.Bullets) > maxBullets {
		return CampaignRow{}, fmt.Errorf("%w: at most %d bullets", ErrInvalidCampaign, maxBullets)
	}
	if c.Bullets == nil {
		c.Bullets = []string{}
	}
	bullets, err := json.Marshal(c.Bullets)
	if err != nil {
		return CampaignRow{}, fmt.Errorf("encode bullets: %w", err)
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	err = s.db.QueryRowContext(ctx, `
		INSERT INTO campaigns (id, site_id, name, utm_source, utm_medium, utm_campaign, status,
		                       headline, subheadline, cta, bullets, landing_page_url)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11::jsonb, $12)
		RETURNING created_at
	`, c.ID, c.SiteID, c.Name, c.Key.Source, c.Key.Medium, c.Key.Campaign, c.Status,
		nullString(c.Headline), nullString(c.Subheadline), nullString(c.CTA), string(bullets),
		nullString(c.LandingPageURL),
	).Scan(&c.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case pgUniqueViolation:
				return CampaignRow{}, ErrDuplicateCampaign
			case pgForeignKeyViolation:
				return CampaignRow{}, ErrSiteNotFound
			}
		}
		return CampaignRow{}, fmt.Errorf("insert campaign: %w", err)
	}
	return c, nil
}

// RecordEvent stores an interaction event for a known site.
func (s *Store) RecordEvent(ctx context.Context, e EventRow) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var revenue sql.NullFloat64
	if e.Revenue != nil {
		revenue = sql.NullFloat64{Float64: *e.Revenue, Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO events (id, site_id, type, segment, utm_source, utm_medium, utm_campaign,
		                    utm_content, utm_term, gclid, fbclid, revenue, is_holdout)
		SELECT $1, s.id, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13
		FROM sites s
		WHERE s.id = $2
	`, uuid.NewString(), e.SiteID, e.Type, e.Segment, e.UTMSource, e.UTMMedium, e.UTMCampaign,
		e.UTMContent, e.UTMTerm, e.GCLID, e.FBCLID, revenue, e.IsHoldout)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if n == 0 {
		return ErrSiteNotFound
	}
	return nil
}

func (s *Store) PgxPool() *pgxpool.Pool {
	if s.pool == nil {
		panic(errors.New("pgx pool is nil"))
	}
	return s.pool
}

func nullString(v string) sql.NullString {
	if strings.TrimSpace(v) == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}
