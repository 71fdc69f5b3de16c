// Package store provides Postgres-backed persistence for bookmark crawl
// results and their asset records.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/adam-versed/karakeep-x-scrape-sub000/internal/bookmarks"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// querier is the subset of pgxpool.Pool the store needs. pgxmock satisfies
// it as well.
type querier interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// BookmarkStore implements bookmarks.BookmarkStore on Postgres.
type BookmarkStore struct {
	pool   querier
	logger *zap.Logger
}

// New connects a BookmarkStore using the provided config.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*BookmarkStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewWithPool(pool, logger)
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(pool querier, logger *zap.Logger) (*BookmarkStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BookmarkStore{pool: pool, logger: logger}, nil
}

// Close releases the underlying pool resources.
func (s *BookmarkStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

const updateLinkCrawlSQL = `
UPDATE bookmarks SET
	title = $3,
	description = $4,
	author = $5,
	publisher = $6,
	image_url = $7,
	favicon = $8,
	content = $9,
	html_content = $10,
	date_published = $11,
	date_modified = $12,
	crawled_at = $13,
	crawl_status = 'success'
WHERE id = $1 AND user_id = $2`

// UpdateLinkCrawl persists the crawl outcome for a link bookmark and upserts
// its asset records in one transaction. Asset records of a kind being written
// are replaced; the superseded records are returned so the caller can delete
// their blobs after commit. Image URLs carrying raw data URIs are refused and
// stored as empty instead.
func (s *BookmarkStore) UpdateLinkCrawl(ctx context.Context, update bookmarks.LinkCrawlUpdate) ([]bookmarks.Asset, error) {
	if update.BookmarkID == "" {
		return nil, fmt.Errorf("%w: bookmark id is required", bookmarks.ErrValidation)
	}
	imageURL := update.ImageURL
	if strings.HasPrefix(imageURL, "data:") {
		s.logger.Warn("refusing to store data-URI image url", zap.String("bookmark_id", update.BookmarkID))
		imageURL = ""
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, updateLinkCrawlSQL,
		update.BookmarkID,
		update.UserID,
		update.Title,
		update.Description,
		update.Author,
		update.Publisher,
		imageURL,
		update.Favicon,
		update.Content,
		update.HTMLContent,
		update.DatePublished,
		update.DateModified,
		update.CrawledAt,
	)
	if err != nil {
		return nil, fmt.Errorf("update bookmark link: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, fmt.Errorf("bookmark %s not found", update.BookmarkID)
	}

	var superseded []bookmarks.Asset
	for _, asset := range update.Assets {
		old, err := s.replaceAsset(ctx, tx, update.BookmarkID, update.UserID, asset)
		if err != nil {
			return nil, err
		}
		superseded = append(superseded, old...)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return superseded, nil
}

// replaceAsset swaps any existing records of the asset's kind for the new
// record, returning the replaced rows.
func (s *BookmarkStore) replaceAsset(ctx context.Context, tx pgx.Tx, bookmarkID, userID string, asset bookmarks.Asset) ([]bookmarks.Asset, error) {
	rows, err := tx.Query(ctx,
		`SELECT id, content_type, size, file_name FROM bookmark_assets WHERE bookmark_id = $1 AND kind = $2`,
		bookmarkID, string(asset.Kind),
	)
	if err != nil {
		return nil, fmt.Errorf("select superseded assets: %w", err)
	}
	var old []bookmarks.Asset
	for rows.Next() {
		prev := bookmarks.Asset{BookmarkID: bookmarkID, UserID: userID, Kind: asset.Kind}
		if err := rows.Scan(&prev.ID, &prev.ContentType, &prev.Size, &prev.FileName); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan superseded asset: %w", err)
		}
		old = append(old, prev)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read superseded assets: %w", err)
	}

	if len(old) > 0 {
		if _, err := tx.Exec(ctx,
			`DELETE FROM bookmark_assets WHERE bookmark_id = $1 AND kind = $2`,
			bookmarkID, string(asset.Kind),
		); err != nil {
			return nil, fmt.Errorf("delete superseded assets: %w", err)
		}
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO bookmark_assets (id, bookmark_id, user_id, kind, content_type, size, file_name)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		asset.ID, bookmarkID, userID, string(asset.Kind), asset.ContentType, asset.Size, asset.FileName,
	); err != nil {
		return nil, fmt.Errorf("insert asset record: %w", err)
	}
	return old, nil
}

// ConvertToAsset switches a bookmark from link to asset type in one
// transaction: link-specific fields are cleared and an asset record is
// inserted for the stored binary.
func (s *BookmarkStore) ConvertToAsset(ctx context.Context, bookmarkID string, asset bookmarks.Asset) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE bookmarks SET
			type = 'asset',
			title = COALESCE(NULLIF(title, ''), $3),
			description = NULL,
			content = NULL,
			html_content = NULL,
			crawled_at = $4,
			crawl_status = 'success'
		 WHERE id = $1 AND user_id = $2`,
		bookmarkID, asset.UserID, asset.FileName, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("convert bookmark to asset: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("bookmark %s not found", bookmarkID)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO bookmark_assets (id, bookmark_id, user_id, kind, content_type, size, file_name)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		asset.ID, bookmarkID, asset.UserID, string(asset.Kind), asset.ContentType, asset.Size, asset.FileName,
	); err != nil {
		return fmt.Errorf("insert asset record: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// AttachAsset upserts a single asset record in its own transaction and
// returns the records it superseded.
func (s *BookmarkStore) AttachAsset(ctx context.Context, bookmarkID string, asset bookmarks.Asset) ([]bookmarks.Asset, error) {
	if bookmarkID == "" {
		return nil, fmt.Errorf("%w: bookmark id is required", bookmarks.ErrValidation)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	superseded, err := s.replaceAsset(ctx, tx, bookmarkID, asset.UserID, asset)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return superseded, nil
}

// GetPrecrawledArchive returns the precrawled-archive asset attached to a
// bookmark, if any. A missing record is not an error.
func (s *BookmarkStore) GetPrecrawledArchive(ctx context.Context, bookmarkID string) (bookmarks.Asset, bool, error) {
	asset := bookmarks.Asset{BookmarkID: bookmarkID, Kind: bookmarks.AssetPrecrawledArchive}
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, content_type, size, file_name FROM bookmark_assets
		 WHERE bookmark_id = $1 AND kind = $2`,
		bookmarkID, string(bookmarks.AssetPrecrawledArchive),
	).Scan(&asset.ID, &asset.UserID, &asset.ContentType, &asset.Size, &asset.FileName)
	if errors.Is(err, pgx.ErrNoRows) {
		return bookmarks.Asset{}, false, nil
	}
	if err != nil {
		return bookmarks.Asset{}, false, fmt.Errorf("query precrawled archive: %w", err)
	}
	return asset, true, nil
}
