package content

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// The sink keeps job artifacts durable with a deliberately minimal schema;
// full article/report modelling belongs to the surrounding system.

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS articles (
  id TEXT PRIMARY KEY,
  owner_id TEXT NOT NULL,
  url TEXT NOT NULL UNIQUE,
  title TEXT NOT NULL DEFAULT '',
  summary TEXT NOT NULL DEFAULT '',
  tags TEXT NOT NULL DEFAULT '[]',
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_articles_owner_created ON articles(owner_id, created_at);
CREATE TABLE IF NOT EXISTS reports (
  id TEXT PRIMARY KEY,
  owner_id TEXT NOT NULL,
  title TEXT NOT NULL,
  report_type TEXT NOT NULL,
  body TEXT NOT NULL,
  period_start DATETIME NOT NULL,
  period_end DATETIME NOT NULL,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_reports_owner_created ON reports(owner_id, created_at);
`
	_, err := db.Exec(schema)
	return err
}

type Article struct {
	ID      string
	OwnerID string
	URL     string
	Title   string
	Summary string
	Tags    []string
}

type Report struct {
	ID          string
	OwnerID     string
	Title       string
	ReportType  string
	Body        string
	PeriodStart time.Time
	PeriodEnd   time.Time
}

// UpsertResult says what an article upsert did.
type UpsertResult int

const (
	Created UpsertResult = iota
	Updated
	Duplicate
)

// Store is the persistence collaborator jobs write their artifacts through.
type Store interface {
	// UpsertArticle creates the article, or — when the URL already exists —
	// either reports a duplicate (skipDuplicates) or refreshes it.
	UpsertArticle(ctx context.Context, a Article, skipDuplicates bool) (UpsertResult, string, error)
	SaveReport(ctx context.Context, r Report) (string, error)
	// ListArticleTitles feeds report prompts with the period's material.
	ListArticleTitles(ctx context.Context, ownerID string, from, to time.Time, limit int) ([]string, error)
	CountArticles(ctx context.Context, ownerID string, from, to time.Time) (int, error)
}

type sqliteStore struct{ db *sql.DB }

func NewSQLiteStore(db *sql.DB) Store { return &sqliteStore{db: db} }

func (r *sqliteStore) UpsertArticle(ctx context.Context, a Article, skipDuplicates bool) (UpsertResult, string, error) {
	var existingID string
	err := r.db.QueryRowContext(ctx, `SELECT id FROM articles WHERE url=?`, a.URL).Scan(&existingID)
	switch {
	case err == nil && skipDuplicates:
		return Duplicate, existingID, nil
	case err == nil:
		tags, _ := json.Marshal(a.Tags)
		_, uerr := r.db.ExecContext(ctx, `
UPDATE articles SET title=?,summary=?,tags=?,updated_at=CURRENT_TIMESTAMP WHERE id=?`,
			a.Title, a.Summary, string(tags), existingID)
		return Updated, existingID, uerr
	case err != sql.ErrNoRows:
		return Duplicate, "", err
	}

	id := a.ID
	if id == "" {
		id = "art_" + uuid.NewString()
	}
	tags, _ := json.Marshal(a.Tags)
	_, err = r.db.ExecContext(ctx, `
INSERT INTO articles (id,owner_id,url,title,summary,tags,created_at,updated_at)
VALUES (?,?,?,?,?,?,CURRENT_TIMESTAMP,CURRENT_TIMESTAMP)`,
		id, a.OwnerID, a.URL, a.Title, a.Summary, string(tags))
	return Created, id, err
}

func (r *sqliteStore) SaveReport(ctx context.Context, rep Report) (string, error) {
	id := rep.ID
	if id == "" {
		id = "rpt_" + uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO reports (id,owner_id,title,report_type,body,period_start,period_end,created_at)
VALUES (?,?,?,?,?,?,?,CURRENT_TIMESTAMP)`,
		id, rep.OwnerID, rep.Title, rep.ReportType, rep.Body, rep.PeriodStart.UTC(), rep.PeriodEnd.UTC())
	return id, err
}

func (r *sqliteStore) ListArticleTitles(ctx context.Context, ownerID string, from, to time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT title FROM articles WHERE owner_id=? AND created_at BETWEEN ? AND ?
ORDER BY created_at DESC LIMIT ?`, ownerID, from.UTC(), to.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var titles []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		titles = append(titles, t)
	}
	return titles, rows.Err()
}

func (r *sqliteStore) CountArticles(ctx context.Context, ownerID string, from, to time.Time) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM articles WHERE owner_id=? AND created_at BETWEEN ? AND ?`,
		ownerID, from.UTC(), to.UTC()).Scan(&n)
	return n, err
}
