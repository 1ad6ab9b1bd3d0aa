package db

import (
	"context"
	"errors"
	"fmt"

	kivik "github.com/go-kivik/kivik/v4"
	_ "github.com/go-kivik/kivik/v4/couchdb" // The CouchDB driver
	"github.com/google/uuid"
)

// articleNamespace derives a deterministic document id from an article URL,
// which gives the articles database a unique index on URL: upserting the
// same link twice always hits the same document.
var articleNamespace = uuid.MustParse("7b1c92aa-3a49-4e24-9d07-d1b0a0e6b8f1")

// ErrSourceNotFound is returned for source names with no configuration.
var ErrSourceNotFound = errors.New("source not found")

// ErrArticleNotFound is returned for document ids with no stored article.
var ErrArticleNotFound = errors.New("article not found")

// ArticleID returns the document id for an article URL.
func ArticleID(url string) string {
	return uuid.NewSHA1(articleNamespace, []byte(url)).String()
}

// Sentiment is the aggregated sentiment of one article.
type Sentiment struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// Classification is the zero-shot topic classification of one article.
type Classification struct {
	Label  string             `json:"label"`
	Scores map[string]float64 `json:"scores,omitempty"`
}

// Article is the document stored per scraped news article.
type Article struct {
	ID             string          `json:"_id,omitempty"`
	Rev            string          `json:"_rev,omitempty"`
	URL            string          `json:"url"`
	Title          string          `json:"title"`
	Source         string          `json:"source"`
	Date           string          `json:"date"` // ISO date of publication
	Content        string          `json:"content,omitempty"`
	Summary        string          `json:"summary,omitempty"`
	Sentiment      *Sentiment      `json:"sentiment,omitempty"`
	Classification *Classification `json:"classification,omitempty"`
}

// SourceConfig describes how one news source is scraped.
type SourceConfig struct {
	ID   string `json:"_id,omitempty"`
	Rev  string `json:"_rev,omitempty"`
	Name string `json:"name"`

	// URLTemplate carries {year}/{month}/{day} placeholders and an
	// optional {page} placeholder that selects the pagination strategy.
	URLTemplate string `json:"url_template"`

	// ArticleSelector is the CSS class wrapping one article teaser.
	ArticleSelector string `json:"article_selector"`

	// ButtonSelector, when set, selects the load-more traversal strategy.
	ButtonSelector string `json:"button_selector,omitempty"`

	// ContentSelector locates the article body on the detail page.
	ContentSelector string `json:"content_selector,omitempty"`

	// DateFormat is the Go reference layout of dates on teaser elements
	// (default 2006-01-02).
	DateFormat string `json:"date_format,omitempty"`
}

// ArticleStore defines document store access for articles and source
// configurations. The interface allows mocking in worker tests.
type ArticleStore interface {
	// GetSource retrieves a source configuration by name.
	GetSource(ctx context.Context, name string) (*SourceConfig, error)

	// GetArticle retrieves an article by document id.
	GetArticle(ctx context.Context, id string) (*Article, error)

	// BulkUpsertArticles saves articles keyed by URL and returns the
	// document ids in input order. Conflicting revisions are refreshed
	// and retried once.
	BulkUpsertArticles(ctx context.Context, articles []Article) ([]string, error)

	// UpdateArticle saves an enriched article back, preserving revision.
	UpdateArticle(ctx context.Context, article *Article) error

	// Ping reports whether the store is reachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}

const (
	articlesDB = "articles"
	sourcesDB  = "sources"
)

// CouchArticleStore implements ArticleStore on CouchDB via Kivik.
type CouchArticleStore struct {
	client   *kivik.Client
	articles *kivik.DB
	sources  *kivik.DB
}

// NewCouchArticleStore connects to CouchDB and ensures both databases exist.
func NewCouchArticleStore(url string) (*CouchArticleStore, error) {
	client, err := kivik.New("couch", url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to CouchDB: %w", err)
	}

	ctx := context.Background()
	for _, name := range []string{articlesDB, sourcesDB} {
		exists, err := client.DBExists(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("failed to check if database %s exists: %w", name, err)
		}
		if !exists {
			if err := client.CreateDB(ctx, name); err != nil {
				return nil, fmt.Errorf("failed to create database %s: %w", name, err)
			}
		}
	}

	return &CouchArticleStore{
		client:   client,
		articles: client.DB(articlesDB),
		sources:  client.DB(sourcesDB),
	}, nil
}

// GetSource retrieves a source configuration by name. Source documents are
// stored under their name as document id.
func (s *CouchArticleStore) GetSource(ctx context.Context, name string) (*SourceConfig, error) {
	row := s.sources.Get(ctx, name)
	if row.Err() != nil {
		if kivik.HTTPStatus(row.Err()) == 404 {
			return nil, fmt.Errorf("%w: %s", ErrSourceNotFound, name)
		}
		return nil, fmt.Errorf("failed to get source %s: %w", name, row.Err())
	}

	var source SourceConfig
	if err := row.ScanDoc(&source); err != nil {
		return nil, fmt.Errorf("failed to scan source %s: %w", name, err)
	}
	return &source, nil
}

// GetArticle retrieves an article by document id.
func (s *CouchArticleStore) GetArticle(ctx context.Context, id string) (*Article, error) {
	row := s.articles.Get(ctx, id)
	if row.Err() != nil {
		if kivik.HTTPStatus(row.Err()) == 404 {
			return nil, fmt.Errorf("%w: %s", ErrArticleNotFound, id)
		}
		return nil, fmt.Errorf("failed to get article %s: %w", id, row.Err())
	}

	var article Article
	if err := row.ScanDoc(&article); err != nil {
		return nil, fmt.Errorf("failed to scan article %s: %w", id, err)
	}
	return &article, nil
}

// BulkUpsertArticles saves articles keyed by URL in a single BulkDocs call.
// Documents that conflict (already stored from an earlier scrape) are
// re-read for their revision and retried once.
func (s *CouchArticleStore) BulkUpsertArticles(ctx context.Context, articles []Article) ([]string, error) {
	if len(articles) == 0 {
		return nil, nil
	}

	docs := make([]interface{}, len(articles))
	ids := make([]string, len(articles))
	for i := range articles {
		articles[i].ID = ArticleID(articles[i].URL)
		ids[i] = articles[i].ID
		docs[i] = articles[i]
	}

	results, err := s.articles.BulkDocs(ctx, docs)
	if err != nil {
		return nil, fmt.Errorf("failed to bulk save articles: %w", err)
	}

	for i, result := range results {
		if result.Error == nil {
			continue
		}
		// Conflict: fetch the stored revision and retry the single doc.
		existing, err := s.GetArticle(ctx, articles[i].ID)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve conflict for %s: %w", articles[i].URL, err)
		}
		articles[i].Rev = existing.Rev
		if _, err := s.articles.Put(ctx, articles[i].ID, articles[i]); err != nil {
			return nil, fmt.Errorf("failed to upsert article %s: %w", articles[i].URL, err)
		}
	}

	return ids, nil
}

// UpdateArticle saves an enriched article back under its current revision.
func (s *CouchArticleStore) UpdateArticle(ctx context.Context, article *Article) error {
	if article.ID == "" {
		article.ID = ArticleID(article.URL)
	}
	rev, err := s.articles.Put(ctx, article.ID, article)
	if err != nil {
		return fmt.Errorf("failed to update article %s: %w", article.ID, err)
	}
	article.Rev = rev
	return nil
}

// Ping checks that the CouchDB server responds.
func (s *CouchArticleStore) Ping(ctx context.Context) error {
	if _, err := s.client.Version(ctx); err != nil {
		return fmt.Errorf("document store unreachable: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *CouchArticleStore) Close() error {
	return s.client.Close()
}
