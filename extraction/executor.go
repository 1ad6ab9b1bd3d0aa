package extraction

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"veritas.evalgo.org/common"
	"veritas.evalgo.org/db"
)

const dateLayout = "2006-01-02"

// urlDatePattern recovers a publication date embedded in an article link when
// the teaser carries no <time> element.
var urlDatePattern = regexp.MustCompile(`/(\d{4})/(\d{1,2})/(\d{1,2})/`)

// Input is the extraction task payload.
type Input struct {
	// Sources names the source configurations to scrape.
	Sources []string `json:"sources"`

	// DateBase is the newest date to scrape (ISO date). The walk runs
	// backwards from here.
	DateBase string `json:"date_base"`

	// DateCutoff is the oldest date (exclusive).
	DateCutoff string `json:"date_cutoff"`
}

// Config holds the extraction worker dependencies.
type Config struct {
	// Store is the article document store
	Store db.ArticleStore

	// Fetcher retrieves pages with plain requests
	Fetcher Fetcher

	// Renderer is the optional browser render service for load-more
	// listings and script-heavy pages
	Renderer Renderer

	// MaxPages bounds pagination per listing date (default 50)
	MaxPages int

	// Logger for scrape events
	Logger *logrus.Entry
}

// Executor scrapes article teasers and bodies for a date range.
type Executor struct {
	store    db.ArticleStore
	fetcher  Fetcher
	renderer Renderer
	maxPages int
	logger   *logrus.Entry
}

// NewExecutor creates the extraction executor.
func NewExecutor(config Config) *Executor {
	if config.MaxPages <= 0 {
		config.MaxPages = 50
	}
	logger := config.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Executor{
		store:    config.Store,
		fetcher:  config.Fetcher,
		renderer: config.Renderer,
		maxPages: config.MaxPages,
		logger:   logger.WithField("component", "extraction"),
	}
}

// Stage returns the stage name served by this executor.
func (e *Executor) Stage() string {
	return common.StageExtraction
}

// Execute scrapes every requested source over the date range and bulk
// upserts the collected articles. The success payload carries the stored
// document ids for the fan-out into transformation.
func (e *Executor) Execute(ctx context.Context, task *common.TaskMessage) (map[string]interface{}, error) {
	var input Input
	if err := common.PayloadToStruct(task.Payload, &input); err != nil {
		return nil, common.NewTaskError(common.KindBadInput, "invalid extraction payload: %v", err)
	}
	if len(input.Sources) == 0 {
		return nil, common.NewTaskError(common.KindBadInput, "extraction payload names no sources")
	}

	base, cutoff, err := parseDateRange(input.DateBase, input.DateCutoff)
	if err != nil {
		return nil, common.NewTaskError(common.KindBadInput, "%v", err)
	}

	var articles []db.Article
	for _, name := range input.Sources {
		source, err := e.store.GetSource(ctx, name)
		if errors.Is(err, db.ErrSourceNotFound) {
			return nil, common.NewTaskError(common.KindBadInput, "unknown source %q", name)
		}
		if err != nil {
			return nil, common.NewTaskError(common.KindTransientUpstream, "failed to load source %q: %v", name, err)
		}

		scraped, err := e.scrapeSource(ctx, source, base, cutoff)
		if err != nil {
			return nil, err
		}
		articles = append(articles, scraped...)
	}

	ids, err := e.store.BulkUpsertArticles(ctx, articles)
	if err != nil {
		return nil, common.NewTaskError(common.KindTransientUpstream, "failed to store articles: %v", err)
	}

	e.logger.WithFields(logrus.Fields{
		"correlation_id": task.CorrelationID,
		"sources":        input.Sources,
		"article_count":  len(ids),
	}).Info("Extraction finished")

	if ids == nil {
		ids = []string{}
	}
	return map[string]interface{}{
		"article_ids":   ids,
		"article_count": len(ids),
	}, nil
}

// parseDateRange validates the walk boundaries. The base must not precede
// the cutoff; an equal pair is widened by one day so the single base date
// is scraped.
func parseDateRange(baseStr, cutoffStr string) (time.Time, time.Time, error) {
	base, err := time.Parse(dateLayout, baseStr)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid date_base %q", baseStr)
	}
	cutoff, err := time.Parse(dateLayout, cutoffStr)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid date_cutoff %q", cutoffStr)
	}
	if base.Before(cutoff) {
		return time.Time{}, time.Time{}, fmt.Errorf("date_base %s precedes date_cutoff %s", baseStr, cutoffStr)
	}
	if base.Equal(cutoff) {
		cutoff = cutoff.AddDate(0, 0, -1)
	}
	return base, cutoff, nil
}

// scrapeSource walks the date range backwards and collects articles with the
// source's traversal strategy. Individual page failures are logged and
// skipped; the scrape keeps what it could collect.
func (e *Executor) scrapeSource(ctx context.Context, source *db.SourceConfig, base, cutoff time.Time) ([]db.Article, error) {
	log := e.logger.WithField("source", source.Name)

	seen := map[string]bool{}
	var collected []teaser

	for day := base; day.After(cutoff); day = day.AddDate(0, 0, -1) {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		listingURL := expandTemplate(source.URLTemplate, day)
		var teasers []teaser

		switch {
		case strings.Contains(source.URLTemplate, "{page}"):
			teasers = e.collectPaginated(ctx, source, listingURL, day, base, cutoff)
		case source.ButtonSelector != "":
			teasers = e.collectLoadMore(ctx, source, listingURL, day, base, cutoff)
		default:
			page, err := e.fetcher.Get(ctx, listingURL)
			if err != nil {
				log.WithError(err).Warn("Failed to fetch listing page")
				continue
			}
			teasers, _ = e.collect(source, page, listingURL, day, base, cutoff)
		}

		for _, t := range teasers {
			if !seen[t.link] {
				seen[t.link] = true
				collected = append(collected, t)
			}
		}
	}

	log.WithField("teasers", len(collected)).Info("Collected article teasers")
	return e.fetchContents(ctx, source, collected)
}

// collectPaginated walks {page} numbers upward until a page yields nothing
// or crosses the cutoff.
func (e *Executor) collectPaginated(ctx context.Context, source *db.SourceConfig, listingURL string, day, base, cutoff time.Time) []teaser {
	var all []teaser
	for page := 1; page <= e.maxPages; page++ {
		pageURL := strings.ReplaceAll(listingURL, "{page}", fmt.Sprintf("%d", page))
		content, err := e.fetcher.Get(ctx, pageURL)
		if err != nil {
			e.logger.WithError(err).WithField("url", pageURL).Warn("Failed to fetch listing page")
			break
		}

		teasers, older := e.collect(source, content, pageURL, day, base, cutoff)
		all = append(all, teasers...)
		if len(teasers) == 0 || older {
			break
		}
	}
	return all
}

// collectLoadMore asks the render service for the listing with its load-more
// button exhausted, then collects from the complete page.
func (e *Executor) collectLoadMore(ctx context.Context, source *db.SourceConfig, listingURL string, day, base, cutoff time.Time) []teaser {
	if e.renderer == nil {
		e.logger.WithField("source", source.Name).Warn("Load-more source without a render service, using the plain page")
		content, err := e.fetcher.Get(ctx, listingURL)
		if err != nil {
			return nil
		}
		teasers, _ := e.collect(source, content, listingURL, day, base, cutoff)
		return teasers
	}

	content, err := e.renderer.Render(ctx, listingURL, source.ButtonSelector)
	if err != nil {
		e.logger.WithError(err).WithField("url", listingURL).Warn("Failed to render listing page")
		return nil
	}
	teasers, _ := e.collect(source, content, listingURL, day, base, cutoff)
	return teasers
}

// collect parses teasers out of one listing page and filters them by date.
// Returns the teasers inside the range and whether one older than the
// cutoff was encountered, which stops the traversal.
func (e *Executor) collect(source *db.SourceConfig, content, pageURL string, day, base, cutoff time.Time) ([]teaser, bool) {
	root, err := parsePage(content)
	if err != nil {
		e.logger.WithError(err).WithField("url", pageURL).Warn("Failed to parse listing page")
		return nil, false
	}

	layout := source.DateFormat
	if layout == "" {
		layout = dateLayout
	}

	var valid []teaser
	for _, node := range elementsByClass(root, source.ArticleSelector) {
		t, ok := parseTeaser(node, pageURL)
		if !ok {
			e.logger.WithField("source", source.Name).Warn("Teaser without a link, skipping")
			continue
		}

		published, ok := resolveDate(t, layout, day)
		if !ok {
			continue
		}
		if published.After(base) {
			continue
		}
		if published.Before(cutoff) {
			return valid, true
		}

		t.date = published.Format(dateLayout)
		valid = append(valid, t)
	}
	return valid, false
}

// resolveDate parses the teaser date, falling back to a date embedded in
// the link and finally to the listing's walk date.
func resolveDate(t teaser, layout string, day time.Time) (time.Time, bool) {
	if t.date != "" {
		if published, err := time.Parse(layout, t.date); err == nil {
			return published, true
		}
	}
	if match := urlDatePattern.FindStringSubmatch(t.link); match != nil {
		if published, err := time.Parse(dateLayout, fmt.Sprintf("%s-%s-%s", match[1], pad2(match[2]), pad2(match[3]))); err == nil {
			return published, true
		}
	}
	return day, true
}

func pad2(s string) string {
	if len(s) == 1 {
		return "0" + s
	}
	return s
}

// fetchContents retrieves the article bodies, requests first with a render
// fallback. Articles whose body cannot be fetched are skipped.
func (e *Executor) fetchContents(ctx context.Context, source *db.SourceConfig, teasers []teaser) ([]db.Article, error) {
	var articles []db.Article
	for _, t := range teasers {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		content, err := e.fetcher.Get(ctx, t.link)
		if err != nil && e.renderer != nil {
			e.logger.WithError(err).WithField("url", t.link).Debug("Plain fetch failed, rendering")
			content, err = e.renderer.Render(ctx, t.link, "")
		}
		if err != nil {
			e.logger.WithError(err).WithField("url", t.link).Warn("Failed to fetch article body, skipping")
			continue
		}

		body := ""
		if root, parseErr := parsePage(content); parseErr == nil {
			body = extractContent(root, source.ContentSelector)
		}

		articles = append(articles, db.Article{
			URL:     t.link,
			Title:   t.title,
			Source:  source.Name,
			Date:    t.date,
			Content: body,
		})
	}
	return articles, nil
}

// expandTemplate fills the {year}/{month}/{day} placeholders for one walk
// date. A {page} placeholder is left for the pagination strategy.
func expandTemplate(template string, day time.Time) string {
	out := strings.ReplaceAll(template, "{year}", fmt.Sprintf("%d", day.Year()))
	out = strings.ReplaceAll(out, "{month}", fmt.Sprintf("%02d", int(day.Month())))
	out = strings.ReplaceAll(out, "{day}", fmt.Sprintf("%02d", day.Day()))
	return out
}
