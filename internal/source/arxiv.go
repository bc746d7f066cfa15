package source

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pep299/daily-digest/internal/model"
)

// KindArxiv queries the arXiv Atom API.
const KindArxiv = "arxiv"

const (
	defaultArxivURL        = "https://export.arxiv.org/api/query"
	defaultArxivMaxResults = 100
)

var arxivVersion = regexp.MustCompile(`v\d+$`)

type arxivFeed struct {
	Entries []arxivEntry `xml:"entry"`
}

type arxivEntry struct {
	ID        string     `xml:"id"`
	Title     string     `xml:"title"`
	Summary   string     `xml:"summary"`
	Published string     `xml:"published"`
	Updated   string     `xml:"updated"`
	Links     []atomLink `xml:"link"`
}

// ArxivAdapter fetches the newest submissions matching a search query.
type ArxivAdapter struct {
	cfg       Config
	opts      Options
	userAgent string
}

// NewArxivAdapter is the Factory for KindArxiv.
func NewArxivAdapter(cfg Config, opts Options) (Adapter, error) {
	if cfg.Query == "" {
		return nil, errors.New("arxiv query is required")
	}
	if cfg.URL == "" {
		cfg.URL = defaultArxivURL
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = defaultArxivMaxResults
	}

	// arXiv asks API clients to identify themselves with a contact address.
	userAgent := opts.UserAgent
	if opts.ContactEmail != "" {
		userAgent = fmt.Sprintf("%s (%s)", opts.UserAgent, opts.ContactEmail)
	}
	return &ArxivAdapter{cfg: cfg, opts: opts, userAgent: userAgent}, nil
}

func (a *ArxivAdapter) ID() string { return a.cfg.ID }

// Fetch queries newest first and stops at the first entry older than since.
func (a *ArxivAdapter) Fetch(ctx context.Context, since time.Time) ([]model.Item, error) {
	resp, err := get(ctx, a.opts.HTTPClient, a.queryURL(), a.userAgent, "application/atom+xml")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	return a.parse(body, since)
}

func (a *ArxivAdapter) queryURL() string {
	params := url.Values{}
	params.Set("search_query", a.cfg.Query)
	params.Set("sortBy", "submittedDate")
	params.Set("sortOrder", "descending")
	params.Set("start", "0")
	params.Set("max_results", strconv.Itoa(a.cfg.MaxResults))
	return a.cfg.URL + "?" + params.Encode()
}

func (a *ArxivAdapter) parse(body []byte, since time.Time) ([]model.Item, error) {
	var feed arxivFeed
	if err := xml.Unmarshal(body, &feed); err != nil {
		return nil, fmt.Errorf("parsing arxiv response: %w", err)
	}

	var (
		items []model.Item
		errs  ItemErrors
	)
	for i, e := range feed.Entries {
		paperID := PaperID(e.ID)
		if paperID == "" {
			errs = append(errs, &model.ParseError{SourceID: a.cfg.ID, Ref: fmt.Sprintf("entry[%d]", i), Err: errors.New("entry has no id")})
			continue
		}

		published, err := parseFeedDate(e.Published)
		if err != nil {
			errs = append(errs, &model.ParseError{SourceID: a.cfg.ID, Ref: paperID, Err: err})
			continue
		}
		if !since.IsZero() && published.Before(since) {
			break
		}

		items = append(items, model.Item{
			SourceID:    a.cfg.ID,
			ExternalID:  arxivVersion.ReplaceAllString(paperID, ""),
			Title:       strings.Join(strings.Fields(e.Title), " "),
			URL:         arxivLink(e.Links, e.ID),
			PublishedAt: published,
			RawExcerpt:  strings.Join(strings.Fields(e.Summary), " "),
		})
	}

	if len(errs) > 0 {
		return items, errs
	}
	return items, nil
}

// PaperID returns the last path segment of an arXiv entry id, e.g. 2401.00001v2.
func PaperID(entryID string) string {
	entryID = strings.TrimRight(strings.TrimSpace(entryID), "/")
	if entryID == "" {
		return ""
	}
	return entryID[strings.LastIndex(entryID, "/")+1:]
}

// arxivLink prefers the abstract page, then the PDF, then the entry id.
func arxivLink(links []atomLink, entryID string) string {
	var pdf string
	for _, l := range links {
		switch {
		case l.Rel == "alternate":
			return l.Href
		case l.Title == "pdf" && pdf == "":
			pdf = l.Href
		}
	}
	if pdf != "" {
		return pdf
	}
	return strings.TrimSpace(entryID)
}
