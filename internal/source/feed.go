package source

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/pep299/daily-digest/internal/model"
)

// KindFeed is an RSS 2.0, RSS 1.0 (RDF) or Atom feed, including YouTube channel feeds.
const KindFeed = "feed"

// maxFeedBytes caps how much of a feed body is read.
const maxFeedBytes = 10 << 20

// feedDocument covers the three feed dialects; only the fields matching the
// root element get populated.
type feedDocument struct {
	XMLName xml.Name
	Channel struct {
		Items []feedItem `xml:"item"`
	} `xml:"channel"`
	RDFItems []feedItem  `xml:"item"`
	Entries  []atomEntry `xml:"entry"`
}

type feedItem struct {
	Title       string   `xml:"title"`
	Link        string   `xml:"link"`
	Description string   `xml:"description"`
	PubDate     string   `xml:"pubDate"`
	DCDate      string   `xml:"date"`
	GUID        string   `xml:"guid"`
	Category    []string `xml:"category"`
	Subject     []string `xml:"subject"`
}

type atomEntry struct {
	ID        string     `xml:"id"`
	VideoID   string     `xml:"videoId"`
	Title     string     `xml:"title"`
	Links     []atomLink `xml:"link"`
	Published string     `xml:"published"`
	Updated   string     `xml:"updated"`
	Summary   string     `xml:"summary"`
	Content   string     `xml:"content"`
	MediaDesc string     `xml:"group>description"`
	Category  []struct {
		Term string `xml:"term,attr"`
	} `xml:"category"`
}

type atomLink struct {
	Href  string `xml:"href,attr"`
	Rel   string `xml:"rel,attr"`
	Title string `xml:"title,attr"`
	Type  string `xml:"type,attr"`
}

// FeedAdapter reads a syndication feed.
type FeedAdapter struct {
	cfg  Config
	opts Options
}

// NewFeedAdapter is the Factory for KindFeed.
func NewFeedAdapter(cfg Config, opts Options) (Adapter, error) {
	if cfg.URL == "" {
		return nil, errors.New("feed url is required")
	}
	return &FeedAdapter{cfg: cfg, opts: opts}, nil
}

func (a *FeedAdapter) ID() string { return a.cfg.ID }

// Fetch downloads and parses the feed. Entries without any identity are
// reported as ItemErrors alongside the rest.
func (a *FeedAdapter) Fetch(ctx context.Context, since time.Time) ([]model.Item, error) {
	resp, err := get(ctx, a.opts.HTTPClient, a.cfg.URL, a.opts.UserAgent,
		"application/rss+xml, application/atom+xml, application/rdf+xml, application/xml, text/xml")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	return a.parse(body)
}

func (a *FeedAdapter) parse(body []byte) ([]model.Item, error) {
	var doc feedDocument
	if err := xml.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("parsing feed: %w", err)
	}

	var (
		items []model.Item
		errs  ItemErrors
	)
	add := func(item model.Item, categories []string, ref string) {
		if item.Title == "" && item.URL == "" && item.ExternalID == "" {
			errs = append(errs, &model.ParseError{SourceID: a.cfg.ID, Ref: ref, Err: errors.New("entry has no title, link or id")})
			return
		}
		if !a.include(item, categories) {
			return
		}
		items = append(items, item)
	}

	switch strings.ToLower(doc.XMLName.Local) {
	case "rss":
		for i, it := range doc.Channel.Items {
			add(a.fromRSS(it), it.Category, fmt.Sprintf("item[%d]", i))
		}
	case "rdf":
		for i, it := range doc.RDFItems {
			add(a.fromRSS(it), it.Subject, fmt.Sprintf("item[%d]", i))
		}
	case "feed":
		for i, e := range doc.Entries {
			cats := make([]string, 0, len(e.Category))
			for _, c := range e.Category {
				cats = append(cats, c.Term)
			}
			add(a.fromAtom(e), cats, fmt.Sprintf("entry[%d]", i))
		}
	default:
		return nil, fmt.Errorf("unsupported feed root element %q", doc.XMLName.Local)
	}

	if len(errs) > 0 {
		return items, errs
	}
	return items, nil
}

func (a *FeedAdapter) fromRSS(it feedItem) model.Item {
	date := it.PubDate
	if date == "" {
		date = it.DCDate
	}
	published, _ := parseFeedDate(date)
	return model.Item{
		SourceID:    a.cfg.ID,
		ExternalID:  strings.TrimSpace(it.GUID),
		Title:       strings.TrimSpace(it.Title),
		URL:         strings.TrimSpace(it.Link),
		PublishedAt: published,
		RawExcerpt:  strings.TrimSpace(it.Description),
	}
}

func (a *FeedAdapter) fromAtom(e atomEntry) model.Item {
	date := e.Published
	if date == "" {
		date = e.Updated
	}
	published, _ := parseFeedDate(date)

	id := strings.TrimSpace(e.VideoID)
	if id == "" {
		id = strings.TrimSpace(e.ID)
	}
	excerpt := e.Summary
	if excerpt == "" {
		excerpt = e.Content
	}
	if excerpt == "" {
		excerpt = e.MediaDesc
	}
	return model.Item{
		SourceID:    a.cfg.ID,
		ExternalID:  id,
		Title:       strings.TrimSpace(e.Title),
		URL:         alternateLink(e.Links),
		PublishedAt: published,
		RawExcerpt:  strings.TrimSpace(excerpt),
	}
}

// include applies the per-source category and title length filters.
func (a *FeedAdapter) include(item model.Item, categories []string) bool {
	if a.cfg.MinTitleLength > 0 && len([]rune(item.Title)) < a.cfg.MinTitleLength {
		return false
	}
	for _, category := range categories {
		for _, excluded := range a.cfg.ExcludeCategories {
			if strings.EqualFold(strings.TrimSpace(category), excluded) {
				return false
			}
		}
	}
	return true
}

func alternateLink(links []atomLink) string {
	for _, l := range links {
		if l.Rel == "" || l.Rel == "alternate" {
			return strings.TrimSpace(l.Href)
		}
	}
	if len(links) > 0 {
		return strings.TrimSpace(links[0].Href)
	}
	return ""
}

// parseFeedDate parses the date formats seen in RSS, RDF and Atom feeds.
func parseFeedDate(dateStr string) (time.Time, error) {
	dateStr = strings.TrimSpace(dateStr)
	if dateStr == "" {
		return time.Time{}, errors.New("empty date")
	}

	formats := []string{
		time.RFC1123Z,
		time.RFC1123,
		"Mon, 2 Jan 2006 15:04:05 -0700",
		"Mon, 2 Jan 2006 15:04:05 MST",
		time.RFC3339,
		time.RFC3339Nano,
		"2006-01-02T15:04:05Z07:00",
		"2006-01-02 15:04:05",
	}

	for _, format := range formats {
		if t, err := time.Parse(format, dateStr); err == nil {
			return t.UTC(), nil
		}
	}

	return time.Time{}, fmt.Errorf("unable to parse date: %s", dateStr)
}
