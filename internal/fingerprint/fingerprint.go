// Package fingerprint derives the identity key used for cross-run deduplication.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/pep299/daily-digest/internal/model"
)

var folder = cases.Fold()

// trackingParams are query keys dropped from URLs before hashing.
var trackingParams = map[string]bool{
	"fbclid":  true,
	"gclid":   true,
	"ref":     true,
	"ref_src": true,
	"si":      true,
}

// Of returns the fingerprint for an item.
func Of(item model.Item) string {
	sum := sha256.Sum256([]byte(Key(item)))
	return hex.EncodeToString(sum[:])
}

// Key returns the normalized identity string that Of hashes. External ids and
// titles are namespaced by source; canonical URLs are global so the same link
// offered by two sources collapses to one item.
func Key(item model.Item) string {
	source := NormalizeText(item.SourceID)
	if id := NormalizeText(item.ExternalID); id != "" {
		return "id:" + source + ":" + id
	}
	if u := CanonicalURL(item.URL); u != "" {
		return "url:" + u
	}
	return "title:" + source + ":" + NormalizeText(item.Title)
}

// NormalizeText applies NFKC, case folding and whitespace collapsing.
func NormalizeText(s string) string {
	s = norm.NFKC.String(s)
	s = folder.String(s)
	return strings.Join(strings.Fields(s), " ")
}

// CanonicalURL strips fragments and tracking parameters, lowercases the host
// and treats http and https as the same resource.
func CanonicalURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return NormalizeText(raw)
	}

	u.Scheme = "https"
	u.Host = strings.TrimPrefix(strings.ToLower(u.Host), "www.")
	u.Fragment = ""
	u.RawFragment = ""
	u.User = nil
	if u.Path != "/" {
		u.Path = strings.TrimSuffix(u.Path, "/")
	}
	u.RawPath = ""

	q := u.Query()
	for key := range q {
		if trackingParams[strings.ToLower(key)] || strings.HasPrefix(strings.ToLower(key), "utm_") {
			q.Del(key)
		}
	}
	u.RawQuery = encodeSorted(q)
	return u.String()
}

func encodeSorted(q url.Values) string {
	if len(q) == 0 {
		return ""
	}
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		vals := append([]string(nil), q[k]...)
		sort.Strings(vals)
		for _, v := range vals {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}
