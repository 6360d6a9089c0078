// Package crawlkit provides HTML extraction helpers shared by merchant
// crawler implementations.
package crawlkit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Document parses an HTML body into a goquery document.
func Document(body []byte) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return doc, nil
}

// Links collects the href targets of elements matching the selector,
// resolved against base, absolute, and deduplicated in document order.
// Fragment-only and non-http(s) links are dropped.
func Links(doc *goquery.Document, selector, base string) ([]string, error) {
	baseURL, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse base url %q: %w", base, err)
	}

	seen := make(map[string]struct{})
	var links []string
	doc.Find(selector).Each(func(_ int, sel *goquery.Selection) {
		href, ok := sel.Attr("href")
		if !ok {
			return
		}
		abs, err := resolve(baseURL, href)
		if err != nil || abs == "" {
			return
		}
		if _, dup := seen[abs]; dup {
			return
		}
		seen[abs] = struct{}{}
		links = append(links, abs)
	})
	return links, nil
}

// AbsoluteURL resolves href against base and returns an absolute http(s)
// URL with any fragment stripped, or "" when the link is not navigable.
func AbsoluteURL(base, href string) (string, error) {
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url %q: %w", base, err)
	}
	return resolve(baseURL, href)
}

func resolve(base *url.URL, href string) (string, error) {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return "", nil
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", fmt.Errorf("parse href %q: %w", href, err)
	}
	abs := base.ResolveReference(ref)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return "", nil
	}
	abs.Fragment = ""
	return abs.String(), nil
}

// CanonicalURL normalizes a product URL so the same page always maps to
// one products row: lowercased scheme and host, default ports and fragment
// stripped, query parameters sorted.
func CanonicalURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	if u.Scheme == "http" {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}
	u.Fragment = ""
	u.RawQuery = u.Query().Encode()
	return u.String(), nil
}

// Breadcrumb extracts the trimmed text of each element matching the
// selector, skipping empty entries.
func Breadcrumb(doc *goquery.Document, selector string) []string {
	var parts []string
	doc.Find(selector).Each(func(_ int, sel *goquery.Selection) {
		text := strings.TrimSpace(sel.Text())
		if text != "" {
			parts = append(parts, text)
		}
	})
	return parts
}

// Text returns the trimmed text of the first element matching the selector.
func Text(doc *goquery.Document, selector string) string {
	return strings.TrimSpace(doc.Find(selector).First().Text())
}

// Attr returns the named attribute of the first element matching the
// selector, trimmed.
func Attr(doc *goquery.Document, selector, name string) string {
	val, _ := doc.Find(selector).First().Attr(name)
	return strings.TrimSpace(val)
}

// MetaContent returns the content of a <meta> tag matched by property or
// name, e.g. "og:title".
func MetaContent(doc *goquery.Document, property string) string {
	sel := fmt.Sprintf(`meta[property=%q], meta[name=%q]`, property, property)
	return Attr(doc, sel, "content")
}

// JSONLD decodes every application/ld+json script in the document. Blocks
// holding a top-level array are flattened; unparseable blocks are skipped.
func JSONLD(doc *goquery.Document) []map[string]any {
	var blocks []map[string]any
	doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, sel *goquery.Selection) {
		raw := strings.TrimSpace(sel.Text())
		if raw == "" {
			return
		}
		if strings.HasPrefix(raw, "[") {
			var arr []map[string]any
			if err := json.Unmarshal([]byte(raw), &arr); err == nil {
				blocks = append(blocks, arr...)
			}
			return
		}
		var obj map[string]any
		if err := json.Unmarshal([]byte(raw), &obj); err == nil {
			blocks = append(blocks, obj)
		}
	})
	return blocks
}

// JSONLDByType returns the first JSON-LD block whose @type matches, e.g.
// "Product" or "BreadcrumbList".
func JSONLDByType(doc *goquery.Document, typ string) (map[string]any, bool) {
	for _, block := range JSONLD(doc) {
		if t, _ := block["@type"].(string); strings.EqualFold(t, typ) {
			return block, true
		}
	}
	return nil, false
}
