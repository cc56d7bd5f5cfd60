// Package news watches a web page for its newest announcement.
package news

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/charset"
	"golang.org/x/text/unicode/norm"

	"watchbot/internal/sources/httpx"
	"watchbot/internal/storage"
	"watchbot/internal/watcher"
)

const (
	DefaultURL      = "https://www.ffxiv.com.tw/web/index.aspx"
	DefaultSelector = ".nav_news .sub_nav ul li a p"
	DefaultTemplate = "📰 最新公告\n{{.title}}\n{{.url}}"
)

var ErrNotFound = errors.New("news: selector matched nothing")

type Options struct {
	URL string `json:"url,omitempty"`
	// Selector is a descendant chain of tag, .class or tag.class steps. The
	// matched element's text is the title; its parent <a> holds the link.
	Selector string `json:"selector,omitempty"`
}

// Item is the newest announcement on the page.
type Item struct {
	Title string
	Link  string
}

type Fetcher struct {
	url      *url.URL
	selector Selector
	client   *http.Client
}

func New(opts Options, client *http.Client) (*Fetcher, error) {
	raw := strings.TrimSpace(opts.URL)
	if raw == "" {
		raw = DefaultURL
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("news: invalid url %q", raw)
	}
	sel := opts.Selector
	if strings.TrimSpace(sel) == "" {
		sel = DefaultSelector
	}
	steps, err := ParseSelector(sel)
	if err != nil {
		return nil, err
	}
	if client == nil {
		client = httpx.NewClient()
	}
	return &Fetcher{url: u, selector: steps, client: client}, nil
}

func (f *Fetcher) Fetch(ctx context.Context, _ storage.WatchState) (watcher.Snapshot, error) {
	body, ctype, err := httpx.Get(ctx, f.client, f.url.String(), nil)
	if err != nil {
		return watcher.Snapshot{}, err
	}
	it, err := Parse(f.url, f.selector, bytes.NewReader(body), ctype)
	if err != nil {
		return watcher.Snapshot{}, err
	}
	return watcher.Snapshot{
		Identity: it.Link,
		Payload:  map[string]any{"title": it.Title, "url": it.Link},
	}, nil
}

// Parse finds the first element matching sel in document order.
func Parse(base *url.URL, sel Selector, r io.Reader, contentType string) (Item, error) {
	utf8, err := charset.NewReader(r, contentType)
	if err != nil {
		return Item{}, fmt.Errorf("news: decode charset: %w", err)
	}
	doc, err := html.Parse(utf8)
	if err != nil {
		return Item{}, fmt.Errorf("news: parse html: %w", err)
	}

	n := sel.First(doc)
	if n == nil {
		return Item{}, ErrNotFound
	}
	title := norm.NFC.String(extractText(n))

	var href string
	if p := n.Parent; p != nil && p.Type == html.ElementNode && p.Data == "a" {
		href = strings.TrimSpace(getAttr(p, "href"))
	}
	if href == "" {
		return Item{}, fmt.Errorf("news: item %q has no link", title)
	}
	return Item{Title: title, Link: norm.NFC.String(resolveURL(base, href))}, nil
}

func resolveURL(base *url.URL, href string) string {
	rel, err := url.Parse(href)
	if err != nil {
		return href
	}
	return base.ResolveReference(rel).String()
}

func getAttr(n *html.Node, key string) string {
	for _, attr := range n.Attr {
		if attr.Key == key {
			return attr.Val
		}
	}
	return ""
}

// extractText joins the trimmed text pieces under n without separators.
func extractText(n *html.Node) string {
	if n.Type == html.TextNode {
		return strings.TrimSpace(n.Data)
	}
	var text strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		text.WriteString(extractText(c))
	}
	return strings.TrimSpace(text.String())
}
