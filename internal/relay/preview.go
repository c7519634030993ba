package relay

import (
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"golang.org/x/net/html"

	"haven/server/internal/protocol"
)

// previewTimeout is the maximum time spent fetching a URL for link preview
// metadata. Kept short so previews never delay message delivery.
const previewTimeout = 4 * time.Second

// previewMaxBody is the maximum number of bytes read from a page when
// extracting OpenGraph metadata. Only the <head> section is needed.
const previewMaxBody = 256 * 1024

var urlPattern = regexp.MustCompile(`https?://[^\s<>"]+`)

// extractFirstURL returns the first http(s) URL found in text, or "".
func extractFirstURL(text string) string {
	return urlPattern.FindString(text)
}

// fetchLinkPreview fetches the given URL and extracts OpenGraph metadata.
// Callers run it off the send path; it must never block message delivery.
func fetchLinkPreview(rawURL string) (protocol.LinkPreview, error) {
	client := &http.Client{
		Timeout: previewTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 3 {
				return http.ErrUseLastResponse
			}
			return nil
		},
	}

	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		return protocol.LinkPreview{}, err
	}
	req.Header.Set("User-Agent", "haven-linkpreview/1.0")
	req.Header.Set("Accept", "text/html")

	resp, err := client.Do(req)
	if err != nil {
		return protocol.LinkPreview{}, err
	}
	defer resp.Body.Close()

	// Only parse HTML responses.
	ct := resp.Header.Get("Content-Type")
	if !strings.Contains(ct, "text/html") && !strings.Contains(ct, "application/xhtml") {
		return protocol.LinkPreview{URL: rawURL}, nil
	}

	body := io.LimitReader(resp.Body, previewMaxBody)
	return parseOGTags(rawURL, body)
}

// parseOGTags reads HTML from r and fills a preview from OpenGraph meta
// tags, falling back to <title> and the standard description tag. Parsing
// stops at <body>; previews only need the document head.
func parseOGTags(rawURL string, r io.Reader) (protocol.LinkPreview, error) {
	lp := protocol.LinkPreview{URL: rawURL}
	var title strings.Builder
	var inTitle bool

	z := html.NewTokenizer(r)
	for {
		switch z.Next() {
		case html.ErrorToken:
			return finishPreview(lp, title.String()), nil

		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			switch string(name) {
			case "body":
				return finishPreview(lp, title.String()), nil
			case "title":
				inTitle = true
			case "meta":
				if hasAttr {
					applyMeta(&lp, tagAttrs(z))
				}
			}

		case html.TextToken:
			if inTitle {
				title.Write(z.Text())
			}

		case html.EndTagToken:
			if name, _ := z.TagName(); string(name) == "title" {
				inTitle = false
			}
		}
	}
}

// tagAttrs collects the current token's attributes into a map.
func tagAttrs(z *html.Tokenizer) map[string]string {
	attrs := make(map[string]string, 3)
	for {
		key, val, more := z.TagAttr()
		attrs[string(key)] = string(val)
		if !more {
			return attrs
		}
	}
}

// applyMeta copies one <meta> tag's content into the preview field its
// property (or name, for the plain description tag) selects.
func applyMeta(lp *protocol.LinkPreview, attrs map[string]string) {
	content := attrs["content"]
	if content == "" {
		return
	}

	switch attrs["property"] {
	case "og:title":
		lp.Title = content
	case "og:description":
		lp.Desc = content
	case "og:image":
		lp.Image = content
	case "og:site_name":
		lp.SiteName = content
	}
	if attrs["name"] == "description" && lp.Desc == "" {
		lp.Desc = content
	}
}

// finishPreview applies the <title> fallback once parsing ends.
func finishPreview(lp protocol.LinkPreview, title string) protocol.LinkPreview {
	if lp.Title == "" {
		lp.Title = strings.TrimSpace(title)
	}
	return lp
}
