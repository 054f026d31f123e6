package feed

import (
	"bytes"
	"cmp"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"html"
	"net/url"
	"strconv"
	"strings"

	"github.com/mmcdole/gofeed"
	ext "github.com/mmcdole/gofeed/extensions"
)

var trackingParams = map[string]bool{
	"fbclid":  true,
	"gclid":   true,
	"mc_cid":  true,
	"mc_eid":  true,
	"igshid":  true,
	"ref":     true,
	"ref_src": true,
}

type Parser struct {
	gofeedParser *gofeed.Parser
}

func NewParser() *Parser {
	return &Parser{
		gofeedParser: gofeed.NewParser(),
	}
}

func (p *Parser) Run(data []byte) (*Metadata, []Item, error) {
	feed, err := p.gofeedParser.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse feed: %w", err)
	}

	metadata := &Metadata{
		Title:           html.UnescapeString(feed.Title),
		Link:            feed.Link,
		Description:     html.UnescapeString(feed.Description),
		Language:        feed.Language,
		FeedPublishedAt: feed.PublishedParsed,
		FeedUpdatedAt:   feed.UpdatedParsed,
	}

	if feed.Image != nil {
		metadata.ImageURL = feed.Image.URL
	}

	items := make([]Item, 0, len(feed.Items))
	for _, item := range feed.Items {
		normalized := p.normalizeItem(item)
		if normalized.GUID == "" {
			continue
		}
		normalized.ContentHash = p.generateContentHash(normalized)
		items = append(items, normalized)
	}

	return metadata, items, nil
}

func (p *Parser) normalizeItem(item *gofeed.Item) Item {
	link := p.normalizeURL(strings.TrimSpace(item.Link))
	normalized := Item{
		GUID:         cmp.Or(strings.TrimSpace(item.GUID), link),
		Title:        html.UnescapeString(item.Title),
		Link:         link,
		Description:  html.UnescapeString(item.Description),
		Content:      item.Content,
		PublishedAt:  item.PublishedParsed,
		UpdatedAt:    item.UpdatedParsed,
		Categories:   item.Categories,
		CommentCount: p.commentCount(item.Extensions),
	}

	normalized.Authors = p.extractAuthors(item)

	return normalized
}

// commentCount reads slash:comments (RSS) or thr:total (Atom threading).
func (p *Parser) commentCount(extensions ext.Extensions) *int {
	for _, key := range [][2]string{{"slash", "comments"}, {"thr", "total"}} {
		values := extensions[key[0]][key[1]]
		if len(values) == 0 {
			continue
		}
		if n, err := strconv.Atoi(strings.TrimSpace(values[0].Value)); err == nil && n >= 0 {
			return &n
		}
	}
	return nil
}

// normalizeURL drops tracking query parameters so the same article shared
// through different channels keeps one identity.
func (p *Parser) normalizeURL(raw string) string {
	if raw == "" {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.RawQuery == "" {
		return raw
	}

	query := u.Query()
	for key := range query {
		if strings.HasPrefix(key, "utm_") || trackingParams[key] {
			query.Del(key)
		}
	}
	u.RawQuery = query.Encode()
	return u.String()
}

func (p *Parser) generateContentHash(item Item) string {
	content := fmt.Sprintf("%s|%s",
		item.Title,
		item.Link)

	hash := sha256.Sum256([]byte(content))
	return hex.EncodeToString(hash[:])
}

func (p *Parser) extractAuthors(item *gofeed.Item) []string {
	var authors []string

	if len(item.Authors) > 0 {
		for _, author := range item.Authors {
			if author != nil {
				authorStr := p.formatAuthor(author.Name, author.Email)
				if authorStr != "" {
					authors = append(authors, authorStr)
				}
			}
		}
	} else if item.Author != nil {
		authorStr := p.formatAuthor(item.Author.Name, item.Author.Email)
		if authorStr != "" {
			authors = append(authors, authorStr)
		}
	}

	return authors
}

func (p *Parser) formatAuthor(name, email string) string {
	name = strings.TrimSpace(name)
	email = strings.TrimSpace(email)

	if name != "" && email != "" {
		return fmt.Sprintf("%s (%s)", email, name)
	} else if name != "" {
		return name
	} else if email != "" {
		return email
	}

	return ""
}
