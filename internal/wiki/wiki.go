// Package wiki searches and fetches Confluence pages through the Atlassian
// gateway.
package wiki

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/seanblong/codebot/pkg/models"
)

var (
	ErrPageNotFound   = errors.New("wiki page not found")
	ErrInvalidPageRef = errors.New("unrecognized wiki page id or url")
	ErrNotConfigured  = errors.New("wiki gateway url not configured")
)

const (
	defaultTimeout = 30 * time.Second
	defaultBaseURL = "https://dramancompany.atlassian.net/wiki"
)

var (
	bareIDRe    = regexp.MustCompile(`^\d+$`)
	pathIDRe    = regexp.MustCompile(`/pages/(\d+)`)
	queryIDRe   = regexp.MustCompile(`[?&]pageId=(\d+)`)
	blankLineRe = regexp.MustCompile(`\n{3,}`)
)

// Config holds the gateway endpoints. PageURL defaults to SearchURL.
type Config struct {
	SearchURL string
	PageURL   string
	Timeout   time.Duration
}

type Client struct {
	searchURL string
	pageURL   string
	http      *http.Client
	breaker   *gobreaker.CircuitBreaker
}

func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	pageURL := cfg.PageURL
	if pageURL == "" {
		pageURL = cfg.SearchURL
	}
	return &Client{
		searchURL: strings.TrimSpace(cfg.SearchURL),
		pageURL:   strings.TrimSpace(pageURL),
		http:      &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "wiki-gateway",
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, ErrPageNotFound)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
			},
		}),
	}
}

type searchResponse struct {
	Results []struct {
		Title                 string `json:"title"`
		URL                   string `json:"url"`
		Excerpt               string `json:"excerpt"`
		ResultGlobalContainer struct {
			Title string `json:"title"`
		} `json:"resultGlobalContainer"`
	} `json:"results"`
	Links struct {
		Base string `json:"base"`
	} `json:"_links"`
}

// Search returns up to limit documents matching query. Any failure,
// including an unset gateway, yields an empty list.
func (c *Client) Search(ctx context.Context, query string, limit int) []models.WikiDocument {
	if c.searchURL == "" {
		log.Warn().Msg("wiki gateway url not configured, skipping search")
		return []models.WikiDocument{}
	}

	params := url.Values{}
	params.Set("query", query)
	params.Set("limit", strconv.Itoa(limit))

	var out searchResponse
	if err := c.get(ctx, c.searchURL, params, &out); err != nil {
		log.Error().Err(err).Str("query", prefix(query, 50)).Msg("wiki search failed")
		return []models.WikiDocument{}
	}

	base := out.Links.Base
	if base == "" {
		base = defaultBaseURL
	}
	docs := make([]models.WikiDocument, 0, len(out.Results))
	for _, r := range out.Results {
		full := ""
		if r.URL != "" {
			full = base + r.URL
		}
		docs = append(docs, models.WikiDocument{
			Title:     r.Title,
			URL:       full,
			Excerpt:   r.Excerpt,
			SpaceName: r.ResultGlobalContainer.Title,
		})
	}
	log.Info().Int("count", len(docs)).Str("query", prefix(query, 50)).Msg("wiki documents found")
	return docs
}

type pageResponse struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Body  struct {
		Storage struct {
			Value string `json:"value"`
		} `json:"storage"`
	} `json:"body"`
	Links struct {
		Base  string `json:"base"`
		WebUI string `json:"webui"`
	} `json:"_links"`
}

// FetchPage loads one page by numeric id and renders its body as text.
func (c *Client) FetchPage(ctx context.Context, id string) (models.WikiPage, error) {
	if c.pageURL == "" {
		return models.WikiPage{}, ErrNotConfigured
	}
	if !bareIDRe.MatchString(id) {
		return models.WikiPage{}, fmt.Errorf("%w: %q", ErrInvalidPageRef, id)
	}

	params := url.Values{}
	params.Set("pageId", id)

	var out pageResponse
	if err := c.get(ctx, c.pageURL, params, &out); err != nil {
		return models.WikiPage{}, err
	}
	if out.ID == "" && out.Title == "" {
		return models.WikiPage{}, ErrPageNotFound
	}

	content, err := HTMLToText(out.Body.Storage.Value)
	if err != nil {
		return models.WikiPage{}, fmt.Errorf("parse page body: %w", err)
	}

	pageID := out.ID
	if pageID == "" {
		pageID = id
	}
	base := out.Links.Base
	if base == "" {
		base = defaultBaseURL
	}
	page := models.WikiPage{ID: pageID, Title: out.Title, Content: content}
	if out.Links.WebUI != "" {
		page.URL = base + out.Links.WebUI
	}
	log.Info().Str("page_id", pageID).Str("title", out.Title).Int("chars", len(content)).Msg("fetched wiki page")
	return page, nil
}

func (c *Client) get(ctx context.Context, endpoint string, params url.Values, out any) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		u, err := url.Parse(endpoint)
		if err != nil {
			return nil, err
		}
		q := u.Query()
		for k, v := range params {
			q[k] = v
		}
		u.RawQuery = q.Encode()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer func() {
			if err := resp.Body.Close(); err != nil {
				log.Warn().Err(err).Msg("failed to close response body")
			}
		}()

		if resp.StatusCode == http.StatusNotFound {
			return nil, ErrPageNotFound
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil, fmt.Errorf("wiki gateway: %s", resp.Status)
		}
		return nil, json.NewDecoder(resp.Body).Decode(out)
	})
	return err
}

// ExtractPageID accepts a bare numeric id, a cloud url with /pages/<id> or
// a legacy url with pageId=<id>.
func ExtractPageID(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if bareIDRe.MatchString(ref) {
		return ref, nil
	}
	if m := pathIDRe.FindStringSubmatch(ref); m != nil {
		return m[1], nil
	}
	if m := queryIDRe.FindStringSubmatch(ref); m != nil {
		return m[1], nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidPageRef, ref)
}

// HTMLToText strips markup from a storage-format body, keeping one line
// per block element.
func HTMLToText(body string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return "", err
	}
	doc.Find("script, style").Remove()
	doc.Find("br").ReplaceWithHtml("\n")
	doc.Find("td, th").AppendHtml(" ")
	doc.Find("tr").Each(func(_ int, s *goquery.Selection) {
		s.Children().Last().AppendHtml("\n")
	})
	doc.Find("p, div, li, pre, h1, h2, h3, h4, h5, h6").AppendHtml("\n")

	lines := strings.Split(doc.Text(), "\n")
	for i, l := range lines {
		lines[i] = strings.Join(strings.Fields(l), " ")
	}
	text := strings.TrimSpace(strings.Join(lines, "\n"))
	return blankLineRe.ReplaceAllString(text, "\n\n"), nil
}

func prefix(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
