package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"battle-orchestrator/config"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Topic is a candidate battle subject.
type Topic struct {
	Title    string                 `json:"title"`
	Source   string                 `json:"source"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// TopicProvider supplies the subject of the next battle. Callers retry on
// the next scheduler tick; providers do not retry internally.
type TopicProvider interface {
	GetTopic(ctx context.Context) (Topic, error)
}

var titleCaser = cases.Title(language.English)

// normalizeTitle collapses whitespace and title-cases headlines that arrive
// all lower- or upper-case.
func normalizeTitle(raw string) string {
	title := strings.Join(strings.Fields(raw), " ")
	if title == strings.ToLower(title) || title == strings.ToUpper(title) {
		title = titleCaser.String(strings.ToLower(title))
	}
	return title
}

// StaticTopicProvider rotates through a configured list.
type StaticTopicProvider struct {
	mu     sync.Mutex
	topics []string
	next   int
}

func NewStaticTopicProvider(topics []string) *StaticTopicProvider {
	return &StaticTopicProvider{topics: topics}
}

func (p *StaticTopicProvider) GetTopic(_ context.Context) (Topic, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.topics) == 0 {
		return Topic{}, fmt.Errorf("static topic list is empty")
	}
	title := normalizeTitle(p.topics[p.next%len(p.topics)])
	p.next++
	return Topic{
		Title:  title,
		Source: config.TopicSourceStatic,
	}, nil
}

// NewsTopicProvider picks the first usable headline from a JSON news API.
type NewsTopicProvider struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

func NewNewsTopicProvider(baseURL, apiKey string) *NewsTopicProvider {
	return &NewsTopicProvider{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type newsArticle struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	URL         string `json:"url"`
	PublishedAt string `json:"publishedAt"`
	Source      struct {
		Name string `json:"name"`
	} `json:"source"`
}

type newsResponse struct {
	Articles []newsArticle `json:"articles"`
}

func (p *NewsTopicProvider) GetTopic(ctx context.Context) (Topic, error) {
	u, err := url.Parse(p.BaseURL)
	if err != nil {
		return Topic{}, fmt.Errorf("invalid news API URL %q: %w", p.BaseURL, err)
	}
	q := u.Query()
	if q.Get("pageSize") == "" {
		q.Set("pageSize", "10")
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Topic{}, fmt.Errorf("failed to create request: %w", err)
	}
	if p.APIKey != "" {
		req.Header.Set("X-Api-Key", p.APIKey)
	}

	resp, err := p.HTTPClient.Do(req)
	if err != nil {
		return Topic{}, fmt.Errorf("failed to call news API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return Topic{}, fmt.Errorf("news API returned status %d: %s", resp.StatusCode, string(body))
	}

	var payload newsResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Topic{}, fmt.Errorf("failed to decode news API response: %w", err)
	}

	for _, a := range payload.Articles {
		title := normalizeTitle(a.Title)
		if title == "" || title == "[Removed]" {
			continue
		}
		return Topic{
			Title:  title,
			Source: config.TopicSourceNews,
			Metadata: map[string]interface{}{
				"description":  a.Description,
				"url":          a.URL,
				"published_at": a.PublishedAt,
				"outlet":       a.Source.Name,
			},
		}, nil
	}
	return Topic{}, fmt.Errorf("news API returned no usable headline")
}

// NewTopicProvider selects the provider named by cfg.Source.
func NewTopicProvider(cfg config.TopicConfig) (TopicProvider, error) {
	switch cfg.Source {
	case config.TopicSourceStatic:
		return NewStaticTopicProvider(cfg.StaticList), nil
	case config.TopicSourceNews:
		return NewNewsTopicProvider(cfg.NewsAPIURL, cfg.NewsAPIKey), nil
	default:
		return nil, fmt.Errorf("unknown topic source %q", cfg.Source)
	}
}
