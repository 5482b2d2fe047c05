// Package dataforseo implements rank.RankProvider against the DataForSEO v3
// API: live organic SERP lookups, historical SERP batches, and the keyword
// overview endpoint for search volume, difficulty and cpc.
package dataforseo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/rank-tracker/internal/metrics"
	"github.com/JakeFAU/rank-tracker/internal/provider"
	"github.com/JakeFAU/rank-tracker/internal/rank"
)

const (
	// DefaultBaseURL is the production API root.
	DefaultBaseURL = "https://api.dataforseo.com"
	// DefaultMaxTasksPerRequest is the provider's per-request task ceiling.
	DefaultMaxTasksPerRequest = 100
	// DefaultMaxResponseBytes fits a full bulk or history batch at depth 100.
	DefaultMaxResponseBytes = 64 << 20

	statusOK = 20000

	endpointLive     = "live"
	endpointHistory  = "history"
	endpointBulk     = "bulk"
	endpointOverview = "overview"
)

// ErrNoCredentials is returned by New when login or password is empty.
var ErrNoCredentials = errors.New("dataforseo credentials are required")

// Limiter paces outbound requests per endpoint key.
type Limiter interface {
	Wait(ctx context.Context, key string) error
}

// Config configures the client.
type Config struct {
	BaseURL            string
	Login              string
	Password           string
	Timeout            time.Duration
	Depth              int
	MaxTasksPerRequest int
	MaxRetries         int
	// MaxResponseBytes caps how much of a response body is read.
	MaxResponseBytes int64
}

// Client talks to DataForSEO.
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    Limiter
	retry      provider.RetryPolicy
	clock      rank.Clock
	logger     *zap.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLimiter sets the request pacer.
func WithLimiter(l Limiter) Option {
	return func(c *Client) { c.limiter = l }
}

// WithRetryPolicy overrides the retry policy.
func WithRetryPolicy(p provider.RetryPolicy) Option {
	return func(c *Client) { c.retry = p }
}

// WithClock overrides the clock used for CheckedAt.
func WithClock(clock rank.Clock) Option {
	return func(c *Client) { c.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// New builds a client. It fails without credentials; callers fall back to
// the simulated provider in that case.
func New(cfg Config, opts ...Option) (*Client, error) {
	if cfg.Login == "" || cfg.Password == "" {
		return nil, ErrNoCredentials
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.Depth <= 0 {
		cfg.Depth = 100
	}
	if cfg.MaxTasksPerRequest <= 0 {
		cfg.MaxTasksPerRequest = DefaultMaxTasksPerRequest
	}
	if cfg.MaxResponseBytes <= 0 {
		cfg.MaxResponseBytes = DefaultMaxResponseBytes
	}
	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		retry:      provider.NewRetryPolicy(cfg.MaxRetries),
		clock:      systemClock{},
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

type serpTask struct {
	Keyword      string `json:"keyword"`
	LocationName string `json:"location_name,omitempty"`
	LanguageCode string `json:"language_code,omitempty"`
	Depth        int    `json:"depth,omitempty"`
	DateFrom     string `json:"date_from,omitempty"`
	DateTo       string `json:"date_to,omitempty"`
}

type overviewTask struct {
	Keywords     []string `json:"keywords"`
	LocationName string   `json:"location_name,omitempty"`
	LanguageCode string   `json:"language_code,omitempty"`
}

type envelope struct {
	StatusCode    int            `json:"status_code"`
	StatusMessage string         `json:"status_message"`
	Tasks         []taskEnvelope `json:"tasks"`
}

type taskEnvelope struct {
	StatusCode    int               `json:"status_code"`
	StatusMessage string            `json:"status_message"`
	Result        []json.RawMessage `json:"result"`
}

type serpResult struct {
	Keyword string              `json:"keyword"`
	Items   []provider.SERPItem `json:"items"`
}

func (t taskEnvelope) err(endpoint string) error {
	if t.StatusCode == statusOK {
		return nil
	}
	return &provider.StatusError{Endpoint: endpoint, Code: t.StatusCode, Message: t.StatusMessage}
}

// items decodes the first result block; a task with no result has no items.
func (t taskEnvelope) items() ([]provider.SERPItem, error) {
	if len(t.Result) == 0 {
		return nil, nil
	}
	var res serpResult
	if err := json.Unmarshal(t.Result[0], &res); err != nil {
		return nil, fmt.Errorf("decode serp result: %w", err)
	}
	return res.Items, nil
}

// CheckRank performs a single live lookup with exactly one task.
func (c *Client) CheckRank(ctx context.Context, req rank.RankRequest) (rank.RankResult, error) {
	tasks := []serpTask{c.serpTask(req.Keyword, req.SearchParams)}
	env, raw, err := c.post(ctx, endpointLive, c.serpPath(req.SearchEngine, "serp", "organic/live/advanced"), tasks)
	if err != nil {
		return rank.RankResult{}, err
	}
	if len(env.Tasks) != 1 {
		return rank.RankResult{}, fmt.Errorf("live lookup: expected 1 task, got %d", len(env.Tasks))
	}
	return c.rankResult(req.Keyword, req.Domain, env.Tasks[0], raw)
}

func (c *Client) rankResult(keyword, domain string, task taskEnvelope, raw []byte) (rank.RankResult, error) {
	if err := task.err(endpointLive); err != nil {
		return rank.RankResult{}, err
	}
	items, err := task.items()
	if err != nil {
		return rank.RankResult{}, err
	}
	pos, url := provider.MatchDomain(items, domain)
	return rank.RankResult{
		Keyword:   keyword,
		Position:  pos,
		URL:       url,
		CheckedAt: c.clock.Now(),
		Raw:       raw,
	}, nil
}

// CheckHistory sends one request carrying a task per date and maps result
// slots back by position.
func (c *Client) CheckHistory(ctx context.Context, req rank.HistoryRequest) ([]rank.HistoryResult, error) {
	if len(req.Dates) == 0 {
		return nil, nil
	}
	tasks := make([]serpTask, 0, len(req.Dates))
	for _, d := range req.Dates {
		t := c.serpTask(req.Keyword, req.SearchParams)
		day := rank.Day(d).Format(time.DateOnly)
		t.DateFrom, t.DateTo = day, day
		tasks = append(tasks, t)
	}
	env, _, err := c.post(ctx, endpointHistory,
		c.serpPath(req.SearchEngine, "dataforseo_labs", "historical_serps/live"), tasks)
	if err != nil {
		return nil, err
	}
	out := make([]rank.HistoryResult, len(req.Dates))
	for i, d := range req.Dates {
		out[i] = rank.HistoryResult{Date: rank.Day(d)}
		if i >= len(env.Tasks) || env.Tasks[i].err(endpointHistory) != nil {
			continue
		}
		items, err := env.Tasks[i].items()
		if err != nil || len(items) == 0 {
			continue
		}
		out[i].HasData = true
		out[i].Position, out[i].URL = provider.MatchDomain(items, req.Domain)
	}
	return out, nil
}

// CheckRanksBulk looks up many keywords, chunked to MaxTasksPerRequest.
// Results keep input order; a failed chunk marks each of its slots.
func (c *Client) CheckRanksBulk(ctx context.Context, req rank.BulkRequest) ([]rank.BulkItem, error) {
	out := make([]rank.BulkItem, 0, len(req.Keywords))
	for start := 0; start < len(req.Keywords); start += c.cfg.MaxTasksPerRequest {
		end := min(start+c.cfg.MaxTasksPerRequest, len(req.Keywords))
		chunk := req.Keywords[start:end]
		tasks := make([]serpTask, 0, len(chunk))
		for _, kw := range chunk {
			tasks = append(tasks, c.serpTask(kw, req.SearchParams))
		}
		env, _, err := c.post(ctx, endpointBulk, c.serpPath(req.SearchEngine, "serp", "organic/live/advanced"), tasks)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			for _, kw := range chunk {
				out = append(out, rank.BulkItem{Keyword: kw, Err: err})
			}
			continue
		}
		for i, kw := range chunk {
			item := rank.BulkItem{Keyword: kw}
			if i >= len(env.Tasks) {
				item.Err = fmt.Errorf("bulk lookup: missing result slot %d", start+i)
			} else {
				taskRaw, _ := json.Marshal(env.Tasks[i])
				item.Result, item.Err = c.rankResult(kw, req.Domain, env.Tasks[i], taskRaw)
			}
			out = append(out, item)
		}
	}
	return out, nil
}

type overviewResult struct {
	Items []struct {
		Keyword     string `json:"keyword"`
		KeywordInfo struct {
			SearchVolume *int     `json:"search_volume"`
			CPC          *float64 `json:"cpc"`
		} `json:"keyword_info"`
		KeywordProperties struct {
			KeywordDifficulty *float64 `json:"keyword_difficulty"`
		} `json:"keyword_properties"`
	} `json:"items"`
}

// KeywordMetrics implements provider.MetricsSource.
func (c *Client) KeywordMetrics(
	ctx context.Context,
	keyword string,
	params rank.SearchParams,
) (rank.KeywordMetrics, error) {
	tasks := []overviewTask{{
		Keywords:     []string{keyword},
		LocationName: params.Location,
		LanguageCode: params.Language,
	}}
	env, _, err := c.post(ctx, endpointOverview,
		c.serpPath(params.SearchEngine, "dataforseo_labs", "keyword_overview/live"), tasks)
	if err != nil {
		return rank.KeywordMetrics{}, err
	}
	if len(env.Tasks) == 0 {
		return rank.KeywordMetrics{}, fmt.Errorf("keyword overview: empty response")
	}
	task := env.Tasks[0]
	if err := task.err(endpointOverview); err != nil {
		return rank.KeywordMetrics{}, err
	}
	if len(task.Result) == 0 {
		return rank.KeywordMetrics{}, nil
	}
	var res overviewResult
	if err := json.Unmarshal(task.Result[0], &res); err != nil {
		return rank.KeywordMetrics{}, fmt.Errorf("decode keyword overview: %w", err)
	}
	if len(res.Items) == 0 {
		return rank.KeywordMetrics{}, nil
	}
	item := res.Items[0]
	return rank.KeywordMetrics{
		SearchVolume: item.KeywordInfo.SearchVolume,
		Difficulty:   item.KeywordProperties.KeywordDifficulty,
		CPC:          item.KeywordInfo.CPC,
	}, nil
}

func (c *Client) serpTask(keyword string, params rank.SearchParams) serpTask {
	return serpTask{
		Keyword:      keyword,
		LocationName: params.Location,
		LanguageCode: params.Language,
		Depth:        c.cfg.Depth,
	}
}

// serpPath builds /v3/<api>/<engine>/<rest>. Only the engine segment varies by domain settings.
func (c *Client) serpPath(engine, api, rest string) string {
	engine = strings.ToLower(strings.TrimSpace(engine))
	if engine == "" {
		engine = "google"
	}
	return fmt.Sprintf("/v3/%s/%s/%s", api, engine, rest)
}

// post sends tasks to path, retrying transient failures, and returns the
// decoded envelope along with the raw body.
func (c *Client) post(ctx context.Context, endpoint, path string, tasks any) (envelope, []byte, error) {
	body, err := json.Marshal(tasks)
	if err != nil {
		return envelope{}, nil, fmt.Errorf("encode %s tasks: %w", endpoint, err)
	}
	var (
		env envelope
		raw []byte
	)
	err = c.retry.Do(ctx, func(ctx context.Context) error {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx, endpoint); err != nil {
				return err //nolint:wrapcheck // limiter wraps
			}
		}
		start := time.Now()
		gotEnv, gotRaw, doErr := c.do(ctx, endpoint, path, body)
		outcome := "ok"
		if doErr != nil {
			outcome = "error"
			c.logger.Debug("provider request failed",
				zap.String("endpoint", endpoint),
				zap.Error(doErr),
			)
		}
		metrics.ObserveProviderRequest(endpoint, outcome, time.Since(start))
		env, raw = gotEnv, gotRaw
		return doErr
	})
	if err != nil {
		return envelope{}, nil, err //nolint:wrapcheck // do wraps
	}
	return env, raw, nil
}

func (c *Client) do(ctx context.Context, endpoint, path string, body []byte) (envelope, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return envelope{}, nil, fmt.Errorf("build %s request: %w", endpoint, err)
	}
	req.SetBasicAuth(c.cfg.Login, c.cfg.Password)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return envelope{}, nil, fmt.Errorf("%s request: %w", endpoint, err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Debug("close provider response body", zap.Error(cerr))
		}
	}()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxResponseBytes+1))
	if err != nil {
		return envelope{}, nil, fmt.Errorf("read %s response: %w", endpoint, err)
	}
	if int64(len(raw)) > c.cfg.MaxResponseBytes {
		return envelope{}, nil, fmt.Errorf("%s response exceeds %d bytes", endpoint, c.cfg.MaxResponseBytes)
	}
	if resp.StatusCode != http.StatusOK {
		return envelope{}, nil, &provider.StatusError{
			Endpoint: endpoint,
			Code:     resp.StatusCode,
			Message:  strings.TrimSpace(string(raw)),
		}
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return envelope{}, nil, fmt.Errorf("decode %s response: %w", endpoint, err)
	}
	if env.StatusCode != statusOK {
		return envelope{}, nil, &provider.StatusError{
			Endpoint: endpoint,
			Code:     env.StatusCode,
			Message:  env.StatusMessage,
		}
	}
	return env, raw, nil
}
