// Package discovery is the Places-backed candidate source used by the collect
// and detail steps.
package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/rendis/leadflow/internal/steps"
	"github.com/rendis/leadflow/pkg/schema"
)

// ErrNotFound is returned (wrapped) by GetDetails for unknown place ids.
var ErrNotFound = schema.ErrPlaceNotFound

const (
	// DefaultBaseURL is the Places web service root.
	DefaultBaseURL = "https://maps.googleapis.com/maps/api/place"

	defaultTimeout  = 10 * time.Second
	defaultRPS      = 5
	maxResponseBody = 4 * 1024 * 1024
	detailFields    = "place_id,name,formatted_address,formatted_phone_number,website,rating," +
		"user_ratings_total,price_level,types,opening_hours,editorial_summary,reviews"
)

// Places response statuses.
const (
	statusOK             = "OK"
	statusZeroResults    = "ZERO_RESULTS"
	statusNotFound       = "NOT_FOUND"
	statusInvalidRequest = "INVALID_REQUEST"
)

// Config configures the Places client.
type Config struct {
	APIKey  string
	BaseURL string
	// RPS limits outgoing requests per second across all runs. Zero uses the default.
	RPS   float64
	Burst int
	// Timeout bounds each HTTP attempt.
	Timeout time.Duration
	// Retry is applied to transient failures. The zero value never retries.
	Retry      RetryPolicy
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// StatusError is a non-success Places response.
type StatusError struct {
	HTTPStatus int
	APIStatus  string
	Message    string
}

func (e *StatusError) Error() string {
	if e.APIStatus != "" {
		if e.Message != "" {
			return fmt.Sprintf("places: %s: %s", e.APIStatus, e.Message)
		}
		return "places: " + e.APIStatus
	}
	return fmt.Sprintf("places: http %d: %s", e.HTTPStatus, e.Message)
}

// Client talks to the Places text search and details endpoints. It is safe
// for concurrent use; a shared rate limiter spreads requests across runs.
type Client struct {
	apiKey  string
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	retry   RetryPolicy
	timeout time.Duration
	logger  *slog.Logger
}

// New creates a Places client.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "places API key is required")
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	if _, err := url.Parse(base); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid places base URL: %s", err.Error())
	}
	rps := cfg.RPS
	if rps <= 0 {
		rps = defaultRPS
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		apiKey:  cfg.APIKey,
		baseURL: base,
		http:    client,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		retry:   cfg.Retry,
		timeout: timeout,
		logger:  logger,
	}, nil
}

type searchResponse struct {
	Status        string `json:"status"`
	ErrorMessage  string `json:"error_message"`
	NextPageToken string `json:"next_page_token"`
	Results       []struct {
		PlaceID string `json:"place_id"`
	} `json:"results"`
}

type detailsResponse struct {
	Status       string       `json:"status"`
	ErrorMessage string       `json:"error_message"`
	Result       placeDetails `json:"result"`
}

type placeDetails struct {
	PlaceID          string   `json:"place_id"`
	Name             string   `json:"name"`
	FormattedAddress string   `json:"formatted_address"`
	Phone            string   `json:"formatted_phone_number"`
	Website          string   `json:"website"`
	Rating           float64  `json:"rating"`
	UserRatingsTotal int      `json:"user_ratings_total"`
	PriceLevel       int      `json:"price_level"`
	Types            []string `json:"types"`
	OpeningHours     *struct {
		OpenNow     *bool    `json:"open_now"`
		WeekdayText []string `json:"weekday_text"`
	} `json:"opening_hours"`
	EditorialSummary *struct {
		Overview string `json:"overview"`
	} `json:"editorial_summary"`
	Reviews []struct {
		Text string `json:"text"`
	} `json:"reviews"`
}

func (p placeDetails) toSchema() *schema.PlaceDetails {
	out := &schema.PlaceDetails{
		ID:          p.PlaceID,
		Name:        p.Name,
		Address:     p.FormattedAddress,
		Phone:       p.Phone,
		Website:     p.Website,
		Rating:      p.Rating,
		ReviewCount: p.UserRatingsTotal,
		PriceLevel:  p.PriceLevel,
		Types:       p.Types,
	}
	if p.OpeningHours != nil {
		out.OpenNow = p.OpeningHours.OpenNow
		out.OpeningHours = p.OpeningHours.WeekdayText
	}
	if p.EditorialSummary != nil {
		out.Summary = p.EditorialSummary.Overview
	}
	for _, r := range p.Reviews {
		if r.Text != "" {
			out.Reviews = append(out.Reviews, r.Text)
		}
	}
	return out
}

// FindCandidates runs a text search for q and returns the place ids of one
// result page plus the token of the next page, empty on the last page.
func (c *Client) FindCandidates(ctx context.Context, q steps.Query) ([]string, string, error) {
	params := url.Values{}
	if q.PageToken != "" {
		params.Set("pagetoken", q.PageToken)
	} else {
		params.Set("query", SearchText(q))
	}

	var resp searchResponse
	if err := c.get(ctx, "/textsearch/json", params, &resp); err != nil {
		return nil, "", err
	}
	switch resp.Status {
	case statusOK:
	case statusZeroResults:
		return nil, "", nil
	default:
		return nil, "", &StatusError{HTTPStatus: http.StatusOK, APIStatus: resp.Status, Message: resp.ErrorMessage}
	}

	ids := make([]string, 0, len(resp.Results))
	for _, r := range resp.Results {
		if r.PlaceID != "" {
			ids = append(ids, r.PlaceID)
		}
	}
	return ids, resp.NextPageToken, nil
}

// GetDetails fetches the detail record of one place. Unknown ids return an
// error wrapping ErrNotFound.
func (c *Client) GetDetails(ctx context.Context, placeID string) (*schema.PlaceDetails, error) {
	params := url.Values{}
	params.Set("place_id", placeID)
	params.Set("fields", detailFields)

	var resp detailsResponse
	if err := c.get(ctx, "/details/json", params, &resp); err != nil {
		return nil, err
	}
	switch resp.Status {
	case statusOK:
	case statusNotFound, statusZeroResults, statusInvalidRequest:
		return nil, fmt.Errorf("place %s: %w", placeID, ErrNotFound)
	default:
		return nil, &StatusError{HTTPStatus: http.StatusOK, APIStatus: resp.Status, Message: resp.ErrorMessage}
	}

	details := resp.Result.toSchema()
	if details.ID == "" {
		details.ID = placeID
	}
	return details, nil
}

// SearchText builds the free-text query for a search.
func SearchText(q steps.Query) string {
	parts := []string{q.BusinessType}
	parts = append(parts, q.Keywords...)
	text := strings.Join(strings.Fields(strings.Join(parts, " ")), " ")
	if q.Location != "" {
		text += " in " + q.Location
	}
	return text
}

// get performs a rate-limited GET with retries and decodes the JSON body into out.
func (c *Client) get(ctx context.Context, path string, params url.Values, out any) error {
	params.Set("key", c.apiKey)
	endpoint := c.baseURL + path + "?" + params.Encode()

	var lastErr error
	for attempt := 0; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		lastErr = c.do(ctx, endpoint, out)
		if lastErr == nil {
			return nil
		}
		if attempt >= c.retry.MaxRetries || !isRetryable(lastErr) || ctx.Err() != nil {
			return lastErr
		}
		delay := c.retry.backoff(attempt)
		c.logger.WarnContext(ctx, "places request failed, retrying",
			slog.String("path", path),
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", delay),
			slog.String("error", lastErr.Error()))
		if err := waitForBackoff(ctx, delay); err != nil {
			return lastErr
		}
	}
}

func (c *Client) do(ctx context.Context, endpoint string, out any) error {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		var uerr *url.Error
		if errors.As(err, &uerr) {
			uerr.URL = redactKey(uerr.URL)
		}
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{HTTPStatus: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode places response: %w", err)
	}
	return nil
}

// redactKey hides the API key in a request URL.
func redactKey(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	if q.Has("key") {
		q.Set("key", "REDACTED")
		u.RawQuery = q.Encode()
	}
	return u.String()
}

var _ steps.Discovery = (*Client)(nil)
