// Package client provides the rate-limited HTTP client for the upstream CRM API.
package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"maklerportal_backend/internal/crm/transport"
	"maklerportal_backend/platform/config"
	"maklerportal_backend/platform/logger"

	"golang.org/x/time/rate"
)

const (
	apiVersion = "2021-07-28"

	// maxErrorBody bounds how much of an upstream error body is kept for
	// diagnostics.
	maxErrorBody = 512

	// maxPages is a hard stop for pagination loops on top of the
	// fewer-rows-than-page-size rule.
	maxPages = 1000
)

// UpstreamError carries the endpoint, status and truncated body of a non-2xx
// upstream response so run summaries can report what actually failed.
type UpstreamError struct {
	Endpoint string
	Status   int
	Body     string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("crm %s: status %d: %s", e.Endpoint, e.Status, e.Body)
}

// Client is the HTTP client for the upstream CRM API. Every request passes
// through a shared fixed-interval limiter, so callers may fan out without
// breaking the aggregate pacing guarantee.
type Client struct {
	httpClient *http.Client
	baseURL    string
	pageSize   int
	limiter    *rate.Limiter
	log        *logger.Logger
}

// New creates a new CRM API client.
func New(cfg config.CRMConfig, log *logger.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    strings.TrimRight(cfg.GetCRMBaseURL(), "/"),
		pageSize:   cfg.GetCRMPageSize(),
		limiter:    rate.NewLimiter(rate.Every(cfg.GetCRMRequestInterval()), 1),
		log:        log,
	}
}

// RefreshToken exchanges a refresh token for a new token set.
func (c *Client) RefreshToken(ctx context.Context, clientID, clientSecret, refreshToken string) (transport.TokenSet, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return transport.TokenSet{}, err
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("client_id", clientID)
	form.Set("client_secret", clientSecret)
	form.Set("refresh_token", refreshToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/oauth/token", strings.NewReader(form.Encode()))
	if err != nil {
		return transport.TokenSet{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	body, err := c.send(req, "/oauth/token")
	if err != nil {
		return transport.TokenSet{}, err
	}

	return transport.ParseTokenSet(body)
}

// ListPipelines fetches the pipeline and stage definitions for a location.
func (c *Client) ListPipelines(ctx context.Context, token, locationID string) ([]transport.Pipeline, error) {
	query := url.Values{}
	query.Set("locationId", locationID)

	body, err := c.get(ctx, token, "/opportunities/pipelines", query)
	if err != nil {
		return nil, err
	}

	return transport.ParsePipelines(body)
}

// SearchOpportunities fetches all opportunities of a location through the
// bulk search endpoint, following pagination until a page comes back shorter
// than the page size.
func (c *Client) SearchOpportunities(ctx context.Context, token, locationID string) ([]transport.Opportunity, error) {
	var all []transport.Opportunity

	for page := 1; page <= maxPages; page++ {
		query := url.Values{}
		query.Set("location_id", locationID)
		query.Set("limit", strconv.Itoa(c.pageSize))
		query.Set("page", strconv.Itoa(page))

		body, err := c.get(ctx, token, "/opportunities/search", query)
		if err != nil {
			return nil, err
		}

		parsed, err := transport.ParseOpportunitySearch(body)
		if err != nil {
			return nil, err
		}

		all = append(all, parsed.Opportunities...)
		if len(parsed.Opportunities) < c.pageSize {
			break
		}
	}

	return all, nil
}

// ListPipelineOpportunities is the fallback listing used when the bulk
// search endpoint fails.
func (c *Client) ListPipelineOpportunities(ctx context.Context, token, pipelineID string) ([]transport.Opportunity, error) {
	var all []transport.Opportunity

	for page := 1; page <= maxPages; page++ {
		query := url.Values{}
		query.Set("limit", strconv.Itoa(c.pageSize))
		query.Set("page", strconv.Itoa(page))

		endpoint := "/opportunities/pipelines/" + url.PathEscape(pipelineID) + "/opportunities"
		body, err := c.get(ctx, token, endpoint, query)
		if err != nil {
			return nil, err
		}

		parsed, err := transport.ParseOpportunityListing(body)
		if err != nil {
			return nil, err
		}

		all = append(all, parsed...)
		if len(parsed) < c.pageSize {
			break
		}
	}

	return all, nil
}

// GetContact fetches a single contact by id.
func (c *Client) GetContact(ctx context.Context, token, contactID string) (transport.Contact, error) {
	body, err := c.get(ctx, token, "/contacts/"+url.PathEscape(contactID), nil)
	if err != nil {
		return transport.Contact{}, err
	}

	return transport.ParseContact(body)
}

// ListCalendars fetches the calendars of a location.
func (c *Client) ListCalendars(ctx context.Context, token, locationID string) ([]transport.Calendar, error) {
	query := url.Values{}
	query.Set("locationId", locationID)

	body, err := c.get(ctx, token, "/calendars/", query)
	if err != nil {
		return nil, err
	}

	return transport.ParseCalendars(body)
}

// ListCalendarEvents fetches the events of one calendar within a time window.
func (c *Client) ListCalendarEvents(ctx context.Context, token, locationID, calendarID string, from, to time.Time) ([]transport.CalendarEvent, error) {
	query := url.Values{}
	query.Set("locationId", locationID)
	query.Set("calendarId", calendarID)
	query.Set("startTime", strconv.FormatInt(from.UnixMilli(), 10))
	query.Set("endTime", strconv.FormatInt(to.UnixMilli(), 10))

	body, err := c.get(ctx, token, "/calendars/events", query)
	if err != nil {
		return nil, err
	}

	return transport.ParseCalendarEvents(body)
}

func (c *Client) get(ctx context.Context, token, endpoint string, query url.Values) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	reqURL := c.baseURL + endpoint
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Version", apiVersion)
	req.Header.Set("Accept", "application/json")

	return c.send(req, endpoint)
}

func (c *Client) send(req *http.Request, endpoint string) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.UpstreamError(endpoint, 0, err)
		return nil, fmt.Errorf("crm %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("crm %s: read body: %w", endpoint, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		upstreamErr := &UpstreamError{
			Endpoint: endpoint,
			Status:   resp.StatusCode,
			Body:     truncate(string(body), maxErrorBody),
		}
		c.log.UpstreamError(endpoint, resp.StatusCode, upstreamErr)
		return nil, upstreamErr
	}

	return body, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
