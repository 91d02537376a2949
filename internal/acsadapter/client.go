package acsadapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	accessevents "dorm-access/internal/accessevents/domain"
)

const (
	// DefaultEventsPath is the door event query endpoint.
	DefaultEventsPath = "/artemis/api/acs/v2/door/events"

	successCode = "0"
	timeLayout  = "2006-01-02T15:04:05.000-07:00"
	mediaJSON   = "application/json"
)

// ErrSignatureRejected is returned when the gateway refuses the request signature.
var ErrSignatureRejected = errors.New("acsadapter: signature rejected")

// Client queries door events from the access-control gateway.
type Client struct {
	http       *resty.Client
	signer     *Signer
	eventsPath string
	location   *time.Location
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker[accessevents.FetchResult]
	logger     *zap.Logger
}

type clientOptions struct {
	timeout      time.Duration
	rps          float64
	burst        int
	failures     uint32
	openTimeout  time.Duration
	eventsPath   string
	location     *time.Location
	logger       *zap.Logger
	httpClient   *http.Client
	signerNow    func() time.Time
	signerNonces func() string
}

// Option customizes the client.
type Option func(*clientOptions)

// WithTimeout sets the HTTP client timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(o *clientOptions) {
		if timeout > 0 {
			o.timeout = timeout
		}
	}
}

// WithRateLimit caps outbound requests per second.
func WithRateLimit(rps float64, burst int) Option {
	return func(o *clientOptions) {
		if rps > 0 {
			o.rps = rps
		}
		if burst > 0 {
			o.burst = burst
		}
	}
}

// WithBreaker opens the circuit after failures consecutive errors for openTimeout.
func WithBreaker(failures uint32, openTimeout time.Duration) Option {
	return func(o *clientOptions) {
		if failures > 0 {
			o.failures = failures
		}
		if openTimeout > 0 {
			o.openTimeout = openTimeout
		}
	}
}

// WithEventsPath overrides the event query path.
func WithEventsPath(path string) Option {
	return func(o *clientOptions) {
		if path != "" {
			o.eventsPath = path
		}
	}
}

// WithLocation sets the zone used to format query windows.
func WithLocation(loc *time.Location) Option {
	return func(o *clientOptions) {
		if loc != nil {
			o.location = loc
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *clientOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithHTTPClient supplies the underlying HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(o *clientOptions) {
		o.httpClient = client
	}
}

// NewClient constructs a gateway client.
func NewClient(baseURL, appKey, appSecret string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("acsadapter: empty base url")
	}
	if appKey == "" || appSecret == "" {
		return nil, errors.New("acsadapter: empty app key or secret")
	}
	o := clientOptions{
		timeout:     10 * time.Second,
		rps:         5,
		burst:       5,
		failures:    5,
		openTimeout: 30 * time.Second,
		eventsPath:  DefaultEventsPath,
		location:    time.Local,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	var httpClient *resty.Client
	if o.httpClient != nil {
		httpClient = resty.NewWithClient(o.httpClient)
	} else {
		httpClient = resty.New()
	}
	// Retries would replay a signed nonce; the poller retries on the next tick instead.
	httpClient.
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(o.timeout).
		SetRetryCount(0).
		SetHeader("Content-Type", mediaJSON).
		SetHeader("Accept", mediaJSON)

	signer := NewSigner(appKey, appSecret)
	if o.signerNow != nil {
		signer.now = o.signerNow
	}
	if o.signerNonces != nil {
		signer.nonce = o.signerNonces
	}

	logger := o.logger.Named("acsadapter")
	breaker := gobreaker.NewCircuitBreaker[accessevents.FetchResult](gobreaker.Settings{
		Name:        "acs-gateway",
		MaxRequests: 1,
		Timeout:     o.openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= o.failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", zap.String("breaker", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})

	return &Client{
		http:       httpClient,
		signer:     signer,
		eventsPath: o.eventsPath,
		location:   o.location,
		limiter:    rate.NewLimiter(rate.Limit(o.rps), o.burst),
		breaker:    breaker,
		logger:     logger,
	}, nil
}

type eventsRequest struct {
	PageNo         int      `json:"pageNo"`
	PageSize       int      `json:"pageSize"`
	DoorIndexCodes []string `json:"doorIndexCodes"`
	EventTypes     []int    `json:"eventTypes"`
	StartTime      string   `json:"startTime"`
	EndTime        string   `json:"endTime"`
	PersonName     string   `json:"personName,omitempty"`
}

type eventsResponse struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		Total    int           `json:"total"`
		PageNo   int           `json:"pageNo"`
		PageSize int           `json:"pageSize"`
		List     []vendorEvent `json:"list"`
	} `json:"data"`
}

type vendorEvent struct {
	EventID       string `json:"eventId"`
	EventTime     string `json:"eventTime"`
	PersonID      string `json:"personId"`
	PersonName    string `json:"personName"`
	DoorIndexCode string `json:"doorIndexCode"`
	DoorName      string `json:"doorName"`
	DevIndexCode  string `json:"devIndexCode"`
	DevName       string `json:"devName"`
	EventType     int    `json:"eventType"`
}

// FetchEvents queries one page of door events.
func (c *Client) FetchEvents(ctx context.Context, req accessevents.FetchRequest) (accessevents.FetchResult, error) {
	if c == nil {
		return accessevents.FetchResult{}, errors.New("acsadapter: nil client")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return accessevents.FetchResult{}, fmt.Errorf("acsadapter: rate limit: %w", err)
	}
	return c.breaker.Execute(func() (accessevents.FetchResult, error) {
		return c.fetch(ctx, req)
	})
}

func (c *Client) fetch(ctx context.Context, req accessevents.FetchRequest) (accessevents.FetchResult, error) {
	body := eventsRequest{
		PageNo:         req.PageNo,
		PageSize:       req.PageSize,
		DoorIndexCodes: req.DoorIDs,
		EventTypes:     []int{req.EventType},
		StartTime:      req.Start.In(c.location).Format(timeLayout),
		EndTime:        req.End.In(c.location).Format(timeLayout),
		PersonName:     req.PersonName,
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(c.signer.Headers(http.MethodPost, mediaJSON, mediaJSON, c.eventsPath)).
		SetBody(body).
		Post(c.eventsPath)
	if err != nil {
		return accessevents.FetchResult{}, fmt.Errorf("acsadapter: request: %w", err)
	}
	switch status := resp.StatusCode(); {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return accessevents.FetchResult{}, fmt.Errorf("%w: status %d", ErrSignatureRejected, status)
	case status >= 300:
		return accessevents.FetchResult{}, fmt.Errorf("acsadapter: status %d: %s", status, truncate(resp.String(), 256))
	}

	raw := resp.Body()
	var decoded eventsResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return accessevents.FetchResult{}, fmt.Errorf("acsadapter: decode response: %w", err)
	}
	result := accessevents.FetchResult{
		Success: decoded.Code == successCode,
		Code:    decoded.Code,
		Message: decoded.Msg,
		Total:   decoded.Data.Total,
		Raw:     json.RawMessage(raw),
	}
	if !result.Success {
		c.logger.Warn("gateway returned failure", zap.String("code", decoded.Code), zap.String("msg", decoded.Msg))
		return result, nil
	}
	result.Events = make([]accessevents.AccessEvent, 0, len(decoded.Data.List))
	for _, item := range decoded.Data.List {
		result.Events = append(result.Events, toAccessEvent(item, req.EventType))
	}
	c.logger.Debug("fetched door events",
		zap.Int("event_type", req.EventType),
		zap.Int("page", req.PageNo),
		zap.Int("count", len(result.Events)),
		zap.Int("total", result.Total),
	)
	return result, nil
}

func toAccessEvent(item vendorEvent, fallbackType int) accessevents.AccessEvent {
	eventType := item.EventType
	if eventType == 0 {
		eventType = fallbackType
	}
	var occurred time.Time
	if item.EventTime != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, item.EventTime); err == nil {
			occurred = parsed.UTC()
		}
	}
	return accessevents.AccessEvent{
		ExternalID:    item.EventID,
		PersonID:      item.PersonID,
		PersonName:    item.PersonName,
		OccurredAt:    occurred,
		EventType:     eventType,
		EventTypeName: accessevents.EventTypeName(eventType),
		DoorID:        item.DoorIndexCode,
		DoorName:      item.DoorName,
		DeviceID:      item.DevIndexCode,
		DeviceName:    item.DevName,
	}
}

func truncate(value string, max int) string {
	if len(value) <= max {
		return value
	}
	return value[:max]
}
