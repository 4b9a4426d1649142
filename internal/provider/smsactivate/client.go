// Package smsactivate adapts the SMS-Activate handler API to provider.Gateway.
package smsactivate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/numbroker/internal/provider"
)

const DefaultBaseURL = "https://api.sms-activate.ae/stubs/handler_api.php"

// setStatus codes.
const (
	statusFinish = 6
	statusCancel = 8
)

const smsTimeLayout = "2006-01-02 15:04:05"

// DefaultMaxBodySize bounds a single response. The full getPrices table is
// the largest body the API sends.
const DefaultMaxBodySize = 64 << 20

// ErrResponseTooLarge reports a body over the configured limit. The body is
// not parsed, so a cut-off price table is never mistaken for a bad one.
var ErrResponseTooLarge = errors.New("provider response too large")

type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *slog.Logger
	maxBody int64
}

type Option func(*Client)

func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

func WithMaxBodySize(n int64) Option {
	return func(c *Client) { c.maxBody = n }
}

func New(apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 10 * time.Second},
		logger:  slog.Default(),
		maxBody: DefaultMaxBodySize,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ provider.Gateway = (*Client)(nil)

func (c *Client) call(ctx context.Context, action string, params url.Values) ([]byte, error) {
	if params == nil {
		params = url.Values{}
	}
	params.Set("api_key", c.apiKey)
	params.Set("action", action)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", action, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("provider request failed", "action", action, "error", err)
		return nil, fmt.Errorf("%w: %s: %v", provider.ErrUnavailable, action, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: read body: %v", provider.ErrUnavailable, action, err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: %s: http %d", provider.ErrUnavailable, action, resp.StatusCode)
	}
	if int64(len(body)) > c.maxBody {
		c.logger.Error("provider response over limit", "action", action, "limit", c.maxBody)
		return nil, fmt.Errorf("%w: %s: over %d bytes", ErrResponseTooLarge, action, c.maxBody)
	}
	return bytes.TrimSpace(body), nil
}

// flexString accepts both JSON strings and numbers; the API is not
// consistent about which it sends.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	if string(b) == "null" {
		*f = ""
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

// textError maps the plain-text error codes shared by all actions.
func textError(action string, body []byte) error {
	code := string(body)
	switch code {
	case "NO_NUMBERS":
		return provider.ErrNoNumbers
	case "NO_BALANCE":
		return provider.ErrNoProviderFunds
	case "BAD_SERVICE", "BAD_COUNTRY", "WRONG_SERVICE":
		return provider.ErrBadService
	case "NO_ACTIVATION", "WRONG_ACTIVATION_ID":
		return provider.ErrNotFound
	case "STATUS_CANCEL":
		return provider.ErrCancelled
	case "EARLY_CANCEL_DENIED":
		return provider.ErrTooEarly
	}
	if len(code) > 64 {
		code = code[:64]
	}
	return fmt.Errorf("%w: %s: %q", provider.ErrAmbiguous, action, code)
}

func isJSON(body []byte) bool {
	return len(body) > 0 && (body[0] == '{' || body[0] == '[')
}

type numberResponse struct {
	ActivationID   flexString `json:"activationId"`
	PhoneNumber    flexString `json:"phoneNumber"`
	ActivationCost flexString `json:"activationCost"`
	CountryCode    flexString `json:"countryCode"`
}

func (c *Client) Reserve(ctx context.Context, service, country string) (*provider.Reservation, error) {
	body, err := c.call(ctx, "getNumberV2", url.Values{"service": {service}, "country": {country}})
	if err != nil {
		return nil, err
	}
	if !isJSON(body) {
		return nil, textError("getNumberV2", body)
	}

	var r numberResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, fmt.Errorf("%w: getNumberV2: %v", provider.ErrAmbiguous, err)
	}
	if r.ActivationID == "" || r.PhoneNumber == "" {
		return nil, fmt.Errorf("%w: getNumberV2: missing activation id or number", provider.ErrAmbiguous)
	}
	cost, err := decimal.NewFromString(string(r.ActivationCost))
	if err != nil || !cost.IsPositive() {
		return nil, fmt.Errorf("%w: getNumberV2: bad activation cost %q", provider.ErrAmbiguous, r.ActivationCost)
	}

	return &provider.Reservation{
		ID:          string(r.ActivationID),
		PhoneNumber: string(r.PhoneNumber),
		Cost:        cost,
		CountryCode: string(r.CountryCode),
	}, nil
}

type statusResponse struct {
	VerificationType int `json:"verificationType"`
	SMS              *struct {
		DateTime flexString `json:"dateTime"`
		Code     flexString `json:"code"`
		Text     flexString `json:"text"`
	} `json:"sms"`
}

func (c *Client) PollStatus(ctx context.Context, id string) (*provider.Status, error) {
	body, err := c.call(ctx, "getStatusV2", url.Values{"id": {id}})
	if err != nil {
		return nil, err
	}
	if !isJSON(body) {
		return nil, textError("getStatusV2", body)
	}

	var r statusResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, fmt.Errorf("%w: getStatusV2: %v", provider.ErrAmbiguous, err)
	}

	st := &provider.Status{}
	if r.SMS != nil && r.SMS.Code != "" {
		st.CodeReceived = true
		st.Code = string(r.SMS.Code)
		st.Text = string(r.SMS.Text)
		if t, err := time.ParseInLocation(smsTimeLayout, string(r.SMS.DateTime), time.UTC); err == nil {
			st.ReceivedAt = t
		} else {
			st.ReceivedAt = time.Now().UTC()
		}
	}
	return st, nil
}

func (c *Client) setStatus(ctx context.Context, id string, status int, ok string) error {
	body, err := c.call(ctx, "setStatus", url.Values{"id": {id}, "status": {strconv.Itoa(status)}})
	if err != nil {
		return err
	}
	if string(body) == ok {
		return nil
	}
	return textError("setStatus", body)
}

func (c *Client) RequestCancel(ctx context.Context, id string) error {
	return c.setStatus(ctx, id, statusCancel, "ACCESS_CANCEL")
}

func (c *Client) Finish(ctx context.Context, id string) error {
	return c.setStatus(ctx, id, statusFinish, "ACCESS_ACTIVATION")
}

func (c *Client) Balance(ctx context.Context) (decimal.Decimal, error) {
	body, err := c.call(ctx, "getBalance", nil)
	if err != nil {
		return decimal.Zero, err
	}
	raw, found := strings.CutPrefix(string(body), "ACCESS_BALANCE:")
	if !found {
		return decimal.Zero, textError("getBalance", body)
	}
	bal, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: getBalance: %v", provider.ErrAmbiguous, err)
	}
	return bal, nil
}

type priceEntry struct {
	Cost   flexString `json:"cost"`
	Retail flexString `json:"retail"`
	Count  flexString `json:"count"`
}

func (c *Client) Prices(ctx context.Context) (provider.PriceTable, error) {
	body, err := c.call(ctx, "getPrices", nil)
	if err != nil {
		return nil, err
	}
	if !isJSON(body) {
		return nil, textError("getPrices", body)
	}

	var raw map[string]map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: getPrices: %v", provider.ErrAmbiguous, err)
	}

	table := make(provider.PriceTable, len(raw))
	for country, services := range raw {
		row := make(map[string]provider.Price, len(services))
		for service, msg := range services {
			var e priceEntry
			if err := json.Unmarshal(msg, &e); err != nil {
				continue
			}
			p := provider.Price{}
			p.Cost, _ = decimal.NewFromString(string(e.Cost))
			p.Retail, _ = decimal.NewFromString(string(e.Retail))
			p.Count, _ = strconv.Atoi(string(e.Count))
			row[service] = p
		}
		table[country] = row
	}
	return table, nil
}
