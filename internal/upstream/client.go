// Package upstream talks REST to the queueing service: counter snapshots,
// the counter list and counter actions.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"qms/reception-service/internal/credentials"
	"qms/reception-service/internal/models"
	"qms/reception-service/internal/normalize"
	"qms/reception-service/internal/notify"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const maxBodyBytes = 1 << 20

type Action string

const (
	ActionCallNext Action = "call-next"
	ActionSkip     Action = "skip"
	ActionOpen     Action = "open"
	ActionCheckout Action = "checkout"
)

var actionSuccess = map[Action]string{
	ActionCallNext: "called next ticket",
	ActionSkip:     "skipped current ticket",
	ActionOpen:     "counter opened",
	ActionCheckout: "checked out of counter",
}

func ParseAction(raw string) (Action, error) {
	action := Action(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := actionSuccess[action]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownAction, raw)
	}
	return action, nil
}

type Options struct {
	BaseURL     string
	Timeout     time.Duration
	Credentials credentials.Provider
	Notifier    notify.Notifier
	Normalizer  *normalize.Normalizer
	Logger      zerolog.Logger
	Transport   http.RoundTripper
}

type Client struct {
	baseURL     string
	httpClient  *http.Client
	credentials credentials.Provider
	notifier    notify.Notifier
	normalizer  *normalize.Normalizer
	logger      zerolog.Logger
}

// FetchOptions controls error reporting. Silent reads are background
// reconciliations: failures are logged but never shown to the receptionist.
type FetchOptions struct {
	Silent bool
}

type ActionResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func NewClient(options Options) *Client {
	timeout := options.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	transport := options.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	notifier := options.Notifier
	if notifier == nil {
		notifier = notify.Nop{}
	}
	normalizer := options.Normalizer
	if normalizer == nil {
		normalizer = normalize.New(normalize.Options{})
	}
	return &Client{
		baseURL: strings.TrimRight(options.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(transport),
		},
		credentials: options.Credentials,
		notifier:    notifier,
		normalizer:  normalizer,
		logger:      options.Logger,
	}
}

func counterPath(counterID string, suffix ...string) string {
	parts := append([]string{"/api/reception/counters", url.PathEscape(counterID)}, suffix...)
	return strings.Join(parts, "/")
}

// FetchSnapshot reads the full queue state of one counter. A 204 is an empty
// counter. On failure the snapshot is nil and the error is a *FetchError.
func (c *Client) FetchSnapshot(ctx context.Context, counterID string, options FetchOptions) (*models.CounterSnapshot, error) {
	if counterID == "" {
		return nil, ErrEmptyCounterID
	}
	status, body, err := c.do(ctx, http.MethodGet, counterPath(counterID, "queue"))
	if err != nil {
		return nil, c.fetchFailed(ctx, options, &FetchError{Op: "fetch snapshot", Message: genericFetchMessage, Err: err})
	}
	if status == http.StatusNoContent {
		return models.EmptySnapshot(counterID), nil
	}
	if status < 200 || status > 299 {
		return nil, c.fetchFailed(ctx, options, &FetchError{Op: "fetch snapshot", Status: status, Message: bodyMessage(body, genericFetchMessage)})
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return models.EmptySnapshot(counterID), nil
	}
	snapshot, err := c.normalizer.DecodeSnapshot(body, counterID)
	if errors.Is(err, normalize.ErrNoSnapshot) {
		// The queue endpoint answers {} for a counter nobody is waiting at.
		return models.EmptySnapshot(counterID), nil
	}
	if err != nil {
		return nil, c.fetchFailed(ctx, options, &FetchError{Op: "fetch snapshot", Message: genericFetchMessage, Err: err})
	}
	snapshot.CounterID = counterID
	return snapshot, nil
}

// ListCounters reads the counters the receptionist can pick from.
func (c *Client) ListCounters(ctx context.Context, options FetchOptions) ([]models.CounterSummary, error) {
	status, body, err := c.do(ctx, http.MethodGet, "/api/reception/counters")
	if err != nil {
		return nil, c.fetchFailed(ctx, options, &FetchError{Op: "list counters", Message: genericCountersMessage, Err: err})
	}
	if status == http.StatusNoContent {
		return []models.CounterSummary{}, nil
	}
	if status < 200 || status > 299 {
		return nil, c.fetchFailed(ctx, options, &FetchError{Op: "list counters", Status: status, Message: bodyMessage(body, genericCountersMessage)})
	}
	counters, err := c.normalizer.DecodeCounters(body)
	if err != nil {
		return nil, c.fetchFailed(ctx, options, &FetchError{Op: "list counters", Message: genericCountersMessage, Err: err})
	}
	return counters, nil
}

// Act issues a counter command. Its effect reaches the view only through the
// next snapshot or push event. Success is a 2xx status or an explicit
// "success": true in the body; both are accepted.
func (c *Client) Act(ctx context.Context, action Action, counterID string) (ActionResult, error) {
	if _, ok := actionSuccess[action]; !ok {
		return ActionResult{}, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	if counterID == "" {
		c.notifier.Failure(ErrEmptyCounterID.Error())
		return ActionResult{}, ErrEmptyCounterID
	}
	status, body, err := c.do(ctx, http.MethodPost, counterPath(counterID, string(action)))
	if err != nil {
		c.notifier.Failure(genericActionMessage)
		return ActionResult{Message: genericActionMessage}, &FetchError{Op: string(action), Message: genericActionMessage, Err: err}
	}

	var envelope struct {
		Success *bool `json:"success"`
	}
	_ = json.Unmarshal(body, &envelope)
	explicit := envelope.Success != nil && *envelope.Success
	if (status >= 200 && status <= 299) || explicit {
		message := bodyMessage(body, actionSuccess[action])
		c.notifier.Success(message)
		c.logger.Info().Str("action", string(action)).Str("counter_id", counterID).Int("status", status).Msg("counter action accepted")
		return ActionResult{Success: true, Message: message}, nil
	}

	message := bodyMessage(body, genericActionMessage)
	c.notifier.Failure(message)
	return ActionResult{Message: message}, &FetchError{Op: string(action), Status: status, Message: message}
}

func (c *Client) do(ctx context.Context, method, path string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if method == http.MethodPost {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.token(ctx); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, body, nil
}

func (c *Client) token(ctx context.Context) string {
	if c.credentials == nil {
		return ""
	}
	token, err := c.credentials.Token(ctx)
	if err != nil {
		if !errors.Is(err, credentials.ErrNoToken) {
			c.logger.Warn().Err(err).Msg("credential lookup failed")
		}
		return ""
	}
	return token
}

// Token exposes the credential lookup for the realtime handshake.
func (c *Client) Token(ctx context.Context) string {
	return c.token(ctx)
}

func (c *Client) fetchFailed(ctx context.Context, options FetchOptions, err *FetchError) error {
	if ctx.Err() != nil {
		c.logger.Debug().Err(err).Msg("upstream read cancelled")
		return err
	}
	if options.Silent {
		c.logger.Debug().Err(err).Msg("silent upstream read failed")
		return err
	}
	c.logger.Warn().Err(err).Msg("upstream read failed")
	c.notifier.Failure(err.Message)
	return err
}

// bodyMessage extracts a display message from {"message"} or the
// {"error":{"message"}} envelope.
func bodyMessage(body []byte, fallback string) string {
	var envelope map[string]any
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fallback
	}
	if msg, ok := envelope["message"].(string); ok && strings.TrimSpace(msg) != "" {
		return strings.TrimSpace(msg)
	}
	switch e := envelope["error"].(type) {
	case string:
		if strings.TrimSpace(e) != "" {
			return strings.TrimSpace(e)
		}
	case map[string]any:
		if msg, ok := e["message"].(string); ok && strings.TrimSpace(msg) != "" {
			return strings.TrimSpace(msg)
		}
	}
	return fallback
}
