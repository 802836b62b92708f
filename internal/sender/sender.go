// Package sender performs the protected outbound vendor call: bounded
// retries with exponential backoff inside a circuit breaker.
package sender

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/cenkalti/backoff/v4"
	"github.com/erauner12/greetingd/internal/config"
	"github.com/erauner12/greetingd/internal/fault"
	"github.com/erauner12/greetingd/internal/model"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// maxResponseBytes bounds how much of a vendor response body is retained
const maxResponseBytes = 64 << 10

// idempotencyHeader carries the key so an idempotent vendor can dedupe.
// The pipeline never assumes the vendor honors it.
const idempotencyHeader = "X-Idempotency-Key"

// Result is a successful vendor response
type Result struct {
	StatusCode      int
	Body            string
	VendorMessageID string
}

// Sender posts greetings to the vendor endpoint
type Sender struct {
	url     string
	cfg     config.SenderConfig
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

// StateFunc exposes breaker state to health aggregation
type StateFunc func() gobreaker.State

// New creates a Sender. onStateChange may be nil.
func New(vendorURL string, cfg config.SenderConfig, bcfg config.BreakerConfig, onStateChange func(from, to gobreaker.State)) *Sender {
	st := gobreaker.Settings{
		Name:        "vendor",
		MaxRequests: uint32(bcfg.HalfOpenProbes),
		// Without a positive Interval gobreaker counts cumulatively while
		// closed, so a long healthy run would dilute an outage below the
		// trip ratio forever.
		Interval: bcfg.CountsInterval,
		Timeout:  bcfg.OpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < uint32(bcfg.RollingWindow) {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= float64(bcfg.ErrorPct)/100
		},
		// Permanent (4xx) failures are the caller's problem, not a vendor
		// outage; only transient failures should trip the breaker.
		IsSuccessful: func(err error) bool {
			return err == nil || fault.IsPermanent(err)
		},
	}
	if onStateChange != nil {
		st.OnStateChange = func(_ string, from, to gobreaker.State) {
			log.Warn().Str("from", from.String()).Str("to", to.String()).Msg("vendor circuit breaker state change")
			onStateChange(from, to)
		}
	}

	return &Sender{
		url:     vendorURL,
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.AttemptTimeout},
		breaker: gobreaker.NewCircuitBreaker(st),
	}
}

// State returns the breaker's current state
func (s *Sender) State() gobreaker.State {
	return s.breaker.State()
}

// Send delivers one rendered message. Transient vendor failures (network,
// timeout, 5xx, 429) are retried up to cfg.RetryAttempts with exponential
// backoff; permanent 4xx responses propagate immediately. While the breaker
// is open, Send fails fast with a transient CIRCUIT_OPEN fault.
func (s *Sender) Send(ctx context.Context, user *model.User, typ model.MessageType, body, idemKey string) (*Result, error) {
	out, err := s.breaker.Execute(func() (any, error) {
		return s.sendWithRetry(ctx, user, body, idemKey)
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return nil, fault.Wrap(fault.KindTransient, "CIRCUIT_OPEN", err)
	}
	if err != nil {
		return nil, err
	}
	res := out.(*Result)
	log.Info().
		Str("user_id", user.ID).
		Str("type", string(typ)).
		Int("status", res.StatusCode).
		Msg("vendor send succeeded")
	return res, nil
}

func (s *Sender) sendWithRetry(ctx context.Context, user *model.User, body, idemKey string) (*Result, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.BackoffBase
	bo.Multiplier = s.cfg.BackoffFactor
	bo.MaxInterval = s.cfg.BackoffCap
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0

	var res *Result
	attempt := 0
	op := func() error {
		attempt++
		r, err := s.attempt(ctx, user, body, idemKey)
		if err != nil {
			if fault.IsPermanent(err) || ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			log.Warn().Err(err).Str("user_id", user.ID).Int("attempt", attempt).Msg("vendor attempt failed")
			return err
		}
		res = r
		return nil
	}

	err := backoff.Retry(op, backoff.WithContext(
		backoff.WithMaxRetries(bo, uint64(s.cfg.RetryAttempts-1)), ctx))
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s *Sender) attempt(ctx context.Context, user *model.User, body, idemKey string) (*Result, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.AttemptTimeout)
	defer cancel()

	payload, err := json.Marshal(map[string]string{
		"email":   user.Email,
		"message": body,
	})
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, "failed to encode vendor request", err)
	}

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, "failed to build vendor request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(idempotencyHeader, idemKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fault.Wrap(fault.KindTransient, "vendor request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fault.Wrap(fault.KindTransient, "failed to read vendor response", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return &Result{
			StatusCode:      resp.StatusCode,
			Body:            string(raw),
			VendorMessageID: extractMessageID(raw),
		}, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fault.Newf(fault.KindTransient, "vendor returned %d: %s", resp.StatusCode, trim(raw))
	default:
		return nil, fault.Newf(fault.KindPermanent, "vendor returned %d: %s", resp.StatusCode, trim(raw))
	}
}

func extractMessageID(raw []byte) string {
	var parsed struct {
		MessageID string `json:"messageId"`
		ID        string `json:"id"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return ""
	}
	if parsed.MessageID != "" {
		return parsed.MessageID
	}
	return parsed.ID
}

func trim(raw []byte) string {
	const max = 200
	if len(raw) > max {
		return string(raw[:max]) + "..."
	}
	return string(raw)
}

// BreakerStateValue maps gobreaker states onto the metrics gauge scale
func BreakerStateValue(st gobreaker.State) float64 {
	switch st {
	case gobreaker.StateOpen:
		return 2
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 0
	}
}

