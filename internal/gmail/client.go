// Package gmail is the resilient client for the Gmail API. Every logical
// call passes through the same envelope: rate limiter, credential lookup,
// per-call timeout, classification and retry with backoff. Each physical
// attempt is a single generated-client request.
package gmail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/oauth2"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"mailagent/internal/credential"
	"mailagent/internal/domain"
	"mailagent/internal/ratelimit"
	"mailagent/internal/retry"
)

// CredentialSource supplies and refreshes access tokens.
type CredentialSource interface {
	GetValidCredential(ctx context.Context, userID string) (*domain.Credential, error)
	ForceRefresh(ctx context.Context, userID, staleToken string) (*domain.Credential, error)
}

// Acquirer grants permission for one outbound call.
type Acquirer interface {
	TryAcquire(ctx context.Context, identity string) ratelimit.Decision
}

// Observer receives call and retry events.
type Observer interface {
	ObserveCall(op, outcome string, d time.Duration)
	ObserveRetry(op, kind string)
}

type Config struct {
	BaseURL     string // API root, default https://gmail.googleapis.com/
	HTTPClient  *http.Client
	Credentials CredentialSource
	Limiter     Acquirer
	Policy      retry.Policy
	CallTimeout time.Duration
	// Sleep is the backoff wait; tests replace it to observe delays.
	Sleep    retry.SleepFunc
	Observer Observer
	Logger   *slog.Logger
}

type Client struct {
	endpoint    string
	http        *http.Client
	creds       CredentialSource
	limiter     Acquirer
	policy      retry.Policy
	callTimeout time.Duration
	sleep       retry.SleepFunc
	observer    Observer
	logger      *slog.Logger
}

func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Policy.MaxAttempts < 1 {
		cfg.Policy = retry.Default
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if cfg.Sleep == nil {
		cfg.Sleep = retry.Sleep
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		endpoint:    strings.TrimRight(cfg.BaseURL, "/") + "/",
		http:        cfg.HTTPClient,
		creds:       cfg.Credentials,
		limiter:     cfg.Limiter,
		policy:      cfg.Policy,
		callTimeout: cfg.CallTimeout,
		sleep:       cfg.Sleep,
		observer:    cfg.Observer,
		logger:      cfg.Logger,
	}
}

// DefaultBaseURL is the public Gmail API root.
const DefaultBaseURL = "https://gmail.googleapis.com/"

const me = "me"

var tracer = otel.Tracer("mailagent/gmail")

// call describes one logical API operation. run issues exactly one request
// and must pass ctx to it.
type call struct {
	op  string
	run func(ctx context.Context, svc *gmailapi.Service) error
}

// do runs c through the envelope on behalf of userID.
func (c *Client) do(ctx context.Context, userID string, cl call) (err error) {
	ctx, span := tracer.Start(ctx, "gmail."+cl.op)
	span.SetAttributes(attribute.String("gmail.operation", cl.op))
	start := time.Now()
	defer func() {
		outcome := "success"
		if err != nil {
			outcome = KindOf(err).String()
			span.RecordError(err)
			span.SetStatus(codes.Error, outcome)
		}
		if c.observer != nil {
			c.observer.ObserveCall(cl.op, outcome, time.Since(start))
		}
		span.End()
	}()

	if c.limiter != nil {
		if d := c.limiter.TryAcquire(ctx, userID); !d.Allowed {
			return &Error{
				Kind:       KindRateLimited,
				Message:    fmt.Sprintf("request limit reached, resets in %d seconds", d.ResetSeconds),
				RetryAfter: time.Duration(d.ResetSeconds) * time.Second,
			}
		}
	}

	cred, err := c.creds.GetValidCredential(ctx, userID)
	if err != nil {
		return credentialError(err)
	}

	svc, err := c.service(ctx, cred.AccessToken)
	if err != nil {
		return &Error{Kind: KindUnknown, Message: "build service", Err: err}
	}

	refreshed := false
	failures := 0
	for attempt := 1; ; attempt++ {
		err := c.attempt(ctx, svc, cl)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var ge *Error
		if !errors.As(err, &ge) {
			return &Error{Kind: KindUnknown, Err: err, Attempts: attempt}
		}
		ge.Attempts = attempt

		if ge.Kind == KindAuthExpired && refreshed {
			return &Error{Kind: KindReauthorizationRequired, Message: "access token rejected after refresh", StatusCode: ge.StatusCode, Attempts: attempt}
		}
		if ge.Kind != KindAuthExpired && !ge.Retryable() {
			return ge
		}
		// The refresh retry is a physical attempt like any other.
		if attempt >= c.policy.MaxAttempts {
			c.logger.Warn("gmail call failed, attempts exhausted", "op", cl.op, "kind", ge.Kind.String(), "attempts", attempt)
			return ge
		}

		if ge.Kind == KindAuthExpired {
			refreshed = true
			c.logger.Info("access token rejected, refreshing", "op", cl.op, "user_id", userID)
			cred, err = c.creds.ForceRefresh(ctx, userID, cred.AccessToken)
			if err != nil {
				return credentialError(err)
			}
			if svc, err = c.service(ctx, cred.AccessToken); err != nil {
				return &Error{Kind: KindUnknown, Message: "build service", Err: err}
			}
			continue
		}

		failures++
		delay := c.policy.Delay(failures - 1)
		if ge.RetryAfter > delay {
			delay = ge.RetryAfter
		}
		if c.policy.MaxDelay > 0 && delay > c.policy.MaxDelay {
			delay = c.policy.MaxDelay
		}
		if c.observer != nil {
			c.observer.ObserveRetry(cl.op, ge.Kind.String())
		}
		c.logger.Warn("gmail call failed, will retry", "op", cl.op, "kind", ge.Kind.String(), "attempt", attempt, "backoff", delay)
		if err := c.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// service builds a generated client that authenticates with token over the
// configured transport.
func (c *Client) service(ctx context.Context, token string) (*gmailapi.Service, error) {
	hc := &http.Client{
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}),
			Base:   c.http.Transport,
		},
		Timeout: c.http.Timeout,
	}
	return gmailapi.NewService(ctx, option.WithHTTPClient(hc), option.WithEndpoint(c.endpoint))
}

// attempt performs one physical request under the per-call timeout.
func (c *Client) attempt(ctx context.Context, svc *gmailapi.Service, cl call) error {
	actx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	err := cl.run(actx, svc)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return classifyError(err, c.callTimeout)
}

func credentialError(err error) error {
	switch {
	case errors.Is(err, credential.ErrNotConnected):
		return &Error{Kind: KindReauthorizationRequired, Message: "gmail account not connected", Err: err}
	case errors.Is(err, credential.ErrReauthorizationRequired):
		return &Error{Kind: KindReauthorizationRequired, Message: "credential refresh failed", Err: err}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return &Error{Kind: KindUnknown, Message: "load credential", Err: err}
	}
}
