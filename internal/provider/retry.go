package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"mailagent/internal/retry"
)

// statusError is a non-2xx response from an inference backend.
type statusError struct {
	statusCode int
	body       string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.statusCode, e.body)
}

// transient reports whether err is worth another attempt: transport
// failures, 5xx and 429.
func transient(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.statusCode >= 500 || se.statusCode == http.StatusTooManyRequests
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// doWithRetry executes an HTTP request under policy. The response is only
// returned for 2xx; the caller closes its body.
func doWithRetry(ctx context.Context, client *http.Client, policy retry.Policy, sleep retry.SleepFunc, buildReq func() (*http.Request, error), logger *slog.Logger) (*http.Response, error) {
	var resp *http.Response
	attempt := 0
	err := retry.Do(ctx, policy, sleep, transient, func(ctx context.Context) error {
		attempt++
		req, err := buildReq()
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		r, err := client.Do(req.WithContext(ctx))
		if err != nil {
			logger.Warn("inference request failed", "attempt", attempt, "error", err)
			return err
		}
		if r.StatusCode < 200 || r.StatusCode > 299 {
			body, _ := io.ReadAll(io.LimitReader(r.Body, 4096))
			r.Body.Close()
			logger.Warn("inference backend error", "attempt", attempt, "status", r.StatusCode)
			return &statusError{statusCode: r.StatusCode, body: string(body)}
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}
