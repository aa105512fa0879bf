// Package captcha wraps the external solving service behind a capability
// interface. The core only needs Solve; the HTTP client here is thin glue.
package captcha

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var (
	ErrNoSolver = errors.New("no captcha solver configured")
	ErrTimedOut = errors.New("captcha solve timed out")
)

// Solver submits a challenge and returns a solution token.
type Solver interface {
	Solve(ctx context.Context, sitekey, pageURL string) (string, error)
}

type Options struct {
	APIKey       string
	SubmitURL    string
	ResultURL    string
	PollInterval time.Duration
	MaxPolls     int
}

func DefaultOptions() Options {
	return Options{
		SubmitURL:    "https://2captcha.com/in.php",
		ResultURL:    "https://2captcha.com/res.php",
		PollInterval: 5 * time.Second,
		MaxPolls:     24,
	}
}

// HTTPSolver talks the submit/poll wire protocol: one POST to enqueue the
// challenge, then fixed-interval polls against the result endpoint up to a
// hard attempt ceiling.
type HTTPSolver struct {
	opts   Options
	client *http.Client
	logger *slog.Logger
}

func NewHTTPSolver(opts Options, logger *slog.Logger) *HTTPSolver {
	if opts.SubmitURL == "" {
		opts.SubmitURL = DefaultOptions().SubmitURL
	}
	if opts.ResultURL == "" {
		opts.ResultURL = DefaultOptions().ResultURL
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultOptions().PollInterval
	}
	if opts.MaxPolls <= 0 {
		opts.MaxPolls = DefaultOptions().MaxPolls
	}
	return &HTTPSolver{
		opts:   opts,
		client: &http.Client{Timeout: 30 * time.Second},
		logger: logger.With("component", "captcha"),
	}
}

func (s *HTTPSolver) Solve(ctx context.Context, sitekey, pageURL string) (string, error) {
	if s.opts.APIKey == "" {
		return "", ErrNoSolver
	}

	requestID, err := s.submit(ctx, sitekey, pageURL)
	if err != nil {
		return "", err
	}

	s.logger.Info("captcha submitted", "requestID", requestID, "pageURL", pageURL)

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for poll := 0; poll < s.opts.MaxPolls; poll++ {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}

		token, ready, err := s.poll(ctx, requestID)
		if err != nil {
			return "", err
		}
		if ready {
			s.logger.Info("captcha solved", "requestID", requestID, "polls", poll+1)
			return token, nil
		}
	}

	return "", fmt.Errorf("%w after %d polls", ErrTimedOut, s.opts.MaxPolls)
}

func (s *HTTPSolver) submit(ctx context.Context, sitekey, pageURL string) (string, error) {
	form := url.Values{
		"key":       {s.opts.APIKey},
		"method":    {"userrecaptcha"},
		"googlekey": {sitekey},
		"pageurl":   {pageURL},
	}

	body, err := s.post(ctx, s.opts.SubmitURL, form)
	if err != nil {
		return "", fmt.Errorf("captcha submit failed: %w", err)
	}

	if !strings.HasPrefix(body, "OK|") {
		return "", fmt.Errorf("captcha submit rejected: %s", body)
	}
	return strings.TrimPrefix(body, "OK|"), nil
}

func (s *HTTPSolver) poll(ctx context.Context, requestID string) (token string, ready bool, err error) {
	q := url.Values{
		"key":    {s.opts.APIKey},
		"action": {"get"},
		"id":     {requestID},
	}

	body, err := s.get(ctx, s.opts.ResultURL+"?"+q.Encode())
	if err != nil {
		return "", false, fmt.Errorf("captcha poll failed: %w", err)
	}

	switch {
	case strings.HasPrefix(body, "OK|"):
		return strings.TrimPrefix(body, "OK|"), true, nil
	case body == "CAPCHA_NOT_READY":
		return "", false, nil
	default:
		return "", false, fmt.Errorf("captcha solve failed: %s", body)
	}
}

func (s *HTTPSolver) post(ctx context.Context, endpoint string, form url.Values) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return s.do(req)
}

func (s *HTTPSolver) get(ctx context.Context, endpoint string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}
	return s.do(req)
}

func (s *HTTPSolver) do(req *http.Request) (string, error) {
	resp, err := s.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(body)), nil
}
