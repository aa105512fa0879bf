package retry

import (
	"context"
	"errors"
	"regexp"
	"strings"
)

// Class buckets an attempt error for backoff and fallback decisions.
type Class string

const (
	ClassNetwork        Class = "NETWORK"
	ClassTimeout        Class = "TIMEOUT"
	ClassParse          Class = "PARSE"
	ClassCaptcha        Class = "CAPTCHA"
	ClassBlocked        Class = "BLOCKED"
	ClassAccessDenied   Class = "ACCESS_DENIED"
	ClassRateLimit      Class = "RATE_LIMIT"
	ClassSessionExpired Class = "SESSION_EXPIRED"
	ClassDataValidation Class = "DATA_VALIDATION"
	ClassBrowser        Class = "BROWSER"
	ClassProxy          Class = "PROXY"
	ClassUnknown        Class = "UNKNOWN"
)

// Flags are fallback switches merged into the retry state for the next attempt.
type Flags struct {
	RotateProxy          bool
	RotateBrowser        bool
	SimplifiedNavigation bool
	AlternativeParser    bool
	EnhancedStealth      bool
	RefreshSession       bool
}

func (f *Flags) merge(other Flags) {
	f.RotateProxy = f.RotateProxy || other.RotateProxy
	f.RotateBrowser = f.RotateBrowser || other.RotateBrowser
	f.SimplifiedNavigation = f.SimplifiedNavigation || other.SimplifiedNavigation
	f.AlternativeParser = f.AlternativeParser || other.AlternativeParser
	f.EnhancedStealth = f.EnhancedStealth || other.EnhancedStealth
	f.RefreshSession = f.RefreshSession || other.RefreshSession
}

// profile drives backoff and fallback for one class. growthFactor orders the
// classes: aggressive blocks back off much harder than plain network noise.
type profile struct {
	retryable    bool
	maxRetries   int // 0 means no class-specific cap
	baseFactor   float64
	growthFactor float64
	flags        Flags
}

var profiles = map[Class]profile{
	ClassNetwork:        {retryable: true, baseFactor: 1.0, growthFactor: 2.0},
	ClassTimeout:        {retryable: true, baseFactor: 1.5, growthFactor: 2.0, flags: Flags{SimplifiedNavigation: true}},
	ClassParse:          {retryable: true, baseFactor: 1.0, growthFactor: 1.5, flags: Flags{AlternativeParser: true}},
	ClassCaptcha:        {retryable: true, baseFactor: 4.0, growthFactor: 3.0, flags: Flags{RotateProxy: true, EnhancedStealth: true}},
	ClassBlocked:        {retryable: true, baseFactor: 5.0, growthFactor: 3.0, flags: Flags{RotateProxy: true, EnhancedStealth: true}},
	ClassAccessDenied:   {retryable: false},
	ClassRateLimit:      {retryable: true, baseFactor: 6.0, growthFactor: 4.0, flags: Flags{RotateProxy: true}},
	ClassSessionExpired: {retryable: true, baseFactor: 1.0, growthFactor: 1.5, flags: Flags{RefreshSession: true}},
	ClassDataValidation: {retryable: true, maxRetries: 1, baseFactor: 1.0, growthFactor: 1.0},
	ClassBrowser:        {retryable: true, baseFactor: 1.5, growthFactor: 2.0, flags: Flags{RotateBrowser: true}},
	ClassProxy:          {retryable: true, baseFactor: 1.0, growthFactor: 1.5, flags: Flags{RotateProxy: true}},
	ClassUnknown:        {retryable: true, baseFactor: 1.0, growthFactor: 2.0},
}

// Retryable reports whether the class is eligible for another attempt.
func (c Class) Retryable() bool {
	return profiles[c].retryable
}

var statusCodeRe = regexp.MustCompile(`\b(4\d\d|5\d\d)\b`)

// Classify buckets err by message and embedded status-code heuristics. The
// driver and HTTP layers produce untyped errors, so matching is textual on
// purpose; error type alone is never trusted.
func Classify(err error) Class {
	if err == nil {
		return ClassUnknown
	}

	msg := strings.ToLower(err.Error())

	switch {
	case errors.Is(err, context.DeadlineExceeded),
		strings.Contains(msg, "timeout"),
		strings.Contains(msg, "timed out"),
		strings.Contains(msg, "deadline exceeded"):
		return ClassTimeout

	case strings.Contains(msg, "captcha"),
		strings.Contains(msg, "robot check"),
		strings.Contains(msg, "are you a human"):
		return ClassCaptcha

	case strings.Contains(msg, "proxy"),
		strings.Contains(msg, "tunnel connection failed"),
		strings.Contains(msg, "err_proxy"):
		return ClassProxy

	case strings.Contains(msg, "rate limit"),
		strings.Contains(msg, "too many requests"),
		hasStatus(msg, "429"):
		return ClassRateLimit

	case strings.Contains(msg, "access denied"),
		strings.Contains(msg, "forbidden"),
		hasStatus(msg, "401"):
		return ClassAccessDenied

	case strings.Contains(msg, "blocked"),
		strings.Contains(msg, "unusual traffic"),
		strings.Contains(msg, "automated access"),
		hasStatus(msg, "403"):
		return ClassBlocked

	case strings.Contains(msg, "session expired"),
		strings.Contains(msg, "session invalid"),
		strings.Contains(msg, "login required"):
		return ClassSessionExpired

	case strings.Contains(msg, "browser"),
		strings.Contains(msg, "playwright"),
		strings.Contains(msg, "target closed"),
		strings.Contains(msg, "page crashed"),
		strings.Contains(msg, "context was destroyed"):
		return ClassBrowser

	case strings.Contains(msg, "net::"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "no such host"),
		strings.Contains(msg, "dns"),
		strings.Contains(msg, "network"),
		hasStatus(msg, "502"), hasStatus(msg, "503"), hasStatus(msg, "504"):
		return ClassNetwork

	case strings.Contains(msg, "parse"),
		strings.Contains(msg, "selector"),
		strings.Contains(msg, "no price found"),
		strings.Contains(msg, "malformed"):
		return ClassParse

	case strings.Contains(msg, "validation"),
		strings.Contains(msg, "implausible"),
		strings.Contains(msg, "out of range"):
		return ClassDataValidation
	}

	return ClassUnknown
}

func hasStatus(msg, code string) bool {
	for _, m := range statusCodeRe.FindAllString(msg, -1) {
		if m == code {
			return true
		}
	}
	return false
}
