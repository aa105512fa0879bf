// Package driver abstracts the browser automation backend behind a small
// interface set. The pool, stealth layer and scraper talk only to these
// interfaces; the playwright binding is the one production implementation.
package driver

import (
	"context"
	"time"
)

// Driver launches browser processes. Implementations are registered
// statically; there is no runtime backend discovery.
type Driver interface {
	Launch(ctx context.Context, opts LaunchOptions) (Browser, error)
	// Close tears down the backend runtime after all browsers are closed.
	Close() error
}

type LaunchOptions struct {
	Headless    bool
	ProxyServer string
	UserAgent   string
}

// Browser is one automation-engine process.
type Browser interface {
	NewContext(opts ContextOptions) (Context, error)
	IsConnected() bool
	Close() error
}

type ContextOptions struct {
	UserAgent         string
	Locale            string
	TimezoneID        string
	ViewportWidth     int
	ViewportHeight    int
	DeviceScaleFactor float64
	ExtraHeaders      map[string]string
	// ProxyServer routes this context's traffic through a proxy without
	// relaunching the browser process.
	ProxyServer string
}

// Context is an isolated cookie/storage scope. One context serves exactly one
// in-flight request and is closed afterwards.
type Context interface {
	NewPage() (Page, error)
	// AddInitScript registers a script that runs once per new document,
	// before any site script.
	AddInitScript(script string) error
	// EnforceHeaders intercepts every request in the context and pins the
	// given headers so they cannot drift from the declared identity.
	EnforceHeaders(headers map[string]string) error
	Close() error
}

type WaitUntil string

const (
	WaitDOMContentLoaded WaitUntil = "domcontentloaded"
	WaitLoad             WaitUntil = "load"
	WaitCommit           WaitUntil = "commit"
)

type GotoOptions struct {
	Timeout   time.Duration
	WaitUntil WaitUntil
}

// Page is a single tab.
type Page interface {
	Goto(url string, opts GotoOptions) error
	Content() (string, error)
	Title() (string, error)
	Evaluate(script string) (any, error)
	Click(selector string) error
	Screenshot(fullPage bool) ([]byte, error)
	Close() error
}
