package driver

import (
	"context"
	"fmt"
	"sync"

	"github.com/playwright-community/playwright-go"
)

// PlaywrightDriver drives Chromium through playwright. One playwright runtime
// is shared by every browser the driver launches.
type PlaywrightDriver struct {
	mu sync.Mutex
	pw *playwright.Playwright
}

func NewPlaywrightDriver() (*PlaywrightDriver, error) {
	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("failed to start playwright: %w", err)
	}
	return &PlaywrightDriver{pw: pw}, nil
}

func (d *PlaywrightDriver) Launch(ctx context.Context, opts LaunchOptions) (Browser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	args := []string{
		"--disable-blink-features=AutomationControlled",
		"--disable-dev-shm-usage",
		"--no-sandbox",
		"--disable-setuid-sandbox",
		"--window-size=1920,1080",
	}
	if opts.UserAgent != "" {
		args = append(args, "--user-agent="+opts.UserAgent)
	}

	launchOpts := playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(opts.Headless),
		Args:     args,
	}
	if opts.ProxyServer != "" {
		launchOpts.Proxy = &playwright.Proxy{Server: opts.ProxyServer}
	}

	browser, err := d.pw.Chromium.Launch(launchOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	return &pwBrowser{browser: browser}, nil
}

func (d *PlaywrightDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pw == nil {
		return nil
	}
	err := d.pw.Stop()
	d.pw = nil
	if err != nil {
		return fmt.Errorf("failed to stop playwright: %w", err)
	}
	return nil
}

type pwBrowser struct {
	browser playwright.Browser
}

func (b *pwBrowser) NewContext(opts ContextOptions) (Context, error) {
	contextOpts := playwright.BrowserNewContextOptions{
		AcceptDownloads:   playwright.Bool(false),
		JavaScriptEnabled: playwright.Bool(true),
	}
	if opts.UserAgent != "" {
		contextOpts.UserAgent = playwright.String(opts.UserAgent)
	}
	if opts.Locale != "" {
		contextOpts.Locale = playwright.String(opts.Locale)
	}
	if opts.TimezoneID != "" {
		contextOpts.TimezoneId = playwright.String(opts.TimezoneID)
	}
	if opts.ViewportWidth > 0 && opts.ViewportHeight > 0 {
		contextOpts.Viewport = &playwright.Size{
			Width:  opts.ViewportWidth,
			Height: opts.ViewportHeight,
		}
	}
	if opts.DeviceScaleFactor > 0 {
		contextOpts.DeviceScaleFactor = playwright.Float(opts.DeviceScaleFactor)
	}
	if len(opts.ExtraHeaders) > 0 {
		contextOpts.ExtraHttpHeaders = opts.ExtraHeaders
	}
	if opts.ProxyServer != "" {
		contextOpts.Proxy = &playwright.Proxy{Server: opts.ProxyServer}
	}

	bctx, err := b.browser.NewContext(contextOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to create browser context: %w", err)
	}
	return &pwContext{ctx: bctx}, nil
}

func (b *pwBrowser) IsConnected() bool {
	return b.browser.IsConnected()
}

func (b *pwBrowser) Close() error {
	if err := b.browser.Close(); err != nil {
		return fmt.Errorf("failed to close browser: %w", err)
	}
	return nil
}

type pwContext struct {
	ctx playwright.BrowserContext
}

func (c *pwContext) NewPage() (Page, error) {
	page, err := c.ctx.NewPage()
	if err != nil {
		return nil, fmt.Errorf("failed to create page: %w", err)
	}
	return &pwPage{page: page}, nil
}

func (c *pwContext) AddInitScript(script string) error {
	if err := c.ctx.AddInitScript(playwright.Script{Content: playwright.String(script)}); err != nil {
		return fmt.Errorf("failed to add init script: %w", err)
	}
	return nil
}

func (c *pwContext) EnforceHeaders(headers map[string]string) error {
	err := c.ctx.Route("**/*", func(route playwright.Route) {
		merged := make(map[string]string, len(headers))
		for k, v := range route.Request().Headers() {
			merged[k] = v
		}
		for k, v := range headers {
			merged[k] = v
		}
		route.Continue(playwright.RouteContinueOptions{Headers: merged})
	})
	if err != nil {
		return fmt.Errorf("failed to install header route: %w", err)
	}
	return nil
}

func (c *pwContext) Close() error {
	if err := c.ctx.Close(); err != nil {
		return fmt.Errorf("failed to close context: %w", err)
	}
	return nil
}

type pwPage struct {
	page playwright.Page
}

func (p *pwPage) Goto(url string, opts GotoOptions) error {
	gotoOpts := playwright.PageGotoOptions{}
	if opts.Timeout > 0 {
		gotoOpts.Timeout = playwright.Float(float64(opts.Timeout.Milliseconds()))
	}
	switch opts.WaitUntil {
	case WaitLoad:
		gotoOpts.WaitUntil = playwright.WaitUntilStateLoad
	case WaitCommit:
		gotoOpts.WaitUntil = playwright.WaitUntilStateCommit
	default:
		gotoOpts.WaitUntil = playwright.WaitUntilStateDomcontentloaded
	}

	if _, err := p.page.Goto(url, gotoOpts); err != nil {
		return fmt.Errorf("navigation failed: %w", err)
	}
	return nil
}

func (p *pwPage) Content() (string, error) {
	content, err := p.page.Content()
	if err != nil {
		return "", fmt.Errorf("failed to get page content: %w", err)
	}
	return content, nil
}

func (p *pwPage) Title() (string, error) {
	title, err := p.page.Title()
	if err != nil {
		return "", fmt.Errorf("failed to get page title: %w", err)
	}
	return title, nil
}

func (p *pwPage) Evaluate(script string) (any, error) {
	result, err := p.page.Evaluate(script)
	if err != nil {
		return nil, fmt.Errorf("script evaluation failed: %w", err)
	}
	return result, nil
}

func (p *pwPage) Click(selector string) error {
	if err := p.page.Locator(selector).First().Click(); err != nil {
		return fmt.Errorf("click failed: %w", err)
	}
	return nil
}

func (p *pwPage) Screenshot(fullPage bool) ([]byte, error) {
	data, err := p.page.Screenshot(playwright.PageScreenshotOptions{
		FullPage: playwright.Bool(fullPage),
	})
	if err != nil {
		return nil, fmt.Errorf("screenshot failed: %w", err)
	}
	return data, nil
}

func (p *pwPage) Close() error {
	return p.page.Close()
}
