package scraper

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/pricesentry/pricesentry/internal/driver"
)

var sitekeyRe = regexp.MustCompile(`data-sitekey="([^"]+)"`)

// botCheckMarkers are interstitial phrases that mean the real page has not
// loaded yet, across the retailers this was tuned against.
var botCheckMarkers = []string{
	"verify you are a human",
	"are you a human",
	"robot check",
	"unusual traffic",
	"klicke auf die schaltfläche unten",
	"weiter shoppen",
	"continue shopping",
}

var interstitialButtons = []string{
	`button[type="submit"]`,
	`input[type="submit"]`,
	".a-button-text",
	`button`,
}

// passBotDefense inspects the landed page for interstitials and CAPTCHAs and
// tries to get past them: click-through first, then solver escalation. It
// returns an error classified as CAPTCHA/BLOCKED upstream when the page stays
// defended.
func (r *scrapeRun) passBotDefense(ctx context.Context, page driver.Page) error {
	content, err := page.Content()
	if err != nil {
		return err
	}
	lower := strings.ToLower(content)

	if sitekey := findSitekey(content, lower); sitekey != "" {
		return r.escalateCaptcha(ctx, page, sitekey)
	}

	if !containsAny(lower, botCheckMarkers) {
		return nil
	}

	r.service.logger.Info("bot interstitial detected, attempting click-through", "domain", r.domain)

	for _, selector := range interstitialButtons {
		if err := page.Click(selector); err != nil {
			continue
		}
		time.Sleep(2 * time.Second)

		after, err := page.Content()
		if err != nil {
			return err
		}
		if !containsAny(strings.ToLower(after), botCheckMarkers) {
			r.service.logger.Info("bot interstitial bypassed", "domain", r.domain, "selector", selector)
			return nil
		}
	}

	return fmt.Errorf("blocked: bot interstitial on %s could not be bypassed", r.domain)
}

// escalateCaptcha hands the challenge to the solving collaborator and injects
// the returned token. Without a solver the attempt fails as a CAPTCHA error.
func (r *scrapeRun) escalateCaptcha(ctx context.Context, page driver.Page, sitekey string) error {
	if r.service.solver == nil {
		return fmt.Errorf("captcha challenge on %s and no solver configured", r.domain)
	}

	r.service.logger.Info("captcha detected, escalating to solver", "domain", r.domain)

	token, err := r.service.solver.Solve(ctx, sitekey, r.url)
	if err != nil {
		return fmt.Errorf("captcha solve failed on %s: %w", r.domain, err)
	}

	script := fmt.Sprintf(`(() => {
  const field = document.querySelector('textarea[name="g-recaptcha-response"], #g-recaptcha-response');
  if (field) { field.style.display = 'block'; field.value = %q; }
  const form = field ? field.closest('form') : document.querySelector('form');
  if (form) form.submit();
})()`, token)

	if _, err := page.Evaluate(script); err != nil {
		return fmt.Errorf("captcha token injection failed on %s: %w", r.domain, err)
	}

	time.Sleep(3 * time.Second)

	after, err := page.Content()
	if err != nil {
		return err
	}
	if findSitekey(after, strings.ToLower(after)) != "" {
		return fmt.Errorf("captcha challenge on %s persisted after solve", r.domain)
	}

	r.service.logger.Info("captcha solved", "domain", r.domain)
	return nil
}

func findSitekey(content, lower string) string {
	if !strings.Contains(lower, "captcha") {
		return ""
	}
	if m := sitekeyRe.FindStringSubmatch(content); m != nil {
		return m[1]
	}
	return ""
}

func containsAny(haystack string, needles []string) bool {
	for _, needle := range needles {
		if strings.Contains(haystack, needle) {
			return true
		}
	}
	return false
}
