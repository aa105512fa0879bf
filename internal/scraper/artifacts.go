package scraper

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pricesentry/pricesentry/internal/driver"
)

// saveArtifacts persists the rendered HTML and a full-page screenshot for a
// fully-failed extraction. Strictly best-effort: its own failures are logged
// and never mask the scrape failure.
func (r *scrapeRun) saveArtifacts(page driver.Page, html string) {
	dir := filepath.Join(
		r.service.opts.FailureDir,
		fmt.Sprintf("%s-%s", time.Now().Format("20060102T150405"), r.domain),
	)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		r.service.logger.Warn("failed to create failure dir", "dir", dir, "error", err)
		return
	}

	if err := os.WriteFile(filepath.Join(dir, "page.html"), []byte(html), 0o644); err != nil {
		r.service.logger.Warn("failed to persist html artifact", "dir", dir, "error", err)
	}

	if shot, err := page.Screenshot(true); err != nil {
		r.service.logger.Warn("failed to capture screenshot artifact", "dir", dir, "error", err)
	} else if err := os.WriteFile(filepath.Join(dir, "page.png"), shot, 0o644); err != nil {
		r.service.logger.Warn("failed to persist screenshot artifact", "dir", dir, "error", err)
	}

	r.artifactDir = dir
	r.service.logger.Info("failure artifacts saved", "dir", dir)
}
