package stealth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pricesentry/pricesentry/internal/driver"
	"github.com/pricesentry/pricesentry/internal/fingerprint"
)

type stubContext struct {
	scripts []string
	headers map[string]string
}

func (c *stubContext) NewPage() (driver.Page, error) { return nil, nil }

func (c *stubContext) AddInitScript(script string) error {
	c.scripts = append(c.scripts, script)
	return nil
}

func (c *stubContext) EnforceHeaders(headers map[string]string) error {
	c.headers = headers
	return nil
}

func (c *stubContext) Close() error { return nil }

func testProfile(t *testing.T) *fingerprint.Profile {
	t.Helper()
	return fingerprint.NewGenerator(time.Hour).ForDomain("shop.example")
}

func TestBuildScriptCarriesProfileIdentity(t *testing.T) {
	p := testProfile(t)
	script := BuildScript(p)

	assert.Contains(t, script, "'webdriver', undefined")
	assert.Contains(t, script, p.Platform)
	assert.Contains(t, script, p.WebGLVendor)
	assert.Contains(t, script, p.WebGLRenderer)
	assert.Contains(t, script, "37445")
	assert.Contains(t, script, "37446")
	assert.Contains(t, script, "MIN_CANVAS_AREA")
	assert.Contains(t, script, "getBattery")
}

func TestHeadersMatchProfile(t *testing.T) {
	p := testProfile(t)
	headers := Headers(p)

	assert.Equal(t, p.UserAgent, headers["User-Agent"])
	assert.Equal(t, p.AcceptLanguage, headers["Accept-Language"])
	assert.Equal(t, p.SecCHUA(), headers["sec-ch-ua"])
	assert.Equal(t, p.SecCHUAPlatform(), headers["sec-ch-ua-platform"])
	assert.Equal(t, "?0", headers["sec-ch-ua-mobile"])
}

func TestBuildScriptLanguages(t *testing.T) {
	p := &fingerprint.Profile{
		Languages:  []string{"pt-BR", "pt", "en"},
		DoNotTrack: "1",
		Vendor:     "Google Inc.",
	}
	script := BuildScript(p)

	assert.Contains(t, script, `["pt-BR","pt","en"]`)
	assert.Contains(t, script, `'doNotTrack', '1'`)
}

func TestBuildScriptUnspecifiedDNTIsNull(t *testing.T) {
	p := &fingerprint.Profile{
		Languages:  []string{"en-US"},
		DoNotTrack: "unspecified",
	}
	script := BuildScript(p)

	assert.Contains(t, script, `'doNotTrack', null`)
}

func TestApplyInstallsScriptAndHeaders(t *testing.T) {
	p := testProfile(t)
	ctx := &stubContext{}

	require.NoError(t, Apply(ctx, p))
	require.Len(t, ctx.scripts, 1)
	assert.Contains(t, ctx.scripts[0], "webdriver")
	assert.Equal(t, p.UserAgent, ctx.headers["User-Agent"])
}
