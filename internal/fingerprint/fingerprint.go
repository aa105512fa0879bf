// Package fingerprint produces synthetic browser identities. A profile is
// internally consistent (platform matches the user agent, client hints match
// the declared Chrome version) and stable per domain for a TTL window, so a
// site never sees the same session present two different devices.
package fingerprint

import (
	"fmt"
	"hash/fnv"
	"sync"
	"time"
)

// Profile is an immutable set of identity signals presented to a target site.
type Profile struct {
	UserAgent           string
	Platform            string
	Vendor              string
	ViewportWidth       int
	ViewportHeight      int
	DeviceScaleFactor   float64
	Timezone            string
	Locale              string
	Languages           []string
	AcceptLanguage      string
	DeviceMemory        int
	HardwareConcurrency int
	WebGLVendor         string
	WebGLRenderer       string
	MaxTouchPoints      int
	DoNotTrack          string
	ChromeMajorVersion  int
}

// SecCHUA returns the sec-ch-ua header value matching the profile's browser version.
func (p *Profile) SecCHUA() string {
	v := p.ChromeMajorVersion
	return fmt.Sprintf(`"Not_A Brand";v="8", "Chromium";v="%d", "Google Chrome";v="%d"`, v, v)
}

// SecCHUAPlatform returns the sec-ch-ua-platform header value.
func (p *Profile) SecCHUAPlatform() string {
	switch p.Platform {
	case "Win32":
		return `"Windows"`
	case "MacIntel":
		return `"macOS"`
	default:
		return `"Linux"`
	}
}

type device struct {
	userAgent           string
	platform            string
	viewportWidth       int
	viewportHeight      int
	deviceScaleFactor   float64
	deviceMemory        int
	hardwareConcurrency int
	webGLVendor         string
	webGLRenderer       string
	chromeMajor         int
}

// Each entry describes one plausible machine. Mixing attributes across
// entries is what detection vendors look for, so selection is always whole-row.
var devices = []device{
	{
		userAgent:           "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		platform:            "Win32",
		viewportWidth:       1920,
		viewportHeight:      1080,
		deviceScaleFactor:   1.0,
		deviceMemory:        8,
		hardwareConcurrency: 8,
		webGLVendor:         "Google Inc. (NVIDIA)",
		webGLRenderer:       "ANGLE (NVIDIA, NVIDIA GeForce GTX 1660 Direct3D11 vs_5_0 ps_5_0, D3D11)",
		chromeMajor:         120,
	},
	{
		userAgent:           "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/119.0.0.0 Safari/537.36",
		platform:            "Win32",
		viewportWidth:       1536,
		viewportHeight:      864,
		deviceScaleFactor:   1.25,
		deviceMemory:        16,
		hardwareConcurrency: 12,
		webGLVendor:         "Google Inc. (Intel)",
		webGLRenderer:       "ANGLE (Intel, Intel(R) UHD Graphics 630 Direct3D11 vs_5_0 ps_5_0, D3D11)",
		chromeMajor:         119,
	},
	{
		userAgent:           "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		platform:            "MacIntel",
		viewportWidth:       1440,
		viewportHeight:      900,
		deviceScaleFactor:   2.0,
		deviceMemory:        8,
		hardwareConcurrency: 10,
		webGLVendor:         "Google Inc. (Apple)",
		webGLRenderer:       "ANGLE (Apple, ANGLE Metal Renderer: Apple M1 Pro, Unspecified Version)",
		chromeMajor:         120,
	},
	{
		userAgent:           "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		platform:            "Linux x86_64",
		viewportWidth:       1920,
		viewportHeight:      1080,
		deviceScaleFactor:   1.0,
		deviceMemory:        8,
		hardwareConcurrency: 16,
		webGLVendor:         "Google Inc. (AMD)",
		webGLRenderer:       "ANGLE (AMD, AMD Radeon RX 6600 (radeonsi navi23 LLVM 15.0.7), OpenGL 4.6)",
		chromeMajor:         120,
	},
}

type locale struct {
	timezone       string
	locale         string
	languages      []string
	acceptLanguage string
}

var locales = []locale{
	{"America/Sao_Paulo", "pt-BR", []string{"pt-BR", "pt", "en-US", "en"}, "pt-BR,pt;q=0.9,en-US;q=0.8,en;q=0.7"},
	{"America/New_York", "en-US", []string{"en-US", "en"}, "en-US,en;q=0.9"},
	{"Europe/Berlin", "de-DE", []string{"de-DE", "de", "en"}, "de-DE,de;q=0.9,en;q=0.8"},
}

type cacheEntry struct {
	profile   *Profile
	createdAt time.Time
}

// Generator derives stable per-domain profiles with a TTL cache.
type Generator struct {
	mu    sync.Mutex
	cache map[uint64]cacheEntry
	ttl   time.Duration
	now   func() time.Time
}

func NewGenerator(ttl time.Duration) *Generator {
	return &Generator{
		cache: make(map[uint64]cacheEntry),
		ttl:   ttl,
		now:   time.Now,
	}
}

// ForDomain returns the profile for a domain, generating and caching one if
// the cached entry is missing or expired. The returned profile must not be
// mutated by callers.
func (g *Generator) ForDomain(domain string) *Profile {
	key := domainHash(domain)

	g.mu.Lock()
	defer g.mu.Unlock()

	if entry, ok := g.cache[key]; ok && g.now().Sub(entry.createdAt) < g.ttl {
		return entry.profile
	}

	profile := buildProfile(key)
	g.cache[key] = cacheEntry{profile: profile, createdAt: g.now()}
	return profile
}

// Invalidate drops the cached profile for a domain so the next request
// presents a fresh identity. Used when a site has flagged the current one.
func (g *Generator) Invalidate(domain string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.cache, domainHash(domain))
}

// CacheSize returns the number of cached profiles, expired entries included.
func (g *Generator) CacheSize() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.cache)
}

func buildProfile(key uint64) *Profile {
	d := devices[key%uint64(len(devices))]
	l := locales[(key>>8)%uint64(len(locales))]

	touchPoints := 0
	dnt := "1"
	if key>>16&1 == 0 {
		dnt = "unspecified"
	}

	return &Profile{
		UserAgent:           d.userAgent,
		Platform:            d.platform,
		Vendor:              "Google Inc.",
		ViewportWidth:       d.viewportWidth,
		ViewportHeight:      d.viewportHeight,
		DeviceScaleFactor:   d.deviceScaleFactor,
		Timezone:            l.timezone,
		Locale:              l.locale,
		Languages:           l.languages,
		AcceptLanguage:      l.acceptLanguage,
		DeviceMemory:        d.deviceMemory,
		HardwareConcurrency: d.hardwareConcurrency,
		WebGLVendor:         d.webGLVendor,
		WebGLRenderer:       d.webGLRenderer,
		MaxTouchPoints:      touchPoints,
		DoNotTrack:          dnt,
		ChromeMajorVersion:  d.chromeMajor,
	}
}

func domainHash(domain string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(domain))
	return h.Sum64()
}
