// Package stealth injects fingerprint-consistent overrides into a browsing
// context before any navigation, and pins request headers so the wire identity
// never drifts from the injected one.
package stealth

import (
	"fmt"
	"strings"

	"github.com/pricesentry/pricesentry/internal/driver"
	"github.com/pricesentry/pricesentry/internal/fingerprint"
)

// Apply installs all overrides on ctx. Must be called before the first
// navigation; init scripts only affect documents created afterwards.
func Apply(ctx driver.Context, profile *fingerprint.Profile) error {
	if err := ctx.AddInitScript(BuildScript(profile)); err != nil {
		return fmt.Errorf("failed to inject stealth script: %w", err)
	}
	if err := ctx.EnforceHeaders(Headers(profile)); err != nil {
		return fmt.Errorf("failed to enforce headers: %w", err)
	}
	return nil
}

// Headers returns the request headers matching the profile identity.
func Headers(profile *fingerprint.Profile) map[string]string {
	return map[string]string{
		"User-Agent":         profile.UserAgent,
		"Accept-Language":    profile.AcceptLanguage,
		"sec-ch-ua":          profile.SecCHUA(),
		"sec-ch-ua-platform": profile.SecCHUAPlatform(),
		"sec-ch-ua-mobile":   "?0",
	}
}

// BuildScript renders the full init script for a profile.
func BuildScript(profile *fingerprint.Profile) string {
	var b strings.Builder
	b.WriteString("(() => {\n")
	b.WriteString(navigatorScript(profile))
	b.WriteString(webglScript(profile))
	b.WriteString(canvasScript())
	b.WriteString(batteryScript())
	b.WriteString(connectionScript())
	b.WriteString("})();")
	return b.String()
}

func navigatorScript(p *fingerprint.Profile) string {
	langs := `"` + strings.Join(p.Languages, `","`) + `"`
	dnt := p.DoNotTrack
	if dnt == "unspecified" {
		dnt = ""
	}

	return fmt.Sprintf(`
  const define = (obj, prop, value) => {
    try { Object.defineProperty(obj, prop, { get: () => value, configurable: true }); } catch (e) {}
  };
  define(navigator, 'webdriver', undefined);
  define(navigator, 'deviceMemory', %d);
  define(navigator, 'hardwareConcurrency', %d);
  define(navigator, 'platform', '%s');
  define(navigator, 'vendor', '%s');
  define(navigator, 'maxTouchPoints', %d);
  define(navigator, 'languages', [%s]);
  define(navigator, 'doNotTrack', %s);
  if (!navigator.plugins || navigator.plugins.length === 0) {
    define(navigator, 'plugins', [
      { name: 'PDF Viewer', filename: 'internal-pdf-viewer', description: 'Portable Document Format' },
      { name: 'Chrome PDF Viewer', filename: 'internal-pdf-viewer', description: 'Portable Document Format' },
    ]);
  }
  window.chrome = window.chrome || { runtime: {} };
`,
		p.DeviceMemory,
		p.HardwareConcurrency,
		p.Platform,
		p.Vendor,
		p.MaxTouchPoints,
		langs,
		jsStringOrNull(dnt),
	)
}

func webglScript(p *fingerprint.Profile) string {
	// 37445/37446 are UNMASKED_VENDOR_WEBGL / UNMASKED_RENDERER_WEBGL.
	return fmt.Sprintf(`
  const patchGetParameter = (proto) => {
    if (!proto) return;
    const original = proto.getParameter;
    proto.getParameter = function (param) {
      if (param === 37445) return '%s';
      if (param === 37446) return '%s';
      return original.call(this, param);
    };
  };
  patchGetParameter(window.WebGLRenderingContext && WebGLRenderingContext.prototype);
  patchGetParameter(window.WebGL2RenderingContext && WebGL2RenderingContext.prototype);
`, p.WebGLVendor, p.WebGLRenderer)
}

// canvasScript perturbs a small random fraction of pixels, and only on
// canvases above a minimum size, so legitimate rendering is not visibly
// corrupted while fingerprint hashes become unstable.
func canvasScript() string {
	return `
  const MIN_CANVAS_AREA = 256 * 64;
  const NOISE_FRACTION = 0.002;
  const addNoise = (canvas, data) => {
    if (canvas.width * canvas.height < MIN_CANVAS_AREA) return;
    const n = Math.max(1, Math.floor(data.length / 4 * NOISE_FRACTION));
    for (let i = 0; i < n; i++) {
      const px = (Math.random() * (data.length / 4)) | 0;
      const channel = (Math.random() * 3) | 0;
      data[px * 4 + channel] = data[px * 4 + channel] ^ 1;
    }
  };
  const origToDataURL = HTMLCanvasElement.prototype.toDataURL;
  HTMLCanvasElement.prototype.toDataURL = function (...args) {
    const ctx = this.getContext('2d');
    if (ctx && this.width > 0 && this.height > 0) {
      try {
        const img = ctx.getImageData(0, 0, this.width, this.height);
        addNoise(this, img.data);
        ctx.putImageData(img, 0, 0);
      } catch (e) {}
    }
    return origToDataURL.apply(this, args);
  };
  const origGetImageData = CanvasRenderingContext2D.prototype.getImageData;
  CanvasRenderingContext2D.prototype.getImageData = function (...args) {
    const img = origGetImageData.apply(this, args);
    addNoise(this.canvas, img.data);
    return img;
  };
`
}

func batteryScript() string {
	return `
  if (navigator.getBattery) {
    navigator.getBattery = () => Promise.resolve({
      charging: true,
      chargingTime: 0,
      dischargingTime: Infinity,
      level: 0.87,
      addEventListener: () => {},
      removeEventListener: () => {},
    });
  }
`
}

func connectionScript() string {
	return `
  if (navigator.connection) {
    try {
      Object.defineProperty(navigator, 'connection', {
        get: () => ({ effectiveType: '4g', rtt: 50, downlink: 10, saveData: false }),
        configurable: true,
      });
    } catch (e) {}
  }
`
}

func jsStringOrNull(s string) string {
	if s == "" {
		return "null"
	}
	return "'" + s + "'"
}
