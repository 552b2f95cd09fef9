package challenge

import "math/rand/v2"

// userAgents is the pool a session's user agent is drawn from.
var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/132.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/130.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/129.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/128.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/132.0.6834.83 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.6778.139 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/130.0.6723.117 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; WOW64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/132.0.0.0 Safari/537.36 Edg/132.0.0.0",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36 Edg/131.0.0.0",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/130.0.6723.117 Safari/537.36 Edg/130.0.2849.80",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/132.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/130.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 14_4_1) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/132.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 13_6_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/129.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36 Edg/131.0.0.0",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/132.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Ubuntu; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/130.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36 OPR/116.0.0.0",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36 Brave/131",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/130.0.0.0 Safari/537.36 Vivaldi/6.9.3447.54",
}

// resolutions is the pool of base screen sizes.
var resolutions = []Viewport{
	{1920, 1080}, {2560, 1440}, {3840, 2160}, {1366, 768}, {1536, 864},
	{1600, 900}, {1280, 720}, {1360, 768}, {1920, 1200},
	{1440, 900}, {1680, 1050}, {1280, 800}, {2560, 1600},
	{2880, 1800}, {3024, 1890}, {3456, 2160},
	{1280, 1024}, {1024, 768}, {1400, 1050},
	{1920, 1280}, {2736, 1824}, {2880, 1920}, {3000, 2000},
	{2256, 1504}, {2496, 1664}, {3240, 2160},
	{3200, 1800}, {2304, 1440}, {1800, 1200},
}

const maxViewportJitter = 80

const (
	defaultLocale         = "en-US"
	defaultTimezone       = "Asia/Shanghai"
	defaultAcceptLanguage = "en-US,en;q=0.9,zh-CN;q=0.8,zh;q=0.7"
)

// Viewport is a browser window size in CSS pixels.
type Viewport struct {
	Width  int
	Height int
}

// Fingerprint is the per-attempt browser identity.
type Fingerprint struct {
	UserAgent      string
	Viewport       Viewport
	Locale         string
	Timezone       string
	AcceptLanguage string
}

// randomFingerprint draws a user agent and viewport independently; the
// viewport height is reduced by 0..80 px.
func randomFingerprint(intn func(int) int) Fingerprint {
	base := resolutions[intn(len(resolutions))]
	return Fingerprint{
		UserAgent:      userAgents[intn(len(userAgents))],
		Viewport:       Viewport{Width: base.Width, Height: base.Height - intn(maxViewportJitter+1)},
		Locale:         defaultLocale,
		Timezone:       defaultTimezone,
		AcceptLanguage: defaultAcceptLanguage,
	}
}

// RandomFingerprint draws a fingerprint from the package pools.
func RandomFingerprint() Fingerprint {
	return randomFingerprint(rand.IntN)
}
