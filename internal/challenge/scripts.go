package challenge

import (
	"encoding/json"
	"fmt"
)

// pageState is what nudgePageScript reports back.
type pageState struct {
	Href          string `json:"href"`
	Ready         string `json:"ready"`
	Visibility    string `json:"visibility"`
	HasEnterprise bool   `json:"hasEnterprise"`
}

const nudgePageScript = `(function nudgePage() {
	try { window.focus(); } catch (e) {}
	try { document.dispatchEvent(new Event('mousemove')); } catch (e) {}
	try { document.dispatchEvent(new Event('visibilitychange')); } catch (e) {}
	return {
		href: location.href,
		ready: document.readyState,
		visibility: document.visibilityState,
		hasEnterprise: !!(window.grecaptcha && grecaptcha.enterprise),
	};
})()`

const extractSiteKeysScript = `(function extractSiteKeys() {
	const keys = [];
	const seen = new Set();
	for (const s of Array.from(document.querySelectorAll('script[src]'))) {
		const src = s.getAttribute('src') || '';
		if ((src.includes('recaptcha/enterprise.js') || src.includes('recaptcha/api.js')) && src.includes('render=')) {
			const m = src.match(/[?&]render=([^&]+)/);
			if (m && m[1]) {
				const k = decodeURIComponent(m[1]);
				if (!seen.has(k)) {
					seen.add(k);
					keys.push(k);
				}
			}
		}
	}
	return keys;
})()`

const widgetReadyExpr = `(typeof grecaptcha !== 'undefined' && typeof grecaptcha.enterprise !== 'undefined' && typeof grecaptcha.enterprise.execute === 'function')`

// injectLoaderScript appends the enterprise loader for siteKey unless the page
// already carries it.
func injectLoaderScript(siteKey string) string {
	return fmt.Sprintf(`(function injectLoader(siteKey) {
	try {
		const rendered = 'render=' + encodeURIComponent(siteKey);
		const exists = Array.from(document.querySelectorAll('script[src]')).some(s => {
			const src = s.getAttribute('src') || '';
			return src.includes('recaptcha/enterprise.js') && src.includes(rendered);
		});
		if (!exists) {
			const s = document.createElement('script');
			s.src = 'https://www.google.com/recaptcha/enterprise.js?' + rendered;
			s.async = true;
			document.head.appendChild(s);
		}
		return true;
	} catch (e) {
		return false;
	}
})(%s)`, jsString(siteKey))
}

// waitWidgetScript resolves true once the widget runtime exposes execute, or
// false after timeoutMs.
func waitWidgetScript(timeoutMs int64) string {
	return fmt.Sprintf(`(function widgetReady(timeoutMs) {
	return new Promise((resolve) => {
		const started = Date.now();
		const poll = () => {
			if %s { resolve(true); return; }
			if (Date.now() - started >= timeoutMs) { resolve(false); return; }
			setTimeout(poll, 100);
		};
		poll();
	});
})(%d)`, widgetReadyExpr, timeoutMs)
}

// executeScript asks the widget for a response token. The promise rejects on
// its own after timeoutMs.
func executeScript(siteKey, action string, timeoutMs int64) string {
	return fmt.Sprintf(`(function executeChallenge(siteKey, actionName, timeoutMs) {
	return new Promise((resolve, reject) => {
		const t = setTimeout(() => reject(new Error('timeout')), timeoutMs);
		try {
			grecaptcha.enterprise.ready(() => {
				grecaptcha.enterprise.execute(siteKey, { action: actionName })
					.then((val) => { clearTimeout(t); resolve(val); })
					.catch((err) => { clearTimeout(t); reject(err); });
			});
		} catch (e) {
			clearTimeout(t);
			reject(e);
		}
	});
})(%s, %s, %d)`, jsString(siteKey), jsString(action), timeoutMs)
}

func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
