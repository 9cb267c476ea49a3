package widget

import (
	"fmt"
	"html"
	"net/url"
	"strings"
)

// BuildDocument renders the bridge document for the given configuration. It is
// a pure function: equal configs produce byte-identical documents. The caller
// loads the result into a sandbox under whatever base origin it chooses; the
// document itself is origin-agnostic.
func BuildDocument(cfg Config) string {
	var b strings.Builder

	b.WriteString("<!DOCTYPE html>\n<html>\n<head>\n")
	b.WriteString(`<meta charset="utf-8">` + "\n")
	b.WriteString(`<meta name="viewport" content="width=device-width, initial-scale=1.0">` + "\n")

	b.WriteString("<style>\n")
	b.WriteString("html, body { margin: 0; padding: 0; height: 100%; background: transparent; }\n")
	fmt.Fprintf(&b, "#%s { display: flex; justify-content: center; align-items: center; height: 100%%; }\n", MountID)
	if cfg.HideBadge {
		b.WriteString(".hcaptcha-badge, #hcaptcha-badge { visibility: hidden !important; }\n")
	}
	b.WriteString("</style>\n")

	// Callback plumbing. Each widget outcome is serialized into a one-key JSON
	// object and handed to the host binding as a string. The binding is
	// installed by the sandbox before this document loads; the guard keeps the
	// document harmless when previewed in a plain browser.
	b.WriteString("<script>\n")
	fmt.Fprintf(&b, "function postToHost(payload) {\n"+
		"  if (typeof window.%s === \"function\") {\n"+
		"    window.%s(JSON.stringify(payload));\n"+
		"  }\n"+
		"}\n", HostBinding, HostBinding)
	b.WriteString("function onSubmit(token) { postToHost({ verify: String(token) }); }\n")
	b.WriteString("function onExpired() { postToHost({ expired: \"expired\" }); }\n")
	b.WriteString("function onError(reason) { postToHost({ error: String(reason) }); }\n")
	fmt.Fprintf(&b, "function onLoaded() {\n"+
		"  postToHost({ onReady: true });\n"+
		"  if (window.%s) { window.%s = false; hcaptcha.execute(); }\n"+
		"}\n", PendingExecuteFlag, PendingExecuteFlag)
	if cfg.Debug {
		fmt.Fprintf(&b, "function rerenderWidget() { if (window.hcaptcha) { hcaptcha.render(%q); } }\n", MountID)
	}
	b.WriteString("</script>\n")

	fmt.Fprintf(&b, "<script src=\"%s\" async defer></script>\n", attr(scriptTagURL(cfg)))
	b.WriteString("</head>\n<body>\n")

	fmt.Fprintf(&b,
		`<div id="%s" class="h-captcha" data-sitekey="%s" data-size="%s" data-theme="%s" data-callback="onSubmit" data-expired-callback="onExpired" data-error-callback="onError"></div>`+"\n",
		MountID, attr(cfg.SiteKey), attr(string(cfg.Size.orDefault())), attr(string(cfg.Theme.orDefault())))

	if cfg.Debug {
		b.WriteString(`<button id="captcha-rerender" onclick="rerenderWidget()">re-render</button>` + "\n")
	}

	b.WriteString("</body>\n</html>\n")
	return b.String()
}

// scriptTagURL attaches the onload hook and optional language hint to the
// resolved widget endpoint.
func scriptTagURL(cfg Config) string {
	q := url.Values{}
	q.Set("onload", "onLoaded")
	if cfg.Language != "" {
		q.Set("hl", cfg.Language)
	}
	base := cfg.scriptURL()
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + q.Encode()
}

// attr escapes a configuration value for interpolation into an HTML attribute.
// This guards the generated document against malformed values breaking out of
// their attribute context; it is not a security boundary against the host,
// which controls its own configuration.
func attr(v string) string {
	return html.EscapeString(v)
}
