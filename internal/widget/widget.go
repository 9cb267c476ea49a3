// Package widget generates the self-contained HTML document that hosts the
// hCaptcha challenge widget inside a sandboxed web surface. The document wires
// the widget's callbacks to the host through a single message binding; it makes
// no network calls of its own.
package widget

// HostBinding is the name of the window-level function the generated document
// uses to post messages back to the host. Every sandbox implementation must
// install a function with this name before the document's scripts run.
const HostBinding = "captchaPost"

// PendingExecuteFlag is the window-level flag the sandbox sets when an
// execute instruction arrives before the widget script has loaded. The
// document's onload callback drains it, so an early instruction is queued
// rather than lost.
const PendingExecuteFlag = "__captchaPendingExecute"

// Widget script endpoints. The enterprise endpoint differs from the standard
// one only in its path segment.
const (
	ScriptURLStandard   = "https://js.hcaptcha.com/1/api.js"
	ScriptURLEnterprise = "https://js.hcaptcha.com/1/enterprise/api.js"
)

// MountID is the element ID of the widget mount point inside the document.
const MountID = "captcha-mount"

// Size controls the widget's rendered size.
type Size string

const (
	SizeInvisible Size = "invisible"
	SizeNormal    Size = "normal"
	SizeCompact   Size = "compact"
)

// Theme controls the widget's color scheme.
type Theme string

const (
	ThemeLight Theme = "light"
	ThemeDark  Theme = "dark"
)

// Config parameterizes document generation. The zero value is usable except
// for SiteKey, which the host must supply; the core does not validate it.
type Config struct {
	// SiteKey identifies the verification target with the hCaptcha service.
	SiteKey string

	// Size of the widget. Defaults to SizeInvisible.
	Size Size

	// Theme of the widget. Defaults to ThemeLight.
	Theme Theme

	// Language is an optional BCP-47 hint passed to the widget script. When
	// empty the widget falls back to the surface's own locale.
	Language string

	// HideBadge hides the service's floating badge via an injected style rule.
	HideBadge bool

	// Debug adds a manual re-render button to the document.
	Debug bool

	// Enterprise switches the script tag to the enterprise endpoint.
	Enterprise bool

	// ScriptURL overrides both endpoints when set. Used for pointing the
	// document at a locally served widget script in tests.
	ScriptURL string
}

func (s Size) orDefault() Size {
	if s == "" {
		return SizeInvisible
	}
	return s
}

func (t Theme) orDefault() Theme {
	if t == "" {
		return ThemeLight
	}
	return t
}

// scriptURL resolves the widget script endpoint for this configuration,
// before query parameters are attached.
func (c Config) scriptURL() string {
	if c.ScriptURL != "" {
		return c.ScriptURL
	}
	if c.Enterprise {
		return ScriptURLEnterprise
	}
	return ScriptURLStandard
}
