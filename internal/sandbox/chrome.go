// Package sandbox provides a concrete web surface for the bridge: a headless
// Chrome page driven over CDP. It loads the generated bridge document,
// installs the host message binding, and forwards everything the document
// posts to a single subscriber.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"captchabridge/internal/widget"
)

// Config holds sandbox configuration.
type Config struct {
	// BaseURL is the origin the document is loaded under. The captcha service
	// validates the site key against it; about:blank is used when empty.
	BaseURL string `yaml:"base_url"`

	// DebuggerURL attaches to an already running Chrome instead of launching.
	DebuggerURL string `yaml:"debugger_url"`

	// Bin overrides the Chrome binary used by the launcher.
	Bin string `yaml:"bin"`

	Headless            bool `yaml:"headless"`
	ViewportWidth       int  `yaml:"viewport_width"`
	ViewportHeight      int  `yaml:"viewport_height"`
	NavigationTimeoutMs int  `yaml:"navigation_timeout_ms"`
}

// DefaultConfig returns sensible defaults: a headless mobile-sized viewport.
func DefaultConfig() Config {
	return Config{
		Headless:            true,
		ViewportWidth:       400,
		ViewportHeight:      700,
		NavigationTimeoutMs: 30000,
	}
}

// GetViewportWidth returns viewport width.
func (c Config) GetViewportWidth() int {
	if c.ViewportWidth == 0 {
		return 400
	}
	return c.ViewportWidth
}

// GetViewportHeight returns viewport height.
func (c Config) GetViewportHeight() int {
	if c.ViewportHeight == 0 {
		return 700
	}
	return c.ViewportHeight
}

// NavigationTimeout returns the navigation timeout.
func (c Config) NavigationTimeout() time.Duration {
	if c.NavigationTimeoutMs == 0 {
		return 30 * time.Second
	}
	return time.Duration(c.NavigationTimeoutMs) * time.Millisecond
}

// Chrome is a bridge sandbox backed by one headless Chrome page. It satisfies
// bridge.Sandbox; instructions are best-effort script evaluations that no-op
// until the widget API exists in the page.
type Chrome struct {
	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex
	browser *rod.Browser
	page    *rod.Page
	cancel  context.CancelFunc
	handler func(raw string)
	id      string
}

// NewChrome creates an unstarted sandbox.
func NewChrome(cfg Config, logger *zap.Logger) *Chrome {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Chrome{
		cfg:    cfg,
		logger: logger.Named("sandbox"),
		id:     uuid.NewString(),
	}
}

// ID identifies this sandbox instance in logs.
func (s *Chrome) ID() string { return s.id }

// OnMessage registers the single subscriber for messages posted by the
// document. Must be called before Start so no message is dropped.
func (s *Chrome) OnMessage(fn func(raw string)) {
	s.mu.Lock()
	s.handler = fn
	s.mu.Unlock()
}

// Start launches (or attaches to) Chrome, installs the host binding, and
// loads the bridge document under the configured base origin.
func (s *Chrome) Start(ctx context.Context, document string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.browser != nil {
		return errors.New("sandbox already started")
	}

	controlURL := s.cfg.DebuggerURL
	if controlURL == "" {
		launch := launcher.New().Headless(s.cfg.Headless)
		if s.cfg.Bin != "" {
			launch = launch.Bin(s.cfg.Bin)
		}
		url, err := launch.Launch()
		if err != nil {
			return fmt.Errorf("launch chrome: %w", err)
		}
		controlURL = url
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return fmt.Errorf("connect to chrome: %w", err)
	}

	page, err := browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		_ = browser.Close()
		return fmt.Errorf("create page: %w", err)
	}

	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             s.cfg.GetViewportWidth(),
		Height:            s.cfg.GetViewportHeight(),
		DeviceScaleFactor: 1.0,
		Mobile:            true,
	}).Call(page); err != nil {
		s.logger.Warn("failed to set viewport", zap.Error(err))
	}

	// Establish the origin before swapping in the document, so the widget
	// script sees the host-supplied base URL.
	if s.cfg.BaseURL != "" {
		if err := page.Timeout(s.cfg.NavigationTimeout()).Navigate(s.cfg.BaseURL); err != nil {
			_ = browser.Close()
			return fmt.Errorf("navigate to base origin: %w", err)
		}
		_ = page.Timeout(s.cfg.NavigationTimeout()).WaitLoad()
	}

	// The host binding must exist before any document script runs.
	if err := (proto.RuntimeAddBinding{Name: widget.HostBinding}).Call(page); err != nil {
		_ = browser.Close()
		return fmt.Errorf("install host binding: %w", err)
	}

	// The pump lives until the Start context ends or Close is called,
	// whichever comes first.
	pumpCtx, cancel := context.WithCancel(ctx)
	wait := page.Context(pumpCtx).EachEvent(func(ev *proto.RuntimeBindingCalled) {
		if ev.Name != widget.HostBinding {
			return
		}
		s.mu.Lock()
		handler := s.handler
		s.mu.Unlock()
		if handler != nil {
			handler(ev.Payload)
		} else {
			s.logger.Warn("dropping message with no subscriber",
				zap.String("sandbox", s.id))
		}
	})
	go wait()

	if err := page.SetDocumentContent(document); err != nil {
		cancel()
		_ = browser.Close()
		return fmt.Errorf("load bridge document: %w", err)
	}

	s.browser = browser
	s.page = page
	s.cancel = cancel
	s.logger.Info("sandbox started",
		zap.String("sandbox", s.id),
		zap.String("base_url", s.cfg.BaseURL))
	return nil
}

// Instruction scripts. Both are safe before the widget script has loaded:
// reset no-ops and drops any queued execute; execute queues itself on the
// pending flag, which the document's onload callback replays.
var (
	resetScript = fmt.Sprintf(
		`() => { window.%s = false; if (window.hcaptcha) { try { hcaptcha.reset(); } catch (e) {} } }`,
		widget.PendingExecuteFlag)
	executeScript = fmt.Sprintf(
		`() => { if (window.hcaptcha) { try { hcaptcha.execute(); } catch (e) {} } else { window.%s = true; } }`,
		widget.PendingExecuteFlag)
)

// ResetChallenge clears the widget's challenge state.
func (s *Chrome) ResetChallenge() {
	s.eval(resetScript)
}

// ExecuteChallenge triggers the challenge.
func (s *Chrome) ExecuteChallenge() {
	s.eval(executeScript)
}

func (s *Chrome) eval(js string) {
	s.mu.Lock()
	page := s.page
	s.mu.Unlock()
	if page == nil {
		return
	}
	if _, err := page.Evaluate(&rod.EvalOptions{JS: js, ByValue: true}); err != nil {
		s.logger.Warn("instruction eval failed",
			zap.String("sandbox", s.id),
			zap.Error(err))
	}
}

// Close stops the event pump and tears the page and browser down.
func (s *Chrome) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.page != nil {
		_ = s.page.Close()
		s.page = nil
	}
	var err error
	if s.browser != nil {
		err = s.browser.Close()
		s.browser = nil
	}
	return err
}
