package bridge

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultTimeout bounds how long an open challenge may stay unresolved before
// the controller synthesizes an error outcome.
const DefaultTimeout = 30 * time.Second

// Sandbox is the capability the controller needs from the embedded web
// surface: two fire-and-forget instructions injected into the widget script.
// Both must be safe to issue before the widget reports ready (the widget
// no-ops or queues them itself). Implementations must not call back into the
// controller synchronously from these methods.
type Sandbox interface {
	// ResetChallenge clears the widget's internal challenge state.
	ResetChallenge()
	// ExecuteChallenge triggers a new challenge.
	ExecuteChallenge()
}

// Callbacks are the host-facing notifications. OnVerify is required; the rest
// are optional. At most one of OnVerify/OnExpire/OnError fires per challenge
// cycle, and never after Teardown.
type Callbacks struct {
	OnVerify func(token string)
	OnExpire func()
	OnError  func(reason string)
	OnClose  func()
}

// Options tune a Controller.
type Options struct {
	// Timeout for one challenge cycle. Defaults to DefaultTimeout.
	Timeout time.Duration
	// Logger for protocol observability. Defaults to a nop logger.
	Logger *zap.Logger
}

// Overlay is the declarative presentation state the host's rendering layer
// reads. The controller never shows or hides anything itself.
type Overlay struct {
	Opacity float64
	ZIndex  int
}

var (
	overlayShown  = Overlay{Opacity: 1, ZIndex: 100}
	overlayHidden = Overlay{Opacity: 0, ZIndex: -1}
)

// Controller owns the challenge lifecycle: it issues instructions to the
// sandbox, ingests its message stream, and guarantees that every Open cycle
// resolves through exactly one of verify, expire, error, or close.
//
// All state lives behind one mutex; the generation counter invalidates the
// pending timeout atomically with message handling, so a terminal message and
// a firing timer can never both deliver.
type Controller struct {
	sandbox Sandbox
	cb      Callbacks
	timeout time.Duration
	logger  *zap.Logger

	mu       sync.Mutex
	timer    *time.Timer
	gen      uint64
	cycleID  string
	loaded   bool
	visible  bool
	tornDown bool
}

// ErrNilSandbox is returned by New when no sandbox is supplied.
var ErrNilSandbox = errors.New("bridge: sandbox is required")

// ErrNilOnVerify is returned by New when the required OnVerify callback is
// missing.
var ErrNilOnVerify = errors.New("bridge: OnVerify callback is required")

// New creates a controller bound to one sandbox for its whole lifetime.
func New(sandbox Sandbox, cb Callbacks, opts Options) (*Controller, error) {
	if sandbox == nil {
		return nil, ErrNilSandbox
	}
	if cb.OnVerify == nil {
		return nil, ErrNilOnVerify
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		sandbox: sandbox,
		cb:      cb,
		timeout: timeout,
		logger:  logger.Named("bridge"),
	}, nil
}

// Open starts a challenge cycle. Valid from any state: an outstanding cycle is
// abandoned first (its timeout cancelled, no callback fired for it).
func (c *Controller) Open() {
	c.mu.Lock()
	if c.tornDown {
		c.mu.Unlock()
		return
	}

	c.cancelTimeoutLocked()
	c.gen++
	gen := c.gen
	c.cycleID = uuid.NewString()

	// Order matters: reset the widget before arming the timer so a stale
	// challenge can't satisfy the new cycle.
	c.sandbox.ResetChallenge()
	c.timer = time.AfterFunc(c.timeout, func() { c.timeoutFired(gen) })
	c.visible = true
	c.sandbox.ExecuteChallenge()

	c.logger.Debug("challenge opened",
		zap.String("cycle", c.cycleID),
		zap.Duration("timeout", c.timeout))
	c.mu.Unlock()
}

// Close abandons the current cycle without an outcome: the timeout is
// cancelled, the widget reset, the overlay hidden, and OnClose notified.
// It never fires OnVerify, OnExpire, or OnError.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.tornDown {
		c.mu.Unlock()
		return
	}
	cycle := c.cycleID
	c.resolveLocked()
	onClose := c.cb.OnClose
	c.mu.Unlock()

	c.logger.Debug("challenge closed", zap.String("cycle", cycle))
	if onClose != nil {
		onClose()
	}
}

// HandleMessage ingests one raw message from the sandbox. Unparseable payloads
// are transport noise: logged and discarded, never surfaced to the host.
// Terminal messages arriving outside an open cycle (after a timeout, a close,
// or before any Open) are likewise discarded, so each cycle resolves through
// at most one host callback.
func (c *Controller) HandleMessage(raw string) {
	ev, err := ParseMessage(raw)
	if err != nil {
		c.logger.Warn("discarding malformed sandbox message", zap.Error(err))
		return
	}

	c.mu.Lock()
	if c.tornDown {
		c.mu.Unlock()
		return
	}
	cycle := c.cycleID

	if ev.Kind == KindReady {
		c.loaded = true
		c.mu.Unlock()
		c.logger.Debug("widget ready")
		return
	}

	// A terminal message only counts against an in-flight cycle. Anything
	// arriving after the cycle resolved (timeout won the race, or the host
	// closed) is dropped so no callback fires twice.
	if !c.visible {
		c.mu.Unlock()
		c.logger.Debug("ignoring terminal message with no active challenge",
			zap.Stringer("outcome", ev.Kind))
		return
	}

	// Terminal event: cancel the timeout and hide the overlay atomically with
	// message handling, then deliver outside the lock.
	c.resolveLocked()
	var deliver func()
	switch ev.Kind {
	case KindVerify:
		token := ev.Token
		deliver = func() { c.cb.OnVerify(token) }
	case KindExpired:
		deliver = c.cb.OnExpire
	case KindError:
		reason := ev.Reason
		if c.cb.OnError != nil {
			deliver = func() { c.cb.OnError(reason) }
		}
	}
	c.mu.Unlock()

	c.logger.Debug("challenge resolved",
		zap.String("cycle", cycle),
		zap.Stringer("outcome", ev.Kind))
	if deliver != nil {
		deliver()
	}
}

// Teardown invalidates the controller when the host unmounts. Any pending
// timeout is cancelled and late-arriving messages are silently ignored rather
// than dispatched into a destroyed host.
func (c *Controller) Teardown() {
	c.mu.Lock()
	c.tornDown = true
	c.loaded = false
	c.visible = false
	c.cancelTimeoutLocked()
	c.gen++
	c.mu.Unlock()
}

// Loaded reports whether the widget signaled onReady in the current sandbox
// lifetime.
func (c *Controller) Loaded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loaded
}

// Visible reports whether a challenge cycle is in flight: true between Open
// and its resolution.
func (c *Controller) Visible() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.visible
}

// Overlay exposes visibility as an animatable opacity/z-index pair for the
// host's presentation layer.
func (c *Controller) Overlay() Overlay {
	if c.Visible() {
		return overlayShown
	}
	return overlayHidden
}

// timeoutFired runs on the timer goroutine. The generation check makes it a
// no-op when the cycle already resolved or a newer Open superseded it.
func (c *Controller) timeoutFired(gen uint64) {
	c.mu.Lock()
	if c.tornDown || gen != c.gen {
		c.mu.Unlock()
		return
	}
	cycle := c.cycleID
	c.resolveLocked()
	onError := c.cb.OnError
	c.mu.Unlock()

	c.logger.Warn("challenge timed out", zap.String("cycle", cycle))
	if onError != nil {
		onError(ReasonTimeout)
	}
}

// resolveLocked performs the shared terminal side effects: invalidate the
// pending timeout, hide the overlay, reset the widget. Caller holds c.mu.
func (c *Controller) resolveLocked() {
	c.cancelTimeoutLocked()
	c.gen++
	c.visible = false
	c.sandbox.ResetChallenge()
}

func (c *Controller) cancelTimeoutLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}
