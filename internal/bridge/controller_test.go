package bridge

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeSandbox records the instructions it receives.
type fakeSandbox struct {
	mu       sync.Mutex
	resets   int
	executes int
}

func (f *fakeSandbox) ResetChallenge() {
	f.mu.Lock()
	f.resets++
	f.mu.Unlock()
}

func (f *fakeSandbox) ExecuteChallenge() {
	f.mu.Lock()
	f.executes++
	f.mu.Unlock()
}

func (f *fakeSandbox) counts() (resets, executes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resets, f.executes
}

// recorder captures host callback invocations.
type recorder struct {
	mu       sync.Mutex
	verifies []string
	reasons  []string
	expires  int
	closes   int
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnVerify: func(token string) {
			r.mu.Lock()
			r.verifies = append(r.verifies, token)
			r.mu.Unlock()
		},
		OnExpire: func() {
			r.mu.Lock()
			r.expires++
			r.mu.Unlock()
		},
		OnError: func(reason string) {
			r.mu.Lock()
			r.reasons = append(r.reasons, reason)
			r.mu.Unlock()
		},
		OnClose: func() {
			r.mu.Lock()
			r.closes++
			r.mu.Unlock()
		},
	}
}

func (r *recorder) snapshot() (verifies, reasons []string, expires, closes int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.verifies...), append([]string(nil), r.reasons...), r.expires, r.closes
}

func newTestController(t *testing.T, timeout time.Duration) (*Controller, *fakeSandbox, *recorder) {
	t.Helper()
	sb := &fakeSandbox{}
	rec := &recorder{}
	ctrl, err := New(sb, rec.callbacks(), Options{Timeout: timeout})
	require.NoError(t, err)
	t.Cleanup(ctrl.Teardown)
	return ctrl, sb, rec
}

func TestNew_RequiresSandbox(t *testing.T) {
	_, err := New(nil, Callbacks{OnVerify: func(string) {}}, Options{})
	assert.ErrorIs(t, err, ErrNilSandbox)
}

func TestNew_RequiresOnVerify(t *testing.T) {
	_, err := New(&fakeSandbox{}, Callbacks{}, Options{})
	assert.ErrorIs(t, err, ErrNilOnVerify)
}

func TestOpen_SideEffects(t *testing.T) {
	ctrl, sb, _ := newTestController(t, time.Second)

	assert.False(t, ctrl.Visible())
	assert.Equal(t, Overlay{Opacity: 0, ZIndex: -1}, ctrl.Overlay())

	ctrl.Open()

	assert.True(t, ctrl.Visible())
	assert.Equal(t, Overlay{Opacity: 1, ZIndex: 100}, ctrl.Overlay())
	resets, executes := sb.counts()
	assert.Equal(t, 1, resets, "open resets the widget before executing")
	assert.Equal(t, 1, executes)
}

func TestVerify_DeliveredExactlyOnce(t *testing.T) {
	ctrl, _, rec := newTestController(t, 100*time.Millisecond)

	ctrl.Open()
	ctrl.HandleMessage(`{"verify":"tok-123"}`)

	verifies, reasons, expires, closes := rec.snapshot()
	require.Equal(t, []string{"tok-123"}, verifies)
	assert.Empty(t, reasons)
	assert.Zero(t, expires)
	assert.Zero(t, closes, "verify must not fire OnClose")
	assert.False(t, ctrl.Visible())

	// The timeout was cancelled: no late error arrives.
	time.Sleep(250 * time.Millisecond)
	_, reasons, _, _ = rec.snapshot()
	assert.Empty(t, reasons)
}

func TestTimeout_SynthesizesError(t *testing.T) {
	ctrl, _, rec := newTestController(t, 50*time.Millisecond)

	ctrl.Open()

	require.Eventually(t, func() bool {
		_, reasons, _, _ := rec.snapshot()
		return len(reasons) == 1
	}, time.Second, 10*time.Millisecond)

	_, reasons, _, _ := rec.snapshot()
	assert.Equal(t, []string{ReasonTimeout}, reasons)
	assert.False(t, ctrl.Visible())

	// Exactly once.
	time.Sleep(150 * time.Millisecond)
	verifies, reasons, expires, _ := rec.snapshot()
	assert.Len(t, reasons, 1)
	assert.Empty(t, verifies)
	assert.Zero(t, expires)
}

func TestOpenTwice_CancelsFirstTimeout(t *testing.T) {
	ctrl, _, rec := newTestController(t, 80*time.Millisecond)

	ctrl.Open()
	time.Sleep(20 * time.Millisecond)
	ctrl.Open()

	// If both timers delivered, we would see two errors.
	time.Sleep(300 * time.Millisecond)
	_, reasons, _, _ := rec.snapshot()
	assert.Equal(t, []string{ReasonTimeout}, reasons, "re-open must cancel the first cycle's timeout")
}

func TestExpired_CancelsTimeout(t *testing.T) {
	ctrl, _, rec := newTestController(t, 80*time.Millisecond)

	ctrl.Open()
	ctrl.HandleMessage(`{"expired":"expired"}`)

	_, _, expires, _ := rec.snapshot()
	assert.Equal(t, 1, expires)
	assert.False(t, ctrl.Visible())

	time.Sleep(200 * time.Millisecond)
	_, reasons, expires, _ := rec.snapshot()
	assert.Empty(t, reasons, "expired must suppress the timeout")
	assert.Equal(t, 1, expires)
}

func TestErrorMessage_ReasonPassedThrough(t *testing.T) {
	ctrl, _, rec := newTestController(t, time.Second)

	ctrl.Open()
	ctrl.HandleMessage(`{"error":"challenge-error"}`)

	_, reasons, _, _ := rec.snapshot()
	assert.Equal(t, []string{"challenge-error"}, reasons)
	assert.False(t, ctrl.Visible())
}

func TestMalformedMessage_SwallowedAndRecoverable(t *testing.T) {
	ctrl, _, rec := newTestController(t, time.Second)

	ctrl.Open()
	ctrl.HandleMessage(`not json`)
	ctrl.HandleMessage(`{"verify":"tok","error":"boom"}`)

	verifies, reasons, expires, closes := rec.snapshot()
	assert.Empty(t, verifies)
	assert.Empty(t, reasons)
	assert.Zero(t, expires)
	assert.Zero(t, closes)
	assert.True(t, ctrl.Visible(), "transport noise must not resolve the cycle")

	// Well-formed messages still process normally afterwards.
	ctrl.HandleMessage(`{"verify":"tok-after-noise"}`)
	verifies, _, _, _ = rec.snapshot()
	assert.Equal(t, []string{"tok-after-noise"}, verifies)
}

func TestClose_WhileVerifying(t *testing.T) {
	ctrl, sb, rec := newTestController(t, 80*time.Millisecond)

	ctrl.Open()
	ctrl.Close()

	verifies, reasons, expires, closes := rec.snapshot()
	assert.Equal(t, 1, closes)
	assert.Empty(t, verifies)
	assert.Empty(t, reasons)
	assert.Zero(t, expires)
	assert.False(t, ctrl.Visible())

	resets, _ := sb.counts()
	assert.GreaterOrEqual(t, resets, 2, "close resets the widget")

	// Close cancels the pending timeout: no late error.
	time.Sleep(200 * time.Millisecond)
	_, reasons, _, _ = rec.snapshot()
	assert.Empty(t, reasons)
}

func TestReady_SetsLoadedWithoutStateTransition(t *testing.T) {
	ctrl, _, rec := newTestController(t, 50*time.Millisecond)

	assert.False(t, ctrl.Loaded())
	ctrl.Open()
	ctrl.HandleMessage(`{"onReady":true}`)

	assert.True(t, ctrl.Loaded())
	assert.True(t, ctrl.Visible(), "onReady is not a terminal event")

	// The timeout still governs the cycle.
	require.Eventually(t, func() bool {
		_, reasons, _, _ := rec.snapshot()
		return len(reasons) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestLateMessageAfterTimeout_NotDelivered(t *testing.T) {
	ctrl, _, rec := newTestController(t, 30*time.Millisecond)

	ctrl.Open()
	require.Eventually(t, func() bool {
		_, reasons, _, _ := rec.snapshot()
		return len(reasons) == 1
	}, time.Second, 5*time.Millisecond)

	// The widget answers after the client already gave up.
	ctrl.HandleMessage(`{"verify":"too-late"}`)

	verifies, reasons, _, _ := rec.snapshot()
	assert.Empty(t, verifies, "a cycle resolves through exactly one outcome")
	assert.Len(t, reasons, 1)
}

func TestTimeoutVerifyRace_AtMostOneOutcome(t *testing.T) {
	for i := 0; i < 20; i++ {
		ctrl, _, rec := newTestController(t, 10*time.Millisecond)

		ctrl.Open()
		time.Sleep(10 * time.Millisecond)
		ctrl.HandleMessage(`{"verify":"tok-racy"}`)
		time.Sleep(50 * time.Millisecond)

		verifies, reasons, _, _ := rec.snapshot()
		assert.Equal(t, 1, len(verifies)+len(reasons),
			"exactly one of OnVerify/OnError per cycle, got verifies=%v reasons=%v", verifies, reasons)
		ctrl.Teardown()
	}
}

func TestTeardown_IgnoresLateMessages(t *testing.T) {
	ctrl, _, rec := newTestController(t, 50*time.Millisecond)

	ctrl.Open()
	ctrl.Teardown()

	ctrl.HandleMessage(`{"verify":"tok-late"}`)
	ctrl.Open()
	ctrl.Close()

	time.Sleep(150 * time.Millisecond)
	verifies, reasons, expires, closes := rec.snapshot()
	assert.Empty(t, verifies)
	assert.Empty(t, reasons, "teardown cancels the pending timeout")
	assert.Zero(t, expires)
	assert.Zero(t, closes)
	assert.False(t, ctrl.Loaded())
	assert.False(t, ctrl.Visible())
}

func TestDefaultTimeoutApplied(t *testing.T) {
	sb := &fakeSandbox{}
	ctrl, err := New(sb, Callbacks{OnVerify: func(string) {}}, Options{})
	require.NoError(t, err)
	defer ctrl.Teardown()
	assert.Equal(t, DefaultTimeout, ctrl.timeout)
}
