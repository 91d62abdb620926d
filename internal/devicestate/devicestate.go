// Package devicestate implements the Loxone-Link device lifecycle state
// machine (Offline/Parked/Online), its offer backoff schedule, and
// keep-alive/offline-timeout bookkeeping.
package devicestate

import (
	"log/slog"
	"math/rand"
	"sync"
	"time"
)

// State is one of the three lifecycle states a device can be in.
type State uint8

const (
	Offline State = iota
	Parked
	Online
)

func (s State) String() string {
	switch s {
	case Offline:
		return "offline"
	case Parked:
		return "parked"
	case Online:
		return "online"
	default:
		return "unknown"
	}
}

// Reason labels a transition for logging and event-bus publication.
type Reason string

const (
	ReasonPowerOn            Reason = "power_on"
	ReasonOfferConfirmOnline Reason = "offer_confirm_online"
	ReasonOfferConfirmParked Reason = "offer_confirm_parked"
	ReasonChallengeSolved    Reason = "challenge_solved"
	ReasonOfflineTimeout     Reason = "offline_timeout"
	ReasonExtensionsOffline  Reason = "extensions_offline"
	ReasonStopped            Reason = "stopped"
)

// DefaultKeepAlive is the floor keep-alive interval; the configured
// OfflineTimeoutSeconds can only stretch it, never shrink it below this.
const DefaultKeepAlive = 60 * time.Second

// offerTier is one step of the three-tier offer backoff schedule.
type offerTier struct {
	upToCount int // inclusive count threshold; -1 means "no upper bound"
	min, max  time.Duration
}

var offerTiers = []offerTier{
	{upToCount: 2, min: 100 * time.Millisecond, max: 150 * time.Millisecond},
	{upToCount: 9, min: 500 * time.Millisecond, max: 1000 * time.Millisecond},
	{upToCount: -1, min: 2000 * time.Millisecond, max: 3000 * time.Millisecond},
}

// NextOfferDelay returns the jittered delay before the (count+1)th offer,
// given count offers already sent since the last reset. count==0 returns 0:
// the first offer goes out immediately (SPEC_FULL.md §4.5).
func NextOfferDelay(count int) time.Duration {
	if count <= 0 {
		return 0
	}
	for _, t := range offerTiers {
		if t.upToCount < 0 || count <= t.upToCount {
			span := t.max - t.min
			if span <= 0 {
				return t.min
			}
			return t.min + time.Duration(rand.Int63n(int64(span)))
		}
	}
	return offerTiers[len(offerTiers)-1].min
}

// Transition describes a completed state change, suitable for logging or
// publishing on the event bus.
type Transition struct {
	From, To State
	Reason   Reason
	At       time.Time
}

// Machine is a single device's lifecycle state machine. It is safe for
// concurrent use; callers are still expected to serialize calls per-device
// through the owning device's processing loop (SPEC_FULL.md §5), so the
// mutex here guards against incidental concurrent reads (e.g. from the MQTT
// bridge) rather than true multi-writer contention.
type Machine struct {
	mu sync.Mutex

	state             State
	isAuthorized      bool
	extensionsOffline bool

	offerCount      int
	offlineDeadline time.Duration // remaining offline countdown
	offlineTimeout  time.Duration // full offline countdown length, per configured OfflineTimeoutSeconds
	keepAlive       time.Duration // periodic Alive cadence, floored at DefaultKeepAlive

	onTransition func(Transition)
	logger       *slog.Logger
}

// New returns a Machine starting Offline, and onTransition (may be nil)
// invoked synchronously after every committed transition. The keep-alive
// cadence is floored at DefaultKeepAlive per configured
// OfflineTimeoutSeconds, but the offline countdown itself runs on the
// configured value unfloored, so a short configured timeout still expires
// on time even though the device keeps sending Alive no more often than
// DefaultKeepAlive.
func New(logger *slog.Logger, offlineTimeoutSeconds uint32, onTransition func(Transition)) *Machine {
	keepAlive := DefaultKeepAlive
	if configured := time.Duration(offlineTimeoutSeconds) * time.Second; configured > keepAlive {
		keepAlive = configured
	}
	offlineTimeout := time.Duration(offlineTimeoutSeconds) * time.Second
	if offlineTimeout <= 0 {
		offlineTimeout = DefaultKeepAlive
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		state:          Offline,
		offlineTimeout: offlineTimeout,
		keepAlive:      keepAlive,
		onTransition:   onTransition,
		logger:         logger.With("component", "devicestate"),
	}
}

// State returns the current lifecycle state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsAuthorized reports whether the last challenge was solved successfully
// and hasn't since been cleared.
func (m *Machine) IsAuthorized() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isAuthorized
}

// OfferCount returns the number of offers sent since the last reset.
func (m *Machine) OfferCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.offerCount
}

// RecordOffer increments the offer counter and returns the delay before the
// next offer per the backoff schedule.
func (m *Machine) RecordOffer() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	delay := NextOfferDelay(m.offerCount)
	m.offerCount++
	return delay
}

func (m *Machine) resetOfferCountLocked() {
	m.offerCount = 0
}

// transitionLocked commits a state change and fires onTransition outside
// the lock.
func (m *Machine) transitionLocked(to State, reason Reason) {
	from := m.state
	m.state = to
	cb := m.onTransition
	logger := m.logger
	m.mu.Unlock()
	logger.Info("state transition", "from", from, "to", to, "reason", reason)
	if cb != nil {
		cb(Transition{From: from, To: to, Reason: reason, At: time.Now()})
	}
	m.mu.Lock()
}

// OfferConfirmed applies a NatOfferConfirm directed at this device: parked
// selects Parked, otherwise Online. Resets the offer counter and starts the
// offline countdown.
func (m *Machine) OfferConfirmed(parked bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetOfferCountLocked()
	m.offlineDeadline = m.offlineTimeout
	if parked {
		m.transitionLocked(Parked, ReasonOfferConfirmParked)
		return
	}
	m.isAuthorized = false
	m.transitionLocked(Online, ReasonOfferConfirmOnline)
}

// ChallengeSolved marks the device authorized and, if currently Parked,
// transitions it to Online.
func (m *Machine) ChallengeSolved() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.isAuthorized = true
	if m.state == Parked {
		m.transitionLocked(Online, ReasonChallengeSolved)
	}
}

// ChallengeFailed clears the authorized flag without transitioning.
func (m *Machine) ChallengeFailed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.isAuthorized = false
}

// ExtensionsOffline applies an ExtensionsOffline indication: clears
// is_authorized, resets offer timing, but does not change state.
func (m *Machine) ExtensionsOffline() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.extensionsOffline = true
	m.isAuthorized = false
	m.resetOfferCountLocked()
	m.logger.Info("extensions offline received", "state", m.state)
}

// ClearExtensionsOfflineLatch clears the suppression flag set by
// ExtensionsOffline; the IdentifyUnknown handler calls it.
func (m *Machine) ClearExtensionsOfflineLatch() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.extensionsOffline = false
}

// ResumeOffers resets the offer counter without otherwise touching state,
// used by IdentifyUnknown handling to make an unassigned device start
// offering again immediately (SPEC_FULL.md §4.6).
func (m *Machine) ResumeOffers() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetOfferCountLocked()
}

// OffersSuppressed reports whether offer emission is currently suppressed
// by a pending ExtensionsOffline latch.
func (m *Machine) OffersSuppressed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.extensionsOffline
}

// Reset forces the machine back to Offline, clearing auxiliary flags and the
// offer counter. Used on power-on and after an offline timeout.
func (m *Machine) Reset(reason Reason) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.isAuthorized = false
	m.extensionsOffline = false
	m.resetOfferCountLocked()
	m.offlineDeadline = 0
	if m.state != Offline {
		m.transitionLocked(Offline, reason)
		return
	}
}

// Tick decrements the offline countdown by one second while Parked or
// Online; once it reaches zero it forces a transition to Offline. Intended
// to be called once per second by the owning device's timer (SPEC_FULL.md
// §5, "Timeouts").
func (m *Machine) Tick() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Offline {
		return
	}
	m.offlineDeadline -= time.Second
	if m.offlineDeadline <= 0 {
		m.transitionLocked(Offline, ReasonOfflineTimeout)
	}
}

// ResetOfflineCountdown restarts the offline countdown, called whenever any
// frame addressed to this device is received.
func (m *Machine) ResetOfflineCountdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offlineDeadline = m.offlineTimeout
}

// KeepAliveInterval returns the effective keep-alive period.
func (m *Machine) KeepAliveInterval() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.keepAlive
}

// Stop forces Offline with ReasonStopped, for use during shutdown; the
// caller is still responsible for emitting the wire-level SetOffline frame
// if the prior state was Online (SPEC_FULL.md §5, "Cancellation").
func (m *Machine) Stop() State {
	m.mu.Lock()
	prior := m.state
	defer m.mu.Unlock()
	if prior != Offline {
		m.transitionLocked(Offline, ReasonStopped)
	}
	return prior
}
