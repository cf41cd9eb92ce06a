package instance

import (
	"fmt"
	"time"
)

// Default pairing timings.
const (
	DefaultPairingWindow = 60 * time.Second
	DefaultScanGuard     = 15 * time.Second
)

// PairingPolicy governs how long a pairing code is shown and when refreshing
// it is refused because a scan is likely in progress.
type PairingPolicy struct {
	Window    time.Duration
	ScanGuard time.Duration
}

// DefaultPairingPolicy returns the 60s window with a 15s scan guard.
func DefaultPairingPolicy() PairingPolicy {
	return PairingPolicy{Window: DefaultPairingWindow, ScanGuard: DefaultScanGuard}
}

// Remaining returns how much of the window is left, never negative.
func (p PairingPolicy) Remaining(issuedAt, now time.Time) time.Duration {
	r := issuedAt.Add(p.Window).Sub(now)
	if r < 0 {
		return 0
	}
	return r
}

// ExpiresIn returns the remaining window in whole seconds. Expiry is advisory;
// it never changes instance status.
func (p PairingPolicy) ExpiresIn(issuedAt, now time.Time) int {
	return int(p.Remaining(issuedAt, now) / time.Second)
}

// Expired reports whether the window has fully elapsed.
func (p PairingPolicy) Expired(issuedAt, now time.Time) bool {
	return p.Remaining(issuedAt, now) == 0
}

// CheckRefresh refuses a refresh while 0 < remaining <= ScanGuard.
func (p PairingPolicy) CheckRefresh(id string, issuedAt *time.Time, now time.Time) error {
	if issuedAt == nil {
		return nil
	}
	remaining := p.Remaining(*issuedAt, now)
	if remaining > 0 && remaining <= p.ScanGuard {
		return &Error{
			Code:       CodeScanInProgress,
			Message:    fmt.Sprintf("pairing code expires in %ds and may be being scanned; retry after it expires", int(remaining/time.Second)),
			InstanceID: id,
		}
	}
	return nil
}

// Validate checks that the guard fits inside the window.
func (p PairingPolicy) Validate() error {
	if p.Window <= 0 {
		return fmt.Errorf("pairing window must be positive")
	}
	if p.ScanGuard < 0 || p.ScanGuard >= p.Window {
		return fmt.Errorf("scan guard must be non-negative and shorter than the pairing window")
	}
	return nil
}
