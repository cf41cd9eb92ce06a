package instance

import (
	"fmt"
	"time"

	"github.com/channelhub/channelhub/internal/db/models"
)

// Trigger names the reason a status change was requested.
type Trigger string

const (
	TriggerConnect           Trigger = "connect"
	TriggerRetry             Trigger = "retry"
	TriggerPairingRefresh    Trigger = "pairing_refresh"
	TriggerProviderConfirmed Trigger = "provider_confirmed"
	TriggerProviderFailure   Trigger = "provider_failure"
	TriggerProviderClosed    Trigger = "provider_closed"
	TriggerLogout            Trigger = "logout"
	TriggerSuspend           Trigger = "suspend"
	TriggerReset             Trigger = "reset"
)

type edge struct {
	from models.InstanceStatus
	to   models.InstanceStatus
}

// transitions lists every legal edge and the triggers allowed to cause it.
// Edges into suspended are handled separately since they apply from any other status.
var transitions = map[edge][]Trigger{
	{models.StatusDisconnected, models.StatusConnecting}: {TriggerConnect},
	{models.StatusConnecting, models.StatusConnecting}:   {TriggerPairingRefresh},
	{models.StatusConnecting, models.StatusConnected}:    {TriggerProviderConfirmed},
	{models.StatusConnecting, models.StatusError}:        {TriggerProviderFailure},
	{models.StatusConnected, models.StatusError}:         {TriggerProviderFailure},
	{models.StatusError, models.StatusConnecting}:        {TriggerRetry},
	{models.StatusConnected, models.StatusDisconnected}:  {TriggerLogout, TriggerProviderClosed},
	{models.StatusSuspended, models.StatusDisconnected}:  {TriggerReset},
}

// CanTransition reports whether from -> to is legal for trigger.
func CanTransition(from, to models.InstanceStatus, trigger Trigger) bool {
	return ValidateTransition("", from, to, trigger) == nil
}

// ValidateTransition returns an invalid_transition error naming both states
// unless from -> to is allowed for trigger.
func ValidateTransition(id string, from, to models.InstanceStatus, trigger Trigger) error {
	if !from.Valid() || !to.Valid() {
		return invalidTransition(id, from, to, "unknown status")
	}
	if to == models.StatusSuspended {
		if from == models.StatusSuspended {
			return invalidTransition(id, from, to, "instance is already suspended")
		}
		if trigger != TriggerSuspend {
			return invalidTransition(id, from, to, fmt.Sprintf("trigger %q cannot suspend an instance", trigger))
		}
		return nil
	}
	allowed, ok := transitions[edge{from, to}]
	if !ok {
		return invalidTransition(id, from, to, "transition is not allowed")
	}
	for _, t := range allowed {
		if t == trigger {
			return nil
		}
	}
	return invalidTransition(id, from, to, fmt.Sprintf("trigger %q does not allow this transition", trigger))
}

// applyStatus sets inst.Status to "to" and enforces the invariants tied to
// status: pairing data exists only while connecting, and entering connected
// stamps LastConnectedAt and clears the last error.
func applyStatus(inst *models.ChannelInstance, to models.InstanceStatus, now time.Time, errMsg string) {
	if inst.Status == models.StatusConnecting && to != models.StatusConnecting {
		inst.PairingCode = nil
		inst.PairingCodeIssuedAt = nil
	}
	switch to {
	case models.StatusConnected:
		t := now
		inst.LastConnectedAt = &t
		inst.LastErrorMessage = nil
	case models.StatusError:
		if errMsg != "" {
			m := errMsg
			inst.LastErrorMessage = &m
		}
	}
	inst.Status = to
	inst.UpdatedAt = now
}

// setPairingCode stores a freshly issued code. Only valid while connecting.
func setPairingCode(inst *models.ChannelInstance, code string, now time.Time) {
	c := code
	t := now
	inst.PairingCode = &c
	inst.PairingCodeIssuedAt = &t
	inst.UpdatedAt = now
}
