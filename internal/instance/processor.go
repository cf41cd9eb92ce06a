package instance

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/channelhub/channelhub/internal/db/models"
	"github.com/channelhub/channelhub/internal/provider"
	"github.com/channelhub/channelhub/internal/telemetry"
)

// Outcome describes what processing one event did.
type Outcome struct {
	InstanceID string                `json:"instance_id,omitempty"`
	Event      string                `json:"event"`
	Applied    bool                  `json:"applied"`
	From       models.InstanceStatus `json:"from,omitempty"`
	To         models.InstanceStatus `json:"to,omitempty"`
	Reason     string                `json:"reason,omitempty"`
}

// EventProcessor applies provider webhook events to instance records.
// Processing is idempotent: an event whose target equals the current state is
// a no-op that writes neither the record nor the audit trail.
type EventProcessor struct {
	svc *Service
}

// NewEventProcessor returns a processor backed by svc.
func NewEventProcessor(svc *Service) *EventProcessor {
	return &EventProcessor{svc: svc}
}

// Process applies ev. Unknown instances return instance_not_found before any
// change is attempted; unknown event kinds are accepted and ignored.
func (p *EventProcessor) Process(ctx context.Context, ev Event) (out *Outcome, err error) {
	defer func() {
		result := "applied"
		switch {
		case err != nil:
			result = string(CodeOf(err))
			if result == "" {
				result = "error"
			}
		case out != nil && !out.Applied:
			result = "ignored"
		}
		telemetry.WebhookEventsTotal.WithLabelValues(ev.Kind(), result).Inc()
	}()

	if u, ok := ev.(UnknownEvent); ok {
		slog.Info("ignoring unhandled provider event", "event", u.Name, "provider_name", u.Instance)
		return &Outcome{Event: u.Name, Reason: "event kind not handled"}, nil
	}

	s := p.svc
	inst, err := s.store.GetByProviderName(ctx, ev.ProviderName())
	if err != nil {
		return nil, fmt.Errorf("failed to look up instance: %w", err)
	}
	if inst == nil {
		return nil, &Error{Code: CodeInstanceNotFound, Message: fmt.Sprintf("no instance for provider name %q", ev.ProviderName())}
	}

	unlock := s.locks.Lock(inst.ID)
	defer unlock()

	// Re-read under the lock; the lookup above only resolved the id.
	inst, err = s.load(ctx, inst.ID)
	if err != nil {
		return nil, err
	}

	switch e := ev.(type) {
	case QRCodeUpdated:
		return p.applyQRCode(ctx, inst, e)
	case ConnectionUpdate:
		return p.applyState(ctx, inst, e.Kind(), e.State, e.Reason)
	case StatusInstance:
		return p.applyState(ctx, inst, e.Kind(), e.State, "")
	}
	return &Outcome{InstanceID: inst.ID, Event: ev.Kind(), Reason: "event kind not handled"}, nil
}

func (p *EventProcessor) applyQRCode(ctx context.Context, inst *models.ChannelInstance, e QRCodeUpdated) (*Outcome, error) {
	out := &Outcome{InstanceID: inst.ID, Event: e.Kind(), From: inst.Status, To: inst.Status}
	if inst.Status != models.StatusConnecting {
		return nil, invalidTransition(inst.ID, inst.Status, models.StatusConnecting, "pairing codes are only accepted while connecting")
	}
	if inst.PairingCode != nil && *inst.PairingCode == e.Code {
		out.Reason = "pairing code unchanged"
		return out, nil
	}
	now := p.svc.opts.Clock.Now()
	if _, err := p.svc.commit(ctx, inst, models.StatusConnecting, TriggerPairingRefresh, ActorWebhook, "", func(n *models.ChannelInstance) {
		setPairingCode(n, e.Code, now)
	}, map[string]interface{}{"source": "webhook"}); err != nil {
		return nil, err
	}
	out.Applied = true
	return out, nil
}

func (p *EventProcessor) applyState(ctx context.Context, inst *models.ChannelInstance, kind string, state provider.State, reason string) (*Outcome, error) {
	out := &Outcome{InstanceID: inst.ID, Event: kind, From: inst.Status}
	to, trigger, errMsg, ok := TargetForState(inst.Status, state)
	if !ok {
		out.To = inst.Status
		out.Reason = fmt.Sprintf("provider state %q needs no change from %s", state, inst.Status)
		return out, nil
	}
	if errMsg != "" && reason != "" {
		errMsg = fmt.Sprintf("%s (reason %s)", errMsg, reason)
	}
	next, err := p.svc.commit(ctx, inst, to, trigger, ActorWebhook, errMsg, nil, map[string]interface{}{"source": "webhook", "event": kind})
	if err != nil {
		return nil, err
	}
	p.svc.afterProviderTransition(next)
	out.To = next.Status
	out.Applied = true
	return out, nil
}
