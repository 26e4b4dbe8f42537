package main

import (
	"context"
	"fmt"

	"github.com/eleanor-dfir/eleanor/pkg/evidence"
	"github.com/eleanor-dfir/eleanor/pkg/models"
	"github.com/eleanor-dfir/eleanor/pkg/playbook"
	"github.com/eleanor-dfir/eleanor/pkg/services"
)

// registerBuiltinActions wires the built-in playbook actions. External
// actions (EDR isolation, ticketing) are registered by deployments on
// top of these.
func registerBuiltinActions(actions *playbook.ActionRegistry, ev *evidence.Service, alerts *services.AlertService) {
	actions.Register("evidence.verify", func(ctx context.Context, params map[string]any, tenant string) (map[string]any, error) {
		id, _ := params["evidence_id"].(string)
		if id == "" {
			return nil, fmt.Errorf("evidence.verify: evidence_id is required")
		}
		result, err := ev.Verify(ctx, id, playbookActor(tenant))
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"integrity_valid": result.Valid,
			"sha256":          result.Computed.SHA256,
		}, nil
	})

	actions.Register("alert.update_status", func(ctx context.Context, params map[string]any, _ string) (map[string]any, error) {
		id, _ := params["alert_id"].(string)
		status, _ := params["status"].(string)
		if id == "" || status == "" {
			return nil, fmt.Errorf("alert.update_status: alert_id and status are required")
		}
		if err := alerts.UpdateStatus(ctx, id, models.AlertStatus(status)); err != nil {
			return nil, err
		}
		return map[string]any{"alert_id": id, "status": status}, nil
	})
}

func playbookActor(tenant string) evidence.Actor {
	return evidence.Actor{
		ID:   "playbook-engine",
		Name: "playbook engine (" + tenant + ")",
	}
}
