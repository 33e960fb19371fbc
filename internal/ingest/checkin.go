package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nixfleet/orchestrator/internal/models"
	"github.com/nixfleet/orchestrator/internal/store"
	"github.com/nixfleet/orchestrator/internal/store/postgres"
)

// AgentCheckin records a fleet agent report: the host's current derivation
// pointer, a state event when the deployment changed, and a heartbeat tied
// to the current state.
func (s *Service) AgentCheckin(ctx context.Context, checkin *models.AgentCheckin) error {
	hostname := strings.TrimSpace(checkin.Hostname)
	if hostname == "" {
		return fmt.Errorf("%w: missing hostname", ErrInvalidPayload)
	}
	path := strings.TrimSpace(checkin.DerivationPath)
	if path == "" {
		path = "unknown"
	}
	ts := checkin.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	return s.store.WithTx(ctx, func(tx store.Store) error {
		if err := tx.Systems().Upsert(ctx, &models.System{
			Hostname:   hostname,
			Derivation: path,
		}); err != nil {
			return fmt.Errorf("failed to upsert system: %w", err)
		}

		latest, err := tx.Systems().LatestState(ctx, hostname)
		switch {
		case errors.Is(err, postgres.ErrNotFound):
			latest = nil
		case err != nil:
			return fmt.Errorf("failed to load latest state: %w", err)
		}

		stateID := int64(0)
		if latest != nil {
			stateID = latest.ID
		}

		// Append a state event on first sight or whenever the deployed
		// path changes; plain heartbeats reuse the current state.
		if latest == nil || latest.DerivationPath != path {
			reason := strings.TrimSpace(checkin.ChangeReason)
			if reason == "" {
				if latest == nil {
					reason = "initial"
				} else {
					reason = "deployment"
				}
			}
			stateID, err = tx.Systems().AppendState(ctx, &models.SystemState{
				Hostname:       hostname,
				DerivationPath: path,
				ChangeReason:   reason,
				Timestamp:      ts,
			})
			if err != nil {
				return fmt.Errorf("failed to append system state: %w", err)
			}
		}

		if err := tx.Systems().RecordHeartbeat(ctx, &models.AgentHeartbeat{
			SystemStateID: stateID,
			Timestamp:     ts,
			AgentVersion:  checkin.AgentVersion,
			UptimeSeconds: checkin.UptimeSeconds,
			IPAddress:     checkin.IPAddress,
		}); err != nil {
			return fmt.Errorf("failed to record heartbeat: %w", err)
		}
		return nil
	})
}
