package realtime

import (
	"context"
	"fmt"

	"livesync/internal/models"
	"livesync/internal/observability/metrics"
	"livesync/internal/storage"
)

// PreferenceService reads and updates per-account preferences. Results go to
// the requesting connection only.
type PreferenceService struct {
	store    storage.PreferenceStore
	dispatch *Dispatcher
	metrics  *metrics.Recorder
}

func NewPreferenceService(store storage.PreferenceStore, dispatcher *Dispatcher, recorder *metrics.Recorder) *PreferenceService {
	if recorder == nil {
		recorder = metrics.Default()
	}
	return &PreferenceService{store: store, dispatch: dispatcher, metrics: recorder}
}

func (p *PreferenceService) Get(ctx context.Context, connID, account string) (models.Preferences, error) {
	prefs, err := p.store.GetPreferences(ctx, account)
	if err != nil {
		p.metrics.ObservePersistenceFailure("get_preferences")
		return models.Preferences{}, fmt.Errorf("load preferences: %w", err)
	}
	return prefs, p.dispatch.Dispatch(ctx, AudienceSender, connID, EventSettingsUpdated, SettingsPayload{Username: account, Settings: prefs})
}

func (p *PreferenceService) Update(ctx context.Context, connID, account string, patch models.PreferencesPatch) (models.Preferences, error) {
	prefs, err := p.store.UpdatePreferences(ctx, account, patch)
	if err != nil {
		p.metrics.ObservePersistenceFailure("update_preferences")
		return models.Preferences{}, fmt.Errorf("update preferences: %w", err)
	}
	return prefs, p.dispatch.Dispatch(ctx, AudienceSender, connID, EventSettingsUpdated, SettingsPayload{Username: account, Settings: prefs})
}
