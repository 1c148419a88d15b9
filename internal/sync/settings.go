package sync

import (
	"context"

	"github.com/felix-ops/jpdb-media-sync/internal/domain"
	"github.com/felix-ops/jpdb-media-sync/internal/storage"
)

// RequestFromSettings overlays the persisted settings onto a base request,
// the way the auto-sync path does: deck, field mapping, credential and the
// media toggle override the base whenever the settings table holds a value
// for them. The second return is the origin URL, treated the same way.
// Validation of the assembled request happens in Sync.
func RequestFromSettings(ctx context.Context, db *storage.DB, base Request, baseAnkiURL string) (Request, string, error) {
	req := base
	ankiURL := baseAnkiURL

	stringKeys := []struct {
		key  string
		dest *string
	}{
		{domain.SettingSelectedDeck, &req.DeckName},
		{domain.SettingSourceField, &req.SourceField},
		{domain.SettingGlossField, &req.GlossField},
		{domain.SettingImageField, &req.ImageField},
		{domain.SettingAudioField, &req.AudioField},
		{domain.SettingJPDBAPIKey, &req.APIKey},
		{domain.SettingAnkiURL, &ankiURL},
	}
	for _, sk := range stringKeys {
		value, found, err := db.GetSetting(ctx, sk.key)
		if err != nil {
			return Request{}, "", err
		}
		if s, ok := value.(string); found && ok && s != "" {
			*sk.dest = s
		}
	}

	value, found, err := db.GetSetting(ctx, domain.SettingFetchMedia)
	if err != nil {
		return Request{}, "", err
	}
	if b, ok := value.(bool); found && ok {
		req.FetchMedia = b
	}

	return req, ankiURL, nil
}
