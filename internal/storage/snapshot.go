package storage

import (
	"context"
	"fmt"

	"github.com/felix-ops/jpdb-media-sync/internal/domain"
)

// Snapshot is the full-state export format: settings, card metadata and the
// vocabulary index. Media blobs are deliberately excluded because of their
// size; they are re-fetched lazily after a restore.
type Snapshot struct {
	Settings []domain.Setting    `json:"settings"`
	Cards    []domain.Card       `json:"cards"`
	Vids     []domain.VocabEntry `json:"vids"`
}

// Snapshot reads the three exportable tables in one transaction so the
// export is a consistent point-in-time view.
func (db *DB) Snapshot(ctx context.Context) (*Snapshot, error) {
	var snap Snapshot
	err := db.WithTx(ctx, func(tx *DB) error {
		var err error
		if snap.Settings, err = tx.AllSettings(ctx); err != nil {
			return err
		}
		if snap.Cards, err = tx.AllCards(ctx); err != nil {
			return err
		}
		snap.Vids, err = tx.AllVocabEntries(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build snapshot: %w", err)
	}
	if snap.Settings == nil {
		snap.Settings = []domain.Setting{}
	}
	if snap.Cards == nil {
		snap.Cards = []domain.Card{}
	}
	if snap.Vids == nil {
		snap.Vids = []domain.VocabEntry{}
	}
	return &snap, nil
}

// Restore replaces the entire store with the snapshot's content. All four
// tables are cleared first; media is cleared too since the snapshot never
// contains it. The whole operation is one transaction, so an interrupted
// restore leaves the previous state intact.
func (db *DB) Restore(ctx context.Context, snap *Snapshot) error {
	return db.WithTx(ctx, func(tx *DB) error {
		for _, table := range []string{"settings", "cards", "media", "vids"} {
			if _, err := tx.q.ExecContext(ctx, `DELETE FROM `+table); err != nil {
				return fmt.Errorf("failed to clear %s: %w", table, err)
			}
		}
		for _, s := range snap.Settings {
			if err := tx.PutSetting(ctx, s.Key, s.Value); err != nil {
				return err
			}
		}
		if err := tx.PutCards(ctx, snap.Cards); err != nil {
			return err
		}
		return tx.PutVocabEntries(ctx, snap.Vids)
	})
}

// ResetCards clears all card data: cards, media and the vocabulary index.
// Settings are kept.
func (db *DB) ResetCards(ctx context.Context) error {
	return db.WithTx(ctx, func(tx *DB) error {
		for _, table := range []string{"cards", "media", "vids"} {
			if _, err := tx.q.ExecContext(ctx, `DELETE FROM `+table); err != nil {
				return fmt.Errorf("failed to clear %s: %w", table, err)
			}
		}
		return nil
	})
}

// ResetMedia clears cached media blobs only, leaving cards and the
// vocabulary index untouched. The next media-enabled sync re-fetches them.
func (db *DB) ResetMedia(ctx context.Context) error {
	if _, err := db.q.ExecContext(ctx, `DELETE FROM media`); err != nil {
		return fmt.Errorf("failed to clear media: %w", err)
	}
	return nil
}
