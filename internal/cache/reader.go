// Package cache serves the presentation layer's read path over the local
// store, plus the favorite toggle, the only write the overlay performs.
package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/felix-ops/jpdb-media-sync/internal/domain"
	"github.com/felix-ops/jpdb-media-sync/internal/storage"
)

// ErrVocabNotFound is returned when a toggle targets a vocabulary ID with
// no stored entry.
var ErrVocabNotFound = errors.New("vocab entry not found")

// ErrCardNotLinked is returned when a toggle targets a card that is not in
// the vocabulary entry's card set; allowing it would break the invariant
// that favorites are a subset of the linked cards.
var ErrCardNotLinked = errors.New("card not linked to vocab entry")

// Reader answers overlay lookups from the local store only; it never
// reaches out to the origin or the tokenizer.
type Reader struct {
	db *storage.DB
}

// NewReader creates a reader over the given store.
func NewReader(db *storage.DB) *Reader {
	return &Reader{db: db}
}

// VocabEntry returns the stored entry for one vocabulary ID, or nil when
// nothing links to it.
func (r *Reader) VocabEntry(ctx context.Context, vid string) (*domain.VocabEntry, error) {
	return r.db.GetVocabEntry(ctx, vid)
}

// CardsMapping returns the stored metadata for the given card IDs, keyed
// by ID. Unknown IDs are silently omitted.
func (r *Reader) CardsMapping(ctx context.Context, cardIDs []int64) (map[int64]domain.Card, error) {
	cards, err := r.db.BulkGetCards(ctx, cardIDs)
	if err != nil {
		return nil, err
	}
	mapping := make(map[int64]domain.Card, len(cards))
	for _, card := range cards {
		if card != nil {
			mapping[card.CardID] = *card
		}
	}
	return mapping, nil
}

// Media returns the cached blob for one card, or nil when nothing is
// cached (lazy fetch pending or media fetching disabled).
func (r *Reader) Media(ctx context.Context, cardID int64) (*domain.MediaBlob, error) {
	return r.db.GetMedia(ctx, cardID)
}

// OrderedCardIDs returns the entry's cards in display order: favorites in
// their stored order first, then the remaining cards in their original
// order, with duplicates removed by that precedence. Pure and stable.
func OrderedCardIDs(entry domain.VocabEntry) []int64 {
	ordered := make([]int64, 0, len(entry.Cards))
	seen := make(map[int64]bool, len(entry.Cards))
	for _, id := range entry.FavCards {
		if !seen[id] {
			seen[id] = true
			ordered = append(ordered, id)
		}
	}
	for _, id := range entry.Cards {
		if !seen[id] {
			seen[id] = true
			ordered = append(ordered, id)
		}
	}
	return ordered
}

// ToggleFavorite flips cardID's favorite status on the given vocabulary
// entry and reports the new status. A newly favorited card goes to the
// front. The read-modify-write runs in one transaction so concurrent
// toggles and sync commits cannot drop each other's half.
func (r *Reader) ToggleFavorite(ctx context.Context, vid string, cardID int64) (bool, error) {
	var isFavorite bool
	err := r.db.WithTx(ctx, func(tx *storage.DB) error {
		entry, err := tx.GetVocabEntry(ctx, vid)
		if err != nil {
			return err
		}
		if entry == nil {
			return fmt.Errorf("%w: %s", ErrVocabNotFound, vid)
		}

		removed := entry.FavCards[:0:0]
		for _, id := range entry.FavCards {
			if id != cardID {
				removed = append(removed, id)
			}
		}

		if len(removed) < len(entry.FavCards) {
			entry.FavCards = removed
			isFavorite = false
		} else {
			linked := false
			for _, id := range entry.Cards {
				if id == cardID {
					linked = true
					break
				}
			}
			if !linked {
				return fmt.Errorf("%w: card %d, vid %s", ErrCardNotLinked, cardID, vid)
			}
			entry.FavCards = append([]int64{cardID}, entry.FavCards...)
			isFavorite = true
		}
		return tx.PutVocabEntries(ctx, []domain.VocabEntry{*entry})
	})
	return isFavorite, err
}
