// Package sync implements the incremental reconciliation between the
// remote flashcard origin and the local store: it detects changed cards,
// batches the outstanding tokenizer and media work, and commits the
// results in one transaction.
package sync

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/felix-ops/jpdb-media-sync/internal/anki"
	"github.com/felix-ops/jpdb-media-sync/internal/domain"
	"github.com/felix-ops/jpdb-media-sync/internal/fieldtext"
	"github.com/felix-ops/jpdb-media-sync/internal/storage"
)

// mediaBatchSize caps how many filenames go into one media host batch.
const mediaBatchSize = 500

// CardSource fetches the remote card list for a deck.
type CardSource interface {
	FetchDeckCards(ctx context.Context, deckName string) ([]anki.RemoteCard, error)
}

// Tokenizer resolves source-language texts to vocabulary ID sets,
// order-preserving and degrading to empty sets on failure.
type Tokenizer interface {
	ResolveVocabIDs(ctx context.Context, texts []string) [][]string
}

// MediaFetcher resolves filenames to raw bytes in batches.
type MediaFetcher interface {
	FetchMediaBatch(ctx context.Context, filenames []string) (map[string][]byte, error)
}

// Request describes one sync run. The field names say which remote fields
// carry which content; only the source field is mandatory.
type Request struct {
	DeckName    string `validate:"required"`
	SourceField string `validate:"required"`
	GlossField  string
	ImageField  string
	AudioField  string
	APIKey      string `validate:"required"`
	FetchMedia  bool
}

// Report summarizes a completed sync run.
type Report struct {
	UpToDate       bool `json:"upToDate"`
	CardsProcessed int  `json:"cardsProcessed"`
	CardsAdded     int  `json:"cardsAdded"`
	MediaAdded     int  `json:"mediaAdded"`
}

// Reconciler brings the local store into agreement with the remote card
// set. All collaborators are constructor-injected; the reconciler owns all
// writes to cards, media and the vocabulary index during a run.
type Reconciler struct {
	db        *storage.DB
	source    CardSource
	tokenizer Tokenizer
	media     MediaFetcher
	validate  *validator.Validate
}

// NewReconciler creates a reconciler over the given store and clients.
func NewReconciler(db *storage.DB, source CardSource, tokenizer Tokenizer, media MediaFetcher) *Reconciler {
	return &Reconciler{
		db:        db,
		source:    source,
		tokenizer: tokenizer,
		media:     media,
		validate:  validator.New(),
	}
}

// queuedCard is one remote card that needs full processing, with its
// normalized field values.
type queuedCard struct {
	cardID     int64
	sourceText string
	glossText  string
	imageRef   string
	audioRef   string
}

// Sync runs one full reconciliation. Either the whole pipeline commits or
// the store is left untouched by this run; individual tokenizer and media
// failures degrade to empty results instead of aborting.
func (r *Reconciler) Sync(ctx context.Context, req Request) (*Report, error) {
	if err := r.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("invalid sync request: %w", err)
	}

	// Nested decks are labelled by their last path segment.
	deckParts := strings.Split(req.DeckName, "::")
	deckLabel := deckParts[len(deckParts)-1]

	remoteCards, err := r.source.FetchDeckCards(ctx, req.DeckName)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch remote cards: %w", err)
	}
	slog.Info("scanning for updates", "deck", req.DeckName, "remote_cards", len(remoteCards))

	storedCards, err := r.db.AllCards(ctx)
	if err != nil {
		return nil, err
	}
	mediaIDs, err := r.db.MediaCardIDs(ctx)
	if err != nil {
		return nil, err
	}

	storedByID := make(map[int64]*domain.Card, len(storedCards))
	for i := range storedCards {
		storedByID[storedCards[i].CardID] = &storedCards[i]
	}
	remoteIDs := make(map[int64]bool, len(remoteCards))
	for _, rc := range remoteCards {
		remoteIDs[rc.CardID] = true
	}

	// Scan phase: queue remote cards whose normalized fields differ from
	// the stored copy, plus cards that only miss their media blob.
	var toProcess []queuedCard
	for _, rc := range remoteCards {
		q := normalizeCard(rc, req)
		stored := storedByID[rc.CardID]

		needsMedia := req.FetchMedia &&
			(q.imageRef != "" || q.audioRef != "") &&
			!mediaIDs[rc.CardID]

		if stored == nil ||
			stored.SourceText != q.sourceText ||
			stored.GlossText != q.glossText ||
			stored.ImageRef != q.imageRef ||
			stored.AudioRef != q.audioRef ||
			stored.DeckName != deckLabel ||
			needsMedia {
			toProcess = append(toProcess, q)
		}
	}

	// Orphan scan: stored cards outside the current fetch are only ever
	// considered for a media backfill, never re-tokenized.
	var orphans []domain.Card
	if req.FetchMedia {
		for _, stored := range storedCards {
			if remoteIDs[stored.CardID] {
				continue
			}
			if (stored.ImageRef != "" || stored.AudioRef != "") && !mediaIDs[stored.CardID] {
				orphans = append(orphans, stored)
			}
		}
	}

	if len(toProcess) == 0 && len(orphans) == 0 {
		slog.Info("store already up to date", "deck", req.DeckName)
		return &Report{UpToDate: true}, nil
	}
	slog.Info("updating cards", "queued", len(toProcess), "orphans", len(orphans))

	// Batch tokenization. Every queued card is submitted, including ones
	// with empty source text; those resolve to empty sets.
	texts := make([]string, len(toProcess))
	for i, q := range toProcess {
		texts[i] = q.sourceText
	}
	vidsPerCard := r.tokenizer.ResolveVocabIDs(ctx, texts)
	if len(vidsPerCard) != len(toProcess) {
		return nil, fmt.Errorf("tokenizer returned %d results for %d texts", len(vidsPerCard), len(toProcess))
	}

	// Batch media fetch over the union of outstanding filenames.
	fetched := make(map[string][]byte)
	if req.FetchMedia {
		var filenames []string
		seen := make(map[string]bool)
		add := func(name string) {
			if name != "" && !seen[name] {
				seen[name] = true
				filenames = append(filenames, name)
			}
		}
		for _, q := range toProcess {
			add(q.imageRef)
			add(q.audioRef)
		}
		for _, o := range orphans {
			add(o.ImageRef)
			add(o.AudioRef)
		}

		for _, chunk := range fieldtext.Chunk(filenames, mediaBatchSize) {
			batch, err := r.media.FetchMediaBatch(ctx, chunk)
			if err != nil {
				slog.Warn("media batch failed, affected cards stay eligible for retry",
					"filenames", len(chunk), "error", err)
				continue
			}
			for name, data := range batch {
				fetched[name] = data
			}
		}
	}

	// Assemble the new records.
	newCards := make([]domain.Card, 0, len(toProcess))
	var newBlobs []domain.MediaBlob
	vidAdds := make(map[string][]int64)
	var vidOrder []string
	addVid := func(vid string, cardID int64) {
		if _, known := vidAdds[vid]; !known {
			vidOrder = append(vidOrder, vid)
		}
		vidAdds[vid] = append(vidAdds[vid], cardID)
	}

	for i, q := range toProcess {
		newCards = append(newCards, domain.Card{
			CardID:     q.cardID,
			DeckName:   deckLabel,
			SourceText: q.sourceText,
			GlossText:  q.glossText,
			ImageRef:   q.imageRef,
			AudioRef:   q.audioRef,
			VocabIDs:   vidsPerCard[i],
		})
		if blob, ok := buildBlob(q.cardID, q.imageRef, q.audioRef, fetched); ok {
			newBlobs = append(newBlobs, blob)
		}
		for _, vid := range vidsPerCard[i] {
			addVid(vid, q.cardID)
		}
	}
	for _, o := range orphans {
		if blob, ok := buildBlob(o.CardID, o.ImageRef, o.AudioRef, fetched); ok {
			newBlobs = append(newBlobs, blob)
		}
	}

	// Merge the vocabulary index inside the commit transaction: union new
	// card IDs into each entry's cards, leaving favCards exactly as stored.
	// Reading the entries in the same transaction means a favorite toggle
	// landing during the run can never be overwritten with stale data.
	err = r.db.WithTx(ctx, func(tx *storage.DB) error {
		existing, err := tx.BulkGetVocabEntries(ctx, vidOrder)
		if err != nil {
			return err
		}
		newEntries := make([]domain.VocabEntry, 0, len(vidOrder))
		for _, vid := range vidOrder {
			entry := domain.VocabEntry{VID: vid, FavCards: []int64{}}
			if prev := existing[vid]; prev != nil {
				entry.Cards = prev.Cards
				entry.FavCards = prev.FavCards
			}
			known := make(map[int64]bool, len(entry.Cards))
			for _, id := range entry.Cards {
				known[id] = true
			}
			for _, id := range vidAdds[vid] {
				if !known[id] {
					known[id] = true
					entry.Cards = append(entry.Cards, id)
				}
			}
			newEntries = append(newEntries, entry)
		}

		if err := tx.PutCards(ctx, newCards); err != nil {
			return err
		}
		if err := tx.PutMedia(ctx, newBlobs); err != nil {
			return err
		}
		return tx.PutVocabEntries(ctx, newEntries)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to commit sync: %w", err)
	}

	report := &Report{
		CardsProcessed: len(toProcess) + len(orphans),
		CardsAdded:     len(newCards),
		MediaAdded:     len(newBlobs),
	}
	slog.Info("sync complete",
		"deck", req.DeckName,
		"cards_processed", report.CardsProcessed,
		"media_added", report.MediaAdded,
	)
	return report, nil
}

// normalizeCard maps a remote card's raw field values through the field
// mapping into normalized text and filename refs. Unmapped fields (empty
// field names) normalize to empty strings.
func normalizeCard(rc anki.RemoteCard, req Request) queuedCard {
	q := queuedCard{cardID: rc.CardID}
	q.sourceText = fieldtext.StripMarkup(strings.TrimSpace(rc.Fields[req.SourceField].Value))
	if req.GlossField != "" {
		q.glossText = fieldtext.StripGlossMarkup(strings.TrimSpace(rc.Fields[req.GlossField].Value))
	}
	if req.ImageField != "" {
		q.imageRef = fieldtext.ImageRef(strings.TrimSpace(rc.Fields[req.ImageField].Value))
	}
	if req.AudioField != "" {
		q.audioRef = fieldtext.AudioRef(strings.TrimSpace(rc.Fields[req.AudioField].Value))
	}
	return q
}

// buildBlob assembles a media row from the fetched bytes. A card whose
// fetch failed entirely gets no row at all, which keeps it eligible for a
// retry on the next run.
func buildBlob(cardID int64, imageRef, audioRef string, fetched map[string][]byte) (domain.MediaBlob, bool) {
	if imageRef == "" && audioRef == "" {
		return domain.MediaBlob{}, false
	}
	blob := domain.MediaBlob{CardID: cardID}
	if imageRef != "" {
		blob.Image = fetched[imageRef]
	}
	if audioRef != "" {
		blob.Audio = fetched[audioRef]
	}
	if !blob.HasContent() {
		return domain.MediaBlob{}, false
	}
	return blob, true
}
