package sync

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/felix-ops/jpdb-media-sync/internal/anki"
	"github.com/felix-ops/jpdb-media-sync/internal/domain"
	"github.com/felix-ops/jpdb-media-sync/internal/storage"
)

type fakeSource struct {
	cards []anki.RemoteCard
	err   error
	calls int
}

func (f *fakeSource) FetchDeckCards(ctx context.Context, deckName string) ([]anki.RemoteCard, error) {
	f.calls++
	return f.cards, f.err
}

// fakeTokenizer resolves each text through a fixed mapping, recording every
// batch it receives.
type fakeTokenizer struct {
	mapping map[string][]string
	batches [][]string
}

func (f *fakeTokenizer) ResolveVocabIDs(ctx context.Context, texts []string) [][]string {
	f.batches = append(f.batches, append([]string(nil), texts...))
	results := make([][]string, len(texts))
	for i, text := range texts {
		if vids, found := f.mapping[text]; found {
			results[i] = vids
		} else {
			results[i] = []string{}
		}
	}
	return results
}

type fakeMedia struct {
	files   map[string][]byte
	err     error
	batches [][]string
}

func (f *fakeMedia) FetchMediaBatch(ctx context.Context, filenames []string) (map[string][]byte, error) {
	f.batches = append(f.batches, append([]string(nil), filenames...))
	if f.err != nil {
		return nil, f.err
	}
	result := make(map[string][]byte)
	for _, name := range filenames {
		if data, found := f.files[name]; found {
			result[name] = data
		}
	}
	return result, nil
}

func remoteCard(id int64, source, gloss, image, audio string) anki.RemoteCard {
	return anki.RemoteCard{
		CardID: id,
		Fields: map[string]anki.Field{
			"Front": {Value: source},
			"Back":  {Value: gloss},
			"Image": {Value: image},
			"Audio": {Value: audio},
		},
	}
}

func baseRequest() Request {
	return Request{
		DeckName:    "Mining::Anime",
		SourceField: "Front",
		GlossField:  "Back",
		ImageField:  "Image",
		AudioField:  "Audio",
		APIKey:      "test-key",
	}
}

func newTestDB(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSyncFromEmptyStore(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	source := &fakeSource{cards: []anki.RemoteCard{
		remoteCard(1, "猫が好き", "I like cats", "", ""),
		remoteCard(2, "", "no text here", "", ""),
		remoteCard(3, "犬も好き", "dogs too", "", ""),
	}}
	tokenizer := &fakeTokenizer{mapping: map[string][]string{
		"猫が好き": {"100", "200"},
		"犬も好き": {"300", "200"},
	}}
	r := NewReconciler(db, source, tokenizer, &fakeMedia{})

	report, err := r.Sync(ctx, baseRequest())
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if report.UpToDate {
		t.Error("first sync should not be up to date")
	}
	if report.CardsAdded != 3 {
		t.Errorf("expected 3 cards added, got %d", report.CardsAdded)
	}

	// All three texts are submitted, including the empty one.
	if len(tokenizer.batches) != 1 || len(tokenizer.batches[0]) != 3 {
		t.Fatalf("expected one batch of 3 texts, got %v", tokenizer.batches)
	}

	empty, err := db.GetCard(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if empty == nil {
		t.Fatal("empty-text card must still be stored")
	}
	if len(empty.VocabIDs) != 0 {
		t.Errorf("empty-text card should have no vocab ids, got %v", empty.VocabIDs)
	}
	if empty.DeckName != "Anime" {
		t.Errorf("deck label should be the last :: segment, got %q", empty.DeckName)
	}

	entry, err := db.GetVocabEntry(ctx, "200")
	if err != nil {
		t.Fatal(err)
	}
	if entry == nil {
		t.Fatal("expected vocab entry 200")
	}
	if !reflect.DeepEqual(entry.Cards, []int64{1, 3}) {
		t.Errorf("vid 200 cards = %v, want [1 3]", entry.Cards)
	}
	if len(entry.FavCards) != 0 {
		t.Errorf("new vocab entry should have empty favorites, got %v", entry.FavCards)
	}
}

func TestSyncIdempotent(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	source := &fakeSource{cards: []anki.RemoteCard{
		remoteCard(1, "猫", "cat", "", ""),
	}}
	tokenizer := &fakeTokenizer{mapping: map[string][]string{"猫": {"100"}}}
	r := NewReconciler(db, source, tokenizer, &fakeMedia{})

	if _, err := r.Sync(ctx, baseRequest()); err != nil {
		t.Fatalf("first sync: %v", err)
	}
	before, err := db.Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}

	report, err := r.Sync(ctx, baseRequest())
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if !report.UpToDate {
		t.Error("second sync against unchanged remote should be up to date")
	}
	if len(tokenizer.batches) != 1 {
		t.Errorf("tokenizer should not run on the second sync, got %d batches", len(tokenizer.batches))
	}

	after, err := db.Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(before, after) {
		t.Error("store content changed across an up-to-date sync")
	}
}

func TestChangeDetectionPerField(t *testing.T) {
	base := remoteCard(1, "猫", "cat", "cat.jpg", "cat.mp3")
	other := remoteCard(2, "犬", "dog", "", "")

	testCases := []struct {
		name   string
		mutate func(c *anki.RemoteCard)
	}{
		{"source text", func(c *anki.RemoteCard) { c.Fields["Front"] = anki.Field{Value: "猫だ"} }},
		{"gloss text", func(c *anki.RemoteCard) { c.Fields["Back"] = anki.Field{Value: "it is a cat"} }},
		{"image ref", func(c *anki.RemoteCard) { c.Fields["Image"] = anki.Field{Value: "cat2.jpg"} }},
		{"audio ref", func(c *anki.RemoteCard) { c.Fields["Audio"] = anki.Field{Value: "[sound:cat2.mp3]"} }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			db := newTestDB(t)
			ctx := context.Background()

			source := &fakeSource{cards: []anki.RemoteCard{base, other}}
			tokenizer := &fakeTokenizer{mapping: map[string][]string{}}
			r := NewReconciler(db, source, tokenizer, &fakeMedia{})
			if _, err := r.Sync(ctx, baseRequest()); err != nil {
				t.Fatalf("initial sync: %v", err)
			}

			otherBefore, err := db.GetCard(ctx, 2)
			if err != nil {
				t.Fatal(err)
			}

			changed := remoteCard(1, "猫", "cat", "cat.jpg", "cat.mp3")
			tc.mutate(&changed)
			source.cards = []anki.RemoteCard{changed, other}

			report, err := r.Sync(ctx, baseRequest())
			if err != nil {
				t.Fatalf("resync: %v", err)
			}
			if report.CardsAdded != 1 {
				t.Errorf("expected exactly 1 card re-written, got %d", report.CardsAdded)
			}

			lastBatch := tokenizer.batches[len(tokenizer.batches)-1]
			if len(lastBatch) != 1 {
				t.Errorf("only the changed card should be re-tokenized, batch was %v", lastBatch)
			}

			otherAfter, err := db.GetCard(ctx, 2)
			if err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(otherBefore, otherAfter) {
				t.Error("unrelated card was touched")
			}
		})
	}
}

func TestDeckRenameCountsAsChange(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	source := &fakeSource{cards: []anki.RemoteCard{remoteCard(1, "猫", "cat", "", "")}}
	tokenizer := &fakeTokenizer{mapping: map[string][]string{}}
	r := NewReconciler(db, source, tokenizer, &fakeMedia{})

	if _, err := r.Sync(ctx, baseRequest()); err != nil {
		t.Fatal(err)
	}

	renamed := baseRequest()
	renamed.DeckName = "Mining::Renamed"
	report, err := r.Sync(ctx, renamed)
	if err != nil {
		t.Fatal(err)
	}
	if report.UpToDate {
		t.Fatal("deck rename must count as a change")
	}

	card, err := db.GetCard(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if card.DeckName != "Renamed" {
		t.Errorf("deck name = %q, want Renamed", card.DeckName)
	}
}

func TestFavoritesSurviveSync(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	seed := domain.VocabEntry{VID: "100", Cards: []int64{50}, FavCards: []int64{50}}
	if err := db.PutVocabEntries(ctx, []domain.VocabEntry{seed}); err != nil {
		t.Fatal(err)
	}

	source := &fakeSource{cards: []anki.RemoteCard{remoteCard(1, "猫", "cat", "", "")}}
	tokenizer := &fakeTokenizer{mapping: map[string][]string{"猫": {"100"}}}
	r := NewReconciler(db, source, tokenizer, &fakeMedia{})
	if _, err := r.Sync(ctx, baseRequest()); err != nil {
		t.Fatal(err)
	}

	entry, err := db.GetVocabEntry(ctx, "100")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(entry.FavCards, []int64{50}) {
		t.Errorf("favCards = %v, want [50]", entry.FavCards)
	}
	if !reflect.DeepEqual(entry.Cards, []int64{50, 1}) {
		t.Errorf("cards = %v, want [50 1] (union, not replace)", entry.Cards)
	}
}

// hookedMedia runs a callback on the first batch, standing in for work that
// lands while a sync run is already past its scan phase.
type hookedMedia struct {
	fakeMedia
	hook func()
}

func (h *hookedMedia) FetchMediaBatch(ctx context.Context, filenames []string) (map[string][]byte, error) {
	if h.hook != nil {
		hook := h.hook
		h.hook = nil
		hook()
	}
	return h.fakeMedia.FetchMediaBatch(ctx, filenames)
}

func TestFavoriteToggleDuringRunSurvives(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	seed := domain.VocabEntry{VID: "100", Cards: []int64{50}}
	if err := db.PutVocabEntries(ctx, []domain.VocabEntry{seed}); err != nil {
		t.Fatal(err)
	}

	source := &fakeSource{cards: []anki.RemoteCard{remoteCard(1, "猫", "cat", "cat.jpg", "")}}
	tokenizer := &fakeTokenizer{mapping: map[string][]string{"猫": {"100"}}}
	media := &hookedMedia{
		fakeMedia: fakeMedia{files: map[string][]byte{"cat.jpg": {1}}},
		hook: func() {
			entry, err := db.GetVocabEntry(ctx, "100")
			if err != nil || entry == nil {
				t.Fatalf("failed to load entry mid-run: %v", err)
			}
			entry.FavCards = append([]int64{50}, entry.FavCards...)
			if err := db.PutVocabEntries(ctx, []domain.VocabEntry{*entry}); err != nil {
				t.Fatalf("failed to toggle mid-run: %v", err)
			}
		},
	}
	r := NewReconciler(db, source, tokenizer, media)

	req := baseRequest()
	req.FetchMedia = true
	if _, err := r.Sync(ctx, req); err != nil {
		t.Fatal(err)
	}

	entry, err := db.GetVocabEntry(ctx, "100")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(entry.FavCards, []int64{50}) {
		t.Errorf("mid-run favorite was lost: favCards = %v", entry.FavCards)
	}
	if !reflect.DeepEqual(entry.Cards, []int64{50, 1}) {
		t.Errorf("cards = %v, want [50 1]", entry.Cards)
	}
}

func TestMediaBackfillAfterEnable(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	source := &fakeSource{cards: []anki.RemoteCard{
		remoteCard(1, "猫", "cat", `<img src="cat.jpg">`, "[sound:cat.mp3]"),
	}}
	tokenizer := &fakeTokenizer{mapping: map[string][]string{"猫": {"100"}}}
	media := &fakeMedia{files: map[string][]byte{
		"cat.jpg": {0xFF, 0xD8},
		"cat.mp3": {0x49, 0x44},
	}}
	r := NewReconciler(db, source, tokenizer, media)

	disabled := baseRequest()
	disabled.FetchMedia = false
	if _, err := r.Sync(ctx, disabled); err != nil {
		t.Fatal(err)
	}
	if blob, _ := db.GetMedia(ctx, 1); blob != nil {
		t.Fatal("no media should be stored while fetching is disabled")
	}
	if len(media.batches) != 0 {
		t.Fatal("media host should not be called while fetching is disabled")
	}

	enabled := baseRequest()
	enabled.FetchMedia = true
	report, err := r.Sync(ctx, enabled)
	if err != nil {
		t.Fatal(err)
	}
	if report.UpToDate {
		t.Fatal("missing media must be detected as a change")
	}
	if report.MediaAdded != 1 {
		t.Errorf("expected 1 media row, got %d", report.MediaAdded)
	}

	blob, err := db.GetMedia(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if blob == nil {
		t.Fatal("media blob should be backfilled")
	}
	if len(blob.Image) == 0 || len(blob.Audio) == 0 {
		t.Errorf("both halves should be present: image=%d audio=%d", len(blob.Image), len(blob.Audio))
	}
}

func TestOrphanMediaFix(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	// A card from an older deck sync: has a ref, no blob, existing links.
	orphan := domain.Card{
		CardID:     99,
		DeckName:   "OldDeck",
		SourceText: "古い",
		ImageRef:   "old.jpg",
		VocabIDs:   []string{"900"},
	}
	if err := db.PutCards(ctx, []domain.Card{orphan}); err != nil {
		t.Fatal(err)
	}
	if err := db.PutVocabEntries(ctx, []domain.VocabEntry{{VID: "900", Cards: []int64{99}}}); err != nil {
		t.Fatal(err)
	}

	source := &fakeSource{cards: []anki.RemoteCard{remoteCard(1, "猫", "cat", "", "")}}
	tokenizer := &fakeTokenizer{mapping: map[string][]string{"猫": {"100"}}}
	media := &fakeMedia{files: map[string][]byte{"old.jpg": {1, 2, 3}}}
	r := NewReconciler(db, source, tokenizer, media)

	req := baseRequest()
	req.FetchMedia = true
	if _, err := r.Sync(ctx, req); err != nil {
		t.Fatal(err)
	}

	blob, err := db.GetMedia(ctx, 99)
	if err != nil {
		t.Fatal(err)
	}
	if blob == nil || len(blob.Image) != 3 {
		t.Fatal("orphan media should be backfilled")
	}

	// The orphan's text, vocab links and tokenization are untouched.
	after, err := db.GetCard(ctx, 99)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(*after, orphan) {
		t.Errorf("orphan card changed: %+v", after)
	}
	for _, batch := range tokenizer.batches {
		for _, text := range batch {
			if text == "古い" {
				t.Error("orphan text must never be re-tokenized")
			}
		}
	}
}

func TestFailedMediaFetchStaysRetryable(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	source := &fakeSource{cards: []anki.RemoteCard{remoteCard(1, "猫", "cat", "cat.jpg", "")}}
	tokenizer := &fakeTokenizer{mapping: map[string][]string{}}
	media := &fakeMedia{files: map[string][]byte{}} // nothing resolves
	r := NewReconciler(db, source, tokenizer, media)

	req := baseRequest()
	req.FetchMedia = true
	report, err := r.Sync(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if report.MediaAdded != 0 {
		t.Errorf("no placeholder blob should be written, got %d", report.MediaAdded)
	}
	if blob, _ := db.GetMedia(ctx, 1); blob != nil {
		t.Fatal("failed fetch must not create an empty blob row")
	}

	// The missing blob keeps the card queued on the next run.
	media.files["cat.jpg"] = []byte{1}
	report, err = r.Sync(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if report.UpToDate {
		t.Fatal("card with missing media should be re-queued")
	}
	if blob, _ := db.GetMedia(ctx, 1); blob == nil {
		t.Fatal("retry should store the blob")
	}
}

func TestMediaTransportFailureDegrades(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	source := &fakeSource{cards: []anki.RemoteCard{remoteCard(1, "猫", "cat", "cat.jpg", "")}}
	media := &fakeMedia{err: errors.New("connection refused")}
	r := NewReconciler(db, source, &fakeTokenizer{}, media)

	req := baseRequest()
	req.FetchMedia = true
	report, err := r.Sync(ctx, req)
	if err != nil {
		t.Fatalf("a failed media batch must not fail the run: %v", err)
	}
	if report.MediaAdded != 0 {
		t.Errorf("expected no media stored, got %d", report.MediaAdded)
	}
	if card, _ := db.GetCard(ctx, 1); card == nil {
		t.Error("card metadata should still be committed")
	}
}

func TestSyncValidation(t *testing.T) {
	db := newTestDB(t)
	source := &fakeSource{}
	r := NewReconciler(db, source, &fakeTokenizer{}, &fakeMedia{})

	testCases := []struct {
		name   string
		mutate func(req *Request)
	}{
		{"missing deck", func(req *Request) { req.DeckName = "" }},
		{"missing source field", func(req *Request) { req.SourceField = "" }},
		{"missing credential", func(req *Request) { req.APIKey = "" }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			req := baseRequest()
			tc.mutate(&req)
			if _, err := r.Sync(context.Background(), req); err == nil {
				t.Fatal("expected validation error")
			}
			if source.calls != 0 {
				t.Error("no remote call may happen before validation")
			}
		})
	}
}

func TestSyncSourceFailure(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	source := &fakeSource{err: errors.New("origin unreachable")}
	r := NewReconciler(db, source, &fakeTokenizer{}, &fakeMedia{})

	if _, err := r.Sync(ctx, baseRequest()); err == nil {
		t.Fatal("expected error when the origin is unreachable")
	}
	cards, err := db.AllCards(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(cards) != 0 {
		t.Error("store must be untouched after a failed run")
	}
}
