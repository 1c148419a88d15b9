package domain

// Card holds the cached metadata for a single flashcard. CardID is assigned
// by the origin and never changes; every other field follows whatever the
// origin currently reports.
type Card struct {
	CardID     int64    `json:"cardId"`
	DeckName   string   `json:"deckName"`
	SourceText string   `json:"japaneseContext"`
	GlossText  string   `json:"englishContext"`
	ImageRef   string   `json:"image"`
	AudioRef   string   `json:"audio"`
	VocabIDs   []string `json:"vids"`
}

// MediaBlob holds the cached binary payloads for a card. Either half may be
// nil: a row is only written when at least one fetch actually succeeded.
type MediaBlob struct {
	CardID int64
	Image  []byte
	Audio  []byte
}

// HasContent reports whether the blob carries any bytes at all.
func (m MediaBlob) HasContent() bool {
	return len(m.Image) > 0 || len(m.Audio) > 0
}

// VocabEntry links one vocabulary ID to every card whose source text
// contains it. Cards grows monotonically across syncs; FavCards is a
// user-curated ordered subset of Cards, mutated only by favorite toggles.
type VocabEntry struct {
	VID      string  `json:"vid"`
	Cards    []int64 `json:"cards"`
	FavCards []int64 `json:"favCards"`
}

// Setting is one key/value configuration pair. Value is an arbitrary
// JSON-encodable scalar (string, bool, number).
type Setting struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// Setting keys used by the sync layer. The popup UI writes these; the
// reconciler reads them to build a sync request when none is given.
const (
	SettingSelectedDeck = "selectedDeck"
	SettingAnkiURL      = "ankiUrl"
	SettingJPDBAPIKey   = "jpdbApiKey"
	SettingSourceField  = "selectedJapaneseField"
	SettingGlossField   = "selectedEnglishField"
	SettingImageField   = "selectedImageField"
	SettingAudioField   = "selectedAudioField"
	SettingFetchMedia   = "fetchMediaToBrowser"
	SettingAutoSync     = "autoSync"
	SettingExtensionOn  = "extensionEnabled"
)
