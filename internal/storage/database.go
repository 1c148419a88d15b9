package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/felix-ops/jpdb-media-sync/internal/domain"
	_ "modernc.org/sqlite" // Registers the sqlite driver
)

// DB represents a wrapper around the SQL database connection. All methods
// run against q, which is either the pooled connection or, inside WithTx,
// the transaction handle.
type DB struct {
	conn *sql.DB
	q    querier
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Open creates a new database connection and ensures the schema is up to date.
func Open(dsn string) (*DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single-writer model: one connection avoids SQLITE_BUSY and keeps
	// in-memory databases from splitting across pool connections.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &DB{conn: db, q: db}, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// WithTx runs fn inside a transaction. If fn returns an error the
// transaction is rolled back and the database is left exactly as it was;
// otherwise the transaction commits. Calling WithTx on a handle that is
// already transactional reuses the open transaction.
func (db *DB) WithTx(ctx context.Context, fn func(tx *DB) error) error {
	if _, already := db.q.(*sql.Tx); already {
		return fn(db)
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(&DB{conn: db.conn, q: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (after: %w)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ----- cards -----

// GetCard retrieves one card by ID, or nil when it is not stored.
func (db *DB) GetCard(ctx context.Context, cardID int64) (*domain.Card, error) {
	row := db.q.QueryRowContext(ctx, `
		SELECT card_id, deck_name, source_text, gloss_text, image_ref, audio_ref, vocab_ids
		FROM cards WHERE card_id = ?
	`, cardID)

	card, err := scanCard(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get card %d: %w", cardID, err)
	}
	return card, nil
}

// AllCards retrieves every stored card.
func (db *DB) AllCards(ctx context.Context) ([]domain.Card, error) {
	rows, err := db.q.QueryContext(ctx, `
		SELECT card_id, deck_name, source_text, gloss_text, image_ref, audio_ref, vocab_ids
		FROM cards
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query all cards: %w", err)
	}
	defer rows.Close()

	var cards []domain.Card
	for rows.Next() {
		card, err := scanCard(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan card row: %w", err)
		}
		cards = append(cards, *card)
	}
	return cards, rows.Err()
}

// BulkGetCards retrieves many cards at once. The result has the same length
// and order as cardIDs; IDs with no stored card yield nil entries.
func (db *DB) BulkGetCards(ctx context.Context, cardIDs []int64) ([]*domain.Card, error) {
	result := make([]*domain.Card, len(cardIDs))
	if len(cardIDs) == 0 {
		return result, nil
	}

	args := make([]any, len(cardIDs))
	for i, id := range cardIDs {
		args[i] = id
	}
	rows, err := db.q.QueryContext(ctx, `
		SELECT card_id, deck_name, source_text, gloss_text, image_ref, audio_ref, vocab_ids
		FROM cards WHERE card_id IN (`+placeholders(len(cardIDs))+`)
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to bulk get cards: %w", err)
	}
	defer rows.Close()

	byID := make(map[int64]*domain.Card, len(cardIDs))
	for rows.Next() {
		card, err := scanCard(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan card row: %w", err)
		}
		byID[card.CardID] = card
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, id := range cardIDs {
		result[i] = byID[id]
	}
	return result, nil
}

// PutCards upserts cards by card_id, overwriting the full record.
func (db *DB) PutCards(ctx context.Context, cards []domain.Card) error {
	for _, card := range cards {
		vids, err := json.Marshal(emptyIfNilStrings(card.VocabIDs))
		if err != nil {
			return fmt.Errorf("failed to encode vocab ids for card %d: %w", card.CardID, err)
		}
		_, err = db.q.ExecContext(ctx, `
			INSERT INTO cards (card_id, deck_name, source_text, gloss_text, image_ref, audio_ref, vocab_ids)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(card_id) DO UPDATE SET
				deck_name = excluded.deck_name,
				source_text = excluded.source_text,
				gloss_text = excluded.gloss_text,
				image_ref = excluded.image_ref,
				audio_ref = excluded.audio_ref,
				vocab_ids = excluded.vocab_ids
		`, card.CardID, card.DeckName, card.SourceText, card.GlossText, card.ImageRef, card.AudioRef, string(vids))
		if err != nil {
			return fmt.Errorf("failed to put card %d: %w", card.CardID, err)
		}
	}
	return nil
}

// ----- media -----

// MediaCardIDs returns the set of card IDs that have a cached media blob.
func (db *DB) MediaCardIDs(ctx context.Context) (map[int64]bool, error) {
	rows, err := db.q.QueryContext(ctx, `SELECT card_id FROM media`)
	if err != nil {
		return nil, fmt.Errorf("failed to query media keys: %w", err)
	}
	defer rows.Close()

	ids := make(map[int64]bool)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan media key: %w", err)
		}
		ids[id] = true
	}
	return ids, rows.Err()
}

// GetMedia retrieves the media blob for one card, or nil when absent.
func (db *DB) GetMedia(ctx context.Context, cardID int64) (*domain.MediaBlob, error) {
	var blob domain.MediaBlob
	row := db.q.QueryRowContext(ctx, `SELECT card_id, image, audio FROM media WHERE card_id = ?`, cardID)
	if err := row.Scan(&blob.CardID, &blob.Image, &blob.Audio); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get media for card %d: %w", cardID, err)
	}
	return &blob, nil
}

// PutMedia upserts media blobs by card_id. A changed ref on the card means
// the caller re-fetched both halves, so the whole row is overwritten.
func (db *DB) PutMedia(ctx context.Context, blobs []domain.MediaBlob) error {
	for _, blob := range blobs {
		_, err := db.q.ExecContext(ctx, `
			INSERT INTO media (card_id, image, audio)
			VALUES (?, ?, ?)
			ON CONFLICT(card_id) DO UPDATE SET
				image = excluded.image,
				audio = excluded.audio
		`, blob.CardID, blob.Image, blob.Audio)
		if err != nil {
			return fmt.Errorf("failed to put media for card %d: %w", blob.CardID, err)
		}
	}
	return nil
}

// ----- vocabulary index -----

// GetVocabEntry retrieves one vocabulary entry by ID, or nil when absent.
func (db *DB) GetVocabEntry(ctx context.Context, vid string) (*domain.VocabEntry, error) {
	row := db.q.QueryRowContext(ctx, `SELECT vid, cards, fav_cards FROM vids WHERE vid = ?`, vid)
	entry, err := scanVocabEntry(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get vocab entry %s: %w", vid, err)
	}
	return entry, nil
}

// BulkGetVocabEntries retrieves the stored entries for the given vocabulary
// IDs. Missing IDs are simply absent from the result map.
func (db *DB) BulkGetVocabEntries(ctx context.Context, vids []string) (map[string]*domain.VocabEntry, error) {
	entries := make(map[string]*domain.VocabEntry, len(vids))
	if len(vids) == 0 {
		return entries, nil
	}

	args := make([]any, len(vids))
	for i, vid := range vids {
		args[i] = vid
	}
	rows, err := db.q.QueryContext(ctx, `
		SELECT vid, cards, fav_cards FROM vids WHERE vid IN (`+placeholders(len(vids))+`)
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to bulk get vocab entries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		entry, err := scanVocabEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan vocab entry: %w", err)
		}
		entries[entry.VID] = entry
	}
	return entries, rows.Err()
}

// AllVocabEntries retrieves every stored vocabulary entry.
func (db *DB) AllVocabEntries(ctx context.Context) ([]domain.VocabEntry, error) {
	rows, err := db.q.QueryContext(ctx, `SELECT vid, cards, fav_cards FROM vids`)
	if err != nil {
		return nil, fmt.Errorf("failed to query all vocab entries: %w", err)
	}
	defer rows.Close()

	var entries []domain.VocabEntry
	for rows.Next() {
		entry, err := scanVocabEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan vocab entry: %w", err)
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

// PutVocabEntries upserts vocabulary entries by vid.
func (db *DB) PutVocabEntries(ctx context.Context, entries []domain.VocabEntry) error {
	for _, entry := range entries {
		cards, err := json.Marshal(emptyIfNilInts(entry.Cards))
		if err != nil {
			return fmt.Errorf("failed to encode cards for vid %s: %w", entry.VID, err)
		}
		favs, err := json.Marshal(emptyIfNilInts(entry.FavCards))
		if err != nil {
			return fmt.Errorf("failed to encode fav cards for vid %s: %w", entry.VID, err)
		}
		_, err = db.q.ExecContext(ctx, `
			INSERT INTO vids (vid, cards, fav_cards)
			VALUES (?, ?, ?)
			ON CONFLICT(vid) DO UPDATE SET
				cards = excluded.cards,
				fav_cards = excluded.fav_cards
		`, entry.VID, string(cards), string(favs))
		if err != nil {
			return fmt.Errorf("failed to put vocab entry %s: %w", entry.VID, err)
		}
	}
	return nil
}

// ----- settings -----

// GetSetting retrieves one setting value. The second return is false when
// the key has never been written.
func (db *DB) GetSetting(ctx context.Context, key string) (any, bool, error) {
	var raw string
	row := db.q.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key)
	if err := row.Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to get setting %s: %w", key, err)
	}

	var value any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return nil, false, fmt.Errorf("failed to decode setting %s: %w", key, err)
	}
	return value, true, nil
}

// PutSetting stores one setting value, overwriting any previous value.
func (db *DB) PutSetting(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode setting %s: %w", key, err)
	}
	_, err = db.q.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, string(raw))
	if err != nil {
		return fmt.Errorf("failed to put setting %s: %w", key, err)
	}
	return nil
}

// AllSettings retrieves every stored setting.
func (db *DB) AllSettings(ctx context.Context) ([]domain.Setting, error) {
	rows, err := db.q.QueryContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return nil, fmt.Errorf("failed to query settings: %w", err)
	}
	defer rows.Close()

	var settings []domain.Setting
	for rows.Next() {
		var s domain.Setting
		var raw string
		if err := rows.Scan(&s.Key, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan setting: %w", err)
		}
		if err := json.Unmarshal([]byte(raw), &s.Value); err != nil {
			return nil, fmt.Errorf("failed to decode setting %s: %w", s.Key, err)
		}
		settings = append(settings, s)
	}
	return settings, rows.Err()
}

// ----- helpers -----

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCard(row rowScanner) (*domain.Card, error) {
	var card domain.Card
	var vids string
	if err := row.Scan(&card.CardID, &card.DeckName, &card.SourceText,
		&card.GlossText, &card.ImageRef, &card.AudioRef, &vids); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(vids), &card.VocabIDs); err != nil {
		return nil, fmt.Errorf("corrupt vocab_ids for card %d: %w", card.CardID, err)
	}
	return &card, nil
}

func scanVocabEntry(row rowScanner) (*domain.VocabEntry, error) {
	var entry domain.VocabEntry
	var cards, favs string
	if err := row.Scan(&entry.VID, &cards, &favs); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(cards), &entry.Cards); err != nil {
		return nil, fmt.Errorf("corrupt cards for vid %s: %w", entry.VID, err)
	}
	if err := json.Unmarshal([]byte(favs), &entry.FavCards); err != nil {
		return nil, fmt.Errorf("corrupt fav_cards for vid %s: %w", entry.VID, err)
	}
	return &entry, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func emptyIfNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func emptyIfNilInts(s []int64) []int64 {
	if s == nil {
		return []int64{}
	}
	return s
}
