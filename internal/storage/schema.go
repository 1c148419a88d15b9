package storage

const schema = `
-- The 'cards' table stores lightweight flashcard metadata. vocab_ids is a
-- JSON array of vocabulary IDs derived from source_text at ingestion time.
CREATE TABLE IF NOT EXISTS cards (
    card_id INTEGER PRIMARY KEY,
    deck_name TEXT NOT NULL DEFAULT '',
    source_text TEXT NOT NULL DEFAULT '',
    gloss_text TEXT NOT NULL DEFAULT '',
    image_ref TEXT NOT NULL DEFAULT '',
    audio_ref TEXT NOT NULL DEFAULT '',
    vocab_ids TEXT NOT NULL DEFAULT '[]'
);

-- The 'media' table holds the heavy binary payloads, split from 'cards' so
-- metadata scans never page blobs in. At most one row per card.
CREATE TABLE IF NOT EXISTS media (
    card_id INTEGER PRIMARY KEY,
    image BLOB,
    audio BLOB
);

-- The 'vids' table maps one vocabulary ID to every card containing it.
-- cards and fav_cards are JSON arrays of card IDs; fav_cards keeps the
-- user-curated ordering.
CREATE TABLE IF NOT EXISTS vids (
    vid TEXT PRIMARY KEY,
    cards TEXT NOT NULL DEFAULT '[]',
    fav_cards TEXT NOT NULL DEFAULT '[]'
);

-- The 'settings' table stores arbitrary configuration as JSON values.
CREATE TABLE IF NOT EXISTS settings (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`
