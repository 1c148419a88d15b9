// Package web exposes the cache read path, the favorite toggle and the
// sync/maintenance operations over a local HTTP API consumed by the
// browser overlay.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/felix-ops/jpdb-media-sync/internal/anki"
	"github.com/felix-ops/jpdb-media-sync/internal/cache"
	"github.com/felix-ops/jpdb-media-sync/internal/config"
	"github.com/felix-ops/jpdb-media-sync/internal/fieldtext"
	"github.com/felix-ops/jpdb-media-sync/internal/jpdb"
	"github.com/felix-ops/jpdb-media-sync/internal/storage"
	"github.com/felix-ops/jpdb-media-sync/internal/sync"
)

// Origin is the remote flashcard endpoint as the handlers see it: card
// source and media host for the sync trigger, plus the deck listing and
// single-file passthrough.
type Origin interface {
	sync.CardSource
	sync.MediaFetcher
	DeckNames(ctx context.Context) ([]string, error)
	FetchMedia(ctx context.Context, filename string) ([]byte, error)
}

// Server holds the dependencies for the HTTP API. The client constructors
// are fields so tests can substitute fakes; outside tests they build the
// real AnkiConnect and jpdb clients.
type Server struct {
	db     *storage.DB
	reader *cache.Reader
	cfg    config.Config
	router *http.ServeMux

	newOrigin    func(url string) Origin
	newTokenizer func(baseURL, apiKey string) sync.Tokenizer
}

// NewServer creates and configures a new server.
func NewServer(db *storage.DB, cfg config.Config) *Server {
	s := &Server{
		db:     db,
		reader: cache.NewReader(db),
		cfg:    cfg,
		router: http.NewServeMux(),
		newOrigin: func(url string) Origin {
			return anki.NewClient(url)
		},
		newTokenizer: func(baseURL, apiKey string) sync.Tokenizer {
			return jpdb.NewClient(baseURL, apiKey)
		},
	}
	s.routes()
	return s
}

// ServeHTTP implements the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.router.HandleFunc("GET /api/vocab/{vid}", s.handleGetVocab())
	s.router.HandleFunc("GET /api/cards", s.handleGetCards())
	s.router.HandleFunc("GET /api/media/{cardId}/{kind}", s.handleGetMedia())
	s.router.HandleFunc("POST /api/favorite", s.handleToggleFavorite())
	s.router.HandleFunc("POST /api/sync", s.handleSync())
	s.router.HandleFunc("GET /api/decks", s.handleGetDecks())
	s.router.HandleFunc("GET /api/mediafile", s.handleFetchMediaFile())
	s.router.HandleFunc("GET /api/export", s.handleExport())
	s.router.HandleFunc("POST /api/import", s.handleImport())
	s.router.HandleFunc("POST /api/reset", s.handleResetCards())
	s.router.HandleFunc("POST /api/reset/media", s.handleResetMedia())
	s.router.HandleFunc("GET /api/settings/{key}", s.handleGetSetting())
	s.router.HandleFunc("PUT /api/settings/{key}", s.handlePutSetting())
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// handleGetVocab returns the vocabulary entry with its cards already in
// display order (favorites first).
func (s *Server) handleGetVocab() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vid := r.PathValue("vid")
		entry, err := s.reader.VocabEntry(r.Context(), vid)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if entry == nil {
			writeError(w, http.StatusNotFound, fmt.Errorf("no entry for vid %s", vid))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"vid":      entry.VID,
			"cards":    cache.OrderedCardIDs(*entry),
			"favCards": entry.FavCards,
		})
	}
}

// handleGetCards returns metadata for a comma-separated id list, keyed by
// card ID. Unknown ids are omitted.
func (s *Server) handleGetCards() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var ids []int64
		for _, part := range strings.Split(r.URL.Query().Get("ids"), ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			id, err := strconv.ParseInt(part, 10, 64)
			if err != nil {
				writeError(w, http.StatusBadRequest, fmt.Errorf("invalid card id %q", part))
				return
			}
			ids = append(ids, id)
		}

		mapping, err := s.reader.CardsMapping(r.Context(), ids)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, mapping)
	}
}

// handleGetMedia serves one cached blob half as raw bytes, typed from the
// card's filename ref.
func (s *Server) handleGetMedia() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cardID, err := strconv.ParseInt(r.PathValue("cardId"), 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid card id"))
			return
		}
		kind := r.PathValue("kind")
		if kind != "image" && kind != "audio" {
			writeError(w, http.StatusBadRequest, fmt.Errorf("kind must be image or audio"))
			return
		}

		blob, err := s.reader.Media(r.Context(), cardID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		card, err := s.db.GetCard(r.Context(), cardID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}

		var data []byte
		var ref string
		if blob != nil {
			if kind == "image" {
				data = blob.Image
			} else {
				data = blob.Audio
			}
		}
		if card != nil {
			if kind == "image" {
				ref = card.ImageRef
			} else {
				ref = card.AudioRef
			}
		}
		if len(data) == 0 {
			writeError(w, http.StatusNotFound, fmt.Errorf("no cached %s for card %d", kind, cardID))
			return
		}

		w.Header().Set("Content-Type", fieldtext.MimeType(ref))
		w.WriteHeader(http.StatusOK)
		w.Write(data)
	}
}

func (s *Server) handleToggleFavorite() http.HandlerFunc {
	type request struct {
		VID    string `json:"vid"`
		CardID int64  `json:"cardId"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		isFavorite, err := s.reader.ToggleFavorite(r.Context(), req.VID, req.CardID)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, cache.ErrVocabNotFound) {
				status = http.StatusNotFound
			} else if errors.Is(err, cache.ErrCardNotLinked) {
				status = http.StatusBadRequest
			}
			writeError(w, status, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"isFavorite": isFavorite})
	}
}

// syncRequest is the sync trigger body. Every field is optional; anything
// unset falls back to the settings table, then the daemon config.
type syncRequest struct {
	DeckName    *string `json:"deckName"`
	SourceField *string `json:"sourceField"`
	GlossField  *string `json:"glossField"`
	ImageField  *string `json:"imageField"`
	AudioField  *string `json:"audioField"`
	APIKey      *string `json:"apiKey"`
	FetchMedia  *bool   `json:"fetchMedia"`
	AnkiURL     *string `json:"ankiUrl"`
}

func (s *Server) handleSync() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body syncRequest
		if r.Body != nil && r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
		}

		// Precedence, lowest to highest: daemon config, settings table,
		// request body.
		req, ankiURL, err := sync.RequestFromSettings(r.Context(), s.db, requestFromConfig(s.cfg), s.ankiURL())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		applyOverrides(&req, &ankiURL, body)

		origin := s.newOrigin(ankiURL)
		reconciler := sync.NewReconciler(
			s.db,
			origin,
			s.newTokenizer(s.cfg.JPDBBaseURL, req.APIKey),
			origin,
		)
		report, err := reconciler.Sync(r.Context(), req)
		if err != nil {
			writeError(w, http.StatusBadGateway, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}

func (s *Server) ankiURL() string {
	if s.cfg.AnkiURL != "" {
		return s.cfg.AnkiURL
	}
	return anki.DefaultURL
}

func requestFromConfig(cfg config.Config) sync.Request {
	return sync.Request{
		DeckName:    cfg.Deck,
		SourceField: cfg.SourceField,
		GlossField:  cfg.GlossField,
		ImageField:  cfg.ImageField,
		AudioField:  cfg.AudioField,
		APIKey:      cfg.JPDBAPIKey,
		FetchMedia:  cfg.FetchMedia,
	}
}

func applyOverrides(req *sync.Request, ankiURL *string, body syncRequest) {
	if body.DeckName != nil {
		req.DeckName = *body.DeckName
	}
	if body.SourceField != nil {
		req.SourceField = *body.SourceField
	}
	if body.GlossField != nil {
		req.GlossField = *body.GlossField
	}
	if body.ImageField != nil {
		req.ImageField = *body.ImageField
	}
	if body.AudioField != nil {
		req.AudioField = *body.AudioField
	}
	if body.APIKey != nil {
		req.APIKey = *body.APIKey
	}
	if body.FetchMedia != nil {
		req.FetchMedia = *body.FetchMedia
	}
	if body.AnkiURL != nil {
		*ankiURL = *body.AnkiURL
	}
}

func (s *Server) handleGetDecks() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		names, err := s.newOrigin(s.ankiURL()).DeckNames(r.Context())
		if err != nil {
			writeError(w, http.StatusBadGateway, err)
			return
		}
		writeJSON(w, http.StatusOK, names)
	}
}

// handleFetchMediaFile proxies a single uncached media file from the
// origin, for overlay use when local media caching is disabled.
func (s *Server) handleFetchMediaFile() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := r.URL.Query().Get("name")
		if name == "" {
			writeError(w, http.StatusBadRequest, fmt.Errorf("missing name parameter"))
			return
		}
		data, err := s.newOrigin(s.ankiURL()).FetchMedia(r.Context(), name)
		if err != nil {
			writeError(w, http.StatusBadGateway, err)
			return
		}
		if len(data) == 0 {
			writeError(w, http.StatusNotFound, fmt.Errorf("media file %q not found", name))
			return
		}
		w.Header().Set("Content-Type", fieldtext.MimeType(name))
		w.WriteHeader(http.StatusOK)
		w.Write(data)
	}
}

func (s *Server) handleExport() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := s.db.Snapshot(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		filename := fmt.Sprintf("jpdb_media_config_%s.json", time.Now().UTC().Format("20060102-150405"))
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
		writeJSON(w, http.StatusOK, snap)
	}
}

func (s *Server) handleImport() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var snap storage.Snapshot
		if err := json.NewDecoder(r.Body).Decode(&snap); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := s.db.Restore(r.Context(), &snap); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	}
}

func (s *Server) handleResetCards() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.db.ResetCards(r.Context()); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	}
}

func (s *Server) handleResetMedia() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.db.ResetMedia(r.Context()); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	}
}

func (s *Server) handleGetSetting() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.PathValue("key")
		value, found, err := s.db.GetSetting(r.Context(), key)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if !found {
			writeError(w, http.StatusNotFound, fmt.Errorf("setting %q not set", key))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"key": key, "value": value})
	}
}

func (s *Server) handlePutSetting() http.HandlerFunc {
	type request struct {
		Value any `json:"value"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.PathValue("key")
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := s.db.PutSetting(r.Context(), key, req.Value); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	}
}
