package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/spf13/pflag"

	"github.com/felix-ops/jpdb-media-sync/internal/anki"
	"github.com/felix-ops/jpdb-media-sync/internal/config"
	"github.com/felix-ops/jpdb-media-sync/internal/jpdb"
	"github.com/felix-ops/jpdb-media-sync/internal/storage"
	"github.com/felix-ops/jpdb-media-sync/internal/sync"
	"github.com/felix-ops/jpdb-media-sync/internal/web"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	flags := config.Flags()
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	configPath, _ := flags.GetString("config")
	cfg, err := config.Load(configPath, flags)
	if err != nil {
		return err
	}

	db, err := storage.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()
	slog.Info("database opened", "path", cfg.DBPath)

	serve, _ := flags.GetBool("serve")
	if serve {
		slog.Info("listening", "addr", cfg.ListenAddr)
		return http.ListenAndServe(cfg.ListenAddr, web.NewServer(db, *cfg))
	}
	return runSync(context.Background(), db, cfg)
}

// runSync performs a single reconciliation pass against the configured
// deck and prints the report.
func runSync(ctx context.Context, db *storage.DB, cfg *config.Config) error {
	origin := anki.NewClient(cfg.AnkiURL)
	reconciler := sync.NewReconciler(
		db,
		origin,
		jpdb.NewClient(cfg.JPDBBaseURL, cfg.JPDBAPIKey),
		origin,
	)

	report, err := reconciler.Sync(ctx, sync.Request{
		DeckName:    cfg.Deck,
		SourceField: cfg.SourceField,
		GlossField:  cfg.GlossField,
		ImageField:  cfg.ImageField,
		AudioField:  cfg.AudioField,
		APIKey:      cfg.JPDBAPIKey,
		FetchMedia:  cfg.FetchMedia,
	})
	if err != nil {
		return err
	}

	if report.UpToDate {
		fmt.Println("Deck is up to date.")
		return nil
	}
	fmt.Printf("Processed %d cards: %d added or updated, %d media blobs cached.\n",
		report.CardsProcessed, report.CardsAdded, report.MediaAdded)
	return nil
}
