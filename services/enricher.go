package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"deixis/config"
	"deixis/models"
	"deixis/providers"
	"deixis/providers/europepmc"
	"deixis/providers/unpaywall"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// BuildProviders erstellt die in ENABLED_PROVIDERS genannten Provider in der konfigurierten Reihenfolge.
// Unpaywall wird ohne Kontakt-Adresse übersprungen.
func BuildProviders(cfg *config.Config, logger *zap.Logger) []providers.Provider {
	var out []providers.Provider
	for _, name := range cfg.Providers() {
		switch name {
		case "europepmc":
			out = append(out, europepmc.NewFetcher(cfg.EuropePMCBaseURL, logger))
		case "unpaywall":
			if cfg.UnpaywallEmail == "" {
				logger.Warn("UNPAYWALL_EMAIL nicht gesetzt, Unpaywall wird übersprungen.")
				continue
			}
			out = append(out, unpaywall.NewFetcher(cfg.UnpaywallBaseURL, cfg.UnpaywallEmail, logger))
		default:
			logger.Warn("Unbekannter Provider in ENABLED_PROVIDERS", zap.String("provider", name))
		}
	}
	return out
}

// Enricher füllt fehlende Titel, Autoren und Abstracts neu angelegter Paper.
type Enricher struct {
	DB        *gorm.DB
	Logger    *zap.Logger
	Providers []providers.Provider
	BatchSize int

	mu     sync.Mutex
	cursor uint
}

// NewEnricher erstellt einen Enricher.
func NewEnricher(db *gorm.DB, logger *zap.Logger, provs []providers.Provider, batchSize int) *Enricher {
	if batchSize <= 0 {
		batchSize = 20
	}
	return &Enricher{DB: db, Logger: logger, Providers: provs, BatchSize: batchSize}
}

// RunBatch reichert bis zu BatchSize Paper ohne Titel an und gibt die Anzahl aktualisierter Paper zurück.
// Die Auswahl läuft reihum über die IDs, damit Paper ohne Treffer die übrigen nicht blockieren.
func (e *Enricher) RunBatch(ctx context.Context) (int, error) {
	if len(e.Providers) == 0 {
		return 0, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	papers, err := e.nextBatch(ctx)
	if err != nil {
		return 0, err
	}

	updated := 0
	for i := range papers {
		if err := ctx.Err(); err != nil {
			return updated, err
		}
		p := &papers[i]
		e.cursor = p.ID

		ok, err := e.enrichPaper(ctx, p)
		if err != nil {
			e.Logger.Error("Fehler beim Speichern der Metadaten", zap.Uint("paper_id", p.ID), zap.Error(err))
			continue
		}
		if ok {
			updated++
		}
	}

	if len(papers) < e.BatchSize {
		e.cursor = 0
	}
	e.Logger.Info("Anreicherung abgeschlossen", zap.Int("candidates", len(papers)), zap.Int("updated", updated))
	return updated, nil
}

func (e *Enricher) nextBatch(ctx context.Context) ([]models.Paper, error) {
	var papers []models.Paper
	err := e.DB.WithContext(ctx).
		Where("title IS NULL AND id > ?", e.cursor).
		Order("id").
		Limit(e.BatchSize).
		Find(&papers).Error
	if err != nil {
		return nil, fmt.Errorf("list papers without title: %w", err)
	}
	return papers, nil
}

// enrichPaper fragt die Provider der Reihe nach und übernimmt nur Spalten, die noch leer sind.
func (e *Enricher) enrichPaper(ctx context.Context, p *models.Paper) (bool, error) {
	updates := map[string]any{}
	needTitle, needAuthors, needAbstract := p.Title == nil, len(p.Authors) == 0, p.Abstract == nil

	for _, prov := range e.Providers {
		if !needTitle && !needAuthors && !needAbstract {
			break
		}
		md, err := prov.Lookup(ctx, p.DOI)
		if err != nil {
			e.Logger.Warn("Provider-Abfrage fehlgeschlagen",
				zap.String("provider", prov.Name()), zap.String("doi", p.DOI), zap.Error(err))
			continue
		}
		if md.Empty() {
			continue
		}

		if title := cleanMetadataText(md.Title); needTitle && title != "" {
			updates["title"] = title
			needTitle = false
		}
		if authors := cleanAuthors(md.Authors); needAuthors && len(authors) > 0 {
			raw, err := json.Marshal(authors)
			if err != nil {
				return false, err
			}
			updates["authors"] = datatypes.JSON(raw)
			needAuthors = false
		}
		if abstract := cleanMetadataText(md.Abstract); needAbstract && abstract != "" {
			updates["abstract"] = abstract
			needAbstract = false
		}
	}

	if len(updates) == 0 {
		return false, nil
	}
	if err := e.DB.WithContext(ctx).Model(&models.Paper{}).Where("id = ?", p.ID).Updates(updates).Error; err != nil {
		return false, err
	}
	e.Logger.Debug("Paper angereichert", zap.Uint("paper_id", p.ID), zap.Int("fields", len(updates)))
	return true, nil
}

func cleanAuthors(in []string) []string {
	out := make([]string, 0, len(in))
	for _, a := range in {
		if a = cleanMetadataText(a); a != "" {
			out = append(out, a)
		}
	}
	return out
}
