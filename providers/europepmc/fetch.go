package europepmc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"deixis/providers"

	"go.uber.org/zap"
)

// DefaultBaseURL ist die REST-Basis von Europe PMC.
const DefaultBaseURL = "https://www.ebi.ac.uk/europepmc/webservices/rest"

// Fetcher implementiert das Provider-Interface für Europe PMC.
type Fetcher struct {
	BaseURL string
	Client  *http.Client
	Logger  *zap.Logger
}

// NewFetcher erstellt einen neuen Europe PMC Fetcher.
func NewFetcher(baseURL string, logger *zap.Logger) *Fetcher {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Fetcher{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  providers.NewHTTPClient(60 * time.Second),
		Logger:  logger,
	}
}

// Name gibt den Namen des Providers zurück.
func (f *Fetcher) Name() string {
	return "europepmc"
}

// Lookup sucht den Artikel mit exakt dieser DOI.
func (f *Fetcher) Lookup(ctx context.Context, doi string) (*providers.Metadata, error) {
	query := `DOI:"` + doi + `"`
	searchURL := fmt.Sprintf("%s/search?query=%s&format=json&resultType=core", f.BaseURL, url.QueryEscape(query))
	log := f.Logger.With(zap.String("doi", doi))
	log.Debug("Rufe Europe PMC API auf", zap.String("url", searchURL))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("europepmc request failed with status: %d", resp.StatusCode)
	}

	var searchResponse SearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&searchResponse); err != nil {
		return nil, fmt.Errorf("decode europepmc response: %w", err)
	}

	for i := range searchResponse.ResultList.Result {
		article := &searchResponse.ResultList.Result[i]
		// die Suche ist unscharf, deshalb nur exakte Treffer übernehmen
		if !strings.EqualFold(strings.TrimSpace(article.DOI), doi) {
			continue
		}
		log.Debug("Artikel auf Europe PMC gefunden", zap.String("source", article.Source), zap.String("id", article.ID))
		return &providers.Metadata{
			Title:    strings.TrimSpace(article.Title),
			Authors:  article.authors(),
			Abstract: strings.TrimSpace(article.AbstractText),
		}, nil
	}

	log.Debug("Kein Treffer auf Europe PMC.")
	return nil, nil
}
