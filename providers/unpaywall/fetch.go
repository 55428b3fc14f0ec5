package unpaywall

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"deixis/providers"

	"go.uber.org/zap"
)

// DefaultBaseURL ist die v2-API von Unpaywall.
const DefaultBaseURL = "https://api.unpaywall.org/v2"

// ErrNoEmail wird geliefert, wenn keine Kontakt-Adresse konfiguriert ist.
var ErrNoEmail = errors.New("unpaywall email ist nicht konfiguriert")

// Response repräsentiert die JSON-Antwort der Unpaywall-API.
type Response struct {
	DOI      string   `json:"doi"`
	Title    string   `json:"title"`
	ZAuthors []Author `json:"z_authors"`
}

// Author ist ein Eintrag aus z_authors.
type Author struct {
	Given  string `json:"given"`
	Family string `json:"family"`
	Name   string `json:"name"`
}

func (a Author) fullName() string {
	if n := strings.TrimSpace(a.Name); n != "" {
		return n
	}
	return strings.TrimSpace(strings.TrimSpace(a.Given) + " " + strings.TrimSpace(a.Family))
}

// Fetcher kapselt die Logik für Unpaywall.
type Fetcher struct {
	BaseURL string
	Email   string
	Client  *http.Client
	Logger  *zap.Logger
}

// NewFetcher erstellt einen neuen Unpaywall-Fetcher.
func NewFetcher(baseURL, email string, logger *zap.Logger) *Fetcher {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Fetcher{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Email:   email,
		Client:  providers.NewHTTPClient(30 * time.Second),
		Logger:  logger,
	}
}

// Name gibt den Namen des Providers zurück.
func (f *Fetcher) Name() string {
	return "unpaywall"
}

// Lookup holt Titel und Autoren via Unpaywall anhand der DOI. Unpaywall liefert keine Abstracts.
func (f *Fetcher) Lookup(ctx context.Context, doi string) (*providers.Metadata, error) {
	if f.Email == "" {
		return nil, ErrNoEmail
	}

	u := fmt.Sprintf("%s/%s?email=%s", f.BaseURL, escapeDOIPath(doi), url.QueryEscape(f.Email))
	log := f.Logger.With(zap.String("doi", doi))
	log.Debug("Rufe Unpaywall API auf.")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		log.Debug("DOI ist Unpaywall nicht bekannt.")
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unpaywall request failed with status: %d", resp.StatusCode)
	}

	var ur Response
	if err := json.NewDecoder(resp.Body).Decode(&ur); err != nil {
		return nil, fmt.Errorf("decode unpaywall response: %w", err)
	}

	// eine abweichende DOI gehört zu einem anderen Paper
	if !strings.EqualFold(strings.TrimSpace(ur.DOI), doi) {
		log.Warn("Unpaywall lieferte eine andere DOI, Antwort verworfen.", zap.String("response_doi", ur.DOI))
		return nil, nil
	}

	md := &providers.Metadata{Title: strings.TrimSpace(ur.Title)}
	for _, a := range ur.ZAuthors {
		if name := a.fullName(); name != "" {
			md.Authors = append(md.Authors, name)
		}
	}
	return md, nil
}

// escapeDOIPath maskiert jedes Segment der DOI einzeln; die Schrägstriche bleiben Pfadtrenner.
func escapeDOIPath(doi string) string {
	segments := strings.Split(doi, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return strings.Join(segments, "/")
}
