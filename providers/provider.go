package providers

import (
	"context"
	"net/http"
	"time"
)

// Metadata sind die bibliografischen Angaben, die ein Provider zu einer DOI liefert.
type Metadata struct {
	Title    string
	Authors  []string
	Abstract string
}

// Empty meldet, ob der Provider gar nichts Verwertbares geliefert hat.
func (m *Metadata) Empty() bool {
	return m == nil || (m.Title == "" && len(m.Authors) == 0 && m.Abstract == "")
}

// Provider ist das Interface, das jede Metadaten-Quelle (z.B. EuropePMC, Unpaywall) implementieren muss.
type Provider interface {
	// Lookup sucht die Metadaten zu einer normalisierten DOI. Ist die DOI unbekannt, liefert es nil, nil.
	Lookup(ctx context.Context, doi string) (*Metadata, error)

	// Name gibt den eindeutigen Namen des Providers zurück (z.B. "europepmc").
	Name() string
}

type userAgentTransport struct {
	Transport http.RoundTripper
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.Header.Set("User-Agent", "deixis/1.0")
	return t.Transport.RoundTrip(req)
}

// NewHTTPClient liefert den gemeinsamen Client für alle Provider-Anfragen.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: &userAgentTransport{Transport: http.DefaultTransport},
	}
}
