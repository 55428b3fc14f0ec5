package services

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"deixis/config"
	"deixis/models"
	"deixis/providers"
	"deixis/storage/storagetest"

	"go.uber.org/zap"
)

type fakeProvider struct {
	name  string
	data  map[string]*providers.Metadata
	err   error
	calls int
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Lookup(_ context.Context, doi string) (*providers.Metadata, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.data[doi], nil
}

func strPtr(s string) *string { return &s }

func TestEnricherFillsOnlyMissingColumns(t *testing.T) {
	db := storagetest.Open(t)
	seeded := models.Paper{DOI: "10.1/partial", Abstract: strPtr("kept abstract")}
	if err := db.Create(&seeded).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}

	first := &fakeProvider{name: "first", data: map[string]*providers.Metadata{
		"10.1/partial": {Title: "From First"},
	}}
	second := &fakeProvider{name: "second", data: map[string]*providers.Metadata{
		"10.1/partial": {Title: "From Second", Authors: []string{"Doe J"}, Abstract: "replaced?"},
	}}

	e := NewEnricher(db, zap.NewNop(), []providers.Provider{first, second}, 10)
	n, err := e.RunBatch(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if n != 1 {
		t.Fatalf("updated = %d, want 1", n)
	}

	var got models.Paper
	if err := db.First(&got, seeded.ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.Title == nil || *got.Title != "From First" {
		t.Fatalf("title = %v, want From First", got.Title)
	}
	if got.Abstract == nil || *got.Abstract != "kept abstract" {
		t.Fatalf("abstract = %v, want kept abstract", got.Abstract)
	}
	var authors []string
	if err := json.Unmarshal(got.Authors, &authors); err != nil || len(authors) != 1 || authors[0] != "Doe J" {
		t.Fatalf("authors = %s (%v)", got.Authors, err)
	}
}

func TestEnricherSkipsFailingProvider(t *testing.T) {
	db := storagetest.Open(t)
	if err := db.Create(&models.Paper{DOI: "10.1/x"}).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}

	broken := &fakeProvider{name: "broken", err: errors.New("timeout")}
	good := &fakeProvider{name: "good", data: map[string]*providers.Metadata{"10.1/x": {Title: "T"}}}

	n, err := NewEnricher(db, zap.NewNop(), []providers.Provider{broken, good}, 10).RunBatch(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("run = %d, %v; want 1, nil", n, err)
	}
	if broken.calls != 1 || good.calls != 1 {
		t.Fatalf("calls = %d/%d, want 1/1", broken.calls, good.calls)
	}
}

func TestEnricherIgnoresTitledPapersAndRotates(t *testing.T) {
	db := storagetest.Open(t)
	papers := []models.Paper{
		{DOI: "10.1/titled", Title: strPtr("Has Title")},
		{DOI: "10.1/miss-1"},
		{DOI: "10.1/miss-2"},
		{DOI: "10.1/hit"},
	}
	if err := db.Create(&papers).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}

	prov := &fakeProvider{name: "p", data: map[string]*providers.Metadata{"10.1/hit": {Title: "Hit"}}}
	e := NewEnricher(db, zap.NewNop(), []providers.Provider{prov}, 2)
	ctx := context.Background()

	n, err := e.RunBatch(ctx)
	if err != nil || n != 0 {
		t.Fatalf("first batch = %d, %v; want 0, nil", n, err)
	}
	n, err = e.RunBatch(ctx)
	if err != nil || n != 1 {
		t.Fatalf("second batch = %d, %v; want 1, nil", n, err)
	}
	if prov.calls != 3 {
		t.Fatalf("provider calls = %d, want 3", prov.calls)
	}

	var titled models.Paper
	db.Where("doi = ?", "10.1/titled").First(&titled)
	if *titled.Title != "Has Title" {
		t.Fatalf("titled paper overwritten: %q", *titled.Title)
	}
}

func TestEnricherWithoutProviders(t *testing.T) {
	n, err := NewEnricher(storagetest.Open(t), zap.NewNop(), nil, 5).RunBatch(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("run = %d, %v; want 0, nil", n, err)
	}
}

func TestBuildProvidersSkipsUnpaywallWithoutEmail(t *testing.T) {
	cfg := &config.Config{EnabledProviders: "EuropePMC, unpaywall, nope"}
	got := BuildProviders(cfg, zap.NewNop())
	if len(got) != 1 || got[0].Name() != "europepmc" {
		t.Fatalf("providers = %v", got)
	}

	cfg.UnpaywallEmail = "ops@example.org"
	got = BuildProviders(cfg, zap.NewNop())
	if len(got) != 2 || got[1].Name() != "unpaywall" {
		t.Fatalf("providers = %v", got)
	}
}
