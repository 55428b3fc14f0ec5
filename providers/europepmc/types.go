package europepmc

import "strings"

// SearchResponse ist die Top-Level-Struktur der Europe PMC API-Antwort.
type SearchResponse struct {
	HitCount   int `json:"hitCount"`
	ResultList struct {
		Result []Article `json:"result"`
	} `json:"resultList"`
}

// Article repräsentiert einen einzelnen Artikel in der API-Antwort.
type Article struct {
	ID           string `json:"id"`
	Source       string `json:"source"`
	DOI          string `json:"doi"`
	Title        string `json:"title"`
	AuthorString string `json:"authorString"`
	AbstractText string `json:"abstractText"`
	AuthorList   struct {
		Author []Author `json:"author"`
	} `json:"authorList"`
}

// Author ist ein Eintrag der authorList (nur bei resultType=core).
type Author struct {
	FullName  string `json:"fullName"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

// authors bevorzugt die strukturierte Liste und fällt sonst auf authorString zurück.
func (a *Article) authors() []string {
	var out []string
	for _, au := range a.AuthorList.Author {
		name := strings.TrimSpace(au.FullName)
		if name == "" {
			name = strings.TrimSpace(strings.TrimSpace(au.FirstName) + " " + strings.TrimSpace(au.LastName))
		}
		if name != "" {
			out = append(out, name)
		}
	}
	if len(out) > 0 {
		return out
	}

	for _, name := range strings.Split(strings.TrimSuffix(strings.TrimSpace(a.AuthorString), "."), ",") {
		if name = strings.TrimSpace(name); name != "" {
			out = append(out, name)
		}
	}
	return out
}
