// Package knowledge is an in-memory full-text index over workspace nodes.
//
// The Postgres store answers knowledge-base searches with tsvector ranking
// and a trigram fallback. Index gives the in-memory store the same shape of
// answer: BM25-ranked conjunctive matches with highlighted snippets, and a
// fuzzy fallback when nothing matches exactly.
package knowledge

import (
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"
)

// fallbackSnippetLen bounds snippets for fuzzy hits, which carry no highlight.
const fallbackSnippetLen = 200

// Document is one indexed node.
type Document struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	Text      string    `json:"text"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Hit is one search result.
type Hit struct {
	ID      string
	Title   string
	Type    string
	Snippet string
	Score   float64
	Fuzzy   bool
}

// Index wraps a memory-only bleve index.
type Index struct {
	mu    sync.RWMutex
	index bleve.Index
}

func buildIndexMapping() mapping.IndexMapping {
	doc := bleve.NewDocumentMapping()

	text := bleve.NewTextFieldMapping()
	text.Analyzer = standard.Name
	text.Store = true
	text.IncludeTermVectors = true

	kw := bleve.NewTextFieldMapping()
	kw.Analyzer = keyword.Name
	kw.Store = true

	doc.AddFieldMappingsAt("title", text)
	doc.AddFieldMappingsAt("text", text)
	doc.AddFieldMappingsAt("owner_id", kw)
	doc.AddFieldMappingsAt("type", kw)
	doc.AddFieldMappingsAt("updated_at", bleve.NewDateTimeFieldMapping())

	m := bleve.NewIndexMapping()
	m.DefaultMapping = doc
	m.DefaultAnalyzer = standard.Name
	return m
}

// New creates an empty index.
func New() (*Index, error) {
	idx, err := bleve.NewMemOnly(buildIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("create knowledge index: %w", err)
	}
	return &Index{index: idx}, nil
}

// Put indexes or replaces a document.
func (x *Index) Put(doc Document) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.index.Index(doc.ID, doc); err != nil {
		return fmt.Errorf("index node %s: %w", doc.ID, err)
	}
	return nil
}

// Delete removes a document. Unknown ids are ignored.
func (x *Index) Delete(id string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.index.Delete(id)
}

// Count returns the number of indexed documents.
func (x *Index) Count() (uint64, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.index.DocCount()
}

// Close releases the index.
func (x *Index) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.index.Close()
}

// Search returns up to limit documents of ownerID matching every term of q,
// best first. When nothing matches it retries with edit-distance matching
// on any term.
func (x *Index) Search(ownerID, q string, limit int) ([]Hit, error) {
	if limit <= 0 {
		limit = 10
	}
	q = strings.TrimSpace(q)
	if q == "" {
		return nil, nil
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	match := bleve.NewMatchQuery(q)
	match.SetField("text")
	match.SetOperator(query.MatchQueryOperatorAnd)

	hits, err := x.run(ownerID, match, limit, false)
	if err != nil || len(hits) > 0 {
		return hits, err
	}

	var fuzzy []query.Query
	for _, term := range strings.Fields(strings.ToLower(q)) {
		fq := bleve.NewFuzzyQuery(term)
		fq.SetField("text")
		fq.SetFuzziness(1)
		fuzzy = append(fuzzy, fq)
	}
	if len(fuzzy) == 0 {
		return nil, nil
	}
	return x.run(ownerID, bleve.NewDisjunctionQuery(fuzzy...), limit, true)
}

func (x *Index) run(ownerID string, content query.Query, limit int, fuzzy bool) ([]Hit, error) {
	owner := bleve.NewTermQuery(ownerID)
	owner.SetField("owner_id")

	req := bleve.NewSearchRequestOptions(bleve.NewConjunctionQuery(content, owner), limit, 0, false)
	req.Fields = []string{"title", "type", "text"}
	if !fuzzy {
		req.Highlight = bleve.NewHighlight()
		req.Highlight.AddField("text")
	}

	res, err := x.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("search knowledge index: %w", err)
	}

	hits := make([]Hit, 0, len(res.Hits))
	for _, h := range res.Hits {
		hit := Hit{ID: h.ID, Score: h.Score, Fuzzy: fuzzy}
		hit.Title, _ = h.Fields["title"].(string)
		hit.Type, _ = h.Fields["type"].(string)
		if frags := h.Fragments["text"]; len(frags) > 0 {
			hit.Snippet = markdownMarks(frags[0])
		} else {
			text, _ := h.Fields["text"].(string)
			hit.Snippet = truncateRunes(text, fallbackSnippetLen)
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

// markdownMarks renders highlight marks the way the Postgres headline does.
func markdownMarks(fragment string) string {
	r := strings.NewReplacer("<mark>", "**", "</mark>", "**")
	return strings.TrimSpace(r.Replace(fragment))
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
