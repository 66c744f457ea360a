// Package search provides keyword search over finished sessions so users
// can find earlier work by prompt, title or story text.
package search

import (
	"fmt"
	"os"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	"go.uber.org/zap"

	"storyloom/internal/session"
)

// Hit is one search result.
type Hit struct {
	SessionID string  `json:"session_id"`
	Score     float64 `json:"score"`
	UserID    string  `json:"-"`
	Title     string  `json:"title,omitempty"`
	Prompt    string  `json:"prompt,omitempty"`
}

// Index is a bleve-backed session index. It satisfies the orchestrator's
// SessionIndexer interface.
type Index struct {
	index  bleve.Index
	path   string
	logger *zap.Logger
}

// Open creates or opens a session index at path. A corrupted index is
// deleted and recreated rather than failing startup.
func Open(path string, logger *zap.Logger) (*Index, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	idx, err := bleve.Open(path)
	if err == bleve.ErrorIndexPathDoesNotExist {
		idx, err = bleve.New(path, buildMapping())
		if err != nil {
			return nil, fmt.Errorf("failed to create session index: %w", err)
		}
	} else if err != nil {
		logger.Warn("session index unreadable, recreating", zap.String("path", path), zap.Error(err))
		if idx != nil {
			idx.Close()
		}
		if rmErr := os.RemoveAll(path); rmErr != nil {
			return nil, fmt.Errorf("failed to remove corrupted session index: %w", rmErr)
		}
		idx, err = bleve.New(path, buildMapping())
		if err != nil {
			return nil, fmt.Errorf("failed to recreate session index: %w", err)
		}
	}

	return &Index{index: idx, path: path, logger: logger}, nil
}

func buildMapping() mapping.IndexMapping {
	doc := bleve.NewDocumentMapping()

	userField := bleve.NewTextFieldMapping()
	userField.Analyzer = keyword.Name
	userField.Store = true
	doc.AddFieldMappingsAt("user_id", userField)

	titleField := bleve.NewTextFieldMapping()
	titleField.Analyzer = standard.Name
	titleField.Store = true
	doc.AddFieldMappingsAt("title", titleField)

	promptField := bleve.NewTextFieldMapping()
	promptField.Analyzer = standard.Name
	promptField.Store = true
	doc.AddFieldMappingsAt("prompt", promptField)

	storyField := bleve.NewTextFieldMapping()
	storyField.Analyzer = standard.Name
	storyField.Store = false
	doc.AddFieldMappingsAt("story", storyField)

	m := bleve.NewIndexMapping()
	m.DefaultMapping = doc
	return m
}

// Index adds or replaces a session document.
func (x *Index) Index(sess *session.Session) error {
	story := ""
	if out := sess.Output(session.StageStory); out != nil {
		story = out.Text
	}
	doc := map[string]interface{}{
		"user_id": sess.UserID,
		"title":   sess.Title,
		"prompt":  sess.Prompt,
		"story":   story,
	}
	if err := x.index.Index(sess.ID, doc); err != nil {
		return fmt.Errorf("failed to index session %s: %w", sess.ID, err)
	}
	return nil
}

// Remove deletes a session document.
func (x *Index) Remove(sessionID string) error {
	return x.index.Delete(sessionID)
}

// Search returns the caller's top-k sessions matching the query.
func (x *Index) Search(userID, query string, k int) ([]Hit, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("search query is empty")
	}
	if k <= 0 {
		k = 10
	}

	match := bleve.NewMatchQuery(query)
	owner := bleve.NewTermQuery(userID)
	owner.SetField("user_id")

	req := bleve.NewSearchRequest(bleve.NewConjunctionQuery(match, owner))
	req.Size = k
	req.Fields = []string{"user_id", "title", "prompt"}

	res, err := x.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("session search failed: %w", err)
	}

	hits := make([]Hit, 0, len(res.Hits))
	for _, h := range res.Hits {
		hit := Hit{SessionID: h.ID, Score: h.Score}
		if v, ok := h.Fields["user_id"].(string); ok {
			hit.UserID = v
		}
		if v, ok := h.Fields["title"].(string); ok {
			hit.Title = v
		}
		if v, ok := h.Fields["prompt"].(string); ok {
			hit.Prompt = v
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

func (x *Index) Close() error {
	return x.index.Close()
}
