package search

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storyloom/internal/session"
)

func testSession(id, userID, title, prompt, story string) *session.Session {
	s := &session.Session{ID: id, UserID: userID, Title: title, Prompt: prompt, Status: session.StageComplete}
	s.SetOutput(session.StageStory, &session.StageOutput{Text: story, Ready: true})
	return s
}

func TestSearchScopedToOwner(t *testing.T) {
	idx, err := Open(filepath.Join(t.TempDir(), "sessions.bleve"), nil)
	require.NoError(t, err)
	defer idx.Close()

	require.NoError(t, idx.Index(testSession("s1", "alice", "Lighthouse", "a lighthouse in a storm", "The keeper climbs the spiral stairs.")))
	require.NoError(t, idx.Index(testSession("s2", "bob", "Lighthouse Too", "another lighthouse story", "Waves crash below.")))
	require.NoError(t, idx.Index(testSession("s3", "alice", "Market", "a night market", "Lanterns sway over the stalls.")))

	hits, err := idx.Search("alice", "lighthouse", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "s1", hits[0].SessionID)
	assert.Equal(t, "Lighthouse", hits[0].Title)
}

func TestSearchMatchesStoryText(t *testing.T) {
	idx, err := Open(filepath.Join(t.TempDir(), "sessions.bleve"), nil)
	require.NoError(t, err)
	defer idx.Close()

	require.NoError(t, idx.Index(testSession("s1", "alice", "", "a quiet harbor", "Gulls circle the fishing boats at dawn.")))

	hits, err := idx.Search("alice", "gulls", 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "s1", hits[0].SessionID)
}

func TestRemoveDropsSession(t *testing.T) {
	idx, err := Open(filepath.Join(t.TempDir(), "sessions.bleve"), nil)
	require.NoError(t, err)
	defer idx.Close()

	require.NoError(t, idx.Index(testSession("s1", "alice", "Harbor", "a quiet harbor", "")))
	require.NoError(t, idx.Remove("s1"))

	hits, err := idx.Search("alice", "harbor", 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestSearchRejectsEmptyQuery(t *testing.T) {
	idx, err := Open(filepath.Join(t.TempDir(), "sessions.bleve"), nil)
	require.NoError(t, err)
	defer idx.Close()

	_, err = idx.Search("alice", "   ", 5)
	assert.Error(t, err)
}
