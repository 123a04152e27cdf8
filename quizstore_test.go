package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQuizStore(t *testing.T) *QuizStore {
	t.Helper()

	store, err := NewQuizStore(&Config{}, filepath.Join(t.TempDir(), "quizz"))
	require.NoError(t, err)
	return store
}

func TestQuizStoreSeedsExample(t *testing.T) {
	store := newTestQuizStore(t)

	quizzes := store.List()
	require.Len(t, quizzes, 1)
	assert.Equal(t, "example", quizzes[0].ID)
	assert.NotEmpty(t, quizzes[0].Questions)
}

func TestQuizStoreSaveAndGet(t *testing.T) {
	store := newTestQuizStore(t)

	saved, err := store.Save("", Quiz{
		Subject: "European Capitals!",
		Questions: []Question{
			{Question: "Capital of France?", Answers: []string{"Paris", "Lyon"}, Solution: 0, Time: 20},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "european-capitals", saved.ID)

	loaded := store.Get("european-capitals")
	require.NotNil(t, loaded)
	assert.Equal(t, "European Capitals!", loaded.Subject)
}

func TestQuizStoreSlugifiesExplicitIDs(t *testing.T) {
	store := newTestQuizStore(t)

	saved, err := store.Save("../../etc/passwd", Quiz{
		Subject:   "sneaky",
		Questions: []Question{{Question: "q", Answers: []string{"a"}, Solution: 0, Time: 5}},
	})
	require.NoError(t, err)
	assert.Equal(t, "etc-passwd", saved.ID)

	// The write landed inside the store directory, nowhere else.
	_, err = os.Stat(filepath.Join(store.dir, "etc-passwd.json"))
	assert.NoError(t, err)
}

func TestQuizStoreGetRejectsTraversal(t *testing.T) {
	store := newTestQuizStore(t)

	assert.Nil(t, store.Get("../../etc/passwd"))
	assert.Nil(t, store.Get("..%2f..%2fetc"))
	assert.Nil(t, store.Get(""))
	assert.Nil(t, store.Get("missing"))
}

func TestQuizStoreGetSkipsCorruptFiles(t *testing.T) {
	store := newTestQuizStore(t)

	require.NoError(t, os.WriteFile(filepath.Join(store.dir, "broken.json"), []byte("{nope"), 0o644))

	assert.Nil(t, store.Get("broken"))

	// Listing skips it too instead of failing the whole call.
	for _, quiz := range store.List() {
		assert.NotEqual(t, "broken", quiz.ID)
	}
}

func TestValidateQuiz(t *testing.T) {
	valid := func() Quiz {
		return Quiz{
			Subject:   "Valid",
			Questions: []Question{{Question: "q", Answers: []string{"a", "b"}, Solution: 1, Time: 10}},
		}
	}

	tests := []struct {
		name   string
		mutate func(*Quiz)
	}{
		{"empty subject", func(q *Quiz) { q.Subject = "  " }},
		{"no questions", func(q *Quiz) { q.Questions = nil }},
		{"empty prompt", func(q *Quiz) { q.Questions[0].Question = "" }},
		{"no answers", func(q *Quiz) { q.Questions[0].Answers = nil }},
		{"too many answers", func(q *Quiz) { q.Questions[0].Answers = []string{"a", "b", "c", "d", "e"} }},
		{"solution out of range", func(q *Quiz) { q.Questions[0].Solution = 2 }},
		{"negative solution", func(q *Quiz) { q.Questions[0].Solution = -1 }},
		{"zero time", func(q *Quiz) { q.Questions[0].Time = 0 }},
	}

	require.NoError(t, validateQuiz(valid()))

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			quiz := valid()
			tt.mutate(&quiz)
			assert.Error(t, validateQuiz(quiz))
		})
	}
}

func TestQuizStoreDelete(t *testing.T) {
	store := newTestQuizStore(t)

	_, err := store.Save("doomed", Quiz{
		Subject:   "Doomed",
		Questions: []Question{{Question: "q", Answers: []string{"a"}, Solution: 0, Time: 5}},
	})
	require.NoError(t, err)

	assert.True(t, store.Delete("doomed"))
	assert.Nil(t, store.Get("doomed"))
	assert.False(t, store.Delete("doomed"))
	assert.False(t, store.Delete("../example"))
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"My Great Quiz!", "my-great-quiz"},
		{"  spaced  out  ", "spaced-out"},
		{"UPPER_case-mix", "upper-case-mix"},
		{"---", ""},
		{"école", "cole"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, slugify(tt.in), "slugify(%q)", tt.in)
	}
}
