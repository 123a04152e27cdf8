package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

// QuestionMedia references an image, audio or video attachment, either
// an external URL or a stored upload.
type QuestionMedia struct {
	Type     string `json:"type"`
	URL      string `json:"url"`
	FileName string `json:"fileName,omitempty"`
}

// Question is one quiz question: a prompt, up to four answer choices,
// the index of the correct one, and per-question preview/answer windows
// in seconds.
type Question struct {
	Question  string         `json:"question"`
	Image     string         `json:"image,omitempty"`
	Media     *QuestionMedia `json:"media,omitempty"`
	Answers   []string       `json:"answers"`
	Solution  int            `json:"solution"`
	Cooldown  int            `json:"cooldown"`
	Time      int            `json:"time"`
	SyncMedia *bool          `json:"syncMedia,omitempty"`
}

type Quiz struct {
	Subject   string     `json:"subject"`
	Questions []Question `json:"questions"`
}

type QuizWithID struct {
	ID string `json:"id"`
	Quiz
}

const maxAnswersPerQuestion = 4

// quizIDPattern is the only shape a quiz id may take. Anything else —
// path separators, traversal sequences, shell metacharacters — is
// treated as "not found", never as an I/O error.
var quizIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

var nonSlugChars = regexp.MustCompile(`[^a-z0-9]+`)

// slugify derives a file-safe id from free-form text.
func slugify(value string) string {
	slug := nonSlugChars.ReplaceAllString(strings.ToLower(value), "-")
	slug = strings.Trim(slug, "-")
	if len(slug) > 50 {
		slug = slug[:50]
	}
	return slug
}

// QuizStore is file-backed CRUD for quiz content: one JSON document per
// quiz under its directory, keyed by slug id.
type QuizStore struct {
	dir string
	cfg *Config
}

func NewQuizStore(cfg *Config, dir string) (*QuizStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create quiz directory: %w", err)
	}

	s := &QuizStore{dir: dir, cfg: cfg}
	if err := s.seedExample(); err != nil {
		return nil, err
	}
	return s, nil
}

// seedExample writes a starter quiz on first run so the manager screen is
// never empty.
func (s *QuizStore) seedExample() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("read quiz directory: %w", err)
	}
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".json") {
			return nil
		}
	}

	example := Quiz{
		Subject: "Example Quizz",
		Questions: []Question{
			{
				Question: "What is good answer ?",
				Answers:  []string{"No", "Good answer", "No", "No"},
				Solution: 1,
				Cooldown: 5,
				Time:     15,
			},
			{
				Question: "What is good answer with image ?",
				Answers:  []string{"No", "No", "No", "Good answer"},
				Image:    "https://placehold.co/600x400.png",
				Solution: 3,
				Cooldown: 5,
				Time:     20,
			},
			{
				Question: "What is good answer with two answers ?",
				Answers:  []string{"Good answer", "No"},
				Solution: 0,
				Cooldown: 5,
				Time:     20,
			},
		},
	}

	if _, err := s.Save("example", example); err != nil {
		return fmt.Errorf("seed example quiz: %w", err)
	}

	logf(s.cfg, "STORE: Seeded example quiz")
	return nil
}

func (s *QuizStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// List returns every stored quiz, sorted by id. Unreadable files are
// skipped rather than failing the whole listing.
func (s *QuizStore) List() []QuizWithID {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		logf(s.cfg, "ERROR: Failed to list quizzes: %v", err)
		return nil
	}

	quizzes := make([]QuizWithID, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, ".json") {
			continue
		}

		id := strings.TrimSuffix(name, ".json")
		quiz := s.Get(id)
		if quiz == nil {
			continue
		}
		quizzes = append(quizzes, *quiz)
	}

	sort.Slice(quizzes, func(i, j int) bool {
		return quizzes[i].ID < quizzes[j].ID
	})

	return quizzes
}

// Get loads one quiz by id. Invalid ids, missing files and corrupt
// documents all come back as nil.
func (s *QuizStore) Get(id string) *QuizWithID {
	if !quizIDPattern.MatchString(id) {
		return nil
	}

	data, err := os.ReadFile(s.path(id))
	if err != nil {
		return nil
	}

	var quiz Quiz
	if err := json.Unmarshal(data, &quiz); err != nil {
		logf(s.cfg, "ERROR: Skipping corrupt quiz %q: %v", id, err)
		return nil
	}

	return &QuizWithID{ID: id, Quiz: quiz}
}

// validateQuiz rejects malformed documents before anything touches disk.
func validateQuiz(quiz Quiz) error {
	if strings.TrimSpace(quiz.Subject) == "" {
		return errors.New("quiz subject is required")
	}
	if len(quiz.Questions) == 0 {
		return errors.New("quiz needs at least one question")
	}

	for i, q := range quiz.Questions {
		if strings.TrimSpace(q.Question) == "" {
			return fmt.Errorf("question %d is missing its prompt", i+1)
		}
		if len(q.Answers) == 0 || len(q.Answers) > maxAnswersPerQuestion {
			return fmt.Errorf("question %d must have between 1 and %d answers", i+1, maxAnswersPerQuestion)
		}
		if q.Solution < 0 || q.Solution >= len(q.Answers) {
			return fmt.Errorf("question %d has an out-of-range solution", i+1)
		}
		if q.Time <= 0 {
			return fmt.Errorf("question %d needs a positive answer time", i+1)
		}
	}

	return nil
}

// Save validates then writes a quiz. An empty id derives one from the
// subject; an explicit id is slugified, so traversal attempts collapse
// into harmless slugs.
func (s *QuizStore) Save(id string, quiz Quiz) (*QuizWithID, error) {
	if err := validateQuiz(quiz); err != nil {
		return nil, err
	}

	var slug string
	if id != "" {
		slug = slugify(id)
	} else {
		slug = slugify(quiz.Subject)
	}
	if slug == "" {
		slug = fmt.Sprintf("quizz-%d", time.Now().UnixMilli())
	}

	data, err := json.MarshalIndent(quiz, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode quiz: %w", err)
	}

	if err := os.WriteFile(s.path(slug), data, 0o644); err != nil {
		return nil, fmt.Errorf("write quiz %q: %w", slug, err)
	}

	return &QuizWithID{ID: slug, Quiz: quiz}, nil
}

// Delete removes a quiz by id, reporting whether it existed. Invalid ids
// are simply "not found".
func (s *QuizStore) Delete(id string) bool {
	if !quizIDPattern.MatchString(id) {
		return false
	}

	if err := os.Remove(s.path(id)); err != nil {
		return false
	}
	return true
}
