package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
)

var allowedMediaExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true, ".bmp": true, ".svg": true,
	".mp3": true, ".m4a": true, ".aac": true, ".wav": true, ".ogg": true, ".oga": true, ".flac": true,
	".mp4": true, ".m4v": true, ".mov": true, ".webm": true, ".ogv": true, ".mkv": true,
}

var mediaMimeByExtension = map[string]string{
	".jpg": "image/jpeg", ".jpeg": "image/jpeg", ".png": "image/png",
	".gif": "image/gif", ".webp": "image/webp", ".bmp": "image/bmp",
	".svg": "image/svg+xml",
	".mp3": "audio/mpeg", ".m4a": "audio/mp4", ".aac": "audio/aac",
	".wav": "audio/wav", ".ogg": "audio/ogg", ".oga": "audio/ogg",
	".flac": "audio/flac",
	".mp4": "video/mp4", ".m4v": "video/mp4", ".mov": "video/quicktime",
	".webm": "video/webm", ".ogv": "video/ogg", ".mkv": "video/x-matroska",
}

type magicSignature struct {
	bytes  []byte
	offset int
}

// mediaSignatures maps each accepted mime type to the binary signatures
// that legitimize it. Upload content must match one of these regardless
// of the declared content type, so a renamed executable never lands in
// the media folder.
var mediaSignatures = map[string][]magicSignature{
	"image/jpeg":      {{bytes: []byte{0xff, 0xd8, 0xff}}},
	"image/png":       {{bytes: []byte{0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a}}},
	"image/gif":       {{bytes: []byte{0x47, 0x49, 0x46, 0x38}}},
	"image/webp":      {{bytes: []byte{0x52, 0x49, 0x46, 0x46}}, {bytes: []byte{0x57, 0x45, 0x42, 0x50}, offset: 8}},
	"image/bmp":       {{bytes: []byte{0x42, 0x4d}}},
	"audio/mpeg":      {{bytes: []byte{0xff, 0xfb}}, {bytes: []byte{0xff, 0xfa}}, {bytes: []byte{0xff, 0xf3}}, {bytes: []byte{0xff, 0xf2}}, {bytes: []byte{0x49, 0x44, 0x33}}},
	"audio/wav":       {{bytes: []byte{0x52, 0x49, 0x46, 0x46}}},
	"audio/ogg":       {{bytes: []byte{0x4f, 0x67, 0x67, 0x53}}},
	"audio/flac":      {{bytes: []byte{0x66, 0x4c, 0x61, 0x43}}},
	"audio/aac":       {{bytes: []byte{0xff, 0xf1}}, {bytes: []byte{0xff, 0xf9}}},
	"audio/mp4":       {{bytes: []byte{0x66, 0x74, 0x79, 0x70}, offset: 4}},
	"video/mp4":       {{bytes: []byte{0x66, 0x74, 0x79, 0x70}, offset: 4}},
	"video/webm":      {{bytes: []byte{0x1a, 0x45, 0xdf, 0xa3}}},
	"video/ogg":       {{bytes: []byte{0x4f, 0x67, 0x67, 0x53}}},
	"video/quicktime": {{bytes: []byte{0x66, 0x74, 0x79, 0x70}, offset: 4}},
	"video/x-matroska": {
		{bytes: []byte{0x1a, 0x45, 0xdf, 0xa3}},
	},
}

var unsafeFileNameChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

func sanitizeFileName(name string) string {
	safe := unsafeFileNameChars.ReplaceAllString(name, "_")
	if safe == "" {
		safe = fmt.Sprintf("media-%d", time.Now().UnixMilli())
	}
	return safe
}

// resolveStoredFileName accepts only plain base names; anything that
// would escape the media folder errors out.
func resolveStoredFileName(name string) (string, error) {
	safe := filepath.Base(name)
	if safe != name || safe == "." || safe == ".." || safe == "" {
		return "", errors.New("invalid file name")
	}
	return safe, nil
}

func mimeForFileName(name string) string {
	if mime, ok := mediaMimeByExtension[strings.ToLower(filepath.Ext(name))]; ok {
		return mime
	}
	return "application/octet-stream"
}

func mediaTypeForMime(mime string) string {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return "image"
	case strings.HasPrefix(mime, "audio/"):
		return "audio"
	case strings.HasPrefix(mime, "video/"):
		return "video"
	}
	return ""
}

func matchesSignature(data []byte, mime string) bool {
	signatures, ok := mediaSignatures[mime]
	if !ok {
		return false
	}

	for _, sig := range signatures {
		if len(data) < sig.offset+len(sig.bytes) {
			continue
		}
		if bytes.Equal(data[sig.offset:sig.offset+len(sig.bytes)], sig.bytes) {
			return true
		}
	}
	return false
}

// MediaUsage records one quiz question referencing a stored file.
type MediaUsage struct {
	QuizID        string `json:"quizzId"`
	Subject       string `json:"subject"`
	QuestionIndex int    `json:"questionIndex"`
	Question      string `json:"question"`
}

// StoredMedia describes one file in the media folder.
type StoredMedia struct {
	FileName string       `json:"fileName"`
	URL      string       `json:"url"`
	Size     int64        `json:"size"`
	Mime     string       `json:"mime"`
	Type     string       `json:"type"`
	UsedBy   []MediaUsage `json:"usedBy"`
}

// MediaStore validates and persists uploaded question media.
type MediaStore struct {
	dir      string
	maxBytes int64
	cfg      *Config
}

func NewMediaStore(cfg *Config, dir string, maxBytes int64) (*MediaStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create media directory: %w", err)
	}
	return &MediaStore{dir: dir, maxBytes: maxBytes, cfg: cfg}, nil
}

// Store validates an upload (size cap, extension allow-list, binary
// signature) and writes it under a sanitized, collision-suffixed name.
// SVG is exempt from the signature check since it is XML with no magic
// bytes.
func (m *MediaStore) Store(name string, data []byte) (*StoredMedia, error) {
	if int64(len(data)) > m.maxBytes {
		return nil, fmt.Errorf("file is too large. Max %dMB", m.maxBytes/(1000*1000))
	}

	safeName := sanitizeFileName(name)
	ext := strings.ToLower(filepath.Ext(safeName))

	if ext == "" || !allowedMediaExtensions[ext] {
		display := ext
		if display == "" {
			display = "(none)"
		}
		return nil, fmt.Errorf("file extension %q is not allowed", display)
	}

	mime := mimeForFileName(safeName)
	mediaType := mediaTypeForMime(mime)
	if mediaType == "" {
		return nil, errors.New("unsupported media type")
	}

	if ext != ".svg" && !matchesSignature(data, mime) {
		return nil, errors.New("file content does not match its extension")
	}

	base := strings.TrimSuffix(safeName, ext)
	finalName := base + ext
	finalPath := filepath.Join(m.dir, finalName)
	for counter := 1; ; counter++ {
		if _, err := os.Stat(finalPath); os.IsNotExist(err) {
			break
		}
		finalName = fmt.Sprintf("%s-%d%s", base, counter, ext)
		finalPath = filepath.Join(m.dir, finalName)
	}

	if err := os.WriteFile(finalPath, data, 0o644); err != nil {
		return nil, fmt.Errorf("write media file: %w", err)
	}

	logf(m.cfg, "STORE: Saved media %q (%s)", finalName, humanReadableSize(int64(len(data))))

	return &StoredMedia{
		FileName: finalName,
		URL:      "/media/" + url.PathEscape(finalName),
		Size:     int64(len(data)),
		Mime:     mime,
		Type:     mediaType,
	}, nil
}

// Open serves a stored file by sanitized base name only.
func (m *MediaStore) Open(name string) (*os.File, string, error) {
	safe, err := resolveStoredFileName(name)
	if err != nil {
		return nil, "", err
	}

	f, err := os.Open(filepath.Join(m.dir, safe))
	if err != nil {
		return nil, "", err
	}
	return f, mimeForFileName(safe), nil
}

// usageIndex maps stored file names to the quiz questions referencing
// them.
func usageIndex(quizzes []QuizWithID) map[string][]MediaUsage {
	usage := make(map[string][]MediaUsage)

	record := func(fileName string, quiz QuizWithID, idx int, prompt string) {
		if fileName == "" {
			return
		}
		safe, err := resolveStoredFileName(fileName)
		if err != nil {
			return
		}
		usage[safe] = append(usage[safe], MediaUsage{
			QuizID:        quiz.ID,
			Subject:       quiz.Subject,
			QuestionIndex: idx,
			Question:      prompt,
		})
	}

	storedName := func(ref string) string {
		if !strings.HasPrefix(ref, "/media/") {
			return ""
		}
		raw := ref[strings.LastIndex(ref, "/")+1:]
		decoded, err := url.PathUnescape(raw)
		if err != nil {
			return ""
		}
		return decoded
	}

	for _, quiz := range quizzes {
		for idx, question := range quiz.Questions {
			if question.Media != nil {
				if question.Media.FileName != "" {
					record(question.Media.FileName, quiz, idx, question.Question)
				} else {
					record(storedName(question.Media.URL), quiz, idx, question.Question)
				}
			}
			record(storedName(question.Image), quiz, idx, question.Question)
		}
	}

	return usage
}

// List enumerates the media folder with usage information, in a stable
// order.
func (m *MediaStore) List(quizzes []QuizWithID) ([]StoredMedia, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("read media directory: %w", err)
	}

	usage := usageIndex(quizzes)

	stored := make([]StoredMedia, 0, len(entries))
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}

		name := entry.Name()
		mime := mimeForFileName(name)
		mediaType := mediaTypeForMime(mime)
		if mediaType == "" {
			mediaType = "video"
		}

		stored = append(stored, StoredMedia{
			FileName: name,
			URL:      "/media/" + url.PathEscape(name),
			Size:     info.Size(),
			Mime:     mime,
			Type:     mediaType,
			UsedBy:   usage[name],
		})
	}

	sort.Slice(stored, func(i, j int) bool {
		return stored[i].FileName < stored[j].FileName
	})

	return stored, nil
}

// Delete removes a stored file unless a quiz still references it.
func (m *MediaStore) Delete(name string, quizzes []QuizWithID) error {
	safe, err := resolveStoredFileName(name)
	if err != nil {
		return err
	}

	path := filepath.Join(m.dir, safe)
	if _, err := os.Stat(path); err != nil {
		return errors.New("file not found")
	}

	if usedBy := usageIndex(quizzes)[safe]; len(usedBy) > 0 {
		details := make([]string, 0, len(usedBy))
		for _, u := range usedBy {
			subject := u.Subject
			if subject == "" {
				subject = u.QuizID
			}
			details = append(details, fmt.Sprintf("%s (question %d)", subject, u.QuestionIndex+1))
		}
		return fmt.Errorf("file is still used by: %s", strings.Join(details, ", "))
	}

	return os.Remove(path)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func serveMediaList(cfg *Config, media *MediaStore, quizzes *QuizStore) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		securityHeaders(cfg, w)

		stored, err := media.List(quizzes.List())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list media"})
			return
		}
		writeJSON(w, http.StatusOK, stored)
	}
}

func serveMediaUpload(cfg *Config, media *MediaStore) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		securityHeaders(cfg, w)

		r.Body = http.MaxBytesReader(w, r.Body, media.maxBytes+1024)
		file, header, err := r.FormFile("file")
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing file"})
			return
		}
		defer file.Close()

		data, err := io.ReadAll(file)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read upload"})
			return
		}

		stored, err := media.Store(header.Filename, data)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusCreated, stored)
	}
}

func serveMediaFile(cfg *Config, media *MediaStore, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		startTime := time.Now()

		f, mime, err := media.Open(p.ByName("file"))
		if err != nil {
			http.NotFound(w, r)
			return
		}
		defer f.Close()

		w.Header().Set("Content-Type", mime)
		securityHeaders(cfg, w)

		written, err := io.Copy(w, f)
		if err != nil {
			errs <- err
			return
		}

		logf(cfg, "SERVE: Media %q (%s) to %s in %s",
			p.ByName("file"),
			humanReadableSize(written),
			realIP(r),
			time.Since(startTime).Round(time.Microsecond),
		)
	}
}

func serveMediaDelete(cfg *Config, media *MediaStore, quizzes *QuizStore) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		securityHeaders(cfg, w)

		if err := media.Delete(p.ByName("file"), quizzes.List()); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
	}
}
