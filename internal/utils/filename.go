package utils

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"
	"text/template"
	"time"
)

// DefaultFilenameTemplate is used when a call does not supply a template.
const DefaultFilenameTemplate = "{{.Timestamp}}-{{.Subject}}"

const maxSubjectLength = 50

var (
	subjectPrefixes = []string{
		"a ", "an ", "the ", "create ", "generate ", "make ", "draw ", "paint ",
		"digital painting of ", "artwork of ", "image of ", "picture of ",
		"realistic ", "detailed ", "highly detailed ", "professional ",
		"masterpiece ", "award-winning ", "stunning ", "beautiful ",
	}
	subjectSuffixes = []string{
		" style", " art", " artwork", " painting", " image", " picture",
		" digital art", " concept art", " illustration", " render",
		" highly detailed", " professional", " masterpiece", " 4k", " 8k",
	}
	stopWords = map[string]bool{
		"with": true, "and": true, "or": true, "but": true, "in": true, "on": true, "at": true,
		"to": true, "for": true, "of": true, "from": true, "up": true, "about": true, "into": true,
		"through": true, "during": true, "before": true, "after": true, "above": true, "below": true,
		"between": true, "among": true, "very": true, "really": true, "quite": true, "rather": true,
		"too": true,
	}

	wordPattern       = regexp.MustCompile(`\b[a-zA-Z]+\b`)
	leftoverMarker    = regexp.MustCompile(`\{\{[^}]*\}\}`)
	invalidFileChars  = regexp.MustCompile(`[<>:"/\\|?*]`)
	repeatedUnderline = regexp.MustCompile(`_+`)
)

// FilenameParams carries the values a filename template can reference.
type FilenameParams struct {
	Prompt   string
	Provider string
	Model    string
}

// FilenameRenderer turns filename templates into output paths. The counter is
// process-wide and shared by every render.
type FilenameRenderer struct {
	counter atomic.Int64
	now     func() time.Time
}

// NewFilenameRenderer creates a renderer using the wall clock.
func NewFilenameRenderer() *FilenameRenderer {
	return &FilenameRenderer{now: time.Now}
}

// Render applies tmpl and returns a sanitized base filename without extension.
// Templates use Go template syntax, e.g. "{{.Date}}-{{.Provider}}-{{.Subject}}".
func (r *FilenameRenderer) Render(tmpl string, p FilenameParams) (string, error) {
	if tmpl == "" {
		tmpl = DefaultFilenameTemplate
	}
	t, err := template.New("filename").Option("missingkey=zero").Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("invalid filename template: %w", err)
	}

	now := r.now()
	vars := map[string]string{
		"Timestamp": now.Format("010206.150405"),
		"Date":      now.Format("010206"),
		"Time":      now.Format("150405"),
		"Provider":  strings.ToLower(p.Provider),
		"Model":     strings.NewReplacer(".", "", "-", "").Replace(p.Model),
		"Subject":   ExtractSubject(p.Prompt),
		"Hash":      PromptHash(p.Prompt),
		"Counter":   fmt.Sprintf("%03d", r.counter.Add(1)),
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, vars); err != nil {
		return "", fmt.Errorf("render filename template: %w", err)
	}
	return sanitizeFilename(buf.String()), nil
}

// OutputPath renders tmpl inside dir and appends the .png extension when
// missing. SaveImage picks a suffixed name if the path is taken when the image
// is written.
func (r *FilenameRenderer) OutputPath(dir, tmpl string, p FilenameParams) (string, error) {
	name, err := r.Render(tmpl, p)
	if err != nil {
		return "", err
	}
	if !strings.HasSuffix(name, ".png") {
		name += ".png"
	}
	return filepath.Join(dir, name), nil
}

// ExtractSubject derives a short, filename-safe subject from a prompt.
func ExtractSubject(prompt string) string {
	clean := strings.ToLower(prompt)
	for _, prefix := range subjectPrefixes {
		if strings.HasPrefix(clean, prefix) {
			clean = clean[len(prefix):]
			break
		}
	}
	for _, suffix := range subjectSuffixes {
		if strings.HasSuffix(clean, suffix) {
			clean = clean[:len(clean)-len(suffix)]
			break
		}
	}

	words := wordPattern.FindAllString(clean, -1)
	meaningful := make([]string, 0, len(words))
	for _, w := range words {
		if !stopWords[w] {
			meaningful = append(meaningful, w)
		}
	}
	if len(meaningful) == 0 {
		meaningful = words
	}
	if len(meaningful) > 4 {
		meaningful = meaningful[:4]
	}

	subject := strings.Join(meaningful, "_")
	if len(subject) > maxSubjectLength {
		subject = subject[:maxSubjectLength]
	}
	if subject == "" {
		return "image"
	}
	return subject
}

// PromptHash returns the first 8 hex characters of the prompt's MD5 digest.
func PromptHash(prompt string) string {
	sum := md5.Sum([]byte(prompt))
	return hex.EncodeToString(sum[:])[:8]
}

func sanitizeFilename(name string) string {
	name = leftoverMarker.ReplaceAllString(name, "")
	name = invalidFileChars.ReplaceAllString(name, "_")
	name = repeatedUnderline.ReplaceAllString(name, "_")
	name = strings.Trim(name, "_")
	if name == "" {
		return "image"
	}
	return name
}
