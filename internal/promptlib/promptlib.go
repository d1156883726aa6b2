// Package promptlib is the Prompt Library (C3): a versioned, rollback-capable
// store of prompt templates with per-template effectiveness statistics,
// persisted as a single JSON document rewritten atomically on every write.
package promptlib

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/antigravity-dev/reflexor/internal/errs"
)

// HistoryEntry is one past version of a template, kept so Rollback can
// restore it.
type HistoryEntry struct {
	Version             int       `json:"version"`
	PreviousTemplate    string    `json:"previous_template"`
	Reason              string    `json:"reason"`
	Timestamp           time.Time `json:"timestamp"`
}

// Stats is the running effectiveness tally for one template.
type Stats struct {
	Uses        int     `json:"uses"`
	Successes   int     `json:"successes"`
	SumExecSec  float64 `json:"sum_exec_sec"`
	SumTokens   int64   `json:"sum_tokens"`
}

// SuccessRate returns Successes/Uses, or 0 if Uses is 0.
func (s Stats) SuccessRate() float64 {
	if s.Uses == 0 {
		return 0
	}
	return float64(s.Successes) / float64(s.Uses)
}

// AvgExecSeconds returns the mean execution time across tracked uses.
func (s Stats) AvgExecSeconds() float64 {
	if s.Uses == 0 {
		return 0
	}
	return s.SumExecSec / float64(s.Uses)
}

// AvgTokens returns the mean tokens used across tracked uses.
func (s Stats) AvgTokens() float64 {
	if s.Uses == 0 {
		return 0
	}
	return float64(s.SumTokens) / float64(s.Uses)
}

// template is the persisted record for one prompt id.
type template struct {
	Text      string         `json:"text"`
	Version   int            `json:"version"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	History   []HistoryEntry `json:"history"`
	Stats     Stats          `json:"stats"`
}

type document struct {
	Templates map[string]*template `json:"templates"`
}

// Library is the in-memory, disk-backed prompt template store.
type Library struct {
	mu       sync.Mutex
	path     string
	doc      document
	repoCtx  map[string]any
	defaults map[string]string
}

// New loads path if it exists (tolerating a missing file by starting with
// an empty document) and returns a ready Library. defaults supplies the
// initial template text for any id read before it has ever been written.
func New(path string, defaults map[string]string) (*Library, error) {
	l := &Library{path: path, doc: document{Templates: make(map[string]*template)}, defaults: defaults}
	if path == "" {
		return l, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return l, nil
		}
		return nil, errs.New("promptlib.New", errs.StorageFault, err)
	}
	if err := json.Unmarshal(data, &l.doc); err != nil {
		return nil, errs.New("promptlib.New", errs.StorageFault, fmt.Errorf("parse %s: %w", path, err))
	}
	if l.doc.Templates == nil {
		l.doc.Templates = make(map[string]*template)
	}
	return l, nil
}

// BindRepositoryContext attaches a context bag rendered ahead of every
// Get() call's template text.
func (l *Library) BindRepositoryContext(ctx map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.repoCtx = ctx
}

func (l *Library) save() error {
	if l.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(l.doc, "", "  ")
	if err != nil {
		return errs.New("promptlib.save", errs.StorageFault, err)
	}
	dir := filepath.Dir(l.path)
	tmp, err := os.CreateTemp(dir, "promptlib-*.json.tmp")
	if err != nil {
		return errs.New("promptlib.save", errs.StorageFault, err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return errs.New("promptlib.save", errs.StorageFault, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return errs.New("promptlib.save", errs.StorageFault, err)
	}
	if err := os.Rename(tmpPath, l.path); err != nil {
		os.Remove(tmpPath)
		return errs.New("promptlib.save", errs.StorageFault, err)
	}
	return nil
}

func (l *Library) ensure(id string) *template {
	if t, ok := l.doc.Templates[id]; ok {
		return t
	}
	now := time.Now().UTC()
	t := &template{
		Text:      l.defaults[id],
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	l.doc.Templates[id] = t
	return t
}

func renderBlock(title string, kv map[string]any) string {
	if len(kv) == 0 {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "## %s\n", title)
	for k, v := range kv {
		fmt.Fprintf(&b, "- %s: %v\n", k, v)
	}
	return b.String()
}

// Get returns the rendered template: repository context (if bound) prepended,
// then additionalContext as a task-specific block, then the template body.
func (l *Library) Get(id string, additionalContext map[string]any) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	t := l.ensure(id)

	var parts []string
	if block := renderBlock("Repository Context", l.repoCtx); block != "" {
		parts = append(parts, block)
	}
	if block := renderBlock("Task-Specific Context", additionalContext); block != "" {
		parts = append(parts, block)
	}
	parts = append(parts, t.Text)
	return strings.Join(parts, "\n")
}

// Update increments Version, appends a history entry carrying the previous
// template text, and persists the change.
func (l *Library) Update(id, newTemplate, improvementReason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	t := l.ensure(id)

	t.Version++
	t.History = append(t.History, HistoryEntry{
		Version:          t.Version,
		PreviousTemplate: t.Text,
		Reason:           improvementReason,
		Timestamp:        time.Now().UTC(),
	})
	t.Text = newTemplate
	t.UpdatedAt = time.Now().UTC()
	return l.save()
}

// Rollback restores the template text captured in the history entry whose
// Version equals version+1, then sets the current Version to version.
// Returns false (with no error) if no such history entry exists.
func (l *Library) Rollback(id string, version int) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.doc.Templates[id]
	if !ok {
		return false, nil
	}
	for _, h := range t.History {
		if h.Version == version+1 {
			t.Text = h.PreviousTemplate
			t.Version = version
			t.UpdatedAt = time.Now().UTC()
			if err := l.save(); err != nil {
				return false, err
			}
			return true, nil
		}
	}
	return false, nil
}

// TrackEffectiveness appends one observation to id's running statistics.
func (l *Library) TrackEffectiveness(id string, success bool, executionTimeSec float64, tokensUsed int, feedback string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	t := l.ensure(id)
	t.Stats.Uses++
	if success {
		t.Stats.Successes++
	}
	t.Stats.SumExecSec += executionTimeSec
	t.Stats.SumTokens += int64(tokensUsed)
	return l.save()
}

// Statistics returns id's running effectiveness tally.
func (l *Library) Statistics(id string) Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t, ok := l.doc.Templates[id]; ok {
		return t.Stats
	}
	return Stats{}
}

// Version returns id's current version, or 0 if id has never been read or
// written (Get and Update create a missing template at version 1).
func (l *Library) Version(id string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t, ok := l.doc.Templates[id]; ok {
		return t.Version
	}
	return 0
}
