// Package settings applies host-page theme, contrast and language changes to
// the embed page document.
package settings

import (
	"regexp"
	"strings"
	"sync"
)

// Allowed values for Update fields.
const (
	ThemeLight     = "light"
	ThemeDark      = "dark"
	ContrastNormal = "normal"
	ContrastHigh   = "high"

	themePrefix    = "theme-"
	contrastPrefix = "contrast-"
)

var langPattern = regexp.MustCompile(`^[A-Za-z]{2,3}(-[A-Za-z0-9]{2,8})*$`)

// Update is a settings change pushed by the host page. Empty or invalid
// fields are ignored.
type Update struct {
	Theme    string `json:"theme,omitempty"`
	Contrast string `json:"contrast,omitempty"`
	Lang     string `json:"lang,omitempty"`
}

// Document is the embed page state the settings act on: the class lists of
// <html> and <body> and the lang attribute.
type Document struct {
	HTMLClasses []string `json:"htmlClasses"`
	BodyClasses []string `json:"bodyClasses"`
	Lang        string   `json:"lang"`
}

// Apply mutates doc and reports whether anything changed. theme-* lives on
// <html>, contrast-* on <body>; an earlier value is replaced, not accumulated.
func (d *Document) Apply(u Update) bool {
	changed := false

	switch theme := strings.ToLower(strings.TrimSpace(u.Theme)); theme {
	case ThemeLight, ThemeDark:
		next := replacePrefixed(d.HTMLClasses, themePrefix, themePrefix+theme)
		if !equal(next, d.HTMLClasses) {
			d.HTMLClasses = next
			changed = true
		}
	}

	switch contrast := strings.ToLower(strings.TrimSpace(u.Contrast)); contrast {
	case ContrastNormal, ContrastHigh:
		next := replacePrefixed(d.BodyClasses, contrastPrefix, contrastPrefix+contrast)
		if !equal(next, d.BodyClasses) {
			d.BodyClasses = next
			changed = true
		}
	}

	if lang := strings.TrimSpace(u.Lang); lang != "" && langPattern.MatchString(lang) && lang != d.Lang {
		d.Lang = lang
		changed = true
	}

	return changed
}

// HTMLClass returns the <html> class attribute.
func (d Document) HTMLClass() string { return strings.Join(d.HTMLClasses, " ") }

// BodyClass returns the <body> class attribute.
func (d Document) BodyClass() string { return strings.Join(d.BodyClasses, " ") }

func (d Document) clone() Document {
	return Document{
		HTMLClasses: append([]string(nil), d.HTMLClasses...),
		BodyClasses: append([]string(nil), d.BodyClasses...),
		Lang:        d.Lang,
	}
}

func replacePrefixed(classes []string, prefix, value string) []string {
	out := make([]string, 0, len(classes)+1)
	for _, class := range classes {
		if strings.HasPrefix(class, prefix) {
			continue
		}
		out = append(out, class)
	}
	return append(out, value)
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Store holds the current Document for one embed page and notifies
// listeners when it changes.
type Store struct {
	mu        sync.Mutex
	doc       Document
	listeners []func(Document)
}

// NewStore starts from a light, normal-contrast document in lang.
func NewStore(lang string) *Store {
	doc := Document{
		HTMLClasses: []string{themePrefix + ThemeLight},
		BodyClasses: []string{contrastPrefix + ContrastNormal},
		Lang:        lang,
	}
	return &Store{doc: doc}
}

// Current returns a copy of the document.
func (s *Store) Current() Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.clone()
}

// Apply applies u and notifies listeners when the document changed.
func (s *Store) Apply(u Update) Document {
	s.mu.Lock()
	changed := s.doc.Apply(u)
	doc := s.doc.clone()
	listeners := append([]func(Document){}, s.listeners...)
	s.mu.Unlock()

	if changed {
		for _, fn := range listeners {
			fn(doc)
		}
	}
	return doc
}

// OnChange registers fn for later changes.
func (s *Store) OnChange(fn func(Document)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}
