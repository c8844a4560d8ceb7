package widget

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"sync"
	texttemplate "text/template"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

var (
	markupTmpl = template.Must(template.ParseFS(templateFS, "templates/widget.html.tmpl"))
	loaderTmpl = texttemplate.Must(texttemplate.ParseFS(templateFS, "templates/loader.js.tmpl"))
)

// Widget is the host-page state: one launcher button and at most one iframe.
// The iframe is created on first open and only hidden afterwards, so the
// chat keeps its state across toggles.
type Widget struct {
	cfg LoaderConfig
	src string

	mu            sync.Mutex
	open          bool
	iframeCreated bool
}

// New builds a closed widget.
func New(cfg LoaderConfig) (*Widget, error) {
	src, err := IframeSrc(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Sandbox == "" {
		cfg.Sandbox = DefaultSandbox
	}
	return &Widget{cfg: cfg, src: src}, nil
}

// Toggle flips the open state and returns it.
func (w *Widget) Toggle() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.open = !w.open
	if w.open {
		w.iframeCreated = true
	}
	return w.open
}

// Open reports whether the chat panel is visible.
func (w *Widget) Open() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.open
}

// IframeCreated reports whether the iframe exists yet.
func (w *Widget) IframeCreated() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.iframeCreated
}

type markupData struct {
	Config LoaderConfig
	Src    string
	Open   bool
	Iframe bool
}

// Render returns the widget markup for the current state.
func (w *Widget) Render() (template.HTML, error) {
	w.mu.Lock()
	data := markupData{Config: w.cfg, Src: w.src, Open: w.open, Iframe: w.iframeCreated}
	w.mu.Unlock()

	var buf bytes.Buffer
	if err := markupTmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render widget: %w", err)
	}
	return template.HTML(buf.String()), nil
}

// LoaderDefaults are baked into /widget.js.
type LoaderDefaults struct {
	ChatURL string
	Avatar  string
	Title   string
}

// RenderLoader writes the loader script served at /widget.js.
func RenderLoader(buf *bytes.Buffer, defaults LoaderDefaults) error {
	data := struct {
		ChatURL        template.JS
		Avatar         template.JS
		Title          template.JS
		DefaultSandbox template.JS
		SandboxTokens  template.JS
		DefaultWidth   template.JS
		DefaultHeight  template.JS
		Units          template.JS
	}{
		ChatURL:        jsString(defaults.ChatURL),
		Avatar:         jsString(defaults.Avatar),
		Title:          jsString(defaults.Title),
		DefaultSandbox: jsString(DefaultSandbox),
		SandboxTokens:  jsValue(SandboxTokens()),
		DefaultWidth:   jsString(defaultWidth),
		DefaultHeight:  jsString(defaultHeight),
		Units:          jsValue(dimensionUnits),
	}
	return loaderTmpl.Execute(buf, data)
}
