// internal/locale/locale.go
package locale

import (
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/courier-cli/internal/driver"
)

// Profile is the selector set bound to one interface language.
type Profile struct {
	Code string
	// EntryTrigger opens the interaction surface for a target.
	EntryTrigger string
	// InputSurface is the editable message box inside the surface.
	InputSurface string
	// DismissControl closes the surface. It is a CSS selector.
	DismissControl string
	// RelationTrigger is the optional auxiliary relationship action.
	RelationTrigger string
}

// Registry is an immutable, code-indexed set of profiles with a fallback.
type Registry struct {
	profiles map[string]Profile
	fallback string
}

// NewRegistry builds a registry. fallback must name one of the profiles.
func NewRegistry(fallback string, profiles ...Profile) *Registry {
	r := &Registry{profiles: make(map[string]Profile, len(profiles)), fallback: fallback}
	for _, p := range profiles {
		r.profiles[p.Code] = p
	}
	if _, ok := r.profiles[fallback]; !ok && len(profiles) > 0 {
		r.fallback = profiles[0].Code
	}
	return r
}

var (
	English = Profile{
		Code:            "en",
		EntryTrigger:    "//*[contains(text(), 'Message')]",
		InputSurface:    "//div[@aria-label='Message' and @role='textbox']",
		DismissControl:  "div[aria-label='Close chat']",
		RelationTrigger: "//*[contains(text(), 'Add friend')]",
	}
	Hebrew = Profile{
		Code:            "he",
		EntryTrigger:    "//*[contains(text(), 'הודעה')]",
		InputSurface:    "//div[@aria-label='שליחת הודעה' and @role='textbox']",
		DismissControl:  `div[aria-label="סגירת הצ'אט"]`,
		RelationTrigger: "//*[contains(text(), 'הוספת חבר')]",
	}
)

// DefaultRegistry returns the built-in profiles with fallback as the default code.
func DefaultRegistry(fallback string) *Registry {
	return NewRegistry(fallback, English, Hebrew)
}

// Lookup returns the profile for code, or the fallback profile.
func (r *Registry) Lookup(code string) Profile {
	if p, ok := r.profiles[code]; ok {
		return p
	}
	return r.profiles[r.fallback]
}

// Default returns the fallback profile.
func (r *Registry) Default() Profile {
	return r.profiles[r.fallback]
}

// Match maps a declared document language ("he-IL", "en_US", "EN") to a known
// code. ok is false when the signal is empty or unrecognised.
func (r *Registry) Match(lang string) (code string, ok bool) {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if lang == "" {
		return "", false
	}
	if i := strings.IndexAny(lang, "-_"); i >= 0 {
		lang = lang[:i]
	}
	// "iw" is the legacy code for Hebrew still emitted by some pages.
	if lang == "iw" {
		lang = "he"
	}
	if _, known := r.profiles[lang]; known {
		return lang, true
	}
	return "", false
}

// LangScript reads the declared document language.
const LangScript = `return document.documentElement ? (document.documentElement.lang || "") : "";`

// Detector picks the active profile from the loaded page.
type Detector struct {
	drv      driver.Driver
	registry *Registry
	logger   *zap.Logger
}

func NewDetector(drv driver.Driver, registry *Registry, logger *zap.Logger) *Detector {
	return &Detector{drv: drv, registry: registry, logger: logger.Named("locale")}
}

// Detect reads the document language once and returns the matching profile,
// falling back to the default when the signal is missing or unknown.
func (d *Detector) Detect(ctx context.Context) Profile {
	raw, err := d.drv.ExecuteScript(ctx, LangScript)
	if err != nil {
		d.logger.Debug("Could not read document language; using default locale.", zap.Error(err))
		return d.registry.Default()
	}

	var lang string
	if err := json.Unmarshal(raw, &lang); err != nil {
		d.logger.Debug("Document language is not a string; using default locale.", zap.ByteString("raw", raw))
		return d.registry.Default()
	}

	code, ok := d.registry.Match(lang)
	if !ok {
		d.logger.Debug("Unrecognised document language; using default locale.", zap.String("lang", lang))
		return d.registry.Default()
	}
	d.logger.Debug("Detected interface locale.", zap.String("lang", lang), zap.String("code", code))
	return d.registry.Lookup(code)
}
