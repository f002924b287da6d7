package manifest

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"portico/internal/logger"
)

// Application is a micro application known to the platform
type Application struct {
	SymbolicName   string   `json:"symbolicName"`
	Name           string   `json:"name"`
	ManifestURL    string   `json:"manifestUrl"`
	BaseURL        string   `json:"baseUrl,omitempty"`
	AllowedOrigins []string `json:"allowedOrigins"`
}

// ApplicationConfig describes an application to register at platform start
type ApplicationConfig struct {
	SymbolicName string `yaml:"symbolic_name" json:"symbolicName"`
	ManifestURL  string `yaml:"manifest_url" json:"manifestUrl"`
	// AllowedOrigins are accepted in addition to the manifest URL's origin
	AllowedOrigins []string `yaml:"allowed_origins,omitempty" json:"allowedOrigins,omitempty"`
	Exclude        bool     `yaml:"exclude,omitempty" json:"exclude,omitempty"`
}

// ApplicationRegistry holds the applications and registers their declared
// capabilities and intentions in the manifest registry
type ApplicationRegistry struct {
	apps      map[string]*Application
	manifests *Registry
	log       zerolog.Logger
}

// NewApplicationRegistry creates an application registry backed by the given manifest registry
func NewApplicationRegistry(manifests *Registry) *ApplicationRegistry {
	return &ApplicationRegistry{
		apps:      make(map[string]*Application),
		manifests: manifests,
		log:       logger.GetLogger("applications"),
	}
}

// Register adds an application and the capabilities and intentions its
// manifest declares. Invalid manifest entries are logged and skipped.
func (r *ApplicationRegistry) Register(cfg ApplicationConfig, m *Manifest) error {
	if cfg.SymbolicName == "" {
		return fmt.Errorf("%w: symbolic name is required", ErrIllegalManifest)
	}
	if _, exists := r.apps[cfg.SymbolicName]; exists {
		return fmt.Errorf("%w: application %q already registered", ErrIllegalManifest, cfg.SymbolicName)
	}
	if m == nil {
		return fmt.Errorf("%w: application %q has no manifest", ErrIllegalManifest, cfg.SymbolicName)
	}

	origins, err := allowedOrigins(cfg)
	if err != nil {
		return err
	}

	app := &Application{
		SymbolicName:   cfg.SymbolicName,
		Name:           m.Name,
		ManifestURL:    cfg.ManifestURL,
		BaseURL:        m.BaseURL,
		AllowedOrigins: origins,
	}
	if app.Name == "" {
		app.Name = cfg.SymbolicName
	}
	r.apps[app.SymbolicName] = app

	for _, c := range m.Capabilities {
		if _, err := r.manifests.RegisterCapability(c, app.SymbolicName); err != nil {
			r.log.Error().Err(err).Str("app", app.SymbolicName).Str("type", c.Type).Msg("Skipping capability declared in manifest")
		}
	}
	for _, i := range m.Intentions {
		if _, err := r.manifests.RegisterIntention(i, app.SymbolicName); err != nil {
			r.log.Error().Err(err).Str("app", app.SymbolicName).Str("type", i.Type).Msg("Skipping intention declared in manifest")
		}
	}

	r.log.Info().
		Str("app", app.SymbolicName).
		Strs("origins", origins).
		Int("capabilities", len(m.Capabilities)).
		Int("intentions", len(m.Intentions)).
		Msg("Application registered")
	return nil
}

// Get returns the application with the given symbolic name
func (r *ApplicationRegistry) Get(symbolicName string) (*Application, bool) {
	app, ok := r.apps[symbolicName]
	return app, ok
}

// All returns all applications sorted by symbolic name
func (r *ApplicationRegistry) All() []*Application {
	out := make([]*Application, 0, len(r.apps))
	for _, app := range r.apps {
		out = append(out, app)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SymbolicName < out[j].SymbolicName })
	return out
}

// IsOriginAllowed reports whether a client of the application may connect from origin
func (a *Application) IsOriginAllowed(origin string) bool {
	origin = strings.TrimSuffix(origin, "/")
	for _, o := range a.AllowedOrigins {
		if o == origin {
			return true
		}
	}
	return false
}

func allowedOrigins(cfg ApplicationConfig) ([]string, error) {
	var out []string
	seen := make(map[string]bool)
	add := func(o string) {
		o = strings.TrimSuffix(o, "/")
		if o != "" && !seen[o] {
			seen[o] = true
			out = append(out, o)
		}
	}

	if cfg.ManifestURL != "" {
		u, err := url.Parse(cfg.ManifestURL)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid manifest url %q: %w", ErrIllegalManifest, cfg.ManifestURL, err)
		}
		if u.Scheme == "http" || u.Scheme == "https" {
			add(u.Scheme + "://" + u.Host)
		}
	}
	for _, o := range cfg.AllowedOrigins {
		add(o)
	}
	return out, nil
}
