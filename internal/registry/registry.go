// Package registry loads and validates retailer profiles.
package registry

import (
	_ "embed"
	"net/url"
	"os"
	"sort"
	"strings"

	"github.com/andybalholm/cascadia"
	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/pricescout/internal/model"
	"github.com/sells-group/pricescout/internal/price"
)

//go:embed retailers.yaml
var defaultProfiles []byte

// ErrUnknownRetailer is returned by Get for ids with no profile.
var ErrUnknownRetailer = eris.New("registry: unknown retailer")

// file is the on-disk layout of a profiles document.
type file struct {
	SchemaVersion int                     `yaml:"schema_version"`
	Retailers     []model.RetailerProfile `yaml:"retailers"`
}

// Registry is an immutable, validated set of retailer profiles.
type Registry struct {
	profiles map[string]model.RetailerProfile
}

// Default returns the built-in UK grocery profiles.
func Default() (*Registry, error) {
	return Parse(defaultProfiles)
}

// LoadFile reads a YAML profiles document. An empty path yields Default().
func LoadFile(path string) (*Registry, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "registry: read retailers file")
	}
	return Parse(data)
}

// Parse decodes and validates a YAML profiles document.
func Parse(data []byte) (*Registry, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrap(err, "registry: unmarshal retailers")
	}
	if f.SchemaVersion != model.RetailerSchemaVersion {
		return nil, eris.Errorf("registry: unsupported schema_version %d (want %d)", f.SchemaVersion, model.RetailerSchemaVersion)
	}
	return New(f.Retailers, f.SchemaVersion)
}

// New validates profiles and builds a Registry. Profiles that omit their own
// schema version inherit docVersion.
func New(profiles []model.RetailerProfile, docVersion int) (*Registry, error) {
	r := &Registry{profiles: make(map[string]model.RetailerProfile, len(profiles))}
	for _, p := range profiles {
		if p.SchemaVersion == 0 {
			p.SchemaVersion = docVersion
		}
		if p.Currency == "" {
			p.Currency = "GBP"
		}
		p.Currency = strings.ToUpper(p.Currency)
		if err := Validate(p); err != nil {
			return nil, err
		}
		if _, dup := r.profiles[p.ID]; dup {
			return nil, eris.Errorf("registry: duplicate retailer id %q", p.ID)
		}
		r.profiles[p.ID] = p
	}
	return r, nil
}

// Validate checks a single profile. All selector strings must compile.
func Validate(p model.RetailerProfile) error {
	if p.ID == "" {
		return eris.New("registry: retailer id is required")
	}
	if p.SchemaVersion != model.RetailerSchemaVersion {
		return eris.Errorf("registry: %s: unsupported schema_version %d", p.ID, p.SchemaVersion)
	}
	if p.Name == "" {
		return eris.Errorf("registry: %s: name is required", p.ID)
	}
	u, err := url.Parse(p.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return eris.Errorf("registry: %s: base_url %q must be an absolute http(s) URL", p.ID, p.BaseURL)
	}
	if !price.ValidCurrency(p.Currency) {
		return eris.Errorf("registry: %s: invalid currency %q", p.ID, p.Currency)
	}

	var sels []string
	sels = append(sels, p.Selectors.Price...)
	sels = append(sels, p.Selectors.PromoPrice...)
	sels = append(sels, p.Selectors.PromoText...)
	sels = append(sels, p.Selectors.Title...)
	sels = append(sels, p.Search.Item, p.Search.Title, p.Search.Link, p.Search.Price)
	for _, s := range sels {
		if s == "" {
			continue
		}
		if _, err := cascadia.ParseGroup(s); err != nil {
			return eris.Wrapf(err, "registry: %s: bad selector %q", p.ID, s)
		}
	}

	if p.Search.URLTemplate != "" {
		if !strings.Contains(p.Search.URLTemplate, "{query}") {
			return eris.Errorf("registry: %s: search url_template must contain {query}", p.ID)
		}
		if p.Search.Item == "" {
			return eris.Errorf("registry: %s: search item selector is required with url_template", p.ID)
		}
	}
	return nil
}

// Get returns the profile for id.
func (r *Registry) Get(id string) (model.RetailerProfile, error) {
	p, ok := r.profiles[id]
	if !ok {
		return model.RetailerProfile{}, eris.Wrapf(ErrUnknownRetailer, "%q", id)
	}
	return p, nil
}

// IDs returns all retailer ids in sorted order.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.profiles))
	for id := range r.profiles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of profiles.
func (r *Registry) Len() int { return len(r.profiles) }
