package function

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ManifestFile is the file name looked up in each function directory.
const ManifestFile = "manifest.yaml"

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Report fields by their manifest key.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Manifest represents a function's manifest.yaml.
type Manifest struct {
	Name    string `yaml:"name" validate:"required"`
	Version string `yaml:"version" validate:"required"`
	// Entry is the module file relative to the manifest, or an http(s) URL.
	Entry       string            `yaml:"entry" validate:"required"`
	Args        []string          `yaml:"args"`
	Env         map[string]string `yaml:"env"`
	Permissions []string          `yaml:"permissions" validate:"dive,required"`
	Stdin       string            `yaml:"stdin"`
	// Preopens maps a guest path to a host directory, relative to the
	// manifest or absolute.
	Preopens map[string]string `yaml:"preopens" validate:"dive,keys,startswith=/,endkeys,required"`
	Limits   Limits            `yaml:"limits"`

	// Directory containing the manifest
	dir string
}

// Limits caps what a function's module may declare.
type Limits struct {
	// Initial linear memory, in 64KB pages. Zero means no per-function cap.
	MemoryPages uint32 `yaml:"memory_pages" validate:"max=65536"`
}

// ParseManifest reads and parses manifest.yaml from a directory.
func ParseManifest(dir string) (*Manifest, error) {
	manifestPath := filepath.Join(dir, ManifestFile)

	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, &ManifestNotFoundError{
			Path: manifestPath,
			Err:  err,
		}
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, &ManifestParseError{
			Path: manifestPath,
			Err:  err,
		}
	}

	m.dir = dir

	if err := m.Validate(); err != nil {
		return nil, err
	}

	return &m, nil
}

// Validate checks manifest fields and that a local entry exists.
func (m *Manifest) Validate() error {
	if err := validate.Struct(m); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) || len(verrs) == 0 {
			return &ManifestValidationError{Path: m.Path(), Message: err.Error()}
		}
		fe := verrs[0]
		field := fe.Namespace()
		if _, rest, ok := strings.Cut(field, "."); ok {
			field = rest
		}
		msg := fmt.Sprintf("failed '%s' check", fe.Tag())
		if fe.Tag() == "required" {
			msg = field + " is required"
		}
		return &ManifestValidationError{
			Path:    m.Path(),
			Field:   field,
			Message: msg,
		}
	}

	for guestPath, hostDir := range m.PreopenDirs() {
		if info, err := os.Stat(hostDir); err != nil || !info.IsDir() {
			return &ManifestValidationError{
				Path:    m.Path(),
				Field:   "preopens[" + guestPath + "]",
				Message: fmt.Sprintf("%s is not a directory", hostDir),
			}
		}
	}

	if m.IsRemote() {
		return nil
	}
	if _, err := os.Stat(m.EntryLocation()); os.IsNotExist(err) {
		return &EntryNotFoundError{
			ManifestPath: m.Path(),
			Entry:        m.Entry,
		}
	}
	return nil
}

// IsRemote reports whether the entry is fetched over HTTP(S).
func (m *Manifest) IsRemote() bool {
	lower := strings.ToLower(m.Entry)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// EntryLocation returns the URL or the entry path joined to the manifest
// directory.
func (m *Manifest) EntryLocation() string {
	if m.IsRemote() || filepath.IsAbs(m.Entry) {
		return m.Entry
	}
	return filepath.Join(m.dir, m.Entry)
}

// PreopenDirs returns Preopens with relative host directories joined to
// the manifest directory.
func (m *Manifest) PreopenDirs() map[string]string {
	dirs := make(map[string]string, len(m.Preopens))
	for guestPath, hostDir := range m.Preopens {
		if !filepath.IsAbs(hostDir) {
			hostDir = filepath.Join(m.dir, hostDir)
		}
		dirs[guestPath] = hostDir
	}
	return dirs
}

// Path returns the manifest file path.
func (m *Manifest) Path() string {
	return filepath.Join(m.dir, ManifestFile)
}

// Dir returns the directory containing the manifest.
func (m *Manifest) Dir() string {
	return m.dir
}
