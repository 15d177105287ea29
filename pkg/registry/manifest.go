package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Manifest describes one installable module.
type Manifest struct {
	// Metadata identifies the module.
	Metadata Metadata `yaml:"metadata" json:"metadata"`

	// Exports lists the packages the module exports.
	Exports []string `yaml:"exports,omitempty" json:"exports,omitempty" validate:"dive,required"`

	// Imports lists the packages the module imports.
	Imports []Import `yaml:"imports,omitempty" json:"imports,omitempty" validate:"dive"`

	// Resources lists entry paths the module contains, in addition to any files under Root.
	Resources []string `yaml:"resources,omitempty" json:"resources,omitempty" validate:"dive,required"`

	// Root is a directory whose files are entries of the module. Relative paths are resolved
	// against the manifest's directory.
	Root string `yaml:"root,omitempty" json:"root,omitempty"`
}

// Metadata contains module identity.
type Metadata struct {
	Name        string `yaml:"name" json:"name" validate:"required"`
	Version     string `yaml:"version" json:"version" validate:"required"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// Import is a package dependency.
type Import struct {
	Package string `yaml:"package" json:"package" validate:"required"`

	// Optional imports do not prevent resolution when no exporter exists.
	Optional bool `yaml:"optional,omitempty" json:"optional,omitempty"`
}

// Key returns name@version.
func (m *Manifest) Key() string {
	return m.Metadata.Name + "@" + m.Metadata.Version
}

// Marshal renders the manifest as YAML.
func (m *Manifest) Marshal() ([]byte, error) {
	return yaml.Marshal(m)
}

// ManifestLoader loads and validates module manifests.
type ManifestLoader struct {
	// BaseDir is the base directory for resolving relative manifest paths.
	BaseDir string

	validate *validator.Validate
}

// NewManifestLoader creates a new manifest loader.
func NewManifestLoader(baseDir string) *ManifestLoader {
	return &ManifestLoader{
		BaseDir:  baseDir,
		validate: validator.New(),
	}
}

// LoadFromFile loads a manifest from a YAML file.
func (l *ManifestLoader) LoadFromFile(path string) (*Manifest, error) {
	if !filepath.IsAbs(path) && l.BaseDir != "" {
		path = filepath.Join(l.BaseDir, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest file: %w", err)
	}

	manifest, err := l.LoadFromBytes(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	if manifest.Root != "" && !filepath.IsAbs(manifest.Root) {
		manifest.Root = filepath.Join(filepath.Dir(path), manifest.Root)
	}

	return manifest, nil
}

// LoadFromBytes parses and validates a manifest. Root is left as written.
func (l *ManifestLoader) LoadFromBytes(data []byte) (*Manifest, error) {
	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse manifest YAML: %w", err)
	}

	if err := l.validateManifest(&manifest); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}

	return &manifest, nil
}

// validateManifest checks struct tags and rejects duplicate declarations.
func (l *ManifestLoader) validateManifest(manifest *Manifest) error {
	if err := l.validate.Struct(manifest); err != nil {
		return err
	}

	if strings.ContainsAny(manifest.Metadata.Name, "@/ ") {
		return fmt.Errorf("module name %q must not contain '@', '/' or spaces", manifest.Metadata.Name)
	}

	seen := make(map[string]bool)
	for _, pkg := range manifest.Exports {
		if seen[pkg] {
			return fmt.Errorf("package %s exported twice", pkg)
		}
		seen[pkg] = true
	}

	seen = make(map[string]bool)
	for _, imp := range manifest.Imports {
		if seen[imp.Package] {
			return fmt.Errorf("package %s imported twice", imp.Package)
		}
		seen[imp.Package] = true
	}

	return nil
}
