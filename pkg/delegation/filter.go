package delegation

import "strings"

// Default filter values.
const (
	DefaultMetadataPrefix   = "META-INF"
	DefaultExcludedManifest = "MANIFEST.MF"
	DefaultFragmentDir      = "spring"
	DefaultFragmentSuffix   = ".xml"
)

// Filter decides which resource names are eligible for delegation.
type Filter struct {
	// MetadataPrefix is the namespace a name must start with, with or without a leading slash.
	MetadataPrefix string

	// ExcludedManifest excludes any name containing it.
	ExcludedManifest string

	// FragmentDir and FragmentSuffix together exclude configuration fragments: a name is
	// excluded when it contains FragmentDir and ends with FragmentSuffix.
	FragmentDir    string
	FragmentSuffix string
}

// DefaultFilter returns the filter used when none is configured.
func DefaultFilter() Filter {
	return Filter{
		MetadataPrefix:   DefaultMetadataPrefix,
		ExcludedManifest: DefaultExcludedManifest,
		FragmentDir:      DefaultFragmentDir,
		FragmentSuffix:   DefaultFragmentSuffix,
	}
}

// Eligible reports whether name may be delegated.
func (f Filter) Eligible(name string) bool {
	if !strings.HasPrefix(name, "/"+f.MetadataPrefix) && !strings.HasPrefix(name, f.MetadataPrefix) {
		return false
	}
	if f.ExcludedManifest != "" && strings.Contains(name, f.ExcludedManifest) {
		return false
	}
	if f.FragmentDir != "" && f.FragmentSuffix != "" &&
		strings.Contains(name, f.FragmentDir) && strings.HasSuffix(name, f.FragmentSuffix) {
		return false
	}
	return true
}
