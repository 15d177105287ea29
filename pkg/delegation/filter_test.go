package delegation

import "testing"

func TestFilterEligible(t *testing.T) {
	tests := []struct {
		name string
		res  string
		want bool
	}{
		{name: "service descriptor", res: "META-INF/services/X", want: true},
		{name: "leading slash", res: "/META-INF/services/X", want: true},
		{name: "manifest", res: "META-INF/MANIFEST.MF", want: false},
		{name: "manifest with slash", res: "/META-INF/MANIFEST.MF", want: false},
		{name: "spring xml fragment", res: "META-INF/spring/foo.xml", want: false},
		{name: "spring text file", res: "META-INF/spring/foo.txt", want: true},
		{name: "spring handlers anywhere in name", res: "META-INF/spring.handlers", want: true},
		{name: "spring schema xml", res: "META-INF/spring-context.xml", want: false},
		{name: "plain xml", res: "META-INF/persistence.xml", want: true},
		{name: "outside metadata", res: "org/example/Foo.class", want: false},
		{name: "nested metadata dir", res: "WEB-INF/META-INF/services/X", want: false},
		{name: "empty", res: "", want: false},
	}

	filter := DefaultFilter()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := filter.Eligible(tt.res); got != tt.want {
				t.Errorf("Eligible(%q) = %v, want %v", tt.res, got, tt.want)
			}
		})
	}
}

func TestFilterCustom(t *testing.T) {
	filter := Filter{
		MetadataPrefix:   "OSGI-INF",
		ExcludedManifest: "MANIFEST.MF",
	}

	if !filter.Eligible("OSGI-INF/blueprint/context.xml") {
		t.Error("expected blueprint descriptor to be eligible without a fragment rule")
	}
	if filter.Eligible("META-INF/services/X") {
		t.Error("expected META-INF to be ineligible under a custom prefix")
	}
}
