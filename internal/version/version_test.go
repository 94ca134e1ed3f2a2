// ABOUTME: Tests for build identity reporting
// ABOUTME: Checks the version string shape and the metric labels
package version

import (
	"regexp"
	"testing"
)

func TestVersionIsSemver(t *testing.T) {
	semver := regexp.MustCompile(`^\d+\.\d+\.\d+(-[0-9A-Za-z.-]+)?$`)
	if !semver.MatchString(Version) {
		t.Errorf("version %q is not semver", Version)
	}
}

func TestLabels(t *testing.T) {
	labels := Labels()

	want := map[string]string{
		"product":      Product,
		"version":      Version,
		"manufacturer": Manufacturer,
	}
	if len(labels) != len(want) {
		t.Fatalf("expected %d labels, got %d", len(want), len(labels))
	}
	for k, v := range want {
		if labels[k] != v {
			t.Errorf("label %s = %q, want %q", k, labels[k], v)
		}
	}

	// callers get their own copy
	labels["product"] = "changed"
	if Labels()["product"] != Product {
		t.Error("Labels returned shared state")
	}
}
