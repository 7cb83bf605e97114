// Package enginetest holds helpers shared by dialect and scheduler tests.
package enginetest

import (
	"os"
	"testing"

	"github.com/nx-dz/nutanix-prometheus-exporter/internal/engine"
)

// Series flattens samples into series key -> value so that sample sets can
// be compared with cmp.Diff.
func Series(samples []engine.Sample) map[string]float64 {
	out := make(map[string]float64, len(samples))
	for _, s := range samples {
		out[s.Key()] = s.Value
	}
	return out
}

// Names returns the distinct metric names in samples.
func Names(samples []engine.Sample) map[string]int {
	out := make(map[string]int)
	for _, s := range samples {
		out[s.Name]++
	}
	return out
}

// Fixture reads a file below testdata/.
func Fixture(t testing.TB, name string) []byte {
	t.Helper()
	b, err := os.ReadFile("testdata/" + name)
	if err != nil {
		t.Fatalf("read fixture %s: %v", name, err)
	}
	return b
}
