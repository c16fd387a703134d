//go:build property
// +build property

package merkle_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/openagents/control/pkg/merkle"
)

// TestBuild_Determinism checks Build(files) == Build(files) for any
// generated file listing.
func TestBuild_Determinism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("Merkle root is deterministic for a fixed listing", prop.ForAll(
		func(paths []string, hashes []string) bool {
			files := toFileEntries(paths, hashes)
			t1, err1 := merkle.Build(files)
			t2, err2 := merkle.Build(files)
			if err1 != nil || err2 != nil {
				return err1 != nil && err2 != nil
			}
			return t1.Root == t2.Root
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

// TestBuild_OrderIndependence checks the root doesn't depend on the
// caller's slice order, since paths are sorted before hashing.
func TestBuild_OrderIndependence(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("Merkle root is independent of input order", prop.ForAll(
		func(paths []string, hashes []string) bool {
			files := toFileEntries(paths, hashes)
			reversed := make([]merkle.FileEntry, len(files))
			for i, f := range files {
				reversed[len(files)-1-i] = f
			}

			t1, err1 := merkle.Build(files)
			t2, err2 := merkle.Build(reversed)
			if err1 != nil || err2 != nil {
				return err1 != nil && err2 != nil
			}
			return t1.Root == t2.Root
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

func toFileEntries(paths, hashes []string) []merkle.FileEntry {
	seen := make(map[string]bool)
	files := make([]merkle.FileEntry, 0, len(paths))
	for i, p := range paths {
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		h := "0"
		if i < len(hashes) {
			h = hashes[i]
		}
		files = append(files, merkle.FileEntry{Path: p, SHA256: h, Bytes: int64(len(p))})
	}
	return files
}
