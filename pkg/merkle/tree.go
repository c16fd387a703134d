// Package merkle builds the repo-index Merkle tree used by verify_repo_index
// to check a run's claimed tree_sha256 against its reported file listing.
package merkle

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/gowebpki/jcs"
)

// FileEntry is one reported file in a run's tree listing.
type FileEntry struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
	Bytes  int64  `json:"bytes"`
}

type Leaf struct {
	Path      string
	LeafBytes []byte
	LeafHash  string
}

type Tree struct {
	Leaves []Leaf
	Root   string
	Levels [][]string
}

const (
	leafDomain = "openagents:runindex:leaf:v1"
	nodeDomain = "openagents:runindex:node:v1"
)

// Build constructs a Merkle tree over a run's file listing, keyed by path.
// Canonicalization uses RFC 8785 JSON Canonicalization (JCS) so the same
// logical file set always produces the same leaf bytes regardless of the
// marshaling order the caller happened to use.
func Build(files []FileEntry) (*Tree, error) {
	sorted := make([]FileEntry, len(files))
	copy(sorted, files)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	leaves := make([]Leaf, len(sorted))
	for i, f := range sorted {
		raw, err := json.Marshal(f)
		if err != nil {
			return nil, err
		}
		canon, err := jcs.Transform(raw)
		if err != nil {
			return nil, err
		}
		leafBytes := buildLeafBytes(f.Path, canon)
		leaves[i] = Leaf{
			Path:      f.Path,
			LeafBytes: leafBytes,
			LeafHash:  sha256Hex(leafBytes),
		}
	}

	if len(leaves) == 0 {
		return &Tree{Root: sha256Hex([]byte(leafDomain))}, nil
	}

	tree := &Tree{Leaves: leaves}
	level := extractHashes(leaves)
	for len(level) > 1 {
		tree.Levels = append(tree.Levels, level)
		level = nextLevel(level)
	}
	tree.Root = level[0]
	tree.Levels = append(tree.Levels, level)
	return tree, nil
}

func buildLeafBytes(path string, canonical []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString(leafDomain)
	buf.WriteByte(0)
	buf.WriteString(path)
	buf.WriteByte(0)
	buf.Write(canonical)
	return buf.Bytes()
}

func extractHashes(leaves []Leaf) []string {
	hashes := make([]string, len(leaves))
	for i, l := range leaves {
		hashes[i] = l.LeafHash
	}
	return hashes
}

func nextLevel(hashes []string) []string {
	count := len(hashes)
	if count%2 != 0 {
		hashes = append(hashes, hashes[count-1])
		count++
	}
	out := make([]string, count/2)
	for i := 0; i < count; i += 2 {
		out[i/2] = nodeHash(hashes[i], hashes[i+1])
	}
	return out
}

func nodeHash(left, right string) string {
	var buf bytes.Buffer
	buf.WriteString(nodeDomain)
	buf.WriteByte(0)
	buf.Write(hexBytes(left))
	buf.Write(hexBytes(right))
	return sha256Hex(buf.Bytes())
}

func sha256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func hexBytes(s string) []byte {
	b, _ := hex.DecodeString(s)
	return b
}
