// Package treasury implements the pay-after-verify settlement pipeline
// pure verifiers plus the ten-step settle_sandbox_run algorithm.
package treasury

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/openagents/control/pkg/marketplace"
	"github.com/openagents/control/pkg/merkle"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

const sandboxRunResponseSchemaJSON = `{
	"type": "object",
	"required": ["status", "exit_code"],
	"properties": {
		"status": {"enum": ["Completed", "Timeout", "Cancelled", "Error"]},
		"exit_code": {"type": "integer"},
		"artifact_hashes": {"type": "object"},
		"syscalls": {"type": "array", "items": {"type": "string"}}
	}
}`

var sandboxRunResponseSchema = compileSandboxRunResponseSchema()

func compileSandboxRunResponseSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	schemaURL := "https://openagents.schemas.local/treasury/sandbox_run_response.schema.json"
	if err := c.AddResource(schemaURL, strings.NewReader(sandboxRunResponseSchemaJSON)); err != nil {
		panic("treasury: invalid embedded sandbox_run_response schema: " + err.Error())
	}
	schema, err := c.Compile(schemaURL)
	if err != nil {
		panic("treasury: failed to compile sandbox_run_response schema: " + err.Error())
	}
	return schema
}

// VerifyResult is verify_sandbox_run's output shape.
type VerifyResult struct {
	Passed     bool     `json:"passed"`
	ExitCode   int      `json:"exit_code"`
	Violations []string `json:"violations"`
}

// VerifySandboxRun is a pure, deterministic check of a provider's
// response against the request it was dispatched for.
func VerifySandboxRun(req marketplace.SandboxRunRequest, resp marketplace.SandboxRunResponse) VerifyResult {
	var violations []string

	if raw, err := json.Marshal(resp); err == nil {
		var asAny interface{}
		if err := json.Unmarshal(raw, &asAny); err == nil {
			if err := sandboxRunResponseSchema.Validate(asAny); err != nil {
				violations = append(violations, "response schema violation: "+err.Error())
			}
		}
	}

	for _, expected := range req.ExpectedHashes {
		if _, ok := resp.ArtifactHashes[expected]; !ok {
			violations = append(violations, "missing expected artifact hash: "+expected)
		}
	}

	if resp.Status != marketplace.StatusCompleted {
		violations = append(violations, "response status is not Completed: "+string(resp.Status))
	}

	for _, syscall := range resp.Syscalls {
		if isForbiddenSyscall(syscall) {
			violations = append(violations, "forbidden network syscall observed: "+syscall)
		}
	}

	return VerifyResult{Passed: len(violations) == 0, ExitCode: resp.ExitCode, Violations: violations}
}

var forbiddenSyscalls = map[string]bool{
	"connect": true, "bind": true, "sendto": true, "socket": true,
}

func isForbiddenSyscall(name string) bool {
	return forbiddenSyscalls[name]
}

// RepoIndexVerifyResult is verify_repo_index's output shape.
type RepoIndexVerifyResult struct {
	Passed      bool     `json:"passed"`
	TreeSHA256  string   `json:"tree_sha256"`
	Violations  []string `json:"violations"`
}

// VerifyRepoIndex recomputes the Merkle tree over the reported file
// listing and compares it to the request's expected tree_sha256.
func VerifyRepoIndex(expectedTreeSHA256 string, files []merkle.FileEntry) (RepoIndexVerifyResult, error) {
	sorted := append([]merkle.FileEntry(nil), files...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	tree, err := merkle.Build(sorted)
	if err != nil {
		return RepoIndexVerifyResult{}, err
	}

	var violations []string
	if tree.Root != expectedTreeSHA256 {
		violations = append(violations, "tree_sha256 does not match recomputed Merkle root")
	}

	return RepoIndexVerifyResult{
		Passed:     len(violations) == 0,
		TreeSHA256: tree.Root,
		Violations: violations,
	}, nil
}
