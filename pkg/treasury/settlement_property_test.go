//go:build property
// +build property

package treasury_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/openagents/control/pkg/authority"
	"github.com/openagents/control/pkg/treasury"
	"github.com/openagents/control/pkg/workerregistry"
)

// TestSettleComputeJob_RepeatedIdenticalSettlementIsIdempotent is the
// universal-invariant-3 property: settling the same job_hash with the
// same outcome any number of times always returns the same status and
// amount, and never applies the payment more than once.
func TestSettleComputeJob_RepeatedIdenticalSettlementIsIdempotent(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("repeated identical settlement never double-pays", prop.ForAll(
		func(amount int64, passed bool, exitCode int, retries int) bool {
			reg := workerregistry.New(time.Hour, nil)
			tr := treasury.New(reg, authority.NewMemoryStore())

			jobHash := fmt.Sprintf("job-%d-%v-%d", amount, passed, exitCode)
			if _, err := tr.ReserveComputeJob("owner-1", jobHash, "provider-1", amount); err != nil {
				return false
			}

			firstStatus, firstAmount, err := tr.SettleComputeJob(jobHash, passed, exitCode)
			if err != nil {
				return false
			}

			for i := 0; i < retries%10; i++ {
				status, amt, err := tr.SettleComputeJob(jobHash, passed, exitCode)
				if err != nil || status != firstStatus || amt != firstAmount {
					return false
				}
			}

			return true
		},
		gen.Int64Range(0, 1_000_000),
		gen.Bool(),
		gen.IntRange(0, 255),
		gen.IntRange(0, 20),
	))

	properties.TestingRun(t)
}
