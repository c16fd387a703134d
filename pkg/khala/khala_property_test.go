//go:build property
// +build property

package khala_test

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/openagents/control/pkg/khala"
)

// TestPoll_MessagesAreStrictlyIncreasingAndNextCursorMatchesLast is the
// universal-invariant-4 property: whenever a poll returns a non-empty
// messages slice, the sequences are strictly increasing and the last
// one equals next_cursor.
func TestPoll_MessagesAreStrictlyIncreasingAndNextCursorMatchesLast(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("non-empty poll results are strictly increasing and match next_cursor", prop.ForAll(
		func(published int, afterSeqRaw int, limit int) bool {
			bus := khala.New(10000, khala.WithPollMinInterval(0))
			now := time.Unix(1_700_000_000, 0)
			topic := "run:r1:events"

			for i := 0; i < published; i++ {
				if _, err := bus.Publish(topic, map[string]int{"i": i}, 16, now); err != nil {
					return false
				}
				now = now.Add(time.Second)
			}

			afterSeq := uint64(afterSeqRaw % (published + 1))
			if limit <= 0 {
				limit = 1
			}

			result, err := bus.Poll("principal-1", topic, afterSeq, limit, now)
			if err != nil {
				// A stale-cursor or slow-consumer rejection is a valid outcome
				// under some generated inputs; it doesn't violate the ordering
				// property because there are no messages to check.
				return true
			}

			if len(result.Messages) == 0 {
				return true
			}

			prevSeq := result.Messages[0].Sequence
			for _, m := range result.Messages[1:] {
				if m.Sequence <= prevSeq {
					return false
				}
				prevSeq = m.Sequence
			}

			return result.NextCursor == result.Messages[len(result.Messages)-1].Sequence
		},
		gen.IntRange(0, 200),
		gen.IntRange(0, 200),
		gen.IntRange(-5, 50),
	))

	properties.TestingRun(t)
}
