package matchmaker

import (
	"github.com/FishoutG/queue-sim/internal/store"
)

// batchOutcome is what one collection round produced. Picked holds at
// most n validated players; Extras holds validated players beyond n that
// must go back to the queue tail. Stale entries are dropped outright.
type batchOutcome struct {
	Picked    []string
	Extras    []string
	Inspected int
	Stale     int
}

// collectBatch assembles one match worth of players from the ready
// queue. The queue is only a hint: every popped entry is validated
// against the player record and kept only while still READY. Each pull
// takes at most twice the remaining need, and the whole round inspects
// at most maxPull entries so one poisoned queue cannot stall the tick
// forever. Duplicate entries count as stale.
//
// On error the outcome carries everything popped so far so the caller
// can return it to the queue.
func collectBatch(
	pop func(n int64) ([]string, error),
	states func(ids []string) (map[string]store.Player, error),
	n, maxPull int,
) (batchOutcome, error) {
	var out batchOutcome
	if n <= 0 {
		return out, nil
	}
	seen := make(map[string]bool, n)

	for len(out.Picked) < n && out.Inspected < maxPull {
		want := 2 * (n - len(out.Picked))
		if rem := maxPull - out.Inspected; want > rem {
			want = rem
		}
		ids, err := pop(int64(want))
		if err != nil {
			return out, err
		}
		if len(ids) == 0 {
			return out, nil
		}
		out.Inspected += len(ids)

		records, err := states(ids)
		if err != nil {
			// Popped entries are in flight; hand them back via Extras.
			out.Extras = append(out.Extras, ids...)
			return out, err
		}
		for _, id := range ids {
			if seen[id] {
				out.Stale++
				continue
			}
			seen[id] = true
			p, ok := records[id]
			if !ok || p.State != store.StateReady {
				out.Stale++
				continue
			}
			if len(out.Picked) < n {
				out.Picked = append(out.Picked, id)
			} else {
				out.Extras = append(out.Extras, id)
			}
		}
	}
	return out, nil
}
