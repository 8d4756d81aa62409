// Package resolve reconciles a backlog of operations in bulk, typically
// after a reconnect that left a client replaying an offline period.
package resolve

import (
	"sort"

	"github.com/unidesk/unidesk/collab-go/internal/op"
)

// Strategy names a reconciliation approach. Which one a deployment uses is
// configuration, not protocol.
type Strategy string

const (
	StrategyLastWriterWins Strategy = "last-writer-wins"
	StrategyTransform      Strategy = "ot"
)

// LastWriterWins orders a backlog by (createdAtMillis, author) and returns
// it unchanged otherwise. The sort is stable so equal keys keep their
// arrival order.
func LastWriterWins(backlog []op.Operation) []op.Operation {
	out := make([]op.Operation, len(backlog))
	copy(out, backlog)
	sort.SliceStable(out, func(i, j int) bool { return op.SortKeyLess(out[i], out[j]) })
	return out
}

// WithTransform repeatedly extracts the earliest-ordered operation,
// appends it to the resolved sequence, and transforms the remainder
// against it. Only concurrent operations are transformed: an operation
// whose base version is past the extracted one's was authored with it
// already applied and keeps its position. Quadratic, but backlogs are
// session-sized.
func WithTransform(backlog []op.Operation) []op.Operation {
	remaining := make([]op.Operation, len(backlog))
	copy(remaining, backlog)

	resolved := make([]op.Operation, 0, len(remaining))
	for len(remaining) > 0 {
		earliest := 0
		for i := 1; i < len(remaining); i++ {
			if op.SortKeyLess(remaining[i], remaining[earliest]) {
				earliest = i
			}
		}
		next := remaining[earliest]
		remaining = append(remaining[:earliest], remaining[earliest+1:]...)
		resolved = append(resolved, next)

		kept := remaining[:0]
		for _, rest := range remaining {
			if rest.BaseVersion > next.BaseVersion {
				kept = append(kept, rest)
				continue
			}
			_, transformed := op.Transform(next, rest)
			if transformed.Noop() {
				// Subsumed by the operation just resolved; drop it.
				continue
			}
			kept = append(kept, transformed)
		}
		remaining = kept
	}
	return resolved
}

// Resolve applies the named strategy to a backlog.
func Resolve(strategy Strategy, backlog []op.Operation) []op.Operation {
	switch strategy {
	case StrategyTransform:
		return WithTransform(backlog)
	default:
		return LastWriterWins(backlog)
	}
}

// Replay applies a resolved sequence to content, skipping retains.
func Replay(content string, resolved []op.Operation) string {
	for _, o := range resolved {
		if o.Noop() {
			continue
		}
		content = op.Apply(content, o)
	}
	return content
}
