// Package op defines the edit operation model and the pure transform
// engine that keeps concurrently authored operations applicable.
package op

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind discriminates the operation variants.
type Kind string

const (
	KindInsert Kind = "insert"
	KindDelete Kind = "delete"
	// KindRetain carries no content. The transform engine emits it when an
	// operation has been subsumed by a concurrent one; callers must drop a
	// retain rather than apply it.
	KindRetain Kind = "retain"
)

// Operation is an immutable edit descriptor. Position is a zero-based
// offset into the document as the author saw it. CreatedAtMillis is the
// author's wall clock and is only ever used as a tie-break.
type Operation struct {
	ID              string `json:"id"`
	Kind            Kind   `json:"kind"`
	Position        int    `json:"position"`
	Text            string `json:"text,omitempty"`
	Length          int    `json:"length,omitempty"`
	Author          string `json:"author"`
	CreatedAtMillis int64  `json:"createdAtMillis"`
	BaseVersion     int64  `json:"baseVersion"`
}

var (
	ErrNegativePosition = errors.New("operation position is negative")
	ErrEmptyInsert      = errors.New("insert operation has empty text")
	ErrEmptyDelete      = errors.New("delete operation has non-positive length")
)

// NewInsert builds an insert authored against baseVersion.
func NewInsert(author string, baseVersion int64, position int, text string) Operation {
	return Operation{
		ID:              uuid.New().String(),
		Kind:            KindInsert,
		Position:        position,
		Text:            text,
		Author:          author,
		CreatedAtMillis: time.Now().UnixMilli(),
		BaseVersion:     baseVersion,
	}
}

// NewDelete builds a delete authored against baseVersion.
func NewDelete(author string, baseVersion int64, position, length int) Operation {
	return Operation{
		ID:              uuid.New().String(),
		Kind:            KindDelete,
		Position:        position,
		Length:          length,
		Author:          author,
		CreatedAtMillis: time.Now().UnixMilli(),
		BaseVersion:     baseVersion,
	}
}

// Validate reports whether the operation satisfies the model invariants.
func (o Operation) Validate() error {
	if o.Position < 0 {
		return fmt.Errorf("%w: %d", ErrNegativePosition, o.Position)
	}
	switch o.Kind {
	case KindInsert:
		if o.Text == "" {
			return ErrEmptyInsert
		}
	case KindDelete:
		if o.Length <= 0 {
			return ErrEmptyDelete
		}
	case KindRetain:
	default:
		return fmt.Errorf("unknown operation kind %q", o.Kind)
	}
	return nil
}

// Noop reports whether the operation contributes nothing when applied.
func (o Operation) Noop() bool {
	return o.Kind == KindRetain
}

// end is the exclusive upper bound of a delete's range.
func (o Operation) end() int {
	return o.Position + o.Length
}

// SortKeyLess orders operations by their (createdAtMillis, author) tuple.
// Author breaks timestamp ties so the order is independent of clock skew.
func SortKeyLess(a, b Operation) bool {
	if a.CreatedAtMillis != b.CreatedAtMillis {
		return a.CreatedAtMillis < b.CreatedAtMillis
	}
	return a.Author < b.Author
}

// Apply splices the operation into content. Positions outside the current
// bounds are clamped: a late-arriving operation against a shrunk document
// is an expected runtime condition, not a reason to panic.
func Apply(content string, o Operation) string {
	switch o.Kind {
	case KindInsert:
		pos := clamp(o.Position, 0, len(content))
		return content[:pos] + o.Text + content[pos:]
	case KindDelete:
		start := clamp(o.Position, 0, len(content))
		end := clamp(o.end(), start, len(content))
		return content[:start] + content[end:]
	default:
		return content
	}
}

// Inverse returns the operation that undoes o against content, where
// content is the document o applies to. Inverting an insert deletes the
// inserted range; inverting a delete re-inserts the removed text.
func Inverse(content string, o Operation) Operation {
	inv := o
	switch o.Kind {
	case KindInsert:
		inv.Kind = KindDelete
		inv.Text = ""
		inv.Length = len(o.Text)
	case KindDelete:
		start := clamp(o.Position, 0, len(content))
		end := clamp(o.end(), start, len(content))
		inv.Kind = KindInsert
		inv.Length = 0
		inv.Text = content[start:end]
	}
	return inv
}

// Transform rewrites two operations authored against the same base so that
// applying a then b' yields the same content as applying b then a'.
func Transform(a, b Operation) (Operation, Operation) {
	switch {
	case a.Kind == KindInsert && b.Kind == KindInsert:
		return transformInsertInsert(a, b)
	case a.Kind == KindInsert && b.Kind == KindDelete:
		aOut, bOut := transformInsertDelete(a, b)
		return aOut, bOut
	case a.Kind == KindDelete && b.Kind == KindInsert:
		bOut, aOut := transformInsertDelete(b, a)
		return aOut, bOut
	case a.Kind == KindDelete && b.Kind == KindDelete:
		return transformDeleteDelete(a, b)
	default:
		// Retains have no positional effect in either direction.
		return a, b
	}
}

func transformInsertInsert(a, b Operation) (Operation, Operation) {
	if insertFirst(a, b) {
		b.Position += len(a.Text)
		return a, b
	}
	a.Position += len(b.Text)
	return a, b
}

// insertFirst decides which of two concurrent inserts keeps its position.
// Lower position wins; equal positions fall back to the lexicographically
// smaller author id, never to timestamps.
func insertFirst(a, b Operation) bool {
	if a.Position != b.Position {
		return a.Position < b.Position
	}
	return a.Author < b.Author
}

func transformInsertDelete(ins, del Operation) (Operation, Operation) {
	switch {
	case ins.Position <= del.Position:
		// Insert at or before the deleted range: the range shifts right.
		del.Position += len(ins.Text)
	case ins.Position >= del.end():
		// Insert strictly after the deleted range: the insert shifts left.
		ins.Position -= del.Length
	default:
		// Insert lands inside the deleted range. The deleted text is gone
		// by the time the insert is perceived, so it relocates to the
		// range's start.
		ins.Position = del.Position
	}
	return ins, del
}

func transformDeleteDelete(a, b Operation) (Operation, Operation) {
	switch {
	case a.end() <= b.Position:
		b.Position -= a.Length
	case b.end() <= a.Position:
		a.Position -= b.Length
	default:
		// Overlapping ranges merge into a single covering delete on the
		// earlier-ordered operation; the other becomes a retain and must
		// be dropped by the caller.
		start := min(a.Position, b.Position)
		length := max(a.end(), b.end()) - start
		if SortKeyLess(b, a) {
			b.Position, b.Length = start, length
			a = asRetain(a)
		} else {
			a.Position, a.Length = start, length
			b = asRetain(b)
		}
	}
	return a, b
}

func asRetain(o Operation) Operation {
	o.Kind = KindRetain
	o.Text = ""
	o.Length = 0
	return o
}

// TransformAgainstOperations rewrites o against every pending operation
// whose sort key precedes o's, in order. The second result is false when a
// pending delete subsumed o entirely; such an operation must be dropped.
func TransformAgainstOperations(o Operation, pending []Operation) (Operation, bool) {
	for _, p := range pending {
		if !SortKeyLess(p, o) {
			continue
		}
		_, o = Transform(p, o)
		if o.Noop() {
			return o, false
		}
	}
	return o, true
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
