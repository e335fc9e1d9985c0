package streams

import "fmt"

// JoinMode selects which unmatched records still produce output. One join
// processor handles all modes; the mode only widens what gets emitted.
type JoinMode uint8

const (
	// JoinInner emits only matched pairs.
	JoinInner JoinMode = iota + 1
	// JoinLeft additionally emits joiner(v, nil) for unmatched left records.
	JoinLeft
	// JoinOuter additionally emits joiner(nil, v) for unmatched right
	// records. Only valid for stream-stream joins.
	JoinOuter
)

func (m JoinMode) String() string {
	switch m {
	case JoinInner:
		return "inner"
	case JoinLeft:
		return "left"
	case JoinOuter:
		return "outer"
	default:
		return fmt.Sprintf("JoinMode(%d)", uint8(m))
	}
}
