// Package resolve implements per-datatype conflict resolution policies.
//
// Resolution is a set of pure functions: given the local operation and the
// remote state it collided with, each policy either produces an automatic
// merge or declines, in which case the conflict is escalated to the user.
// Free-text content (notes, conversation messages) is never merged
// automatically.
package resolve

import (
	"encoding/json"
	"fmt"

	"github.com/studykit/studysync/internal/sync"
)

// Strategy names how a conflict was (or should be) resolved.
type Strategy string

const (
	// StrategyUseLocal keeps the local operation's payload.
	StrategyUseLocal Strategy = "use_local"

	// StrategyUseRemote keeps the server-side state.
	StrategyUseRemote Strategy = "use_remote"

	// StrategyMerge combines both payloads field by field.
	StrategyMerge Strategy = "merge"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyUseLocal, StrategyUseRemote, StrategyMerge:
		return true
	}
	return false
}

// Resolution is the outcome of an automatic policy.
type Resolution struct {
	Strategy Strategy

	// MergedPayload is the payload to apply. Set for every strategy so the
	// caller can feed it straight into the version-checked update path.
	MergedPayload json.RawMessage
}

// Resolve applies the built-in policy for the data type.
//
// A nil Resolution with a nil error means no safe automatic policy exists
// and the conflict must be escalated to the user.
func Resolve(dt sync.DataType, local sync.ChangeRecord, remote sync.RemoteState) (*Resolution, error) {
	switch dt {
	case sync.DataTypeSettings:
		return resolveLastWriterWins(local, remote), nil
	case sync.DataTypeProgress:
		return resolveProgress(local, remote)
	case sync.DataTypeStatistics:
		return resolveStatistics(local, remote)
	case sync.DataTypeNotes, sync.DataTypeConversation:
		// Semantic merge of prose is unsafe to automate.
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: no conflict policy for data type %q", sync.ErrValidation, dt)
	}
}

// resolveLastWriterWins picks whichever side mutated later, by client
// timestamp. Ties go to the remote side so that both replicas converge on
// the same winner regardless of arrival order.
func resolveLastWriterWins(local sync.ChangeRecord, remote sync.RemoteState) *Resolution {
	if local.ClientTimestamp > remote.UpdatedAt {
		return &Resolution{Strategy: StrategyUseLocal, MergedPayload: local.Payload}
	}
	return &Resolution{Strategy: StrategyUseRemote, MergedPayload: remote.Payload}
}

// resolveProgress merges two partial views of study progress: numeric fields
// take the max (progress never regresses), booleans OR together, and any
// other field falls back to the later writer.
func resolveProgress(local sync.ChangeRecord, remote sync.RemoteState) (*Resolution, error) {
	merged, err := mergeObjects(local, remote, func(l, r float64) float64 {
		if l > r {
			return l
		}
		return r
	})
	if err != nil {
		return nil, err
	}
	return &Resolution{Strategy: StrategyMerge, MergedPayload: merged}, nil
}

// resolveStatistics merges counters additively: work done on two devices is
// disjoint and must sum, not overwrite.
func resolveStatistics(local sync.ChangeRecord, remote sync.RemoteState) (*Resolution, error) {
	merged, err := mergeObjects(local, remote, func(l, r float64) float64 {
		return l + r
	})
	if err != nil {
		return nil, err
	}
	return &Resolution{Strategy: StrategyMerge, MergedPayload: merged}, nil
}

// mergeObjects combines the two JSON object payloads key by key. Numbers are
// combined with combine, booleans OR, and everything else takes the side
// with the later timestamp.
func mergeObjects(local sync.ChangeRecord, remote sync.RemoteState, combine func(l, r float64) float64) (json.RawMessage, error) {
	var localObj, remoteObj map[string]any

	if len(local.Payload) > 0 {
		if err := json.Unmarshal(local.Payload, &localObj); err != nil {
			return nil, fmt.Errorf("%w: local payload is not a JSON object: %v", sync.ErrValidation, err)
		}
	}
	if len(remote.Payload) > 0 {
		if err := json.Unmarshal(remote.Payload, &remoteObj); err != nil {
			return nil, fmt.Errorf("%w: remote payload is not a JSON object: %v", sync.ErrValidation, err)
		}
	}

	localNewer := local.ClientTimestamp > remote.UpdatedAt

	merged := make(map[string]any, len(localObj)+len(remoteObj))
	for k, v := range remoteObj {
		merged[k] = v
	}
	for k, lv := range localObj {
		rv, ok := merged[k]
		if !ok {
			merged[k] = lv
			continue
		}

		lnum, lIsNum := lv.(float64)
		rnum, rIsNum := rv.(float64)
		if lIsNum && rIsNum {
			merged[k] = combine(lnum, rnum)
			continue
		}

		lbool, lIsBool := lv.(bool)
		rbool, rIsBool := rv.(bool)
		if lIsBool && rIsBool {
			merged[k] = lbool || rbool
			continue
		}

		if localNewer {
			merged[k] = lv
		}
	}

	out, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal merged payload: %w", err)
	}
	return out, nil
}
