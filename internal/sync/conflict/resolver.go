// Package conflict resolves divergence between a queued local write and the
// server's current version of the same entity.
package conflict

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/subculture-collective/clipper/clipsync/internal/errors"
	"github.com/subculture-collective/clipper/clipsync/internal/logging"
	"github.com/subculture-collective/clipper/clipsync/internal/models"
)

// Strategy defines how a conflict is resolved.
type Strategy string

const (
	StrategyServerWins Strategy = "server-wins"
	StrategyClientWins Strategy = "client-wins"
	StrategyMerge      Strategy = "merge"
	StrategyManual     Strategy = "manual"
)

// Resolution outcomes recorded in logs and the conflict log.
const (
	OutcomeRemote = "remote_wins"
	OutcomeLocal  = "local_wins"
	OutcomeMerged = "merged"
	OutcomeManual = "manual_review_required"
)

// ParseStrategy validates a strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyServerWins, StrategyClientWins, StrategyMerge, StrategyManual:
		return Strategy(s), nil
	}
	return "", errors.Newf(errors.ErrValidation, "unknown conflict strategy %q", s)
}

// freeTextFields are user-authored fields. During a merge they follow the
// side with the newer updated_at instead of always taking the server value.
var freeTextFields = map[string]bool{
	"content":           true,
	"title":             true,
	"custom_title":      true,
	"submission_reason": true,
}

// Conflict is a local write that the server rejected because its version
// moved on.
type Conflict struct {
	EntityType string
	EntityID   string
	Local      json.RawMessage
	Remote     json.RawMessage
}

// Resolution is the outcome of resolving one conflict.
type Resolution struct {
	Strategy Strategy
	Outcome  string
	// Resolved is the entity to keep. Nil when NeedsManual is set.
	Resolved json.RawMessage
	// NeedsManual marks a conflict the caller must surface to the user.
	NeedsManual bool
	Local       json.RawMessage
	Remote      json.RawMessage
}

// Resolve applies strategy to a pair of JSON objects. It is deterministic
// and has no side effects. server-wins always returns remote unchanged.
func Resolve(local, remote json.RawMessage, strategy Strategy) (*Resolution, error) {
	if len(bytes.TrimSpace(local)) == 0 || len(bytes.TrimSpace(remote)) == 0 {
		return nil, ErrInvalidConflict
	}

	res := &Resolution{Strategy: strategy, Local: local, Remote: remote}
	switch strategy {
	case StrategyServerWins, "":
		res.Strategy = StrategyServerWins
		res.Outcome = OutcomeRemote
		res.Resolved = remote
	case StrategyClientWins:
		res.Outcome = OutcomeLocal
		res.Resolved = local
	case StrategyMerge:
		merged, err := merge(local, remote)
		if err != nil {
			return nil, err
		}
		res.Outcome = OutcomeMerged
		res.Resolved = merged
	case StrategyManual:
		res.Outcome = OutcomeManual
		res.NeedsManual = true
	default:
		return nil, errors.Newf(errors.ErrValidation, "unknown conflict strategy %q", strategy)
	}
	return res, nil
}

// merge unions both objects. Fields present on both sides take the remote
// value, except free-text fields where the newer updated_at wins. Ties go
// to remote.
func merge(local, remote json.RawMessage) (json.RawMessage, error) {
	var l, r map[string]json.RawMessage
	if err := json.Unmarshal(local, &l); err != nil {
		return nil, errors.Wrap(errors.ErrValidation, "local version is not an object", err)
	}
	if err := json.Unmarshal(remote, &r); err != nil {
		return nil, errors.Wrap(errors.ErrValidation, "remote version is not an object", err)
	}

	localNewer := UpdatedAt(local) > UpdatedAt(remote)

	out := make(map[string]json.RawMessage, len(l)+len(r))
	for k, v := range l {
		out[k] = v
	}
	for k, rv := range r {
		lv, shared := l[k]
		if shared && freeTextFields[k] && localNewer && !jsonEqual(lv, rv) {
			continue
		}
		out[k] = rv
	}
	if localNewer {
		if v, ok := l["updated_at"]; ok {
			out["updated_at"] = v
		}
	}

	// encoding/json sorts map keys, so the output is stable.
	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal merged entity: %w", err)
	}
	return data, nil
}

func jsonEqual(a, b json.RawMessage) bool {
	var ca, cb bytes.Buffer
	if json.Compact(&ca, a) != nil || json.Compact(&cb, b) != nil {
		return bytes.Equal(a, b)
	}
	return bytes.Equal(ca.Bytes(), cb.Bytes())
}

// UpdatedAt extracts updated_at from an entity as unix milliseconds. It
// accepts RFC 3339 strings and numeric milliseconds; anything else is 0.
func UpdatedAt(payload json.RawMessage) int64 {
	var probe struct {
		UpdatedAt json.RawMessage `json:"updated_at"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil || len(probe.UpdatedAt) == 0 {
		return 0
	}

	var s string
	if err := json.Unmarshal(probe.UpdatedAt, &s); err == nil {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t.UnixMilli()
		}
		return 0
	}
	if n, err := strconv.ParseInt(string(probe.UpdatedAt), 10, 64); err == nil {
		return n
	}
	return 0
}

// Resolver picks a strategy per entity type and resolves conflicts with it.
type Resolver struct {
	strategies map[string]Strategy
	fallback   Strategy
}

// NewResolver creates a Resolver. Entity types missing from strategies use
// fallback, which defaults to server-wins.
func NewResolver(strategies map[string]Strategy, fallback Strategy) *Resolver {
	if fallback == "" {
		fallback = StrategyServerWins
	}
	copied := make(map[string]Strategy, len(strategies))
	for k, v := range strategies {
		copied[k] = v
	}
	return &Resolver{strategies: copied, fallback: fallback}
}

// StrategyFor returns the strategy configured for an entity type.
func (r *Resolver) StrategyFor(entityType string) Strategy {
	if s, ok := r.strategies[entityType]; ok {
		return s
	}
	return r.fallback
}

// Resolve resolves c with the strategy configured for its entity type.
func (r *Resolver) Resolve(c *Conflict) (*Resolution, error) {
	if c == nil {
		return nil, ErrInvalidConflict
	}
	strategy := r.StrategyFor(c.EntityType)

	res, err := Resolve(c.Local, c.Remote, strategy)
	if err != nil {
		return nil, err
	}

	fields := map[string]interface{}{
		"entity_type":      c.EntityType,
		"entity_id":        c.EntityID,
		"strategy":         strategy,
		"outcome":          res.Outcome,
		"local_timestamp":  UpdatedAt(c.Local),
		"remote_timestamp": UpdatedAt(c.Remote),
	}
	if res.NeedsManual {
		logging.Warn("Conflict queued for manual review", fields)
	} else {
		logging.Info("Conflict resolved", fields)
	}
	return res, nil
}

// LogEntry builds the conflict log record for a resolution.
func (c *Conflict) LogEntry(queueID string, res *Resolution, detectedAt time.Time) *models.ConflictLog {
	return &models.ConflictLog{
		QueueID:         queueID,
		EntityType:      c.EntityType,
		EntityID:        c.EntityID,
		Local:           c.Local,
		Remote:          c.Remote,
		LocalTimestamp:  UpdatedAt(c.Local),
		RemoteTimestamp: UpdatedAt(c.Remote),
		Resolution:      res.Outcome,
		DetectedAt:      detectedAt.UnixMilli(),
	}
}

// ErrInvalidConflict is returned when either side of a conflict is missing.
var ErrInvalidConflict = errors.New(errors.ErrValidation, "invalid conflict: both versions are required")
