// Package core defines the plain data types shared by the kairos
// subsystems. Nothing in here knows about SQL, HTTP, or scheduling;
// the outer interfaces return these types and nothing else.
package core

// Entity types understood by the store.
const (
	EntityTask       = "task"
	EntityListItem   = "list_item"
	EntityPreference = "preference"
)

// Lifecycle states for an entity's current version.
const (
	StateOpen    = "open"
	StateDone    = "done"
	StateDropped = "dropped"
)

// IsTerminal reports whether a lifecycle state is final. Terminal
// entities never merge and never block as unmet dependencies.
func IsTerminal(state string) bool {
	return state == StateDone || state == StateDropped
}

// WriteMode selects how a versioned write relates to the entity's timeline.
type WriteMode string

const (
	// ModeEvolve records a forward change: the prior version's validity
	// closes at the new valid_from and a new open-ended version begins.
	ModeEvolve WriteMode = "evolve"
	// ModeCorrect rewrites what we believe about an existing validity
	// window, preserving what we knew before via transaction time.
	ModeCorrect WriteMode = "correct"
)

// VersionedEntity is one bi-temporal version of an entity.
//
// ValidFrom/ValidTo track when the fact holds in the real world;
// StoredFrom/StoredTo track when the system believed it. A nil ValidTo
// means "still true", a nil StoredTo means "currently believed".
// All timestamps are Unix milliseconds.
type VersionedEntity struct {
	EntityID   string  `json:"entity_id"`
	EntityType string  `json:"entity_type"`
	UserID     string  `json:"user_id"`
	VersionID  string  `json:"version_id"`
	ValidFrom  int64   `json:"valid_from"`
	ValidTo    *int64  `json:"valid_to,omitempty"`
	StoredFrom int64   `json:"stored_from"`
	StoredTo   *int64  `json:"stored_to,omitempty"`
	IsCurrent  bool    `json:"is_current"`
	State      string  `json:"state"`
	Payload    Payload `json:"payload"`
}

// Payload is a tagged union keyed by entity type. Exactly one branch is
// set; the zero Payload is valid and empty.
type Payload struct {
	Task       *TaskPayload       `json:"task,omitempty"`
	ListItem   *ListItemPayload   `json:"list_item,omitempty"`
	Preference *PreferencePayload `json:"preference,omitempty"`
}

// TaskPayload carries the task fields the matcher and dedup care about.
type TaskPayload struct {
	Label            string  `json:"label"`
	Notes            string  `json:"notes,omitempty"`
	RequiredCapacity string  `json:"required_capacity,omitempty"` // "", low, medium, high
	DeadlineAt       *int64  `json:"deadline_at,omitempty"`
	EstimatedMinutes int     `json:"estimated_minutes,omitempty"`
	UnlocksWeight    float64 `json:"unlocks_weight,omitempty"`
	Signature        string  `json:"signature,omitempty"`
	MergeCount       int     `json:"merge_count,omitempty"`
	LastObservedAt   int64   `json:"last_observed_at,omitempty"`
}

// ListItemPayload is a captured list entry (groceries, errands).
type ListItemPayload struct {
	Label          string `json:"label"`
	ListName       string `json:"list_name,omitempty"`
	Quantity       int    `json:"quantity,omitempty"`
	Signature      string `json:"signature,omitempty"`
	MergeCount     int    `json:"merge_count,omitempty"`
	LastObservedAt int64  `json:"last_observed_at,omitempty"`
}

// PreferencePayload is a durable user preference.
type PreferencePayload struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Label returns the human label of whichever branch is set.
func (p Payload) Label() string {
	switch {
	case p.Task != nil:
		return p.Task.Label
	case p.ListItem != nil:
		return p.ListItem.Label
	case p.Preference != nil:
		return p.Preference.Key
	}
	return ""
}

// Signature returns the recurrence grouping key of whichever branch is
// set, or "" when the payload kind has none.
func (p Payload) Signature() string {
	switch {
	case p.Task != nil:
		return p.Task.Signature
	case p.ListItem != nil:
		return p.ListItem.Signature
	}
	return ""
}

// Merged returns a copy with the duplicate counter bumped and
// last_observed moved to now. Used by the duplicate suppressor.
func (p Payload) Merged(now int64) Payload {
	out := p
	if p.Task != nil {
		t := *p.Task
		t.MergeCount++
		t.LastObservedAt = now
		out.Task = &t
	}
	if p.ListItem != nil {
		li := *p.ListItem
		li.MergeCount++
		li.LastObservedAt = now
		out.ListItem = &li
	}
	return out
}

// Event log event types.
const (
	EventItemAdded       = "ITEM_ADDED"
	EventDuplicateMerged = "DUPLICATE_MERGED"
	EventItemEvolved     = "ITEM_EVOLVED"
	EventItemCorrected   = "ITEM_CORRECTED"
	EventItemCompleted   = "ITEM_COMPLETED"
	EventCapacityCheckin = "CAPACITY_CHECKIN"
)

// Event is one immutable entry in the append-only log. EventID is
// assigned by the log on append, monotonically increasing per shard;
// ordering is (Timestamp, EventID).
type Event struct {
	EventID   int64          `json:"event_id"`
	EntityID  string         `json:"entity_id,omitempty"`
	UserID    string         `json:"user_id"`
	EventType string         `json:"event_type"`
	Signature string         `json:"signature,omitempty"`
	Timestamp int64          `json:"timestamp"`
	DayOfWeek int            `json:"day_of_week"`
	HourOfDay int            `json:"hour_of_day"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Capacity snapshot sources.
const (
	SourceExplicit  = "explicit"
	SourceInferred  = "inferred"
	SourcePredicted = "predicted"
)

// CapacitySnapshot is a point-in-time energy estimate for a user.
// Score and Confidence are both in [0,1].
type CapacitySnapshot struct {
	UserID     string             `json:"user_id"`
	Timestamp  int64              `json:"timestamp"`
	Score      float64            `json:"score"`
	Confidence float64            `json:"confidence"`
	Source     string             `json:"source"`
	Factors    map[string]float64 `json:"factors,omitempty"`
}

// RecurrencePattern is the detector's running statistics for one
// signature. Intervals are in milliseconds.
type RecurrencePattern struct {
	Signature     string  `json:"signature"`
	EntityType    string  `json:"entity_type"`
	UserID        string  `json:"user_id"`
	SampleCount   int     `json:"sample_count"`
	MeanInterval  float64 `json:"mean_interval"`
	Variance      float64 `json:"variance"`
	Confidence    float64 `json:"confidence"`
	LastObserved  int64   `json:"last_observed"`
	NextPredicted int64   `json:"next_predicted"`
	UpdatedAt     int64   `json:"updated_at"`
}

// Dependency edge kinds.
const (
	EdgeHard = "hard"
	EdgeSoft = "soft"
)

// DependencyEdge links an entity to something it depends on. Hard
// edges gate readiness; soft edges only lower ranking.
type DependencyEdge struct {
	EntityID          string `json:"entity_id"`
	DependsOnEntityID string `json:"depends_on_entity_id"`
	Kind              string `json:"kind"`
}
