package database

import "time"

// State is an item's position in the processing state machine.
type State string

const (
	StateUnprocessed     State = "unprocessed"
	StateClaimed         State = "claimed"
	StateProcessed       State = "processed"
	StateFailedRetryable State = "failed_retryable"
	StateFailedPermanent State = "failed_permanent"
)

// AllStates lists states in display order.
var AllStates = []State{
	StateUnprocessed,
	StateClaimed,
	StateProcessed,
	StateFailedRetryable,
	StateFailedPermanent,
}

// Item is one collected unit of content plus its processing flags.
type Item struct {
	ID             int64
	URL            string
	Title          string
	Content        *string
	Source         *string
	Category       *string
	ContentFetched bool
	CollectedAt    time.Time

	State          State
	FailureCount   int
	LastError      *string
	ClaimOwner     *string
	ClaimedAt      *time.Time
	ClaimExpiresAt *time.Time
	ClaimEpoch     int
	ProcessedAt    *time.Time
	NormalizedAt   *time.Time

	PayloadGenerated   bool
	PayloadGeneratedAt *time.Time
	PayloadDirectory   *string
}

// LeaseExpired reports whether the item's claim is no longer valid at now.
// Items that are not claimed report false.
func (it *Item) LeaseExpired(now time.Time) bool {
	if it.State != StateClaimed {
		return false
	}
	if it.ClaimExpiresAt == nil {
		return true
	}
	return now.After(*it.ClaimExpiresAt)
}

// NewItem carries the collected fields of an item.
type NewItem struct {
	URL         string
	Title       string
	Content     string
	Source      string
	Category    string
	CollectedAt time.Time
}

// RawResult is the immutable audit copy of one enrichment response.
type RawResult struct {
	ID        int64
	ItemID    int64
	Model     string
	Payload   string
	CreatedAt time.Time
}

// Summary is the per-tier summary of an item.
type Summary struct {
	ItemID int64
	Tier   string
	Title  string
	Body   string
}

// Keyword is a term/definition pair at one tier.
type Keyword struct {
	ItemID     int64
	Tier       string
	Term       string
	Definition string
	Position   int
}

// Question is a multiple-choice question at one tier.
type Question struct {
	ItemID      int64
	Tier        string
	Position    int
	Prompt      string
	Choices     []string
	AnswerIndex int
	Explanation string
}

// NoteKind names an item-level prose section.
type NoteKind string

const (
	NoteCommentary NoteKind = "commentary"
	NoteBackground NoteKind = "background"
	NoteAnalysis   NoteKind = "analysis"
)

// Note is an item-level prose section (commentary, background, analysis).
type Note struct {
	ItemID int64
	Kind   NoteKind
	Body   string
}

// Run records the outcome of one batch run.
type Run struct {
	ID              int64
	Mode            string
	Selected        int
	Succeeded       int
	Retrying        int
	Failed          int
	Conflicts       int
	ArtifactVersion *string
	StartedAt       time.Time
	FinishedAt      *time.Time
}

// Stats contains aggregate database statistics.
type Stats struct {
	TotalItems       int
	ByState          map[State]int
	EnrichmentPasses int
	Summaries        int
	Keywords         int
	Questions        int
	PayloadPending   int
}
