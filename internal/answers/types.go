package answers

// OutcomeKind is the closed set of results an ask round trip can produce.
type OutcomeKind string

const (
	// OutcomeAnswered carries a normal answer with sources.
	OutcomeAnswered OutcomeKind = "answered"
	// OutcomeRateLimited means the lead has exhausted its question quota.
	// A normal terminal outcome, not a transport failure.
	OutcomeRateLimited OutcomeKind = "rate_limited"
	// OutcomeNoContent means the knowledge base has nothing to answer from.
	OutcomeNoContent OutcomeKind = "no_content"
)

// Source describes one reference document backing an answer.
type Source struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	DocType   string `json:"doc_type"`
	URL       string `json:"url,omitempty"`
	Reference string `json:"reference"`
}

// Outcome is the decoded result of one answer service round trip. The
// duck-typed wire shape is decoded exactly once, here at the boundary.
type Outcome struct {
	Kind      OutcomeKind
	Answer    string
	Sources   []Source
	Timestamp string
	// TokensUsed is -1 when the service omitted usage metadata.
	TokensUsed int
	// QuestionsRemaining is the authoritative post-question quota when the
	// service reports it, -1 otherwise.
	QuestionsRemaining int
}
