package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultSuggestion ResultType = "suggestion"
	ResultDecision   ResultType = "decision"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type         ResultType `json:"type"`
	ID           string     `json:"id"`
	Title        string     `json:"title"`
	Snippet      string     `json:"snippet"`
	Path         string     `json:"path"`
	CellID       string     `json:"cellId"`
	SuggestionID string     `json:"suggestionId,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text       string
	FilterType ResultType // empty = all types
	FilterPath string
	FilterKind string
	Limit      int
	Offset     int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// SuggestionRecord is the data we index for an open suggestion.
type SuggestionRecord struct {
	ID     string `json:"id"`
	Path   string `json:"path"`
	CellID string `json:"cellId"`
	Kind   string `json:"kind"`
	Source string `json:"source"`
	Author string `json:"author"`
}

// DecisionRecord is the data we index for an accepted or discarded
// suggestion.
type DecisionRecord struct {
	ID           string `json:"id"`
	SuggestionID string `json:"suggestionId"`
	Path         string `json:"path"`
	CellID       string `json:"cellId"`
	Kind         string `json:"kind"`
	Outcome      string `json:"outcome"`
	DecidedBy    string `json:"decidedBy"`
}
