package models

// Chunk is one indexed span of a source file.
type Chunk struct {
	ID         string `json:"id"`
	Content    string `json:"content"`
	FilePath   string `json:"file_path"`
	ModuleName string `json:"module_name"`
	FileType   string `json:"file_type"`
	Language   string `json:"language"`
	ChunkIndex int    `json:"chunk_index"`
}

// RetrievedDocument is a Chunk annotated with query-scoped scores.
// RerankScore is nil when the reranker did not run.
type RetrievedDocument struct {
	Chunk           Chunk    `json:"chunk"`
	SimilarityScore float64  `json:"similarity_score"`
	RerankScore     *float64 `json:"rerank_score,omitempty"`
}

// WikiDocument is a search hit from the wiki gateway.
type WikiDocument struct {
	Title     string `json:"title"`
	URL       string `json:"url"`
	Excerpt   string `json:"excerpt"`
	SpaceName string `json:"space_name"`
}

// WikiPage is a single fetched wiki page with its body rendered as plain text.
type WikiPage struct {
	ID      string `json:"page_id"`
	Title   string `json:"title"`
	Content string `json:"content"`
	URL     string `json:"url"`
}

// AnalyticsReport holds the event counts for a day window. Series maps
// event name -> date -> count. Raw keeps the payload as received so that
// unexpected shapes can still be shown; Error is set when the fetch failed.
type AnalyticsReport struct {
	EventName string                        `json:"event_name"`
	Series    map[string]map[string]float64 `json:"series,omitempty"`
	Raw       string                        `json:"raw,omitempty"`
	Error     string                        `json:"error,omitempty"`
}

// DocumentRef is a title/url pair returned alongside an answer.
type DocumentRef struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// Outcome is the terminal state an orchestration finished in.
type Outcome string

const (
	OutcomeAnswered        Outcome = "answered"
	OutcomeNoResults       Outcome = "no-results"
	OutcomeSecurityRefused Outcome = "security-refused"
	OutcomeNoEvent         Outcome = "no-event"
)

type CodebaseAnswer struct {
	Answer    string        `json:"answer"`
	Sources   []string      `json:"sources"`
	Documents []DocumentRef `json:"documents"`
	Outcome   Outcome       `json:"-"`
}

type AnalyticsAnswer struct {
	Answer    string   `json:"answer"`
	Sources   []string `json:"sources"`
	EventName *string  `json:"event_name"`
	Outcome   Outcome  `json:"-"`
}

type ScenarioResult struct {
	Scenario     string   `json:"scenario"`
	Sources      []string `json:"sources"`
	KeywordsUsed string   `json:"keywords_used"`
}

// ExtractSources returns the distinct file paths of docs in first-seen order.
func ExtractSources(docs []RetrievedDocument) []string {
	sources := make([]string, 0, len(docs))
	seen := make(map[string]struct{}, len(docs))
	for _, d := range docs {
		p := d.Chunk.FilePath
		if p == "" {
			p = "unknown"
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		sources = append(sources, p)
	}
	return sources
}
