// Package answer runs the three question flows: codebase Q&A, event
// analytics and QA scenario generation.
package answer

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/seanblong/codebot/internal/ai"
	"github.com/seanblong/codebot/internal/prompts"
	"github.com/seanblong/codebot/internal/search"
	"github.com/seanblong/codebot/internal/wiki"
	"github.com/seanblong/codebot/pkg/models"
)

const tracerName = "github.com/seanblong/codebot/internal/answer"

const (
	maxTopK       = 500
	maxRerankTopN = 100
	defaultDays   = 7
	maxDays       = 90

	wikiCandidates = 30

	analyticsRetrieveK = 50
	analyticsRerankN   = 15

	scenarioPreview   = 2000
	scenarioRetrieveK = 15
	scenarioRerankN   = 10
)

// Retriever is the retrieval engine as seen by the orchestrator.
type Retriever interface {
	Query(ctx context.Context, q string, opt search.QueryOpts) ([]models.RetrievedDocument, error)
}

// WikiSource searches and fetches wiki pages. Search never fails; it
// returns an empty list instead.
type WikiSource interface {
	Search(ctx context.Context, query string, limit int) []models.WikiDocument
	FetchPage(ctx context.Context, id string) (models.WikiPage, error)
}

type AnalyticsSource interface {
	Fetch(ctx context.Context, event string, days int) (models.AnalyticsReport, error)
}

type CodebaseRequest struct {
	Question   string `json:"question"`
	TopK       *int   `json:"top_k,omitempty"`
	RerankTopN *int   `json:"rerank_top_n,omitempty"`
}

type AnalyticsRequest struct {
	Question string `json:"question"`
	Days     *int   `json:"days,omitempty"`
}

type ScenarioRequest struct {
	PageRef            string `json:"page_id_or_url"`
	AdditionalKeywords string `json:"additional_keywords,omitempty"`
}

// Orchestrator is safe for concurrent use as long as its dependencies are.
// Wiki and Analytics may be nil; the flows then run without that source.
type Orchestrator struct {
	Retriever Retriever
	Completer ai.Completer
	Wiki      WikiSource
	Analytics AnalyticsSource

	tracer trace.Tracer
}

func New(retriever Retriever, completer ai.Completer, wikiSource WikiSource, analyticsSource AnalyticsSource) *Orchestrator {
	return &Orchestrator{
		Retriever: retriever,
		Completer: completer,
		Wiki:      wikiSource,
		Analytics: analyticsSource,
		tracer:    otel.Tracer(tracerName),
	}
}

// AskCodebase answers a question from retrieved code, enriched with
// related wiki documents when any are found.
func (o *Orchestrator) AskCodebase(ctx context.Context, req CodebaseRequest) (models.CodebaseAnswer, error) {
	ctx, span := o.start(ctx, "answer.codebase")
	defer span.End()

	q := strings.TrimSpace(req.Question)
	if q == "" {
		return models.CodebaseAnswer{}, o.fail(span, q, "validate", ErrInvalidInput, errors.New("question is required"))
	}
	opts := search.QueryOpts{}
	if req.TopK != nil {
		if *req.TopK < 1 || *req.TopK > maxTopK {
			return models.CodebaseAnswer{}, o.fail(span, q, "validate", ErrInvalidInput, errors.New("top_k must be between 1 and 500"))
		}
		opts.RetrieveK = *req.TopK
	}
	if req.RerankTopN != nil {
		if *req.RerankTopN < 1 || *req.RerankTopN > maxRerankTopN {
			return models.CodebaseAnswer{}, o.fail(span, q, "validate", ErrInvalidInput, errors.New("rerank_top_n must be between 1 and 100"))
		}
		opts.RerankN = *req.RerankTopN
	}
	log.Info().Str("question", preview(q)).Int("top_k", opts.RetrieveK).Int("rerank_top_n", opts.RerankN).Msg("codebase request received")

	docs, err := o.Retriever.Query(ctx, q, opts)
	if err != nil {
		return models.CodebaseAnswer{}, o.fail(span, q, "retrieve", ErrRetrieval, err)
	}
	span.SetAttributes(attribute.Int("answer.retrieved", len(docs)))
	if len(docs) == 0 {
		log.Warn().Str("question", preview(q)).Msg("no documents retrieved")
		span.SetAttributes(attribute.String("answer.outcome", string(models.OutcomeNoResults)))
		return models.CodebaseAnswer{
			Answer:    prompts.NoCodeAnswer,
			Sources:   []string{},
			Documents: []models.DocumentRef{},
			Outcome:   models.OutcomeNoResults,
		}, nil
	}

	wikiDocs := o.relatedWikiDocuments(ctx, q)

	prompt, err := prompts.Codebase(prompts.CodebaseInput{
		Context:   prompts.FormatContext(docs),
		Documents: prompts.FormatWikiDocuments(wikiDocs),
		Question:  q,
	})
	if err != nil {
		return models.CodebaseAnswer{}, o.fail(span, q, "compose", ErrGeneration, err)
	}
	text, err := o.Completer.Complete(ctx, prompt)
	if err != nil {
		return models.CodebaseAnswer{}, o.fail(span, q, "generate", ErrGeneration, err)
	}

	if IsSecurityRefusal(text) {
		log.Info().Str("question", preview(q)).Msg("security response triggered, hiding sources")
		span.SetAttributes(attribute.String("answer.outcome", string(models.OutcomeSecurityRefused)))
		return models.CodebaseAnswer{
			Answer:    text,
			Sources:   []string{},
			Documents: []models.DocumentRef{},
			Outcome:   models.OutcomeSecurityRefused,
		}, nil
	}

	refs := make([]models.DocumentRef, 0, len(wikiDocs))
	for _, d := range wikiDocs {
		refs = append(refs, models.DocumentRef{Title: d.Title, URL: d.URL})
	}
	sources := models.ExtractSources(docs)
	log.Info().Int("sources", len(sources)).Int("documents", len(refs)).Msg("generated codebase answer")
	span.SetAttributes(attribute.String("answer.outcome", string(models.OutcomeAnswered)))
	return models.CodebaseAnswer{
		Answer:    text,
		Sources:   sources,
		Documents: refs,
		Outcome:   models.OutcomeAnswered,
	}, nil
}

// relatedWikiDocuments is best effort: every failure yields fewer or no
// documents, never an error.
func (o *Orchestrator) relatedWikiDocuments(ctx context.Context, q string) []models.WikiDocument {
	if o.Wiki == nil {
		return nil
	}
	ctx, span := o.start(ctx, "answer.wiki_enrichment")
	defer span.End()

	keywords, err := o.Completer.Complete(ctx, prompts.Keywords(q))
	if err != nil {
		log.Warn().Err(err).Str("question", preview(q)).Msg("wiki keyword extraction failed")
		span.RecordError(err)
		return nil
	}
	keywords = strings.TrimSpace(keywords)
	if keywords == "" {
		keywords = q
	}
	log.Info().Str("keywords", keywords).Msg("extracted wiki keywords")

	candidates := o.Wiki.Search(ctx, keywords, wikiCandidates)
	span.SetAttributes(attribute.Int("wiki.candidates", len(candidates)))
	if len(candidates) == 0 {
		return nil
	}

	out, err := o.Completer.Complete(ctx, prompts.Relevance(q, prompts.FormatRelevanceCandidates(candidates)))
	if err != nil {
		log.Warn().Err(err).Msg("wiki relevance filter failed")
		span.RecordError(err)
		return nil
	}
	idx := prompts.ParseRelevance(out, len(candidates))
	kept := make([]models.WikiDocument, 0, len(idx))
	for _, i := range idx {
		kept = append(kept, candidates[i])
	}
	log.Info().Str("result", strings.TrimSpace(out)).Int("kept", len(kept)).Msg("filtered wiki documents")
	span.SetAttributes(attribute.Int("wiki.kept", len(kept)))
	return kept
}

// AskAnalytics explains an analytics event using its recent counts and the
// code that tracks it.
func (o *Orchestrator) AskAnalytics(ctx context.Context, req AnalyticsRequest) (models.AnalyticsAnswer, error) {
	ctx, span := o.start(ctx, "answer.analytics")
	defer span.End()

	q := strings.TrimSpace(req.Question)
	if q == "" {
		return models.AnalyticsAnswer{}, o.fail(span, q, "validate", ErrInvalidInput, errors.New("question is required"))
	}
	days := defaultDays
	if req.Days != nil {
		if *req.Days < 1 || *req.Days > maxDays {
			return models.AnalyticsAnswer{}, o.fail(span, q, "validate", ErrInvalidInput, errors.New("days must be between 1 and 90"))
		}
		days = *req.Days
	}
	log.Info().Str("question", preview(q)).Int("days", days).Msg("analytics request received")

	out, err := o.Completer.Complete(ctx, prompts.Event(q))
	if err != nil {
		return models.AnalyticsAnswer{}, o.fail(span, q, "event-extraction", ErrGeneration, err)
	}
	event, ok := prompts.ParseEventName(out)
	if !ok {
		log.Warn().Str("question", preview(q)).Str("output", strings.TrimSpace(out)).Msg("no event name found")
		span.SetAttributes(attribute.String("answer.outcome", string(models.OutcomeNoEvent)))
		return models.AnalyticsAnswer{
			Answer:  prompts.NoEventAnswer,
			Sources: []string{},
			Outcome: models.OutcomeNoEvent,
		}, nil
	}
	log.Info().Str("event", event).Msg("extracted event name")
	span.SetAttributes(attribute.String("analytics.event", event))

	report := o.fetchAnalytics(ctx, event, days)

	docs, err := o.Retriever.Query(ctx, event+" event tracking analytics", search.QueryOpts{
		RetrieveK: analyticsRetrieveK,
		RerankN:   analyticsRerankN,
	})
	if err != nil {
		return models.AnalyticsAnswer{}, o.fail(span, q, "retrieve", ErrRetrieval, err)
	}

	prompt, err := prompts.Analytics(prompts.AnalyticsInput{
		EventName:   event,
		Days:        days,
		Data:        prompts.FormatAnalytics(report),
		CodeContext: prompts.CodeContext(docs),
		Question:    q,
	})
	if err != nil {
		return models.AnalyticsAnswer{}, o.fail(span, q, "compose", ErrGeneration, err)
	}
	text, err := o.Completer.Complete(ctx, prompt)
	if err != nil {
		return models.AnalyticsAnswer{}, o.fail(span, q, "generate", ErrGeneration, err)
	}

	sources := models.ExtractSources(docs)
	log.Info().Int("sources", len(sources)).Msg("generated analytics answer")
	span.SetAttributes(attribute.String("answer.outcome", string(models.OutcomeAnswered)))
	return models.AnalyticsAnswer{
		Answer:    text,
		Sources:   sources,
		EventName: &event,
		Outcome:   models.OutcomeAnswered,
	}, nil
}

// fetchAnalytics never fails; a fetch error is carried in the report.
func (o *Orchestrator) fetchAnalytics(ctx context.Context, event string, days int) models.AnalyticsReport {
	if o.Analytics == nil {
		return models.AnalyticsReport{EventName: event, Error: "analytics gateway not configured"}
	}
	ctx, span := o.start(ctx, "answer.analytics_fetch")
	defer span.End()

	report, err := o.Analytics.Fetch(ctx, event, days)
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("failed to fetch analytics data")
		span.RecordError(err)
		return models.AnalyticsReport{EventName: event, Error: err.Error()}
	}
	return report
}

// GenerateScenario writes a QA scenario for a wiki spec page, grounded in
// the code the page's keywords retrieve.
func (o *Orchestrator) GenerateScenario(ctx context.Context, req ScenarioRequest) (models.ScenarioResult, error) {
	ctx, span := o.start(ctx, "answer.scenario")
	defer span.End()

	ref := strings.TrimSpace(req.PageRef)
	if ref == "" {
		return models.ScenarioResult{}, o.fail(span, ref, "validate", ErrInvalidInput, errors.New("page_id_or_url is required"))
	}
	id, err := wiki.ExtractPageID(ref)
	if err != nil {
		return models.ScenarioResult{}, o.fail(span, ref, "resolve", ErrInvalidInput, err)
	}
	span.SetAttributes(attribute.String("wiki.page_id", id))
	log.Info().Str("page_id", id).Msg("scenario request received")

	if o.Wiki == nil {
		return models.ScenarioResult{}, o.fail(span, ref, "fetch", ErrNotFound, wiki.ErrNotConfigured)
	}
	page, err := o.Wiki.FetchPage(ctx, id)
	if err != nil {
		return models.ScenarioResult{}, o.fail(span, ref, "fetch", ErrNotFound, err)
	}

	keywords := o.scenarioKeywords(ctx, page)
	if extra := strings.TrimSpace(req.AdditionalKeywords); extra != "" {
		if keywords == "" {
			keywords = extra
		} else {
			keywords = keywords + ", " + extra
		}
	}
	if keywords == "" {
		keywords = strings.TrimSpace(page.Title)
	}

	var docs []models.RetrievedDocument
	if keywords != "" {
		docs, err = o.Retriever.Query(ctx, keywords, search.QueryOpts{
			RetrieveK: scenarioRetrieveK,
			RerankN:   scenarioRerankN,
		})
		if err != nil {
			log.Warn().Err(err).Str("keywords", keywords).Msg("codebase search failed")
			span.RecordError(err)
			docs = nil
		}
	}
	log.Info().Int("documents", len(docs)).Msg("found scenario code documents")

	prompt, err := prompts.Scenario(prompts.ScenarioInput{
		Title:       page.Title,
		Content:     page.Content,
		CodeContext: prompts.CodeContext(docs),
	})
	if err != nil {
		return models.ScenarioResult{}, o.fail(span, ref, "compose", ErrGeneration, err)
	}
	text, err := o.Completer.Complete(ctx, prompt)
	if err != nil {
		return models.ScenarioResult{}, o.fail(span, ref, "generate", ErrGeneration, err)
	}

	sources := models.ExtractSources(docs)
	log.Info().Int("sources", len(sources)).Str("title", page.Title).Msg("generated qa scenario")
	return models.ScenarioResult{
		Scenario:     text,
		Sources:      sources,
		KeywordsUsed: keywords,
	}, nil
}

func (o *Orchestrator) scenarioKeywords(ctx context.Context, page models.WikiPage) string {
	out, err := o.Completer.Complete(ctx, prompts.ScenarioKeywords(page.Title, prompts.Preview(page.Content, scenarioPreview)))
	if err != nil {
		log.Warn().Err(err).Str("title", page.Title).Msg("scenario keyword extraction failed")
		return ""
	}
	keywords := strings.TrimSpace(out)
	log.Info().Str("keywords", keywords).Msg("extracted scenario keywords")
	return keywords
}

// IsSecurityRefusal reports whether the model declined a sensitive request.
func IsSecurityRefusal(answer string) bool {
	return strings.HasPrefix(strings.TrimLeft(answer, " \t\r\n"), prompts.SecurityPrefix)
}

func (o *Orchestrator) start(ctx context.Context, name string) (context.Context, trace.Span) {
	tracer := o.tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	return tracer.Start(ctx, name)
}

func (o *Orchestrator) fail(span trace.Span, q, stage string, class, err error) error {
	se := &StageError{Stage: stage, Class: class, Err: err}
	span.RecordError(se)
	span.SetStatus(codes.Error, stage)
	log.Error().Err(err).Str("stage", stage).Str("question", preview(q)).Msg("request failed")
	return se
}

func preview(s string) string {
	return prompts.Preview(s, 100)
}
