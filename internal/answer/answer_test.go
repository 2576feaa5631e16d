package answer

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/seanblong/codebot/internal/prompts"
	"github.com/seanblong/codebot/internal/search"
	"github.com/seanblong/codebot/internal/wiki"
	"github.com/seanblong/codebot/pkg/models"
)

func init() {
	zerolog.SetGlobalLevel(zerolog.Disabled)
}

type retrieverCall struct {
	Query string
	Opts  search.QueryOpts
}

type MockRetriever struct {
	QueryFunc func(ctx context.Context, q string, opt search.QueryOpts) ([]models.RetrievedDocument, error)
	calls     []retrieverCall
}

func (m *MockRetriever) Query(ctx context.Context, q string, opt search.QueryOpts) ([]models.RetrievedDocument, error) {
	m.calls = append(m.calls, retrieverCall{Query: q, Opts: opt})
	if m.QueryFunc != nil {
		return m.QueryFunc(ctx, q, opt)
	}
	return []models.RetrievedDocument{}, nil
}

// MockCompleter routes each prompt to the handler of its kind. Unset
// handlers answer with an empty string.
type MockCompleter struct {
	KeywordsFunc         func(prompt string) (string, error)
	RelevanceFunc        func(prompt string) (string, error)
	CodebaseFunc         func(prompt string) (string, error)
	EventFunc            func(prompt string) (string, error)
	AnalyticsFunc        func(prompt string) (string, error)
	ScenarioKeywordsFunc func(prompt string) (string, error)
	ScenarioFunc         func(prompt string) (string, error)

	mu      sync.Mutex
	prompts []string
}

func (m *MockCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	m.mu.Lock()
	m.prompts = append(m.prompts, prompt)
	m.mu.Unlock()

	var fn func(string) (string, error)
	switch {
	case strings.Contains(prompt, "team's Confluence wiki"):
		fn = m.KeywordsFunc
	case strings.Contains(prompt, "관련 문서 번호:"):
		fn = m.RelevanceFunc
	case strings.Contains(prompt, "## 코드 컨텍스트"):
		fn = m.CodebaseFunc
	case strings.Contains(prompt, "Event name:"):
		fn = m.EventFunc
	case strings.Contains(prompt, "## 분석 데이터"):
		fn = m.AnalyticsFunc
	case strings.Contains(prompt, "Spec title:"):
		fn = m.ScenarioKeywordsFunc
	case strings.Contains(prompt, "## QA 시나리오:"):
		fn = m.ScenarioFunc
	}
	if fn == nil {
		return "", nil
	}
	return fn(prompt)
}

func (m *MockCompleter) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.prompts)
}

func (m *MockCompleter) find(marker string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.prompts {
		if strings.Contains(p, marker) {
			return p
		}
	}
	return ""
}

type MockWiki struct {
	SearchFunc    func(ctx context.Context, query string, limit int) []models.WikiDocument
	FetchPageFunc func(ctx context.Context, id string) (models.WikiPage, error)
	searches      []string
	fetched       []string
}

func (m *MockWiki) Search(ctx context.Context, query string, limit int) []models.WikiDocument {
	m.searches = append(m.searches, query)
	if m.SearchFunc != nil {
		return m.SearchFunc(ctx, query, limit)
	}
	return []models.WikiDocument{}
}

func (m *MockWiki) FetchPage(ctx context.Context, id string) (models.WikiPage, error) {
	m.fetched = append(m.fetched, id)
	if m.FetchPageFunc != nil {
		return m.FetchPageFunc(ctx, id)
	}
	return models.WikiPage{}, wiki.ErrPageNotFound
}

type MockAnalytics struct {
	FetchFunc func(ctx context.Context, event string, days int) (models.AnalyticsReport, error)
	calls     int
	lastEvent string
	lastDays  int
}

func (m *MockAnalytics) Fetch(ctx context.Context, event string, days int) (models.AnalyticsReport, error) {
	m.calls++
	m.lastEvent, m.lastDays = event, days
	if m.FetchFunc != nil {
		return m.FetchFunc(ctx, event, days)
	}
	return models.AnalyticsReport{EventName: event}, nil
}

func intp(i int) *int { return &i }

func retrieved(paths ...string) []models.RetrievedDocument {
	out := make([]models.RetrievedDocument, len(paths))
	for i, p := range paths {
		out[i] = models.RetrievedDocument{Chunk: models.Chunk{
			FilePath: p, ModuleName: "app", Content: "code from " + p, ChunkIndex: i,
		}}
	}
	return out
}

func fixed(s string) func(string) (string, error) {
	return func(string) (string, error) { return s, nil }
}

func failing(err error) func(string) (string, error) {
	return func(string) (string, error) { return "", err }
}

func wikiCandidatesFixture() []models.WikiDocument {
	return []models.WikiDocument{
		{Title: "Login Guide", URL: "https://wiki/1", Excerpt: "login"},
		{Title: "Signup Policy", URL: "https://wiki/2", Excerpt: "signup"},
		{Title: "Payments", URL: "https://wiki/3", Excerpt: "pay"},
		{Title: "Community", URL: "https://wiki/4", Excerpt: "feed"},
	}
}

func TestAskCodebase_Answered(t *testing.T) {
	retriever := &MockRetriever{QueryFunc: func(ctx context.Context, q string, opt search.QueryOpts) ([]models.RetrievedDocument, error) {
		return retrieved("A.kt", "B.kt", "A.kt", "C.kt"), nil
	}}
	completer := &MockCompleter{
		KeywordsFunc:  fixed("signup"),
		RelevanceFunc: fixed("2"),
		CodebaseFunc:  fixed("잡부가 찾아봤어요! 회원가입은..."),
	}
	wikiSrc := &MockWiki{SearchFunc: func(ctx context.Context, query string, limit int) []models.WikiDocument {
		if limit != 30 {
			t.Errorf("wiki limit = %d, want 30", limit)
		}
		return wikiCandidatesFixture()
	}}
	o := New(retriever, completer, wikiSrc, nil)

	got, err := o.AskCodebase(context.Background(), CodebaseRequest{
		Question: " 회원가입 흐름 알려줘 ", TopK: intp(40), RerankTopN: intp(8),
	})
	if err != nil {
		t.Fatalf("AskCodebase() error = %v", err)
	}
	if got.Outcome != models.OutcomeAnswered {
		t.Errorf("outcome = %s", got.Outcome)
	}
	if !reflect.DeepEqual(got.Sources, []string{"A.kt", "B.kt", "C.kt"}) {
		t.Errorf("sources = %v", got.Sources)
	}
	if !reflect.DeepEqual(got.Documents, []models.DocumentRef{{Title: "Signup Policy", URL: "https://wiki/2"}}) {
		t.Errorf("documents = %v", got.Documents)
	}
	if len(retriever.calls) != 1 || retriever.calls[0].Query != "회원가입 흐름 알려줘" ||
		retriever.calls[0].Opts != (search.QueryOpts{RetrieveK: 40, RerankN: 8}) {
		t.Errorf("retriever calls = %+v", retriever.calls)
	}
	if !reflect.DeepEqual(wikiSrc.searches, []string{"signup"}) {
		t.Errorf("wiki searches = %v", wikiSrc.searches)
	}

	prompt := completer.find("## 코드 컨텍스트")
	for _, want := range []string{
		"--- Source 1: A.kt (module: app) ---",
		"--- Source 4: C.kt (module: app) ---",
		"- Signup Policy: signup... (링크: https://wiki/2)",
		"## 질문: 회원가입 흐름 알려줘",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("generation prompt missing %q", want)
		}
	}
}

func TestAskCodebase_SecurityShortCircuit(t *testing.T) {
	retriever := &MockRetriever{QueryFunc: func(ctx context.Context, q string, opt search.QueryOpts) ([]models.RetrievedDocument, error) {
		return retrieved("Secrets.kt", "Api.kt"), nil
	}}
	refusal := "\n  " + prompts.SecurityPrefix + "(API 키, 시크릿 키, 토큰, API URL 등)는 알려드릴 수 없어요."
	completer := &MockCompleter{
		KeywordsFunc:  fixed("api key"),
		RelevanceFunc: fixed("1,2"),
		CodebaseFunc:  fixed(refusal),
	}
	wikiSrc := &MockWiki{SearchFunc: func(ctx context.Context, query string, limit int) []models.WikiDocument {
		return wikiCandidatesFixture()
	}}
	o := New(retriever, completer, wikiSrc, nil)

	got, err := o.AskCodebase(context.Background(), CodebaseRequest{Question: "API 키 알려줘"})
	if err != nil {
		t.Fatal(err)
	}
	if got.Outcome != models.OutcomeSecurityRefused {
		t.Errorf("outcome = %s", got.Outcome)
	}
	if got.Answer != refusal {
		t.Errorf("answer = %q", got.Answer)
	}
	if got.Sources == nil || len(got.Sources) != 0 || got.Documents == nil || len(got.Documents) != 0 {
		t.Errorf("sources = %v, documents = %v, want both empty", got.Sources, got.Documents)
	}
}

func TestAskCodebase_NoResults(t *testing.T) {
	completer := &MockCompleter{}
	wikiSrc := &MockWiki{}
	o := New(&MockRetriever{}, completer, wikiSrc, nil)

	got, err := o.AskCodebase(context.Background(), CodebaseRequest{Question: "nothing matches"})
	if err != nil {
		t.Fatal(err)
	}
	if got.Outcome != models.OutcomeNoResults || got.Answer != prompts.NoCodeAnswer {
		t.Errorf("got %+v", got)
	}
	if len(got.Sources) != 0 || len(got.Documents) != 0 {
		t.Errorf("sources = %v, documents = %v", got.Sources, got.Documents)
	}
	if completer.count() != 0 || len(wikiSrc.searches) != 0 {
		t.Errorf("completer calls = %d, wiki searches = %d, want 0", completer.count(), len(wikiSrc.searches))
	}
}

func TestAskCodebase_Validation(t *testing.T) {
	tests := []struct {
		name string
		req  CodebaseRequest
	}{
		{"empty question", CodebaseRequest{Question: "  "}},
		{"top_k zero", CodebaseRequest{Question: "q", TopK: intp(0)}},
		{"top_k too large", CodebaseRequest{Question: "q", TopK: intp(501)}},
		{"rerank zero", CodebaseRequest{Question: "q", RerankTopN: intp(0)}},
		{"rerank too large", CodebaseRequest{Question: "q", RerankTopN: intp(101)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			retriever := &MockRetriever{}
			completer := &MockCompleter{}
			_, err := New(retriever, completer, nil, nil).AskCodebase(context.Background(), tt.req)
			if !errors.Is(err, ErrInvalidInput) {
				t.Errorf("error = %v, want ErrInvalidInput", err)
			}
			if len(retriever.calls) != 0 || completer.count() != 0 {
				t.Error("external call made before validation")
			}
		})
	}

	ok := []CodebaseRequest{
		{Question: "q", TopK: intp(1), RerankTopN: intp(1)},
		{Question: "q", TopK: intp(500), RerankTopN: intp(100)},
	}
	for _, req := range ok {
		if _, err := New(&MockRetriever{}, &MockCompleter{}, nil, nil).AskCodebase(context.Background(), req); err != nil {
			t.Errorf("AskCodebase(%+v) error = %v", req, err)
		}
	}
}

func TestAskCodebase_StageFailures(t *testing.T) {
	boom := errors.New("boom")

	o := New(&MockRetriever{QueryFunc: func(ctx context.Context, q string, opt search.QueryOpts) ([]models.RetrievedDocument, error) {
		return nil, boom
	}}, &MockCompleter{}, nil, nil)
	_, err := o.AskCodebase(context.Background(), CodebaseRequest{Question: "q"})
	if !errors.Is(err, ErrRetrieval) || !errors.Is(err, boom) {
		t.Errorf("retrieval error = %v", err)
	}
	var se *StageError
	if !errors.As(err, &se) || se.Stage != "retrieve" {
		t.Errorf("stage error = %#v", se)
	}

	o = New(&MockRetriever{QueryFunc: func(ctx context.Context, q string, opt search.QueryOpts) ([]models.RetrievedDocument, error) {
		return retrieved("A.kt"), nil
	}}, &MockCompleter{CodebaseFunc: failing(boom)}, nil, nil)
	_, err = o.AskCodebase(context.Background(), CodebaseRequest{Question: "q"})
	if !errors.Is(err, ErrGeneration) || errors.Is(err, ErrRetrieval) {
		t.Errorf("generation error = %v", err)
	}
}

func TestAskCodebase_WikiEnrichmentIsBestEffort(t *testing.T) {
	boom := errors.New("llm down")
	tests := []struct {
		name      string
		wiki      WikiSource
		completer *MockCompleter
		want      []string
	}{
		{
			name:      "no wiki source",
			wiki:      nil,
			completer: &MockCompleter{},
			want:      []string{},
		},
		{
			name:      "keyword extraction fails",
			wiki:      &MockWiki{SearchFunc: func(context.Context, string, int) []models.WikiDocument { return wikiCandidatesFixture() }},
			completer: &MockCompleter{KeywordsFunc: failing(boom)},
			want:      []string{},
		},
		{
			name:      "no candidates",
			wiki:      &MockWiki{},
			completer: &MockCompleter{KeywordsFunc: fixed("x")},
			want:      []string{},
		},
		{
			name:      "relevance says none",
			wiki:      &MockWiki{SearchFunc: func(context.Context, string, int) []models.WikiDocument { return wikiCandidatesFixture() }},
			completer: &MockCompleter{KeywordsFunc: fixed("x"), RelevanceFunc: fixed("없음")},
			want:      []string{},
		},
		{
			name:      "unparseable relevance keeps first three",
			wiki:      &MockWiki{SearchFunc: func(context.Context, string, int) []models.WikiDocument { return wikiCandidatesFixture() }},
			completer: &MockCompleter{KeywordsFunc: fixed("x"), RelevanceFunc: fixed("I think 2 and 4")},
			want:      []string{"Login Guide", "Signup Policy", "Payments"},
		},
		{
			name:      "out of range keeps first three",
			wiki:      &MockWiki{SearchFunc: func(context.Context, string, int) []models.WikiDocument { return wikiCandidatesFixture() }},
			completer: &MockCompleter{KeywordsFunc: fixed("x"), RelevanceFunc: fixed("4, 12")},
			want:      []string{"Login Guide", "Signup Policy", "Payments"},
		},
		{
			name:      "relevance call fails",
			wiki:      &MockWiki{SearchFunc: func(context.Context, string, int) []models.WikiDocument { return wikiCandidatesFixture() }},
			completer: &MockCompleter{KeywordsFunc: fixed("x"), RelevanceFunc: failing(boom)},
			want:      []string{},
		},
		{
			name:      "list order kept",
			wiki:      &MockWiki{SearchFunc: func(context.Context, string, int) []models.WikiDocument { return wikiCandidatesFixture() }},
			completer: &MockCompleter{KeywordsFunc: fixed("x"), RelevanceFunc: fixed("4,1")},
			want:      []string{"Community", "Login Guide"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.completer.CodebaseFunc = fixed("answer")
			retriever := &MockRetriever{QueryFunc: func(ctx context.Context, q string, opt search.QueryOpts) ([]models.RetrievedDocument, error) {
				return retrieved("A.kt"), nil
			}}
			got, err := New(retriever, tt.completer, tt.wiki, nil).AskCodebase(context.Background(), CodebaseRequest{Question: "q"})
			if err != nil {
				t.Fatalf("AskCodebase() error = %v", err)
			}
			titles := make([]string, 0, len(got.Documents))
			for _, d := range got.Documents {
				titles = append(titles, d.Title)
			}
			if !reflect.DeepEqual(titles, tt.want) {
				t.Errorf("documents = %v, want %v", titles, tt.want)
			}
			if got.Outcome != models.OutcomeAnswered {
				t.Errorf("outcome = %s", got.Outcome)
			}
			if len(tt.want) == 0 && !strings.Contains(tt.completer.find("## 코드 컨텍스트"), prompts.NoWikiContext) {
				t.Error("generation prompt should say no related documents")
			}
		})
	}
}

func TestAskAnalytics_Answered(t *testing.T) {
	retriever := &MockRetriever{QueryFunc: func(ctx context.Context, q string, opt search.QueryOpts) ([]models.RetrievedDocument, error) {
		return retrieved("SignupTracker.kt", "SignupTracker.kt"), nil
	}}
	completer := &MockCompleter{
		EventFunc:     fixed("`click_signup`"),
		AnalyticsFunc: fixed("📊 분석 결과"),
	}
	source := &MockAnalytics{FetchFunc: func(ctx context.Context, event string, days int) (models.AnalyticsReport, error) {
		return models.AnalyticsReport{EventName: event, Series: map[string]map[string]float64{
			event: {"2024-01-01": 1000, "2024-01-02": 500},
		}}, nil
	}}
	o := New(retriever, completer, nil, source)

	got, err := o.AskAnalytics(context.Background(), AnalyticsRequest{Question: "click_signup 이벤트 분석해줘"})
	if err != nil {
		t.Fatalf("AskAnalytics() error = %v", err)
	}
	if got.EventName == nil || *got.EventName != "click_signup" {
		t.Fatalf("event name = %v", got.EventName)
	}
	if got.Answer != "📊 분석 결과" || got.Outcome != models.OutcomeAnswered {
		t.Errorf("got %+v", got)
	}
	if !reflect.DeepEqual(got.Sources, []string{"SignupTracker.kt"}) {
		t.Errorf("sources = %v", got.Sources)
	}
	if source.lastEvent != "click_signup" || source.lastDays != 7 {
		t.Errorf("fetch(%q, %d)", source.lastEvent, source.lastDays)
	}
	want := retrieverCall{Query: "click_signup event tracking analytics", Opts: search.QueryOpts{RetrieveK: 50, RerankN: 15}}
	if len(retriever.calls) != 1 || retriever.calls[0] != want {
		t.Errorf("retriever calls = %+v", retriever.calls)
	}
	prompt := completer.find("## 분석 데이터")
	for _, want := range []string{"최근 7일", "2024-01-01: 1,000회", "총합: 1,500회", "--- Source 1: SignupTracker.kt"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("analytics prompt missing %q", want)
		}
	}
}

func TestAskAnalytics_NoEvent(t *testing.T) {
	for _, out := range []string{"NONE", "", "there is no event here"} {
		retriever := &MockRetriever{}
		completer := &MockCompleter{EventFunc: fixed(out)}
		source := &MockAnalytics{}
		got, err := New(retriever, completer, nil, source).AskAnalytics(context.Background(), AnalyticsRequest{Question: "요즘 지표 어때?"})
		if err != nil {
			t.Fatalf("AskAnalytics() error = %v", err)
		}
		if got.Outcome != models.OutcomeNoEvent || got.Answer != prompts.NoEventAnswer || got.EventName != nil {
			t.Errorf("output %q: got %+v", out, got)
		}
		if len(got.Sources) != 0 {
			t.Errorf("sources = %v", got.Sources)
		}
		if source.calls != 0 || len(retriever.calls) != 0 || completer.count() != 1 {
			t.Errorf("output %q: analytics=%d retriever=%d completer=%d, want 0/0/1",
				out, source.calls, len(retriever.calls), completer.count())
		}
	}
}

func TestAskAnalytics_FetchFailureIsAbsorbed(t *testing.T) {
	completer := &MockCompleter{EventFunc: fixed("screen_view_home"), AnalyticsFunc: fixed("데이터를 확인하지 못했어요")}
	source := &MockAnalytics{FetchFunc: func(ctx context.Context, event string, days int) (models.AnalyticsReport, error) {
		return models.AnalyticsReport{}, errors.New("gateway timeout")
	}}
	got, err := New(&MockRetriever{}, completer, nil, source).AskAnalytics(context.Background(), AnalyticsRequest{Question: "q", Days: intp(30)})
	if err != nil {
		t.Fatalf("AskAnalytics() error = %v", err)
	}
	if got.Outcome != models.OutcomeAnswered {
		t.Errorf("outcome = %s", got.Outcome)
	}
	if source.lastDays != 30 {
		t.Errorf("days = %d", source.lastDays)
	}
	prompt := completer.find("## 분석 데이터")
	if !strings.Contains(prompt, "gateway timeout") || !strings.Contains(prompt, prompts.NoCodeContext) {
		t.Errorf("prompt should carry the fetch error and no-code context:\n%s", prompt)
	}

	// an unconfigured source behaves the same way
	got, err = New(&MockRetriever{}, completer, nil, nil).AskAnalytics(context.Background(), AnalyticsRequest{Question: "q"})
	if err != nil || got.Outcome != models.OutcomeAnswered {
		t.Errorf("unconfigured analytics: %+v, %v", got, err)
	}
}

func TestAskAnalytics_Errors(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name      string
		req       AnalyticsRequest
		completer *MockCompleter
		retriever *MockRetriever
		want      error
	}{
		{"empty question", AnalyticsRequest{}, &MockCompleter{}, &MockRetriever{}, ErrInvalidInput},
		{"days zero", AnalyticsRequest{Question: "q", Days: intp(0)}, &MockCompleter{}, &MockRetriever{}, ErrInvalidInput},
		{"days too large", AnalyticsRequest{Question: "q", Days: intp(91)}, &MockCompleter{}, &MockRetriever{}, ErrInvalidInput},
		{"event extraction fails", AnalyticsRequest{Question: "q"}, &MockCompleter{EventFunc: failing(boom)}, &MockRetriever{}, ErrGeneration},
		{
			"code search fails", AnalyticsRequest{Question: "q"},
			&MockCompleter{EventFunc: fixed("e")},
			&MockRetriever{QueryFunc: func(context.Context, string, search.QueryOpts) ([]models.RetrievedDocument, error) { return nil, boom }},
			ErrRetrieval,
		},
		{"generation fails", AnalyticsRequest{Question: "q"}, &MockCompleter{EventFunc: fixed("e"), AnalyticsFunc: failing(boom)}, &MockRetriever{}, ErrGeneration},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.retriever, tt.completer, nil, &MockAnalytics{}).AskAnalytics(context.Background(), tt.req)
			if !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

func scenarioWiki(content string) *MockWiki {
	return &MockWiki{FetchPageFunc: func(ctx context.Context, id string) (models.WikiPage, error) {
		if id != "123456" {
			return models.WikiPage{}, wiki.ErrPageNotFound
		}
		return models.WikiPage{ID: id, Title: "회원가입 개편", Content: content}, nil
	}}
}

func TestGenerateScenario(t *testing.T) {
	retriever := &MockRetriever{QueryFunc: func(ctx context.Context, q string, opt search.QueryOpts) ([]models.RetrievedDocument, error) {
		return retrieved("SignupViewModel.kt", "OtpScreen.kt", "SignupViewModel.kt"), nil
	}}
	completer := &MockCompleter{
		ScenarioKeywordsFunc: fixed("signup, email verification"),
		ScenarioFunc:         fixed("## 시나리오 1"),
	}
	wikiSrc := scenarioWiki("이메일 인증 후 가입 완료")
	o := New(retriever, completer, wikiSrc, nil)

	got, err := o.GenerateScenario(context.Background(), ScenarioRequest{
		PageRef:            "https://acme.atlassian.net/wiki/spaces/PM/pages/123456/Signup",
		AdditionalKeywords: " otp ",
	})
	if err != nil {
		t.Fatalf("GenerateScenario() error = %v", err)
	}
	if got.Scenario != "## 시나리오 1" {
		t.Errorf("scenario = %q", got.Scenario)
	}
	if got.KeywordsUsed != "signup, email verification, otp" {
		t.Errorf("keywords = %q", got.KeywordsUsed)
	}
	if !reflect.DeepEqual(got.Sources, []string{"SignupViewModel.kt", "OtpScreen.kt"}) {
		t.Errorf("sources = %v", got.Sources)
	}
	want := retrieverCall{Query: "signup, email verification, otp", Opts: search.QueryOpts{RetrieveK: 15, RerankN: 10}}
	if len(retriever.calls) != 1 || retriever.calls[0] != want {
		t.Errorf("retriever calls = %+v", retriever.calls)
	}
	if !reflect.DeepEqual(wikiSrc.fetched, []string{"123456"}) {
		t.Errorf("fetched = %v", wikiSrc.fetched)
	}
	prompt := completer.find("## QA 시나리오:")
	for _, want := range []string{"회원가입 개편", "이메일 인증 후 가입 완료", "--- Source 2: OtpScreen.kt"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("scenario prompt missing %q", want)
		}
	}
}

func TestGenerateScenario_PreviewOnlyForKeywords(t *testing.T) {
	content := strings.Repeat("가", 2000) + strings.Repeat("나", 1000)
	completer := &MockCompleter{ScenarioKeywordsFunc: fixed("kw"), ScenarioFunc: fixed("ok")}
	o := New(&MockRetriever{}, completer, scenarioWiki(content), nil)

	if _, err := o.GenerateScenario(context.Background(), ScenarioRequest{PageRef: "123456"}); err != nil {
		t.Fatal(err)
	}
	if kw := completer.find("Spec title:"); strings.Contains(kw, "나") || !strings.Contains(kw, strings.Repeat("가", 2000)) {
		t.Error("keyword prompt should carry exactly the first 2000 runes")
	}
	if full := completer.find("## QA 시나리오:"); !strings.Contains(full, content) {
		t.Error("generation prompt should carry the full page")
	}
}

func TestGenerateScenario_DegradedKeywordsAndSearch(t *testing.T) {
	boom := errors.New("boom")

	t.Run("keywords fail without extras uses title", func(t *testing.T) {
		retriever := &MockRetriever{}
		completer := &MockCompleter{ScenarioKeywordsFunc: failing(boom), ScenarioFunc: fixed("ok")}
		got, err := New(retriever, completer, scenarioWiki("body"), nil).GenerateScenario(context.Background(), ScenarioRequest{PageRef: "123456"})
		if err != nil {
			t.Fatal(err)
		}
		if got.KeywordsUsed != "회원가입 개편" || len(retriever.calls) != 1 || retriever.calls[0].Query != "회원가입 개편" {
			t.Errorf("keywords = %q, calls = %+v", got.KeywordsUsed, retriever.calls)
		}
	})

	t.Run("keywords fail with extras uses extras", func(t *testing.T) {
		completer := &MockCompleter{ScenarioKeywordsFunc: failing(boom), ScenarioFunc: fixed("ok")}
		got, err := New(&MockRetriever{}, completer, scenarioWiki("body"), nil).GenerateScenario(context.Background(),
			ScenarioRequest{PageRef: "123456", AdditionalKeywords: "otp"})
		if err != nil {
			t.Fatal(err)
		}
		if got.KeywordsUsed != "otp" {
			t.Errorf("keywords = %q", got.KeywordsUsed)
		}
	})

	t.Run("search failure is absorbed", func(t *testing.T) {
		retriever := &MockRetriever{QueryFunc: func(context.Context, string, search.QueryOpts) ([]models.RetrievedDocument, error) {
			return nil, boom
		}}
		completer := &MockCompleter{ScenarioKeywordsFunc: fixed("kw"), ScenarioFunc: fixed("ok")}
		got, err := New(retriever, completer, scenarioWiki("body"), nil).GenerateScenario(context.Background(), ScenarioRequest{PageRef: "123456"})
		if err != nil {
			t.Fatal(err)
		}
		if got.Sources == nil || len(got.Sources) != 0 {
			t.Errorf("sources = %v", got.Sources)
		}
		if !strings.Contains(completer.find("## QA 시나리오:"), prompts.NoCodeContext) {
			t.Error("prompt should carry the no-code message")
		}
	})
}

func TestGenerateScenario_Errors(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name      string
		req       ScenarioRequest
		wiki      WikiSource
		completer *MockCompleter
		want      error
		wantFetch bool
	}{
		{"empty ref", ScenarioRequest{}, scenarioWiki("x"), &MockCompleter{}, ErrInvalidInput, false},
		{"unrecognized ref", ScenarioRequest{PageRef: "https://acme.atlassian.net/wiki/home"}, scenarioWiki("x"), &MockCompleter{}, ErrInvalidInput, false},
		{"page missing", ScenarioRequest{PageRef: "999"}, scenarioWiki("x"), &MockCompleter{}, ErrNotFound, true},
		{
			"page unreachable", ScenarioRequest{PageRef: "123456"},
			&MockWiki{FetchPageFunc: func(context.Context, string) (models.WikiPage, error) { return models.WikiPage{}, boom }},
			&MockCompleter{}, ErrNotFound, true,
		},
		{"no wiki", ScenarioRequest{PageRef: "123456"}, nil, &MockCompleter{}, ErrNotFound, false},
		{"generation fails", ScenarioRequest{PageRef: "?pageId=123456"}, scenarioWiki("x"), &MockCompleter{ScenarioFunc: failing(boom)}, ErrGeneration, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(&MockRetriever{}, tt.completer, tt.wiki, nil).GenerateScenario(context.Background(), tt.req)
			if !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
			if mw, ok := tt.wiki.(*MockWiki); ok && (len(mw.fetched) > 0) != tt.wantFetch {
				t.Errorf("fetched = %v, wantFetch %v", mw.fetched, tt.wantFetch)
			}
		})
	}
}

func TestIsSecurityRefusal(t *testing.T) {
	tests := []struct {
		answer string
		want   bool
	}{
		{prompts.SecurityPrefix + "(API 키...)", true},
		{"  \n" + prompts.SecurityPrefix, true},
		{"안녕하세요! " + prompts.SecurityPrefix, false},
		{"🔒 보안", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsSecurityRefusal(tt.answer); got != tt.want {
			t.Errorf("IsSecurityRefusal(%q) = %v, want %v", tt.answer, got, tt.want)
		}
	}
}

func TestStageError(t *testing.T) {
	cause := errors.New("connection refused")
	err := error(&StageError{Stage: "retrieve", Class: ErrRetrieval, Err: cause})
	if !errors.Is(err, ErrRetrieval) || !errors.Is(err, cause) || errors.Is(err, ErrGeneration) {
		t.Errorf("errors.Is mismatch for %v", err)
	}
	if got := err.Error(); got != "retrieve: retrieval failed: connection refused" {
		t.Errorf("Error() = %q", got)
	}
	if got := (&StageError{Stage: "fetch", Class: ErrNotFound}).Error(); got != "fetch: not found" {
		t.Errorf("Error() = %q", got)
	}
}
