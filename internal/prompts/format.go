package prompts

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/seanblong/codebot/pkg/models"
)

var printer = message.NewPrinter(language.English)

// FormatContext renders retrieved chunks as numbered, labelled sources.
func FormatContext(docs []models.RetrievedDocument) string {
	parts := make([]string, 0, len(docs))
	for i, d := range docs {
		parts = append(parts, fmt.Sprintf("--- Source %d: %s (module: %s) ---\n%s\n",
			i+1, orUnknown(d.Chunk.FilePath), orUnknown(d.Chunk.ModuleName), d.Chunk.Content))
	}
	return strings.Join(parts, "\n")
}

// CodeContext is FormatContext with the no-code fallback message.
func CodeContext(docs []models.RetrievedDocument) string {
	if len(docs) == 0 {
		return NoCodeContext
	}
	return FormatContext(docs)
}

// FormatWikiDocuments renders kept wiki documents as a bullet list.
func FormatWikiDocuments(docs []models.WikiDocument) string {
	if len(docs) == 0 {
		return NoWikiContext
	}
	lines := make([]string, 0, len(docs))
	for _, d := range docs {
		lines = append(lines, fmt.Sprintf("- %s: %s... (링크: %s)", d.Title, prefix(d.Excerpt, 200), d.URL))
	}
	return strings.Join(lines, "\n")
}

// FormatRelevanceCandidates numbers the candidates from 1 for the relevance prompt.
func FormatRelevanceCandidates(docs []models.WikiDocument) string {
	lines := make([]string, 0, len(docs))
	for i, d := range docs {
		excerpt := strings.ReplaceAll(prefix(d.Excerpt, 150), "\n", " ")
		lines = append(lines, fmt.Sprintf("%d. [%s] %s", i+1, d.Title, excerpt))
	}
	return strings.Join(lines, "\n")
}

// FormatAnalytics renders the daily counts of every event in ascending date
// order with a running total. Reports without a usable series fall back to
// the raw payload or the fetch error.
func FormatAnalytics(r models.AnalyticsReport) string {
	if r.Error != "" {
		return "데이터 조회 실패: " + r.Error
	}
	if len(r.Series) == 0 {
		if strings.TrimSpace(r.Raw) == "" {
			return "데이터 없음"
		}
		return "원본 데이터: " + r.Raw
	}

	events := make([]string, 0, len(r.Series))
	for e := range r.Series {
		events = append(events, e)
	}
	sort.Strings(events)

	lines := []string{"일별 이벤트 발생 횟수:"}
	var total float64
	for _, e := range events {
		lines = append(lines, "", "이벤트: "+e)
		dates := make([]string, 0, len(r.Series[e]))
		for d := range r.Series[e] {
			dates = append(dates, d)
		}
		sort.Strings(dates)
		for _, d := range dates {
			n := r.Series[e][d]
			total += n
			lines = append(lines, fmt.Sprintf("  %s: %s회 (누적 %s회)", d, count(n), count(total)))
		}
	}
	lines = append(lines, "", fmt.Sprintf("총합: %s회", count(total)))
	return strings.Join(lines, "\n")
}

func count(n float64) string {
	if n == math.Trunc(n) && math.Abs(n) < 1e15 {
		return printer.Sprintf("%d", int64(n))
	}
	return printer.Sprintf("%.2f", n)
}

// prefix returns at most n runes of s.
func prefix(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// Preview cuts s to at most n runes.
func Preview(s string, n int) string { return prefix(s, n) }

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
