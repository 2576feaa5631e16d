package prompts

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	indexListRe = regexp.MustCompile(`^\d+(\s*,\s*\d+)*$`)
	eventNameRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_.:-]*$`)
)

// relevanceFallback is how many candidates are kept when the model output
// cannot be parsed.
const relevanceFallback = 3

// ParseRelevance turns the relevance answer for n candidates into 0-based
// indices. "없음", "NONE" or empty output keeps nothing. A comma separated
// list of in-range 1-based numbers keeps those in the given order without
// duplicates. Anything else keeps the first min(3, n).
func ParseRelevance(out string, n int) []int {
	out = strings.TrimSpace(out)
	if out == "" || out == "없음" || strings.EqualFold(out, "none") {
		return []int{}
	}
	if indexListRe.MatchString(out) {
		seen := make(map[int]struct{})
		idx := []int{}
		valid := true
		for _, f := range strings.Split(out, ",") {
			i, err := strconv.Atoi(strings.TrimSpace(f))
			if err != nil || i < 1 || i > n {
				valid = false
				break
			}
			if _, ok := seen[i]; ok {
				continue
			}
			seen[i] = struct{}{}
			idx = append(idx, i-1)
		}
		if valid {
			return idx
		}
	}
	k := min(relevanceFallback, n)
	idx := make([]int, 0, k)
	for i := 0; i < k; i++ {
		idx = append(idx, i)
	}
	return idx
}

// ParseEventName extracts the event token from the model output. It
// reports false for the NONE sentinel and for anything that is not a
// single identifier-like token.
func ParseEventName(out string) (string, bool) {
	s := strings.TrimSpace(out)
	s = strings.Trim(s, "`'\"")
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "none") {
		return "", false
	}
	if !eventNameRe.MatchString(s) {
		return "", false
	}
	return s, true
}
