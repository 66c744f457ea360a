package feedback

import (
	"regexp"
	"strconv"
	"strings"
)

// Patterns are checked in strict precedence order; the first that matches
// decides the result. Word forms cover the asset nouns users actually type.
var (
	allPattern    = regexp.MustCompile(`\b(?:all|every|each)\b`)
	rangePattern  = regexp.MustCompile(`\b(?:clips?|images?|scenes?|shots?|frames?|assets?)\s*#?\s*(\d+)\s*(?:-|–|to|through)\s*(\d+)\b`)
	singlePattern = regexp.MustCompile(`\b(?:clip|image|scene|shot|frame|asset)\s*#?\s*(\d+)\b`)
)

// ordinals are scanned in order so multi-ordinal feedback resolves
// deterministically to the earliest-listed word.
var ordinals = []struct {
	word string
	pos  int
}{
	{"first", 1}, {"second", 2}, {"third", 3}, {"fourth", 4}, {"fifth", 5},
	{"sixth", 6}, {"seventh", 7}, {"eighth", 8}, {"ninth", 9}, {"tenth", 10},
	{"last", -1}, // resolved against n
}

// ParseAssetIndices resolves which of n assets a piece of feedback targets.
// Precedence: an explicit preselected list wins outright; then an "all"
// phrase; then a numeric range (clipped to [1,n]); then a single numeric
// reference (out of range yields empty, not clamped); then an ordinal word;
// otherwise every index — when scope is ambiguous, regenerating everything
// is the conservative choice.
func ParseAssetIndices(feedback string, n int, preselected []int) []int {
	if n <= 0 {
		return nil
	}

	if len(preselected) > 0 {
		return sanitize(preselected, n)
	}

	text := strings.ToLower(feedback)

	if allPattern.MatchString(text) {
		return allIndices(n)
	}

	if m := rangePattern.FindStringSubmatch(text); m != nil {
		lo, _ := strconv.Atoi(m[1])
		hi, _ := strconv.Atoi(m[2])
		if lo > hi {
			lo, hi = hi, lo
		}
		if lo < 1 {
			lo = 1
		}
		if hi > n {
			hi = n
		}
		if lo > n || hi < 1 {
			return nil
		}
		out := make([]int, 0, hi-lo+1)
		for i := lo; i <= hi; i++ {
			out = append(out, i)
		}
		return out
	}

	if m := singlePattern.FindStringSubmatch(text); m != nil {
		idx, _ := strconv.Atoi(m[1])
		if idx < 1 || idx > n {
			// An explicit out-of-range reference means "nothing to do",
			// not a guess at what the user meant.
			return nil
		}
		return []int{idx}
	}

	for _, ord := range ordinals {
		if !strings.Contains(text, ord.word) {
			continue
		}
		pos := ord.pos
		if pos == -1 {
			pos = n
		}
		if pos >= 1 && pos <= n {
			return []int{pos}
		}
		return nil
	}

	return allIndices(n)
}

func allIndices(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i + 1
	}
	return out
}

// sanitize keeps explicit selections in caller order, dropping duplicates
// and out-of-range entries.
func sanitize(indices []int, n int) []int {
	seen := make(map[int]bool, len(indices))
	out := make([]int, 0, len(indices))
	for _, idx := range indices {
		if idx < 1 || idx > n || seen[idx] {
			continue
		}
		seen[idx] = true
		out = append(out, idx)
	}
	return out
}
