package textctx

import (
	"regexp"
	"strings"
)

// Fragment is one ordered sub-fragment of a multi-action utterance.
// Only the first fragment carries the truncated pre-marker preamble; the
// rest are independent.
type Fragment struct {
	Text       string
	Position   int
	IsPrimary  bool
	TipoAccion ActionType
}

var patronesNumeracion = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(?:^|\s)(\d+)[.)\-:]\s*`),
	regexp.MustCompile(`(?i)(?:primero|segundo|tercero|cuarto|quinto|sexto)[,\s]`),
	regexp.MustCompile(`(?i)(?:primera|segunda|tercera|cuarta|quinta)[,\s]`),
	regexp.MustCompile(`(?i)(?:1ro|2do|3ro|4to|5to)[,\s]`),
}

var patronesSecuencia = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(?:luego|después|entonces|posteriormente)[,\s]`),
	regexp.MustCompile(`(?i)(?:también|además|aparte)[,\s]`),
	regexp.MustCompile(`(?i)(?:por último|finalmente|para terminar)[,\s]`),
	regexp.MustCompile(`(?i)(?:y\s+(?:también|además|luego|después))[,\s]`),
}

var patronesAccionVerbo = regexp.MustCompile(`(?i)(?:recuérda|avísa|agend|program|cre|pon)[a-z]*me\s|(?:quiero|necesito|tengo que)\s|(?:dame|dime|muestra|busca|abre)\s`)

var divisionPatterns = func() []*regexp.Regexp {
	all := append([]*regexp.Regexp{}, patronesNumeracion...)
	all = append(all, patronesSecuencia...)
	return all
}()

// Fragment detects whether an utterance bundles multiple sequential
// actions and, if so, splits it into ordered fragments. A single
// utterance is returned unchanged as one primary fragment when the
// multi-action indicator thresholds aren't met.
func Fragmentize(text string) []Fragment {
	lower := strings.ToLower(text)

	numCount := 0
	for _, p := range patronesNumeracion {
		numCount += len(p.FindAllString(lower, -1))
	}
	seqCount := 0
	for _, p := range patronesSecuencia {
		seqCount += len(p.FindAllString(lower, -1))
	}
	actionCount := len(patronesAccionVerbo.FindAllString(lower, -1))

	isMultiple := numCount >= 2 || seqCount >= 2 || actionCount >= 3
	if !isMultiple {
		return []Fragment{{Text: text, Position: 1, IsPrimary: true, TipoAccion: detectTipoAccion(text)}}
	}

	// Locate the earliest division-indicator match to carve out the
	// pre-marker preamble, truncated to 100 chars.
	preamble := ""
	earliest := -1
	for _, p := range divisionPatterns {
		if loc := p.FindStringIndex(text); loc != nil {
			if earliest == -1 || loc[0] < earliest {
				earliest = loc[0]
			}
		}
	}
	if earliest > 0 {
		pre := strings.TrimSpace(text[:earliest])
		if sentences := strings.SplitN(pre, ".", 2); len(sentences) > 0 {
			preamble = strings.TrimSpace(sentences[0])
		}
		if len(preamble) > 100 {
			parts := strings.Split(preamble, ",")
			if len(parts) > 2 {
				parts = parts[:2]
			}
			preamble = strings.Join(parts, ",")
		}
	}

	var matches []int // start index of each marker
	var matchEnds []int
	for _, p := range divisionPatterns {
		for _, idx := range p.FindAllStringIndex(text, -1) {
			matches = append(matches, idx[0])
			matchEnds = append(matchEnds, idx[1])
		}
	}
	if len(matches) == 0 {
		return []Fragment{{Text: text, Position: 1, IsPrimary: true, TipoAccion: detectTipoAccion(text)}}
	}

	order := make([]int, len(matches))
	for i := range order {
		order[i] = i
	}
	sortByStart(order, matches)

	var fragments []Fragment
	position := 1
	for i, idx := range order {
		start := matchEnds[idx]
		var end int
		if i+1 < len(order) {
			end = matches[order[i+1]]
		} else {
			end = len(text)
		}
		if start > end {
			continue
		}
		fragText := strings.TrimSpace(text[start:end])
		if len(fragText) < 10 {
			continue
		}

		full := fragText
		if preamble != "" && position == 1 {
			full = preamble + ". " + fragText
		}

		fragments = append(fragments, Fragment{
			Text:       full,
			Position:   position,
			IsPrimary:  position == 1,
			TipoAccion: detectTipoAccion(fragText),
		})
		position++
	}

	if len(fragments) == 0 {
		return []Fragment{{Text: text, Position: 1, IsPrimary: true, TipoAccion: detectTipoAccion(text)}}
	}
	return fragments
}

// sortByStart insertion-sorts order (indices into matches) by matches[idx]
// ascending; the marker count here is always small.
func sortByStart(order, matches []int) {
	for i := 1; i < len(order); i++ {
		for j := i; j > 0 && matches[order[j-1]] > matches[order[j]]; j-- {
			order[j-1], order[j] = order[j], order[j-1]
		}
	}
}
