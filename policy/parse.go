package policy

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Policy strings look like:
//
//	SOURCES <s1, s2> SINK <sink> CONSTRAINT <expr> ON FAIL <resolution> [DESCRIPTION <text>]
//
// with an optional leading AGGREGATE keyword. Keywords are matched
// case-insensitively and may appear in any order; each value is the
// text between its keyword and the next one. SOURCES set to NONE (or
// left empty) means no sources.

var (
	wsRe        = regexp.MustCompile(`\s+`)
	onFailRe    = regexp.MustCompile(`(?i)\bON\s+FAIL\b`)
	aggregateRe = regexp.MustCompile(`(?i)^\s*AGGREGATE\b\s*`)

	keywordRes = map[string]*regexp.Regexp{
		"SOURCES":     regexp.MustCompile(`(?i)\bSOURCES\b`),
		"SINK":        regexp.MustCompile(`(?i)\bSINK\b`),
		"CONSTRAINT":  regexp.MustCompile(`(?i)\bCONSTRAINT\b`),
		"DESCRIPTION": regexp.MustCompile(`(?i)\bDESCRIPTION\b`),
	}
)

type keywordPos struct {
	start int
	end   int // end of the keyword itself, not its value
	word  string
}

// FromPolicyString parses a policy string and validates the resulting
// policy.
func FromPolicyString(policyStr string) (*DFCPolicy, error) {
	if strings.TrimSpace(policyStr) == "" {
		return nil, fmt.Errorf("Policy text is empty")
	}

	// Collapse all whitespace runs so value extraction can work with
	// plain offsets.
	normalized := wsRe.ReplaceAllString(strings.TrimSpace(policyStr), " ")

	aggregate := false
	if loc := aggregateRe.FindStringIndex(normalized); loc != nil {
		aggregate = true
		normalized = normalized[loc[1]:]
	}

	var positions []keywordPos
	for word, re := range keywordRes {
		for _, loc := range re.FindAllStringIndex(normalized, -1) {
			positions = append(positions, keywordPos{start: loc[0], end: loc[1], word: word})
		}
	}
	for _, loc := range onFailRe.FindAllStringIndex(normalized, -1) {
		positions = append(positions, keywordPos{start: loc[0], end: loc[1], word: "ON FAIL"})
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].start < positions[j].start })

	var (
		sources    []string
		sink       string
		constraint string
		onFail     Resolution
		descr      string

		haveConstraint bool
		haveOnFail     bool
	)

	for i, pos := range positions {
		valueEnd := len(normalized)
		if i+1 < len(positions) {
			valueEnd = positions[i+1].start
		}
		value := strings.TrimSpace(normalized[pos.end:valueEnd])

		switch pos.word {
		case "SOURCES":
			if value == "" || strings.EqualFold(value, "NONE") {
				sources = nil
				break
			}
			for _, item := range strings.Split(value, ",") {
				if item = strings.TrimSpace(item); item != "" {
					sources = append(sources, item)
				}
			}
		case "SINK":
			if value != "" && !strings.EqualFold(value, "NONE") {
				sink = value
			}
		case "CONSTRAINT":
			constraint = value
			haveConstraint = true
		case "ON FAIL":
			res, err := ParseResolution(value)
			if err != nil {
				return nil, fmt.Errorf("Invalid ON FAIL value '%s'. Must be 'REMOVE', 'KILL', or 'INVALIDATE'", value)
			}
			onFail = res
			haveOnFail = true
		case "DESCRIPTION":
			descr = value
		}
	}

	if !haveConstraint {
		return nil, fmt.Errorf("CONSTRAINT is required but not found in policy text")
	}
	if !haveOnFail {
		return nil, fmt.Errorf("ON FAIL is required but not found in policy text")
	}
	if len(sources) == 0 && sink == "" {
		return nil, fmt.Errorf("Either SOURCES or SINK must be provided")
	}

	return New(DFCPolicy{
		Sources:     sources,
		Sink:        sink,
		Constraint:  constraint,
		OnFail:      onFail,
		Description: descr,
		Aggregate:   aggregate,
	})
}
