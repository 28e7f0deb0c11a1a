package analysis

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/swmcc/indexatron/describer"
)

// ParseResponse parses the vision model's free-form text into a
// PhotoAnalysis. This is the only place model output is interpreted: any
// shape drift surfaces here as describer.ErrInvalidResponse, never as a
// scattered parse fault.
//
// A partial object counts as success as long as it carries a non-empty
// description; missing sections default to empty values and an out-of-range
// era confidence normalizes to "low".
func ParseResponse(response string) (*PhotoAnalysis, error) {
	jsonContent := extractJSON(strings.TrimSpace(response))

	var data map[string]any
	if err := json.Unmarshal([]byte(jsonContent), &data); err != nil {
		// Models frequently truncate output mid-object. Close the braces
		// and try once more.
		if err2 := json.Unmarshal([]byte(balanceBraces(jsonContent)), &data); err2 != nil {
			return nil, fmt.Errorf("%w: %v", describer.ErrInvalidResponse, err)
		}
	}

	desc, _ := data["description"].(string)
	if strings.TrimSpace(desc) == "" {
		return nil, fmt.Errorf("%w: missing description", describer.ErrInvalidResponse)
	}

	pa := &PhotoAnalysis{
		Description: desc,
		People:      parsePeople(data["people"]),
		Categories:  parseStringList(data["categories"]),
		Mood:        stringOr(data["mood"], ""),
		Colors:      parseStringList(data["colors"]),
		Objects:     parseStringList(data["objects"]),
	}

	if loc, ok := data["location"].(map[string]any); ok {
		pa.Location = &Location{
			Setting:  stringOr(loc["setting"], "unknown"),
			Type:     stringOr(loc["type"], "unknown"),
			Specific: stringOr(loc["specific"], ""),
		}
	}

	if era, ok := data["era"].(map[string]any); ok {
		pa.Era = &Era{
			Decade:     stringOr(era["decade"], "unknown"),
			Confidence: normalizeConfidence(stringOr(era["confidence"], ConfidenceLow)),
			Reasoning:  stringOr(era["reasoning"], ""),
		}
	}

	return pa, nil
}

// extractJSON pulls the JSON payload out of the response, stripping a
// markdown code fence if the model wrapped its answer in one.
func extractJSON(response string) string {
	const marker = "```"

	startIdx := strings.Index(response, marker)
	if startIdx == -1 {
		// No code block, take the outermost object directly.
		return outerObject(response)
	}

	endIdx := strings.Index(response[startIdx+len(marker):], marker)
	if endIdx == -1 {
		// Unterminated fence, likely truncated output. Take what follows
		// the opening fence.
		return outerObject(response[startIdx+len(marker):])
	}
	endIdx += startIdx + len(marker)

	content := response[startIdx+len(marker) : endIdx]

	// Remove the language identifier if present (e.g. "json")
	lines := strings.Split(strings.TrimSpace(content), "\n")
	if len(lines) > 0 && (strings.TrimSpace(lines[0]) == "json" || strings.TrimSpace(lines[0]) == "") {
		content = strings.Join(lines[1:], "\n")
	}

	return outerObject(strings.TrimSpace(content))
}

func outerObject(s string) string {
	start := strings.Index(s, "{")
	if start == -1 {
		return s
	}
	end := strings.LastIndex(s, "}")
	if end == -1 || end < start {
		return strings.TrimSpace(s[start:])
	}
	return strings.TrimSpace(s[start : end+1])
}

// balanceBraces closes unterminated objects in truncated JSON. Strings are
// skipped so braces inside values do not count.
func balanceBraces(s string) string {
	depth := 0
	lastComplete := 0
	inString := false
	escaped := false

	for i, ch := range s {
		if escaped {
			escaped = false
			continue
		}
		switch ch {
		case '\\':
			escaped = inString
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					lastComplete = i + 1
				}
			}
		}
	}

	if depth <= 0 {
		if lastComplete > 0 {
			return s[:lastComplete]
		}
		return s
	}

	s = strings.TrimRight(s, ",\n\t ")
	// A truncated string value also needs its closing quote.
	if inString {
		s += `"`
	}
	return s + strings.Repeat("}", depth)
}

func normalizeConfidence(c string) string {
	switch strings.ToLower(strings.TrimSpace(c)) {
	case ConfidenceLow, ConfidenceMedium, ConfidenceHigh:
		return strings.ToLower(strings.TrimSpace(c))
	default:
		return ConfidenceLow
	}
}

func stringOr(v any, def string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return def
}

// parseStringList copes with the model returning lists of strings, lists of
// objects, or a keyed object where a list was asked for.
func parseStringList(v any) []string {
	out := []string{}
	switch vv := v.(type) {
	case []any:
		for _, item := range vv {
			switch it := item.(type) {
			case string:
				out = append(out, it)
			case map[string]any:
				if s := stringOr(it["description"], stringOr(it["name"], "")); s != "" {
					out = append(out, s)
				} else {
					out = append(out, fmt.Sprint(it))
				}
			default:
				out = append(out, fmt.Sprint(it))
			}
		}
	case map[string]any:
		// Flatten keyed values in a stable order.
		keys := make([]string, 0, len(vv))
		for k := range vv {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			switch it := vv[k].(type) {
			case []any:
				for _, sub := range it {
					out = append(out, fmt.Sprint(sub))
				}
			default:
				out = append(out, fmt.Sprint(it))
			}
		}
	}
	return out
}

func parsePeople(v any) []Person {
	people := []Person{}
	list, ok := v.([]any)
	if !ok {
		return people
	}
	for _, item := range list {
		p, ok := item.(map[string]any)
		if !ok {
			continue
		}
		people = append(people, Person{
			Description:  stringOr(p["description"], "person"),
			EstimatedAge: stringOr(p["estimated_age"], ""),
			Position:     stringOr(p["position"], ""),
		})
	}
	return people
}
