package tools

import (
	"encoding/json"
	"regexp"
	"strings"
)

// IntentRule maps a natural-language phrasing onto a tool call. Rules are
// the last resort of the parser and run once over the whole text.
type IntentRule interface {
	Match(text string) (ParsedCall, bool)
}

// DefaultIntents returns the built-in rules.
func DefaultIntents() []IntentRule {
	return []IntentRule{TimeIntent{Tool: TimeToolName}}
}

var timeQuestion = regexp.MustCompile(`(?i)\bwhat(?:'s|\s+is)?\s+(?:the\s+)?(?:current\s+)?time\b(?:\s+is\s+it)?(?:\s+(?:right\s+)?now)?(?:\s+(?:in|at)\s+([\p{L}][\p{L} .'-]*))?`)

// zoneAliases normalises common place names to IANA zone identifiers.
var zoneAliases = map[string]string{
	"tokyo":         "Asia/Tokyo",
	"japan":         "Asia/Tokyo",
	"beijing":       "Asia/Shanghai",
	"shanghai":      "Asia/Shanghai",
	"china":         "Asia/Shanghai",
	"hong kong":     "Asia/Hong_Kong",
	"singapore":     "Asia/Singapore",
	"seoul":         "Asia/Seoul",
	"mumbai":        "Asia/Kolkata",
	"india":         "Asia/Kolkata",
	"dubai":         "Asia/Dubai",
	"london":        "Europe/London",
	"uk":            "Europe/London",
	"paris":         "Europe/Paris",
	"berlin":        "Europe/Berlin",
	"madrid":        "Europe/Madrid",
	"rome":          "Europe/Rome",
	"moscow":        "Europe/Moscow",
	"new york":      "America/New_York",
	"nyc":           "America/New_York",
	"chicago":       "America/Chicago",
	"denver":        "America/Denver",
	"los angeles":   "America/Los_Angeles",
	"san francisco": "America/Los_Angeles",
	"la":            "America/Los_Angeles",
	"toronto":       "America/Toronto",
	"sao paulo":     "America/Sao_Paulo",
	"mexico city":   "America/Mexico_City",
	"sydney":        "Australia/Sydney",
	"melbourne":     "Australia/Melbourne",
	"auckland":      "Pacific/Auckland",
	"utc":           "UTC",
	"gmt":           "UTC",
}

// NormalizeZone maps a free-text location to a zone identifier, falling back
// to the trimmed input when the location is not in the table.
func NormalizeZone(location string) string {
	loc := strings.TrimSpace(strings.Trim(location, ".?!,'\" "))
	for _, suffix := range []string{" right now", " now", " today"} {
		if strings.HasSuffix(strings.ToLower(loc), suffix) {
			loc = strings.TrimSpace(loc[:len(loc)-len(suffix)])
		}
	}
	if z, ok := zoneAliases[strings.ToLower(loc)]; ok {
		return z
	}
	return loc
}

// TimeIntent recognises "what time is it in <place>" questions.
type TimeIntent struct {
	Tool string
}

func (r TimeIntent) Match(text string) (ParsedCall, bool) {
	m := timeQuestion.FindStringSubmatch(text)
	if m == nil {
		return ParsedCall{}, false
	}
	args := map[string]string{}
	if place := strings.TrimSpace(m[1]); place != "" {
		args["timezone"] = NormalizeZone(place)
	}
	raw, _ := json.Marshal(args)
	return ParsedCall{Name: r.Tool, Arguments: raw}, true
}
