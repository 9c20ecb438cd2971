// Package safety implements the two programmatic checks around a dialogue
// turn: advisory prompt-injection detection over student input, and content
// boundary enforcement over model output with a pedagogical exemption for
// debrief text.
//
// Both checks are pure functions over closed pattern tables. The tables are
// reviewed by the content team and are not configurable at runtime.
package safety

import (
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/pamoka-labs/triksteris/internal/cartridge"
)

// FallbackText is the fixed localised apology that replaces a redacted reply
// in the stored trickster exchange.
const FallbackText = "Atsiprašau, mano ankstesnis atsakymas buvo netinkamas. Grįžkime prie užduoties ir pabandykime kitaip."

// ─────────────────────────────────────────────────────────────────────────────
// Input validation
// ─────────────────────────────────────────────────────────────────────────────

// Injection pattern categories.
const (
	CategorySystemMarker = "system_marker"
	CategoryRoleSwitch   = "role_switch"
	CategoryJailbreak    = "jailbreak"
)

// DetectedPattern is one injection marker found in student input.
type DetectedPattern struct {
	// Pattern is the matched marker, lowercased.
	Pattern string

	// Category classifies the marker.
	Category string
}

// InputResult is the outcome of input validation. Advisory only: suspicious
// input is logged, never blocked or mutated.
type InputResult struct {
	IsSuspicious     bool
	PatternsDetected []DetectedPattern
}

// systemMarkers are matched anywhere in the text.
var systemMarkers = []string{
	"```system",
	"[system]",
	"<|im_start|>",
	"<|system|>",
	"### instruction",
	"### system",
}

// roleSwitchTokens are matched only at start-of-text or right after a
// newline, where a role header would actually sit.
var roleSwitchTokens = []string{
	"system:",
	"assistant:",
	"ai:",
	"user:",
	"sistema:",
}

// jailbreakPhrases are matched anywhere, case-insensitively. Mixed language:
// students write Lithuanian but copy-pasted jailbreaks are usually English.
var jailbreakPhrases = []string{
	"ignore previous instructions",
	"ignore all previous",
	"disregard your instructions",
	"you are now",
	"pretend you are",
	"act as if",
	"dan mode",
	"developer mode",
	"pamiršk visas instrukcijas",
	"ignoruok instrukcijas",
	"nebevaidink",
	"apsimesk, kad esi",
	"elkis taip, lyg",
}

// ValidateInput scans student input for prompt-injection markers. It never
// blocks: detections are returned for recording and logged with the task id.
func ValidateInput(text, taskID string) InputResult {
	lower := strings.ToLower(text)

	var detected []DetectedPattern
	for _, marker := range systemMarkers {
		if strings.Contains(lower, marker) {
			detected = append(detected, DetectedPattern{Pattern: marker, Category: CategorySystemMarker})
		}
	}
	for _, token := range roleSwitchTokens {
		if matchesAtLineStart(lower, token) {
			detected = append(detected, DetectedPattern{Pattern: token, Category: CategoryRoleSwitch})
		}
	}
	for _, phrase := range jailbreakPhrases {
		if strings.Contains(lower, phrase) {
			detected = append(detected, DetectedPattern{Pattern: phrase, Category: CategoryJailbreak})
		}
	}

	result := InputResult{
		IsSuspicious:     len(detected) > 0,
		PatternsDetected: detected,
	}
	if result.IsSuspicious {
		slog.Warn("suspicious student input",
			"task_id", taskID,
			"patterns", patternList(detected),
		)
	}
	return result
}

// matchesAtLineStart reports whether token appears at the start of text or
// immediately after a newline, ignoring leading spaces on the line.
func matchesAtLineStart(text, token string) bool {
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(strings.TrimLeft(line, " \t"), token) {
			return true
		}
	}
	return false
}

func patternList(detected []DetectedPattern) []string {
	out := make([]string, len(detected))
	for i, d := range detected {
		out[i] = d.Category + ":" + d.Pattern
	}
	return out
}

// ─────────────────────────────────────────────────────────────────────────────
// Output check
// ─────────────────────────────────────────────────────────────────────────────

// Violation describes why output failed the boundary check.
type Violation struct {
	// Boundary is the violated boundary category.
	Boundary string

	// MatchedPhrase is the blocklisted phrase that matched.
	MatchedPhrase string

	// FallbackText replaces the unsafe text in the stored exchange.
	FallbackText string
}

// OutputResult is the outcome of the output boundary check.
type OutputResult struct {
	IsSafe    bool
	Violation *Violation
}

// boundaryBlocklists maps boundary categories to localised forbidden phrases.
// Matching is case-folded substring; first match in iteration order wins.
var boundaryBlocklists = map[string][]string{
	"self_harm": {
		"susižalok",
		"žalok save",
		"nusižudy",
		"savižudyb",
		"pakenk sau",
		"baik savo gyvenimą",
	},
	"violence": {
		"sumušk",
		"užpulk jį",
		"panaudok smurtą",
		"sužalok jį",
		"sužalok ją",
		"atkeršyk jėga",
	},
	"sexual_content": {
		"intymias nuotraukas",
		"nuogas nuotraukas",
		"seksualinį turinį",
		"atsiųsk savo kūno",
	},
	"hate_speech": {
		"jie visi nepilnaverčiai",
		"ta tauta yra prastesnė",
		"nekęsk jų visų",
		"jie nenusipelno gyventi",
	},
	"real_radicalization": {
		"prisijunk prie mūsų kovos",
		"ginkluota kova",
		"tikrą ekstremist",
		"radikalų judėjimą",
	},
}

// pedagogicalMarkers exempt a debrief match when one appears near it. The
// Trickster legitimately names harmful techniques while explaining them.
var pedagogicalMarkers = []string{
	"technika",
	"techniką",
	"technikos",
	"manipuliacij",
	"šališkum",
	"spaudim",
	"triuk",
	"aš naudojau",
	"aš panaudojau",
	"naudojau prieš tave",
	"atskleidžiau",
	"atskleidžiu",
	"pamoka",
	"mokymosi tikslais",
}

// markerWindow is the rune window centred on a match within which a
// pedagogical marker must appear for the debrief exemption to apply. Counted
// in runes, not bytes, so Lithuanian diacritics do not shrink the window.
const markerWindow = 200

// CheckOutput tests model output against the cartridge's enabled boundaries.
// An empty boundary set is always safe. Unknown boundary categories are
// logged and skipped. When isDebrief is true, a match with a pedagogical
// marker nearby is exempted.
func CheckOutput(text string, cfg cartridge.SafetyConfig, isDebrief bool) OutputResult {
	if len(cfg.Boundaries) == 0 {
		return OutputResult{IsSafe: true}
	}
	lower := strings.ToLower(text)

	for _, boundary := range cfg.Boundaries {
		blocklist, ok := boundaryBlocklists[boundary]
		if !ok {
			slog.Warn("unknown safety boundary, skipping", "boundary", boundary)
			continue
		}
		for _, phrase := range blocklist {
			idx := strings.Index(lower, phrase)
			if idx < 0 {
				continue
			}
			if isDebrief && hasNearbyMarker(lower, idx, len(phrase)) {
				continue
			}
			return OutputResult{
				IsSafe: false,
				Violation: &Violation{
					Boundary:      boundary,
					MatchedPhrase: phrase,
					FallbackText:  FallbackText,
				},
			}
		}
	}
	return OutputResult{IsSafe: true}
}

// hasNearbyMarker reports whether a pedagogical marker appears within
// [markerWindow] runes centred on the match. Conservative: the marker must be
// near the match, not merely anywhere in the text.
func hasNearbyMarker(lower string, matchIdx, matchLen int) bool {
	start := matchIdx
	for n := 0; n < markerWindow/2 && start > 0; n++ {
		_, size := utf8.DecodeLastRuneInString(lower[:start])
		start -= size
	}
	end := matchIdx + matchLen
	for n := 0; n < markerWindow/2 && end < len(lower); n++ {
		_, size := utf8.DecodeRuneInString(lower[end:])
		end += size
	}
	window := lower[start:end]

	for _, marker := range pedagogicalMarkers {
		if strings.Contains(window, marker) {
			return true
		}
	}
	return false
}
