// Package safety screens prompt text before anything is sent to the
// diffusion backend.
package safety

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"
)

type Severity string

const (
	SeverityNone     Severity = "none"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Verdict is the outcome of screening one text. Medium severity matches are
// allowed and reported in Warnings.
type Verdict struct {
	Allowed  bool
	Severity Severity
	Reasons  []string
	Warnings []string
	Message  string
}

var criticalTerms = []string{
	"underage", "loli", "lolicon", "shota", "shotacon", "child porn", "teen sex", "teenage sex",
	"preteen", "jailbait", "barely legal",
	"rape", "raped", "rapist", "forced sex", "non-consensual", "non consensual",
	"bestiality", "animal sex", "zoophilia",
	"incest", "incestuous", "family sex",
}

// minorTerms are critical only next to sexualTerms, so "baby blue dress" or
// "minor scratches" pass
var minorTerms = []string{
	"child", "children", "minor", "minors", "kid", "kids", "baby", "infant", "toddler",
	"teen", "teens", "teenage", "young girl", "young boy", "schoolgirl", "schoolboy",
}

var sexualTerms = []string{
	"sex", "sexual", "sexy", "naked", "nude", "nudity", "porn", "erotic", "intimate",
	"aroused", "orgasm", "masturbation", "lingerie", "nsfw", "topless",
}

// agePattern matches stated ages under 18, e.g. "15 years old" or "12yo"
var agePattern = regexp.MustCompile(`\b(?:1[0-7]|[0-9])\s*(?:years?\s*old|y\.?o\b)`)

var highTerms = []string{
	"kill", "killing", "murder", "murdered", "torture", "tortured", "gore", "gory",
	"snuff", "cannibalism", "cannibal", "necrophilia", "self-mutilation", "mutilation",
	"dismember", "decapitation", "beheading", "suicide", "self-harm", "self harm",
	"kidnap", "kidnapped", "abduction",
}

var mediumTerms = []string{
	"nazi", "hitler", "kkk", "white power", "racist", "slavery",
	"cocaine", "heroin", "methamphetamine", "fentanyl", "overdose",
	"terrorism", "terrorist", "bomb",
	"vomit", "feces", "excrement",
	"ignore previous", "ignore instructions", "system prompt", "jailbreak",
}

// KeywordChecker matches whole words and phrases, case insensitively, against
// three severity tiers. Critical and high matches block, medium matches only
// warn. The highest matching tier is reported as the severity.
type KeywordChecker struct {
	tiers  []tier
	minors *regexp.Regexp
	sexual *regexp.Regexp
	logger *zap.Logger
}

type tier struct {
	severity Severity
	pattern  *regexp.Regexp
}

func compileTerms(terms []string) *regexp.Regexp {
	quoted := make([]string, 0, len(terms))
	for _, t := range terms {
		quoted = append(quoted, regexp.QuoteMeta(strings.ToLower(t)))
	}
	// longest first so phrases win over their prefixes
	sort.Slice(quoted, func(i, j int) bool { return len(quoted[i]) > len(quoted[j]) })
	return regexp.MustCompile(`\b(?:` + strings.Join(quoted, "|") + `)\b`)
}

// NewKeywordChecker builds a checker using the built in term lists plus any
// extra terms, which are treated as high severity.
func NewKeywordChecker(logger *zap.Logger, extra ...string) *KeywordChecker {
	high := append(append([]string{}, highTerms...), extra...)
	return &KeywordChecker{
		tiers: []tier{
			{SeverityCritical, compileTerms(criticalTerms)},
			{SeverityHigh, compileTerms(high)},
			{SeverityMedium, compileTerms(mediumTerms)},
		},
		minors: compileTerms(minorTerms),
		sexual: compileTerms(sexualTerms),
		logger: logger.Named("safety"),
	}
}

func (k *KeywordChecker) Check(ctx context.Context, text string) (Verdict, error) {
	if err := ctx.Err(); err != nil {
		return Verdict{}, err
	}
	lower := strings.ToLower(text)

	verdict := Verdict{Allowed: true, Severity: SeverityNone}
	seen := make(map[string]bool)
	record := func(sev Severity, term string) {
		if seen[term] {
			return
		}
		seen[term] = true
		if sev == SeverityMedium {
			verdict.Warnings = append(verdict.Warnings, term)
		} else {
			verdict.Reasons = append(verdict.Reasons, term)
			verdict.Allowed = false
		}
		if rank(sev) > rank(verdict.Severity) {
			verdict.Severity = sev
		}
	}

	if sexual := k.sexual.FindAllString(lower, -1); len(sexual) > 0 {
		minors := k.minors.FindAllString(lower, -1)
		minors = append(minors, agePattern.FindAllString(lower, -1)...)
		if len(minors) > 0 {
			for _, m := range append(minors, sexual...) {
				record(SeverityCritical, m)
			}
		}
	}
	for _, t := range k.tiers {
		for _, m := range t.pattern.FindAllString(lower, -1) {
			record(t.severity, m)
		}
	}

	switch {
	case !verdict.Allowed:
		verdict.Message = message(verdict)
		k.logger.Warn("Prompt blocked",
			zap.String("severity", string(verdict.Severity)),
			zap.Strings("reasons", verdict.Reasons))
	case len(verdict.Warnings) > 0:
		verdict.Message = fmt.Sprintf("sensitive words: %s", strings.Join(verdict.Warnings, ", "))
	}
	return verdict, nil
}

func rank(s Severity) int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	}
	return 0
}

func message(v Verdict) string {
	terms := strings.Join(v.Reasons, ", ")
	if v.Severity == SeverityCritical {
		return fmt.Sprintf("prohibited content: %s", terms)
	}
	return fmt.Sprintf("highly inappropriate content: %s", terms)
}
