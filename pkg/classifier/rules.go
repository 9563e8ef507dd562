package classifier

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/leadflow/leadflow/pkg/engine"
)

// Draft purposes understood by the built-in models.
const (
	PurposeAnswerQuestion = "answer_question"
	PurposeClarify        = "clarify"
)

// Confidence levels assigned by RuleModel.
const (
	confidenceStop        = 0.99
	confidenceSlotPick    = 0.95
	confidenceAffirmative = 0.9
	confidenceKeyword     = 0.85
	confidenceQuestion    = 0.75
	confidenceUnknown     = 0.3
)

var (
	// Whole-message opt-out keywords (carrier convention).
	stopKeywords = map[string]bool{
		"stop": true, "stopall": true, "stop all": true, "unsubscribe": true,
		"cancel": true, "end": true, "quit": true, "optout": true, "opt out": true, "revoke": true,
	}

	// Opt-out phrases matched anywhere in the message.
	stopPhrases = []string{
		"stop", "unsubscribe", "opt out", "opt-out", "remove me", "take me off",
		"do not contact", "don't contact", "dont contact", "do not text", "don't text",
		"dont text", "stop texting", "stop messaging", "leave me alone", "lose my number",
	}

	reschedulePhrases = []string{
		"reschedule", "re-schedule", "different time", "another time", "other time",
		"change my appointment", "change the time", "change the appointment", "move my appointment",
		"can't make it", "cant make it", "cannot make it", "won't make it", "different day", "another day",
	}

	confirmPhrases = []string{
		"confirm", "book it", "that works", "works for me", "sounds good", "see you then",
		"first one", "the first", "perfect", "lock it in",
	}

	affirmatives = map[string]bool{
		"yes": true, "y": true, "yeah": true, "yea": true, "yep": true, "yup": true, "sure": true,
		"ok": true, "okay": true, "k": true, "absolutely": true, "definitely": true, "of course": true,
		"interested": true, "im interested": true, "i am interested": true, "yes please": true,
		"sounds great": true, "lets do it": true, "let's do it": true, "please": true,
	}

	negatives = map[string]bool{
		"no": true, "n": true, "nope": true, "nah": true, "no thanks": true, "no thank you": true,
		"not interested": true, "not now": true, "not right now": true, "maybe later": true,
		"not at this time": true, "im busy": true, "busy": true, "later": true, "pass": true,
	}

	questionStarters = []string{
		"what", "when", "where", "how", "who", "why", "which", "can", "could", "would",
		"is", "are", "do", "does", "will", "should",
	}

	slotPick = regexp.MustCompile(`^(?:#|option\s*|slot\s*|number\s*)?([1-5])[.!)]?$`)

	weekdays = []string{"monday", "tuesday", "wednesday", "thursday", "friday", "saturday", "sunday"}
	dayParts = []string{"morning", "afternoon", "evening", "noon"}
)

// RuleModel classifies messages with keyword rules and drafts fixed replies.
// It is deterministic and has no external dependencies.
type RuleModel struct{}

var _ engine.LanguageModel = RuleModel{}

// NewRuleModel creates a keyword-rule model.
func NewRuleModel() RuleModel { return RuleModel{} }

func (RuleModel) Name() string { return "rules" }

// Classify maps text to an intent. Rules are checked in priority order:
// opt-out, bare slot number, reschedule, confirmation, short affirmative,
// short negative, question.
func (RuleModel) Classify(_ context.Context, text string) (engine.MessageClassification, error) {
	return classifyRules(text), nil
}

func classifyRules(text string) engine.MessageClassification {
	lower := strings.ToLower(strings.TrimSpace(text))
	norm := normalize(lower)

	result := engine.MessageClassification{Intent: engine.IntentUnknown, Confidence: confidenceUnknown}
	extract := func() {
		result.Extracted.PreferredDay = firstContained(lower, weekdays)
		result.Extracted.PreferredTime = firstContained(lower, dayParts)
	}

	switch {
	case norm == "":
		return result
	case stopKeywords[norm] || containsAny(lower, stopPhrases):
		result.Intent, result.Confidence = engine.IntentStop, confidenceStop
	case slotPick.MatchString(strings.TrimSpace(lower)):
		m := slotPick.FindStringSubmatch(strings.TrimSpace(lower))
		n, _ := strconv.Atoi(m[1])
		result.Intent, result.Confidence = engine.IntentConfirm, confidenceSlotPick
		result.Extracted.PreferredSlot = n
	case containsAny(lower, reschedulePhrases):
		result.Intent, result.Confidence = engine.IntentReschedule, confidenceKeyword
		extract()
	case containsAny(lower, confirmPhrases):
		result.Intent, result.Confidence = engine.IntentConfirm, confidenceKeyword
	case isShortAffirmative(norm):
		result.Intent, result.Confidence = engine.IntentInterested, confidenceAffirmative
		extract()
	case isShortNegative(norm):
		result.Intent, result.Confidence = engine.IntentNotNow, confidenceKeyword
		result.Extracted.Reason = strings.TrimSpace(text)
	case isQuestion(lower, norm):
		result.Intent, result.Confidence = engine.IntentQuestion, confidenceQuestion
	}
	return result
}

// Draft renders a fixed reply for the purpose.
func (RuleModel) Draft(_ context.Context, dc engine.DraftContext) (string, error) {
	name := dc.LeadName
	if name == "" {
		name = "there"
	}
	switch dc.Purpose {
	case PurposeAnswerQuestion:
		return fmt.Sprintf("Thanks for your question, %s! A member of our team will follow up with details shortly. "+
			"Reply YES if you'd like to set up a time to talk.", name), nil
	default:
		return fmt.Sprintf("Thanks for your message, %s! Reply YES to set up a time to talk, "+
			"or STOP to opt out of messages.", name), nil
	}
}

func isShortAffirmative(norm string) bool {
	if affirmatives[norm] {
		return true
	}
	words := strings.Fields(norm)
	if len(words) == 0 || len(words) > 6 {
		return false
	}
	switch words[0] {
	case "yes", "yeah", "yep", "yup", "sure", "absolutely", "definitely":
		return true
	}
	return false
}

func isShortNegative(norm string) bool {
	if negatives[norm] {
		return true
	}
	words := strings.Fields(norm)
	if len(words) == 0 || len(words) > 6 {
		return false
	}
	switch words[0] {
	case "no", "nope", "nah":
		return true
	}
	return strings.HasPrefix(norm, "not interested") || strings.HasPrefix(norm, "not right now")
}

func isQuestion(lower, norm string) bool {
	if strings.Contains(lower, "?") {
		return true
	}
	words := strings.Fields(norm)
	if len(words) < 2 {
		return false
	}
	for _, q := range questionStarters {
		if words[0] == q {
			return true
		}
	}
	return false
}

// normalize lowercases, drops punctuation other than apostrophes, and
// collapses whitespace.
func normalize(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '\'':
			b.WriteRune(r)
		case unicode.IsSpace(r), r == '-', r == ',', r == '.', r == '!', r == '?':
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

func containsAny(s string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

func firstContained(s string, words []string) string {
	for _, w := range words {
		if strings.Contains(s, w) {
			return w
		}
	}
	return ""
}
