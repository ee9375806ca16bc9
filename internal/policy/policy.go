// Package policy решает, отвечать ли на сообщение, и оценивает уверенность в ответе.
package policy

import (
	"math"
	"regexp"
	"strings"
	"unicode/utf8"

	"waassist/internal/conversation"
	"waassist/internal/normalize"
	"waassist/internal/prompt"
)

const (
	DefaultThreshold = 0.8
	DefaultSelfID    = "self"
	MaxQuestions     = 3

	// EmptyReplyConfidence потолок уверенности для подставленного подтверждения.
	EmptyReplyConfidence = 0.4
)

// DefaultAliases имена, на которые ассистент реагирует в группах.
var DefaultAliases = []string{"jason"}

// Reason объясняет принятое решение.
type Reason string

const (
	ReasonOwnMessage      Reason = "own message"
	ReasonAIDisabled      Reason = "ai disabled for chat"
	ReasonLowConfidence   Reason = "confidence below threshold"
	ReasonMentioned       Reason = "assistant mentioned"
	ReasonGroupQuestion   Reason = "question in group"
	ReasonHelpRequested   Reason = "help requested"
	ReasonNotAddressed    Reason = "group message not addressed to assistant"
	ReasonDirectMessage   Reason = "direct message"
	ReasonEmptyAck        Reason = "empty reply replaced with acknowledgment"
	ReasonEmptySuppressed Reason = "empty reply suppressed in group"
)

var helpRe = regexp.MustCompile(`\b(help|assist|support)`)

// Input данные для решения об ответе.
type Input struct {
	Message    conversation.Message
	IsGroup    bool
	AIEnabled  bool
	Confidence float64
}

// Decision итог работы Decide.
type Decision struct {
	Text        string
	ShouldReply bool
	Confidence  float64
	Reason      Reason
}

// Policy правила автоответа.
type Policy struct {
	threshold float64
	aliases   []string
	selfID    string
}

// New создаёт политику. Пустые aliases и selfID заменяются значениями по умолчанию.
func New(threshold float64, aliases []string, selfID string) *Policy {
	normalized := make([]string, 0, len(aliases))
	for _, a := range aliases {
		if a = strings.ToLower(strings.TrimSpace(a)); a != "" {
			normalized = append(normalized, a)
		}
	}
	if len(normalized) == 0 {
		normalized = append(normalized, DefaultAliases...)
	}
	if strings.TrimSpace(selfID) == "" {
		selfID = DefaultSelfID
	}
	return &Policy{
		threshold: math.Max(0, math.Min(1, threshold)),
		aliases:   normalized,
		selfID:    selfID,
	}
}

// Threshold порог уверенности.
func (p *Policy) Threshold() float64 {
	return p.threshold
}

// ShouldReply проверяет правила по порядку; первая неудачная проверка даёт false.
func (p *Policy) ShouldReply(in Input) (bool, Reason) {
	if in.Message.SenderID == p.selfID {
		return false, ReasonOwnMessage
	}
	if !in.AIEnabled {
		return false, ReasonAIDisabled
	}
	if in.Confidence < p.threshold {
		return false, ReasonLowConfidence
	}
	if !in.IsGroup {
		return true, ReasonDirectMessage
	}

	text := strings.ToLower(in.Message.Text)
	for _, alias := range p.aliases {
		if strings.Contains(text, alias) {
			return true, ReasonMentioned
		}
	}
	if prompt.IsQuestion(text) {
		return true, ReasonGroupQuestion
	}
	if helpRe.MatchString(text) {
		return true, ReasonHelpRequested
	}
	return false, ReasonNotAddressed
}

// Decide считает уверенность для очищенного ответа и принимает решение.
// Пустой ответ в личном чате заменяется подтверждением, в группе подавляется.
func (p *Policy) Decide(in Input, clean string) Decision {
	if normalize.IsEmpty(clean) {
		d := Decision{
			Text:       normalize.Fallback,
			Confidence: math.Min(Confidence(normalize.Fallback, in.Message.Text), EmptyReplyConfidence),
		}
		switch {
		case in.Message.SenderID == p.selfID:
			d.Reason = ReasonOwnMessage
		case !in.AIEnabled:
			d.Reason = ReasonAIDisabled
		case in.IsGroup:
			d.Reason = ReasonEmptySuppressed
		default:
			d.ShouldReply = true
			d.Reason = ReasonEmptyAck
		}
		return d
	}

	in.Confidence = Confidence(clean, in.Message.Text)
	ok, reason := p.ShouldReply(in)
	return Decision{
		Text:        clean,
		ShouldReply: ok,
		Confidence:  in.Confidence,
		Reason:      reason,
	}
}

var tokenRe = regexp.MustCompile(`[\p{L}\p{N}]+`)

// Confidence эвристическая оценка ответа в диапазоне [0, 1].
func Confidence(response, inbound string) float64 {
	response = strings.TrimSpace(response)
	if response == "" {
		return 0
	}

	score := 0.75
	switch n := utf8.RuneCountInString(response); {
	case n > 50:
		score += 0.08
	case n < 10:
		score -= 0.25
	}

	if in := tokens(inbound); len(in) > 0 {
		out := tokens(response)
		shared := 0
		for tok := range in {
			if _, ok := out[tok]; ok {
				shared++
			}
		}
		if float64(shared)/float64(len(in)) >= 0.1 {
			score += 0.07
		}
	}

	if strings.Contains(inbound, "?") && strings.Contains(response, "?") {
		score += 0.03
	}

	return math.Max(0, math.Min(1, score))
}

func tokens(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, tok := range tokenRe.FindAllString(strings.ToLower(s), -1) {
		out[tok] = struct{}{}
	}
	return out
}

// ExtractQuestions возвращает до трёх строк ответа, которые являются вопросами.
func ExtractQuestions(text string, enabled bool) []string {
	if !enabled {
		return nil
	}
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasSuffix(line, "?") || !prompt.HasQuestionWord(line) {
			continue
		}
		out = append(out, line)
		if len(out) == MaxQuestions {
			break
		}
	}
	return out
}
