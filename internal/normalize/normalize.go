// Package normalize очищает сырой текст модели до готового к отправке ответа.
package normalize

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"waassist/internal/prompt"
)

// Fallback минимальный ответ, который возвращается вместо пустого текста.
const Fallback = "Got it."

// minRunes минимальная длина ответа, ниже которой подставляется Fallback.
const minRunes = 2

var (
	fenceRe      = regexp.MustCompile("(?s)^```(?:[A-Za-z0-9_+.-]*[ \\t]*\\n)?(.*?)\\n?[ \\t]*```$")
	blankLinesRe = regexp.MustCompile(`\n[ \t]*\n(?:[ \t]*\n)+`)
)

// Text нормализует ответ модели и никогда не возвращает пустую строку.
// Text(Text(x)) == Text(x).
func Text(raw string) string {
	out := Clean(raw)
	if IsEmpty(out) {
		return Fallback
	}
	return out
}

// Clean повторяет Strip до неподвижной точки. Результат может быть пустым.
// Каждый проход не увеличивает длину строки, так что цикл конечен.
func Clean(raw string) string {
	out := Strip(raw)
	for {
		next := Strip(out)
		if next == out {
			return out
		}
		out = next
	}
}

// IsEmpty сообщает, что очищенный текст слишком короткий для ответа.
func IsEmpty(clean string) bool {
	return utf8.RuneCountInString(clean) < minRunes
}

// Strip выполняет один проход очистки. Может вернуть пустую строку.
func Strip(raw string) string {
	s := strings.TrimSpace(raw)

	// 1. Ответ целиком обёрнут в блок кода.
	if m := fenceRe.FindStringSubmatch(s); m != nil {
		s = strings.TrimSpace(m[1])
	}

	// 2. Ответ является одним строковым литералом.
	s = unquote(s)

	// 3. Переводы строк.
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = strings.TrimSpace(s)

	// 4. Пустой литерал.
	if s == `""` || s == `''` {
		s = ""
	}

	// 5. Модель повторила заголовки шаблона.
	s = cutAtMarker(s, prompt.ArtifactMarkers())

	// 6. Ведущие не-словесные символы.
	s = strings.TrimLeftFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})

	// 7. Три и более пустых строки подряд.
	s = blankLinesRe.ReplaceAllString(s, "\n\n")

	return strings.TrimSpace(s)
}

func unquote(s string) string {
	if len(s) < 2 {
		return s
	}
	switch {
	case s[0] == '"' && s[len(s)-1] == '"':
		if v, err := strconv.Unquote(s); err == nil {
			return v
		}
	case s[0] == '\'' && s[len(s)-1] == '\'':
		inner := s[1 : len(s)-1]
		if !strings.ContainsRune(inner, '\'') {
			return inner
		}
	}
	return s
}

func cutAtMarker(s string, markers []string) string {
	for _, marker := range markers {
		if idx := strings.Index(s, marker); idx >= 0 {
			return s[:idx]
		}
	}
	return s
}
