package telegram

import (
	"strings"
	"unicode"

	"tg-mailing-bot/internal/domain"
)

// MessageLimit задаёт максимальную длину текстового сообщения в символах.
const MessageLimit = domain.MaxTextLength

// SplitMessage разбивает текст на части по лимиту сообщения.
func SplitMessage(text string) []string {
	return SplitText(text, MessageLimit)
}

// SplitText разбивает текст на части не длиннее limit символов. Разрез ищется
// сначала на границе абзаца, затем строки, затем слова; если ничего не нашлось,
// текст режется по лимиту.
func SplitText(text string, limit int) []string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}
	runes := []rune(trimmed)
	if limit <= 0 || len(runes) <= limit {
		return []string{trimmed}
	}

	var parts []string
	for len(runes) > 0 {
		if len(runes) <= limit {
			parts = appendChunk(parts, runes)
			break
		}
		cut := cutPoint(runes[:limit+1])
		parts = appendChunk(parts, runes[:cut])
		runes = trimLeftSpace(runes[cut:])
	}
	return parts
}

// cutPoint возвращает длину первой части; окно длиннее лимита на один символ.
func cutPoint(window []rune) int {
	limit := len(window) - 1
	for i := limit; i > 1; i-- {
		if window[i] == '\n' && window[i-1] == '\n' {
			return i - 1
		}
	}
	for _, sep := range []rune{'\n', ' '} {
		for i := limit; i > 0; i-- {
			if window[i] == sep {
				return i
			}
		}
	}
	return limit
}

func appendChunk(parts []string, chunk []rune) []string {
	if s := strings.TrimRightFunc(string(chunk), unicode.IsSpace); s != "" {
		return append(parts, s)
	}
	return parts
}

func trimLeftSpace(runes []rune) []rune {
	for len(runes) > 0 && unicode.IsSpace(runes[0]) {
		runes = runes[1:]
	}
	return runes
}
