package tgui

import "unicode/utf8"

// ParseModeHTML is the Bot API parse mode for H values.
const ParseModeHTML = "HTML"

// MaxMessageRunes is Telegram's text message limit.
const MaxMessageRunes = 4096

// TruncRunes returns s truncated to at most n runes.
// It appends an ellipsis "…" when truncated.
func TruncRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	// Single pass: remember the byte index after the n-th rune and cut
	// there if an (n+1)-th rune exists.
	count := 0
	cut := 0
	for i, r := range s {
		count++
		if count == n {
			cut = i + utf8.RuneLen(r)
			continue
		}
		if count > n {
			if cut <= 0 {
				cut = i
			}
			return s[:cut] + "…"
		}
	}
	return s
}
