package sharing

import (
	"regexp"
	"strings"
)

// handlePattern is the allowed X username shape.
var handlePattern = regexp.MustCompile(`^[A-Za-z0-9_]{1,15}$`)

// composeText builds the outgoing post text. The attribution line always
// appears; the comment is prepended only when present.
func composeText(comment, attribution string) string {
	line := "Generation by " + attribution
	if comment == "" {
		return line
	}
	return comment + "\n\n" + line
}

// twitterHandle normalizes a stored handle into "@name". It accepts a bare
// name, an "@name", or a profile URL, and falls back to fallback when the
// value cannot be reduced to a valid username.
func twitterHandle(raw, fallback string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return fallback
	}
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	if strings.Contains(s, "/") {
		parts := strings.Split(s, "/")
		s = ""
		for i := len(parts) - 1; i >= 0; i-- {
			if p := strings.TrimSpace(parts[i]); p != "" {
				s = p
				break
			}
		}
	}
	if i := strings.IndexAny(s, "?#"); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimPrefix(s, "@")
	if !handlePattern.MatchString(s) {
		return fallback
	}
	return "@" + s
}

// elidedComment reports whether the reactor's reply means "no comment".
func elidedComment(comment string) bool {
	switch strings.ToLower(strings.TrimSpace(comment)) {
	case "n", "no":
		return true
	}
	return false
}

// affirmative reports whether a consent reply grants permission.
func affirmative(reply string) bool {
	switch strings.ToLower(strings.TrimSpace(reply)) {
	case "yes", "y", "allow", "ok", "sure":
		return true
	}
	return false
}

// parseVerdict interprets a moderation reply of the form "yes|reason" or
// "no|reason". ok is false when the reply matches neither.
func parseVerdict(out string) (allowed bool, reason string, ok bool) {
	s := strings.TrimSpace(out)
	verdict, rest, _ := strings.Cut(s, "|")
	verdict = strings.ToLower(strings.TrimSpace(verdict))
	reason = strings.TrimSpace(rest)
	switch verdict {
	case "yes":
		return true, reason, true
	case "no":
		return false, reason, true
	}
	return false, "", false
}
