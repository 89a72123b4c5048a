package protocol

import "strings"

// ParseCommand splits chat text of the form "@token argument". The token is
// lower-cased. ok is false when the text does not start with '@' or has no
// argument.
func ParseCommand(text string) (command, argument string, ok bool) {
	if !strings.HasPrefix(text, "@") {
		return "", "", false
	}
	parts := strings.SplitN(text, " ", 2)
	if len(parts) < 2 {
		return "", "", false
	}
	return strings.ToLower(parts[0]), parts[1], true
}
