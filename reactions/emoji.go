package reactions

import "sort"

// allowed is the fixed set of emoji an operator or the automation may attach.
var allowed = map[string]struct{}{
	"👍":  {},
	"❤️": {},
	"😂":  {},
	"😮":  {},
	"😢":  {},
	"🙏":  {},
}

// Allowed reports whether emoji belongs to the allowed set.
func Allowed(emoji string) bool {
	_, ok := allowed[emoji]
	return ok
}

// AllowedEmoji returns the allowed set in a stable order.
func AllowedEmoji() []string {
	out := make([]string, 0, len(allowed))
	for e := range allowed {
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}
