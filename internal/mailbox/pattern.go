package mailbox

import "strings"

// CanonicalPattern combines a LIST reference and pattern into one canonical
// pattern. A pattern starting with the delimiter is absolute and discards
// the reference.
func CanonicalPattern(reference, pattern, delimiter string) string {
	if strings.HasPrefix(pattern, delimiter) {
		return pattern
	}
	if reference == "" {
		return pattern
	}
	if !strings.HasSuffix(reference, delimiter) {
		return reference + delimiter + pattern
	}
	return reference + pattern
}

// MatchPattern reports whether a mailbox name matches a canonical pattern.
// "*" matches any characters; "%" matches any characters except the
// hierarchy delimiter. INBOX compares case-insensitively.
func MatchPattern(name, pattern, delimiter string) bool {
	if IsInbox(name) {
		name = Inbox
	}
	if IsInbox(pattern) {
		pattern = Inbox
	}
	return matchWildcard(name, pattern, delimiter, 0, 0)
}

func matchWildcard(name, pattern, delimiter string, namePos, patPos int) bool {
	for patPos < len(pattern) {
		switch pattern[patPos] {
		case '*':
			patPos++
			if patPos >= len(pattern) {
				return true
			}
			if matchWildcard(name, pattern, delimiter, namePos, patPos) {
				return true
			}
			for namePos < len(name) {
				namePos++
				if matchWildcard(name, pattern, delimiter, namePos, patPos) {
					return true
				}
			}
			return false

		case '%':
			patPos++
			if patPos >= len(pattern) {
				return !strings.Contains(name[namePos:], delimiter)
			}
			if matchWildcard(name, pattern, delimiter, namePos, patPos) {
				return true
			}
			for namePos < len(name) && !strings.HasPrefix(name[namePos:], delimiter) {
				namePos++
				if matchWildcard(name, pattern, delimiter, namePos, patPos) {
					return true
				}
			}
			return false

		default:
			if namePos >= len(name) || name[namePos] != pattern[patPos] {
				return false
			}
			namePos++
			patPos++
		}
	}
	return namePos >= len(name)
}

// FilterNames returns the names matching reference and pattern, preserving
// input order.
func FilterNames(names []string, reference, pattern, delimiter string) []string {
	canonical := CanonicalPattern(reference, pattern, delimiter)
	var matches []string
	for _, name := range names {
		if MatchPattern(name, canonical, delimiter) {
			matches = append(matches, name)
		}
	}
	return matches
}

// ImpliedParents returns the unsubscribed ancestors of the given subscribed
// names that match the pattern. When a client lists subscriptions with a
// "%" pattern, a parent of a subscribed mailbox must still be reported
// (with \Noselect) even though it is not itself subscribed.
func ImpliedParents(subscribed []string, reference, pattern, delimiter string) []string {
	if !strings.Contains(pattern, "%") {
		return nil
	}
	canonical := CanonicalPattern(reference, pattern, delimiter)
	have := make(map[string]bool, len(subscribed))
	for _, name := range subscribed {
		have[name] = true
	}
	seen := make(map[string]bool)
	var implied []string
	for _, name := range subscribed {
		for _, parent := range Parents(name, delimiter) {
			if have[parent] || seen[parent] {
				continue
			}
			seen[parent] = true
			if MatchPattern(parent, canonical, delimiter) {
				implied = append(implied, parent)
			}
		}
	}
	return implied
}
