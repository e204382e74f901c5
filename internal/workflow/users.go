package workflow

import (
	"fmt"
	"sort"
	"strings"
)

// ResolveUser maps a friendly identifier to a recipient. Lookup order:
// exact key, case-insensitive key, then the longest configured key contained
// in input (case-insensitive). A numeric chat id is accepted as is.
func ResolveUser(users map[string]string, input string) (string, error) {
	in := strings.TrimSpace(input)
	if in == "" {
		return "", fmt.Errorf("%w: empty name", ErrUnknownUser)
	}
	if r, ok := users[in]; ok {
		return r, nil
	}

	keys := make([]string, 0, len(users))
	for k := range users {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if strings.EqualFold(k, in) {
			return users[k], nil
		}
	}

	lower := strings.ToLower(in)
	best := ""
	for _, k := range keys {
		if k == "" || !strings.Contains(lower, strings.ToLower(k)) {
			continue
		}
		if len(k) > len(best) {
			best = k
		}
	}
	if best != "" {
		return users[best], nil
	}

	if isChatID(in) {
		return in, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownUser, in)
}

func isChatID(s string) bool {
	s = strings.TrimPrefix(s, "-")
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
