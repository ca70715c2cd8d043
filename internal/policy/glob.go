package policy

import (
	"path"
	"strings"
)

// MatchTarget reports whether target matches a slash-separated glob.
// "*" and "?" follow path.Match and never cross "/". A "**" segment matches
// zero or more whole segments and may appear anywhere, more than once.
// Malformed patterns never match.
func MatchTarget(pattern, target string) bool {
	if pattern == "**" {
		return true
	}
	return matchSegments(strings.Split(pattern, "/"), strings.Split(target, "/"))
}

func matchSegments(pat, segs []string) bool {
	for len(pat) > 0 {
		if pat[0] == "**" {
			rest := pat[1:]
			for i := 0; i <= len(segs); i++ {
				if matchSegments(rest, segs[i:]) {
					return true
				}
			}
			return false
		}
		if len(segs) == 0 {
			return false
		}
		ok, err := path.Match(pat[0], segs[0])
		if err != nil || !ok {
			return false
		}
		pat, segs = pat[1:], segs[1:]
	}
	return len(segs) == 0
}

// NormalizeTarget cleans a target so that equivalent spellings
// ("./governance//x", "/governance/x") compare equal.
func NormalizeTarget(target string) string {
	t := strings.TrimSpace(target)
	t = strings.ReplaceAll(t, "\\", "/")
	t = path.Clean("/" + t)
	return strings.TrimPrefix(t, "/")
}
