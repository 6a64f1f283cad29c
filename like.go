package godokvs

// likeMatch reports whether s matches the SQL LIKE pattern, where '%'
// matches any run of zero or more characters and '_' matches exactly one
// character. Matching is byte-wise over the already-lowercased key space, no
// escape character is supported.
func likeMatch(pattern, s string) bool {
	return likeMatchBytes([]byte(pattern), []byte(s))
}

// likeMatchBytes is a classic two-pointer LIKE matcher with backtracking on
// '%': it remembers the last '%' seen and the text position it matched from,
// and retries there whenever a later literal/'_' comparison fails.
func likeMatchBytes(pattern, s []byte) bool {
	pi, si := 0, 0
	starPi, starSi := -1, -1
	for si < len(s) {
		switch {
		case pi < len(pattern) && (pattern[pi] == '_' || pattern[pi] == s[si]):
			pi++
			si++
		case pi < len(pattern) && pattern[pi] == '%':
			starPi = pi
			starSi = si
			pi++
		case starPi != -1:
			pi = starPi + 1
			starSi++
			si = starSi
		default:
			return false
		}
	}
	for pi < len(pattern) && pattern[pi] == '%' {
		pi++
	}
	return pi == len(pattern)
}
