package tools

import (
	"strings"

	"github.com/antzucaro/matchr"
)

// verifyThreshold is the minimum similarity for name/project verification.
const verifyThreshold = 0.8

// callerVerified decides whether project data may be disclosed. Passing
// either gate verifies the caller for the rest of the call:
//
//	(a) the caller ID appears in the tenant's client phone book, or
//	(b) the caller stated a name and a project hint that matches the
//	    project record's name at ≥ 0.8 similarity.
func callerVerified(env *Env, callerName, projectHint, projectName string) bool {
	if env.Verified {
		return true
	}
	if env.CallerID != "" {
		for _, n := range env.Tenant.PhoneBook {
			if n == env.CallerID {
				env.Verified = true
				return true
			}
		}
	}
	if strings.TrimSpace(callerName) == "" {
		return false
	}
	if similarity(projectHint, projectName) >= verifyThreshold {
		env.Verified = true
		return true
	}
	return false
}

// similarity scores two strings with Jaro-Winkler over three normalised
// comparisons: full strings, space-stripped strings, and the best token
// pair. Callers rarely pronounce a project name exactly the way it is
// stored, so the pairwise pass carries most real matches.
func similarity(a, b string) float64 {
	aTokens := strings.Fields(normalize(a))
	bTokens := strings.Fields(normalize(b))
	if len(aTokens) == 0 || len(bTokens) == 0 {
		return 0
	}
	aFull := strings.Join(aTokens, " ")
	bFull := strings.Join(bTokens, " ")

	score := matchr.JaroWinkler(aFull, bFull, false)
	if s := matchr.JaroWinkler(strings.Join(aTokens, ""), strings.Join(bTokens, ""), false); s > score {
		score = s
	}
	for _, at := range aTokens {
		for _, bt := range bTokens {
			if s := matchr.JaroWinkler(at, bt, false); s > score {
				score = s
			}
		}
	}
	return score
}

// normalize lowercases and strips everything but letters, digits, and
// spaces.
func normalize(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '\t':
			b.WriteByte(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
