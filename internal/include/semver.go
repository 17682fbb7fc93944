package include

import (
	"regexp"
	"strings"

	"golang.org/x/mod/semver"
)

// LatestRange selects the highest released version.
const LatestRange = "~latest"

var rangePattern = regexp.MustCompile(`^v?\d+(\.\d+){0,2}(-[0-9A-Za-z.-]+)?$`)

// IsRange reports whether ref should be resolved against tags instead of used literally.
func IsRange(ref string) bool {
	return ref == LatestRange || rangePattern.MatchString(ref)
}

// ResolveRange returns the highest tag satisfying expr. Tags that are not
// semantic versions are skipped. Prereleases only match when expr names one.
func ResolveRange(expr string, tags []string) (string, bool) {
	var (
		core, pre string
		parts     []string
	)
	if expr != LatestRange {
		core, pre, _ = strings.Cut(strings.TrimPrefix(expr, "v"), "-")
		parts = strings.Split(core, ".")
	}

	best, bestCanon := "", ""
	for _, tag := range tags {
		canon := canonical(tag)
		if canon == "" {
			continue
		}
		tagPre := strings.TrimPrefix(semver.Prerelease(canon), "-")
		if pre == "" && tagPre != "" {
			continue
		}
		if pre != "" && !strings.HasPrefix(tagPre, pre) {
			continue
		}
		if !matchesCore(canon, parts) {
			continue
		}
		if bestCanon == "" || semver.Compare(canon, bestCanon) > 0 {
			best, bestCanon = tag, canon
		}
	}
	return best, best != ""
}

func canonical(tag string) string {
	v := tag
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return ""
	}
	return semver.Canonical(v)
}

func matchesCore(canon string, parts []string) bool {
	if len(parts) == 0 {
		return true
	}
	core := strings.TrimPrefix(strings.SplitN(semver.Canonical(canon), "-", 2)[0], "v")
	have := strings.Split(core, ".")
	for i, p := range parts {
		if i >= len(have) || strings.TrimLeft(p, "0") != strings.TrimLeft(have[i], "0") {
			return false
		}
	}
	return true
}
