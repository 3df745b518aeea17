package scheduler

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/kite-ci/kite/pkg/config"
	"github.com/kite-ci/kite/pkg/types"
)

// matchScoped evaluates the "name", "tree:branch" and "!"-deny list
// grammar. A value is eligible iff no negative entry matches and
// either no positive entry exists or at least one matches. Plain
// entries compare against the rule's own attribute; colon entries
// always pin the (tree, branch) pair, whichever list they appear in.
func matchScoped(rules []string, plain, tree, branch string) bool {
	matched := func(rule string) bool {
		left, right, scoped := strings.Cut(rule, ":")
		if scoped {
			return left == tree && right == branch
		}
		return left == plain
	}

	hasPositive := false
	positiveHit := false
	for _, rule := range rules {
		if negated, ok := strings.CutPrefix(rule, "!"); ok {
			if matched(negated) {
				return false
			}
			continue
		}
		hasPositive = true
		if matched(rule) {
			positiveHit = true
		}
	}
	return !hasPositive || positiveHit
}

// matchAny is set membership with "!" negation over a single value.
func matchAny(rules []string, value string) bool {
	return matchScoped(rules, value, "", "")
}

// matchFragments applies membership rules against the node's fragment
// list: every denied fragment must be absent, and when positive rules
// exist at least one must be present.
func matchFragments(rules, fragments []string) bool {
	present := make(map[string]bool, len(fragments))
	for _, f := range fragments {
		present[f] = true
	}
	hasPositive := false
	positiveHit := false
	for _, rule := range rules {
		if negated, ok := strings.CutPrefix(rule, "!"); ok {
			if present[negated] {
				return false
			}
			continue
		}
		hasPositive = true
		if present[rule] {
			positiveHit = true
		}
	}
	return !hasPositive || positiveHit
}

var kernelVersionRe = regexp.MustCompile(`^v?(\d+)\.(\d+)`)

// parseKernelVersion extracts (version, patchlevel) from a git
// describe string such as "v6.9-rc2-13-gdeadbeef".
func parseKernelVersion(describe string) (int, int, bool) {
	m := kernelVersionRe.FindStringSubmatch(describe)
	if m == nil {
		return 0, 0, false
	}
	version, _ := strconv.Atoi(m[1])
	patchlevel, _ := strconv.Atoi(m[2])
	return version, patchlevel, true
}

func versionAtLeast(v, p int, bound *config.Version) bool {
	if bound == nil {
		return true
	}
	return v > bound.Version || (v == bound.Version && p >= bound.Patchlevel)
}

func versionAtMost(v, p int, bound *config.Version) bool {
	if bound == nil {
		return true
	}
	return v < bound.Version || (v == bound.Version && p <= bound.Patchlevel)
}

// rulesMatch evaluates all static rule predicates of a job against
// the origin node. The frequency gate needs store history and lives
// in the scheduler itself.
func rulesMatch(rules config.Rules, origin *types.Node) bool {
	rev := origin.Data.KernelRevision
	if rev != nil {
		if !matchScoped(rules.Tree, rev.Tree, rev.Tree, rev.Branch) {
			return false
		}
		if !matchScoped(rules.Branch, rev.Branch, rev.Tree, rev.Branch) {
			return false
		}
		if rules.MinVersion != nil || rules.MaxVersion != nil {
			v, p, ok := parseKernelVersion(rev.Describe)
			if !ok {
				return false
			}
			if !versionAtLeast(v, p, rules.MinVersion) || !versionAtMost(v, p, rules.MaxVersion) {
				return false
			}
		}
	} else if len(rules.Tree) > 0 || len(rules.Branch) > 0 ||
		rules.MinVersion != nil || rules.MaxVersion != nil {
		return false
	}

	if len(rules.Arch) > 0 && !matchAny(rules.Arch, origin.Data.Arch) {
		return false
	}
	if len(rules.Defconfig) > 0 && !matchAny(rules.Defconfig, origin.Data.Defconfig) {
		return false
	}
	if len(rules.Fragments) > 0 && !matchFragments(rules.Fragments, origin.Data.Fragments) {
		return false
	}
	return true
}
