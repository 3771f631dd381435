package depspec

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

var versionRe = regexp.MustCompile(`(?i)^v?` +
	`(?:(\d+)!)?` + // epoch
	`(\d+(?:\.\d+)*)` + // release
	`(?:[-_.]?(a|b|c|rc|alpha|beta|pre|preview)[-_.]?(\d+)?)?` + // pre-release
	`(?:-(\d+)|[-_.]?(post|rev|r)[-_.]?(\d+)?)?` + // post-release
	`(?:[-_.]?(dev)[-_.]?(\d+)?)?` + // development release
	`(?:\+([a-z0-9]+(?:[-_.][a-z0-9]+)*))?$`) // local label

// Pre-release phases in PEP 440 order.
const (
	phaseAlpha = iota
	phaseBeta
	phaseRC
)

// Version is a PEP 440 version. Release has any number of components;
// Post and Dev are -1 when absent and Phase is -1 for a final release.
type Version struct {
	Epoch   int
	Release []int
	Phase   int
	Pre     int
	Post    int
	Dev     int
	Local   string

	raw string
}

// ParseVersion parses a PEP 440 version, accepting the alternative
// spellings pip normalizes (2.0RC1, 1.0-1, 1.0.dev, v3).
func ParseVersion(s string) (Version, error) {
	raw := strings.TrimSpace(s)
	m := versionRe.FindStringSubmatch(raw)
	if m == nil {
		return Version{}, fmt.Errorf("invalid version %q", s)
	}

	v := Version{Phase: -1, Post: -1, Dev: -1, Local: strings.ToLower(m[10]), raw: raw}
	var err error
	if m[1] != "" {
		if v.Epoch, err = strconv.Atoi(m[1]); err != nil {
			return Version{}, fmt.Errorf("invalid epoch in %q: %w", s, err)
		}
	}
	for _, part := range strings.Split(m[2], ".") {
		n, err := strconv.Atoi(part)
		if err != nil {
			return Version{}, fmt.Errorf("invalid release in %q: %w", s, err)
		}
		v.Release = append(v.Release, n)
	}

	if m[3] != "" {
		switch strings.ToLower(m[3]) {
		case "a", "alpha":
			v.Phase = phaseAlpha
		case "b", "beta":
			v.Phase = phaseBeta
		default:
			v.Phase = phaseRC
		}
		v.Pre = atoiOrZero(m[4])
	}
	switch {
	case m[5] != "":
		v.Post = atoiOrZero(m[5])
	case m[6] != "":
		v.Post = atoiOrZero(m[7])
	}
	if m[8] != "" {
		v.Dev = atoiOrZero(m[9])
	}
	return v, nil
}

func atoiOrZero(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

// Original returns the string the version was parsed from.
func (v Version) Original() string {
	return v.raw
}

// String returns the normalized form, e.g. 1.0rc1.post2.dev3+cpu.
func (v Version) String() string {
	var b strings.Builder
	if v.Epoch != 0 {
		fmt.Fprintf(&b, "%d!", v.Epoch)
	}
	for i, n := range v.Release {
		if i > 0 {
			b.WriteByte('.')
		}
		b.WriteString(strconv.Itoa(n))
	}
	if v.Phase >= 0 {
		b.WriteString([]string{"a", "b", "rc"}[v.Phase])
		b.WriteString(strconv.Itoa(v.Pre))
	}
	if v.Post >= 0 {
		fmt.Fprintf(&b, ".post%d", v.Post)
	}
	if v.Dev >= 0 {
		fmt.Fprintf(&b, ".dev%d", v.Dev)
	}
	if v.Local != "" {
		b.WriteString("+" + v.Local)
	}
	return b.String()
}

func (v Version) IsPrerelease() bool {
	return v.Phase >= 0 || v.Dev >= 0
}

func (v Version) IsPostRelease() bool {
	return v.Post >= 0
}

// Compare orders versions the way pip does, ignoring local labels. Release
// tuples are compared with missing components read as zero, so 2.1 equals
// 2.1.0.
func (v Version) Compare(o Version) int {
	if c := compareInt(v.Epoch, o.Epoch); c != 0 {
		return c
	}
	if c := compareRelease(v.Release, o.Release, max(len(v.Release), len(o.Release))); c != 0 {
		return c
	}
	if c := compareInt(v.preKey(), o.preKey()); c != 0 {
		return c
	}
	if c := compareInt(v.Pre, o.Pre); c != 0 && v.Phase >= 0 {
		return c
	}
	if c := compareInt(v.Post, o.Post); c != 0 {
		return c
	}
	return compareInt(v.devKey(), o.devKey())
}

// preKey ranks the pre-release phase. A bare dev release sorts before every
// pre-release of the same release, a final release after all of them.
func (v Version) preKey() int {
	switch {
	case v.Phase >= 0:
		return v.Phase
	case v.Dev >= 0 && v.Post < 0:
		return -1
	default:
		return phaseRC + 1
	}
}

func (v Version) devKey() int {
	if v.Dev < 0 {
		return math.MaxInt
	}
	return v.Dev
}

// hasPrefix reports whether v's release starts with prefix, padding v with
// zeros. It implements ==X.Y.* matching.
func (v Version) hasPrefix(prefix Version) bool {
	return v.Epoch == prefix.Epoch && compareRelease(v.Release, prefix.Release, len(prefix.Release)) == 0
}

// sameBase reports whether v and o only differ in post, dev or local parts.
func (v Version) sameBase(o Version) bool {
	return v.Epoch == o.Epoch &&
		compareRelease(v.Release, o.Release, max(len(v.Release), len(o.Release))) == 0 &&
		v.Phase == o.Phase && (v.Phase < 0 || v.Pre == o.Pre)
}

func compareRelease(a, b []int, n int) int {
	for i := 0; i < n; i++ {
		if c := compareInt(component(a, i), component(b, i)); c != 0 {
			return c
		}
	}
	return 0
}

func component(r []int, i int) int {
	if i < len(r) {
		return r[i]
	}
	return 0
}

func compareInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// specifier is one compiled version clause.
type specifier struct {
	op       string
	version  Version
	wildcard bool
	raw      string
}

func compileClause(c Clause) (specifier, error) {
	base, wildcard := strings.CutSuffix(c.Version, ".*")
	if c.Op == "===" {
		return specifier{op: c.Op, raw: c.Version}, nil
	}
	v, err := ParseVersion(base)
	if err != nil {
		return specifier{}, err
	}
	if wildcard {
		if c.Op != "==" && c.Op != "!=" {
			return specifier{}, fmt.Errorf("wildcard not allowed with %s", c.Op)
		}
		if v.Phase >= 0 || v.Post >= 0 || v.Dev >= 0 || v.Local != "" {
			return specifier{}, fmt.Errorf("wildcard needs a plain release, got %q", c.Version)
		}
	}
	if c.Op == "~=" && len(v.Release) < 2 {
		return specifier{}, fmt.Errorf("~= needs at least two release components, got %q", c.Version)
	}
	return specifier{op: c.Op, version: v, wildcard: wildcard, raw: c.Version}, nil
}

// matches evaluates the clause against an installed version.
func (s specifier) matches(v Version) bool {
	switch s.op {
	case "===":
		return strings.EqualFold(v.raw, s.raw)
	case "==":
		if s.wildcard {
			return v.hasPrefix(s.version)
		}
		return s.equal(v)
	case "!=":
		if s.wildcard {
			return !v.hasPrefix(s.version)
		}
		return !s.equal(v)
	case ">=":
		return v.Compare(s.version) >= 0
	case "<=":
		return v.Compare(s.version) <= 0
	case ">":
		// >2.0 excludes the post-releases of 2.0.
		if !s.version.IsPostRelease() && v.IsPostRelease() && v.sameBase(s.version) {
			return false
		}
		return v.Compare(s.version) > 0
	case "<":
		// <3.0 excludes the pre-releases of 3.0.
		if !s.version.IsPrerelease() && v.IsPrerelease() &&
			v.Epoch == s.version.Epoch &&
			compareRelease(v.Release, s.version.Release, max(len(v.Release), len(s.version.Release))) == 0 {
			return false
		}
		return v.Compare(s.version) < 0
	case "~=":
		prefix := s.version
		prefix.Release = prefix.Release[:len(prefix.Release)-1]
		return v.Compare(s.version) >= 0 && v.hasPrefix(prefix)
	}
	return false
}

// equal compares ignoring v's local label unless the clause names one.
func (s specifier) equal(v Version) bool {
	if v.Compare(s.version) != 0 {
		return false
	}
	return s.version.Local == "" || s.version.Local == v.Local
}
