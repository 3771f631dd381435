// Package depspec parses and normalizes the dependency constraints a plugin
// declares, and derives the fingerprint used to detect when an environment
// has to be provisioned again.
package depspec

import (
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/opencontainers/go-digest"
)

var (
	nameRe    = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9._-]*[A-Za-z0-9])?$`)
	separator = regexp.MustCompile(`[-_.]+`)
	clauseRe  = regexp.MustCompile(`^(===|==|!=|~=|>=|<=|>|<)\s*([A-Za-z0-9.*+!_-]+)$`)
)

// Clause is a single comparison inside a version specifier, e.g. ">=2.0".
type Clause struct {
	Op      string
	Version string
}

func (c Clause) String() string {
	return c.Op + c.Version
}

// Requirement is one parsed dependency constraint.
type Requirement struct {
	Name    string
	Extras  []string
	Clauses []Clause
	URL     string
	Digest  digest.Digest
	Marker  string

	raw   string
	specs []specifier
}

// Raw returns the string the requirement was parsed from.
func (r Requirement) Raw() string {
	return r.raw
}

// IsDirect reports whether the requirement points at an artifact URL.
func (r Requirement) IsDirect() bool {
	return r.URL != ""
}

// String returns the canonical form: normalized name, sorted extras and
// clauses, and collapsed whitespace. Two requirements that mean the same
// thing print the same.
func (r Requirement) String() string {
	var b strings.Builder
	b.WriteString(r.Name)
	if len(r.Extras) > 0 {
		b.WriteString("[")
		b.WriteString(strings.Join(r.Extras, ","))
		b.WriteString("]")
	}
	if r.URL != "" {
		b.WriteString(" @ ")
		b.WriteString(r.URL)
	} else {
		clauses := make([]string, len(r.Clauses))
		for i, c := range r.Clauses {
			clauses[i] = c.String()
		}
		b.WriteString(strings.Join(clauses, ","))
	}
	if r.Marker != "" {
		if r.URL != "" {
			b.WriteString(" ")
		}
		b.WriteString("; ")
		b.WriteString(r.Marker)
	}
	return b.String()
}

// Allows reports whether an installed version satisfies the requirement
// under PEP 440 rules. Requirements without a specifier, and direct
// references, accept any version.
func (r Requirement) Allows(version string) bool {
	if len(r.specs) == 0 {
		return true
	}
	v, err := ParseVersion(version)
	if err != nil {
		// Only === can match a version that is not PEP 440.
		v = Version{raw: strings.TrimSpace(version)}
	}
	for _, s := range r.specs {
		if err != nil && s.op != "===" {
			return false
		}
		if !s.matches(v) {
			return false
		}
	}
	return true
}

// Pins returns the versions fixed with == or ===, ignoring wildcards.
func (r Requirement) Pins() []string {
	var pins []string
	for _, c := range r.Clauses {
		if (c.Op == "==" || c.Op == "===") && !strings.HasSuffix(c.Version, ".*") {
			pins = append(pins, c.Version)
		}
	}
	return pins
}

// Parse parses a single requirement string.
func Parse(s string) (Requirement, error) {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return Requirement{}, &ResolutionError{Requirement: s, Reason: "empty requirement"}
	}

	req := Requirement{raw: raw}
	body := raw
	if i := markerIndex(body); i >= 0 {
		req.Marker = strings.Join(strings.Fields(body[i+1:]), " ")
		body = strings.TrimSpace(body[:i])
		if req.Marker == "" {
			return Requirement{}, &ResolutionError{Requirement: raw, Reason: "empty environment marker"}
		}
	}

	if i := strings.Index(body, "@"); i >= 0 {
		ref := strings.TrimSpace(body[i+1:])
		body = strings.TrimSpace(body[:i])
		if err := req.parseURL(ref); err != nil {
			return Requirement{}, err
		}
	}

	nameEnd := strings.IndexAny(body, "[=!~<> ")
	if nameEnd < 0 {
		nameEnd = len(body)
	}
	name := body[:nameEnd]
	rest := strings.TrimSpace(body[nameEnd:])
	if !nameRe.MatchString(name) {
		return Requirement{}, &ResolutionError{Requirement: raw, Reason: fmt.Sprintf("invalid package name %q", name)}
	}
	req.Name = NormalizeName(name)

	if strings.HasPrefix(rest, "[") {
		end := strings.Index(rest, "]")
		if end < 0 {
			return Requirement{}, &ResolutionError{Requirement: raw, Reason: "unterminated extras"}
		}
		extras, err := parseExtras(rest[1:end])
		if err != nil {
			return Requirement{}, &ResolutionError{Requirement: raw, Reason: err.Error()}
		}
		req.Extras = extras
		rest = strings.TrimSpace(rest[end+1:])
	}

	if rest != "" {
		if req.URL != "" {
			return Requirement{}, &ResolutionError{Requirement: raw, Reason: "direct reference cannot carry a version specifier"}
		}
		clauses, err := parseClauses(rest)
		if err != nil {
			return Requirement{}, &ResolutionError{Requirement: raw, Reason: err.Error()}
		}
		req.Clauses = clauses
	}

	for _, c := range req.Clauses {
		spec, err := compileClause(c)
		if err != nil {
			return Requirement{}, &ResolutionError{Requirement: raw, Reason: "unsupported version specifier", Err: err}
		}
		req.specs = append(req.specs, spec)
	}

	return req, nil
}

// markerIndex finds the ';' that starts the environment marker. After a
// direct reference the ';' must follow whitespace, since URLs may contain
// one.
func markerIndex(s string) int {
	semi := strings.Index(s, ";")
	at := strings.Index(s, "@")
	if at < 0 || (semi >= 0 && semi < at) {
		return semi
	}
	for i := at + 1; i < len(s); i++ {
		if s[i] == ';' && (s[i-1] == ' ' || s[i-1] == '\t') {
			return i
		}
	}
	return -1
}

// NormalizeName lower-cases a package name and collapses runs of -, _ and .
// into a single dash.
func NormalizeName(name string) string {
	return separator.ReplaceAllString(strings.ToLower(name), "-")
}

func (r *Requirement) parseURL(ref string) error {
	u, err := url.Parse(ref)
	if err != nil || u.Scheme == "" {
		return &ResolutionError{Requirement: r.raw, Reason: fmt.Sprintf("invalid direct reference %q", ref)}
	}
	switch u.Scheme {
	case "https", "http", "file":
	default:
		return &ResolutionError{Requirement: r.raw, Reason: fmt.Sprintf("unsupported URL scheme %q", u.Scheme)}
	}
	if u.Fragment != "" {
		frag, err := url.ParseQuery(u.Fragment)
		if err != nil {
			return &ResolutionError{Requirement: r.raw, Reason: "invalid URL fragment", Err: err}
		}
		if sum := frag.Get("sha256"); sum != "" {
			d := digest.NewDigestFromEncoded(digest.SHA256, strings.ToLower(sum))
			if err := d.Validate(); err != nil {
				return &ResolutionError{Requirement: r.raw, Reason: "invalid sha256 checksum", Err: err}
			}
			r.Digest = d
		}
	}
	r.URL = u.String()
	return nil
}

func parseExtras(s string) ([]string, error) {
	seen := map[string]bool{}
	var extras []string
	for _, e := range strings.Split(s, ",") {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if !nameRe.MatchString(e) {
			return nil, fmt.Errorf("invalid extra %q", e)
		}
		e = NormalizeName(e)
		if !seen[e] {
			seen[e] = true
			extras = append(extras, e)
		}
	}
	sort.Strings(extras)
	return extras, nil
}

func parseClauses(s string) ([]Clause, error) {
	seen := map[string]bool{}
	var clauses []Clause
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			return nil, fmt.Errorf("empty clause in %q", s)
		}
		m := clauseRe.FindStringSubmatch(part)
		if m == nil {
			return nil, fmt.Errorf("malformed version clause %q", part)
		}
		c := Clause{Op: m[1], Version: m[2]}
		if !seen[c.String()] {
			seen[c.String()] = true
			clauses = append(clauses, c)
		}
	}
	sort.Slice(clauses, func(i, j int) bool {
		return clauses[i].String() < clauses[j].String()
	})
	return clauses, nil
}
