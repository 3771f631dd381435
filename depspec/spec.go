package depspec

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/opencontainers/go-digest"
)

// Spec is the ordered, de-duplicated list of requirements one plugin declares.
// It is immutable once built.
type Spec struct {
	reqs []Requirement
}

// NewSpec parses every raw requirement. All malformed entries are reported
// together.
func NewSpec(raw []string) (Spec, error) {
	var (
		errs []error
		seen = map[string]bool{}
		reqs []Requirement
	)
	for _, s := range raw {
		req, err := Parse(s)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		key := req.String()
		if seen[key] {
			continue
		}
		seen[key] = true
		reqs = append(reqs, req)
	}
	if len(errs) > 0 {
		return Spec{}, errors.Join(errs...)
	}
	return Spec{reqs: reqs}, nil
}

// Requirements returns a copy of the requirements in declaration order.
func (s Spec) Requirements() []Requirement {
	out := make([]Requirement, len(s.reqs))
	copy(out, s.reqs)
	return out
}

func (s Spec) Len() int {
	return len(s.reqs)
}

// Strings returns the canonical requirement strings in declaration order.
func (s Spec) Strings() []string {
	out := make([]string, len(s.reqs))
	for i, r := range s.reqs {
		out[i] = r.String()
	}
	return out
}

// Fingerprint hashes the sorted canonical requirement strings, so any
// reordering of the same requirements yields the same digest.
func (s Spec) Fingerprint() digest.Digest {
	return fingerprint(s.reqs)
}

func fingerprint(reqs []Requirement) digest.Digest {
	canon := make([]string, len(reqs))
	for i, r := range reqs {
		canon[i] = r.String()
	}
	sort.Strings(canon)
	return digest.FromString(strings.Join(canon, "\n"))
}

// Resolution is the outcome of merging requirements that name the same
// package.
type Resolution struct {
	Requirements []Requirement
	Conflicts    map[string][]string
}

// Fingerprint hashes the resolved requirements, i.e. what is actually
// installed after conflicts were settled.
func (r Resolution) Fingerprint() digest.Digest {
	return fingerprint(r.Requirements)
}

// Resolve groups requirements by package name and environment marker and
// merges each group into a single requirement. Requirements guarded by
// different markers apply to different platforms and are kept apart.
// Conflicting pins (pkg==1 and pkg==2) are recorded under the package name;
// with autoResolve the highest pin wins, otherwise a ResolutionError is
// returned.
func (s Spec) Resolve(autoResolve bool) (Resolution, error) {
	var order []string
	groups := map[string][]Requirement{}
	for _, r := range s.reqs {
		key := r.Name
		if r.Marker != "" {
			key += "; " + r.Marker
		}
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], r)
	}

	res := Resolution{Conflicts: map[string][]string{}}
	for _, key := range order {
		reqs := groups[key]
		if len(reqs) == 1 {
			res.Requirements = append(res.Requirements, reqs[0])
			continue
		}

		merged, conflict, err := merge(reqs[0].Name, reqs, autoResolve)
		if conflict != nil {
			res.Conflicts[key] = conflict
		}
		if err != nil {
			return Resolution{}, err
		}
		res.Requirements = append(res.Requirements, merged)
	}
	return res, nil
}

func merge(name string, reqs []Requirement, autoResolve bool) (Requirement, []string, error) {
	raw := make([]string, len(reqs))
	for i, r := range reqs {
		raw[i] = r.String()
	}

	var direct []Requirement
	var pins []Version
	for _, r := range reqs {
		if r.IsDirect() {
			direct = append(direct, r)
		}
		for _, p := range r.Pins() {
			v, err := ParseVersion(p)
			if err != nil {
				return Requirement{}, nil, &ResolutionError{Requirement: r.String(), Reason: "invalid pinned version", Err: err}
			}
			if !containsVersion(pins, v) {
				pins = append(pins, v)
			}
		}
	}

	if len(direct) > 0 {
		first := direct[0]
		for _, d := range direct[1:] {
			if d.URL != first.URL {
				return Requirement{}, raw, &ResolutionError{
					Requirement: strings.Join(raw, ", "),
					Reason:      "conflicting direct references for " + name,
				}
			}
		}
		return first, raw, nil
	}

	if len(pins) > 1 {
		if !autoResolve {
			return Requirement{}, raw, &ResolutionError{
				Requirement: strings.Join(raw, ", "),
				Reason:      "conflicting pinned versions for " + name,
			}
		}
		highest := pins[0]
		for _, v := range pins[1:] {
			if v.Compare(highest) > 0 {
				highest = v
			}
		}
		chosen := highestPinText(reqs, highest)
		r, err := Parse(withExtras(name, reqs) + "==" + chosen + marker(reqs))
		return r, raw, err
	}

	var clauses []string
	for _, r := range reqs {
		for _, c := range r.Clauses {
			clauses = append(clauses, c.String())
		}
	}
	r, err := Parse(withExtras(name, reqs) + strings.Join(clauses, ",") + marker(reqs))
	if err != nil {
		return Requirement{}, nil, fmt.Errorf("merging %s: %w", name, err)
	}
	return r, nil, nil
}

// containsVersion treats 2.1 and 2.1.0 as the same pin. Local labels keep
// pins apart, since torch==2.1+cpu and torch==2.1+cu121 are different builds.
func containsVersion(vs []Version, v Version) bool {
	for _, o := range vs {
		if o.Compare(v) == 0 && o.Local == v.Local {
			return true
		}
	}
	return false
}

// highestPinText returns the pin spelled the way the plugin wrote it. When
// several spellings are equal the shortest, then lexically smallest, wins so
// the result does not depend on declaration order.
func highestPinText(reqs []Requirement, highest Version) string {
	chosen := ""
	for _, r := range reqs {
		for _, p := range r.Pins() {
			v, err := ParseVersion(p)
			if err != nil || v.Compare(highest) != 0 || v.Local != highest.Local {
				continue
			}
			if chosen == "" || len(p) < len(chosen) || (len(p) == len(chosen) && p < chosen) {
				chosen = p
			}
		}
	}
	if chosen == "" {
		return highest.Original()
	}
	return chosen
}

func withExtras(name string, reqs []Requirement) string {
	set := map[string]bool{}
	var extras []string
	for _, r := range reqs {
		for _, e := range r.Extras {
			if !set[e] {
				set[e] = true
				extras = append(extras, e)
			}
		}
	}
	if len(extras) == 0 {
		return name
	}
	return name + "[" + strings.Join(extras, ",") + "]"
}

// marker returns the environment marker a group shares, in parseable form.
func marker(reqs []Requirement) string {
	if reqs[0].Marker == "" {
		return ""
	}
	return "; " + reqs[0].Marker
}
