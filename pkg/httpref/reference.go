// Package httpref expresses locations inside an HTTP request as small
// reference strings of the form "header:name" or "query:name". A value
// wrapped in slashes is treated as a regular expression, e.g.
// "header:/^x-forwarded/". References are parsed once at configuration
// time and evaluated per request.
package httpref

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"
)

// Part identifies the request part a reference points at.
type Part int

const (
	// Header references an HTTP header.
	Header Part = iota
	// Query references a URL query parameter.
	Query
)

// String returns the reference prefix for the part.
func (p Part) String() string {
	switch p {
	case Header:
		return "header"
	case Query:
		return "query"
	default:
		return "unknown"
	}
}

// Reference points at a single named header or query parameter.
type Reference struct {
	Part Part
	Name string
}

// MultiReference points at one or more headers or query parameters,
// either by exact name or by regular expression.
type MultiReference struct {
	Part    Part
	Name    string
	Pattern *regexp.Regexp // non-nil for regex references
}

// Parse parses an exact (non-regex) reference string.
func Parse(s string) (Reference, error) {
	multi, err := ParseMulti(s)
	if err != nil {
		return Reference{}, err
	}
	if multi.Pattern != nil {
		return Reference{}, fmt.Errorf("invalid reference %q: regex references are not allowed here", s)
	}
	return Reference{Part: multi.Part, Name: multi.Name}, nil
}

// ParseMulti parses a reference string, allowing regex values.
func ParseMulti(s string) (MultiReference, error) {
	prefix, value, ok := strings.Cut(s, ":")
	if !ok || value == "" {
		return MultiReference{}, fmt.Errorf("invalid reference %q: expected header:name, query:name, header:/regex/ or query:/regex/", s)
	}

	var part Part
	switch prefix {
	case "header":
		part = Header
	case "query":
		part = Query
	default:
		return MultiReference{}, fmt.Errorf("invalid reference %q: unknown part %q", s, prefix)
	}

	if isRegexValue(value) {
		pattern, err := regexp.Compile(value[1 : len(value)-1])
		if err != nil {
			return MultiReference{}, fmt.Errorf("invalid reference %q: %w", s, err)
		}
		return MultiReference{Part: part, Pattern: pattern}, nil
	}

	return MultiReference{Part: part, Name: value}, nil
}

// isRegexValue reports whether the value is wrapped in slashes.
func isRegexValue(v string) bool {
	return len(v) > 1 && strings.HasPrefix(v, "/") && strings.HasSuffix(v, "/")
}

// String renders the reference in its configuration form.
func (r Reference) String() string {
	return r.Part.String() + ":" + r.Name
}

// String renders the reference in its configuration form.
func (m MultiReference) String() string {
	if m.Pattern != nil {
		return m.Part.String() + ":/" + m.Pattern.String() + "/"
	}
	return m.Part.String() + ":" + m.Name
}

// Lookup evaluates the reference against a request. Returns false when the
// referenced header or query parameter is absent or empty.
func (r Reference) Lookup(req *http.Request) (string, bool) {
	switch r.Part {
	case Header:
		v := req.Header.Get(r.Name)
		return v, v != ""
	case Query:
		v := req.URL.Query().Get(r.Name)
		return v, v != ""
	default:
		return "", false
	}
}

// MatchHeader reports whether the reference selects the given header name.
// Header matching is case-insensitive; regex references are evaluated
// against the lower-cased canonical name.
func (m MultiReference) MatchHeader(name string) bool {
	if m.Part != Header {
		return false
	}
	lower := strings.ToLower(name)
	if m.Pattern != nil {
		return m.Pattern.MatchString(lower)
	}
	return strings.EqualFold(m.Name, name)
}
