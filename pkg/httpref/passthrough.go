package httpref

import (
	"net/http"
	"regexp"
)

// defaultPassthrough lists the request headers forwarded verbatim to the
// upstream dial. Proxy hop headers and authentication material are not on
// the list; the upstream must not see the client's credentials.
var defaultPassthrough = []MultiReference{
	{Part: Header, Name: "date"},
	{Part: Header, Name: "cookie"},
	{Part: Header, Name: "user-agent"},
	{Part: Header, Name: "x-real-ip"},
	{Part: Header, Pattern: regexp.MustCompile(`^x-forwarded`)},
	{Part: Header, Pattern: regexp.MustCompile(`^forwarded(-.+)+`)},
	{Part: Header, Pattern: regexp.MustCompile(`^sec-ch-ua`)},
}

// Passthrough filters incoming request headers down to the set that may be
// forwarded upstream.
type Passthrough struct {
	refs []MultiReference
}

// NewPassthrough builds a Passthrough from the default list plus any extra
// configured references.
func NewPassthrough(extra ...MultiReference) *Passthrough {
	refs := make([]MultiReference, 0, len(defaultPassthrough)+len(extra))
	refs = append(refs, defaultPassthrough...)
	refs = append(refs, extra...)
	return &Passthrough{refs: refs}
}

// FilterHeader returns a copy of hdr containing only passthrough headers.
func (p *Passthrough) FilterHeader(hdr http.Header) http.Header {
	out := make(http.Header)
	for name, values := range hdr {
		for _, ref := range p.refs {
			if ref.MatchHeader(name) {
				out[name] = append([]string(nil), values...)
				break
			}
		}
	}
	return out
}
