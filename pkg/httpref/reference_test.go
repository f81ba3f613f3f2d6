package httpref

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    Reference
		wantErr bool
	}{
		{name: "header reference", in: "header:x-api-key", want: Reference{Part: Header, Name: "x-api-key"}},
		{name: "query reference", in: "query:apikey", want: Reference{Part: Query, Name: "apikey"}},
		{name: "regex rejected", in: "header:/^x-/", wantErr: true},
		{name: "unknown part", in: "body:field", wantErr: true},
		{name: "missing value", in: "header:", wantErr: true},
		{name: "no separator", in: "apikey", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Parse(%q) succeeded, want error", tt.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse(%q) failed: %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("Parse(%q) = %+v, want %+v", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseMultiRegex(t *testing.T) {
	ref, err := ParseMulti("header:/^x-custom-/")
	if err != nil {
		t.Fatalf("ParseMulti failed: %v", err)
	}
	if ref.Pattern == nil {
		t.Fatal("expected a regex reference")
	}
	if !ref.MatchHeader("X-Custom-Trace") {
		t.Error("expected regex to match x-custom-trace")
	}
	if ref.MatchHeader("X-Other") {
		t.Error("expected regex not to match x-other")
	}
	if got := ref.String(); got != "header:/^x-custom-/" {
		t.Errorf("String() = %q", got)
	}
}

func TestReferenceLookup(t *testing.T) {
	r := httptest.NewRequest("GET", "/sse?apikey=sekrit", nil)
	r.Header.Set("X-Api-Key", "hdr-value")

	if v, ok := (Reference{Part: Header, Name: "x-api-key"}).Lookup(r); !ok || v != "hdr-value" {
		t.Errorf("header lookup = %q, %v", v, ok)
	}
	if v, ok := (Reference{Part: Query, Name: "apikey"}).Lookup(r); !ok || v != "sekrit" {
		t.Errorf("query lookup = %q, %v", v, ok)
	}
	if _, ok := (Reference{Part: Query, Name: "missing"}).Lookup(r); ok {
		t.Error("expected missing query param to report absent")
	}
}

func TestPassthroughDefaults(t *testing.T) {
	hdr := http.Header{}
	hdr.Set("Date", "Mon, 02 Jan 2006 15:04:05 GMT")
	hdr.Set("Cookie", "a=b")
	hdr.Set("User-Agent", "test-agent")
	hdr.Set("X-Real-Ip", "10.0.0.1")
	hdr.Set("X-Forwarded-For", "10.0.0.2")
	hdr.Set("Forwarded-By", "proxy")
	hdr.Set("Sec-Ch-Ua-Platform", "linux")
	hdr.Set("Authorization", "Bearer secret")
	hdr.Set("X-Api-Key", "secret")

	got := NewPassthrough().FilterHeader(hdr)

	for _, want := range []string{"Date", "Cookie", "User-Agent", "X-Real-Ip", "X-Forwarded-For", "Forwarded-By", "Sec-Ch-Ua-Platform"} {
		if got.Get(want) == "" {
			t.Errorf("expected header %s to pass through", want)
		}
	}
	for _, blocked := range []string{"Authorization", "X-Api-Key"} {
		if got.Get(blocked) != "" {
			t.Errorf("expected header %s to be dropped", blocked)
		}
	}
}

func TestPassthroughExtra(t *testing.T) {
	extra, err := ParseMulti("header:x-tenant")
	if err != nil {
		t.Fatalf("ParseMulti failed: %v", err)
	}

	hdr := http.Header{}
	hdr.Set("X-Tenant", "acme")

	got := NewPassthrough(extra).FilterHeader(hdr)
	if got.Get("X-Tenant") != "acme" {
		t.Error("expected configured extra header to pass through")
	}
}
