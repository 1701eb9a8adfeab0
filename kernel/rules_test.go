package kernel

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRulesDefaultAppliesWhenMissing(t *testing.T) {
	rules := Rules{{Prefix: "/static/", Default: "max-age=3600"}}
	req := httptest.NewRequest(http.MethodGet, "/static/app.js", nil)
	res := &http.Response{Header: make(http.Header)}
	rules.Apply(req, res)
	if res.Header.Get("Cache-Control") != "max-age=3600" {
		t.Fatalf("Cache-Control = %q, want default applied", res.Header.Get("Cache-Control"))
	}
}

func TestRulesOverrideWins(t *testing.T) {
	rules := Rules{{Path: "/api/data", Override: "no-store"}}
	req := httptest.NewRequest(http.MethodGet, "/api/data", nil)
	res := &http.Response{Header: make(http.Header)}
	res.Header.Set("Cache-Control", "max-age=10")
	rules.Apply(req, res)
	if res.Header.Get("Cache-Control") != "no-store" {
		t.Fatalf("Cache-Control = %q, want override", res.Header.Get("Cache-Control"))
	}
}

func TestRulesQueryMatch(t *testing.T) {
	rules := Rules{{Prefix: "/preview", Query: map[string]string{"draft": "1"}, Override: "no-store"}}
	fresh := httptest.NewRequest(http.MethodGet, "/preview/page?draft=1", nil)
	res := &http.Response{Header: make(http.Header)}
	rules.Apply(fresh, res)
	if res.Header.Get("Cache-Control") != "no-store" {
		t.Fatal("expected query-matched rule to apply")
	}

	noMatch := httptest.NewRequest(http.MethodGet, "/preview/page", nil)
	res2 := &http.Response{Header: make(http.Header)}
	rules.Apply(noMatch, res2)
	if res2.Header.Get("Cache-Control") != "" {
		t.Fatal("expected no rule to apply without the query parameter")
	}
}

func TestRulesNoMatchLeavesResponseUntouched(t *testing.T) {
	rules := Rules{{Path: "/only-this", Override: "no-store"}}
	req := httptest.NewRequest(http.MethodGet, "/other", nil)
	res := &http.Response{Header: make(http.Header)}
	res.Header.Set("Cache-Control", "max-age=10")
	rules.Apply(req, res)
	if res.Header.Get("Cache-Control") != "max-age=10" {
		t.Fatal("expected unrelated request to be untouched")
	}
}
