package policy

import (
	"strings"
	"testing"
)

func TestFromPolicyStringFull(t *testing.T) {
	p, err := FromPolicyString(
		"SOURCES orders, customers SINK audit CONSTRAINT max(orders.total) > audit.threshold ON FAIL REMOVE DESCRIPTION large orders only")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(p.Sources) != 2 || p.Sources[0] != "orders" || p.Sources[1] != "customers" {
		t.Fatalf("sources = %v", p.Sources)
	}
	if p.Sink != "audit" {
		t.Fatalf("sink = %q", p.Sink)
	}
	if p.Constraint != "max(orders.total) > audit.threshold" {
		t.Fatalf("constraint = %q", p.Constraint)
	}
	if p.OnFail != Remove {
		t.Fatalf("on_fail = %v", p.OnFail)
	}
	if p.Description != "large orders only" {
		t.Fatalf("description = %q", p.Description)
	}
}

func TestFromPolicyStringCaseAndWhitespace(t *testing.T) {
	p, err := FromPolicyString("sources\n\torders\nconstraint\tmax(orders.total) > 10\non fail\nkill")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if p.OnFail != Kill {
		t.Fatalf("on_fail = %v", p.OnFail)
	}
	if p.Constraint != "max(orders.total) > 10" {
		t.Fatalf("constraint = %q", p.Constraint)
	}
}

func TestFromPolicyStringNoneSources(t *testing.T) {
	p, err := FromPolicyString("SOURCES NONE SINK audit CONSTRAINT audit.level < 3 ON FAIL REMOVE")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(p.Sources) != 0 {
		t.Fatalf("sources = %v, want none", p.Sources)
	}
	if p.Sink != "audit" {
		t.Fatalf("sink = %q", p.Sink)
	}
}

func TestFromPolicyStringAggregate(t *testing.T) {
	p, err := FromPolicyString("AGGREGATE SOURCES orders CONSTRAINT sum(orders.total) < 1000 ON FAIL INVALIDATE")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !p.Aggregate {
		t.Fatal("expected aggregate policy")
	}
	if p.OnFail != Invalidate {
		t.Fatalf("on_fail = %v", p.OnFail)
	}
}

func TestFromPolicyStringErrors(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  string
	}{
		{"empty", "   ", "Policy text is empty"},
		{"missing constraint", "SOURCES orders ON FAIL REMOVE", "CONSTRAINT is required"},
		{"missing on fail", "SOURCES orders CONSTRAINT max(orders.total) > 1", "ON FAIL is required"},
		{"bad resolution", "SOURCES orders CONSTRAINT max(orders.total) > 1 ON FAIL EXPLODE", "Invalid ON FAIL value 'EXPLODE'"},
		{"no tables", "SOURCES NONE CONSTRAINT 1 > 0 ON FAIL REMOVE", "Either SOURCES or SINK must be provided"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := FromPolicyString(tc.input)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("got %v, want message containing %q", err, tc.want)
			}
		})
	}
}

func TestParseResolution(t *testing.T) {
	for _, s := range []string{"remove", "REMOVE", " Remove "} {
		r, err := ParseResolution(s)
		if err != nil || r != Remove {
			t.Fatalf("ParseResolution(%q) = %v, %v", s, r, err)
		}
	}
	if _, err := ParseResolution("LLM"); err == nil {
		t.Fatal("unsupported resolution should be rejected")
	}
}
