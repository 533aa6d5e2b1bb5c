package ingest

import "testing"

func TestFingerprintDeterministic(t *testing.T) {
	a := Fingerprint(SourceWeb, "climate change", map[string]string{"site": "example.com", "lang": "en"})
	b := Fingerprint(SourceWeb, "climate change", map[string]string{"lang": "en", "site": "example.com"})
	if a != b {
		t.Fatal("constraint map order must not affect the fingerprint")
	}
}

func TestFingerprintNormalizesQuery(t *testing.T) {
	a := Fingerprint(SourceWeb, "Climate   Change", nil)
	b := Fingerprint(SourceWeb, "climate change", nil)
	if a != b {
		t.Fatal("query case and whitespace must not affect the fingerprint")
	}
}

func TestFingerprintSeparatesComponents(t *testing.T) {
	cases := []struct{ a, b string }{
		{
			Fingerprint(SourceWeb, "climate", nil),
			Fingerprint(SourceAcademic, "climate", nil),
		},
		{
			Fingerprint(SourceWeb, "climate", nil),
			Fingerprint(SourceWeb, "climates", nil),
		},
		{
			Fingerprint(SourceWeb, "climate", map[string]string{"site": "a.com"}),
			Fingerprint(SourceWeb, "climate", map[string]string{"site": "b.com"}),
		},
	}
	for i, c := range cases {
		if c.a == c.b {
			t.Fatalf("case %d: fingerprints should differ", i)
		}
	}
}

func TestFingerprintConstraintFraming(t *testing.T) {
	// A value embedding separator-looking bytes must not collide with a
	// different constraint set.
	a := Fingerprint(SourceWeb, "climate", map[string]string{"a": "b\x00c=d"})
	b := Fingerprint(SourceWeb, "climate", map[string]string{"a": "b", "c": "d"})
	if a == b {
		t.Fatal("constraint framing must be unforgeable by value contents")
	}

	c := Fingerprint(SourceWeb, "climate", map[string]string{"ab": "c"})
	d := Fingerprint(SourceWeb, "climate", map[string]string{"a": "bc"})
	if c == d {
		t.Fatal("key/value boundary must contribute to the fingerprint")
	}
}

func TestPlanValidate(t *testing.T) {
	valid := IngestionPlan{
		Topic:               "quantum computing",
		Sources:             []SourceSpec{{Type: SourceWeb, Priority: 1}},
		Deadline:            1000000,
		MaxResultsPerSource: 5,
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid plan rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*IngestionPlan)
	}{
		{"no sources", func(p *IngestionPlan) { p.Sources = nil }},
		{"zero deadline", func(p *IngestionPlan) { p.Deadline = 0 }},
		{"zero max results", func(p *IngestionPlan) { p.MaxResultsPerSource = 0 }},
		{"unknown source", func(p *IngestionPlan) { p.Sources = []SourceSpec{{Type: "carrier-pigeon"}} }},
		{"duplicate source", func(p *IngestionPlan) {
			p.Sources = []SourceSpec{{Type: SourceWeb}, {Type: SourceWeb}}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := valid
			tc.mutate(&p)
			err := p.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if _, ok := err.(*InvalidPlanError); !ok {
				t.Fatalf("expected *InvalidPlanError, got %T", err)
			}
		})
	}
}
