package config

import (
	"strings"
	"testing"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if got := cfg.CacheTTLSecondsOrDefault(); got != 60 {
		t.Fatalf("cache ttl = %d, want 60", got)
	}
	if cfg.Server.Addr != "127.0.0.1:8400" {
		t.Fatalf("addr = %q", cfg.Server.Addr)
	}
}

func TestTopologyLookup(t *testing.T) {
	cfg := Default()
	topo, ok := cfg.Topology("bolted", "shear", "Single plate")
	if !ok {
		t.Fatal("expected bolted/shear/Single plate in catalog")
	}
	if topo.Profiles != 2 {
		t.Fatalf("profiles = %d, want 2", topo.Profiles)
	}
	if _, ok := cfg.Topology("bolted", "shear", "Nope"); ok {
		t.Fatal("unknown topology should not resolve")
	}
	if _, ok := cfg.Topology("glued", "shear", "Single plate"); ok {
		t.Fatal("unknown type should not resolve")
	}
}

func TestBuildCode(t *testing.T) {
	topo := Topology{Name: "Gusset node", CodeTemplate: "WGN-{p1}-{p2}-{p3}", Profiles: 3}

	code, err := topo.BuildCode([]string{"IPE300", "HEB200", "L90"})
	if err != nil {
		t.Fatalf("BuildCode: %v", err)
	}
	if code != "WGN-IPE300-HEB200-L90" {
		t.Fatalf("code = %q", code)
	}

	if _, err := topo.BuildCode([]string{"IPE300"}); err == nil {
		t.Fatal("expected error for missing profiles")
	}
	if _, err := topo.BuildCode([]string{"IPE300", " ", "L90"}); err == nil {
		t.Fatal("expected error for blank profile")
	}
}

func TestValidateRejectsBadCatalog(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "missing placeholder",
			yaml: `catalog:
  bolted:
    subtypes:
      shear:
        - name: "Single plate"
          code_template: "BSP-{p1}"
          profiles: 2
`,
			want: "missing placeholder {p2}",
		},
		{
			name: "too many profiles",
			yaml: `catalog:
  bolted:
    subtypes:
      shear:
        - name: "Quad"
          code_template: "Q-{p1}-{p2}-{p3}-{p4}"
          profiles: 4
`,
			want: "want 0..3",
		},
		{
			name: "unnamed topology",
			yaml: `catalog:
  bolted:
    subtypes:
      shear:
        - code_template: "BSP-{p1}"
          profiles: 1
`,
			want: "without a name",
		},
		{
			name: "mail enabled without host",
			yaml: `mail:
  enabled: true
  from: steeltrack@example.com
`,
			want: "mail.host",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := FromYAML([]byte(tc.yaml))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}
