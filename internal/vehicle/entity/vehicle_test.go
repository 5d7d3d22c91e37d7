package entity

import "testing"

func TestNormalizeRegistration(t *testing.T) {
	tests := map[string]string{
		"AB12CDE":      "AB12CDE",
		"ab12 cde":     "AB12CDE",
		"  Ab 12\tcDe ": "AB12CDE",
		"":             "",
		"   ":          "",
	}
	for in, want := range tests {
		if got := NormalizeRegistration(in); got != want {
			t.Errorf("NormalizeRegistration(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNormalizePCN(t *testing.T) {
	if got := NormalizePCN("  pcn001 "); got != "PCN001" {
		t.Fatalf("NormalizePCN = %q", got)
	}
}
