package cluster

import "testing"

func TestTextSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a    string
		b    string
		min  float64
		max  float64
	}{
		{
			name: "identical titles",
			a:    "Quake Strikes Coastal Region",
			b:    "Quake Strikes Coastal Region",
			min:  1.0,
			max:  1.0,
		},
		{
			name: "case and punctuation ignored",
			a:    "Quake Strikes Coastal Region!",
			b:    "quake strikes coastal region",
			min:  1.0,
			max:  1.0,
		},
		{
			name: "reordered tokens stay high",
			a:    "Coastal Region Struck By Quake",
			b:    "Quake Struck Coastal Region By",
			min:  0.9,
			max:  1.0,
		},
		{
			name: "one word changed",
			a:    "Quake Strikes Coastal Region Hundreds Feared Dead",
			b:    "Quake Strikes Coastal Region Hundreds Dead",
			min:  0.7,
			max:  1.0,
		},
		{
			name: "wire rewrite keeps core terms",
			a:    "Hamas releases first group of 7 hostages to Red Cross in Gaza",
			b:    "Hamas hands over seven hostages to Red Cross",
			min:  0.7,
			max:  1.0,
		},
		{
			name: "unrelated titles score low",
			a:    "Central Bank Raises Interest Rates Again",
			b:    "Film Festival Opens With Documentary Premiere",
			min:  0.0,
			max:  0.3,
		},
		{
			name: "empty title scores zero",
			a:    "",
			b:    "Quake Strikes Coastal Region",
			min:  0.0,
			max:  0.0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TextSimilarity(tt.a, tt.b)
			if got < tt.min || got > tt.max {
				t.Errorf("TextSimilarity(%q, %q) = %.3f, want in [%.2f, %.2f]", tt.a, tt.b, got, tt.min, tt.max)
			}
			if sym := TextSimilarity(tt.b, tt.a); sym != got {
				t.Errorf("similarity is not symmetric: %.6f vs %.6f", got, sym)
			}
		})
	}
}

func TestTokenSetRatio(t *testing.T) {
	tests := []struct {
		name string
		a    string
		b    string
		want float64
	}{
		// core "cross hamas hostages red to" (27 chars) against the
		// longer side "... hands over seven" (44 chars): 54/71.
		{
			name: "shared core dominates",
			a:    "hamas releases first group of 7 hostages to red cross in gaza",
			b:    "hamas hands over seven hostages to red cross",
			want: 54.0 / 71.0,
		},
		{
			name: "token subset scores full",
			a:    "quake strikes coastal region hundreds feared dead",
			b:    "quake strikes coastal region hundreds dead",
			want: 1.0,
		},
		{
			name: "no shared tokens scores zero",
			a:    "central bank raises rates",
			b:    "film festival opens tonight",
			want: 0.0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tokenSetRatio(tt.a, tt.b)
			if diff := got - tt.want; diff > 1e-9 || diff < -1e-9 {
				t.Errorf("tokenSetRatio = %.6f, want %.6f", got, tt.want)
			}
		})
	}
}

func TestTextSimilarityDeterministic(t *testing.T) {
	a := "Markets Rally After Central Bank Decision"
	b := "Stocks Rally Following Central Bank Rate Decision"
	first := TextSimilarity(a, b)
	for i := 0; i < 10; i++ {
		if got := TextSimilarity(a, b); got != first {
			t.Fatalf("similarity varied across calls: %.9f vs %.9f", got, first)
		}
	}
}
