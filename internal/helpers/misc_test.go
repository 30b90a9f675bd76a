package helpers

import (
	"reflect"
	"testing"
)

func TestParseBool(t *testing.T) {
	trueVals := []string{"true", "TRUE", "1", "yes", "YeS"}
	for _, v := range trueVals {
		if !ParseBool(v) {
			t.Errorf("expected %q to be true", v)
		}
	}
	falseVals := []string{"false", "no", "0", "", "off"}
	for _, v := range falseVals {
		if ParseBool(v) {
			t.Errorf("expected %q to be false", v)
		}
	}
}

func TestSplitCSV(t *testing.T) {
	if out := SplitCSV(""); out != nil {
		t.Fatalf("expected nil for empty input, got %#v", out)
	}
	cases := map[string][]string{
		"a,b,c":            {"a", "b", "c"},
		" a , , b ":        {"a", "b"},
		"one, two,three ": {"one", "two", "three"},
	}
	for in, exp := range cases {
		out := SplitCSV(in)
		if !reflect.DeepEqual(out, exp) {
			t.Errorf("SplitCSV(%q) = %#v, want %#v", in, out, exp)
		}
	}
}

func TestTruncateString(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		maxLen int
		want   string
	}{
		{
			name:   "shorter than maxLen",
			input:  "12345",
			maxLen: 10,
			want:   "12345",
		},
		{
			name:   "equal to maxLen",
			input:  "1234567890",
			maxLen: 10,
			want:   "1234567890",
		},
		{
			name:   "longer than maxLen",
			input:  "1234567890abcdef",
			maxLen: 10,
			want:   "1234567890",
		},
		{
			name:   "empty string",
			input:  "",
			maxLen: 5,
			want:   "",
		},
		{
			name:   "run ID prefix",
			input:  "3f2b9c1e-8d4a-4c1b-9a7e-0f6d5c4b3a21",
			maxLen: 8,
			want:   "3f2b9c1e",
		},
		{
			name:   "cut inside a two byte character",
			input:  "größe",
			maxLen: 3,
			want:   "gr",
		},
		{
			name:   "cut before a character",
			input:  "größe",
			maxLen: 4,
			want:   "grö",
		},
		{
			name:   "cut inside a three byte character",
			input:  "日本語",
			maxLen: 4,
			want:   "日",
		},
		{
			name:   "zero length",
			input:  "abc",
			maxLen: 0,
			want:   "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TruncateString(tt.input, tt.maxLen)
			if got != tt.want {
				t.Errorf("TruncateString(%q, %d) = %q, want %q", tt.input, tt.maxLen, got, tt.want)
			}
		})
	}
}

func TestDeduplicate(t *testing.T) {
	got := Deduplicate([]string{"/etc", "/home", "/etc", "/srv", "/home"})
	want := []string{"/etc", "/home", "/srv"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Deduplicate = %v, want %v", got, want)
	}
	if got := Deduplicate(nil); got == nil || len(got) != 0 {
		t.Errorf("Deduplicate(nil) = %#v, want empty slice", got)
	}
}
