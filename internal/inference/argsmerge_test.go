package inference

import (
	"strings"
	"testing"
)

func TestMergeServerArgs_BasicPrecedence(t *testing.T) {
	t.Parallel()
	result := MergeServerArgs(
		[]string{"--verbose --threads 4"},
		[]string{"--n-gpu-layers 999"},
		[]string{"--threads 8", "--batch-size 512"},
	)
	joined := strings.Join(result, " ")
	for _, want := range []string{"--verbose", "--n-gpu-layers 999", "--threads 8", "--batch-size 512"} {
		if !strings.Contains(joined, want) {
			t.Errorf("result %q missing %q", joined, want)
		}
	}
	if strings.Contains(joined, "--threads 4") {
		t.Errorf("result %q should not retain overridden --threads 4", joined)
	}
}

func TestMergeServerArgs_EmptyInputs(t *testing.T) {
	t.Parallel()
	result := MergeServerArgs(nil, nil, nil)
	if len(result) != 0 {
		t.Errorf("result = %v, want empty", result)
	}
}

func TestMergeServerArgs_OnlyBaseArgs(t *testing.T) {
	t.Parallel()
	result := MergeServerArgs([]string{"--verbose --threads 4"}, nil, nil)
	joined := strings.Join(result, " ")
	if !strings.Contains(joined, "--verbose") || !strings.Contains(joined, "--threads 4") {
		t.Errorf("result = %q", joined)
	}
}

func TestMergeServerArgs_SameFlagOnlyOnce(t *testing.T) {
	t.Parallel()
	result := MergeServerArgs([]string{"--threads 4"}, []string{"--threads 8"}, []string{"--threads 12"})
	count := 0
	for _, arg := range result {
		if strings.Contains(arg, "--threads") {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one --threads entry, got %d in %v", count, result)
	}
	if !strings.Contains(result[0], "12") {
		t.Errorf("result = %v, want --threads 12 to win", result)
	}
}

func TestParseArgsFromString_SingleCases(t *testing.T) {
	t.Parallel()
	tests := []struct {
		input string
		want  []argPair
	}{
		{"--verbose", []argPair{{"--verbose", ""}}},
		{"--threads 4", []argPair{{"--threads", "4"}}},
		{"--tensor-split 0.7,0.3", []argPair{{"--tensor-split", "0.7,0.3"}}},
		{"--lora-scaled /path/to/lora.bin 0.5", []argPair{{"--lora-scaled", "/path/to/lora.bin 0.5"}}},
		{"--seed -1", []argPair{{"--seed", "-1"}}},
		{"-1", nil},
		{"-0.5", nil},
		{"", nil},
		{"   \t\n  ", nil},
		{"not a flag", nil},
	}
	for _, tt := range tests {
		got := parseArgsFromString(tt.input)
		if !pairsEqual(got, tt.want) {
			t.Errorf("parseArgsFromString(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestParseArgsFromString_MultipleFlags(t *testing.T) {
	t.Parallel()
	got := parseArgsFromString("-t 8 --verbose -b 256")
	want := []argPair{{"-t", "8"}, {"--verbose", ""}, {"-b", "256"}}
	if !pairsEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestParseArgsFromString_CrossStringBoundary(t *testing.T) {
	t.Parallel()
	got := parseArgsFromStrings([]string{"--verbose --threads", "8 --temp", "0.7"})
	want := []argPair{{"--verbose", ""}, {"--threads", "8"}, {"--temp", "0.7"}}
	if !pairsEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestIsFlag(t *testing.T) {
	t.Parallel()
	tests := []struct {
		input string
		want  bool
	}{
		{"--verbose", true},
		{"-t", true},
		{"-v", true},
		{"-ngl", true},
		{"-1", false},
		{"-123", false},
		{"-0.5", false},
		{"-999.99", false},
		{"-", false},
		{"", false},
		{"regular_text", false},
		{"123", false},
		{"-abc", true},
		{"-1abc", true},
	}
	for _, tt := range tests {
		if got := isFlag(tt.input); got != tt.want {
			t.Errorf("isFlag(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func pairsEqual(a, b []argPair) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
