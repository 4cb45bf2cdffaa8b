package main

import (
	"testing"

	"github.com/creachadair/chirplink/packet"
	"github.com/google/go-cmp/cmp"
)

func TestFormatValues(t *testing.T) {
	tests := []struct {
		pat  string
		args []string
		want []string
		rest []string
	}{
		{"", nil, nil, nil},
		{"i", []string{"25", "extra"}, []string{"25"}, []string{"extra"}},
		{"b B h H", []string{"-1", "255", "-300", "0x1234"}, []string{"-1", "-1", "-300", "4660"}, nil},
		{"s f", []string{"hello", "1.5"}, []string{`"hello"`, "1.5"}, nil},
		{"~I s", []string{"7", "x"}, []string{"~7", `"x"`}, nil},
		{"*h", []string{"1,2,3"}, []string{"3", "[1 2 3]"}, nil},
		{"*b", []string{""}, []string{"0", "[]"}, nil},
		{"*f", []string{"0.5, 2"}, []string{"2", "[0.5 2]"}, nil},
	}
	for _, tc := range tests {
		vals, rest, err := formatValues(tc.pat, tc.args)
		if err != nil {
			t.Errorf("formatValues(%q, %q): unexpected error: %v", tc.pat, tc.args, err)
			continue
		}
		if diff := cmp.Diff(tc.rest, rest); diff != "" {
			t.Errorf("formatValues(%q) rest (-want, +got):\n%s", tc.pat, diff)
		}

		buf := packet.NewBuffer(0)
		if err := buf.Assemble(vals...); err != nil {
			t.Fatalf("Assemble %q: unexpected error: %v", tc.pat, err)
		}
		args, err := packet.Parse(buf.Payload(), 0, 0)
		if err != nil {
			t.Fatalf("Parse %q: unexpected error: %v", tc.pat, err)
		}
		var got []string
		for _, a := range args {
			got = append(got, formatArg(a))
		}
		if diff := cmp.Diff(tc.want, got); diff != "" {
			t.Errorf("formatValues(%q) (-want, +got):\n%s", tc.pat, diff)
		}
	}
}

func TestFormatValuesErrors(t *testing.T) {
	tests := []struct {
		pat  string
		args []string
	}{
		{"x", []string{"1"}},     // unknown word
		{"i", nil},               // missing argument
		{"b", []string{"300"}},   // out of range
		{"B", []string{"-1"}},    // negative unsigned
		{"f", []string{"bogus"}}, // not a number
		{"*s", []string{"a,b"}},  // string array
		{"*i", []string{"1,,2"}}, // empty element
		{"i~", []string{"1"}},    // dangling prefix
	}
	for _, tc := range tests {
		if vals, _, err := formatValues(tc.pat, tc.args); err == nil {
			t.Errorf("formatValues(%q, %q): got %v, want error", tc.pat, tc.args, vals)
		}
	}
}
