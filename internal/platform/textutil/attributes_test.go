package textutil

import (
	"fmt"
	"reflect"
	"testing"
)

func TestCleanAttributes(t *testing.T) {
	t.Run("normalises keys and strips markup", func(t *testing.T) {
		input := map[string]string{
			" Colour ": " red ",
			"gift":     "<b>Happy</b>  birthday",
			"empty":    " ",
			" ":        "ignored",
		}
		expected := map[string]string{
			"colour": "red",
			"gift":   "Happy birthday",
		}
		if actual := CleanAttributes(input); !reflect.DeepEqual(actual, expected) {
			t.Fatalf("expected %#v got %#v", expected, actual)
		}
	})

	t.Run("caps entry count by key order", func(t *testing.T) {
		input := make(map[string]string, 20)
		for i := 0; i < 20; i++ {
			input[fmt.Sprintf("k%02d", i)] = "v"
		}
		got := CleanAttributes(input)
		if len(got) != maxAttributes {
			t.Fatalf("expected %d entries, got %d", maxAttributes, len(got))
		}
		if _, ok := got["k19"]; ok {
			t.Fatal("expected trailing keys dropped")
		}
	})

	t.Run("returns nil for nil or empty input", func(t *testing.T) {
		if CleanAttributes(nil) != nil || CleanAttributes(map[string]string{"a": " "}) != nil {
			t.Fatalf("expected nil")
		}
	})
}

func TestSanitizeText(t *testing.T) {
	cases := map[string]struct {
		in   string
		max  int
		want string
	}{
		"strips markup":        {in: `<script>alert(1)</script>Leave at <b>door</b>`, want: "Leave at door"},
		"collapses whitespace": {in: "  call\n\n me  ", want: "call me"},
		"keeps entities":       {in: "Tom & Jerry", want: "Tom & Jerry"},
		"truncates runes":      {in: "ありがとうございます", max: 5, want: "ありがとう"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			if got := SanitizeText(tc.in, tc.max); got != tc.want {
				t.Fatalf("SanitizeText(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}
