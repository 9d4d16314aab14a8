package content

import (
	"strings"
	"testing"
)

func TestSanitize(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  string
	}{
		{"plain text", "hello there", "hello there"},
		{"script stripped", `hi <script>alert("x")</script>`, "hi "},
		{"tags stripped", "<b>bold</b> move", "bold move"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Sanitize(tc.input); got != tc.want {
				t.Errorf("Sanitize(%q) = %q, want %q", tc.input, got, tc.want)
			}
		})
	}
}

func TestRender(t *testing.T) {
	html, err := Render("some *emphasis* here")
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if !strings.Contains(html, "<em>emphasis</em>") {
		t.Errorf("expected markdown emphasis in output, got %q", html)
	}

	html, err = Render(`click <script>alert("x")</script>`)
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if strings.Contains(html, "<script>") {
		t.Errorf("script survived sanitization: %q", html)
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("short", 50); got != "short" {
		t.Errorf("expected no-op truncate, got %q", got)
	}
	long := strings.Repeat("a", 60)
	if got := Truncate(long, 50); len([]rune(got)) != 50 {
		t.Errorf("expected 50 runes, got %d", len([]rune(got)))
	}
	// Rune-safe on multibyte input.
	if got := Truncate("ééééé", 3); got != "ééé" {
		t.Errorf("expected rune-safe truncation, got %q", got)
	}
}

func TestValidateDisplayName(t *testing.T) {
	if err := ValidateDisplayName("Alice A."); err != nil {
		t.Errorf("unexpected error for valid name: %v", err)
	}
	if err := ValidateDisplayName(""); err == nil {
		t.Error("expected error for empty name")
	}
	if err := ValidateDisplayName("<img>"); err == nil {
		t.Error("expected error for markup in name")
	}
}
