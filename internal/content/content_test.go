package content

import (
	"strings"
	"testing"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "plain text unchanged",
			input:    "hello world",
			expected: "hello world",
		},
		{
			name:     "formatting tags kept",
			input:    "hello <b>world</b>",
			expected: "hello <b>world</b>",
		},
		{
			name:     "script tag removed",
			input:    `hello <script>alert("xss")</script>world`,
			expected: "hello world",
		},
		{
			name:     "event handler stripped",
			input:    `<img src="x" onerror="alert(1)">`,
			expected: `<img src="x">`,
		},
		{
			name:     "empty string",
			input:    "",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Sanitize(tt.input); got != tt.expected {
				t.Errorf("Sanitize(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestEscape(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "angle brackets",
			input:    "<div>",
			expected: "&lt;div&gt;",
		},
		{
			name:     "ampersand",
			input:    "a & b",
			expected: "a &amp; b",
		},
		{
			name:     "plain text",
			input:    "nothing special",
			expected: "nothing special",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Escape(tt.input); got != tt.expected {
				t.Errorf("Escape(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestRender(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		contains string
	}{
		{
			name:     "emphasis",
			input:    "hello *world*",
			contains: "<em>world</em>",
		},
		{
			name:     "bold",
			input:    "**important**",
			contains: "<strong>important</strong>",
		},
		{
			name:     "strikethrough",
			input:    "~~gone~~",
			contains: "<del>gone</del>",
		},
		{
			name:     "link",
			input:    "[site](https://example.com)",
			contains: `<a href="https://example.com"`,
		},
		{
			name:     "code span",
			input:    "run `go doc`",
			contains: "<code>go doc</code>",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Render(tt.input)
			if !strings.Contains(got, tt.contains) {
				t.Errorf("Render(%q) = %q, want it to contain %q", tt.input, got, tt.contains)
			}
		})
	}

	t.Run("script is stripped from rendered output", func(t *testing.T) {
		got := Render(`hello <script>alert("xss")</script>`)
		if strings.Contains(got, "<script>") {
			t.Errorf("Render left a script tag in %q", got)
		}
	})
}

func TestValidateUsername(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"simple", "alice", false},
		{"with separators", "a.b-c_d", false},
		{"digits", "user42", false},
		{"empty", "", true},
		{"spaces", "alice smith", true},
		{"unicode", "алиса", true},
		{"html", "<alice>", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateUsername(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateUsername(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}
