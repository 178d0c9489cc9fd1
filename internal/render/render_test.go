package render

import (
	"bytes"
	"strings"
	"testing"
)

func TestHTML(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
		not  []string
	}{
		{
			name: "tool notice",
			in:   "Feeding." + ToolNotice("send_cat_feeder_message") + "Done.",
			want: []string{"<em>Using tool: send_cat_feeder_message</em>", "<p>Feeding.</p>"},
		},
		{
			name: "table",
			in:   "| vehicle | temp |\n|---|---|\n| Vehicle 1 | 25.5 |",
			want: []string{"<table>", "<td>Vehicle 1</td>"},
		},
		{
			name: "raw html dropped",
			in:   "<script>alert(1)</script>\n\nhi",
			want: []string{"<p>hi</p>"},
			not:  []string{"<script>"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := HTML(tt.in)
			if err != nil {
				t.Fatal(err)
			}
			for _, w := range tt.want {
				if !strings.Contains(got, w) {
					t.Errorf("output missing %q:\n%s", w, got)
				}
			}
			for _, n := range tt.not {
				if strings.Contains(got, n) {
					t.Errorf("output contains %q:\n%s", n, got)
				}
			}
		})
	}
}

func TestPlain(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"**Kitty** has been fed", "Kitty has been fed"},
		{"*Using tool: sleep_seconds*", "Using tool: sleep_seconds"},
		{"## Telemetry\n- `Vehicle 1`", "Telemetry\n- Vehicle 1"},
		{"[docs](https://example.com)", "docs (https://example.com)"},
		{"```json\n{\"a\":1}\n```", "{\"a\":1}"},
	}
	for _, tt := range tests {
		if got := Plain(tt.in); got != tt.want {
			t.Errorf("Plain(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPlainWriter(t *testing.T) {
	tests := []struct {
		name   string
		tokens []string
		want   string
	}{
		{
			name:   "bold split across tokens",
			tokens: []string{"**Legion ", "deployed.**", "\nAll ", "suits *online*"},
			want:   "Legion deployed.\nAll suits online\n",
		},
		{
			name:   "tool notice",
			tokens: []string{"On it.", ToolNotice("house_party_protocol"), "Done."},
			want:   "On it.\n\nUsing tool: house_party_protocol\n\nDone.\n",
		},
		{
			name:   "code fence kept verbatim",
			tokens: []string{"```json\n", "{\"a\": \"*b*\"}\n", "```\n"},
			want:   "{\"a\": \"*b*\"}\n",
		},
		{
			name:   "indent kept",
			tokens: []string{"- one\n  - **two**\n"},
			want:   "- one\n  - two\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			pw := NewPlainWriter(&buf)
			for _, tok := range tt.tokens {
				if _, err := pw.WriteString(tok); err != nil {
					t.Fatal(err)
				}
			}
			if err := pw.Flush(); err != nil {
				t.Fatal(err)
			}
			if buf.String() != tt.want {
				t.Errorf("got %q, want %q", buf.String(), tt.want)
			}
		})
	}
}
