// ABOUTME: Tests for URL extraction, deduplication, and video host recognition.
package stages

import (
	"reflect"
	"testing"
)

func TestExtractURLs(t *testing.T) {
	text := "See https://example.com/manual.pdf for details.\n" +
		"Video guide: https://youtu.be/abc123, also at https://example.com/manual.pdf\n" +
		"Support (https://support.example.com/tickets) is open 24/7."

	got := ExtractURLs(text)
	want := []string{
		"https://example.com/manual.pdf",
		"https://youtu.be/abc123",
		"https://support.example.com/tickets",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ExtractURLs = %v, want %v", got, want)
	}
}

func TestExtractURLsTrimsTrailingPunctuation(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Visit https://example.com/page.", "https://example.com/page"},
		{"Visit https://example.com/page;", "https://example.com/page"},
		{"Visit https://example.com/page:", "https://example.com/page"},
		{"Visit https://example.com/a.b.c, thanks", "https://example.com/a.b.c"},
	}
	for _, tt := range tests {
		got := ExtractURLs(tt.in)
		if len(got) != 1 || got[0] != tt.want {
			t.Errorf("ExtractURLs(%q) = %v, want [%s]", tt.in, got, tt.want)
		}
	}
}

func TestExtractURLsNone(t *testing.T) {
	if got := ExtractURLs("no links in this manual at all"); len(got) != 0 {
		t.Errorf("ExtractURLs = %v, want none", got)
	}
}

func TestIsVideoURL(t *testing.T) {
	tests := []struct {
		url  string
		want bool
	}{
		{"https://www.youtube.com/watch?v=abc", true},
		{"https://youtu.be/abc123", true},
		{"https://vimeo.com/987654", true},
		{"https://example.com/video", false},
		{"https://example.com/youtube-tips", false},
	}
	for _, tt := range tests {
		if got := IsVideoURL(tt.url); got != tt.want {
			t.Errorf("IsVideoURL(%q) = %v, want %v", tt.url, got, tt.want)
		}
	}
}
