package provider

import "testing"

func TestAspectRatioFor(t *testing.T) {
	tests := []struct {
		size string
		want string
	}{
		{size: "1024x1024", want: "1:1"},
		{size: "1920x1080", want: "16:9"},
		{size: "1080x1920", want: "9:16"},
		{size: "1024x768", want: "4:3"},
		{size: "768x1024", want: "3:4"},
		{size: "1536x1024", want: "3:2"},
		{size: "1024x1536", want: "2:3"},
		{size: "1000x960", want: "1:1"},
		{size: "1024X1024", want: "1:1"},
		{size: "16:9", want: "16:9"},
		{size: "3000x1000", want: ""},
		{size: "auto", want: ""},
		{size: "", want: ""},
		{size: "0x100", want: ""},
		{size: "axb", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.size, func(t *testing.T) {
			if got := AspectRatioFor(tt.size); got != tt.want {
				t.Errorf("AspectRatioFor(%q) = %q, want %q", tt.size, got, tt.want)
			}
		})
	}
}
