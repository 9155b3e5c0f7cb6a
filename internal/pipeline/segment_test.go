package pipeline

import (
	"reflect"
	"testing"
)

func TestSegment(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		minRunes int
		want     []string
	}{
		{
			name: "sentences keep their delimiters",
			text: "Bonjour tout le monde. Comment allez-vous aujourd'hui? Très bien merci!",
			want: []string{"Bonjour tout le monde.", "Comment allez-vous aujourd'hui?", "Très bien merci!"},
		},
		{
			name: "clause boundaries split",
			text: "First clause here; second clause there: third clause done.",
			want: []string{"First clause here;", "second clause there:", "third clause done."},
		},
		{
			name: "newlines split without delimiter",
			text: "line one is long enough\nline two is long enough",
			want: []string{"line one is long enough", "line two is long enough"},
		},
		{
			name:     "short fragments merge forward",
			text:     "Oui. Mais la suite de la phrase continue ici.",
			minRunes: 12,
			want:     []string{"Oui. Mais la suite de la phrase continue ici."},
		},
		{
			name:     "trailing short fragment merges backward",
			text:     "Une phrase complète et assez longue. Fin.",
			minRunes: 12,
			want:     []string{"Une phrase complète et assez longue. Fin."},
		},
		{
			name: "no boundary yields one unit",
			text: "a single run of text with no punctuation at all",
			want: []string{"a single run of text with no punctuation at all"},
		},
		{
			name: "empty text yields nothing",
			text: "   ",
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Segment(tt.text, tt.minRunes)
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("Segment(%q) = %#v, want %#v", tt.text, got, tt.want)
			}
		})
	}
}
