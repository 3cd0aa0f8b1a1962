package validator

import (
	"testing"

	"github.com/stemsi/exstem-proctor/internal/model"
)

func TestQuestionID(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"q1", true},
		{"section-2.q:14_b", true},
		{"", false},
		{"q 1", false},
		{"../etc", false},
		{"q/1", false},
	}
	for _, tt := range tests {
		if got := QuestionID(tt.in); got != tt.want {
			t.Errorf("QuestionID(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestStructReportsFieldNames(t *testing.T) {
	Setup()
	Setup()

	fields := Struct(&model.ProctorEventInput{})
	if _, ok := fields["type"]; !ok {
		t.Fatalf("fields = %v, want a 'type' entry", fields)
	}
	if fields := Struct(&model.ProctorEventInput{Type: "heartbeat"}); fields != nil {
		t.Fatalf("valid input rejected: %v", fields)
	}
}
