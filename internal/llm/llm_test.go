package llm

import (
	"strings"
	"testing"

	"github.com/avolkov/voxsurvey/internal/model"
)

func TestParseDecision(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    model.FollowUpDecision
		wantErr bool
	}{
		{
			name: "ask",
			raw:  `{"should_ask": true, "follow_up_question": "What stands out?", "rationale": "vague"}`,
			want: model.FollowUpDecision{Kind: model.DecisionAsk, Question: "What stands out?", Rationale: "vague"},
		},
		{
			name: "skip",
			raw:  `{"should_ask": false, "follow_up_question": "", "rationale": "specific enough"}`,
			want: model.FollowUpDecision{Kind: model.DecisionSkip, Rationale: "specific enough"},
		},
		{
			name: "skip ignores stray question text",
			raw:  `{"should_ask": false, "follow_up_question": "ignored", "rationale": ""}`,
			want: model.FollowUpDecision{Kind: model.DecisionSkip},
		},
		{
			name: "whitespace trimmed",
			raw:  `{"should_ask": true, "follow_up_question": "  Why?  ", "rationale": " short "}`,
			want: model.FollowUpDecision{Kind: model.DecisionAsk, Question: "Why?", Rationale: "short"},
		},
		{
			name:    "ask without question",
			raw:     `{"should_ask": true, "follow_up_question": "   ", "rationale": "r"}`,
			wantErr: true,
		},
		{
			name:    "not json",
			raw:     `sure, I'd ask about the pace`,
			wantErr: true,
		},
		{
			name:    "truncated json",
			raw:     `{"should_ask": true, "follow_up_q`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseDecision(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseDecision: %v", err)
			}
			if got != tt.want {
				t.Errorf("parseDecision = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestBuildDecisionPrompt(t *testing.T) {
	prompt := buildDecisionPrompt("How is the pace?", "I love the pace")

	for _, want := range []string{
		"Survey question: How is the pace?",
		"Respondent answer: I love the pace",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}
