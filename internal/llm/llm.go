// Package llm wraps an OpenAI-compatible chat API for the two language
// model capabilities the engine consumes: follow-up decisions and
// analysis answers.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/avolkov/voxsurvey/internal/model"
)

// Client wraps an OpenAI-compatible API client.
type Client struct {
	api   *openai.Client
	model string
}

// New creates a new LLM client. baseURL may point at any
// OpenAI-compatible endpoint; empty means the default OpenAI API.
func New(baseURL, apiKey, modelName string) *Client {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &Client{
		api:   openai.NewClientWithConfig(config),
		model: modelName,
	}
}

// Ping verifies the endpoint is reachable.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.api.ListModels(ctx); err != nil {
		return fmt.Errorf("LLM endpoint unreachable: %w", err)
	}
	return nil
}

// decisionPayload is the JSON shape the model is instructed to return.
type decisionPayload struct {
	ShouldAsk        bool   `json:"should_ask"`
	FollowUpQuestion string `json:"follow_up_question"`
	Rationale        string `json:"rationale"`
}

// DecideFollowUp asks the model whether the answer warrants a follow-up
// question and returns the tagged decision.
func (c *Client) DecideFollowUp(ctx context.Context, question, answer string) (model.FollowUpDecision, error) {
	if question == "" || answer == "" {
		return model.FollowUpDecision{}, fmt.Errorf("both question and answer must be provided")
	}

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: decisionSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: buildDecisionPrompt(question, answer)},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 0.2,
	})
	if err != nil {
		return model.FollowUpDecision{}, fmt.Errorf("follow-up decision API call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return model.FollowUpDecision{}, fmt.Errorf("LLM returned no choices")
	}

	raw := resp.Choices[0].Message.Content
	slog.Debug("follow-up decision response", "raw", raw)
	return parseDecision(raw)
}

// parseDecision converts the model's JSON payload into the tagged
// decision, rejecting payloads that violate the contract.
func parseDecision(raw string) (model.FollowUpDecision, error) {
	var p decisionPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return model.FollowUpDecision{}, fmt.Errorf("parse decision response: %w (raw: %s)", err, raw)
	}

	followUp := strings.TrimSpace(p.FollowUpQuestion)
	rationale := strings.TrimSpace(p.Rationale)
	if !p.ShouldAsk {
		return model.FollowUpDecision{Kind: model.DecisionSkip, Rationale: rationale}, nil
	}
	if followUp == "" {
		return model.FollowUpDecision{}, fmt.Errorf("decision asks a follow-up but provides no question (raw: %s)", raw)
	}
	return model.FollowUpDecision{Kind: model.DecisionAsk, Question: followUp, Rationale: rationale}, nil
}

// Answer runs a plain completion for the analysis agent's prompt.
func (c *Client) Answer(ctx context.Context, prompt string) (string, error) {
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: 0.3,
	})
	if err != nil {
		return "", fmt.Errorf("analysis API call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("LLM returned no choices")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

const decisionSystemPrompt = `You are a professional survey assistant tasked with judging whether a follow-up question is needed.
Consider the original survey question and the respondent's answer.

- Set should_ask to true when you need more detail to understand the answer. Include a concise follow_up_question that invites elaboration.
- Set should_ask to false when the answer is already specific enough or a follow-up question would not make sense. Leave follow_up_question empty in that case.

Avoid repeating the original question verbatim and keep follow-up questions single-sentence and neutral.

Respond ONLY with a JSON object with these fields:
{"should_ask": <true/false>, "follow_up_question": "<question or empty string>", "rationale": "<short reasoning>"}`

func buildDecisionPrompt(question, answer string) string {
	var sb strings.Builder
	sb.WriteString("Survey question: " + question + "\n")
	sb.WriteString("Respondent answer: " + answer + "\n\n")
	sb.WriteString("Provide your recommendation.")
	return sb.String()
}
