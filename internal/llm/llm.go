// Package llm suggests practical marks for a student's code answer using an
// OpenAI-compatible chat API. Suggestions are advisory; the teacher still
// enters every score.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/pavelanni/pms/internal/llm/prompts"
	"github.com/pavelanni/pms/internal/model"
)

// ErrNoCode is returned when an answer slot has no code to review.
var ErrNoCode = errors.New("answer has no code to review")

// Suggestion is the model's proposed mark for one answer slot.
type Suggestion struct {
	Score    int    `json:"score"`
	MaxMarks int    `json:"max_marks"`
	Feedback string `json:"feedback"`
}

// Client wraps an OpenAI-compatible API client.
type Client struct {
	api     *openai.Client
	model   string
	variant prompts.Variant
}

// New creates a new LLM client. An empty baseURL uses the OpenAI endpoint.
func New(baseURL, apiKey, modelName string, variant prompts.Variant) (*Client, error) {
	if err := prompts.Load(); err != nil {
		return nil, err
	}
	if !prompts.IsValidVariant(string(variant)) {
		return nil, fmt.Errorf("invalid prompt variant %q", variant)
	}
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &Client{
		api:     openai.NewClientWithConfig(config),
		model:   modelName,
		variant: variant,
	}, nil
}

// SuggestScore asks the model to mark the code in answer against q.
func (c *Client) SuggestScore(ctx context.Context, q model.Question, answer model.Answer) (Suggestion, error) {
	if strings.TrimSpace(answer.Code) == "" {
		return Suggestion{}, ErrNoCode
	}
	data := prompts.SuggestData{
		QuestionID: q.ID,
		Topic:      q.Topic,
		MaxMarks:   q.Marks,
		Code:       answer.Code,
	}
	if answer.File != nil {
		data.FileName = answer.File.Name
	}
	prompt, err := prompts.BuildSuggestPrompt(c.variant, data)
	if err != nil {
		return Suggestion{}, err
	}

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: prompt},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 0.1,
	})
	if err != nil {
		return Suggestion{}, fmt.Errorf("LLM API call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Suggestion{}, errors.New("LLM returned no choices")
	}

	raw := resp.Choices[0].Message.Content
	slog.Debug("LLM response", "question_id", q.ID, "raw", raw)
	return parseSuggestion(raw, q.Marks)
}

// parseSuggestion decodes the model reply and clamps the score into range.
func parseSuggestion(raw string, maxMarks int) (Suggestion, error) {
	var reply struct {
		Score    float64 `json:"score"`
		Feedback string  `json:"feedback"`
	}
	if err := json.Unmarshal([]byte(raw), &reply); err != nil {
		return Suggestion{}, fmt.Errorf("parse LLM response: %w (raw: %s)", err, raw)
	}
	score := int(reply.Score + 0.5)
	switch {
	case score < 0:
		score = 0
	case score > maxMarks:
		score = maxMarks
	}
	return Suggestion{Score: score, MaxMarks: maxMarks, Feedback: strings.TrimSpace(reply.Feedback)}, nil
}
