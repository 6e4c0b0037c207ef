package chat

import (
	"context"
	"fmt"
	"strings"

	"visual-waypoint-nav/utils"

	"google.golang.org/genai"
)

const modelName = "gemini-2.5-flash"

const systemPrompt = `You are the mission debrief assistant for an autonomous survey drone that confirms
each waypoint by matching its camera view against a reference snapshot.
You help operators with:
- The current flight state, battery and waypoint progress
- Why a waypoint verification passed or failed (matched keypoints, confidence, thresholds)
- What the spiral search is doing and when it will give up
- Why a mission ended the way it did

Answer only from the mission context you are given. If the context does not contain the answer, say so.
Be concise and technical. Keep responses under 200 words unless more detail is specifically requested.`

type GeminiClient struct {
	client *genai.Client
}

// NewGeminiClient reads GEMINI_API_KEY from the environment.
func NewGeminiClient(ctx context.Context) (*GeminiClient, error) {
	apiKey := utils.GetEnv("GEMINI_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY environment variable is required")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %v", err)
	}

	return &GeminiClient{client: client}, nil
}

func generationConfig() *genai.GenerateContentConfig {
	return &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(systemPrompt, genai.RoleModel),
		Temperature:       genai.Ptr(float32(0.3)),
		TopP:              genai.Ptr(float32(0.8)),
		TopK:              genai.Ptr(float32(40)),
		MaxOutputTokens:   int32(300),
	}
}

// Prompt joins the mission context and the operator question into one user turn.
func Prompt(missionContext, question string) string {
	var b strings.Builder
	b.WriteString("Mission context:\n")
	b.WriteString(strings.TrimSpace(missionContext))
	b.WriteString("\n\nOperator question:\n")
	b.WriteString(strings.TrimSpace(question))
	return b.String()
}

// GenerateResponse answers a question about the mission described by missionContext.
func (g *GeminiClient) GenerateResponse(ctx context.Context, missionContext, question string) (string, error) {
	userContent := genai.NewContentFromText(Prompt(missionContext, question), genai.RoleUser)

	resp, err := g.client.Models.GenerateContent(ctx, modelName, []*genai.Content{userContent}, generationConfig())
	if err != nil {
		return "", fmt.Errorf("failed to generate content: %v", err)
	}

	text := resp.Text()
	if text == "" {
		return "I'm sorry, I couldn't generate a response. Please try rephrasing your question.", nil
	}

	return strings.ReplaceAll(text, "*", ""), nil
}

// GenerateResponseStream streams the answer chunk by chunk.
func (g *GeminiClient) GenerateResponseStream(ctx context.Context, missionContext, question string, onChunk func(string) error) error {
	userContent := genai.NewContentFromText(Prompt(missionContext, question), genai.RoleUser)

	stream := g.client.Models.GenerateContentStream(ctx, modelName, []*genai.Content{userContent}, generationConfig())
	for resp, err := range stream {
		if err != nil {
			return fmt.Errorf("stream error: %v", err)
		}

		text := resp.Text()
		if text == "" {
			continue
		}
		if err := onChunk(strings.ReplaceAll(text, "*", "")); err != nil {
			return fmt.Errorf("chunk callback error: %v", err)
		}
	}

	return nil
}

func (g *GeminiClient) Close() error {
	return nil
}
