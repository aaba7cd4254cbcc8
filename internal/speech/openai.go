// Package speech provides the text-to-speech and speech-to-text
// capabilities plus the narration prompt cache.
package speech

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/avolkov/voxsurvey/internal/model"
)

// Synthesizer converts text into audio bytes.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, voice model.VoiceConfig) ([]byte, error)
}

// Transcriber converts recorded audio into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, filename, language string) (string, error)
}

// OpenAIService implements Synthesizer and Transcriber against an
// OpenAI-compatible audio API.
type OpenAIService struct {
	api      *openai.Client
	sttModel string
}

// NewOpenAIService creates the speech service. sttModel is the
// transcription model (e.g. whisper-1).
func NewOpenAIService(baseURL, apiKey, sttModel string) *OpenAIService {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &OpenAIService{
		api:      openai.NewClientWithConfig(config),
		sttModel: sttModel,
	}
}

// Synthesize renders text with the given voice and returns audio bytes.
func (s *OpenAIService) Synthesize(ctx context.Context, text string, voice model.VoiceConfig) ([]byte, error) {
	cleaned := strings.TrimSpace(text)
	if cleaned == "" {
		return nil, fmt.Errorf("text must be provided for synthesis")
	}

	resp, err := s.api.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(voice.Model),
		Input:          cleaned,
		Voice:          openai.SpeechVoice(voice.Voice),
		ResponseFormat: openai.SpeechResponseFormat(voice.Format),
	})
	if err != nil {
		return nil, fmt.Errorf("speech synthesis: %w", err)
	}
	defer resp.Close()

	audio, err := io.ReadAll(resp)
	if err != nil {
		return nil, fmt.Errorf("read synthesized audio: %w", err)
	}
	if len(audio) == 0 {
		return nil, fmt.Errorf("speech synthesis returned no audio bytes")
	}
	return audio, nil
}

// Transcribe converts audio bytes into text. filename carries the
// extension the API uses to sniff the container format; language is an
// optional hint.
func (s *OpenAIService) Transcribe(ctx context.Context, audio []byte, filename, language string) (string, error) {
	if len(audio) == 0 {
		return "", fmt.Errorf("audio bytes must be provided for transcription")
	}
	if filename == "" {
		filename = "input.wav"
	}

	resp, err := s.api.CreateTranscription(ctx, openai.AudioRequest{
		Model:    s.sttModel,
		FilePath: filename,
		Reader:   bytes.NewReader(audio),
		Language: language,
	})
	if err != nil {
		return "", fmt.Errorf("transcription: %w", err)
	}

	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return "", fmt.Errorf("transcription response did not include text")
	}
	return text, nil
}
