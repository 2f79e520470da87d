package models

import (
	"encoding/json"
	"fmt"
)

// InferenceArgs is the polymorphic job request payload, stored as JSONB in
// the `inference_args` column. It is a tagged union keyed by category: exactly
// one variant field is set, and it must match the job's category. Handlers
// decode it once at the dispatch boundary; strategies receive the decoded
// variant and never re-parse JSON.
type InferenceArgs struct {
	Category Category `json:"category"`

	TTS             *TTSArgs             `json:"tts,omitempty"`
	VoiceConversion *VoiceConversionArgs `json:"voice_conversion,omitempty"`
	Lipsync         *LipsyncArgs         `json:"lipsync,omitempty"`
	ImageGeneration *ImageGenerationArgs `json:"image_generation,omitempty"`
	VideoRender     *VideoRenderArgs     `json:"video_render,omitempty"`
}

// TTSArgs is the payload for text_to_speech jobs.
type TTSArgs struct {
	Text       string `json:"text"`
	ModelToken string `json:"model_token,omitempty"`
}

// VoiceConversionArgs is the payload for voice_conversion jobs.
type VoiceConversionArgs struct {
	SourceMediaToken string `json:"source_media_token"`
	VoiceModelToken  string `json:"voice_model_token"`
}

// LipsyncArgs is the payload for lipsync jobs.
type LipsyncArgs struct {
	AudioMediaToken string `json:"audio_media_token"`
	ImageMediaToken string `json:"image_media_token"`
}

// ImageGenerationArgs is the payload for image_generation jobs.
type ImageGenerationArgs struct {
	Prompt          string `json:"prompt"`
	NumberOfSamples int    `json:"number_of_samples,omitempty"`
	Seed            *int64 `json:"seed,omitempty"`
}

// VideoRenderArgs is the payload for video_render jobs.
type VideoRenderArgs struct {
	SceneToken string `json:"scene_token"`
	StyleName  string `json:"style_name,omitempty"`
}

// InputMediaTokens lists the stored media and model weights the job needs
// fetched before execution can start.
func (a *InferenceArgs) InputMediaTokens() []string {
	switch a.Category {
	case CategoryTextToSpeech:
		if a.TTS != nil && a.TTS.ModelToken != "" {
			return []string{a.TTS.ModelToken}
		}
	case CategoryVoiceConversion:
		if a.VoiceConversion != nil {
			return []string{a.VoiceConversion.SourceMediaToken, a.VoiceConversion.VoiceModelToken}
		}
	case CategoryLipsync:
		if a.Lipsync != nil {
			return []string{a.Lipsync.AudioMediaToken, a.Lipsync.ImageMediaToken}
		}
	}
	return nil
}

// Validate checks that the variant matching Category is present and populated.
func (a *InferenceArgs) Validate() error {
	switch a.Category {
	case CategoryTextToSpeech:
		if a.TTS == nil || a.TTS.Text == "" {
			return fmt.Errorf("tts args with non-empty text are required for category %q", a.Category)
		}
	case CategoryVoiceConversion:
		if a.VoiceConversion == nil || a.VoiceConversion.SourceMediaToken == "" || a.VoiceConversion.VoiceModelToken == "" {
			return fmt.Errorf("voice_conversion args are required for category %q", a.Category)
		}
	case CategoryLipsync:
		if a.Lipsync == nil || a.Lipsync.AudioMediaToken == "" || a.Lipsync.ImageMediaToken == "" {
			return fmt.Errorf("lipsync args are required for category %q", a.Category)
		}
	case CategoryImageGeneration:
		if a.ImageGeneration == nil || a.ImageGeneration.Prompt == "" {
			return fmt.Errorf("image_generation args with a prompt are required for category %q", a.Category)
		}
	case CategoryVideoRender:
		if a.VideoRender == nil || a.VideoRender.SceneToken == "" {
			return fmt.Errorf("video_render args with a scene token are required for category %q", a.Category)
		}
	default:
		return fmt.Errorf("unknown category %q", a.Category)
	}
	return nil
}

// ParseInferenceArgs decodes and validates a stored payload. A payload whose
// variant does not match its category is a permanent input error: the job can
// never execute, regardless of retries.
func ParseInferenceArgs(raw []byte) (*InferenceArgs, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty inference args")
	}
	var args InferenceArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("decode inference args: %w", err)
	}
	if err := args.Validate(); err != nil {
		return nil, err
	}
	return &args, nil
}
