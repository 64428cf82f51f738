// Package speech wraps Google Cloud Speech-to-Text and Text-to-Speech for
// one-shot recognition of an uploaded clip and synthesis of the reply.
package speech

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/speech/apiv1/speechpb"
	"cloud.google.com/go/texttospeech/apiv1/texttospeechpb"
	"github.com/googleapis/gax-go/v2"
)

// RecognitionConfig describes the uploaded audio. Encoding uses the
// Speech-to-Text enum names, e.g. "WEBM_OPUS".
type RecognitionConfig struct {
	Encoding        string
	SampleRateHertz int
	LanguageCode    string
	Model           string
}

// DefaultRecognitionConfig matches what browsers record with MediaRecorder.
func DefaultRecognitionConfig() RecognitionConfig {
	return RecognitionConfig{
		Encoding:        "WEBM_OPUS",
		SampleRateHertz: 48000,
		LanguageCode:    "ja-JP",
		Model:           "latest_long",
	}
}

// VoiceProfile selects the synthesized voice and output format.
type VoiceProfile struct {
	LanguageCode  string
	Gender        string
	AudioEncoding string
}

func DefaultVoiceProfile() VoiceProfile {
	return VoiceProfile{
		LanguageCode:  "ja-JP",
		Gender:        "NEUTRAL",
		AudioEncoding: "MP3",
	}
}

// recognizerAPI is the part of the Speech-to-Text client used here.
// *speech.Client from cloud.google.com/go/speech/apiv1 satisfies it.
type recognizerAPI interface {
	Recognize(ctx context.Context, req *speechpb.RecognizeRequest, opts ...gax.CallOption) (*speechpb.RecognizeResponse, error)
}

// synthesizerAPI is the part of the Text-to-Speech client used here.
// *texttospeech.Client from cloud.google.com/go/texttospeech/apiv1 satisfies it.
type synthesizerAPI interface {
	SynthesizeSpeech(ctx context.Context, req *texttospeechpb.SynthesizeSpeechRequest, opts ...gax.CallOption) (*texttospeechpb.SynthesizeSpeechResponse, error)
}

// Client turns audio into text and text into audio.
type Client struct {
	stt recognizerAPI
	tts synthesizerAPI
}

func NewClient(stt recognizerAPI, tts synthesizerAPI) (*Client, error) {
	if stt == nil {
		return nil, errors.New("speech: recognizer must not be nil")
	}
	if tts == nil {
		return nil, errors.New("speech: synthesizer must not be nil")
	}
	return &Client{stt: stt, tts: tts}, nil
}

// Transcribe returns the top alternative of the first result, or "" when
// nothing was recognized.
func (c *Client) Transcribe(ctx context.Context, audio []byte, cfg RecognitionConfig) (string, error) {
	if len(audio) == 0 {
		return "", errors.New("speech: audio is empty")
	}
	rc, err := recognitionConfig(cfg)
	if err != nil {
		return "", err
	}

	res, err := c.stt.Recognize(ctx, &speechpb.RecognizeRequest{
		Config: rc,
		Audio: &speechpb.RecognitionAudio{
			AudioSource: &speechpb.RecognitionAudio_Content{Content: audio},
		},
	})
	if err != nil {
		return "", fmt.Errorf("speech: recognize: %w", err)
	}
	results := res.GetResults()
	if len(results) == 0 {
		return "", nil
	}
	alts := results[0].GetAlternatives()
	if len(alts) == 0 {
		return "", nil
	}
	return alts[0].GetTranscript(), nil
}

// Synthesize renders text with voice. Empty text yields no audio and no call.
func (c *Client) Synthesize(ctx context.Context, text string, voice VoiceProfile) ([]byte, error) {
	if text == "" {
		return nil, nil
	}
	req, err := synthesizeRequest(text, voice)
	if err != nil {
		return nil, err
	}
	res, err := c.tts.SynthesizeSpeech(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("speech: synthesize: %w", err)
	}
	return res.GetAudioContent(), nil
}

func recognitionConfig(cfg RecognitionConfig) (*speechpb.RecognitionConfig, error) {
	enc, ok := speechpb.RecognitionConfig_AudioEncoding_value[strings.ToUpper(strings.TrimSpace(cfg.Encoding))]
	if !ok {
		return nil, fmt.Errorf("speech: unknown audio encoding %q", cfg.Encoding)
	}
	return &speechpb.RecognitionConfig{
		Encoding:        speechpb.RecognitionConfig_AudioEncoding(enc),
		SampleRateHertz: int32(cfg.SampleRateHertz),
		LanguageCode:    cfg.LanguageCode,
		Model:           cfg.Model,
	}, nil
}

func synthesizeRequest(text string, voice VoiceProfile) (*texttospeechpb.SynthesizeSpeechRequest, error) {
	gender, ok := texttospeechpb.SsmlVoiceGender_value[strings.ToUpper(strings.TrimSpace(voice.Gender))]
	if !ok {
		return nil, fmt.Errorf("speech: unknown voice gender %q", voice.Gender)
	}
	enc, ok := texttospeechpb.AudioEncoding_value[strings.ToUpper(strings.TrimSpace(voice.AudioEncoding))]
	if !ok {
		return nil, fmt.Errorf("speech: unknown output encoding %q", voice.AudioEncoding)
	}
	return &texttospeechpb.SynthesizeSpeechRequest{
		Input: &texttospeechpb.SynthesisInput{
			InputSource: &texttospeechpb.SynthesisInput_Text{Text: text},
		},
		Voice: &texttospeechpb.VoiceSelectionParams{
			LanguageCode: voice.LanguageCode,
			SsmlGender:   texttospeechpb.SsmlVoiceGender(gender),
		},
		AudioConfig: &texttospeechpb.AudioConfig{
			AudioEncoding: texttospeechpb.AudioEncoding(enc),
		},
	}, nil
}
