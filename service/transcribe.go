package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"media-pipeline/config"
)

type TranscriptSegment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

type TranscriptionResult struct {
	Text         string
	CaptionTrack string
	Segments     []TranscriptSegment
	Language     string
}

// Transcriber converts a media file's audio track into timestamped text.
// A nil result with a nil error means transcription was skipped (no engine
// credentials, or the extracted audio exceeds the engine's size limit); a nil
// result with an error means the engine failed. Neither outcome is fatal to
// the surrounding job.
type Transcriber interface {
	Transcribe(ctx context.Context, mediaPath string) (*TranscriptionResult, error)
}

type whisperTranscriber struct {
	cfg    config.Transcription
	client *http.Client
}

func NewTranscriber(cfg config.Transcription) Transcriber {
	return &whisperTranscriber{
		cfg: cfg,
		client: &http.Client{
			Timeout: 5 * time.Minute,
		},
	}
}

func (t *whisperTranscriber) Transcribe(ctx context.Context, mediaPath string) (*TranscriptionResult, error) {
	if t.cfg.APIKey == "" {
		zerolog.Ctx(ctx).Info().Msg("transcription engine not configured, skipping")
		return nil, nil
	}

	audioPath := mediaPath + ".transcribe.mp3"
	if err := extractAudioTrack(ctx, mediaPath, audioPath); err != nil {
		os.Remove(audioPath)
		return nil, fmt.Errorf("extract audio track: %w", err)
	}
	defer os.Remove(audioPath)

	info, err := os.Stat(audioPath)
	if err != nil {
		return nil, err
	}
	if info.Size() > t.cfg.MaxAudioBytes {
		zerolog.Ctx(ctx).Info().
			Int64("audio_bytes", info.Size()).
			Int64("limit", t.cfg.MaxAudioBytes).
			Msg("extracted audio exceeds engine limit, skipping transcription")
		return nil, nil
	}

	resp, err := t.submit(ctx, audioPath)
	if err != nil {
		return nil, err
	}

	return buildResult(resp), nil
}

// extractAudioTrack demuxes a mono 16 kHz low-bitrate audio track from the
// source media, container and codec agnostic.
func extractAudioTrack(ctx context.Context, inputPath, outputPath string) error {
	args := []string{
		"-y",
		"-i", inputPath,
		"-vn",
		"-ac", "1",
		"-ar", "16000",
		"-b:a", "32k",
		"-f", "mp3",
		outputPath,
	}

	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		zerolog.Ctx(ctx).Debug().Str("output", string(output)).Msg("ffmpeg audio extraction output")
		return fmt.Errorf("ffmpeg audio extraction failed: %w", err)
	}
	return nil
}

type engineSegment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

type engineResponse struct {
	Text     string          `json:"text"`
	Language string          `json:"language"`
	Segments []engineSegment `json:"segments"`
}

func (t *whisperTranscriber) submit(ctx context.Context, audioPath string) (*engineResponse, error) {
	file, err := os.Open(audioPath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", filepath.Base(audioPath))
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, file); err != nil {
		return nil, err
	}
	if err := writer.WriteField("model", t.cfg.Model); err != nil {
		return nil, err
	}
	if err := writer.WriteField("response_format", "verbose_json"); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}

	url := strings.TrimSuffix(t.cfg.BaseURL, "/") + "/audio/transcriptions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+t.cfg.APIKey)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("transcription engine returned %d: %s", resp.StatusCode, string(msg))
	}

	engineResp := &engineResponse{}
	if err := json.NewDecoder(resp.Body).Decode(engineResp); err != nil {
		return nil, fmt.Errorf("decode transcription response: %w", err)
	}

	return engineResp, nil
}

func buildResult(resp *engineResponse) *TranscriptionResult {
	segments := make([]TranscriptSegment, 0, len(resp.Segments))
	for _, s := range resp.Segments {
		segments = append(segments, TranscriptSegment{
			Start: s.Start,
			End:   s.End,
			Text:  strings.TrimSpace(s.Text),
		})
	}

	language := resp.Language
	if language == "" {
		language = "en"
	}

	return &TranscriptionResult{
		Text:         strings.TrimSpace(resp.Text),
		CaptionTrack: FormatCaptionTrack(segments),
		Segments:     segments,
		Language:     language,
	}
}

// FormatCaptionTrack serializes segments into a WEBVTT caption track with
// one-indexed, blank-line separated cues.
func FormatCaptionTrack(segments []TranscriptSegment) string {
	var b strings.Builder
	b.WriteString("WEBVTT\n\n")

	for i, s := range segments {
		b.WriteString(fmt.Sprintf("%d\n", i+1))
		b.WriteString(fmt.Sprintf("%s --> %s\n", formatTimestamp(s.Start), formatTimestamp(s.End)))
		b.WriteString(s.Text)
		b.WriteString("\n\n")
	}

	return b.String()
}

// formatTimestamp renders seconds as HH:MM:SS.mmm, rounding to the nearest
// millisecond.
func formatTimestamp(seconds float64) string {
	millis := int64(math.Round(seconds * 1000))
	if millis < 0 {
		millis = 0
	}

	h := millis / 3600000
	millis -= h * 3600000
	m := millis / 60000
	millis -= m * 60000
	s := millis / 1000
	ms := millis - s*1000

	return fmt.Sprintf("%02d:%02d:%02d.%03d", h, m, s, ms)
}
