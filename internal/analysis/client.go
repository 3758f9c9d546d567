package analysis

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/securecall/securecall/internal/logging"
	"github.com/securecall/securecall/internal/record"
)

// ErrDisabled is returned when no upload endpoint is configured.
var ErrDisabled = errors.New("analysis: pipeline disabled (no upload url)")

// Report is the backend's response for one processed recording.
type Report struct {
	Transcription        string
	RefinedTranscription string
	ScamAnalysis         string
}

type uploadResponse struct {
	SecureURL string `json:"secure_url"`
}

type saveRecordingRequest struct {
	CloudinaryURL string `json:"cloudinaryUrl"`
}

type saveRecordingResponse struct {
	Success   bool `json:"success"`
	Recording struct {
		Transcription        string `json:"transcription"`
		RefinedTranscription string `json:"refinedTranscription"`
		ScamAnalysis         string `json:"scamAnalysis"`
	} `json:"recording"`
}

// Client talks to the storage and analysis collaborators.
type Client struct {
	http         *resty.Client
	uploadURL    string
	uploadPreset string
	backendURL   string
	log          logging.Logger
}

func NewClient(uploadURL, uploadPreset, backendURL string, log logging.Logger) *Client {
	return &Client{
		http:         resty.New().SetTimeout(60 * time.Second),
		uploadURL:    uploadURL,
		uploadPreset: uploadPreset,
		backendURL:   backendURL,
		log:          log.Named("analysis"),
	}
}

// Process uploads the artifact to storage, then asks the backend to
// transcribe and score it. The artifact is consumed regardless of outcome.
func (c *Client) Process(ctx context.Context, artifact *record.Artifact) (*Report, error) {
	if c.uploadURL == "" {
		return nil, ErrDisabled
	}

	url, err := c.upload(ctx, artifact)
	if err != nil {
		return nil, fmt.Errorf("upload recording: %w", err)
	}
	c.log.Infof("uploaded %s (%d bytes) to %s", artifact.FileName(), len(artifact.Data), url)

	report, err := c.save(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("process recording: %w", err)
	}
	return report, nil
}

func (c *Client) upload(ctx context.Context, artifact *record.Artifact) (string, error) {
	var out uploadResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetFileReader("file", artifact.FileName(), bytes.NewReader(artifact.Data)).
		SetFormData(map[string]string{"upload_preset": c.uploadPreset}).
		SetResult(&out).
		Post(c.uploadURL)
	if err != nil {
		return "", err
	}
	if resp.IsError() {
		return "", fmt.Errorf("storage returned %s", resp.Status())
	}
	if out.SecureURL == "" {
		return "", errors.New("storage response missing secure_url")
	}
	return out.SecureURL, nil
}

func (c *Client) save(ctx context.Context, storageURL string) (*Report, error) {
	var out saveRecordingResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(saveRecordingRequest{CloudinaryURL: storageURL}).
		SetResult(&out).
		Post(c.backendURL)
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, fmt.Errorf("backend returned %s", resp.Status())
	}
	if !out.Success {
		return nil, errors.New("backend processing failed")
	}
	return &Report{
		Transcription:        out.Recording.Transcription,
		RefinedTranscription: out.Recording.RefinedTranscription,
		ScamAnalysis:         out.Recording.ScamAnalysis,
	}, nil
}
