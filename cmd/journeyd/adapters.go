package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/sendloop/journey/internal/actions"
	"github.com/sendloop/journey/internal/conditions"
)

// The channel adapters live outside this process; these clients speak to them
// over HTTP. When no URL is configured the log adapters below are used
// instead, which makes local development work without any services running.

type httpSender struct {
	client  *http.Client
	baseURL string
}

func (s *httpSender) Send(ctx context.Context, msg actions.Message) error {
	return postJSON(ctx, s.client, s.baseURL+"/messages", msg.IdempotencyKey, msg)
}

type httpProfiles struct {
	client  *http.Client
	baseURL string
}

func (p *httpProfiles) AddTag(ctx context.Context, subjectID, tag string) error {
	return postJSON(ctx, p.client, p.baseURL+"/tags", "", map[string]string{
		"subject_id": subjectID, "tag": tag, "op": "add",
	})
}

func (p *httpProfiles) RemoveTag(ctx context.Context, subjectID, tag string) error {
	return postJSON(ctx, p.client, p.baseURL+"/tags", "", map[string]string{
		"subject_id": subjectID, "tag": tag, "op": "remove",
	})
}

func (p *httpProfiles) SetField(ctx context.Context, subjectID, field string, value any) error {
	return postJSON(ctx, p.client, p.baseURL+"/fields", "", map[string]any{
		"subject_id": subjectID, "field": field, "value": value,
	})
}

type httpClassifier struct {
	client  *http.Client
	baseURL string
}

func (c *httpClassifier) Classify(ctx context.Context, req conditions.ClassifyRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/classify", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("classifier returned %d", resp.StatusCode)
	}

	var out struct {
		Label string `json:"label"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&out); err != nil {
		return "", err
	}
	return out.Label, nil
}

func postJSON(ctx context.Context, client *http.Client, url, idempotencyKey string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s returned %d", url, resp.StatusCode)
	}
	return nil
}

// --- Development fallbacks ---

type logSender struct {
	logger *slog.Logger
}

func (s *logSender) Send(ctx context.Context, msg actions.Message) error {
	s.logger.InfoContext(ctx, "message (dry run)",
		slog.String("subject_id", msg.SubjectID),
		slog.String("channel", msg.Channel),
		slog.String("body", msg.Body))
	return nil
}

type logProfiles struct {
	logger *slog.Logger
}

func (p *logProfiles) AddTag(ctx context.Context, subjectID, tag string) error {
	p.logger.InfoContext(ctx, "add tag (dry run)", slog.String("subject_id", subjectID), slog.String("tag", tag))
	return nil
}

func (p *logProfiles) RemoveTag(ctx context.Context, subjectID, tag string) error {
	p.logger.InfoContext(ctx, "remove tag (dry run)", slog.String("subject_id", subjectID), slog.String("tag", tag))
	return nil
}

func (p *logProfiles) SetField(ctx context.Context, subjectID, field string, value any) error {
	p.logger.InfoContext(ctx, "set field (dry run)",
		slog.String("subject_id", subjectID),
		slog.String("field", field),
		slog.Any("value", value))
	return nil
}
