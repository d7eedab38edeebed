// Package notify delivers terminal batch notifications to configured
// webhooks. Delivery is at-most-once: the sender flips the persistence flag
// before the POST, so a crash can lose a notification but never duplicate
// one.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/curious-containers/agency/pkg/config"
	"github.com/curious-containers/agency/pkg/log"
	"github.com/curious-containers/agency/pkg/types"
)

const requestTimeout = 10 * time.Second

// BatchNotification is one entry of the webhook payload.
type BatchNotification struct {
	BatchID string `json:"batchId"`
	State   string `json:"state"`
}

type payload struct {
	Batches []BatchNotification `json:"batches"`
}

// Sender posts batch notifications to every configured hook.
type Sender struct {
	hooks  []config.NotificationHook
	client *http.Client
	logger zerolog.Logger
}

// NewSender creates a sender for the given hooks.
func NewSender(hooks []config.NotificationHook) *Sender {
	return &Sender{
		hooks:  hooks,
		client: &http.Client{Timeout: requestTimeout},
		logger: log.WithComponent("notify"),
	}
}

// Send posts the batches to every hook. Failed deliveries are logged and not
// retried.
func (s *Sender) Send(ctx context.Context, batches []*types.Batch) {
	if len(s.hooks) == 0 || len(batches) == 0 {
		return
	}

	body := payload{Batches: make([]BatchNotification, 0, len(batches))}
	for _, batch := range batches {
		body.Batches = append(body.Batches, BatchNotification{
			BatchID: batch.ID,
			State:   string(batch.State),
		})
	}

	data, err := json.Marshal(&body)
	if err != nil {
		s.logger.Error().Err(err).Msg("serialize notification payload")
		return
	}

	for _, hook := range s.hooks {
		if err := s.post(ctx, hook, data); err != nil {
			s.logger.Error().
				Err(err).
				Str("url", hook.URL).
				Int("batches", len(body.Batches)).
				Msg("notification delivery failed")
		}
	}
}

func (s *Sender) post(ctx context.Context, hook config.NotificationHook, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if hook.Auth != nil {
		req.SetBasicAuth(hook.Auth.Username, hook.Auth.Password)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("notification hook replied with status %d", resp.StatusCode)
	}
	return nil
}
