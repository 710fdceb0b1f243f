package runner

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// WebhookJobClass is the class name the builtin webhook job registers under.
const WebhookJobClass = "builtin/webhook"

// WebhookPayload is the JSON body posted to the job's configured URL.
type WebhookPayload struct {
	JobKey      string `json:"job_key"`
	TriggerKey  string `json:"trigger_key"`
	FireID      string `json:"fire_id"`
	ScheduledAt string `json:"scheduled_at"`
	FiredAt     string `json:"fired_at"`
}

// RegisterWebhookJob adds the builtin webhook job to the registry. The job
// reads its target from the job data map: "url" (required), "secret"
// (optional HMAC key) and "timeout" (optional duration, default 30s).
func RegisterWebhookJob(reg *Registry, client *http.Client) {
	if client == nil {
		client = &http.Client{}
	}
	reg.Register(WebhookJobClass, func(ctx context.Context, inv Invocation) error {
		return sendWebhook(ctx, client, inv)
	})
}

// sendWebhook posts the firing payload with an HMAC signature.
// Headers: X-Quartz-Fire-ID, X-Quartz-Signature
func sendWebhook(ctx context.Context, client *http.Client, inv Invocation) error {
	url := inv.Job.Data["url"]
	if url == "" {
		// A webhook job without a URL can never succeed; stop refiring it.
		return fmt.Errorf("%w: job %s has no webhook url", ErrUnscheduleTrigger, inv.Job.Key)
	}

	body, err := json.Marshal(WebhookPayload{
		JobKey:      inv.Job.Key.String(),
		TriggerKey:  inv.Trigger.Key.String(),
		FireID:      inv.FireID,
		ScheduledAt: inv.ScheduledTime.UTC().Format(time.RFC3339),
		FiredAt:     inv.FireTime.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	timeout := 30 * time.Second
	if t := inv.Job.Data["timeout"]; t != "" {
		if d, err := time.ParseDuration(t); err == nil && d > 0 {
			timeout = d
		}
	}
	ctxTimeout, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctxTimeout, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Quartz-Fire-ID", inv.FireID)
	if secret := inv.Job.Data["secret"]; secret != "" {
		req.Header.Set("X-Quartz-Signature", computeSignature(secret, body))
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s: status %d", url, resp.StatusCode)
	}
	return nil
}

func computeSignature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature is for receivers to verify incoming webhooks.
func VerifySignature(secret string, body []byte, signature string) bool {
	expected := computeSignature(secret, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}
