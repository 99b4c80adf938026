package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const (
	colorRed    = 16711680
	colorGreen  = 65280
	colorYellow = 16776960
)

type DiscordMessage struct {
	Embeds []DiscordEmbed `json:"embeds"`
}

type DiscordEmbed struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Color       int    `json:"color"`
}

// Discord posts run results to webhooks. An empty URL turns that kind of message off.
type Discord struct {
	ErrorURL   string
	SuccessURL string
	Client     *http.Client
}

func NewDiscord(errorURL, successURL string) *Discord {
	return &Discord{
		ErrorURL:   errorURL,
		SuccessURL: successURL,
		Client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *Discord) Enabled() bool {
	return d != nil && (d.ErrorURL != "" || d.SuccessURL != "")
}

func (d *Discord) SendError(ctx context.Context, errorMessage string) error {
	return d.send(ctx, d.ErrorURL, DiscordEmbed{
		Title:       "🚨 Error Notification",
		Description: errorMessage,
		Color:       colorRed,
	})
}

func (d *Discord) SendSuccess(ctx context.Context, successMessage string) error {
	return d.send(ctx, d.SuccessURL, DiscordEmbed{
		Title:       "✅ Success Notification",
		Description: successMessage,
		Color:       colorGreen,
	})
}

// SendWarning goes to the error webhook with a yellow embed, e.g. for runs with nothing to do.
func (d *Discord) SendWarning(ctx context.Context, warningMessage string) error {
	return d.send(ctx, d.ErrorURL, DiscordEmbed{
		Title:       "⚠️ Warning Notification",
		Description: warningMessage,
		Color:       colorYellow,
	})
}

func (d *Discord) send(ctx context.Context, url string, embed DiscordEmbed) error {
	if d == nil || url == "" {
		return nil
	}
	payload, err := json.Marshal(DiscordMessage{Embeds: []DiscordEmbed{embed}})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build Discord request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send Discord notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to send Discord notification, status code: %d", resp.StatusCode)
	}
	return nil
}
