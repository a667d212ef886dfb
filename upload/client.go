package upload

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Client posts spooled records to the collection server.
type Client struct {
	endpoint string
	http     *http.Client
	log      zerolog.Logger
}

func NewClient(endpoint string, log zerolog.Logger) *Client {
	return &Client{
		endpoint: endpoint,
		http:     &http.Client{Timeout: 30 * time.Second},
		log:      log.With().Str("component", "upload").Logger(),
	}
}

// Send posts one record as multipart form data.
func (c *Client) Send(ctx context.Context, r Record) error {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	_ = writer.WriteField("kind", r.Kind)
	_ = writer.WriteField("run_id", r.RunID)
	_ = writer.WriteField("id", fmt.Sprintf("%d", r.ID))

	part, err := writer.CreateFormFile("payload", fmt.Sprintf("%s_%d.json", r.Kind, r.ID))
	if err != nil {
		return err
	}
	if _, err := part.Write(r.Payload); err != nil {
		return err
	}
	if err := writer.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post %s %d: %w", r.Kind, r.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("post %s %d: server returned %d", r.Kind, r.ID, resp.StatusCode)
	}
	return nil
}

// Flush uploads up to batch pending records and returns how many succeeded.
// It stops at the first failure so records keep their order.
func (c *Client) Flush(ctx context.Context, spool *Spool, batch int) (int, error) {
	recs, err := spool.Pending(ctx, batch)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, r := range recs {
		if err := c.Send(ctx, r); err != nil {
			if mErr := spool.MarkFailed(ctx, r.Kind, r.ID); mErr != nil {
				c.log.Error().Err(mErr).Msg("failed to record upload attempt")
			}
			return sent, err
		}
		if err := spool.MarkUploaded(ctx, r.Kind, r.ID); err != nil {
			return sent, err
		}
		sent++
	}
	return sent, nil
}

// Drain flushes the spool every interval until ctx is done.
func (c *Client) Drain(ctx context.Context, spool *Spool, interval time.Duration, batch int) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := c.Flush(ctx, spool, batch)
			if err != nil {
				c.log.Error().Err(err).Int("sent", n).Msg("upload failed")
				continue
			}
			if n > 0 {
				c.log.Info().Int("sent", n).Msg("uploaded spooled records")
			}
		}
	}
}
