package sender

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// NewHTTPSendOne returns a SendFunc that delegates delivery to an external
// service. The service renders the message and speaks SMTP; the caller has
// already claimed the contact in mailbox_sent.
func NewHTTPSendOne(baseURL string) SendFunc {
	client := &http.Client{Timeout: 2 * time.Minute}
	return func(ctx context.Context, campaignID, listContactID int64) error {
		body, err := json.Marshal(map[string]int64{
			"campaign_id":     campaignID,
			"list_contact_id": listContactID,
		})
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, "POST", baseURL+"/send_one", bytes.NewBuffer(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("sender: delivery service returned %d for campaign %d contact %d",
				resp.StatusCode, campaignID, listContactID)
		}
		return nil
	}
}
