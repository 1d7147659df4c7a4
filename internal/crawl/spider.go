package crawl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ignite/leadgen-engine/internal/aggregate"
)

// SpiderFunc adapts a plain function to the Spider interface.
type SpiderFunc func(ctx context.Context, item Item) ([]aggregate.Candidate, error)

// Crawl implements Spider.
func (f SpiderFunc) Crawl(ctx context.Context, item Item) ([]aggregate.Candidate, error) {
	return f(ctx, item)
}

// HTTPSpider delegates directory fetching to an external spider service.
// The service parses the directory page and returns the extracted company
// rows; persisting them is the coordinator's job.
type HTTPSpider struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPSpider creates a spider client for the given service URL.
func NewHTTPSpider(baseURL string) *HTTPSpider {
	return &HTTPSpider{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 5 * time.Minute},
	}
}

type spiderContact struct {
	Source      string                 `json:"source"`
	Email       string                 `json:"email"`
	EmailStatus string                 `json:"email_status"`
	PLZ         string                 `json:"plz"`
	Address     string                 `json:"address"`
	Branches    []int64                `json:"branches"`
	Website     string                 `json:"website"`
	Description string                 `json:"description"`
	Data        map[string]interface{} `json:"data"`
}

// Crawl posts the cell to the spider service and returns its harvest.
func (s *HTTPSpider) Crawl(ctx context.Context, item Item) ([]aggregate.Candidate, error) {
	body, err := json.Marshal(item)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", s.baseURL+"/crawl", bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("crawl: spider service returned %d for cb %d", resp.StatusCode, item.CbID)
	}
	var out struct {
		Contacts []spiderContact `json:"contacts"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("crawl: spider response: %w", err)
	}

	cands := make([]aggregate.Candidate, 0, len(out.Contacts))
	for _, c := range out.Contacts {
		cands = append(cands, aggregate.Candidate{
			CbCrawlerID: item.CbID,
			Source:      c.Source,
			Email:       c.Email,
			EmailStatus: c.EmailStatus,
			PLZ:         c.PLZ,
			Address:     c.Address,
			Branches:    c.Branches,
			Website:     c.Website,
			Description: c.Description,
			Data:        c.Data,
		})
	}
	return cands, nil
}
