package scanner

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const pageLimit = 100

// Client wraps the external transactions-by-address API. It is used only for
// discovery of tx hashes; everything else comes from RPC.
type Client struct {
	baseURL string
	chainID int64
	http    *http.Client
}

func NewClient(baseURL string, chainID int64) *Client {
	return &Client{
		baseURL: baseURL,
		chainID: chainID,
		http:    &http.Client{Timeout: 20 * time.Second},
	}
}

func (c *Client) Enabled() bool { return c != nil && c.baseURL != "" }

type Item struct {
	TxHash      string `json:"txHash"`
	BlockNumber int64  `json:"blockNumber"`
}

type Page struct {
	Items []Item `json:"items"`
	Count int64  `json:"count"`
	Link  struct {
		NextToken string `json:"nextToken"`
	} `json:"link"`
}

// Page fetches one page of transactions addressed to contract, resuming from
// the opaque continuation token next ("" for the first page).
func (c *Client) Page(ctx context.Context, contract, next string) (*Page, error) {
	q := url.Values{}
	q.Set("toAddresses", contract)
	q.Set("includedChainIds", strconv.FormatInt(c.chainID, 10))
	q.Set("count", "true")
	q.Set("limit", strconv.Itoa(pageLimit))
	q.Set("sort", "asc")
	if next != "" {
		q.Set("next", next)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "inkdex/1.0")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("scanner rate limited: %s", resp.Status)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("scanner status: %s", resp.Status)
	}

	var page Page
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("scanner payload: %w", err)
	}
	return &page, nil
}
