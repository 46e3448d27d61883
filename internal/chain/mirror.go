package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"
)

// MirrorClient implements Client against the Hedera mirror node REST API.
type MirrorClient struct {
	baseURL string
	client  *http.Client
}

// NewMirrorClient creates a mirror node client. baseURL is the REST root,
// e.g. https://testnet.mirrornode.hedera.com.
func NewMirrorClient(baseURL string, timeout time.Duration) *MirrorClient {
	return &MirrorClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type mirrorAccountResponse struct {
	Key struct {
		Type string `json:"_type"`
		Key  string `json:"key"`
	} `json:"key"`
}

func (c *MirrorClient) AccountPublicKey(ctx context.Context, accountID string) (string, error) {
	u := fmt.Sprintf("%s/api/v1/accounts/%s", c.baseURL, url.PathEscape(accountID))

	var resp mirrorAccountResponse
	status, err := c.getJSON(ctx, u, &resp)
	if err != nil {
		return "", err
	}
	if status == http.StatusNotFound {
		return "", ErrAccountNotFound
	}
	if status != http.StatusOK {
		return "", fmt.Errorf("mirror account query: status %d", status)
	}
	if resp.Key.Key == "" {
		return "", fmt.Errorf("account %s has no key on file", accountID)
	}
	return resp.Key.Key, nil
}

type mirrorTransactionsResponse struct {
	Transactions []struct {
		TransactionID      string `json:"transaction_id"`
		Result             string `json:"result"`
		ConsensusTimestamp string `json:"consensus_timestamp"`
		Transfers          []struct {
			Account string `json:"account"`
			Amount  int64  `json:"amount"`
		} `json:"transfers"`
	} `json:"transactions"`
}

func (c *MirrorClient) Transaction(ctx context.Context, transactionID string) (*TransactionInfo, error) {
	u := fmt.Sprintf("%s/api/v1/transactions/%s", c.baseURL, url.PathEscape(transactionID))

	var resp mirrorTransactionsResponse
	status, err := c.getJSON(ctx, u, &resp)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, ErrTxNotFound
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("mirror transaction query: status %d", status)
	}
	if len(resp.Transactions) == 0 {
		return nil, ErrTxNotFound
	}

	// The mirror node may return duplicates/child rows; the first entry is
	// the user transaction.
	tx := resp.Transactions[0]
	info := &TransactionInfo{
		TransactionID: tx.TransactionID,
		Result:        tx.Result,
		PayerAccount:  PayerFromTransactionID(tx.TransactionID),
	}
	for _, tr := range tx.Transfers {
		info.Transfers = append(info.Transfers, Transfer{Account: tr.Account, Tinybars: tr.Amount})
	}
	if ts, err := parseConsensusTimestamp(tx.ConsensusTimestamp); err == nil {
		info.ConsensusAt = ts
	}
	return info, nil
}

type mirrorExchangeRateResponse struct {
	CurrentRate struct {
		CentEquivalent int64 `json:"cent_equivalent"`
		HbarEquivalent int64 `json:"hbar_equivalent"`
	} `json:"current_rate"`
}

func (c *MirrorClient) HbarUSDRate(ctx context.Context) (float64, error) {
	u := fmt.Sprintf("%s/api/v1/network/exchangerate", c.baseURL)

	var resp mirrorExchangeRateResponse
	status, err := c.getJSON(ctx, u, &resp)
	if err != nil {
		return 0, err
	}
	if status != http.StatusOK {
		return 0, fmt.Errorf("mirror exchange rate query: status %d", status)
	}
	if resp.CurrentRate.HbarEquivalent == 0 {
		return 0, fmt.Errorf("mirror exchange rate query: zero hbar equivalent")
	}
	return float64(resp.CurrentRate.CentEquivalent) / float64(resp.CurrentRate.HbarEquivalent) / 100, nil
}

// getJSON performs a GET and decodes the body when the status has one.
// Returns the HTTP status so callers can map 404s to domain errors.
func (c *MirrorClient) getJSON(ctx context.Context, u string, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return 0, fmt.Errorf("decoding mirror response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func classifyError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}

func parseConsensusTimestamp(ts string) (time.Time, error) {
	var secs, nanos int64
	if _, err := fmt.Sscanf(ts, "%d.%d", &secs, &nanos); err != nil {
		return time.Time{}, err
	}
	return time.Unix(secs, nanos).UTC(), nil
}
