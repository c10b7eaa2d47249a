package dlt

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

// faucetInterval is the minimum spacing between faucet requests.
const faucetInterval = 60 * time.Second

// Faucet asks an external faucet endpoint to fund the node's address. Calls
// closer together than faucetInterval are coalesced into no-ops.
type Faucet struct {
	url     string
	address string
	client  *http.Client
	logger  hclog.Logger

	mu   sync.Mutex
	last time.Time
}

func NewFaucet(url, address string, logger hclog.Logger) *Faucet {
	if logger == nil {
		logger = hclog.New(&hclog.LoggerOptions{
			Name:   "dora-dlt",
			Output: hclog.DefaultOutput,
			Level:  hclog.DefaultLevel,
		})
	}
	return &Faucet{
		url:     url,
		address: address,
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  logger,
	}
}

// Request asks for funds unless a request went out during the last interval.
func (f *Faucet) Request(ctx context.Context) error {
	f.mu.Lock()
	if time.Since(f.last) < faucetInterval {
		f.mu.Unlock()
		return nil
	}
	f.last = time.Now()
	f.mu.Unlock()

	body, err := json.Marshal(map[string]string{"address": f.address})
	if err != nil {
		return errors.Wrap(err, "encode faucet request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build faucet request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "faucet request")
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.Errorf("faucet returned status %d", resp.StatusCode)
	}
	f.logger.Info("faucet request accepted", "address", f.address)
	return nil
}
