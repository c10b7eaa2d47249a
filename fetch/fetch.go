/*
Package fetch resolves an input-uri to canonical bytes. Every scheme must
resolve deterministically across peers, otherwise their input hashes diverge
and honest signing fails.
*/
package fetch

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/dorahq/dora/dlt"
	"github.com/dorahq/dora/storage"
)

var (
	ErrUnsupportedScheme = errors.New("unsupported input uri scheme")
	ErrInputUnavailable  = errors.New("input unavailable")
)

const (
	httpTimeout  = 10 * time.Second
	maxRedirects = 5
)

// Fetcher resolves input uris against the ledger, the local store and HTTP.
type Fetcher struct {
	ledger dlt.Ledger
	store  storage.Store
	client *http.Client
}

func NewFetcher(ledger dlt.Ledger, store storage.Store) *Fetcher {
	return &Fetcher{
		ledger: ledger,
		store:  store,
		client: &http.Client{
			Timeout: httpTimeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return errors.Errorf("stopped after %d redirects", maxRedirects)
				}
				return nil
			},
		},
	}
}

// Resolve maps a uri to its canonical bytes.
func (f *Fetcher) Resolve(ctx context.Context, uri string) ([]byte, error) {
	switch {
	case strings.HasPrefix(uri, "literal:string:"):
		return []byte(strings.TrimPrefix(uri, "literal:string:")), nil

	case strings.HasPrefix(uri, "iota:message:"):
		id := dlt.BlockID(strings.TrimPrefix(uri, "iota:message:"))
		msg, err := f.ledger.Fetch(ctx, id)
		if err != nil {
			return nil, errors.Wrap(ErrInputUnavailable, err.Error())
		}
		if msg.Tag == "" {
			return nil, errors.Wrap(ErrInputUnavailable, "block carries no tagged data")
		}
		return msg.Data, nil

	case strings.HasPrefix(uri, "storage:local:"):
		key := strings.TrimPrefix(uri, "storage:local:")
		data, err := f.store.Get(ctx, key)
		if err != nil {
			// a single retry on transient store failures
			if errors.Is(err, storage.ErrUnavailable) {
				data, err = f.store.Get(ctx, key)
			}
			if err != nil {
				return nil, errors.Wrap(ErrInputUnavailable, err.Error())
			}
		}
		return data, nil

	case strings.HasPrefix(uri, "http://"), strings.HasPrefix(uri, "https://"):
		return f.resolveHTTP(ctx, uri)

	default:
		return nil, ErrUnsupportedScheme
	}
}

func (f *Fetcher) resolveHTTP(ctx context.Context, uri string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, errors.Wrap(ErrInputUnavailable, err.Error())
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(ErrInputUnavailable, err.Error())
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errors.Wrapf(ErrInputUnavailable, "status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(ErrInputUnavailable, err.Error())
	}
	return data, nil
}
