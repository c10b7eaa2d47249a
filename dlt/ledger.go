/*
Package dlt provides the node's only transport: a tagged append-only message
ledger. The backing client is external; this package defines the consumed
interface, a publisher with retry semantics, a listener that survives stream
breaks, and an in-process ledger used by tests and local demos.
*/
package dlt

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrLedgerUnavailable is returned once publish retries are exhausted.
	ErrLedgerUnavailable = errors.New("ledger unavailable")

	// ErrUnknownBlock is returned when fetching a block id the ledger does
	// not know about.
	ErrUnknownBlock = errors.New("unknown block")
)

// BlockID is the content id of a published message.
type BlockID string

// Message is a tagged payload observed on the ledger.
type Message struct {
	BlockID   BlockID
	Tag       string
	Data      []byte
	Timestamp time.Time
}

// Ledger is the consumed interface of the external ledger client.
// Subscribe delivers every message bearing the tag in ledger-observed order,
// duplicates and nearby reordering possible.
type Ledger interface {
	Publish(ctx context.Context, tag string, data []byte) (BlockID, error)
	Subscribe(ctx context.Context, tag string) (<-chan Message, error)
	Fetch(ctx context.Context, id BlockID) (Message, error)
	// History returns the already-published messages bearing a tag, oldest
	// first.
	History(ctx context.Context, tag string) ([]Message, error)
	Balance(ctx context.Context) (uint64, error)
}
