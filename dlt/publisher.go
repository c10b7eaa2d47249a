package dlt

import (
	"context"
	"time"

	"github.com/hashicorp/go-hclog"
)

const (
	publishAttempts = 5
	baseBackoff     = 500 * time.Millisecond
	maxBackoff      = 30 * time.Second
)

// Publisher publishes tagged payloads with exponential backoff. After the
// attempt budget is spent the caller gets ErrLedgerUnavailable.
type Publisher struct {
	ledger Ledger
	logger hclog.Logger
}

func NewPublisher(ledger Ledger, logger hclog.Logger) *Publisher {
	if logger == nil {
		logger = hclog.New(&hclog.LoggerOptions{
			Name:   "dora-dlt",
			Output: hclog.DefaultOutput,
			Level:  hclog.DefaultLevel,
		})
	}
	return &Publisher{ledger: ledger, logger: logger}
}

// Publish retries transient failures and returns the block id on success.
func (p *Publisher) Publish(ctx context.Context, tag string, data []byte) (BlockID, error) {
	backoff := baseBackoff
	var lastErr error
	for attempt := 0; attempt < publishAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
		id, err := p.ledger.Publish(ctx, tag, data)
		if err == nil {
			return id, nil
		}
		lastErr = err
		p.logger.Warn("publish failed", "tag", tag, "attempt", attempt+1, "error", err)
	}
	p.logger.Error("publish attempts exhausted", "tag", tag, "error", lastErr)
	return "", ErrLedgerUnavailable
}

// Listener subscribes to a tag and reconnects indefinitely on stream break,
// resuming from "now". Messages are forwarded on the returned channel until
// the context is cancelled.
type Listener struct {
	ledger Ledger
	logger hclog.Logger
}

func NewListener(ledger Ledger, logger hclog.Logger) *Listener {
	if logger == nil {
		logger = hclog.New(&hclog.LoggerOptions{
			Name:   "dora-dlt",
			Output: hclog.DefaultOutput,
			Level:  hclog.DefaultLevel,
		})
	}
	return &Listener{ledger: ledger, logger: logger}
}

func (l *Listener) Listen(ctx context.Context, tag string) <-chan Message {
	out := make(chan Message, inboundBuffer)
	// the first subscription is made before returning, so messages published
	// after Listen returns are not missed
	stream, err := l.ledger.Subscribe(ctx, tag)
	go func() {
		defer close(out)
		const baseDelay = 5 * time.Millisecond
		const maxDelay = 1 * time.Second
		var loopDelay time.Duration
		for {
			if err != nil {
				if loopDelay == 0 {
					loopDelay = baseDelay
				} else {
					loopDelay *= 2
				}
				if loopDelay > maxDelay {
					loopDelay = maxDelay
				}
				l.logger.Warn("subscribe failed, reconnecting", "tag", tag, "error", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(loopDelay):
				}
				stream, err = l.ledger.Subscribe(ctx, tag)
				continue
			}
			loopDelay = 0
			if !l.forward(ctx, stream, out) {
				return
			}
			l.logger.Debug("subscription stream closed, resubscribing", "tag", tag)
			stream, err = l.ledger.Subscribe(ctx, tag)
		}
	}()
	return out
}

// forward drains one subscription stream. Returns false when the context is
// done, true when the stream broke and a resubscribe is wanted.
func (l *Listener) forward(ctx context.Context, in <-chan Message, out chan<- Message) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case msg, ok := <-in:
			if !ok {
				return true
			}
			select {
			case out <- msg:
			case <-ctx.Done():
				return false
			}
		}
	}
}
