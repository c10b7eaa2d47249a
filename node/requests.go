package node

import (
	"context"
	"encoding/json"
	"time"

	"go.dedis.ch/kyber/v3"

	"github.com/dorahq/dora/dkg"
	"github.com/dorahq/dora/dlt"
	"github.com/dorahq/dora/dss"
	"github.com/dorahq/dora/logs"
	"github.com/dorahq/dora/session"
	"github.com/dorahq/dora/sign"
)

// serveRequests listens on the committee tag and services each request in
// its own signing session.
func (n *Node) serveRequests(ctx context.Context) error {
	n.mu.Lock()
	key := n.key
	doc := n.committeeDoc
	n.mu.Unlock()

	peers := make(map[string]kyber.Point, len(key.Members))
	for _, m := range key.Members {
		peers[sign.PublicKeyHex(m.PublicKey)] = m.PublicKey
	}
	mux := session.NewMuxer(session.Config{
		Tag:           doc.ServiceTag,
		Ledger:        n.ledger,
		KeyPair:       n.keyPair,
		Peers:         peers,
		RetryInterval: n.conf.Retry(),
		Logger:        n.logger,
	})
	n.mu.Lock()
	n.mux = mux
	n.mu.Unlock()
	go mux.Run(ctx)
	go n.watchSessions(ctx, mux)

	stream := dlt.NewListener(n.ledger, n.logger).Listen(ctx, doc.ServiceTag)
	n.logger.Info("listening for committee requests", "tag", doc.ServiceTag)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-stream:
			if !ok {
				return ctx.Err()
			}
			request, err := ParseRequest(msg.Data)
			if err != nil {
				// protocol envelopes and logs share the tag
				continue
			}
			requestID := string(msg.BlockID)
			n.mu.Lock()
			if _, busy := n.signing[requestID]; busy {
				n.mu.Unlock()
				continue
			}
			n.signing[requestID] = session.NewID(requestID)
			n.mu.Unlock()
			n.logger.Info("request received", "request", requestID, "input", request.InputURI)
			go n.handleRequest(ctx, mux, request, msg)
		}
	}
}

// watchSessions reacts to muxer lifecycle events: a timed-out session is the
// same as a failed one.
func (n *Node) watchSessions(ctx context.Context, mux *session.Muxer) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-mux.Events():
			if !ok {
				return
			}
			if ev.Kind == session.SessionTimedOut {
				n.mu.Lock()
				for requestID, sid := range n.signing {
					if sid == ev.SessionID {
						delete(n.signing, requestID)
						n.logger.Warn("signing session timed out", "request", requestID)
					}
				}
				n.mu.Unlock()
			}
		}
	}
}

// handleRequest drives one request through fetch -> agree -> sign -> log.
func (n *Node) handleRequest(ctx context.Context, mux *session.Muxer, request *Request, msg dlt.Message) {
	requestID := string(msg.BlockID)
	defer func() {
		n.mu.Lock()
		delete(n.signing, requestID)
		n.mu.Unlock()
	}()

	n.mu.Lock()
	key := n.key
	committeeDID := n.committeeDoc.ID
	ownDID := n.doc.ID
	sid := n.signing[requestID]
	n.mu.Unlock()

	// every member derives the identical log skeleton from the request block
	timestamp := roundUnix(msg.Timestamp, n.conf.Resolution())
	committeeLog := logs.NewCommitteeLog(requestID, committeeDID, timestamp)

	data, err := n.fetcher.Resolve(ctx, request.InputURI)
	if err != nil {
		n.logger.Warn("input unavailable", "request", requestID, "error", err)
	} else if request.StorageID != "" {
		if putErr := n.store.Put(ctx, request.StorageID, data); putErr != nil {
			n.logger.Warn("store failed", "request", requestID, "error", putErr)
		} else {
			committeeLog.Result = logs.Success
		}
	} else {
		committeeLog.Result = logs.Success
		committeeLog.SetData(data)
	}

	signedBytes, err := committeeLog.SignedBytes()
	if err != nil {
		n.logger.Error("log serialization failed", "request", requestID, "error", err)
		return
	}

	outcome, signErr := dss.Run(ctx, dss.Config{
		KeyPair:   n.keyPair,
		Key:       key,
		Message:   signedBytes,
		Mux:       mux,
		SessionID: sid,
		SleepTime: n.conf.SleepDuration(),
		Logger:    n.logger,
	})

	allDIDs := make([]string, len(key.Members))
	for i, m := range key.Members {
		allDIDs[i] = m.DID
	}
	var presentDIDs, badDIDs []string
	if signErr == nil {
		presentDIDs = didsOf(key, outcome.Present)
		badDIDs = didsOf(key, outcome.Bad)
		committeeLog.AttachSignature(outcome.Signature)
	} else {
		n.logger.Warn("signing failed", "request", requestID, "error", signErr)
		committeeLog.Result = logs.Failure
		committeeLog.DataHex = ""
		committeeLog.SignatureHex = ""
		presentDIDs = []string{ownDID}
	}

	// per-node signature log, always published
	signatureLog := logs.NewNodeSignatureLog(sid.String(), requestID, ownDID, allDIDs, presentDIDs, badDIDs)
	if err := signatureLog.Sign(n.keyPair); err != nil {
		n.logger.Error("sign signature log failed", "error", err)
		return
	}
	n.publishJSON(ctx, signatureLog)

	if signErr != nil {
		// no aggregate signature exists; surface the failure log as-is
		n.publishJSON(ctx, committeeLog)
		return
	}

	n.electedPublish(ctx, key, outcome, func() error {
		return n.publishJSON(ctx, committeeLog)
	}, func() bool {
		return n.committeeLogPublished(ctx, requestID)
	})
}

// publishJSON funds and publishes a JSON artifact on the committee tag.
func (n *Node) publishJSON(ctx context.Context, v interface{}) error {
	n.mu.Lock()
	tag := n.committeeDoc.ServiceTag
	n.mu.Unlock()
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return n.fundedPublish(ctx, func() error {
		_, err := n.publisher.Publish(ctx, tag, data)
		return err
	})
}

// committeeLogPublished reports whether a signed committee log for the
// request is already on the ledger.
func (n *Node) committeeLogPublished(ctx context.Context, requestID string) bool {
	n.mu.Lock()
	tag := n.committeeDoc.ServiceTag
	n.mu.Unlock()
	history, err := n.ledger.History(ctx, tag)
	if err != nil {
		return false
	}
	for _, msg := range history {
		var l logs.CommitteeLog
		if err := json.Unmarshal(msg.Data, &l); err != nil {
			continue
		}
		if l.RequestID == requestID && l.SignatureHex != "" {
			return true
		}
	}
	return false
}

func didsOf(key *dkg.Result, indices []int) []string {
	out := make([]string, 0, len(indices))
	for _, i := range indices {
		if i >= 0 && i < len(key.Members) {
			out = append(out, key.Members[i].DID)
		}
	}
	return out
}

// roundUnix floors a timestamp to the resolution window so every member
// stamps the log identically.
func roundUnix(ts time.Time, resolution time.Duration) int64 {
	step := int64(resolution / time.Second)
	if step <= 0 {
		return ts.Unix()
	}
	return ts.Unix() / step * step
}
