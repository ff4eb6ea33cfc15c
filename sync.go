package offline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/savewise/offline-dispatcher/queue"
)

const (
	DefaultSyncTag          = "sync-transactions"
	DefaultTransactionsPath = "/api/transactions"
)

// ReplayHeaders are the request headers kept with a pending transaction and
// sent again on replay.
var ReplayHeaders = []string{"Authorization", "Cookie", "Accept-Language"}

type SyncReport struct {
	Sent   int `json:"sent"`
	Failed int `json:"failed"`
}

// Sync handles a background sync trigger. Only the transactions tag drains
// the pending queue, every other tag is ignored.
func (d *Dispatcher) Sync(ctx context.Context, tag string) (SyncReport, error) {
	if tag != d.syncTag {
		d.log.Debug().Str("tag", tag).Msg("Ignoring sync tag")
		return SyncReport{}, nil
	}
	return d.replayPending(ctx)
}

// replayPending posts every pending transaction to the transactions endpoint.
// Any HTTP response removes the transaction from the queue; a connection
// failure keeps it for the next sync.
func (d *Dispatcher) replayPending(ctx context.Context) (SyncReport, error) {
	var report SyncReport
	items, err := d.pending.List(ctx)
	if err != nil {
		return report, fmt.Errorf("list pending transactions: %w", err)
	}
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		log := d.log.With().Int64("id", item.ID).Logger()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.transactionsPath, bytes.NewReader(item.Body))
		if err != nil {
			return report, err
		}
		for _, name := range ReplayHeaders {
			for _, v := range item.Header.Values(name) {
				req.Header.Add(name, v)
			}
		}
		req.Header.Set("Content-Type", "application/json")

		res, err := d.network.Fetch(req)
		if err != nil {
			log.Error().Err(err).Msg("Sync failed")
			report.Failed++
			continue
		}
		io.Copy(io.Discard, res.Body)
		res.Body.Close()
		log.Debug().Int("code", res.StatusCode).Msg("Replayed pending transaction")

		if err := d.pending.Remove(ctx, item.ID); err != nil && !errors.Is(err, queue.ErrNotFound) {
			log.Error().Err(err).Msg("Could not remove pending transaction")
		}
		report.Sent++
	}
	if len(items) > 0 {
		d.log.Info().Int("sent", report.Sent).Int("failed", report.Failed).Msg("Synced pending transactions")
	}
	return report, nil
}

// Enqueue records a transaction that could not be sent so that the next sync
// replays it.
func (d *Dispatcher) Enqueue(ctx context.Context, body []byte, header http.Header) (int64, error) {
	kept := http.Header{}
	for _, name := range ReplayHeaders {
		for _, v := range header.Values(name) {
			kept.Add(name, v)
		}
	}
	id, err := d.pending.Add(ctx, queue.PendingTransaction{
		Body:      body,
		Header:    kept,
		CreatedAt: time.Now(),
	})
	if err != nil {
		return 0, fmt.Errorf("enqueue transaction: %w", err)
	}
	d.log.Debug().Int64("id", id).Int("bytes", len(body)).Msg("Queued pending transaction")
	return id, nil
}

// Status describes the state of a dispatcher instance.
type Status struct {
	Phase      string   `json:"phase"`
	Generation string   `json:"generation"`
	Stores     []string `json:"stores"`
	Pending    int      `json:"pending"`
}

func (d *Dispatcher) Status(ctx context.Context) (Status, error) {
	names, err := d.cache.Names(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("list stores: %w", err)
	}
	items, err := d.pending.List(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("list pending transactions: %w", err)
	}
	return Status{
		Phase:      d.Phase().String(),
		Generation: d.generation,
		Stores:     names,
		Pending:    len(items),
	}, nil
}
