// Package metrics writes operational measurements to InfluxDB using the
// non-blocking write API. A nil *Recorder is a no-op, so callers never need
// to guard their call sites.
package metrics

import (
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
)

// Recorder batches measurement points to InfluxDB.
type Recorder struct {
	client influxdb2.Client
	write  api.WriteAPI
}

// NewRecorder connects a recorder to an InfluxDB bucket.
func NewRecorder(url, token, org, bucket string) *Recorder {
	client := influxdb2.NewClient(url, token)
	return &Recorder{
		client: client,
		write:  client.WriteAPI(org, bucket),
	}
}

// BidPlaced records one accepted bid.
func (r *Recorder) BidPlaced(auctionID string, amount int64, extended bool) {
	if r == nil {
		return
	}
	p := influxdb2.NewPoint("bids",
		map[string]string{"auction_id": auctionID},
		map[string]interface{}{"amount": amount, "extended": extended},
		time.Now(),
	)
	r.write.WritePoint(p)
}

// LedgerEntry records one balance transaction observed on the audit stream.
func (r *Recorder) LedgerEntry(kind string, amount int64) {
	if r == nil {
		return
	}
	p := influxdb2.NewPoint("ledger_entries",
		map[string]string{"kind": kind},
		map[string]interface{}{"amount": amount},
		time.Now(),
	)
	r.write.WritePoint(p)
}

// RoundSettled records the duration and outcome of one settlement pass.
func (r *Recorder) RoundSettled(auctionID string, round, winners int, took time.Duration) {
	if r == nil {
		return
	}
	p := influxdb2.NewPoint("settlements",
		map[string]string{"auction_id": auctionID},
		map[string]interface{}{
			"round":       round,
			"winners":     winners,
			"duration_ms": took.Milliseconds(),
		},
		time.Now(),
	)
	r.write.WritePoint(p)
}

// Close flushes buffered points and shuts the client down.
func (r *Recorder) Close() {
	if r == nil {
		return
	}
	r.write.Flush()
	r.client.Close()
}
