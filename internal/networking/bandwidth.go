package networking

import (
	"math"
	"sync"
	"time"
)

const (
	// DefaultBandwidthBytesPerSecond caps per-client frame throughput at 4 MiB/s.
	DefaultBandwidthBytesPerSecond = 4 << 20
	// DefaultBandwidthBurst is how much unused budget a client may bank.
	DefaultBandwidthBurst = 250 * time.Millisecond
)

// BandwidthUsage captures the throttling state for a single client.
type BandwidthUsage struct {
	ClientID         string    `json:"client_id"`
	AvailableBytes   float64   `json:"available_bytes"`
	BytesPerSecond   float64   `json:"bytes_per_second"`
	ObservedSeconds  float64   `json:"observed_seconds"`
	DeniedDeliveries int64     `json:"denied_deliveries"`
	LastUpdated      time.Time `json:"last_updated"`
}

// BandwidthTotals aggregates every client the regulator has seen.
type BandwidthTotals struct {
	SentBytes        int64 `json:"sent_bytes"`
	DeniedDeliveries int64 `json:"denied_deliveries"`
}

type bandwidthBucket struct {
	tokens float64
	last   time.Time
	window time.Time
	sent   int64
	denied int64
}

// BandwidthRegulator enforces a token-bucket budget per client. A frame that
// does not fit is skipped rather than queued, since the next frame supersedes it.
type BandwidthRegulator struct {
	mu       sync.Mutex
	buckets  map[string]*bandwidthBucket
	capacity float64
	refill   float64
	now      func() time.Time
	totals   BandwidthTotals
}

// NewBandwidthRegulator constructs a regulator enforcing the supplied byte
// rate with a bucket holding burst worth of traffic.
func NewBandwidthRegulator(bytesPerSecond float64, burst time.Duration, clock func() time.Time) *BandwidthRegulator {
	if bytesPerSecond <= 0 {
		bytesPerSecond = DefaultBandwidthBytesPerSecond
	}
	if burst <= 0 {
		burst = DefaultBandwidthBurst
	}
	if clock == nil {
		clock = time.Now
	}
	return &BandwidthRegulator{
		buckets:  make(map[string]*bandwidthBucket),
		capacity: bytesPerSecond * burst.Seconds(),
		refill:   bytesPerSecond,
		now:      clock,
	}
}

// Capacity reports the largest payload a fresh bucket accepts.
func (r *BandwidthRegulator) Capacity() float64 {
	if r == nil {
		return math.Inf(1)
	}
	return r.capacity
}

func (r *BandwidthRegulator) replenish(bucket *bandwidthBucket, now time.Time) {
	//1.- Skip negative intervals to protect against clock skew.
	if !now.After(bucket.last) {
		return
	}
	bucket.tokens = math.Min(bucket.tokens+now.Sub(bucket.last).Seconds()*r.refill, r.capacity)
	bucket.last = now
}

// Allow charges the payload size against the client's budget.
func (r *BandwidthRegulator) Allow(clientID string, payloadBytes int) bool {
	if r == nil || clientID == "" || payloadBytes <= 0 {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	bucket := r.buckets[clientID]
	if bucket == nil {
		//1.- Seed new clients with a full bucket so the first frame goes out immediately.
		bucket = &bandwidthBucket{tokens: r.capacity, last: now, window: now}
		r.buckets[clientID] = bucket
	}
	r.replenish(bucket, now)

	request := float64(payloadBytes)
	if request > bucket.tokens {
		bucket.denied++
		r.totals.DeniedDeliveries++
		return false
	}
	bucket.tokens -= request
	bucket.sent += int64(payloadBytes)
	r.totals.SentBytes += int64(payloadBytes)
	return true
}

// Forget removes the token bucket for a disconnected client.
func (r *BandwidthRegulator) Forget(clientID string) {
	if r == nil || clientID == "" {
		return
	}
	r.mu.Lock()
	delete(r.buckets, clientID)
	r.mu.Unlock()
}

// Totals reports cumulative counters, including clients that already left.
func (r *BandwidthRegulator) Totals() BandwidthTotals {
	if r == nil {
		return BandwidthTotals{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.totals
}

// SnapshotUsage reports the most recent throttling statistics per client.
func (r *BandwidthRegulator) SnapshotUsage() map[string]BandwidthUsage {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.buckets) == 0 {
		return nil
	}

	now := r.now()
	snapshot := make(map[string]BandwidthUsage, len(r.buckets))
	for clientID, bucket := range r.buckets {
		r.replenish(bucket, now)
		//2.- Derive the sustained throughput over the whole connection.
		observed := math.Max(now.Sub(bucket.window).Seconds(), 0)
		rate := 0.0
		if observed > 0 {
			rate = float64(bucket.sent) / observed
		}
		snapshot[clientID] = BandwidthUsage{
			ClientID:         clientID,
			AvailableBytes:   math.Max(bucket.tokens, 0),
			BytesPerSecond:   rate,
			ObservedSeconds:  observed,
			DeniedDeliveries: bucket.denied,
			LastUpdated:      bucket.last,
		}
	}
	return snapshot
}
