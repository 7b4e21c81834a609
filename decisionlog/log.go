// Package decisionlog is the append-only store of enforcement decisions
// reported by the agent, with query, aggregation and live-feed support.
// Appends share a transaction with rule match counters so the counters never
// drift from the log.
package decisionlog

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"appfw/rulestore"
	"appfw/waf"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketDecisions  = []byte("traffic_decisions")
	bucketWatermarks = []byte("analysis_watermarks")
)

// Log stores traffic decisions in bbolt, keyed by (configID, timestamp, seq)
// so range scans over a config's window are a single cursor pass.
type Log struct {
	db     *bolt.DB
	store  *rulestore.Store
	logger zerolog.Logger

	mu          sync.Mutex
	subscribers map[int64]map[chan waf.TrafficDecisionLogEntry]bool

	decisionsTotal *prometheus.CounterVec
	appendFailures prometheus.Counter
}

// NewLog opens the decision bucket on the store's database and registers the
// log's metrics.
func NewLog(store *rulestore.Store, logger zerolog.Logger, registerer prometheus.Registerer) (*Log, error) {
	db := store.DB()
	err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketDecisions); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketWatermarks)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("creating decision log buckets: %v", err)
	}

	l := &Log{
		db:          db,
		store:       store,
		logger:      logger,
		subscribers: make(map[int64]map[chan waf.TrafficDecisionLogEntry]bool),
		decisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "appfw_decisions_total",
			Help: "Traffic decisions appended, by outcome.",
		}, []string{"decision"}),
		appendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "appfw_decision_append_failures_total",
			Help: "Decision log appends that failed to commit.",
		}),
	}
	if registerer != nil {
		registerer.MustRegister(l.decisionsTotal, l.appendFailures)
	}
	return l, nil
}

// entryKey orders entries by config, then time, then insertion sequence.
func entryKey(configID int64, ts time.Time, seq uint64) []byte {
	key := make([]byte, 24)
	binary.BigEndian.PutUint64(key[0:8], uint64(configID))
	binary.BigEndian.PutUint64(key[8:16], uint64(ts.UnixNano()))
	binary.BigEndian.PutUint64(key[16:24], seq)
	return key
}

func configPrefix(configID int64) []byte {
	p := make([]byte, 8)
	binary.BigEndian.PutUint64(p, uint64(configID))
	return p
}

// Append stores one decision. When the entry references a matched rule, the
// rule's counters and the config's summary stats move in the same
// transaction as the append, so all three commit or none do. Subscribers are
// notified after commit.
func (l *Log) Append(entry waf.TrafficDecisionLogEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	entry.Timestamp = entry.Timestamp.UTC()

	err := l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDecisions)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		entry.ID = int64(seq)

		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		if err := b.Put(entryKey(entry.ConfigID, entry.Timestamp, seq), data); err != nil {
			return err
		}

		if entry.MatchedRuleID != 0 {
			if err := l.store.RecordMatchTx(tx, entry.MatchedRuleID, entry.Timestamp); err != nil {
				return err
			}
		}
		return l.store.BumpStatsTx(tx, entry.ConfigID, entry.Decision)
	})
	if err != nil {
		l.appendFailures.Inc()
		return fmt.Errorf("appending decision: %w", err)
	}

	l.decisionsTotal.WithLabelValues(string(entry.Decision)).Inc()
	l.notify(entry)
	return nil
}

// Query returns entries for a config matching the filter, newest first.
func (l *Log) Query(configID int64, q waf.TrafficQuery) (entries []waf.TrafficDecisionLogEntry, err error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	skipped := 0
	err = l.scanNewestFirst(configID, q.From, q.To, func(entry waf.TrafficDecisionLogEntry) bool {
		if q.Decision != "" && entry.Decision != q.Decision {
			return true
		}
		if q.IPAddress != "" && entry.IPAddress != q.IPAddress {
			return true
		}
		if skipped < q.Offset {
			skipped++
			return true
		}
		entries = append(entries, entry)
		return len(entries) < limit
	})
	return
}

// Recent returns the n most recent entries for a config.
func (l *Log) Recent(configID int64, n int) ([]waf.TrafficDecisionLogEntry, error) {
	return l.Query(configID, waf.TrafficQuery{Limit: n})
}

// CountRuleMatches counts entries attributed to a rule since the given time.
func (l *Log) CountRuleMatches(configID int64, ruleID int64, from time.Time) (count int64, err error) {
	err = l.scanNewestFirst(configID, from, time.Time{}, func(entry waf.TrafficDecisionLogEntry) bool {
		if entry.MatchedRuleID == ruleID {
			count++
		}
		return true
	})
	return
}

// scanNewestFirst walks a config's entries in reverse time order within
// [from, to]. The callback returns false to stop.
func (l *Log) scanNewestFirst(configID int64, from, to time.Time, fn func(waf.TrafficDecisionLogEntry) bool) error {
	prefix := configPrefix(configID)
	return l.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketDecisions).Cursor()

		// Position at the last key of this config's prefix.
		var k, v []byte
		next := make([]byte, 8)
		binary.BigEndian.PutUint64(next, uint64(configID)+1)
		k, v = c.Seek(next)
		if k == nil {
			k, v = c.Last()
		} else {
			k, v = c.Prev()
		}

		for ; k != nil && len(k) >= 8 && string(k[:8]) == string(prefix); k, v = c.Prev() {
			var entry waf.TrafficDecisionLogEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				continue
			}
			if !to.IsZero() && entry.Timestamp.After(to) {
				continue
			}
			if !from.IsZero() && entry.Timestamp.Before(from) {
				// Keys are time-ordered, so everything earlier is out of
				// range too.
				return nil
			}
			if !fn(entry) {
				return nil
			}
		}
		return nil
	})
}

// Watermark returns the highest entry id already analyzed for a config, or
// zero when no pass has run yet. Persisted so a restart does not re-judge
// traffic the previous process already saw.
func (l *Log) Watermark(configID int64) (id int64, err error) {
	err = l.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketWatermarks).Get(configPrefix(configID))
		if len(data) == 8 {
			id = int64(binary.BigEndian.Uint64(data))
		}
		return nil
	})
	return
}

// SetWatermark records the highest analyzed entry id for a config.
func (l *Log) SetWatermark(configID int64, entryID int64) error {
	value := make([]byte, 8)
	binary.BigEndian.PutUint64(value, uint64(entryID))
	return l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWatermarks).Put(configPrefix(configID), value)
	})
}

// HourlyAggregate buckets a config's decisions into wall-clock hours over
// the trailing window ending at now. Every hour in the window is present,
// zero-valued when no traffic was seen.
func (l *Log) HourlyAggregate(configID int64, hours int, now time.Time) ([]waf.HourlyBucket, error) {
	if hours < 1 {
		hours = 1
	}
	now = now.UTC()
	end := now.Truncate(time.Hour)
	start := end.Add(-time.Duration(hours-1) * time.Hour)

	buckets := make([]waf.HourlyBucket, hours)
	index := make(map[time.Time]*waf.HourlyBucket, hours)
	for i := range buckets {
		buckets[i].Hour = start.Add(time.Duration(i) * time.Hour)
		index[buckets[i].Hour] = &buckets[i]
	}

	err := l.scanNewestFirst(configID, start, now, func(entry waf.TrafficDecisionLogEntry) bool {
		bucket, ok := index[entry.Timestamp.UTC().Truncate(time.Hour)]
		if !ok {
			return true
		}
		switch entry.Decision {
		case waf.DecisionAllow:
			bucket.Allowed++
		case waf.DecisionDeny:
			bucket.Denied++
		case waf.DecisionChallenge:
			bucket.Challenged++
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return buckets, nil
}

// Subscribe registers a live feed channel for a config. Slow consumers lose
// entries rather than stalling the append path.
func (l *Log) Subscribe(configID int64) chan waf.TrafficDecisionLogEntry {
	ch := make(chan waf.TrafficDecisionLogEntry, 64)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.subscribers[configID] == nil {
		l.subscribers[configID] = make(map[chan waf.TrafficDecisionLogEntry]bool)
	}
	l.subscribers[configID][ch] = true
	return ch
}

// Unsubscribe removes and closes a live feed channel.
func (l *Log) Unsubscribe(configID int64, ch chan waf.TrafficDecisionLogEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if subs := l.subscribers[configID]; subs[ch] {
		delete(subs, ch)
		close(ch)
		if len(subs) == 0 {
			delete(l.subscribers, configID)
		}
	}
}

func (l *Log) notify(entry waf.TrafficDecisionLogEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for ch := range l.subscribers[entry.ConfigID] {
		select {
		case ch <- entry:
		default:
			l.logger.Warn().Int64("configID", entry.ConfigID).Msg("Dropping decision for slow live feed subscriber")
		}
	}
}
