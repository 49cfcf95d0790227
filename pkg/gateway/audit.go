package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/xrelay/xrelay/pkg/types"
)

const DefaultCorrelationWindow = 10 * time.Second

// AuditSink persists admission records.
type AuditSink interface {
	InsertAccessLog(entry *types.AccessLog) error
	MarkAccessLogFailed(id uint) error
}

type recentRequest struct {
	summary  string
	at       time.Time
	recordID uint
}

// Auditor writes one record per admission decision and remembers the latest
// record of each client so that a failure reported later can be attributed
// to it.
type Auditor struct {
	sink   AuditSink
	window time.Duration

	mu     sync.Mutex
	recent map[string]recentRequest
	now    func() time.Time
}

// NewAuditor creates an auditor. A non-positive window uses
// DefaultCorrelationWindow.
func NewAuditor(sink AuditSink, window time.Duration) *Auditor {
	if window <= 0 {
		window = DefaultCorrelationWindow
	}
	return &Auditor{
		sink:   sink,
		window: window,
		recent: make(map[string]recentRequest),
		now:    time.Now,
	}
}

// Record is the audit handle of one logged request.
type Record struct {
	auditor   *Auditor
	id        uint
	requestID string
	clientIP  string
	once      sync.Once
}

// ID is the stored record id, or zero when the write failed.
func (rec *Record) ID() uint {
	return rec.id
}

// RequestID is the id sent back to the client in X-Request-Id.
func (rec *Record) RequestID() string {
	return rec.requestID
}

// Fail flips the record to failed. Only the first call has an effect.
func (rec *Record) Fail(reason string) {
	if rec == nil {
		return
	}
	rec.once.Do(func() {
		rec.auditor.markFailed(rec.clientIP, rec.id, reason)
	})
}

// Log stores the decision for r. Storage errors are logged and the returned
// handle is still usable.
func (a *Auditor) Log(r *http.Request, clientIP string, allowed bool) *Record {
	summary := describeRequest(r)
	now := a.now()

	entry := &types.AccessLog{
		IP:        clientIP,
		API:       summary,
		States:    types.AccessFailed,
		RequestID: uuid.NewString(),
		CreatedAt: now,
	}
	if allowed {
		entry.States = types.AccessAllowed
	}

	if err := a.sink.InsertAccessLog(entry); err != nil {
		log.Error().Err(err).Str("client_ip", clientIP).Msg("Failed to write access log")
		entry.ID = 0
	}

	a.mu.Lock()
	a.recent[clientIP] = recentRequest{summary: summary, at: now, recordID: entry.ID}
	a.mu.Unlock()

	log.Debug().
		Str("client_ip", clientIP).
		Str("request_id", entry.RequestID).
		Bool("allowed", allowed).
		Str("api", summary).
		Msg("Access recorded")

	return &Record{auditor: a, id: entry.ID, requestID: entry.RequestID, clientIP: clientIP}
}

// CorrelateFailure flips the latest record of clientIP to failed when it was
// written less than the correlation window ago. The remembered request is
// forgotten either way. It reports whether a record was flipped.
func (a *Auditor) CorrelateFailure(clientIP string) bool {
	a.mu.Lock()
	last, ok := a.recent[clientIP]
	if ok {
		delete(a.recent, clientIP)
	}
	a.mu.Unlock()

	if !ok || last.recordID == 0 {
		return false
	}
	if a.now().Sub(last.at) >= a.window {
		log.Debug().Str("client_ip", clientIP).Msg("Failure is outside the correlation window")
		return false
	}

	if err := a.sink.MarkAccessLogFailed(last.recordID); err != nil {
		log.Error().Err(err).Uint("record_id", last.recordID).Msg("Failed to mark access log as failed")
		return false
	}
	log.Info().Str("client_ip", clientIP).Str("api", last.summary).Msg("Request marked as failed")
	return true
}

func (a *Auditor) markFailed(clientIP string, id uint, reason string) {
	a.mu.Lock()
	if last, ok := a.recent[clientIP]; ok && last.recordID == id {
		delete(a.recent, clientIP)
	}
	a.mu.Unlock()

	if id == 0 {
		return
	}
	if err := a.sink.MarkAccessLogFailed(id); err != nil {
		log.Error().Err(err).Uint("record_id", id).Msg("Failed to mark access log as failed")
		return
	}
	log.Info().Str("client_ip", clientIP).Uint("record_id", id).Str("reason", reason).Msg("Request marked as failed")
}

// Prune forgets remembered requests that can no longer be correlated.
func (a *Auditor) Prune() int {
	now := a.now()

	a.mu.Lock()
	defer a.mu.Unlock()

	removed := 0
	for ip, last := range a.recent {
		if now.Sub(last.at) >= a.window {
			delete(a.recent, ip)
			removed++
		}
	}
	return removed
}

// Run prunes stale entries every interval until ctx is done.
func (a *Auditor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Prune()
		}
	}
}
