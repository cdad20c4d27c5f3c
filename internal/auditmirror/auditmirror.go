// Package auditmirror subscribes to audit.decision events and mirrors a
// tamper-evident hash of each decision to an external ledger endpoint,
// generalizing original_source/agents/solana_audit_logger.py away from a
// Solana-specific blockchain write (no blockchain SDK exists anywhere in the
// retrieval pack) into a backend-agnostic HTTP hash mirror: the same
// demo-mode-or-real-endpoint shape, with "real" now meaning "POST to a
// configured HTTP endpoint" instead of "submit a memo transaction".
package auditmirror

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/Rayyan0080/crisisgrid/internal/bus"
	"github.com/Rayyan0080/crisisgrid/internal/logging"
	"github.com/Rayyan0080/crisisgrid/internal/model"
)

// breakerMaxFailures/breakerCooldown guard the live endpoint: five
// consecutive POST failures trip the breaker open for 30s, so a
// sustained ledger outage fails fast on every subsequent decision instead
// of paying the full HTTP client timeout per event. Unlike a generic
// breaker this never half-opens to probe early — the mirror has no
// urgency to reopen before the cooldown, since a missed mirror POST is a
// gap in the audit trail, not a stuck request.
const (
	breakerMaxFailures = 5
	breakerCooldown    = 30 * time.Second
)

// Mirror subscribes to audit.decision and mirrors a SHA-256 hash of each
// decision payload. Endpoint configures the real mirror target; when empty
// the mirror runs in demo mode, matching the original's solana_enabled flag.
type Mirror struct {
	bus      bus.Bus
	log      *logging.Logger
	client   *http.Client
	endpoint string

	mu            sync.Mutex
	failures      int
	breakerOpenTo time.Time
}

// NewMirror builds a Mirror. An empty endpoint runs in demo mode: the hash is
// computed and logged but never posted anywhere.
func NewMirror(b bus.Bus, log *logging.Logger, endpoint string) *Mirror {
	return &Mirror{
		bus:      b,
		log:      log,
		client:   &http.Client{Timeout: 10 * time.Second},
		endpoint: endpoint,
	}
}

// breakerAllows reports whether a POST attempt should proceed.
func (m *Mirror) breakerAllows() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failures < breakerMaxFailures {
		return true
	}
	if time.Now().Before(m.breakerOpenTo) {
		return false
	}
	m.failures = 0
	return true
}

// breakerRecord updates the failure streak after a POST attempt.
func (m *Mirror) breakerRecord(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		m.failures = 0
		return
	}
	m.failures++
	if m.failures >= breakerMaxFailures {
		m.breakerOpenTo = time.Now().Add(breakerCooldown)
	}
}

// Start subscribes to audit.decision. Call once during startup.
func (m *Mirror) Start() error {
	mode := "demo"
	if m.endpoint != "" {
		mode = "live"
	}
	m.log.WithFields(map[string]interface{}{"mode": mode}).Info("auditmirror: starting")
	return m.bus.Subscribe(model.TopicAuditDecision, m.handle)
}

func (m *Mirror) handle(ctx context.Context, evt model.Event) error {
	decisionID := evt.DetailString("decision_id")
	action := evt.DetailString("action")

	hash, err := hashPayload(evt)
	if err != nil {
		return fmt.Errorf("auditmirror: hash payload: %w", err)
	}

	fields := map[string]interface{}{
		"decision_id":  decisionID,
		"action":       action,
		"payload_hash": hash,
		"sector":       evt.Sector,
	}

	if m.endpoint == "" {
		m.log.WithFields(fields).Info("auditmirror: demo mode, hash computed but not mirrored")
		return nil
	}

	if !m.breakerAllows() {
		m.log.WithFields(fields).Warn("auditmirror: breaker open, skipping mirror POST")
		return nil
	}
	err = m.postHash(ctx, decisionID, hash, evt.Timestamp)
	m.breakerRecord(err)
	if err != nil {
		m.log.WithError(err).WithFields(fields).Warn("auditmirror: failed to mirror hash, continuing")
		return nil
	}
	m.log.WithFields(fields).Info("auditmirror: hash mirrored")
	return nil
}

// hashPayload computes the SHA-256 hash of evt's event_id, topic, sector,
// correlation_id and details rendered as sorted-key, separator-compact
// JSON, matching the original's
// json.dumps(payload, sort_keys=True, separators=(",", ":")) scheme.
// Go's encoding/json already serializes map[string]interface{} keys in
// sorted order, so no manual key sort is needed here (noted in DESIGN.md).
func hashPayload(evt model.Event) (string, error) {
	canonical := map[string]interface{}{
		"event_id":       evt.EventID,
		"topic":          evt.Topic,
		"sector":         evt.Sector,
		"correlation_id": evt.CorrelationID,
		"details":        sortedDetails(evt.Details),
	}
	encoded, err := json.Marshal(canonical)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:]), nil
}

// sortedDetails is a no-op pass-through kept for documentation purposes:
// Go's json.Marshal already emits map keys in sorted order, unlike Python's
// dict which needed sort_keys=True spelled out explicitly.
func sortedDetails(details map[string]interface{}) map[string]interface{} {
	if details == nil {
		return map[string]interface{}{}
	}
	keys := make([]string, 0, len(details))
	for k := range details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return details
}

type mirrorRequest struct {
	DecisionID  string    `json:"decision_id"`
	PayloadHash string    `json:"payload_hash"`
	Timestamp   time.Time `json:"timestamp"`
}

func (m *Mirror) postHash(ctx context.Context, decisionID, hash string, ts time.Time) error {
	body, err := json.Marshal(mirrorRequest{DecisionID: decisionID, PayloadHash: hash, Timestamp: ts})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("auditmirror: endpoint returned status %d", resp.StatusCode)
	}
	return nil
}
