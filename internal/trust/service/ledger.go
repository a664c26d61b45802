package service

import (
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/broadvale/trustcore/internal/trust/domain"
	"github.com/broadvale/trustcore/internal/trust/store"
	"github.com/broadvale/trustcore/pkg/idx"
	"github.com/broadvale/trustcore/pkg/merklex"
	"github.com/broadvale/trustcore/pkg/sealx"
	"github.com/broadvale/trustcore/pkg/slogx"
)

// ErrNothingToSeal reports a Seal call with no unsealed events.
var ErrNothingToSeal = errors.New("ledger: no unsealed events")

// redactedMarker replaces sensitive metadata values before hashing, so the
// stored hash commits to the redacted record and redaction is idempotent.
const redactedMarker = "[REDACTED]"

// sensitiveMetaKeys are metadata keys whose values never reach the ledger in
// the clear.
var sensitiveMetaKeys = map[string]struct{}{
	"code":          {},
	"secret":        {},
	"recovery_code": {},
	"token":         {},
	"password":      {},
	"signature":     {},
}

// AuditLedger is the append-only, hash-chained event log. Every event links
// to its predecessor, and Seal periodically binds batches under a signed
// Merkle root so after-the-fact edits are detectable even with store access.
type AuditLedger struct {
	Store  store.Store
	Sealer *sealx.Sealer
	Anchor AnchorSink

	// mu serializes appends: the linkage chain has exactly one head.
	mu  sync.Mutex
	now func() time.Time
}

func NewAuditLedger(st store.Store, sealer *sealx.Sealer, anchor AnchorSink) *AuditLedger {
	if anchor == nil {
		anchor = NoopAnchor{}
	}
	return &AuditLedger{Store: st, Sealer: sealer, Anchor: anchor, now: time.Now}
}

// Append persists one event: redact, hash, link to the chain head. The
// returned event carries the assigned id, hash and linkage. Persistence
// failures surface to the caller; audit events are never dropped silently.
func (l *AuditLedger) Append(ctx context.Context, ev domain.AuditEvent) (domain.AuditEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ev.ID = string(idx.New())
	ev.CreatedAt = l.now().UTC()
	ev.SealID = nil
	redactEvent(&ev)
	ev.EventHash = hashEvent(ev)

	err := l.Store.WithTx(ctx, func(tx store.Tx) error {
		prev, err := tx.AuditEvents().LastAuditEvent(ctx)
		switch {
		case err == nil:
			ev.Linkage = linkEvents(prev.Linkage, ev.EventHash)
		case errors.Is(err, store.ErrNotFound):
			ev.Linkage = linkEvents("", ev.EventHash)
		default:
			return err
		}
		return tx.AuditEvents().AppendAuditEvent(ctx, ev)
	})
	if err != nil {
		return domain.AuditEvent{}, fmt.Errorf("ledger append: %w", err)
	}
	return ev, nil
}

// Record is the best-effort variant used at non-terminal decision points. A
// failed append is logged but does not fail the caller's operation.
func (l *AuditLedger) Record(ctx context.Context, ev domain.AuditEvent) {
	if l == nil {
		return
	}
	if _, err := l.Append(ctx, ev); err != nil {
		slogx.FromContext(ctx).Error("audit record dropped",
			slog.String("event_type", ev.EventType),
			slog.Any("error", err),
		)
	}
}

// Seal closes the current epoch: every unsealed event goes under one Merkle
// root, signed with that epoch's key, bound in the store and handed to the
// anchor sink with a verifiable receipt.
func (l *AuditLedger) Seal(ctx context.Context) (domain.AuditSeal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	events, err := l.Store.AuditEvents().ListUnsealedEvents(ctx)
	if err != nil {
		return domain.AuditSeal{}, fmt.Errorf("ledger seal: %w", err)
	}
	if len(events) == 0 {
		return domain.AuditSeal{}, ErrNothingToSeal
	}

	leaves := make([][]byte, len(events))
	ids := make([]string, len(events))
	for i, ev := range events {
		leaves[i] = []byte(ev.EventHash)
		ids[i] = ev.ID
	}

	tree, err := merklex.New(leaves)
	if err != nil {
		return domain.AuditSeal{}, fmt.Errorf("ledger seal: %w", err)
	}
	root := tree.Root()

	epoch := uint64(1)
	if last, err := l.Store.AuditEvents().LastSeal(ctx); err == nil {
		epoch = last.Epoch + 1
	} else if !errors.Is(err, store.ErrNotFound) {
		return domain.AuditSeal{}, fmt.Errorf("ledger seal: %w", err)
	}

	sig, err := l.Sealer.SignRoot(epoch, root)
	if err != nil {
		return domain.AuditSeal{}, fmt.Errorf("ledger seal: %w", err)
	}

	seal := domain.AuditSeal{
		ID:         string(idx.New()),
		Epoch:      epoch,
		Root:       root,
		Signature:  sig,
		EventCount: len(events),
		FirstEvent: events[0].ID,
		LastEvent:  events[len(events)-1].ID,
		SealedAt:   l.now().UTC(),
	}

	seal.Receipt, err = l.Sealer.Receipt(epoch, seal.ID, root, seal.SealedAt, len(events))
	if err != nil {
		return domain.AuditSeal{}, fmt.Errorf("ledger seal: %w", err)
	}

	err = l.Store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.AuditEvents().CreateSeal(ctx, seal); err != nil {
			return err
		}
		return tx.AuditEvents().BindEventsToSeal(ctx, seal.ID, ids)
	})
	if err != nil {
		return domain.AuditSeal{}, fmt.Errorf("ledger seal: %w", err)
	}

	if err := l.Anchor.Anchor(ctx, seal); err != nil {
		// The seal is already durable; anchoring is an external courtesy.
		slogx.FromContext(ctx).Error("seal anchor failed",
			slog.Uint64("epoch", epoch),
			slog.Any("error", err),
		)
	}
	return seal, nil
}

// IntegrityVerdict is the per-event outcome of a VerifyIntegrity pass.
type IntegrityVerdict struct {
	EventID  string
	OK       bool
	Problems []string
}

// VerifyIntegrity recomputes hashes and linkage over the event range
// [fromID, toID] (empty bounds are open-ended) and reports a verdict per
// event. A range starting mid-chain anchors on its first event's stored
// linkage. Any failed verdict also lands in the ledger itself.
func (l *AuditLedger) VerifyIntegrity(ctx context.Context, fromID, toID string) ([]IntegrityVerdict, error) {
	events, err := l.Store.AuditEvents().ListEventsBetween(ctx, fromID, toID)
	if err != nil {
		return nil, fmt.Errorf("ledger verify: %w", err)
	}

	verdicts := make([]IntegrityVerdict, 0, len(events))
	prevLinkage := ""
	tampered := 0

	for i, ev := range events {
		v := IntegrityVerdict{EventID: ev.ID, OK: true}

		if got := hashEvent(ev); got != ev.EventHash {
			v.OK = false
			v.Problems = append(v.Problems, "event hash mismatch")
		}

		if i == 0 && fromID != "" {
			// Mid-chain range: the first event's linkage is the anchor.
			prevLinkage = ev.Linkage
		} else {
			if want := linkEvents(prevLinkage, ev.EventHash); want != ev.Linkage {
				v.OK = false
				v.Problems = append(v.Problems, "linkage broken")
			}
			prevLinkage = ev.Linkage
		}

		if !v.OK {
			tampered++
		}
		verdicts = append(verdicts, v)
	}

	if tampered > 0 {
		l.Record(ctx, domain.AuditEvent{
			Actor:     "system",
			EventType: domain.EventLedgerTampered,
			Action:    "verify",
			Status:    domain.AuditFailure,
			Severity:  domain.SeverityCritical,
			Metadata: map[string]string{
				"tampered_events": strconv.Itoa(tampered),
				"range_from":      fromID,
				"range_to":        toID,
			},
		})
	}
	return verdicts, nil
}

// VerifySeal checks a stored seal's signature against its recorded root.
func (l *AuditLedger) VerifySeal(seal domain.AuditSeal) error {
	if err := l.Sealer.VerifyRoot(seal.Epoch, seal.Root, seal.Signature); err != nil {
		return fmt.Errorf("%w: epoch %d: %w", ErrIntegrityViolation, seal.Epoch, err)
	}
	return nil
}

// Search runs a filtered ledger query.
func (l *AuditLedger) Search(ctx context.Context, f store.AuditFilter) ([]domain.AuditEvent, error) {
	return l.Store.AuditEvents().SearchEvents(ctx, f)
}

// Export formats. Every exported record is the redacted stored form; export
// never re-exposes what Append stripped.
const (
	ExportJSON = "json"
	ExportCSV  = "csv"
)

// Export writes the event range [fromID, toID] to w in the given format.
func (l *AuditLedger) Export(ctx context.Context, fromID, toID, format string, w io.Writer) error {
	events, err := l.Store.AuditEvents().ListEventsBetween(ctx, fromID, toID)
	if err != nil {
		return fmt.Errorf("ledger export: %w", err)
	}

	switch format {
	case ExportJSON:
		return exportJSON(w, events)
	case ExportCSV:
		return exportCSV(w, events)
	default:
		return fmt.Errorf("ledger export: unknown format %q", format)
	}
}

type exportedEvent struct {
	ID        string            `json:"id"`
	TenantID  string            `json:"tenant_id,omitempty"`
	Actor     string            `json:"actor"`
	EventType string            `json:"event_type"`
	Action    string            `json:"action"`
	Status    string            `json:"status"`
	Severity  string            `json:"severity"`
	Target    string            `json:"target,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	EventHash string            `json:"event_hash"`
	Linkage   string            `json:"linkage"`
	SealID    string            `json:"seal_id,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

func toExported(ev domain.AuditEvent) exportedEvent {
	out := exportedEvent{
		ID:        ev.ID,
		TenantID:  ev.TenantID,
		Actor:     ev.Actor,
		EventType: ev.EventType,
		Action:    ev.Action,
		Status:    string(ev.Status),
		Severity:  string(ev.Severity),
		Target:    ev.Target,
		Metadata:  ev.Metadata,
		EventHash: ev.EventHash,
		Linkage:   ev.Linkage,
		CreatedAt: ev.CreatedAt,
	}
	if ev.SealID != nil {
		out.SealID = *ev.SealID
	}
	return out
}

func exportJSON(w io.Writer, events []domain.AuditEvent) error {
	out := make([]exportedEvent, len(events))
	for i, ev := range events {
		out[i] = toExported(ev)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func exportCSV(w io.Writer, events []domain.AuditEvent) error {
	cw := csv.NewWriter(w)
	header := []string{"id", "tenant_id", "actor", "event_type", "action", "status", "severity", "target", "metadata", "event_hash", "linkage", "seal_id", "created_at"}
	if err := cw.Write(header); err != nil {
		return err
	}

	for _, ev := range events {
		e := toExported(ev)
		if err := cw.Write([]string{
			e.ID, e.TenantID, e.Actor, e.EventType, e.Action, e.Status,
			string(e.Severity), e.Target, flattenMeta(ev.Metadata),
			e.EventHash, e.Linkage, e.SealID, e.CreatedAt.Format(time.RFC3339Nano),
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func flattenMeta(meta map[string]string) string {
	if len(meta) == 0 {
		return ""
	}
	parts := make([]string, 0, len(meta))
	for _, k := range sortedKeys(meta) {
		parts = append(parts, k+"="+meta[k])
	}
	return strings.Join(parts, ";")
}

// redactEvent replaces sensitive metadata values in place. Running it twice
// yields the same record, so re-redacting an already stored event is safe.
func redactEvent(ev *domain.AuditEvent) {
	for k := range ev.Metadata {
		if _, sensitive := sensitiveMetaKeys[strings.ToLower(k)]; sensitive {
			ev.Metadata[k] = redactedMarker
		}
	}
}

// hashEvent computes the content hash over the redacted canonical form:
// fixed field order, metadata sorted by key, newline separated.
func hashEvent(ev domain.AuditEvent) string {
	h := sha256.New()
	for _, field := range []string{
		ev.ID,
		ev.TenantID,
		ev.Actor,
		ev.EventType,
		ev.Action,
		string(ev.Status),
		string(ev.Severity),
		ev.Target,
		ev.CreatedAt.UTC().Format(time.RFC3339Nano),
	} {
		h.Write([]byte(field))
		h.Write([]byte{'\n'})
	}
	for _, k := range sortedKeys(ev.Metadata) {
		h.Write([]byte(k))
		h.Write([]byte{'='})
		h.Write([]byte(ev.Metadata[k]))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// linkEvents derives the chain value binding an event to its predecessor.
func linkEvents(prevLinkage, eventHash string) string {
	h := sha256.New()
	h.Write([]byte(prevLinkage))
	h.Write([]byte(eventHash))
	return hex.EncodeToString(h.Sum(nil))
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
