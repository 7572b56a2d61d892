package security

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pocketbase/pocketbase/core"

	"ticket-scan/internal/status"
	"ticket-scan/models"
	"ticket-scan/monitoring"
	"ticket-scan/utils"
)

const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderTimestamp = "X-Webhook-Timestamp"

	maxGuardedBody = 4 << 20
)

type GuardConfig struct {
	Window    time.Duration
	ClockSkew time.Duration
}

// GuardRequest is the transport-neutral view of a signed request.
type GuardRequest struct {
	Source    string
	Signature string
	Timestamp string
	Body      []byte
}

// ReplayGuard authenticates signed ingestion requests and rejects any
// signature it has already seen inside the replay window.
type ReplayGuard struct {
	signer    *Signer
	store     ReplayStore
	escalator *Escalator
	alerts    AlertSink
	audit     AuditSink
	clock     utils.Clock
	cfg       GuardConfig
}

func NewReplayGuard(signer *Signer, store ReplayStore, escalator *Escalator, alerts AlertSink, audit AuditSink, clock utils.Clock, cfg GuardConfig) *ReplayGuard {
	if cfg.Window <= 0 {
		cfg.Window = 5 * time.Minute
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = time.Minute
	}
	if clock == nil {
		clock = utils.RealClock{}
	}
	return &ReplayGuard{
		signer:    signer,
		store:     store,
		escalator: escalator,
		alerts:    alerts,
		audit:     audit,
		clock:     clock,
		cfg:       cfg,
	}
}

// Check runs the guard for one request. The signature is recorded before
// the caller processes the body, so a concurrent duplicate loses.
func (g *ReplayGuard) Check(ctx context.Context, req GuardRequest) error {
	if g.escalator != nil {
		blocked, err := g.escalator.Blocked(ctx, req.Source)
		if err != nil {
			return err
		}
		if blocked {
			monitoring.TrackReplayRejection(status.Reason(status.ErrSourceBlocked))
			return status.ErrSourceBlocked
		}
	}

	err := g.check(ctx, req)
	if err == nil {
		return nil
	}

	monitoring.TrackReplayRejection(status.Reason(err))
	if status.SecurityRelevant(err) {
		slog.Warn("replay guard rejected request", "source", req.Source, "reason", status.Reason(err))
		g.report(ctx, req, err)
		if g.escalator != nil {
			if _, escErr := g.escalator.Record(ctx, req.Source, err); escErr != nil {
				slog.Error("failed to record security strike", "error", escErr, "source", req.Source)
			}
		}
	}
	return err
}

func (g *ReplayGuard) check(ctx context.Context, req GuardRequest) error {
	if strings.TrimSpace(req.Signature) == "" || strings.TrimSpace(req.Timestamp) == "" {
		return status.ErrMissingHeaders
	}
	unix, err := strconv.ParseInt(strings.TrimSpace(req.Timestamp), 10, 64)
	if err != nil {
		return fmt.Errorf("%w: malformed %s", status.ErrMissingHeaders, HeaderTimestamp)
	}

	now := g.clock.Now()
	ts := time.Unix(unix, 0)
	if now.Sub(ts) > g.cfg.Window {
		return status.ErrTimestampExpired
	}
	if ts.Sub(now) > g.cfg.ClockSkew {
		return status.ErrTimestampFuture
	}

	if err := g.signer.VerifyRequest(unix, req.Body, req.Signature); err != nil {
		return err
	}

	rec := models.ReplaySignatureRecord{
		SignatureHash: hashSignature(req.Signature),
		Timestamp:     ts,
		ExpiresAt:     ts.Add(g.cfg.Window),
	}
	fresh, err := g.store.Remember(ctx, rec, rec.TTL(now))
	if err != nil {
		return err
	}
	if !fresh {
		return status.ErrReplayDetected
	}
	return nil
}

// report raises an alert for replays and audits every security rejection.
func (g *ReplayGuard) report(ctx context.Context, req GuardRequest, reason error) {
	now := g.clock.Now()
	if errors.Is(reason, status.ErrReplayDetected) && g.alerts != nil {
		alert := models.Alert{
			Kind:    models.AlertReplay,
			Source:  req.Source,
			Message: "replayed signed request rejected",
			At:      now,
		}
		if err := g.alerts.Alert(ctx, alert); err != nil {
			slog.Error("failed to send replay alert", "error", err, "source", req.Source)
		}
	}
	if g.audit != nil {
		rec := models.AuditRecord{
			ID:        uuid.NewString(),
			Kind:      "security_rejection",
			Source:    req.Source,
			Detail:    status.Reason(reason),
			CreatedAt: now,
		}
		if err := g.audit.InsertAudit(ctx, rec); err != nil {
			slog.Error("failed to audit security rejection", "error", err, "source", req.Source)
		}
	}
}

// Middleware guards a pocketbase route. The body is restored for the next
// handler after verification.
func (g *ReplayGuard) Middleware(e *core.RequestEvent) error {
	body, err := io.ReadAll(io.LimitReader(e.Request.Body, maxGuardedBody+1))
	if err != nil {
		return e.JSON(http.StatusBadRequest, map[string]string{"error": "unreadable body"})
	}
	if len(body) > maxGuardedBody {
		return e.JSON(http.StatusRequestEntityTooLarge, map[string]string{
			"error":  "request body too large",
			"reason": status.Reason(status.ErrInvalidRequest),
		})
	}
	e.Request.Body = io.NopCloser(bytes.NewReader(body))

	err = g.Check(e.Request.Context(), GuardRequest{
		Source:    requestSource(e),
		Signature: e.Request.Header.Get(HeaderSignature),
		Timestamp: e.Request.Header.Get(HeaderTimestamp),
		Body:      body,
	})
	if err != nil {
		return e.JSON(status.HTTPCode(err), map[string]string{
			"error":  err.Error(),
			"reason": status.Reason(err),
		})
	}
	return e.Next()
}

// SignHTTPRequest sets the guard headers on an outgoing request.
func SignHTTPRequest(signer *Signer, req *http.Request, body []byte, now time.Time) {
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(now.Unix(), 10))
	req.Header.Set(HeaderSignature, signer.SignRequest(now, body))
}

// requestSource honours the app's trusted proxy settings when an app is attached.
func requestSource(e *core.RequestEvent) string {
	if e.App != nil {
		return e.RealIP()
	}
	host, _, err := net.SplitHostPort(e.Request.RemoteAddr)
	if err != nil {
		return e.Request.RemoteAddr
	}
	return host
}

// hashSignature keys the replay cache on the decoded MAC so that any hex
// spelling accepted by Verify maps to the same record.
func hashSignature(sig string) string {
	sig = strings.TrimSpace(sig)
	key := []byte(sig)
	if mac, err := hex.DecodeString(strings.TrimPrefix(sig, signaturePrefix)); err == nil {
		key = mac
	}
	sum := sha256.Sum256(key)
	return hex.EncodeToString(sum[:])
}
