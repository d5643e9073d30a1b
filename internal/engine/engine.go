// Package engine orchestrates the scoring components: it serializes calls
// per identity, reads and appends history, and assembles the decision.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/decision"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/message"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/profile"
	"github.com/opensource-finance/kestrel/internal/sequence"
	"github.com/opensource-finance/kestrel/internal/syncutil"
	"github.com/opensource-finance/kestrel/internal/traces"
	"github.com/opensource-finance/kestrel/internal/vulnerability"
)

const messageKeyPrefix = "kestrel:msg:"

// Engine is the risk scoring entry point. It is safe for concurrent use;
// calls for the same identity are serialized, calls for different
// identities run in parallel.
type Engine struct {
	th      domain.Thresholds
	loc     *time.Location
	history domain.HistoryStore
	locks   *syncutil.KeyedMutex

	classifier *profile.Classifier
	vuln       *vulnerability.Scorer
	detector   *sequence.Detector
	decider    *decision.Engine
	messages   *message.Scorer

	cache      domain.Cache
	messageTTL time.Duration
	overrides  decision.Overrides
	now        func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithCache memoizes message scores in c for ttl.
func WithCache(c domain.Cache, ttl time.Duration) Option {
	return func(e *Engine) {
		e.cache = c
		e.messageTTL = ttl
	}
}

// WithOverrides adds operator policy rules to the decision policy.
func WithOverrides(o decision.Overrides) Option {
	return func(e *Engine) { e.overrides = o }
}

// WithClock replaces time.Now, for transactions submitted without a
// timestamp and for ScoredAt.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New validates th once and builds the engine over history.
func New(th domain.Thresholds, history domain.HistoryStore, opts ...Option) (*Engine, error) {
	if err := th.Validate(); err != nil {
		return nil, err
	}
	if history == nil {
		return nil, fmt.Errorf("%w: history store is required", domain.ErrInvalidConfig)
	}
	vuln, err := vulnerability.New(th.Vulnerability)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		th:         th,
		loc:        th.Location(),
		history:    history,
		locks:      &syncutil.KeyedMutex{},
		classifier: profile.NewClassifier(th.Profile),
		vuln:       vuln,
		detector:   sequence.New(th.Sequence),
		messages:   message.NewScorer(th.Message),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.decider = decision.New(th.Decision, e.overrides)
	return e, nil
}

// Thresholds returns the active thresholds.
func (e *Engine) Thresholds() domain.Thresholds {
	return e.th
}

// History returns the store the engine reads and appends to.
func (e *Engine) History() domain.HistoryStore {
	return e.history
}

// Now returns the engine clock.
func (e *Engine) Now() time.Time {
	return e.now()
}

// RecordFunc is called with the normalized transaction right after it is
// appended to history, while the identity lock is still held.
type RecordFunc func(ctx context.Context, tx *domain.Transaction)

// ScoreTransaction validates tx, scores it against the identity's history
// and appends it to that history after deciding, whatever the outcome.
// A nil profile is derived from history. Invalid input is rejected before
// any lock is taken or state changes.
func (e *Engine) ScoreTransaction(ctx context.Context, tx *domain.Transaction, prof *domain.IdentityProfile, fraudProbability float64) (*domain.DecisionResult, error) {
	return e.ScoreAndRecord(ctx, tx, prof, fraudProbability, nil)
}

// ScoreAndRecord is ScoreTransaction with a record hook. Hooks for one
// identity run in history order, so durable copies keep the same order.
func (e *Engine) ScoreAndRecord(ctx context.Context, tx *domain.Transaction, prof *domain.IdentityProfile, fraudProbability float64, record RecordFunc) (*domain.DecisionResult, error) {
	start := time.Now()

	if err := tx.Validate(); err != nil {
		return nil, err
	}
	if err := prof.Validate(); err != nil {
		return nil, err
	}
	if math.IsNaN(fraudProbability) || fraudProbability < 0 || fraudProbability > 1 {
		return nil, fmt.Errorf("%w: fraud probability %v outside [0,1]", domain.ErrInvalidInput, fraudProbability)
	}

	cur := e.Normalize(tx)

	ctx, span := traces.StartSpan(ctx, "engine.ScoreTransaction",
		traces.IdentityID(cur.IdentityID), traces.TransactionID(cur.ID))
	defer span.End()

	unlock := e.locks.Lock(cur.IdentityID)
	defer unlock()
	metrics.ActiveIdentityLocks.Set(float64(e.locks.Active()))

	hist, err := e.history.Recent(ctx, cur.IdentityID, e.th.HistoryCapacity)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to read history: %w", err)
	}

	if prof == nil {
		prof = profile.Resolve(hist, &cur, e.th.Profile)
	}
	tag := e.classifier.Classify(prof)
	vr := e.vuln.Score(&cur, prof)
	alerts := e.detector.Detect(sequence.Input{
		History: hist,
		Current: &cur,
		Tag:     tag,
		Profile: prof,
	})
	out := e.decider.Decide(&decision.Input{
		Transaction:        &cur,
		Profile:            prof,
		Tag:                tag,
		FraudProbability:   fraudProbability,
		VulnerabilityScore: vr.Score,
		Alerts:             alerts,
		HistorySize:        len(hist),
	})

	if err := e.history.Append(ctx, cur.IdentityID, cur); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to append history: %w", err)
	}
	if record != nil {
		record(ctx, &cur)
	}

	result := &domain.DecisionResult{
		ID:                   uuid.New().String(),
		TransactionID:        cur.ID,
		IdentityID:           cur.IdentityID,
		Decision:             out.Decision,
		FraudProbability:     fraudProbability,
		VulnerabilityScore:   vr.Score,
		VulnerabilityFactors: vr.Factors,
		ProfileTag:           tag,
		PatternAlerts:        alerts,
		Explanation:          out.Reasons,
		Signals:              e.signals(&cur, prof),
		MatchedRule:          out.Rule,
		ScoredAt:             e.now().UTC(),
	}

	span.SetAttributes(traces.Decision(string(result.Decision)))
	metrics.DecisionsTotal.WithLabelValues(string(result.Decision), result.MatchedRule).Inc()
	metrics.VulnerabilityScore.Observe(result.VulnerabilityScore)
	for _, a := range alerts {
		metrics.PatternAlertsTotal.WithLabelValues(string(a.Kind), string(a.Severity)).Inc()
	}
	metrics.ScoringDuration.WithLabelValues("transaction").Observe(time.Since(start).Seconds())

	slog.Debug("transaction scored",
		"identity_id", result.IdentityID,
		"tx_id", result.TransactionID,
		"decision", result.Decision,
		"rule", result.MatchedRule,
		"alerts", len(alerts),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return result, nil
}

// ScoreMessage scores msg. It touches no history and its result depends
// only on the text, so memoized results are indistinguishable from fresh
// ones.
func (e *Engine) ScoreMessage(ctx context.Context, msg *domain.Message) (*domain.MessageScoreResult, error) {
	if msg == nil {
		return nil, fmt.Errorf("%w: message is required", domain.ErrInvalidInput)
	}
	start := time.Now()

	ctx, span := traces.StartSpan(ctx, "engine.ScoreMessage")
	defer span.End()

	key := messageKey(msg.Text)
	res, ok := e.cachedMessage(ctx, key)
	if ok {
		metrics.MessageCacheHits.Inc()
	} else {
		scored := e.messages.Score(*msg)
		res = &scored
		if e.cache != nil {
			if data, err := json.Marshal(res); err == nil {
				if err := e.cache.Set(ctx, key, data, e.messageTTL); err != nil {
					slog.Debug("message score cache set failed", "error", err)
				}
			}
		}
	}

	span.SetAttributes(traces.Tier(string(res.Tier)))
	metrics.MessageScoresTotal.WithLabelValues(string(res.Tier)).Inc()
	metrics.ScoringDuration.WithLabelValues("message").Observe(time.Since(start).Seconds())
	return res, nil
}

func (e *Engine) cachedMessage(ctx context.Context, key string) (*domain.MessageScoreResult, bool) {
	if e.cache == nil {
		return nil, false
	}
	data, err := e.cache.Get(ctx, key)
	if err != nil || data == nil {
		return nil, false
	}
	var res domain.MessageScoreResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, false
	}
	return &res, true
}

func messageKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return messageKeyPrefix + hex.EncodeToString(sum[:])
}

// Normalize copies tx, assigning an id and deriving the slot if missing.
// It is idempotent, so callers that need the stored form can normalize
// before scoring.
func (e *Engine) Normalize(tx *domain.Transaction) domain.Transaction {
	cur := *tx
	if cur.ID == "" {
		cur.ID = uuid.New().String()
	}
	if cur.TimeSlot == "" {
		cur.TimeSlot = domain.SlotFor(cur.Timestamp, e.loc)
	}
	return cur
}

// signals lists contextual indicators. They explain, they never decide.
func (e *Engine) signals(tx *domain.Transaction, p *domain.IdentityProfile) []string {
	th := e.th.Signals
	var out []string
	if tx.Amount.GreaterThan(th.LargeAmount) {
		out = append(out, fmt.Sprintf("High transaction amount (%s)", sequence.Rupees(tx.Amount)))
	}
	if tx.TimeSlot == domain.SlotNight {
		out = append(out, "Transaction at night")
	}
	if tx.IsNewDevice {
		out = append(out, "New device detected")
	}
	if tx.IsNewBeneficiary {
		out = append(out, "New beneficiary")
	}
	if tx.LocationChange {
		out = append(out, "Location change detected")
	}
	if p.TransactionFrequency > th.HighFrequency {
		out = append(out, fmt.Sprintf("High transaction frequency (%d in 24h)", p.TransactionFrequency))
	}
	if trust, ok := p.TrustFor(tx.BeneficiaryID); ok && trust < th.LowBeneficiaryTrust {
		out = append(out, fmt.Sprintf("Low beneficiary trust score (%.2f)", trust))
	}
	return out
}
