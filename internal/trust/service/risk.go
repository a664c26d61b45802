package service

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/broadvale/trustcore/internal/trust/domain"
	"github.com/broadvale/trustcore/internal/trust/store"
	"github.com/broadvale/trustcore/pkg/idx"
	"github.com/broadvale/trustcore/pkg/slogx"
)

// RiskAction is what the assessed score demands from the enclosing flow.
type RiskAction string

const (
	ActionNone            RiskAction = "none"
	ActionRequireMFA      RiskAction = "require_mfa"
	ActionRequireMFAAlert RiskAction = "require_mfa_notify"
)

// Risk factor names as they appear in assessments and audit metadata.
const (
	FactorUnseenNetwork     = "unseen_network"
	FactorUnseenFingerprint = "unseen_fingerprint"
	FactorImplausibleTravel = "implausible_travel"
	FactorAnomalousClient   = "anomalous_client"
)

// RiskConfig holds the factor weights and thresholds. Scores are additive
// and capped; the same profile and attempt always produce the same score.
type RiskConfig struct {
	WeightUnseenNetwork     int
	WeightUnseenFingerprint int
	WeightImplausibleTravel int
	WeightAnomalousClient   int
	ScoreCap                int

	// MFAThreshold and on: require a second factor. NotifyThreshold and on:
	// additionally alert the identity.
	MFAThreshold    int
	NotifyThreshold int

	// MaxPlausibleSpeedKMH is the travel-speed ceiling for the geo-velocity
	// factor.
	MaxPlausibleSpeedKMH float64

	// ProfileSize bounds the rolling observation window.
	ProfileSize int

	// CacheTTL bounds profile staleness in the KeyValue cache.
	CacheTTL time.Duration
}

func DefaultRiskConfig() RiskConfig {
	return RiskConfig{
		WeightUnseenNetwork:     30,
		WeightUnseenFingerprint: 25,
		WeightImplausibleTravel: 40,
		WeightAnomalousClient:   15,
		ScoreCap:                100,
		MFAThreshold:            40,
		NotifyThreshold:         70,
		MaxPlausibleSpeedKMH:    900, // commercial flight
		ProfileSize:             50,
		CacheTTL:                5 * time.Minute,
	}
}

// RiskAssessment is the engine's verdict on one attempt.
type RiskAssessment struct {
	Score   int
	Factors []string
	Action  RiskAction
}

// Elevated reports whether the attempt needs a second factor.
func (a RiskAssessment) Elevated() bool { return a.Action != ActionNone }

// riskStripes is the per-identity lock stripe count.
const riskStripes = 64

// RiskEngine scores attempts against the identity's rolling profile. The
// geo provider and the KeyValue cache are both optional; without them the
// engine simply has fewer signals and hits the store directly.
type RiskEngine struct {
	Store    store.Store
	Cache    store.KeyValue // optional
	Geo      GeoIP          // optional
	Notifier *Notifier
	Ledger   *AuditLedger
	Config   RiskConfig

	locks [riskStripes]sync.Mutex
	now   func() time.Time
}

func NewRiskEngine(st store.Store, cache store.KeyValue, geo GeoIP, notifier *Notifier, ledger *AuditLedger, cfg RiskConfig) *RiskEngine {
	if cfg.ScoreCap == 0 {
		cfg = DefaultRiskConfig()
	}
	return &RiskEngine{Store: st, Cache: cache, Geo: geo, Notifier: notifier, Ledger: ledger, Config: cfg, now: time.Now}
}

// Assess scores the attempt and appends it to the identity's profile. The
// stripe lock serializes concurrent assessments of the same identity, so two
// simultaneous attempts both score against the profile as it was and the
// appends cannot interleave mid-read.
func (e *RiskEngine) Assess(ctx context.Context, attempt domain.AttemptContext) (RiskAssessment, error) {
	lock := e.stripe(attempt.TenantID, attempt.IdentityID)
	lock.Lock()
	defer lock.Unlock()

	profile, err := e.profile(ctx, attempt.TenantID, attempt.IdentityID)
	if err != nil {
		return RiskAssessment{}, fmt.Errorf("risk assess: %w", err)
	}

	geo := e.lookupGeo(ctx, attempt)
	loc := attempt.Location
	if loc.IsZero() && geo != nil {
		loc = geo.Location
	}

	var (
		score   int
		factors []string
	)
	add := func(name string, weight int) {
		score += weight
		factors = append(factors, name)
	}

	if attempt.Network != "" && !seenNetwork(profile, attempt.Network) {
		add(FactorUnseenNetwork, e.Config.WeightUnseenNetwork)
	}
	if attempt.Fingerprint != "" && !seenFingerprint(profile, attempt.Fingerprint) {
		add(FactorUnseenFingerprint, e.Config.WeightUnseenFingerprint)
	}
	if e.implausibleTravel(profile, loc, attempt.At) {
		add(FactorImplausibleTravel, e.Config.WeightImplausibleTravel)
	}
	if anomalousClient(attempt, geo) {
		add(FactorAnomalousClient, e.Config.WeightAnomalousClient)
	}

	if score > e.Config.ScoreCap {
		score = e.Config.ScoreCap
	}

	assessment := RiskAssessment{Score: score, Factors: factors, Action: e.action(score)}

	if err := e.append(ctx, attempt, loc); err != nil {
		return RiskAssessment{}, fmt.Errorf("risk assess: %w", err)
	}

	e.Ledger.Record(ctx, domain.AuditEvent{
		TenantID:  attempt.TenantID,
		Actor:     attempt.IdentityID,
		EventType: domain.EventRiskAssessed,
		Action:    string(assessment.Action),
		Status:    domain.AuditSuccess,
		Severity:  riskSeverity(assessment.Action),
		Metadata: map[string]string{
			"score":   strconv.Itoa(score),
			"factors": fmt.Sprintf("%v", factors),
		},
	})

	if assessment.Action == ActionRequireMFAAlert && e.Notifier != nil {
		e.Notifier.Notify(ctx, attempt.TenantID, attempt.IdentityID,
			"A sign-in attempt from an unrecognised location or device needs your attention.")
	}
	return assessment, nil
}

func (e *RiskEngine) action(score int) RiskAction {
	switch {
	case score >= e.Config.NotifyThreshold:
		return ActionRequireMFAAlert
	case score >= e.Config.MFAThreshold:
		return ActionRequireMFA
	default:
		return ActionNone
	}
}

func riskSeverity(action RiskAction) domain.AuditSeverity {
	switch action {
	case ActionRequireMFAAlert:
		return domain.SeverityHigh
	case ActionRequireMFA:
		return domain.SeverityWarning
	default:
		return domain.SeverityInfo
	}
}

func (e *RiskEngine) stripe(tenantID, identityID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(tenantID))
	h.Write([]byte{0})
	h.Write([]byte(identityID))
	return &e.locks[h.Sum32()%riskStripes]
}

// lookupGeo resolves the attempt's network through the geo provider, once per
// assessment; the location and reputation factors both read the same answer.
// Absent provider or lookup failure returns nil and just drops the geo
// signals for this attempt.
func (e *RiskEngine) lookupGeo(ctx context.Context, attempt domain.AttemptContext) *GeoInfo {
	if e.Geo == nil || attempt.Network == "" {
		return nil
	}

	info, err := e.Geo.Lookup(ctx, attempt.Network)
	if err != nil {
		slogx.FromContext(ctx).Debug("geo lookup failed",
			slog.String("network", attempt.Network),
			slog.Any("error", err),
		)
		return nil
	}
	return &info
}

func seenNetwork(profile []domain.RiskObservation, network string) bool {
	for _, obs := range profile {
		if obs.Network == network {
			return true
		}
	}
	return false
}

func seenFingerprint(profile []domain.RiskObservation, fingerprint string) bool {
	for _, obs := range profile {
		if obs.Fingerprint == fingerprint {
			return true
		}
	}
	return false
}

// implausibleTravel compares against the newest observation that carried
// coordinates: distance over elapsed time beyond the speed ceiling means the
// two attempts cannot belong to one travelling person.
func (e *RiskEngine) implausibleTravel(profile []domain.RiskObservation, loc domain.Location, at time.Time) bool {
	if loc.IsZero() {
		return false
	}

	for _, obs := range profile { // newest first
		if obs.Lat == 0 && obs.Lon == 0 {
			continue
		}

		elapsed := at.Sub(obs.ObservedAt)
		if elapsed <= 0 {
			elapsed = time.Minute
		}

		km := haversineKM(obs.Lat, obs.Lon, loc.Lat, loc.Lon)
		speed := km / elapsed.Hours()
		return speed > e.Config.MaxPlausibleSpeedKMH
	}
	return false
}

func anomalousClient(attempt domain.AttemptContext, geo *GeoInfo) bool {
	if attempt.UserAgent == "" {
		return true
	}
	return geo != nil && geo.Reputation > 0
}

// append records the attempt and trims the profile to its bound. Coordinates
// are coarsened before persistence; precise positions are only ever used in
// flight.
func (e *RiskEngine) append(ctx context.Context, attempt domain.AttemptContext, loc domain.Location) error {
	at := attempt.At
	if at.IsZero() {
		at = e.now()
	}

	obs := domain.RiskObservation{
		ID:          string(idx.New()),
		TenantID:    attempt.TenantID,
		IdentityID:  attempt.IdentityID,
		Network:     attempt.Network,
		Fingerprint: attempt.Fingerprint,
		CountryCode: loc.CountryCode,
		Lat:         coarsen(loc.Lat),
		Lon:         coarsen(loc.Lon),
		ObservedAt:  at.UTC(),
	}

	err := e.Store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.RiskProfiles().AppendObservation(ctx, obs); err != nil {
			return err
		}
		return tx.RiskProfiles().TrimObservations(ctx, attempt.TenantID, attempt.IdentityID, e.Config.ProfileSize)
	})
	if err != nil {
		return err
	}

	e.invalidateProfile(ctx, attempt.TenantID, attempt.IdentityID)
	return nil
}

// coarsen rounds a coordinate to one decimal place, roughly 11 km.
func coarsen(deg float64) float64 {
	return math.Round(deg*10) / 10
}

func (e *RiskEngine) profileKey(tenantID, identityID string) string {
	return fmt.Sprintf("risk:profile:%s:%s", tenantID, identityID)
}

// profile loads the rolling window, through the cache when one is wired.
// Cache trouble degrades to a store read.
func (e *RiskEngine) profile(ctx context.Context, tenantID, identityID string) ([]domain.RiskObservation, error) {
	key := e.profileKey(tenantID, identityID)

	if e.Cache != nil {
		if raw, err := e.Cache.Get(ctx, key); err == nil {
			var profile []domain.RiskObservation
			if jsonErr := json.Unmarshal([]byte(raw), &profile); jsonErr == nil {
				return profile, nil
			}
		}
	}

	profile, err := e.Store.RiskProfiles().ListRecentObservations(ctx, tenantID, identityID, e.Config.ProfileSize)
	if err != nil {
		return nil, err
	}

	if e.Cache != nil {
		if raw, err := json.Marshal(profile); err == nil {
			if err := e.Cache.Set(ctx, key, string(raw), e.Config.CacheTTL); err != nil {
				slogx.FromContext(ctx).Debug("risk profile cache write failed", slog.Any("error", err))
			}
		}
	}
	return profile, nil
}

func (e *RiskEngine) invalidateProfile(ctx context.Context, tenantID, identityID string) {
	if e.Cache == nil {
		return
	}
	if err := e.Cache.Del(ctx, e.profileKey(tenantID, identityID)); err != nil {
		slogx.FromContext(ctx).Debug("risk profile cache invalidation failed", slog.Any("error", err))
	}
}

// haversineKM is the great-circle distance between two coordinates.
func haversineKM(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadiusKM = 6371.0

	toRad := func(deg float64) float64 { return deg * math.Pi / 180 }

	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKM * math.Asin(math.Sqrt(a))
}
