package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/broadvale/trustcore/internal/trust/domain"
	"github.com/broadvale/trustcore/internal/trust/store/drivers/memkv"
)

type staticGeo struct {
	byNetwork map[string]GeoInfo
}

func (g staticGeo) Lookup(ctx context.Context, network string) (GeoInfo, error) {
	return g.byNetwork[network], nil
}

func newTestRiskEngine(t *testing.T, geo GeoIP) (*RiskEngine, string) {
	t.Helper()

	st := newTestStore(t)
	ledger := newTestLedger(t, st)
	engine := NewRiskEngine(st, memkv.New(), geo, nil, ledger, DefaultRiskConfig())
	return engine, seedIdentity(t, st)
}

func TestRiskAssessUnseenSignals(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	engine, identity := newTestRiskEngine(t, nil)
	attempt := testAttempt(identity)

	t.Run("first sight of network and fingerprint scores both factors", func(t *testing.T) {
		assessment, err := engine.Assess(ctx, attempt)
		require.NoError(t, err)
		require.Equal(t, engine.Config.WeightUnseenNetwork+engine.Config.WeightUnseenFingerprint, assessment.Score)
		require.Contains(t, assessment.Factors, FactorUnseenNetwork)
		require.Contains(t, assessment.Factors, FactorUnseenFingerprint)
		require.Equal(t, ActionRequireMFA, assessment.Action)
	})

	t.Run("a repeat of the same context scores clean", func(t *testing.T) {
		assessment, err := engine.Assess(ctx, attempt)
		require.NoError(t, err)
		require.Zero(t, assessment.Score)
		require.Empty(t, assessment.Factors)
		require.Equal(t, ActionNone, assessment.Action)
	})

	t.Run("a new fingerprint alone scores one factor", func(t *testing.T) {
		changed := attempt
		changed.Fingerprint = "fp-firefox-mac"

		assessment, err := engine.Assess(ctx, changed)
		require.NoError(t, err)
		require.Equal(t, engine.Config.WeightUnseenFingerprint, assessment.Score)
		require.Equal(t, []string{FactorUnseenFingerprint}, assessment.Factors)
	})

	t.Run("identical input yields identical scores", func(t *testing.T) {
		a, err := engine.Assess(ctx, attempt)
		require.NoError(t, err)
		b, err := engine.Assess(ctx, attempt)
		require.NoError(t, err)
		require.Equal(t, a, b)
	})
}

func TestRiskAssessGeoVelocity(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	engine, identity := newTestRiskEngine(t, nil)

	sydney := domain.Location{CountryCode: "AU", Lat: -33.87, Lon: 151.21}
	london := domain.Location{CountryCode: "GB", Lat: 51.51, Lon: -0.13}

	base := time.Now().UTC()
	first := testAttempt(identity)
	first.Location = sydney
	first.At = base

	_, err := engine.Assess(ctx, first)
	require.NoError(t, err)

	t.Run("crossing the planet in an hour is implausible", func(t *testing.T) {
		second := first
		second.Location = london
		second.At = base.Add(time.Hour)

		assessment, err := engine.Assess(ctx, second)
		require.NoError(t, err)
		require.Contains(t, assessment.Factors, FactorImplausibleTravel)
		require.Equal(t, engine.Config.WeightImplausibleTravel, assessment.Score)
	})

	t.Run("the same trip over two days is plausible", func(t *testing.T) {
		engine2, identity2 := newTestRiskEngine(t, nil)
		a := testAttempt(identity2)
		a.Location = sydney
		a.At = base
		_, err := engine2.Assess(ctx, a)
		require.NoError(t, err)

		b := a
		b.Location = london
		b.At = base.Add(48 * time.Hour)
		assessment, err := engine2.Assess(ctx, b)
		require.NoError(t, err)
		require.NotContains(t, assessment.Factors, FactorImplausibleTravel)
	})
}

func TestRiskAssessAnomalousClientAndCap(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	geo := staticGeo{byNetwork: map[string]GeoInfo{
		"203.0.113.0/24": {
			Location:   domain.Location{CountryCode: "AU", Lat: -33.87, Lon: 151.21},
			Reputation: 5,
		},
	}}
	engine, identity := newTestRiskEngine(t, geo)

	attempt := testAttempt(identity)
	attempt.UserAgent = "" // missing client metadata
	attempt.Location = domain.Location{CountryCode: "GB", Lat: 51.51, Lon: -0.13}

	// Seed a distant prior observation so the travel factor fires too.
	prior := testAttempt(identity)
	prior.Network = "192.0.2.0/24"
	prior.Fingerprint = "fp-old"
	prior.Location = domain.Location{CountryCode: "AU", Lat: -33.87, Lon: 151.21}
	prior.At = time.Now().UTC().Add(-time.Hour)
	_, err := engine.Assess(ctx, prior)
	require.NoError(t, err)

	assessment, err := engine.Assess(ctx, attempt)
	require.NoError(t, err)

	require.Len(t, assessment.Factors, 4)
	require.Equal(t, engine.Config.ScoreCap, assessment.Score, "additive factors are capped")
	require.Equal(t, ActionRequireMFAAlert, assessment.Action)

	events := eventsOfType(t, engine.Ledger, domain.EventRiskAssessed)
	require.NotEmpty(t, events)
}

// countingGeo tallies provider round trips.
type countingGeo struct {
	calls int
	info  GeoInfo
}

func (g *countingGeo) Lookup(ctx context.Context, network string) (GeoInfo, error) {
	g.calls++
	return g.info, nil
}

func TestRiskAssessSingleGeoLookup(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	geo := &countingGeo{info: GeoInfo{
		Location:   domain.Location{CountryCode: "AU", Lat: -33.87, Lon: 151.21},
		Reputation: 3,
	}}
	engine, identity := newTestRiskEngine(t, geo)

	t.Run("one lookup answers location and reputation", func(t *testing.T) {
		assessment, err := engine.Assess(ctx, testAttempt(identity))
		require.NoError(t, err)
		require.Contains(t, assessment.Factors, FactorAnomalousClient)
		require.Equal(t, 1, geo.calls)
	})

	t.Run("a pre-resolved location still costs only one lookup", func(t *testing.T) {
		located := testAttempt(identity)
		located.Location = domain.Location{CountryCode: "GB", Lat: 51.51, Lon: -0.13}

		before := geo.calls
		assessment, err := engine.Assess(ctx, located)
		require.NoError(t, err)
		require.Contains(t, assessment.Factors, FactorAnomalousClient)
		require.Equal(t, before+1, geo.calls)
	})
}

func TestRiskProfileBounded(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	engine, identity := newTestRiskEngine(t, nil)
	engine.Config.ProfileSize = 5

	attempt := testAttempt(identity)
	for i := 0; i < 12; i++ {
		_, err := engine.Assess(ctx, attempt)
		require.NoError(t, err)
	}

	profile, err := engine.Store.RiskProfiles().ListRecentObservations(ctx, testTenant, identity, 100)
	require.NoError(t, err)
	require.Len(t, profile, 5, "profile is trimmed, never unbounded")
}
