package ledger

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hearthwake.ai/internal/sim/curves"
)

func testRules() Rules {
	return Rules{Curves: curves.DefaultParams()}
}

func TestApply_DampensOutputAndChargesCosts(t *testing.T) {
	l := New(Resources{Energy: 1, Maintenance: 1, Stability: 1, Attractiveness: 2}, 5)
	contribs := []Contribution{
		{ZoneID: "a", Output: Resources{Energy: 2, Stability: 1}, Upkeep: Resources{Maintenance: 0.1}},
		{ZoneID: "b", Output: Resources{Energy: 1, Attractiveness: 1}},
	}

	res, err := Apply(l, contribs, 1, testRules())
	require.NoError(t, err)

	damp := 0.5 * 0.5 * math.Log(2) / math.Log(3)
	assert.InDelta(t, damp, res.Dampening, 1e-12)
	assert.InDelta(t, 3*damp, res.Output.Energy, 1e-12)
	assert.InDelta(t, 1.0/3.0, res.EffectivePopulation, 1e-12)

	p := curves.DefaultParams()
	wantEnergyCost := p.EnergyAlpha * 5
	wantMaintCost := p.MaintenanceBeta * (1.0 / 9.0)
	assert.InDelta(t, wantEnergyCost, res.EnergyCost, 1e-12)
	assert.InDelta(t, wantMaintCost, res.MaintenanceCost, 1e-12)

	assert.InDelta(t, 1+3*damp-wantEnergyCost, res.Ledger.Energy, 1e-12)
	assert.InDelta(t, 1-0.1-wantMaintCost, res.Ledger.Maintenance, 1e-12)
	assert.Empty(t, res.Starved)

	// The input ledger is untouched.
	assert.Equal(t, 1.0, l.Energy)
}

func TestApply_ClampsAndRecordsStarvation(t *testing.T) {
	l := New(Resources{Energy: 0.01, Maintenance: 0.5, Stability: 1}, 3)
	contribs := []Contribution{
		{ZoneID: "hungry", Upkeep: Resources{Energy: 5, Stability: 2}, Strain: 10},
	}

	res, err := Apply(l, contribs, 1, testRules())
	require.NoError(t, err)

	assert.Equal(t, 0.0, res.Ledger.Energy)
	assert.Equal(t, 0.0, res.Ledger.Stability)
	assert.Equal(t, 0.0, res.Ledger.PopulationPressure)
	assert.Equal(t, []Kind{Energy, Stability, PopulationPressure}, res.Starved)
	assert.Greater(t, res.Ledger.Maintenance, 0.0)
}

func TestApply_PressureStarvesOnlyWhenItFalls(t *testing.T) {
	empty := New(Resources{Maintenance: 1}, 0)
	contribs := []Contribution{{ZoneID: "hungry", Upkeep: Resources{Energy: 1}, Strain: 2}}

	res, err := Apply(empty, contribs, 1, testRules())
	require.NoError(t, err)
	assert.Equal(t, 0.0, res.Ledger.PopulationPressure)
	assert.Equal(t, []Kind{Energy}, res.Starved, "energy at zero still starves; resting pressure does not")

	res, err = Apply(New(Resources{Maintenance: 1}, 0.5), contribs, 1, testRules())
	require.NoError(t, err)
	assert.Equal(t, []Kind{Energy, PopulationPressure}, res.Starved)
}

func TestApply_PressureUncappedButEffectSaturates(t *testing.T) {
	l := New(Resources{Energy: 50, Maintenance: 50, Stability: 50, Attractiveness: 10}, 0)
	rules := testRules()
	grow := []Contribution{{ZoneID: "magnet", Attraction: 400}}

	for i := 0; i < 10; i++ {
		res, err := Apply(l, grow, 1, rules)
		require.NoError(t, err)
		l = res.Ledger
	}
	assert.Greater(t, l.PopulationPressure, 5000.0)
	assert.Less(t, l.EffectivePopulation(rules.Curves.PopulationK), 1.0)
}

func TestApply_ZoneModifiersBiasCurves(t *testing.T) {
	l := New(Resources{Energy: 10, Maintenance: 10, Stability: 10}, 20)
	plain, err := Apply(l, nil, 1, testRules())
	require.NoError(t, err)

	biased, err := Apply(l, []Contribution{{ZoneID: "aqueduct", Modifiers: curves.Overlay{curves.BiasMaintenanceBeta: -0.01}}}, 1, testRules())
	require.NoError(t, err)

	assert.InDelta(t, 0.01, biased.Params.MaintenanceBeta, 1e-12)
	assert.Less(t, biased.MaintenanceCost, plain.MaintenanceCost)
}

func TestApply_Deterministic(t *testing.T) {
	l := New(Resources{Energy: 3, Maintenance: 2, Stability: 4, Attractiveness: 1}, 12)
	contribs := []Contribution{{ZoneID: "x", Output: Resources{Energy: 1, Maintenance: 1}, Attraction: 0.2, Strain: 0.05, Decay: 0.01}}
	a, err := Apply(l, contribs, 0.5, testRules())
	require.NoError(t, err)
	b, err := Apply(l, contribs, 0.5, testRules())
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestApply_RejectsInvalidInput(t *testing.T) {
	l := New(Resources{Energy: 1}, 1)
	cases := map[string]func() error{
		"negative dt": func() error { _, err := Apply(l, nil, -1, testRules()); return err },
		"nan dt":      func() error { _, err := Apply(l, nil, math.NaN(), testRules()); return err },
		"nan output": func() error {
			_, err := Apply(l, []Contribution{{Output: Resources{Energy: math.NaN()}}}, 1, testRules())
			return err
		},
		"negative upkeep": func() error {
			_, err := Apply(l, []Contribution{{Upkeep: Resources{Stability: -1}}}, 1, testRules())
			return err
		},
		"overflow": func() error {
			rules := testRules()
			rules.PassiveEnergy = math.MaxFloat64
			_, err := Apply(New(Resources{Energy: math.MaxFloat64}, 0), nil, 1, rules)
			return err
		},
		"corrupt ledger": func() error {
			bad := l
			bad.Maintenance = -3
			_, err := Apply(bad, nil, 1, testRules())
			return err
		},
	}
	for name, run := range cases {
		err := run()
		assert.True(t, errors.Is(err, ErrInvalidState), "%s: got %v", name, err)
	}
}

func TestApply_TracksOfflineProxy(t *testing.T) {
	l := New(Resources{Energy: 1, Maintenance: 1, Stability: 1}, 5)
	res, err := Apply(l, []Contribution{{ZoneID: "z", Output: Resources{Energy: 3, Stability: 1}, Attraction: 0.01}}, 2, testRules())
	require.NoError(t, err)

	got := res.Ledger
	assert.InDelta(t, res.Output.Sum()/2*3600, got.OutputEstimate, 1e-9)
	assert.InDelta(t, 0.75, got.OutputMix.Energy, 1e-12)
	assert.InDelta(t, 0.25, got.OutputMix.Stability, 1e-12)
}

func TestApplyOfflineGain(t *testing.T) {
	l := New(Resources{Energy: 2}, 10)
	l.OutputEstimate = 8
	l.OutputMix = Resources{Energy: 0.5, Attractiveness: 0.5}
	l.PressureTrend = 1

	res, err := ApplyOfflineGain(l, 72)
	require.NoError(t, err)
	assert.InDelta(t, 34, res.Gain, 2)
	assert.InDelta(t, 2+res.Gain/2, res.Ledger.Energy, 1e-9)
	assert.InDelta(t, res.Gain/2, res.Ledger.Attractiveness, 1e-9)
	assert.InDelta(t, 10+math.Log(73), res.Ledger.PopulationPressure, 1e-9)

	l.OutputMix = Resources{}
	l.PressureTrend = -4
	res, err = ApplyOfflineGain(l, 1)
	require.NoError(t, err)
	assert.InDelta(t, 2+8*math.Log(2), res.Ledger.Energy, 1e-9)
	assert.Equal(t, 10.0, res.Ledger.PopulationPressure)

	_, err = ApplyOfflineGain(l, -1)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestResourcesShares(t *testing.T) {
	r := Resources{Energy: 3, Maintenance: -1, Stability: 1}
	assert.Equal(t, Resources{Energy: 0.75, Stability: 0.25}, r.Shares())
	assert.True(t, Resources{}.Shares().IsZero())

	k, err := ParseKind("stability")
	require.NoError(t, err)
	assert.Equal(t, Stability, k)
	_, err = ParseKind("gold")
	assert.Error(t, err)
}
