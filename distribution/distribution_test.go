package distribution

import (
	"errors"
	"math/rand"
	"testing"

	"bitbucket.org/mmdatafocus/pagu_backend/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func lines(amounts ...int64) []Line {
	out := make([]Line, 0, len(amounts))
	for i, a := range amounts {
		out = append(out, Line{Id: i + 1, AccountId: 100 + i + 1, Amount: d(a)})
	}
	return out
}

func assertAlloc(t *testing.T, got Allocation, want map[int]int64) {
	t.Helper()
	require.Len(t, got, len(want))
	for id, w := range want {
		if !got[id].Equal(d(w)) {
			t.Fatalf("line %d: expected %d, got %s (allocation %v)", id, w, got[id].String(), got)
		}
	}
}

func TestProportional_ExactShares(t *testing.T) {
	alloc, err := Distribute(d(100), lines(60, 40), models.DistributionPolicyProportional, nil)
	require.NoError(t, err)
	assertAlloc(t, alloc, map[int]int64{1: 60, 2: 40})
}

func TestProportional_RoundsToNearest(t *testing.T) {
	alloc, err := Distribute(d(33), lines(60, 40), models.DistributionPolicyProportional, nil)
	require.NoError(t, err)
	assertAlloc(t, alloc, map[int]int64{1: 20, 2: 13})

	alloc, err = Distribute(d(34), lines(60, 40), models.DistributionPolicyProportional, nil)
	require.NoError(t, err)
	assertAlloc(t, alloc, map[int]int64{1: 20, 2: 14})
}

func TestProportional_DriftGoesToLargestLowestId(t *testing.T) {
	alloc, err := Distribute(d(100), lines(1, 1, 1), models.DistributionPolicyProportional, nil)
	require.NoError(t, err)
	assertAlloc(t, alloc, map[int]int64{1: 34, 2: 33, 3: 33})

	// rounded shares 2,4,4,2 overshoot by one; lines 2 and 3 tie, line 2 absorbs it
	alloc, err = Distribute(d(11), lines(1, 2, 2, 1), models.DistributionPolicyProportional, nil)
	require.NoError(t, err)
	assertAlloc(t, alloc, map[int]int64{1: 2, 2: 3, 3: 4, 4: 2})
	assert.True(t, alloc.Total().Equal(d(11)))
}

func TestProportional_FallsBackToFloorWhenDriftWouldGoNegative(t *testing.T) {
	// rounded shares are 1,1,1,1,1,1 = 6 for a cash of 4
	alloc, err := Distribute(d(4), lines(2, 1, 1, 1, 1, 1), models.DistributionPolicyProportional, nil)
	require.NoError(t, err)
	assertAlloc(t, alloc, map[int]int64{1: 4, 2: 0, 3: 0, 4: 0, 5: 0, 6: 0})
}

func TestEqual_DriftToFirstLine(t *testing.T) {
	alloc, err := Distribute(d(100), lines(5, 70, 25), models.DistributionPolicyEqual, nil)
	require.NoError(t, err)
	assertAlloc(t, alloc, map[int]int64{1: 34, 2: 33, 3: 33})

	alloc, err = Distribute(d(2), lines(1, 1, 1), models.DistributionPolicyEqual, nil)
	require.NoError(t, err)
	assertAlloc(t, alloc, map[int]int64{1: 2, 2: 0, 3: 0})
}

func TestDistribute_SumIsExact(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 2000; i++ {
		n := 1 + rng.Intn(12)
		amounts := make([]int64, n)
		for j := range amounts {
			amounts[j] = 1 + rng.Int63n(5_000_000_000)
		}
		cash := d(1 + rng.Int63n(20_000_000_000))
		for _, policy := range []models.DistributionPolicy{models.DistributionPolicyProportional, models.DistributionPolicyEqual} {
			alloc, err := Distribute(cash, lines(amounts...), policy, nil)
			if err != nil {
				t.Fatalf("case %d %s: %v", i, policy, err)
			}
			if !alloc.Total().Equal(cash) {
				t.Fatalf("case %d %s: sum %s != cash %s", i, policy, alloc.Total(), cash)
			}
			for id, v := range alloc {
				if v.IsNegative() || !v.IsInteger() {
					t.Fatalf("case %d %s: line %d got %s", i, policy, id, v)
				}
			}
		}
	}
}

func TestDistribute_RejectsBadInput(t *testing.T) {
	_, err := Distribute(d(0), lines(1), models.DistributionPolicyEqual, nil)
	assert.ErrorIs(t, err, models.ErrInvalidAmount)

	_, err = Distribute(decimal.RequireFromString("10.5"), lines(1), models.DistributionPolicyEqual, nil)
	assert.ErrorIs(t, err, models.ErrInvalidAmount)

	_, err = Distribute(d(10), nil, models.DistributionPolicyEqual, nil)
	assert.ErrorIs(t, err, models.ErrEmptyRequest)

	_, err = Distribute(d(10), lines(1), models.DistributionPolicy("random"), nil)
	assert.Error(t, err)
}

func TestManual(t *testing.T) {
	ls := lines(60, 40)

	alloc, err := Distribute(d(50), ls, models.DistributionPolicyManual, map[int]decimal.Decimal{1: d(50)})
	require.NoError(t, err)
	assertAlloc(t, alloc, map[int]int64{1: 50, 2: 0})

	_, err = Distribute(d(50), ls, models.DistributionPolicyManual, map[int]decimal.Decimal{1: d(30), 2: d(10)})
	assert.ErrorIs(t, err, models.ErrDistributionMismatch)

	_, err = Distribute(d(50), ls, models.DistributionPolicyManual, map[int]decimal.Decimal{1: d(30), 9: d(20)})
	assert.ErrorIs(t, err, models.ErrDistributionMismatch)

	_, err = Distribute(d(50), ls, models.DistributionPolicyManual, map[int]decimal.Decimal{1: d(60), 2: d(-10)})
	assert.ErrorIs(t, err, models.ErrDistributionMismatch)

	_, err = Distribute(d(50), ls, models.DistributionPolicyManual, nil)
	assert.ErrorIs(t, err, models.ErrDistributionMismatch)
}

func TestCheckAvailable_AggregatesPerAccount(t *testing.T) {
	ls := []Line{
		{Id: 1, AccountId: 7, Amount: d(30)},
		{Id: 2, AccountId: 7, Amount: d(30)},
		{Id: 3, AccountId: 8, Amount: d(40)},
	}
	alloc := Allocation{1: d(30), 2: d(30), 3: d(40)}

	require.NoError(t, CheckAvailable(ls, alloc, map[int]decimal.Decimal{7: d(60), 8: d(40)}))

	err := CheckAvailable(ls, alloc, map[int]decimal.Decimal{7: d(50), 8: d(40)})
	require.ErrorIs(t, err, models.ErrInsufficientBudget)
	var ib *models.InsufficientBudgetError
	require.True(t, errors.As(err, &ib))
	assert.Equal(t, 7, ib.AccountId)
	assert.True(t, ib.Requested.Equal(d(60)))
	assert.True(t, ib.Available.Equal(d(50)))
}
