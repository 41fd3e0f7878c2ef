package program

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeAccountSize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "100K", want: "100000"},
		{in: "$100,000", want: "100000"},
		{in: "100 k", want: "100000"},
		{in: " $25K ", want: "25000"},
		{in: "1.5M", want: "1500000"},
		{in: "200000", want: "200000"},
		{in: "starter", want: "STARTER"},
		{in: "", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeAccountSize(tt.in))
		})
	}
}

func testProgram() *Program {
	return &Program{
		ID:       7,
		Name:     "Two Step",
		Category: CategoryEvaluation,
		Currency: "USD",
		Tiers: []Tier{
			{ID: "tier-1-50k", AccountSize: "$50,000", Price: 149},
			{ID: "tier-2-100k", AccountSize: "$100,000", Price: 249, ResetFee: 59, ResetFeeFunded: 99},
		},
	}
}

func TestFindTier(t *testing.T) {
	p := testProgram()

	t.Run("by account size", func(t *testing.T) {
		tier, err := p.FindTier("", "100K")
		require.NoError(t, err)
		assert.Equal(t, "tier-2-100k", tier.ID)
	})

	t.Run("explicit id wins", func(t *testing.T) {
		tier, err := p.FindTier("tier-1-50k", "100K")
		require.NoError(t, err)
		assert.Equal(t, "tier-1-50k", tier.ID)
	})

	t.Run("unknown id falls back to size", func(t *testing.T) {
		tier, err := p.FindTier("tier-x", "$50,000")
		require.NoError(t, err)
		assert.Equal(t, "tier-1-50k", tier.ID)
	})

	t.Run("no match", func(t *testing.T) {
		_, err := p.FindTier("", "10K")
		var tnf *TierNotFoundError
		require.ErrorAs(t, err, &tnf)
		assert.Equal(t, int64(7), tnf.ProgramID)
		assert.Equal(t, "10K", tnf.AccountSize)
	})
}

type countingRepo struct {
	calls int
}

func (r *countingRepo) GetByID(_ context.Context, id int64) (*Program, error) {
	r.calls++
	if id != 7 {
		return nil, ErrNotFound
	}
	return testProgram(), nil
}

func TestCachedRepository(t *testing.T) {
	repo := &countingRepo{}
	cached := NewCachedRepository(repo, time.Minute)

	for range 3 {
		p, err := cached.GetByID(context.Background(), 7)
		require.NoError(t, err)
		assert.Equal(t, "Two Step", p.Name)
	}
	assert.Equal(t, 1, repo.calls)

	_, err := cached.GetByID(context.Background(), 8)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = cached.GetByID(context.Background(), 8)
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 3, repo.calls)
}
