package domain

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseUserID(t *testing.T) {
	t.Run("round-trips a canonical UUID", func(t *testing.T) {
		raw := uuid.New()
		id, err := ParseUserID(raw.String())
		require.NoError(t, err)
		assert.Equal(t, raw.String(), id.String())
	})

	t.Run("rejects non-UUID input", func(t *testing.T) {
		for _, input := range []string{"", "not-a-uuid", "'; DROP TABLE contributions;--"} {
			_, err := ParseUserID(input)
			assert.Error(t, err, "input %q should be rejected", input)
		}
	})
}

func TestBasisPoints(t *testing.T) {
	t.Run("applies share to budget rounding down", func(t *testing.T) {
		budget := Amount(100000) // $1,000.00
		assert.Equal(t, Amount(30000), BasisPoints(3000).ApplyTo(budget))
		assert.Equal(t, Amount(40000), BasisPoints(4000).ApplyTo(budget))
		// 1/3 of $1.00 rounds down to 33 cents.
		assert.Equal(t, Amount(33), BasisPoints(3333).ApplyTo(Amount(100)))
	})

	t.Run("validity bounds", func(t *testing.T) {
		assert.False(t, BasisPoints(0).Valid())
		assert.False(t, BasisPoints(-1).Valid())
		assert.True(t, BasisPoints(1).Valid())
		assert.True(t, FullBudget.Valid())
		assert.False(t, BasisPoints(10001).Valid())
	})
}

// FuzzParseMilestoneID verifies parsing never panics on arbitrary input and
// that accepted values round-trip.
func FuzzParseMilestoneID(f *testing.F) {
	f.Add("")
	f.Add("550e8400-e29b-41d4-a716-446655440000")
	f.Add("00000000-0000-0000-0000-000000000000")
	f.Add("not-a-uuid")
	f.Add(string([]byte{0x00, 0x01, 0x02}))

	f.Fuzz(func(t *testing.T, input string) {
		id, err := ParseMilestoneID(input)
		if err != nil {
			return
		}
		roundTrip, err := ParseMilestoneID(id.String())
		if err != nil {
			t.Errorf("valid ID failed round-trip: %v", err)
		}
		if roundTrip != id {
			t.Error("round-trip changed ID value")
		}
	})
}
