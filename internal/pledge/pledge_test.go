package pledge

import (
	"errors"
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAmount(t *testing.T) {
	cases := []struct {
		in        string
		want      uint64
		formatted string
	}{
		{"0.1", 10_000_000, "0.1"},
		{"1", 100_000_000, "1"},
		{"25.5", 2_550_000_000, "25.5"},
		{".5", 50_000_000, "0.5"},
		{"0.00000001", 1, "0.00000001"},
		{"3.10", 310_000_000, "3.1"},
	}
	for _, tc := range cases {
		got, err := ParseAmount(tc.in, DefaultDecimals)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
		assert.Equal(t, tc.formatted, FormatAmount(got, DefaultDecimals), tc.in)
	}
}

func TestParseAmountRejects(t *testing.T) {
	for _, in := range []string{"", "abc", "1.000000001", "-1", "1e5", "92233720368.54775808"} {
		_, err := ParseAmount(in, DefaultDecimals)
		require.Error(t, err, in)
		assert.True(t, errors.Is(err, ErrInvalidAmount), in)
	}
}

func TestFormatAmount(t *testing.T) {
	assert.Equal(t, "0.1", FormatAmount(10_000_000, 8))
	assert.Equal(t, "1", FormatAmount(100_000_000, 8))
	assert.Equal(t, "25.5", FormatAmount(2_550_000_000, 8))
	assert.Equal(t, "0.00000001", FormatAmount(1, 8))
	assert.Equal(t, "42", FormatAmount(42, 0))
}

func TestErrorClassification(t *testing.T) {
	err := fmt.Errorf("%w: deadline 10 <= now 20", ErrInvalidDeadline)
	assert.True(t, errors.Is(err, ErrInvalidDeadline))
	assert.False(t, errors.Is(err, ErrDeadlinePassed))
	assert.Equal(t, KindValidation, KindOf(err))
	assert.Equal(t, "InvalidDeadline", CodeOf(err))
	assert.False(t, Retryable(err))

	wire := &Error{Kind: KindPrecondition, Code: "AlreadyTerminal", Message: "pledge 3 is completed"}
	assert.True(t, errors.Is(wire, ErrAlreadyTerminal))

	assert.Equal(t, KindSystem, KindOf(errors.New("boom")))
	assert.True(t, Retryable(fmt.Errorf("%w: db down", ErrStoreUnavailable)))

	s, ok := Lookup("InsufficientFunds")
	require.True(t, ok)
	assert.Equal(t, KindResource, s.Kind)
}

func TestStatusText(t *testing.T) {
	for _, s := range []Status{StatusOngoing, StatusCompleted, StatusMissed} {
		b, err := s.MarshalText()
		require.NoError(t, err)
		var back Status
		require.NoError(t, back.UnmarshalText(b))
		assert.Equal(t, s, back)
	}
	st, err := ParseStatus("all")
	require.NoError(t, err)
	assert.Zero(t, st)
	_, err = ParseStatus("pending")
	assert.True(t, errors.Is(err, ErrInvalidStatus))
	assert.True(t, StatusMissed.Terminal())
	assert.False(t, StatusOngoing.Terminal())
}

func TestParseAddress(t *testing.T) {
	addr, err := ParseAddress("0x00000000000000000000000000000000000000aa")
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0xaa"), addr)

	_, err = ParseAddress("0x0000000000000000000000000000000000000000")
	assert.True(t, errors.Is(err, ErrInvalidAddress))
	_, err = ParseAddress("not-an-address")
	assert.True(t, errors.Is(err, ErrInvalidAddress))
}

func TestFilterNormalizeAndMatch(t *testing.T) {
	f := Filter{Limit: 1000}.Normalize()
	assert.Equal(t, MaxListLimit, f.Limit)
	assert.Equal(t, DefaultListLimit, Filter{}.Normalize().Limit)

	a := common.HexToAddress("0x01")
	p := Pledge{ID: 5, Creator: a, Status: StatusMissed}
	assert.True(t, Filter{Creator: &a, Status: StatusMissed}.Matches(p))
	assert.False(t, Filter{Status: StatusOngoing}.Matches(p))
	assert.False(t, Filter{AfterID: 5}.Matches(p))
}
