package data

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewKeeperNode(t *testing.T) {
	t.Run("valid registration", func(t *testing.T) {
		node, err := NewKeeperNode("owner", "0xa", MinStake, nil)
		require.NoError(t, err)
		assert.Equal(t, InitialReputation, node.ReputationScore)
		assert.True(t, node.Selectable())
	})

	t.Run("stake below minimum", func(t *testing.T) {
		_, err := NewKeeperNode("owner", "0xa", MinStake/2, nil)
		assert.ErrorIs(t, err, ErrInsufficientStake)
	})

	t.Run("missing owner", func(t *testing.T) {
		_, err := NewKeeperNode("", "0xa", MinStake, nil)
		assert.Error(t, err)
	})
}

func TestSlashSeverityPenalties(t *testing.T) {
	assert.Equal(t, 20, SeveritySevere.ReputationPenalty())
	assert.Equal(t, 10, SeverityModerate.ReputationPenalty())
	assert.Equal(t, 5, SeverityMinor.ReputationPenalty())
	assert.False(t, SlashSeverity("EXTREME").Valid())
}

func TestSlashReasonValidity(t *testing.T) {
	valid := []SlashReason{
		SlashKeyTheft, SlashDataTampering, SlashDowntimeViolation,
		SlashMaliciousBehavior, SlashResponseManipulation, SlashUnauthorizedAccess,
	}
	for _, r := range valid {
		assert.True(t, r.Valid(), string(r))
	}
	assert.False(t, SlashReason("laziness").Valid())
}

func TestNewSlashEvent(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		ev, err := NewSlashEvent("0xa", SlashKeyTheft, SeveritySevere, 0.1, "log excerpt", "admin")
		require.NoError(t, err)
		assert.NotEmpty(t, ev.ID)
		assert.False(t, ev.IsDisputed)
	})

	t.Run("non-positive amount", func(t *testing.T) {
		_, err := NewSlashEvent("0xa", SlashKeyTheft, SeveritySevere, 0, "", "admin")
		assert.ErrorIs(t, err, ErrInvalidAmount)
	})

	t.Run("bad severity", func(t *testing.T) {
		_, err := NewSlashEvent("0xa", SlashKeyTheft, "EXTREME", 0.1, "", "admin")
		assert.Error(t, err)
	})
}

func TestAccessGrant(t *testing.T) {
	t.Run("remaining quota", func(t *testing.T) {
		g, err := NewAccessGrant("key", "buyer", "listing", 10, nil)
		require.NoError(t, err)
		assert.Equal(t, int64(10), g.RemainingQuota())
		g.UsedQuota = 7
		assert.Equal(t, int64(3), g.RemainingQuota())
	})

	t.Run("expiry check", func(t *testing.T) {
		now := time.Now().UTC()
		past := now.Add(-time.Minute)
		g, err := NewAccessGrant("key", "buyer", "listing", 10, &past)
		require.NoError(t, err)
		assert.True(t, g.Expired(now))

		unbounded, err := NewAccessGrant("key2", "buyer", "listing", 10, nil)
		require.NoError(t, err)
		assert.False(t, unbounded.Expired(now))
	})

	t.Run("non-positive quota rejected", func(t *testing.T) {
		_, err := NewAccessGrant("key", "buyer", "listing", 0, nil)
		assert.ErrorIs(t, err, ErrInvalidAmount)
	})
}

func TestAuthModeValidate(t *testing.T) {
	tests := []struct {
		name    string
		mode    AuthMode
		wantErr bool
	}{
		{"header key with name", AuthMode{Kind: AuthHeaderKey, Name: "X-Api-Key"}, false},
		{"header key without name", AuthMode{Kind: AuthHeaderKey}, true},
		{"query param with name", AuthMode{Kind: AuthQueryParam, Name: "api_key"}, false},
		{"oauth2 needs no name", AuthMode{Kind: AuthOAuth2Bearer}, false},
		{"unknown kind", AuthMode{Kind: "mtls"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.mode.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidAuthMode)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestClampReputation(t *testing.T) {
	assert.Equal(t, MaxReputation, ClampReputation(150))
	assert.Equal(t, MinReputation, ClampReputation(-10))
	assert.Equal(t, 55, ClampReputation(55))
}

func TestReputationDelta(t *testing.T) {
	t.Run("no tasks no change", func(t *testing.T) {
		assert.Zero(t, reputationDelta(0, 0, 50))
	})

	t.Run("high rate rewards below maximum", func(t *testing.T) {
		assert.Equal(t, 1, reputationDelta(19, 1, 90))
		assert.Zero(t, reputationDelta(19, 1, MaxReputation))
	})

	t.Run("low rate penalizes", func(t *testing.T) {
		assert.Equal(t, -2, reputationDelta(3, 1, 90))
	})

	t.Run("middle band unchanged", func(t *testing.T) {
		assert.Zero(t, reputationDelta(9, 1, 90))
	})
}

func TestNewEscrowGasDeposit(t *testing.T) {
	t.Run("full amount remaining", func(t *testing.T) {
		dep, err := NewEscrowGasDeposit("p1", "buyer", "listing", 100, 0.5, "0xdep")
		require.NoError(t, err)
		assert.Equal(t, 0.5, dep.RemainingBalance)
		assert.Zero(t, dep.UsedGasFee)
	})

	t.Run("rejects zero calls", func(t *testing.T) {
		_, err := NewEscrowGasDeposit("p1", "buyer", "listing", 0, 0.5, "")
		assert.ErrorIs(t, err, ErrInvalidAmount)
	})
}
