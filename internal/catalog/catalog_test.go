package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"creditledger/internal/config"
	"creditledger/internal/model"
	"creditledger/pkg/crediterr"
)

func TestConfigCatalog(t *testing.T) {
	c := NewConfigCatalog([]config.CreditTypeConfig{
		{ID: "ct1", Code: "POINTS", Name: "积分", ExpirationPolicy: "fixed_days", ValidityDays: 30, IsValid: true},
		{ID: "ct2", Code: "SEASON", Name: "赛季积分", ExpirationPolicy: "end_of_quarter", IsValid: true},
		{ID: "ct3", Code: "OLD", Name: "旧积分", ExpirationPolicy: "never_expire", IsValid: false},
		{ID: "ct4", Code: "GIFT", Name: "礼券", ExpirationPolicy: "fixed_date", ExpireDate: "2026-12-31", IsValid: true},
	})

	ct, err := c.GetByID("ct1")
	require.NoError(t, err)
	assert.Equal(t, model.PolicyFixedDays, ct.ExpirationPolicy)
	assert.Equal(t, 30, ct.ValidityDays)

	ct, err = c.GetByCode("SEASON")
	require.NoError(t, err)
	assert.Equal(t, "ct2", ct.ID)

	ct, err = c.GetByID("ct4")
	require.NoError(t, err)
	require.NotNil(t, ct.ExpireDate)
	assert.Equal(t, 2026, ct.ExpireDate.Year())

	_, err = c.GetByID("missing")
	assert.True(t, crediterr.IsCode(err, crediterr.CodeCreditTypeNotFound))

	assert.Len(t, c.List(false), 4)
	assert.Len(t, c.List(true), 3)
}

func TestConfigCatalogUnknownPolicyFallsBack(t *testing.T) {
	c := NewConfigCatalog([]config.CreditTypeConfig{
		{ID: "ct1", Code: "X", ExpirationPolicy: "monthly_maybe", IsValid: true},
		{ID: "ct2", Code: "Y", IsValid: true},
	})

	ct, err := c.GetByID("ct1")
	require.NoError(t, err)
	assert.Equal(t, model.PolicyNeverExpire, ct.ExpirationPolicy)

	// 没配策略也按永不过期
	ct, err = c.GetByID("ct2")
	require.NoError(t, err)
	assert.Equal(t, model.PolicyNeverExpire, ct.ExpirationPolicy)
}
