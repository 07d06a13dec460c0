package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validPolicy() *Policy {
	return &Policy{
		ID: "p1",
		Rules: []Rule{
			{ID: "r1", Role: "analyst", Purpose: "service-improvement", DataTarget: Wildcard, Location: Wildcard, Effect: EffectPermit, RetentionDays: 30},
			{ID: "r2", Role: Wildcard, Purpose: "marketing", DataTarget: "customers", Location: Wildcard, Effect: EffectDeny},
		},
	}
}

func TestValidateAccepts(t *testing.T) {
	require.NoError(t, Validate(validPolicy()))
}

func TestValidateRejections(t *testing.T) {
	cases := map[string]func(*Policy){
		"empty id":              func(p *Policy) { p.ID = "" },
		"no rules":              func(p *Policy) { p.Rules = nil },
		"missing effect":        func(p *Policy) { p.Rules[0].Effect = "" },
		"unknown effect":        func(p *Policy) { p.Rules[0].Effect = "Allow" },
		"duplicate rule id":     func(p *Policy) { p.Rules[1].ID = "r1" },
		"negative retention":    func(p *Policy) { p.Rules[0].RetentionDays = -1 },
		"retention on deny":     func(p *Policy) { p.Rules[1].RetentionDays = 7 },
		"empty rule field":      func(p *Policy) { p.Rules[0].Role = "" },
		"whitespace rule field": func(p *Policy) { p.Rules[0].Purpose = "  " },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			p := validPolicy()
			mutate(p)
			err := Validate(p)
			assert.ErrorIs(t, err, ErrSchemaInvalid)
		})
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte(`{"id":"p1","rules":[{"id":"r1","role":"*","purpose":"*","data_target":"*","location":"*","effect":"Permit","ttl":5}]}`))
	assert.ErrorIs(t, err, ErrSchemaInvalid)
}

func TestParseRejectsZeroRetention(t *testing.T) {
	_, err := Parse([]byte(`{"id":"p1","rules":[{"id":"r1","role":"*","purpose":"*","data_target":"*","location":"*","effect":"Permit","retention_days":0}]}`))
	assert.ErrorIs(t, err, ErrSchemaInvalid)
}

func TestParseRoundTrip(t *testing.T) {
	p, err := Parse([]byte(`{"id":"p1","rules":[{"id":"r1","role":"analyst","purpose":"*","data_target":"customers","location":"EU","effect":"Permit","retention_days":30}]}`))
	require.NoError(t, err)
	assert.Equal(t, "p1", p.ID)
	require.Len(t, p.Rules, 1)
	assert.True(t, p.Rules[0].RetentionBearing())
	assert.Equal(t, 3, p.Rules[0].Specificity())
}

func TestMemoryStoreCRUD(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.Create(ctx, validPolicy()))
	assert.ErrorIs(t, s.Create(ctx, validPolicy()), ErrDuplicatePolicy)

	got, err := s.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "p1", got.ID)

	_, err = s.Get(ctx, "nope")
	assert.ErrorIs(t, err, ErrPolicyNotFound)

	upd := validPolicy()
	upd.Description = "updated"
	require.NoError(t, s.Update(ctx, upd))
	got, err = s.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "updated", got.Description)

	missing := validPolicy()
	missing.ID = "p9"
	assert.ErrorIs(t, s.Update(ctx, missing), ErrPolicyNotFound)

	require.NoError(t, s.Delete(ctx, "p1"))
	assert.ErrorIs(t, s.Delete(ctx, "p1"), ErrPolicyNotFound)
}

func TestMemoryStoreUpdateRevalidates(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Create(ctx, validPolicy()))

	bad := validPolicy()
	bad.Rules[0].Effect = ""
	assert.ErrorIs(t, s.Update(ctx, bad), ErrSchemaInvalid)
}

func TestMemoryStoreLoadAllOrNothing(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	bad := validPolicy()
	bad.ID = "p2"
	bad.Rules[0].Effect = "bogus"

	err := s.Load(ctx, []*Policy{validPolicy(), bad})
	assert.ErrorIs(t, err, ErrSchemaInvalid)

	_, err = s.Get(ctx, "p1")
	assert.ErrorIs(t, err, ErrPolicyNotFound, "partial load must not apply")
}

func TestMemoryStoreLoadRejectsDuplicates(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	err := s.Load(ctx, []*Policy{validPolicy(), validPolicy()})
	assert.ErrorIs(t, err, ErrDuplicatePolicy)
}

func TestMemoryStoreListOrdered(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for _, id := range []string{"pc", "pa", "pb"} {
		p := validPolicy()
		p.ID = id
		require.NoError(t, s.Create(ctx, p))
	}
	got, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"pa", "pb", "pc"}, []string{got[0].ID, got[1].ID, got[2].ID})
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Create(ctx, validPolicy()))

	got, err := s.Get(ctx, "p1")
	require.NoError(t, err)
	got.Rules[0].Effect = EffectDeny

	again, err := s.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, EffectPermit, again.Rules[0].Effect)
}

func TestLocationMatches(t *testing.T) {
	assert.True(t, LocationMatches("*", "JP"))
	assert.True(t, LocationMatches("NL", "nl"))
	assert.True(t, LocationMatches("EU", "DE"))
	assert.True(t, LocationMatches("eu", "fr"))
	assert.False(t, LocationMatches("EU", "US"))
	assert.False(t, LocationMatches("DE", "FR"))
}
