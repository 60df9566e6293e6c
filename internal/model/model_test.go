package model

import (
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobStatus_CanTransition(t *testing.T) {
	all := []JobStatus{JobPending, JobRunning, JobCompleted, JobFailed}
	allowed := map[[2]JobStatus]bool{
		{JobPending, JobRunning}:   true,
		{JobRunning, JobCompleted}: true,
		{JobRunning, JobFailed}:    true,
	}
	for _, from := range all {
		for _, to := range all {
			assert.Equal(t, allowed[[2]JobStatus{from, to}], from.CanTransition(to), "%s -> %s", from, to)
		}
	}
	assert.True(t, JobCompleted.Terminal())
	assert.True(t, JobFailed.Terminal())
	assert.False(t, JobRunning.Terminal())
}

func TestChangeStatus_CanTransition(t *testing.T) {
	assert.True(t, ChangePending.CanTransition(ChangeApproved))
	assert.True(t, ChangePending.CanTransition(ChangeRejected))
	assert.True(t, ChangeApproved.CanTransition(ChangeApplied))
	assert.False(t, ChangeApplied.CanTransition(ChangePending))
	assert.False(t, ChangeRejected.CanTransition(ChangeApplied))
	assert.False(t, ChangeApplied.CanTransition(ChangeRejected))
}

func TestClassifyDiff(t *testing.T) {
	tests := []struct {
		name       string
		field      string
		current    string
		discovered string
		want       ChangeType
		changed    bool
	}{
		{"fill empty", "phone", "", "713-555-0100", ChangeAdded, true},
		{"remove", "description", "Quality homes", "", ChangeRemoved, true},
		{"modify", "description", "Quality homes", "Better homes", ChangeModified, true},
		{"same", "description", "Quality homes", "Quality homes", "", false},
		{"whitespace only", "description", "Quality  homes ", " Quality homes", "", false},
		{"phone formatting", "phone", "(713) 555-0100", "+1 713.555.0100", "", false},
		{"email case", "email", "Sales@Perry.com", "sales@perry.com", "", false},
		{"website scheme", "website", "https://www.perryhomes.com/", "perryhomes.com", "", false},
		{"both empty", "phone", "", "  ", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, changed := ClassifyDiff(tt.field, tt.current, tt.discovered)
			assert.Equal(t, tt.changed, changed)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeDomain(t *testing.T) {
	tests := map[string]string{
		"https://www.PerryHomes.com/about": "perryhomes.com",
		"perryhomes.com":                   "perryhomes.com",
		"http://perryhomes.com:8080":       "perryhomes.com",
		"  ":                               "",
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizeDomain(in), in)
	}
}

func TestEntityType_IdentifierKey(t *testing.T) {
	assert.Equal(t, "perryhomes.com", EntityBuilder.IdentifierKey("https://www.perryhomes.com"))
	assert.Equal(t, "jane@perry.com", EntityRepresentative.IdentifierKey(" Jane@Perry.com "))
	assert.Equal(t, "MLS-123", EntityProperty.IdentifierKey("MLS-123"))
	assert.Equal(t, "", EntityProperty.IdentifierKey(""))
}

func TestEntityType_Schema(t *testing.T) {
	for _, et := range EntityTypes {
		s, ok := et.Schema()
		require.True(t, ok, et)
		assert.True(t, et.HasField(s.Identifier), "%s identifier must be a field", et)
		assert.True(t, et.HasField("name"), "%s must have a name", et)
	}
	assert.False(t, EntityBuilder.HasField("price"))
	assert.True(t, EntityProperty.HasField("price"))

	_, err := ParseEntityType("Builder")
	require.NoError(t, err)
	_, err = ParseEntityType("lender")
	assert.True(t, eris.Is(err, ErrValidation))
}

func TestInflightKeys(t *testing.T) {
	assert.Equal(t, "builder:42:phone", FieldKey(EntityBuilder, 42, "phone"))
	assert.Equal(t,
		NewEntityKey(EntityBuilder, "Perry  Homes", "Houston", "TX"),
		NewEntityKey(EntityBuilder, "perry homes", " houston", "tx"),
	)
}

func TestIsSourceUnavailable(t *testing.T) {
	assert.True(t, IsSourceUnavailable(eris.Wrap(ErrRateLimited, "source 3")))
	assert.True(t, IsSourceUnavailable(eris.Wrap(ErrSourceBlocked, "source 3")))
	assert.False(t, IsSourceUnavailable(eris.Wrap(ErrValidation, "bad")))
}

func TestSource_AccessesOn(t *testing.T) {
	s := Source{AccessDay: "2026-10-15", AccessCountToday: 9}
	assert.Equal(t, 9, s.AccessesOn("2026-10-15"))
	assert.Equal(t, 0, s.AccessesOn("2026-10-16"))
}
