package registry_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"invent/internal/domain"
	"invent/internal/registry"
)

func TestDescribeIsOrderedAndStable(t *testing.T) {
	first, err := registry.Describe(domain.KindInitiative)
	require.NoError(t, err)
	second, err := registry.Describe(domain.KindInitiative)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, "name", first[0].Name)
	assert.Equal(t, "unicefOffice", first[1].Name)

	// callers cannot mutate the registry through the returned slice
	first[0].RequiredFor[0] = domain.TierPublish
	first[0].Name = "changed"
	again, err := registry.Describe(domain.KindInitiative)
	require.NoError(t, err)
	assert.Equal(t, "name", again[0].Name)
	assert.Equal(t, domain.TierSaveDraft, again[0].RequiredFor[0])
}

func TestDescribeUnknownKind(t *testing.T) {
	_, err := registry.Describe(domain.Kind("portfolio"))
	require.Error(t, err)
}

func TestInitiativeTiers(t *testing.T) {
	reg := registry.Initiative()
	assert.Equal(t, []string{"name", "unicefOffice", "team", "partnerName"}, reg.Required(domain.TierSaveDraft))
	assert.Equal(t, []string{
		"name", "unicefOffice", "overview", "focalPoint", "team", "leadSector",
		"goalArea", "startDate", "partnerType", "partnerName", "platforms",
	}, reg.Required(domain.TierPublish))

	d, ok := reg.Lookup("viewers")
	require.True(t, ok)
	assert.Empty(t, d.RequiredFor)
}

func TestSolutionTiers(t *testing.T) {
	reg := registry.Solution()
	assert.Equal(t, []string{"name", "portfolios"}, reg.Required(domain.TierSaveDraft))
	assert.Equal(t, []string{"name", "portfolios", "problemStatements", "countries"}, reg.Required(domain.TierPublish))
	assert.Empty(t, reg.TeamField)
}

func TestConform(t *testing.T) {
	reg := registry.Initiative()
	require.NoError(t, reg.Conform(domain.Fields{
		"name":      domain.Text("x"),
		"team":      domain.Set("a@example.org"),
		"startDate": domain.Date(time.Date(2017, 1, 29, 0, 0, 0, 0, time.UTC)),
	}))

	err := reg.Conform(domain.Fields{"budget": domain.Text("10")})
	var unknown registry.UnknownFieldError
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, "budget", unknown.Field)

	err = reg.Conform(domain.Fields{"team": domain.Text("a@example.org")})
	var shape registry.ShapeError
	require.True(t, errors.As(err, &shape))
	assert.Equal(t, domain.ValueMultiSelect, shape.Want)
}

func TestTitleAndTeam(t *testing.T) {
	fields := domain.Fields{"name": domain.Text("  Water Points "), "team": domain.Set("a", "b")}
	assert.Equal(t, "Water Points", registry.Initiative().Title(fields))
	assert.Equal(t, []string{"a", "b"}, registry.Initiative().Team(fields))
	assert.Nil(t, registry.Solution().Team(fields))
}

func TestInScope(t *testing.T) {
	sol := registry.Solution()
	assert.True(t, sol.InScope(domain.Fields{"portfolios": domain.Set("p2", "p1")}, "p1"))
	assert.False(t, sol.InScope(domain.Fields{"portfolios": domain.Set("p2", "p3")}, "p1"))
	assert.True(t, sol.InScope(domain.Fields{"name": domain.Text("Learning Passport")}, "p1"))
	assert.True(t, registry.Initiative().InScope(domain.Fields{}, "p1"))
}
