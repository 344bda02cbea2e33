package validation_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"invent/internal/domain"
	"invent/internal/registry"
	"invent/internal/validation"
)

func completeInitiative() domain.Fields {
	return domain.Fields{
		"name":         domain.Text("Water Points"),
		"unicefOffice": domain.Select("Nigeria"),
		"overview":     domain.Text("An overview text"),
		"focalPoint":   domain.Text("invent@unicef.org"),
		"team":         domain.Set("invent@unicef.org"),
		"leadSector":   domain.Set("WASH"),
		"goalArea":     domain.Select("Survive and thrive"),
		"startDate":    domain.Date(time.Date(2017, 1, 29, 22, 0, 0, 0, time.UTC)),
		"partnerType":  domain.Select("Implementing partner"),
		"partnerName":  domain.Text("AOUN"),
		"platforms":    domain.Set("RapidPro"),
	}
}

func TestValidateSatisfied(t *testing.T) {
	reg := registry.Initiative()
	fields := completeInitiative()
	assert.True(t, validation.Validate(reg, fields, domain.TierSaveDraft).Empty())
	assert.True(t, validation.Validate(reg, fields, domain.TierPublish).Empty())
}

func TestValidateReportsEveryMissingField(t *testing.T) {
	reg := registry.Initiative()
	fields := domain.Fields{
		"name":         domain.Text("Cancel New Initiative"),
		"unicefOffice": domain.Select("Nigeria"),
		"overview":     domain.Text(""),
	}
	missing := validation.Validate(reg, fields, domain.TierPublish)
	assert.Equal(t, validation.Missing{
		"overview", "focalPoint", "team", "leadSector", "goalArea",
		"startDate", "partnerType", "partnerName", "platforms",
	}, missing)

	drafts := validation.Validate(reg, fields, domain.TierSaveDraft)
	assert.Equal(t, validation.Missing{"team", "partnerName"}, drafts)
}

func TestRemovingOnePublishFieldReportsExactlyIt(t *testing.T) {
	reg := registry.Initiative()
	for _, name := range reg.Required(domain.TierPublish) {
		t.Run(name, func(t *testing.T) {
			fields := completeInitiative()
			delete(fields, name)
			missing := validation.Validate(reg, fields, domain.TierPublish)
			require.Len(t, missing, 1)
			assert.True(t, missing.Contains(name))
		})
	}
}

func TestOptionalFieldsNeverReported(t *testing.T) {
	reg := registry.Initiative()
	fields := completeInitiative()
	fields["viewers"] = domain.Set()
	fields["implementationOverview"] = domain.Text("")
	assert.True(t, validation.Validate(reg, fields, domain.TierPublish).Empty())
}

func TestIsEmpty(t *testing.T) {
	zero := time.Time{}
	cases := []struct {
		name  string
		kind  domain.ValueKind
		value domain.Value
		empty bool
	}{
		{"blank text", domain.ValueScalar, domain.Text("   "), true},
		{"text", domain.ValueScalar, domain.Text("x"), false},
		{"select", domain.ValueSingleSelect, domain.Select("5"), false},
		{"nil date", domain.ValueDate, domain.Value{}, true},
		{"zero date", domain.ValueDate, domain.Value{Date: &zero}, true},
		{"date", domain.ValueDate, domain.Date(time.Now()), false},
		{"empty set", domain.ValueMultiSelect, domain.Set(), true},
		{"blank members", domain.ValueMultiSelect, domain.Set("", " "), true},
		{"set", domain.ValueMultiSelect, domain.Set("a"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.empty, validation.IsEmpty(tc.kind, tc.value))
		})
	}
}

func TestSolutionValidation(t *testing.T) {
	reg := registry.Solution()
	missing := validation.Validate(reg, domain.Fields{"name": domain.Text("Learning Passport")}, domain.TierSaveDraft)
	assert.Equal(t, "portfolios", missing.String())
}
