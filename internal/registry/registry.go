// Package registry declares the editable fields of each entity kind and the
// lifecycle tiers that require them. It is the only place field names are
// spelled out.
package registry

import (
	"fmt"
	"strings"

	"invent/internal/domain"
)

var (
	draftAndPublish = []domain.Tier{domain.TierSaveDraft, domain.TierPublish}
	publishOnly     = []domain.Tier{domain.TierPublish}
)

// Registry is the fixed field list of one entity kind.
type Registry struct {
	Kind domain.Kind
	// TitleField names the field projected into list summaries.
	TitleField string
	// TeamField names the member set notified by reminders; empty when the
	// kind has no team.
	TeamField string
	// ScopeField names the member set that must include the entity's
	// portfolio; empty when the kind belongs to its portfolio alone.
	ScopeField string
	fields     []domain.FieldDescriptor
}

// UnknownFieldError reports a field name the registry does not declare.
type UnknownFieldError struct {
	Kind  domain.Kind
	Field string
}

func (e UnknownFieldError) Error() string {
	return fmt.Sprintf("unknown %s field %q", e.Kind, e.Field)
}

// ShapeError reports a value whose populated members do not match the
// declared value kind.
type ShapeError struct {
	Field string
	Want  domain.ValueKind
}

func (e ShapeError) Error() string {
	return fmt.Sprintf("field %s expects a %s value", e.Field, e.Want)
}

var initiative = Registry{
	Kind:       domain.KindInitiative,
	TitleField: "name",
	TeamField:  "team",
	fields: []domain.FieldDescriptor{
		{Name: "name", Label: "What is the name of the initiative?", ValueKind: domain.ValueScalar, RequiredFor: draftAndPublish},
		{Name: "unicefOffice", Label: "Which UNICEF Office supports the initiative?", ValueKind: domain.ValueSingleSelect, RequiredFor: draftAndPublish},
		{Name: "overview", Label: "Please provide a brief overview of the initiative.", ValueKind: domain.ValueScalar, RequiredFor: publishOnly},
		{Name: "implementationOverview", Label: "Implementation overview", ValueKind: domain.ValueScalar},
		{Name: "focalPoint", Label: "Focal Point", ValueKind: domain.ValueScalar, RequiredFor: publishOnly},
		{Name: "team", Label: "Who else should be able to modify this initiative's entry?", ValueKind: domain.ValueMultiSelect, RequiredFor: draftAndPublish},
		{Name: "viewers", Label: "Receive updates", ValueKind: domain.ValueMultiSelect},
		{Name: "leadSector", Label: "Please select the sector(s) the initiative serves.", ValueKind: domain.ValueMultiSelect, RequiredFor: publishOnly},
		{Name: "supportingSectors", Label: "Supporting sectors", ValueKind: domain.ValueMultiSelect},
		{Name: "goalArea", Label: "Which Goal Area does the initiative focus on?", ValueKind: domain.ValueSingleSelect, RequiredFor: publishOnly},
		{Name: "startDate", Label: "Please select the date the initiative was started.", ValueKind: domain.ValueDate, RequiredFor: publishOnly},
		{Name: "partnerType", Label: "Please select the partner type.", ValueKind: domain.ValueSingleSelect, RequiredFor: publishOnly},
		{Name: "partnerName", Label: "Please provide the name of your partner.", ValueKind: domain.ValueScalar, RequiredFor: draftAndPublish},
		{Name: "platforms", Label: "Select all the software platform(s) used in the deployment of the initiative.", ValueKind: domain.ValueMultiSelect, RequiredFor: publishOnly},
	},
}

var solution = Registry{
	Kind:       domain.KindSolution,
	TitleField: "name",
	ScopeField: "portfolios",
	fields: []domain.FieldDescriptor{
		{Name: "name", Label: "Solution name", ValueKind: domain.ValueScalar, RequiredFor: draftAndPublish},
		{Name: "portfolios", Label: "Innovation portfolios", ValueKind: domain.ValueMultiSelect, RequiredFor: draftAndPublish},
		{Name: "openSourceFrontierTech", Label: "Open source frontier tech", ValueKind: domain.ValueSingleSelect},
		{Name: "learningInvestment", Label: "Learning investment", ValueKind: domain.ValueSingleSelect},
		{Name: "problemStatements", Label: "Problem statements", ValueKind: domain.ValueMultiSelect, RequiredFor: publishOnly},
		{Name: "overrideReach", Label: "Override reach value", ValueKind: domain.ValueScalar},
		{Name: "countries", Label: "Countries", ValueKind: domain.ValueMultiSelect, RequiredFor: publishOnly},
		{Name: "peopleReached", Label: "People reached", ValueKind: domain.ValueScalar},
	},
}

func Initiative() Registry { return initiative }
func Solution() Registry   { return solution }

// For returns the registry of kind.
func For(kind domain.Kind) (Registry, error) {
	switch kind {
	case domain.KindInitiative:
		return initiative, nil
	case domain.KindSolution:
		return solution, nil
	}
	return Registry{}, fmt.Errorf("unknown entity kind %q", kind)
}

// Describe returns the ordered field descriptors of kind.
func Describe(kind domain.Kind) ([]domain.FieldDescriptor, error) {
	reg, err := For(kind)
	if err != nil {
		return nil, err
	}
	return reg.Fields(), nil
}

// Fields returns a copy of the descriptors in declaration order.
func (r Registry) Fields() []domain.FieldDescriptor {
	out := make([]domain.FieldDescriptor, len(r.fields))
	for i, d := range r.fields {
		d.RequiredFor = append([]domain.Tier(nil), d.RequiredFor...)
		out[i] = d
	}
	return out
}

func (r Registry) Lookup(name string) (domain.FieldDescriptor, bool) {
	for _, d := range r.fields {
		if d.Name == name {
			return d, true
		}
	}
	return domain.FieldDescriptor{}, false
}

// Required lists the names of fields required for tier, in declaration order.
func (r Registry) Required(tier domain.Tier) []string {
	var names []string
	for _, d := range r.fields {
		if d.RequiredAt(tier) {
			names = append(names, d.Name)
		}
	}
	return names
}

// Conform rejects fields the registry does not declare and values populated
// in a member that does not match the declared kind.
func (r Registry) Conform(fields domain.Fields) error {
	for name, v := range fields {
		d, ok := r.Lookup(name)
		if !ok {
			return UnknownFieldError{Kind: r.Kind, Field: name}
		}
		if !shapeMatches(d.ValueKind, v) {
			return ShapeError{Field: name, Want: d.ValueKind}
		}
	}
	return nil
}

// Title extracts the summary title from fields.
func (r Registry) Title(fields domain.Fields) string {
	return strings.TrimSpace(fields[r.TitleField].Text)
}

// Team extracts the team member set, if the kind declares one.
func (r Registry) Team(fields domain.Fields) []string {
	if r.TeamField == "" {
		return nil
	}
	return append([]string(nil), fields[r.TeamField].Items...)
}

// InScope reports whether fields agree with portfolioID. An unset scope field
// is left to tier validation.
func (r Registry) InScope(fields domain.Fields, portfolioID string) bool {
	if r.ScopeField == "" {
		return true
	}
	members := fields[r.ScopeField].Items
	if len(members) == 0 {
		return true
	}
	for _, m := range members {
		if strings.TrimSpace(m) == portfolioID {
			return true
		}
	}
	return false
}

func shapeMatches(kind domain.ValueKind, v domain.Value) bool {
	switch kind {
	case domain.ValueScalar, domain.ValueSingleSelect:
		return v.Date == nil && len(v.Items) == 0
	case domain.ValueDate:
		return v.Text == "" && len(v.Items) == 0
	case domain.ValueMultiSelect:
		return v.Text == "" && v.Date == nil
	}
	return false
}
