// Package resume holds the candidate side of a search: the resume summary and
// the preference slots collected from the conversation.
package resume

import (
	"fmt"
	"os"
	"strings"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

type Resume struct {
	Name       string       `mapstructure:"name" json:"name,omitempty"`
	Summary    string       `mapstructure:"summary" json:"summary,omitempty"`
	Skills     []string     `mapstructure:"skills" json:"skills,omitempty"`
	Experience []Experience `mapstructure:"experience" json:"experience,omitempty"`
	Education  []string     `mapstructure:"education" json:"education,omitempty"`
}

type Experience struct {
	Company     string `mapstructure:"company" json:"company,omitempty"`
	Title       string `mapstructure:"title" json:"title,omitempty"`
	Period      string `mapstructure:"period" json:"period,omitempty"`
	Description string `mapstructure:"description" json:"description,omitempty"`
}

// Slots are the preferences collected from the user. A nil slot was never
// asked; a non-nil blank slot was asked and answered with nothing.
type Slots struct {
	DesiredJob     *string `mapstructure:"desired_job" json:"desired_job,omitempty"`
	Location       *string `mapstructure:"location" json:"location,omitempty"`
	EmploymentType *string `mapstructure:"employment_type" json:"employment_type,omitempty"`
	Industry       *string `mapstructure:"industry" json:"industry,omitempty"`
	CompanySize    *string `mapstructure:"company_size" json:"company_size,omitempty"`
}

// Profile is what a search request carries.
type Profile struct {
	Resume Resume `mapstructure:"resume" json:"resume"`
	Slots  Slots  `mapstructure:"slots" json:"slots"`
}

// String returns a pointer to s for building slots in code.
func String(s string) *string {
	return &s
}

// Value reports the trimmed slot value and whether the slot was asked at all.
func Value(slot *string) (string, bool) {
	if slot == nil {
		return "", false
	}
	return strings.TrimSpace(*slot), true
}

// HasExperience reports whether the resume lists at least one prior job.
func (r *Resume) HasExperience() bool {
	return r != nil && len(r.Experience) > 0
}

// ComposedText is the text embedded for a resume record.
func (r *Resume) ComposedText() string {
	if r == nil {
		return ""
	}

	lines := make([]string, 0, 4+len(r.Experience))
	if v := strings.TrimSpace(r.Name); v != "" {
		lines = append(lines, "Name: "+v)
	}
	if v := strings.TrimSpace(r.Summary); v != "" {
		lines = append(lines, "Summary: "+v)
	}
	if len(r.Skills) > 0 {
		lines = append(lines, "Skills: "+strings.Join(r.Skills, ", "))
	}
	for _, e := range r.Experience {
		parts := make([]string, 0, 4)
		for _, v := range []string{e.Title, e.Company, e.Period, e.Description} {
			if v = strings.TrimSpace(v); v != "" {
				parts = append(parts, v)
			}
		}
		if len(parts) > 0 {
			lines = append(lines, "Experience: "+strings.Join(parts, " / "))
		}
	}
	if len(r.Education) > 0 {
		lines = append(lines, "Education: "+strings.Join(r.Education, ", "))
	}

	return strings.Join(lines, "\n")
}

// Decode converts a loosely typed document (parsed YAML or JSON, or a map
// coming from another service) into a Profile.
func Decode(raw map[string]any) (*Profile, error) {
	var profile Profile

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &profile,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create decoder: %w", err)
	}

	if err := decoder.Decode(raw); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}

	return &profile, nil
}

// LoadFile reads a YAML (or JSON) profile file.
func LoadFile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile: %w", err)
	}

	raw := make(map[string]any)
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", path, err)
	}

	return Decode(raw)
}
