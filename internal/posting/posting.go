package posting

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"
)

// Posting is one structured job advertisement.
type Posting struct {
	ID             int    `json:"id"`
	Title          string `json:"title,omitempty"`
	Company        string `json:"company,omitempty"`
	Location       string `json:"location,omitempty"`
	EmploymentType string `json:"employment_type,omitempty"`
	CompanySize    string `json:"company_size,omitempty"`
	Industry       string `json:"industry,omitempty"`
	Work           string `json:"work,omitempty"`
	Requirements   string `json:"requirements,omitempty"`
	Conditions     string `json:"conditions,omitempty"`
	Benefits       string `json:"benefits,omitempty"`
	Process        string `json:"process,omitempty"`
	Application    string `json:"application,omitempty"`
	Other          string `json:"other,omitempty"`
	URL            string `json:"url,omitempty"`
	// Raw is the untouched posting section from the corpus.
	Raw string `json:"raw,omitempty"`
}

type composedField struct {
	label string
	value func(p *Posting) string
}

var composedFields = []composedField{
	{"Title", func(p *Posting) string { return p.Title }},
	{"Company", func(p *Posting) string { return p.Company }},
	{"Location", func(p *Posting) string { return p.Location }},
	{"Employment type", func(p *Posting) string { return p.EmploymentType }},
	{"Company size", func(p *Posting) string { return p.CompanySize }},
	{"Industry", func(p *Posting) string { return p.Industry }},
	{"Work", func(p *Posting) string { return p.Work }},
	{"Requirements", func(p *Posting) string { return p.Requirements }},
	{"Conditions", func(p *Posting) string { return p.Conditions }},
	{"Benefits", func(p *Posting) string { return p.Benefits }},
	{"Process", func(p *Posting) string { return p.Process }},
	{"Application", func(p *Posting) string { return p.Application }},
	{"Other", func(p *Posting) string { return p.Other }},
	{"Link", func(p *Posting) string { return p.URL }},
}

// ComposedText joins the structured fields into the text that gets chunked
// and embedded. Empty fields are left out, so a posting without content
// composes to an empty string. Raw is appended only when none of the
// free-text sections were recognised.
func (p *Posting) ComposedText() string {
	if p == nil {
		return ""
	}

	lines := make([]string, 0, len(composedFields)+1)
	for _, f := range composedFields {
		if v := strings.TrimSpace(f.value(p)); v != "" {
			lines = append(lines, f.label+": "+v)
		}
	}

	if !p.hasSections() {
		if raw := strings.TrimSpace(p.Raw); raw != "" {
			lines = append(lines, "Details: "+raw)
		}
	}

	return strings.Join(lines, "\n")
}

func (p *Posting) hasSections() bool {
	for _, s := range []string{p.Work, p.Requirements, p.Conditions, p.Benefits, p.Process, p.Application, p.Other} {
		if strings.TrimSpace(s) != "" {
			return true
		}
	}
	return false
}

// Postings is the ordered posting set produced by one load of the corpus.
type Postings struct {
	Items []*Posting

	byID map[int]*Posting
}

func NewPostings(items ...*Posting) *Postings {
	p := &Postings{}
	for _, item := range items {
		p.add(item)
	}
	return p
}

func (p *Postings) add(item *Posting) bool {
	if item == nil {
		return false
	}
	if p.byID == nil {
		p.byID = make(map[int]*Posting)
	}
	if _, ok := p.byID[item.ID]; ok {
		return false
	}
	p.byID[item.ID] = item
	p.Items = append(p.Items, item)
	return true
}

func (p *Postings) Len() int {
	if p == nil {
		return 0
	}
	return len(p.Items)
}

// FindByID returns the posting with the given id or nil.
func (p *Postings) FindByID(id int) *Posting {
	if p == nil {
		return nil
	}
	if p.byID == nil {
		for _, item := range p.Items {
			if item.ID == id {
				return item
			}
		}
		return nil
	}
	return p.byID[id]
}

// Texts returns the composed text of every posting in order.
func (p *Postings) Texts() []string {
	texts := make([]string, 0, p.Len())
	for _, item := range p.Items {
		texts = append(texts, item.ComposedText())
	}
	return texts
}

// ReportByCompany groups postings by company for a compact overview.
func (p *Postings) ReportByCompany() map[string][]map[string]string {
	report := make(map[string][]map[string]string)
	if p == nil {
		return report
	}
	for _, item := range p.Items {
		key := strings.TrimSpace(item.Company)
		if key == "" {
			key = "unknown company"
		}
		entry := map[string]string{
			"id":    strconv.Itoa(item.ID),
			"title": item.Title,
		}
		for k, v := range map[string]string{
			"url":             item.URL,
			"location":        item.Location,
			"employment_type": item.EmploymentType,
		} {
			if v != "" {
				entry[k] = v
			}
		}
		report[key] = append(report[key], entry)
	}
	return report
}

// DumpToTmpFile writes v as indented JSON to a new temp file and returns its name.
func DumpToTmpFile(pattern string, v any) (string, error) {
	file, err := os.CreateTemp("", pattern)
	if err != nil {
		return "", err
	}
	defer file.Close()

	enc := json.NewEncoder(file)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return file.Name(), nil
}
