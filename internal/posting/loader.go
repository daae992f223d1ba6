package posting

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

type section int

const (
	sectionNone section = iota
	sectionTitle
	sectionCompany
	sectionWork
	sectionRequirements
	sectionConditions
	sectionBenefits
	sectionProcess
	sectionApplication
	sectionOther
	sectionLink
)

var (
	markerPattern = regexp.MustCompile(`\[(?:Posting|공고)\s*#\s*(\d+)\]`)
	urlPattern    = regexp.MustCompile(`URL:\s*(https?://\S+)`)
	linkPattern   = regexp.MustCompile(`https?://\S+`)
	bulletPattern = regexp.MustCompile(`^[*-]\s*`)

	headings = []struct {
		section section
		pattern *regexp.Regexp
	}{
		{sectionTitle, regexp.MustCompile(`(?i)^1\.\s*(title|position|채용\s*제목|포지션)`)},
		{sectionCompany, regexp.MustCompile(`(?i)^2\.\s*(company|회사명)`)},
		{sectionWork, regexp.MustCompile(`(?i)^3\.\s*(main\s*duties|duties|work|주요\s*업무)`)},
		{sectionRequirements, regexp.MustCompile(`(?i)^4\.\s*(requirements|qualifications|자격\s*요건)`)},
		{sectionConditions, regexp.MustCompile(`(?i)^5\.\s*(conditions|working\s*conditions|근무\s*조건)`)},
		{sectionBenefits, regexp.MustCompile(`(?i)^6\.\s*(compensation|benefits|salary|급여)`)},
		{sectionProcess, regexp.MustCompile(`(?i)^7\.\s*(process|hiring\s*process|전형\s*절차)`)},
		{sectionApplication, regexp.MustCompile(`(?i)^8\.\s*(application|deadline|지원\s*방법|마감일)`)},
		{sectionOther, regexp.MustCompile(`(?i)^9\.\s*(other|company\s*info|기타|기업\s*정보)`)},
		{sectionLink, regexp.MustCompile(`(?i)^10\.\s*(link|posting\s*link|채용공고\s*링크)`)},
	}

	attributes = []struct {
		pattern *regexp.Regexp
		set     func(p *Posting, v string)
	}{
		{regexp.MustCompile(`(?i)^(?:location|지역)\s*[:：]\s*(.+)$`), func(p *Posting, v string) { p.Location = v }},
		{regexp.MustCompile(`(?i)^(?:employment\s*type|job\s*type|고용\s*형태)\s*[:：]\s*(.+)$`), func(p *Posting, v string) { p.EmploymentType = v }},
		{regexp.MustCompile(`(?i)^(?:industry|업종)\s*[:：]\s*(.+)$`), func(p *Posting, v string) { p.Industry = v }},
		{regexp.MustCompile(`(?i)^(?:company\s*size|기업\s*형태|기업\s*규모)\s*[:：]\s*(.+)$`), func(p *Posting, v string) { p.CompanySize = v }},
	}
)

// LoadFile reads and parses the corpus at path.
func LoadFile(path string, logger *zap.Logger) (*Postings, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open corpus: %w", err)
	}
	defer file.Close()

	postings, err := Parse(file, logger)
	if err != nil {
		return nil, fmt.Errorf("parse corpus %q: %w", path, err)
	}
	return postings, nil
}

// Parse reads a corpus of `[Posting #N]` delimited postings. When no marker
// is present the corpus is split on `---` lines and postings are numbered by
// position. Postings without a title or company, and repeated ids, are skipped.
func Parse(r io.Reader, logger *zap.Logger) (*Postings, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read corpus: %w", err)
	}
	content := strings.ReplaceAll(string(data), "\r\n", "\n")

	type rawSection struct {
		id   int
		text string
	}

	var sections []rawSection
	markers := markerPattern.FindAllStringSubmatchIndex(content, -1)
	if len(markers) > 0 {
		for i, m := range markers {
			end := len(content)
			if i+1 < len(markers) {
				end = markers[i+1][0]
			}
			id, err := strconv.Atoi(content[m[2]:m[3]])
			if err != nil {
				logger.Warn("skipping posting with unparseable marker", zap.String("marker", content[m[0]:m[1]]))
				continue
			}
			sections = append(sections, rawSection{id: id, text: content[m[0]:end]})
		}
	} else {
		id := 0
		for _, chunk := range strings.Split(content, "\n---") {
			if strings.TrimSpace(chunk) == "" {
				continue
			}
			id++
			sections = append(sections, rawSection{id: id, text: chunk})
		}
	}

	logger.Debug("posting sections found", zap.Int("count", len(sections)))

	postings := NewPostings()
	for _, s := range sections {
		p := parseSection(s.id, s.text)
		if p.Title == "" || p.Company == "" {
			logger.Warn("skipping posting without title or company",
				zap.Int("posting_id", s.id),
				zap.String("title", p.Title),
				zap.String("company", p.Company),
			)
			continue
		}
		if !postings.add(p) {
			logger.Warn("skipping duplicated posting id", zap.Int("posting_id", s.id))
			continue
		}
	}

	logger.Info("postings parsed", zap.Int("count", postings.Len()))
	return postings, nil
}

func parseSection(id int, text string) *Posting {
	p := &Posting{ID: id, Raw: strings.TrimSpace(text)}

	if m := urlPattern.FindStringSubmatch(text); m != nil {
		p.URL = m[1]
	}

	var headerTitle string
	if loc := markerPattern.FindStringIndex(text); loc != nil {
		rest := text[loc[1]:]
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			rest = rest[:nl]
		}
		headerTitle = strings.TrimSpace(rest)
	}

	bodies := make(map[section][]string)
	current := sectionNone
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || markerPattern.MatchString(line) || urlPattern.MatchString(line) {
			continue
		}

		if next, ok := matchHeading(line); ok {
			current = next
			continue
		}
		if current == sectionNone {
			continue
		}

		item := strings.TrimSpace(bulletPattern.ReplaceAllString(line, ""))
		if item == "" {
			continue
		}
		bodies[current] = append(bodies[current], item)

		if current == sectionConditions || current == sectionOther {
			for _, attr := range attributes {
				if m := attr.pattern.FindStringSubmatch(item); m != nil {
					attr.set(p, strings.TrimSpace(m[1]))
				}
			}
		}
	}

	first := func(s section) string {
		if lines := bodies[s]; len(lines) > 0 {
			return lines[0]
		}
		return ""
	}
	joined := func(s section) string {
		return strings.Join(bodies[s], " ")
	}

	p.Title = first(sectionTitle)
	if p.Title == "" {
		p.Title = headerTitle
	}
	p.Company = first(sectionCompany)
	p.Work = joined(sectionWork)
	p.Requirements = joined(sectionRequirements)
	p.Conditions = joined(sectionConditions)
	p.Benefits = joined(sectionBenefits)
	p.Process = joined(sectionProcess)
	p.Application = joined(sectionApplication)
	p.Other = joined(sectionOther)

	if p.URL == "" {
		if link := linkPattern.FindString(joined(sectionLink)); link != "" {
			p.URL = link
		}
	}

	return p
}

func matchHeading(line string) (section, bool) {
	for _, h := range headings {
		if h.pattern.MatchString(line) {
			return h.section, true
		}
	}
	return sectionNone, false
}
