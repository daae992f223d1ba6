package posting

import (
	"encoding/json"
	"os"
	"strconv"
	"time"
)

// Excluded is the on-disk list of postings the user never wants to see again.
type Excluded struct {
	Items []*ExcludedPosting `json:"items"`
}

type ExcludedPosting struct {
	ID         int       `json:"id"`
	URL        string    `json:"url,omitempty"`
	Company    string    `json:"company,omitempty"`
	ExcludedAt time.Time `json:"excluded_at"`
}

// ToExcluded converts postings into exclude-file entries stamped with now.
func ToExcluded(items []*Posting, now time.Time) *Excluded {
	excluded := &Excluded{}
	for _, p := range items {
		excluded.Items = append(excluded.Items, &ExcludedPosting{
			ID:         p.ID,
			URL:        p.URL,
			Company:    p.Company,
			ExcludedAt: now.UTC(),
		})
	}
	return excluded
}

// LoadExcluded reads an exclude file. A missing or empty file yields an empty list.
func LoadExcluded(path string) (*Excluded, error) {
	file, err := os.Open(path)
	if os.IsNotExist(err) {
		return &Excluded{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return nil, err
	}

	if stat.Size() == 0 {
		return &Excluded{}, nil
	}

	var excluded Excluded
	if err := json.NewDecoder(file).Decode(&excluded); err != nil {
		return nil, err
	}
	return &excluded, nil
}

func (e *Excluded) Append(other *Excluded) {
	if other == nil {
		return
	}
	e.Items = append(e.Items, other.Items...)
}

// Keys returns the ids and URLs of the excluded postings.
func (e *Excluded) Keys() map[string]struct{} {
	keys := make(map[string]struct{}, len(e.Items)*2)
	for _, item := range e.Items {
		keys[strconv.Itoa(item.ID)] = struct{}{}
		if item.URL != "" {
			keys[item.URL] = struct{}{}
		}
	}
	return keys
}

func (e *Excluded) ToFile(path string) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()

	enc := json.NewEncoder(file)
	enc.SetIndent("", "  ")
	return enc.Encode(e)
}
