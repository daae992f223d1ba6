// Package vectorstore defines the persisted collection shared by posting
// chunks and resume records, and the typed metadata stored next to vectors.
package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/mitchellh/mapstructure"
)

const (
	KindJob    = "job"
	KindResume = "resume"
)

// Metadata keys.
const (
	MetaType           = "type"
	MetaJobID          = "job_id"
	MetaChunkIndex     = "chunk_index"
	MetaTotalChunks    = "total_chunks"
	MetaChunkStart     = "chunk_start"
	MetaChunkEnd       = "chunk_end"
	MetaChunkLength    = "chunk_length"
	MetaWindowSize     = "window_size"
	MetaStride         = "stride"
	MetaFullText       = "full_text"
	MetaTitle          = "title"
	MetaCompany        = "company"
	MetaLocation       = "location"
	MetaEmploymentType = "employment_type"
	MetaCompanySize    = "company_size"
	MetaIndustry       = "industry"
	MetaURL            = "url"
	MetaSessionID      = "session_id"
	MetaName           = "name"
)

var ErrMissingJobID = errors.New("metadata has no job_id")

// Record is one entry written to the store.
type Record struct {
	ID       string         `json:"id"`
	Text     string         `json:"text"`
	Vector   []float32      `json:"vector"`
	Metadata map[string]any `json:"metadata"`
}

// Hit is one nearest-neighbour result. Distance is a cosine distance in [0,2].
type Hit struct {
	ID       string
	Text     string
	Metadata map[string]any
	Distance float64
}

// Kind returns the record type stored in the hit metadata.
func (h Hit) Kind() string {
	if v, ok := h.Metadata[MetaType].(string); ok {
		return v
	}
	return ""
}

type Store interface {
	Name() string
	Init(ctx context.Context) error
	Upsert(ctx context.Context, records []Record) error
	Query(ctx context.Context, vector []float32, limit int) ([]Hit, error)
	// Count returns the number of records of the given kind, or of all records for an empty kind.
	Count(ctx context.Context, kind string) (int, error)
	DeleteKind(ctx context.Context, kind string) error
	// ReplaceKind swaps all records of kind for records. Readers see either the
	// old set or the new one, never an empty kind in between.
	ReplaceKind(ctx context.Context, kind string, records []Record) error
	Close() error
}

// ChunkMeta is the typed view of a job chunk's metadata.
type ChunkMeta struct {
	Type           string `mapstructure:"type"`
	JobID          string `mapstructure:"job_id"`
	ChunkIndex     int    `mapstructure:"chunk_index"`
	TotalChunks    int    `mapstructure:"total_chunks"`
	ChunkStart     int    `mapstructure:"chunk_start"`
	ChunkEnd       int    `mapstructure:"chunk_end"`
	ChunkLength    int    `mapstructure:"chunk_length"`
	WindowSize     int    `mapstructure:"window_size"`
	Stride         int    `mapstructure:"stride"`
	FullText       string `mapstructure:"full_text"`
	Title          string `mapstructure:"title"`
	Company        string `mapstructure:"company"`
	Location       string `mapstructure:"location"`
	EmploymentType string `mapstructure:"employment_type"`
	CompanySize    string `mapstructure:"company_size"`
	Industry       string `mapstructure:"industry"`
	URL            string `mapstructure:"url"`
}

// DecodeChunkMeta validates raw hit metadata. Numbers coming back from JSON
// backends as floats are accepted for integer fields and for the job id.
func DecodeChunkMeta(raw map[string]any) (*ChunkMeta, error) {
	if raw == nil {
		return nil, ErrMissingJobID
	}

	var meta ChunkMeta
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &meta,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, err
	}

	if err := decoder.Decode(raw); err != nil {
		return nil, fmt.Errorf("decode chunk metadata: %w", err)
	}

	if meta.JobID == "" {
		return nil, ErrMissingJobID
	}

	return &meta, nil
}

// Map flattens the metadata for storage.
func (m *ChunkMeta) Map() map[string]any {
	return map[string]any{
		MetaType:           KindJob,
		MetaJobID:          m.JobID,
		MetaChunkIndex:     m.ChunkIndex,
		MetaTotalChunks:    m.TotalChunks,
		MetaChunkStart:     m.ChunkStart,
		MetaChunkEnd:       m.ChunkEnd,
		MetaChunkLength:    m.ChunkLength,
		MetaWindowSize:     m.WindowSize,
		MetaStride:         m.Stride,
		MetaFullText:       m.FullText,
		MetaTitle:          m.Title,
		MetaCompany:        m.Company,
		MetaLocation:       m.Location,
		MetaEmploymentType: m.EmploymentType,
		MetaCompanySize:    m.CompanySize,
		MetaIndustry:       m.Industry,
		MetaURL:            m.URL,
	}
}

// CosineDistance returns 1 - cos(a, b). Zero vectors are at distance 1.
func CosineDistance(a, b []float32) float64 {
	n := min(len(a), len(b))

	var dot, na, nb float64
	for i := range n {
		dot += float64(a[i]) * float64(b[i])
	}
	for _, v := range a {
		na += float64(v) * float64(v)
	}
	for _, v := range b {
		nb += float64(v) * float64(v)
	}

	if na == 0 || nb == 0 {
		return 1
	}

	cos := dot / (math.Sqrt(na) * math.Sqrt(nb))
	cos = math.Max(-1, math.Min(1, cos))
	return 1 - cos
}
