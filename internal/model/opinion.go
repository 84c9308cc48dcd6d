// Package model defines the core entities of the citation verification
// pipeline: opinions, pages, chunks, citation markers, emitted sources, and
// per-query audit runs. All types are plain tagged records; behavior lives
// in the packages that own them.
package model

import (
	"time"

	"github.com/pgvector/pgvector-go"
)

// Court identifies the issuing forum of an opinion.
type Court string

const (
	CourtSCOTUS  Court = "SCOTUS"
	CourtCAFC    Court = "CAFC"
	CourtPTAB    Court = "PTAB"
	CourtUnknown Court = "UNKNOWN"
)

// Opinion is a single court decision (one PDF) with its metadata.
// The (PDFURL) and ClusterID values are unique across the corpus;
// an ingested opinion has at least one page.
type Opinion struct {
	ID            string     `json:"opinion_id"`
	CaseName      string     `json:"case_name"`
	AppealNo      string     `json:"appeal_no"`
	ReleaseDate   *time.Time `json:"release_date,omitempty"`
	Court         Court      `json:"court"`
	Precedential  bool       `json:"precedential"`
	EnBanc        bool       `json:"en_banc"`
	Rule36        bool       `json:"rule36"`
	ClusterID     *string    `json:"cluster_id,omitempty"`
	PDFURL        string     `json:"pdf_url"`
	ContentHash   string     `json:"content_hash,omitempty"`
	Ingested      bool       `json:"ingested"`
	Source        string     `json:"source,omitempty"` // ingestion origin, e.g. "courtlistener_api"
	CitationCount int        `json:"citation_count"`
	Landmark      bool       `json:"landmark"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Page is the unit of citation locality: one PDF page of an opinion.
// (OpinionID, PageNumber) is unique; PageNumber is 1-based. The lexical
// search vector is a generated column maintained by Postgres in lockstep
// with Text.
type Page struct {
	ID         int64  `json:"id"`
	OpinionID  string `json:"opinion_id"`
	PageNumber int    `json:"page_number"`
	Text       string `json:"text"`
}

// Chunk is the unit of retrieval: a coalescence of consecutive pages
// (normally two) with its own lexical vector. (OpinionID, ChunkIndex) is
// unique; PageStart <= PageEnd and PageStart >= 1.
type Chunk struct {
	ID         int64  `json:"id"`
	OpinionID  string `json:"opinion_id"`
	ChunkIndex int    `json:"chunk_index"`
	PageStart  int    `json:"page_start"`
	PageEnd    int    `json:"page_end"`
	Text       string `json:"text"`
}

// PageEmbedding is a precomputed embedding over one page, used by the
// semantic recall fallback.
type PageEmbedding struct {
	PageID    int64            `json:"page_id"`
	OpinionID string           `json:"opinion_id"`
	Embedding *pgvector.Vector `json:"-"`
}
