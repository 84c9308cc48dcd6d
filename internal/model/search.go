package model

import "time"

// ChunkHit is a chunk returned from lexical retrieval with its score and
// the owning opinion's citation metadata.
type ChunkHit struct {
	Chunk
	CaseName    string     `json:"case_name"`
	AppealNo    string     `json:"appeal_no"`
	ReleaseDate *time.Time `json:"release_date,omitempty"`
	Court       Court      `json:"court"`
	Rank        float64    `json:"rank"`
}

// PageHit is a page returned from lexical or semantic retrieval. Text is
// capped at the retrieval boundary to prevent prompt bloat.
type PageHit struct {
	PageID      int64      `json:"page_id"`
	OpinionID   string     `json:"opinion_id"`
	PageNumber  int        `json:"page_number"`
	Text        string     `json:"text"`
	CaseName    string     `json:"case_name"`
	AppealNo    string     `json:"appeal_no"`
	ReleaseDate *time.Time `json:"release_date,omitempty"`
	Court       Court      `json:"court"`
	Rank        float64    `json:"rank"`
}

// AdvancedHit is one row of the cursor-paginated advanced search.
type AdvancedHit struct {
	OpinionID   string     `json:"opinion_id"`
	CaseName    string     `json:"case_name"`
	AppealNo    string     `json:"appeal_no"`
	ReleaseDate *time.Time `json:"release_date,omitempty"`
	Court       Court      `json:"court"`
	Snippet     string     `json:"snippet"`
	HybridScore float64    `json:"hybrid_score"`
	PageID      int64      `json:"page_id"`
}
