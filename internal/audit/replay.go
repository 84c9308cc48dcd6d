package audit

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/caselaw-ai/shepard/internal/model"
)

// maxReplayPacketBytes caps the serialized packet; oversized variable-length
// fields are truncated rather than failing the request.
const maxReplayPacketBytes = 1_000_000

const truncatedPlaceholder = "[TRUNCATED]"

// ReplayPacket is everything needed to re-run a recorded query against the
// same corpus snapshot and contrast the outputs.
type ReplayPacket struct {
	RunID               uuid.UUID                    `json:"run_id"`
	CorpusVersionID     string                       `json:"corpus_version_id"`
	UserQuery           string                       `json:"user_query"`
	RetrievalManifest   []model.RetrievalEntry       `json:"retrieval_manifest"`
	ContextManifest     []model.ContextEntry         `json:"context_manifest"`
	ModelConfig         model.ModelConfig            `json:"model_config"`
	SystemPromptVersion string                       `json:"system_prompt_version"`
	FinalAnswer         string                       `json:"final_answer"`
	CitationsManifest   []model.CitationVerification `json:"citations_manifest"`
	LatencyMS           int64                        `json:"latency_ms"`
	SizeLimited         bool                         `json:"_size_limited,omitempty"`
	Truncated           []string                     `json:"_truncated_fields,omitempty"`
}

// BuildReplayPacket assembles and size-caps the packet for one run.
func BuildReplayPacket(run model.QueryRun) (ReplayPacket, error) {
	pkt := ReplayPacket{
		RunID:               run.ID,
		CorpusVersionID:     run.CorpusVersionID,
		UserQuery:           run.UserQuery,
		RetrievalManifest:   run.RetrievalManifest,
		ContextManifest:     run.ContextManifest,
		ModelConfig:         run.ModelConfig,
		SystemPromptVersion: run.SystemPromptVersion,
		FinalAnswer:         run.FinalAnswer,
		CitationsManifest:   run.Citations,
		LatencyMS:           run.LatencyMS,
	}

	size, err := packetSize(pkt)
	if err != nil {
		return pkt, err
	}
	if size <= maxReplayPacketBytes {
		return pkt, nil
	}

	// Drop the largest variable-length fields first; identifiers and the
	// model config always survive.
	pkt.SizeLimited = true
	truncations := []struct {
		name  string
		apply func()
	}{
		{"final_answer", func() { pkt.FinalAnswer = truncatedPlaceholder }},
		{"retrieval_manifest", func() { pkt.RetrievalManifest = nil }},
		{"context_manifest", func() { pkt.ContextManifest = nil }},
		{"citations_manifest", func() { pkt.CitationsManifest = nil }},
	}
	for _, tr := range truncations {
		tr.apply()
		pkt.Truncated = append(pkt.Truncated, tr.name)
		if size, err = packetSize(pkt); err != nil {
			return pkt, err
		}
		if size <= maxReplayPacketBytes {
			break
		}
	}
	return pkt, nil
}

func packetSize(pkt ReplayPacket) (int, error) {
	raw, err := json.Marshal(pkt)
	if err != nil {
		return 0, fmt.Errorf("audit: marshal replay packet: %w", err)
	}
	return len(raw), nil
}
