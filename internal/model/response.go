package model

import "strings"

// GroundingSource is a citation the provider used to justify an answer.
type GroundingSource struct {
	URI   string `json:"uri"`
	Title string `json:"title"`
}

// Candidate is one alternative answer produced by the provider.
type Candidate struct {
	Content          Content           `json:"content"`
	FinishReason     string            `json:"finishReason,omitempty"`
	GroundingSources []GroundingSource `json:"groundingSources,omitempty"`
}

// Response is an aggregated provider answer, or a single chunk of a streamed one.
type Response struct {
	Candidates   []Candidate `json:"candidates"`
	ModelVersion string      `json:"modelVersion,omitempty"`
	ResponseID   string      `json:"responseId,omitempty"`
}

// Text concatenates the visible text of the first candidate.
func (r *Response) Text() string {
	if r == nil || len(r.Candidates) == 0 {
		return ""
	}

	var sb strings.Builder
	for _, p := range r.Candidates[0].Content.Parts {
		if tp, ok := p.(TextPart); ok && !tp.Thought {
			sb.WriteString(tp.Text)
		}
	}
	return sb.String()
}

// Sources returns the grounding sources of every candidate, in provider order.
func (r *Response) Sources() []GroundingSource {
	if r == nil {
		return nil
	}

	var sources []GroundingSource
	for _, c := range r.Candidates {
		sources = append(sources, c.GroundingSources...)
	}
	return sources
}
