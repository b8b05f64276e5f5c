package gateway

import (
	"fmt"

	"github.com/m2tx/portfolio_lab/internal/model"
	"google.golang.org/genai"
)

// toGenAIContents converts caller history into provider contents, turn by
// turn and part by part, without reordering.
func toGenAIContents(history model.ConversationHistory) ([]*genai.Content, error) {
	result := make([]*genai.Content, 0, len(history))
	for i, c := range history {
		gc := &genai.Content{Role: string(c.Role), Parts: make([]*genai.Part, 0, len(c.Parts))}
		for j, p := range c.Parts {
			gp, err := toGenAIPart(p)
			if err != nil {
				return nil, fmt.Errorf("gateway: history turn %d part %d: %w", i, j, err)
			}
			gc.Parts = append(gc.Parts, gp)
		}
		result = append(result, gc)
	}
	return result, nil
}

func toGenAIPart(p model.Part) (*genai.Part, error) {
	switch v := p.(type) {
	case model.TextPart:
		return &genai.Part{Text: v.Text, Thought: v.Thought}, nil
	case model.InlineDataPart:
		if v.MIMEType == "" {
			return nil, model.ErrMissingMediaType
		}
		return &genai.Part{InlineData: &genai.Blob{Data: v.Data, MIMEType: v.MIMEType}}, nil
	case nil:
		return nil, model.ErrEmptyPart
	default:
		return nil, fmt.Errorf("unsupported part type %T", p)
	}
}

// toModelResponse converts a provider response. Parts other than text and
// inline data (function calls, executable code, bare thought signatures)
// have no counterpart in the model and are dropped.
func toModelResponse(resp *genai.GenerateContentResponse) *model.Response {
	out := &model.Response{}
	if resp == nil {
		return out
	}

	out.ModelVersion = resp.ModelVersion
	out.ResponseID = resp.ResponseID
	out.Candidates = make([]model.Candidate, 0, len(resp.Candidates))
	for _, candidate := range resp.Candidates {
		if candidate == nil {
			continue
		}

		mc := model.Candidate{
			FinishReason:     string(candidate.FinishReason),
			GroundingSources: groundingSources(candidate.GroundingMetadata),
		}
		if candidate.Content != nil {
			mc.Content = toModelContent(candidate.Content)
		}
		out.Candidates = append(out.Candidates, mc)
	}
	return out
}

func toModelContent(c *genai.Content) model.Content {
	mc := model.Content{Role: model.Role(c.Role), Parts: make([]model.Part, 0, len(c.Parts))}
	for _, p := range c.Parts {
		switch {
		case p == nil:
			continue
		case p.InlineData != nil:
			mc.Parts = append(mc.Parts, model.InlineDataPart{Data: p.InlineData.Data, MIMEType: p.InlineData.MIMEType})
		case p.Text != "" || p.Thought:
			mc.Parts = append(mc.Parts, model.TextPart{Text: p.Text, Thought: p.Thought})
		}
	}
	return mc
}

// groundingSources lists web and maps chunks as they appear in the metadata.
func groundingSources(md *genai.GroundingMetadata) []model.GroundingSource {
	if md == nil {
		return nil
	}

	var sources []model.GroundingSource
	for _, chunk := range md.GroundingChunks {
		switch {
		case chunk == nil:
			continue
		case chunk.Web != nil:
			sources = append(sources, model.GroundingSource{URI: chunk.Web.URI, Title: chunk.Web.Title})
		case chunk.Maps != nil:
			sources = append(sources, model.GroundingSource{URI: chunk.Maps.URI, Title: chunk.Maps.Title})
		}
	}
	return sources
}
