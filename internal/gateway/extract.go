package gateway

import (
	"encoding/base64"

	"github.com/m2tx/portfolio_lab/internal/model"
)

// ExtractImage returns the first inline binary part of resp as a data URI.
// The boolean is false when no such part exists; a nil response or one
// without candidates or parts is not an error.
func ExtractImage(resp *model.Response) (string, bool) {
	images := inlineParts(resp, 1)
	if len(images) == 0 {
		return "", false
	}
	return dataURI(images[0]), true
}

// ExtractImages returns every inline binary part of resp as a data URI, in order.
func ExtractImages(resp *model.Response) []string {
	parts := inlineParts(resp, -1)
	uris := make([]string, 0, len(parts))
	for _, p := range parts {
		uris = append(uris, dataURI(p))
	}
	return uris
}

func inlineParts(resp *model.Response, limit int) []model.InlineDataPart {
	if resp == nil {
		return nil
	}

	var found []model.InlineDataPart
	for _, candidate := range resp.Candidates {
		for _, p := range candidate.Content.Parts {
			inline, ok := p.(model.InlineDataPart)
			if !ok || len(inline.Data) == 0 {
				continue
			}
			found = append(found, inline)
			if limit > 0 && len(found) == limit {
				return found
			}
		}
	}
	return found
}

func dataURI(p model.InlineDataPart) string {
	mimeType := p.MIMEType
	if mimeType == "" {
		mimeType = defaultImageMIMEType
	}
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(p.Data)
}
