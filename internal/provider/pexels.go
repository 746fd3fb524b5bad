package provider

import (
	"context"
	"net/url"
	"strconv"
	"strings"
)

const pexelsBaseURL = "https://api.pexels.com/v1"

// Pexels searches api.pexels.com.
type Pexels struct {
	http *httpClient
}

func NewPexels(apiKey string) *Pexels {
	return NewPexelsWithBaseURL(apiKey, pexelsBaseURL)
}

func NewPexelsWithBaseURL(apiKey, baseURL string) *Pexels {
	return &Pexels{http: newHTTPClient("pexels", strings.TrimRight(baseURL, "/"), map[string]string{
		"Authorization": apiKey,
	})}
}

func (p *Pexels) Name() string { return "pexels" }

type pexelsResponse struct {
	Photos []struct {
		ID              int64  `json:"id"`
		Width           int    `json:"width"`
		Height          int    `json:"height"`
		URL             string `json:"url"`
		Photographer    string `json:"photographer"`
		PhotographerURL string `json:"photographer_url"`
		Alt             string `json:"alt"`
		Src             struct {
			Medium string `json:"medium"`
			Large  string `json:"large"`
		} `json:"src"`
	} `json:"photos"`
}

func (p *Pexels) Search(ctx context.Context, query string, opts SearchOptions) ([]ImageSearchResult, error) {
	params := url.Values{
		"query":    {query},
		"per_page": {strconv.Itoa(clampCount(opts.Count, 15, 80))},
	}
	switch opts.Orientation {
	case Horizontal:
		params.Set("orientation", "landscape")
	case Vertical:
		params.Set("orientation", "portrait")
	case Square:
		params.Set("orientation", "square")
	}

	var resp pexelsResponse
	if err := p.http.getJSON(ctx, "/search", params, &resp); err != nil {
		return nil, err
	}

	out := make([]ImageSearchResult, 0, len(resp.Photos))
	for _, ph := range resp.Photos {
		out = append(out, ImageSearchResult{
			ID:         strconv.FormatInt(ph.ID, 10),
			Title:      ph.Alt,
			PreviewURL: ph.Src.Medium,
			DisplayURL: ph.Src.Large,
			Width:      ph.Width,
			Height:     ph.Height,
			Provider:   p.Name(),
			Attribution: &Attribution{
				Name:      ph.Photographer,
				URL:       ph.PhotographerURL,
				SourceURL: ph.URL,
			},
		})
	}
	return out, nil
}
