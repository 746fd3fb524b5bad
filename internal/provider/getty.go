package provider

import (
	"context"
	"net/url"
	"strconv"
	"strings"
)

const gettyBaseURL = "https://api.gettyimages.com/v3"

// Getty searches the Getty Images creative collection.
type Getty struct {
	http *httpClient
}

func NewGetty(apiKey string) *Getty {
	return NewGettyWithBaseURL(apiKey, gettyBaseURL)
}

func NewGettyWithBaseURL(apiKey, baseURL string) *Getty {
	return &Getty{http: newHTTPClient("getty", strings.TrimRight(baseURL, "/"), map[string]string{
		"Api-Key": apiKey,
	})}
}

func (g *Getty) Name() string { return "getty" }

type gettyResponse struct {
	Images []struct {
		ID           string `json:"id"`
		Title        string `json:"title"`
		Caption      string `json:"caption"`
		Artist       string `json:"artist"`
		DisplaySizes []struct {
			Name string `json:"name"`
			URI  string `json:"uri"`
		} `json:"display_sizes"`
		MaxDimensions struct {
			Width  int `json:"width"`
			Height int `json:"height"`
		} `json:"max_dimensions"`
		ReferralDestinations []struct {
			SiteName string `json:"site_name"`
			URI      string `json:"uri"`
		} `json:"referral_destinations"`
	} `json:"images"`
}

func (g *Getty) Search(ctx context.Context, query string, opts SearchOptions) ([]ImageSearchResult, error) {
	params := url.Values{
		"phrase":    {query},
		"page_size": {strconv.Itoa(clampCount(opts.Count, 10, 100))},
		"fields":    {"id,title,caption,artist,display_set,max_dimensions,referral_destinations"},
	}
	switch opts.Orientation {
	case Horizontal:
		params.Set("orientations", "Horizontal")
	case Vertical:
		params.Set("orientations", "Vertical")
	case Square:
		params.Set("orientations", "Square")
	}

	var resp gettyResponse
	if err := g.http.getJSON(ctx, "/search/images/creative", params, &resp); err != nil {
		return nil, err
	}

	out := make([]ImageSearchResult, 0, len(resp.Images))
	for _, im := range resp.Images {
		sizes := make(map[string]string, len(im.DisplaySizes))
		for _, d := range im.DisplaySizes {
			sizes[d.Name] = d.URI
		}
		preview := firstNonEmpty(sizes["preview"], sizes["thumb"], sizes["comp"])
		display := firstNonEmpty(sizes["comp"], sizes["preview"], sizes["thumb"])
		if display == "" {
			continue
		}

		title := im.Title
		if title == "" {
			title = im.Caption
		}
		var source string
		for _, r := range im.ReferralDestinations {
			if r.SiteName == "gettyimages" {
				source = r.URI
				break
			}
		}
		out = append(out, ImageSearchResult{
			ID:          im.ID,
			Title:       title,
			PreviewURL:  preview,
			DisplayURL:  display,
			Width:       im.MaxDimensions.Width,
			Height:      im.MaxDimensions.Height,
			Provider:    g.Name(),
			Attribution: &Attribution{Name: im.Artist, SourceURL: source},
		})
	}
	return out, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
