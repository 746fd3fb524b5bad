package provider

import (
	"context"
	"net/url"
	"strconv"
	"strings"
)

const unsplashBaseURL = "https://api.unsplash.com"

// Unsplash searches api.unsplash.com.
type Unsplash struct {
	http *httpClient
}

// NewUnsplash creates an Unsplash client authenticated with an access key.
func NewUnsplash(accessKey string) *Unsplash {
	return NewUnsplashWithBaseURL(accessKey, unsplashBaseURL)
}

// NewUnsplashWithBaseURL points the client at a custom base URL (for testing).
func NewUnsplashWithBaseURL(accessKey, baseURL string) *Unsplash {
	return &Unsplash{http: newHTTPClient("unsplash", strings.TrimRight(baseURL, "/"), map[string]string{
		"Authorization":  "Client-ID " + accessKey,
		"Accept-Version": "v1",
	})}
}

func (u *Unsplash) Name() string { return "unsplash" }

type unsplashResponse struct {
	Results []struct {
		ID             string `json:"id"`
		Description    string `json:"description"`
		AltDescription string `json:"alt_description"`
		Width          int    `json:"width"`
		Height         int    `json:"height"`
		URLs           struct {
			Small   string `json:"small"`
			Regular string `json:"regular"`
		} `json:"urls"`
		Links struct {
			HTML string `json:"html"`
		} `json:"links"`
		User struct {
			Name  string `json:"name"`
			Links struct {
				HTML string `json:"html"`
			} `json:"links"`
		} `json:"user"`
	} `json:"results"`
}

func (u *Unsplash) Search(ctx context.Context, query string, opts SearchOptions) ([]ImageSearchResult, error) {
	params := url.Values{
		"query":    {query},
		"per_page": {strconv.Itoa(clampCount(opts.Count, 10, 30))},
	}
	switch opts.Orientation {
	case Horizontal:
		params.Set("orientation", "landscape")
	case Vertical:
		params.Set("orientation", "portrait")
	case Square:
		params.Set("orientation", "squarish")
	}

	var resp unsplashResponse
	if err := u.http.getJSON(ctx, "/search/photos", params, &resp); err != nil {
		return nil, err
	}

	out := make([]ImageSearchResult, 0, len(resp.Results))
	for _, r := range resp.Results {
		title := r.AltDescription
		if title == "" {
			title = r.Description
		}
		out = append(out, ImageSearchResult{
			ID:         r.ID,
			Title:      title,
			PreviewURL: r.URLs.Small,
			DisplayURL: r.URLs.Regular,
			Width:      r.Width,
			Height:     r.Height,
			Provider:   u.Name(),
			Attribution: &Attribution{
				Name:      r.User.Name,
				URL:       r.User.Links.HTML,
				SourceURL: r.Links.HTML,
			},
		})
	}
	return out, nil
}
