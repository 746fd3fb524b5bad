package imagebank

import (
	"context"
	"fmt"
	"net/http"
	"path"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/imagebank/internal/objstore"
	"github.com/kalambet/imagebank/internal/provider"
)

// ObjectMirror copies preview and display renditions into object storage
// under images/<provider>/<id>/.
type ObjectMirror struct {
	objects    *objstore.Store
	httpClient *http.Client
}

func NewObjectMirror(objects *objstore.Store) *ObjectMirror {
	return &ObjectMirror{objects: objects, httpClient: &http.Client{Timeout: 30 * time.Second}}
}

// RenditionName returns the object name a rendition is mirrored to.
func RenditionName(providerName, id, rendition string) string {
	return path.Join("images", providerName, id, rendition+".jpg")
}

func (m *ObjectMirror) Mirror(ctx context.Context, r provider.ImageSearchResult) (string, string, error) {
	previewKey := RenditionName(r.Provider, r.ID, "preview")
	displayKey := RenditionName(r.Provider, r.ID, "display")

	g, gCtx := errgroup.WithContext(ctx)
	for _, job := range []struct{ url, name string }{
		{r.PreviewURL, previewKey},
		{r.DisplayURL, displayKey},
	} {
		g.Go(func() error {
			data, err := download(gCtx, m.httpClient, job.url)
			if err != nil {
				return fmt.Errorf("mirroring %s: %w", job.name, err)
			}
			return m.objects.UploadBuffer(gCtx, job.name, data, "image/jpeg")
		})
	}
	if err := g.Wait(); err != nil {
		return "", "", err
	}
	return previewKey, displayKey, nil
}
