package workflow

import (
	"context"

	"github.com/mmdatafocus/measurement_backend/models"
	"github.com/mmdatafocus/measurement_backend/utils"
)

const (
	// Header carrying a JSON array of redirect URIs.
	RedirectListHeader = "Attribution-Reporting-Redirect"
	// Standard location header, chained one hop at a time.
	RedirectLocationHeader = "Location"
)

// AsyncRedirect is one redirect URI discovered during a fetch, tagged with the
// chaining mode its child registration must carry.
type AsyncRedirect struct {
	URI          string
	RedirectType models.RedirectType
}

// AsyncRedirects accumulates the redirect chain discovered by a fetcher.
type AsyncRedirects struct {
	Redirects []AsyncRedirect
}

// SourceFetcher resolves a source registration into a parsed Source. The
// fetch status drives the queue runner's retry/delete decision; the entity is
// only meaningful on SUCCESS.
type SourceFetcher interface {
	FetchSource(ctx context.Context, registration *models.AsyncRegistration) (*models.Source, *AsyncRedirects, models.FetchStatus)
}

// TriggerFetcher resolves a trigger registration into a parsed Trigger.
type TriggerFetcher interface {
	FetchTrigger(ctx context.Context, registration *models.AsyncRegistration) (*models.Trigger, *AsyncRedirects, models.FetchStatus)
}

// ParseRedirects extracts the redirect chain from fetch response headers.
//
// A parent that is already DAISY_CHAIN only follows Location, keeping the
// chain linear. Otherwise the list header fans out as independent NONE
// children and a Location header (when no list is present) starts a
// DAISY_CHAIN.
func ParseRedirects(headers map[string][]string, parentRedirectType models.RedirectType) *AsyncRedirects {
	redirects := &AsyncRedirects{}

	if parentRedirectType != models.RedirectTypeDaisyChain {
		if values, ok := headers[RedirectListHeader]; ok && len(values) > 0 {
			var uris []string
			if err := utils.UnmarshalFromJSON([]byte(values[0]), &uris); err == nil {
				for _, uri := range uris {
					if uri == "" {
						continue
					}
					redirects.Redirects = append(redirects.Redirects, AsyncRedirect{
						URI:          uri,
						RedirectType: models.RedirectTypeNone,
					})
				}
			}
			if len(redirects.Redirects) > 0 {
				return redirects
			}
		}
	}

	if values, ok := headers[RedirectLocationHeader]; ok && len(values) > 0 && values[0] != "" {
		redirects.Redirects = append(redirects.Redirects, AsyncRedirect{
			URI:          values[0],
			RedirectType: models.RedirectTypeDaisyChain,
		})
	}
	return redirects
}
