package tracker

import (
	"errors"
	"strings"
)

// ErrMissingSiteID means the embed carried no site identifier; the agent stays inert.
var ErrMissingSiteID = errors.New("data-site-id attribute not found on embed")

// ResolveSiteID reads the site identifier once from the embed.
func ResolveSiteID(embed Embed) (SiteID, error) {
	if embed == nil {
		return "", ErrMissingSiteID
	}
	id, ok := embed.SiteID()
	id = strings.TrimSpace(id)
	if !ok || id == "" {
		return "", ErrMissingSiteID
	}
	return SiteID(id), nil
}
