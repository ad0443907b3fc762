package worker

import (
	"fmt"
	"net/url"

	"github.com/meigma/warmcache/cachestore"
)

// Config identifies the two current generations and what they hold.
type Config struct {
	// ShellTag names the generation holding the application shell.
	ShellTag string

	// ImageTag names the generation holding images.
	ImageTag string

	// ShellManifest lists the shell resources fetched at install.
	// Relative entries resolve against BaseURL.
	ShellManifest []string

	// ImageManifest lists the images fetched at install.
	ImageManifest []string

	// BaseURL is the absolute origin the worker serves.
	BaseURL string
}

// Validate checks that the config can be used by a Manager.
func (c Config) Validate() error {
	if err := cachestore.ValidateName(c.ShellTag); err != nil {
		return fmt.Errorf("%w: shell tag: %w", ErrInvalidConfig, err)
	}
	if err := cachestore.ValidateName(c.ImageTag); err != nil {
		return fmt.Errorf("%w: image tag: %w", ErrInvalidConfig, err)
	}
	if c.ShellTag == c.ImageTag {
		return fmt.Errorf("%w: shell and image tags are both %q", ErrInvalidConfig, c.ShellTag)
	}
	if _, err := parseBase(c.BaseURL); err != nil {
		return err
	}
	return nil
}

func parseBase(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: base url: %w", ErrInvalidConfig, err)
	}
	if !u.IsAbs() || u.Host == "" {
		return nil, fmt.Errorf("%w: base url %q is not absolute", ErrInvalidConfig, raw)
	}
	return u, nil
}

// resolve turns manifest entries into absolute URLs.
func resolve(base *url.URL, manifest []string) ([]string, error) {
	urls := make([]string, len(manifest))
	for i, entry := range manifest {
		ref, err := url.Parse(entry)
		if err != nil {
			return nil, fmt.Errorf("manifest entry %q: %w", entry, err)
		}
		urls[i] = base.ResolveReference(ref).String()
	}
	return urls, nil
}
