package warmcache

import "github.com/meigma/warmcache/worker"

// Default generation tags. Bumping a tag replaces that generation on the
// next activation.
const (
	DefaultShellTag = "cafe-shell-v2"
	DefaultImageTag = "cafe-images-v1"
)

// DefaultShellManifest lists the application shell cached at install.
var DefaultShellManifest = []string{
	"/",
	"/index.html",
	"/assets/css/style.css",
	"/assets/js/app.js",
	"/assets/images/1.png",
}

// DefaultImageManifest lists the images cached at install.
var DefaultImageManifest = []string{
	"/assets/images/2.webp",
	"/assets/images/3.webp",
	"/assets/images/4.webp",
	"/assets/images/5.webp",
	"/assets/images/6.webp",
	"/assets/images/7.webp",
	"/assets/images/8.webp",
	"/assets/images/9.webp",
	"/assets/images/10.webp",
	"/assets/images/11.webp",
}

// DefaultBackgrounds is the slideshow order. The first entry is shown first.
var DefaultBackgrounds = []string{
	"/assets/images/4.webp",
	"/assets/images/5.webp",
	"/assets/images/6.webp",
	"/assets/images/7.webp",
	"/assets/images/8.webp",
	"/assets/images/9.webp",
	"/assets/images/10.webp",
	"/assets/images/11.webp",
	"/assets/images/2.webp",
	"/assets/images/3.webp",
}

// DefaultWorkerConfig returns the default tags and manifests for baseURL.
func DefaultWorkerConfig(baseURL string) worker.Config {
	return worker.Config{
		ShellTag:      DefaultShellTag,
		ImageTag:      DefaultImageTag,
		ShellManifest: append([]string(nil), DefaultShellManifest...),
		ImageManifest: append([]string(nil), DefaultImageManifest...),
		BaseURL:       baseURL,
	}
}
