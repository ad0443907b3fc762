//go:build integration

package integration

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image/color"
	"os"
	"path"
	"slices"
	"sync"
	"testing"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/meigma/warmcache"
	"github.com/meigma/warmcache/internal/testutil"
	"github.com/meigma/warmcache/worker"
)

const webRoot = "/usr/share/nginx/html"

// 1x1 lossless WebP.
const tinyWebP = "UklGRhoAAABXRUJQVlA4TA0AAAAvAAAAEAcQERGIiP4HAA=="

// --- Origin Container Setup ---

var (
	originOnce sync.Once
	originURL  string
	originErr  error
)

// getOrigin returns the shared origin base URL, starting the container if needed.
// The container is shared across all tests for performance.
func getOrigin(tb testing.TB) string {
	tb.Helper()

	if os.Getenv("SKIP_DOCKER_TESTS") == "1" {
		tb.Skip("SKIP_DOCKER_TESTS is set")
	}

	originOnce.Do(func() {
		files, err := siteFiles(tb)
		if err != nil {
			originErr = err
			return
		}
		originURL, originErr = startOriginContainer(context.Background(), files)
	})

	if originErr != nil {
		tb.Fatalf("start origin container: %v", originErr)
	}

	return originURL
}

// siteFiles returns the default site keyed by URL path.
func siteFiles(tb testing.TB) (map[string][]byte, error) {
	webp, err := base64.StdEncoding.DecodeString(tinyWebP)
	if err != nil {
		return nil, fmt.Errorf("decode webp fixture: %w", err)
	}
	png := testutil.PNG(tb, 4, 3, color.Black)

	files := map[string][]byte{
		"/index.html":           []byte("<!doctype html><title>cafe</title>"),
		"/assets/css/style.css": []byte("body { margin: 0 }"),
		"/assets/js/app.js":     []byte("console.log('cafe')"),
	}
	for _, p := range slices.Concat(warmcache.DefaultShellManifest, warmcache.DefaultImageManifest) {
		switch path.Ext(p) {
		case ".png":
			files[p] = png
		case ".webp":
			files[p] = webp
		}
	}
	return files, nil
}

// startOriginContainer starts an nginx container serving files and returns
// its base URL.
func startOriginContainer(ctx context.Context, files map[string][]byte) (string, error) {
	req := testcontainers.ContainerRequest{
		Image:        "nginx:alpine",
		ExposedPorts: []string{"80/tcp"},
		WaitingFor:   wait.ForHTTP("/index.html").WithPort("80/tcp").WithStatusCodeMatcher(isOKStatus),
	}
	for p, body := range files {
		req.Files = append(req.Files, testcontainers.ContainerFile{
			Reader:            bytes.NewReader(body),
			ContainerFilePath: webRoot + p,
			FileMode:          0o644,
		})
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return "", fmt.Errorf("start origin container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return "", fmt.Errorf("resolve origin host: %w", err)
	}

	port, err := container.MappedPort(ctx, "80/tcp")
	if err != nil {
		return "", fmt.Errorf("resolve origin port: %w", err)
	}

	return fmt.Sprintf("http://%s:%s/", host, port.Port()), nil
}

func isOKStatus(status int) bool {
	return status >= 200 && status < 300
}

// --- Worker Helpers ---

func siteConfig(baseURL string) worker.Config {
	return warmcache.DefaultWorkerConfig(baseURL)
}
