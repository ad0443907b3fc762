package preload

import "sync"

// Map holds loaded images by URL for one page session.
// Entries are only ever added. It is safe for concurrent use.
type Map struct {
	mu     sync.RWMutex
	images map[string]*Image
	order  []string
}

// NewMap creates an empty Map.
func NewMap() *Map {
	return &Map{images: make(map[string]*Image)}
}

// Get returns the image stored for url.
func (m *Map) Get(url string) (*Image, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	img, ok := m.images[url]
	return img, ok
}

// Store adds img under its URL and returns the stored handle. If an image is
// already stored for that URL it is kept and returned instead.
func (m *Map) Store(img *Image) *Image {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.images[img.URL]; ok {
		return prev
	}
	m.images[img.URL] = img
	m.order = append(m.order, img.URL)
	return img
}

// Len returns the number of stored images.
func (m *Map) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.images)
}

// URLs returns the stored URLs in the order they were added.
func (m *Map) URLs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.order...)
}
