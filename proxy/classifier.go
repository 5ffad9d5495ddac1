package proxy

import (
	"net/url"
	"path"
	"strings"

	"offline-map-cache/config"
)

// Class is the content role of a request, which picks the caching strategy.
type Class int

const (
	// StaticAsset is an application build artifact, served cache-first.
	StaticAsset Class = iota
	// MapData is a dataset file, served stale-while-revalidate.
	MapData
	// Other is everything else, served network-first.
	Other
)

func (c Class) String() string {
	switch c {
	case StaticAsset:
		return "static"
	case MapData:
		return "map-data"
	case Other:
		return "other"
	default:
		return "unknown"
	}
}

var staticExtensions = map[string]bool{
	".html": true,
	".css":  true,
	".js":   true,
	".json": true,
}

// Classifier maps request URLs to a Class. Classification is pure: it reads
// nothing but the URL and the manifests it was built with.
type Classifier struct {
	staticManifest map[string]bool
	dataManifest   map[string]bool
	dataDir        string
}

func NewClassifier(assets config.AssetsConfig) *Classifier {
	c := &Classifier{
		staticManifest: make(map[string]bool, len(assets.Static)),
		dataManifest:   make(map[string]bool, len(assets.Data)),
		dataDir:        assets.DataDir,
	}
	for _, p := range assets.Static {
		c.staticManifest[p] = true
	}
	for _, p := range assets.Data {
		c.dataManifest[p] = true
	}
	return c
}

// Classify returns the content role for a URL. The configured manifests are
// authoritative; extension heuristics only decide for paths listed in
// neither.
func (c *Classifier) Classify(u *url.URL) Class {
	p := u.Path
	if p == "" {
		p = "/"
	}

	if c.dataManifest[p] {
		return MapData
	}
	if c.staticManifest[p] {
		return StaticAsset
	}

	ext := strings.ToLower(path.Ext(p))
	if ext == ".geojson" {
		return MapData
	}
	if c.dataDir != "" && strings.HasPrefix(p, c.dataDir) {
		return MapData
	}
	if p == "/" || staticExtensions[ext] {
		return StaticAsset
	}
	return Other
}
