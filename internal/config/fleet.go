package config

import (
	"fmt"
	"net/url"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Fleet declares the workers to register at startup and the content catalog
// surfaced to users (models, VAEs, loras, embeddings).
type Fleet struct {
	Workers []WorkerDecl `toml:"workers"`
	Catalog Catalog      `toml:"catalog"`
}

// WorkerDecl declares one generation worker endpoint. ID is optional; the
// registry assigns a UUID when it is empty. Backend, VRAMMB, and Models are
// informational capability fields surfaced on the workers endpoint.
type WorkerDecl struct {
	ID      string   `toml:"id"`
	Name    string   `toml:"name"`
	URL     string   `toml:"url"`
	Backend string   `toml:"backend"`
	VRAMMB  int      `toml:"vram_mb"`
	Models  []string `toml:"models"`
}

// Catalog lists the installed content a worker fleet can serve.
type Catalog struct {
	Models     []string    `toml:"models"`
	VAEs       []string    `toml:"vaes"`
	Loras      []Extension `toml:"loras"`
	Embeddings []Extension `toml:"embeddings"`
}

// Extension is an installed lora or embedding with the trigger text that
// activates it inside a prompt.
type Extension struct {
	Name    string `toml:"name"`
	Trigger string `toml:"trigger"`
}

// LoadFleet reads and validates a TOML fleet file.
func LoadFleet(path string) (Fleet, error) {
	var fleet Fleet
	b, err := os.ReadFile(path)
	if err != nil {
		return fleet, err
	}
	if err := toml.Unmarshal(b, &fleet); err != nil {
		return fleet, fmt.Errorf("parse fleet file: %w", err)
	}
	for i, w := range fleet.Workers {
		if w.Name == "" {
			return fleet, fmt.Errorf("fleet worker %d: missing name", i)
		}
		u, err := url.Parse(w.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fleet, fmt.Errorf("fleet worker %q: invalid url %q", w.Name, w.URL)
		}
	}
	return fleet, nil
}
