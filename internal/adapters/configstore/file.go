// Package configstore implementa ports.ConfigStore: la lista de mercados a
// operar, leída de un YAML local o de un hash de Redis.
package configstore

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/alejandrodnm/polymaker/internal/domain"
)

type marketsFile struct {
	Markets []domain.MarketConfig `yaml:"markets"`
}

// File lee los mercados de un YAML con una lista `markets:`. El archivo se
// relee en cada LoadMarkets, así que editarlo en caliente surte efecto en el
// siguiente refresco.
type File struct {
	path string
}

// NewFile crea un store sobre path.
func NewFile(path string) *File {
	return &File{path: path}
}

// LoadMarkets implementa ports.ConfigStore.
func (f *File) LoadMarkets(_ context.Context) ([]domain.MarketConfig, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("configstore.File: read %q: %w", f.path, err)
	}
	return parseMarketsYAML(data)
}

// Static devuelve siempre la misma lista. Se usa cuando los mercados vienen
// inline en el config principal.
type Static []domain.MarketConfig

// LoadMarkets implementa ports.ConfigStore.
func (s Static) LoadMarkets(_ context.Context) ([]domain.MarketConfig, error) {
	out := make([]domain.MarketConfig, len(s))
	copy(out, s)
	return out, nil
}

func parseMarketsYAML(data []byte) ([]domain.MarketConfig, error) {
	var mf marketsFile
	if err := yaml.Unmarshal(data, &mf); err != nil {
		return nil, fmt.Errorf("configstore.File: parse YAML: %w", err)
	}
	if len(mf.Markets) == 0 {
		return nil, fmt.Errorf("configstore.File: %w: no markets", domain.ErrInvalidConfig)
	}
	return mf.Markets, nil
}
