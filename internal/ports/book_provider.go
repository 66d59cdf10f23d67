package ports

import (
	"context"

	"github.com/alejandrodnm/polymaker/internal/domain"
)

// BookFetcher obtiene libros completos por REST para el bootstrap del espejo.
type BookFetcher interface {
	FetchOrderBooks(ctx context.Context, assets []string) (map[string]domain.BookSnapshot, error)
}
