package polymarket

// clob.go — lectura pública del CLOB: libros completos para el bootstrap del
// espejo y para los assets que entran tras un refresco de configuración.
//
// Un goroutine por batch; el rate limiter de /books marca el ritmo, así que no
// hace falta semáforo explícito.

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/alejandrodnm/polymaker/internal/domain"
)

const (
	booksPath = "/books"
	batchSize = 20 // máx token_ids por request a /books
)

// FetchOrderBooks implementa ports.BookFetcher. Devuelve los libros obtenidos
// aunque algún batch falle; el error informa del primer batch fallido.
func (c *Client) FetchOrderBooks(ctx context.Context, assets []string) (map[string]domain.BookSnapshot, error) {
	result := make(map[string]domain.BookSnapshot, len(assets))
	if len(assets) == 0 {
		return result, nil
	}

	var (
		mu       sync.Mutex
		firstErr error
	)
	var g errgroup.Group
	for i, batch := range splitBatches(assets, batchSize) {
		g.Go(func() error {
			books, err := c.fetchBooksBatch(ctx, batch)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("clob.FetchOrderBooks batch %d: %w", i, err)
				}
				return nil
			}
			for k, v := range books {
				result[k] = v
			}
			return nil
		})
	}
	_ = g.Wait()

	slog.Debug("polymarket: order books fetched", "assets", len(assets), "books", len(result))
	return result, firstErr
}

// splitBatches divide ids en slices de tamaño máximo size.
func splitBatches(ids []string, size int) [][]string {
	if size <= 0 {
		size = batchSize
	}
	batches := make([][]string, 0, (len(ids)+size-1)/size)
	for i := 0; i < len(ids); i += size {
		end := min(i+size, len(ids))
		batches = append(batches, ids[i:end])
	}
	return batches
}

// fetchBooksBatch hace un POST /books para un batch de token_ids.
func (c *Client) fetchBooksBatch(ctx context.Context, ids []string) (map[string]domain.BookSnapshot, error) {
	body := make([]orderBookRequest, len(ids))
	for i, id := range ids {
		body[i] = orderBookRequest{TokenID: id}
	}

	var resp []orderBookResponse
	if err := c.post(ctx, c.booksLimiter, c.clobBase+booksPath, body, &resp); err != nil {
		return nil, fmt.Errorf("POST /books: %w", err)
	}
	return mapOrderBooks(resp), nil
}
