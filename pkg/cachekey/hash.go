package cachekey

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/zeebo/xxh3"
	"golang.org/x/sync/errgroup"
)

// HashBytes returns the content hash of data.
func HashBytes(data []byte) string {
	sum := xxh3.Hash128(data).Bytes()
	return hex.EncodeToString(sum[:])
}

// HashReader returns the content hash of everything read from r.
func HashReader(r io.Reader) (string, error) {
	h := xxh3.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("failed to hash: %w", err)
	}
	sum := h.Sum128().Bytes()
	return hex.EncodeToString(sum[:]), nil
}

// HashFile returns the content hash of the file at path.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open input: %w", err)
	}
	defer f.Close()

	sum, err := HashReader(f)
	if err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return sum, nil
}

// HashFiles hashes paths concurrently, at most concurrency at a time.
// The result is index-aligned with paths. The first failure cancels the
// remaining work.
func HashFiles(ctx context.Context, paths []string, concurrency int) ([]string, error) {
	if concurrency <= 0 {
		concurrency = 1
	}
	sums := make([]string, len(paths))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, path := range paths {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			sum, err := HashFile(path)
			if err != nil {
				return err
			}
			sums[i] = sum
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return sums, nil
}
