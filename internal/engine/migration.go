package engine

import (
	"context"
	"fmt"
)

// MigrateBatchSize is the page size Migrate reads from the source.
const MigrateBatchSize uint64 = 100

// Migrate copies every record from src into dst, preserving enumeration
// order. This works for:
// - file backend -> SQLite backend
// - embedded registry -> remote daemon (the "Upgrade")
// The destination must already be initialized with the migrating caller as
// owner. It returns the number of records copied.
func Migrate(ctx context.Context, src RecordSource, dst RecordSink) (int, error) {
	copied := 0
	for from := uint64(0); ; from += MigrateBatchSize {
		page, err := src.ListRecords(ctx, from, MigrateBatchSize)
		if err != nil {
			return copied, fmt.Errorf("list records from %d: %w", from, err)
		}
		for _, rec := range page {
			if err := dst.AddRecord(ctx, rec.AccountID, rec.SamsubID, rec.IsValid); err != nil {
				return copied, fmt.Errorf("copy record %s: %w", rec.SamsubID, err)
			}
			copied++
		}
		if uint64(len(page)) < MigrateBatchSize {
			return copied, nil
		}
	}
}
