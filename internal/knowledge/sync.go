package knowledge

import (
	"context"
	"log/slog"
	"path"
	"strings"

	"github.com/starford/ansuz/internal/ingest"
	"github.com/starford/ansuz/internal/storage"
)

var bookExtensions = map[string]struct{}{
	".md":  {},
	".txt": {},
	".tex": {},
}

// BookID derives the stable book identifier from a library path:
// the file stem, lowercased, with spaces collapsed to hyphens.
func BookID(p string) string {
	stem := strings.TrimSuffix(path.Base(p), path.Ext(p))
	stem = strings.ToLower(stem)
	return strings.Join(strings.Fields(stem), "-")
}

// Sync walks the library and brings the index up to date:
//   - new or changed books are parsed, summarized, and upserted
//   - books removed from disk are deleted from the index
//
// Unchanged books (same checksum) are skipped, so repeated syncs make
// no provider calls.
func Sync(ctx context.Context, builder *Builder, index TreeIndex, store storage.Provider, logger *slog.Logger) error {
	metas, err := store.List("", "")
	if err != nil {
		return err
	}

	books, err := index.ListBooks()
	if err != nil {
		return err
	}
	indexed := make(map[string]string, len(books)) // book id -> checksum
	for _, b := range books {
		indexed[b.ID] = b.Checksum
	}

	disk := make(map[string]struct{}, len(metas))
	for _, m := range metas {
		if _, ok := bookExtensions[strings.ToLower(path.Ext(m.Path))]; !ok {
			continue
		}
		id := BookID(m.Path)
		disk[id] = struct{}{}

		if indexed[id] == m.Checksum {
			continue
		}

		data, err := store.Read(m.Path)
		if err != nil {
			logger.Warn("sync: read failed", slog.String("path", m.Path), slog.String("error", err.Error()))
			continue
		}
		title := strings.TrimSuffix(path.Base(m.Path), path.Ext(m.Path))
		book, err := ingest.Parse(id, title, data)
		if err != nil {
			logger.Warn("sync: parse failed", slog.String("path", m.Path), slog.String("error", err.Error()))
			continue
		}
		if _, wasIndexed := indexed[id]; wasIndexed {
			builder.PurgeSummaries(id)
		}
		if err := builder.BuildBook(ctx, book, m.Path); err != nil {
			logger.Warn("sync: build failed", slog.String("book", id), slog.String("error", err.Error()))
			continue
		}
		logger.Debug("sync: indexed", slog.String("book", id))
	}

	// Remove stale entries.
	for id := range indexed {
		if _, ok := disk[id]; !ok {
			builder.PurgeSummaries(id)
			if err := index.DeleteBook(id); err != nil {
				logger.Warn("sync: delete failed", slog.String("book", id), slog.String("error", err.Error()))
			} else {
				logger.Debug("sync: removed stale", slog.String("book", id))
			}
		}
	}

	return nil
}
