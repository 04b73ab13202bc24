package objects

import (
	"context"

	"github.com/gravitational/trace"

	"github.com/caskstorage/cask/lib/storage/api"
	"github.com/caskstorage/cask/lib/storage/blob"
	"github.com/caskstorage/cask/lib/storage/database"
)

// Delete removes a single object: row first (under a row lock), then the
// blob, both inside the transaction so a blob failure rolls the row back.
func (s *Service) Delete(ctx context.Context, bucketID, name, reqID string) (err error) {
	defer func() { observe("delete", err) }()

	var deleted *api.Object
	err = s.cfg.Database.WithTransaction(ctx, s.cfg.Tenant.Ref, func(tx Tx) error {
		current, err := tx.FindObject(ctx, bucketID, name, database.ColsAll, database.FindOptions{ForUpdate: true})
		if err != nil {
			return trace.Wrap(err)
		}
		deleted, err = tx.DeleteObject(ctx, bucketID, name, current.Version)
		if err != nil {
			return trace.Wrap(err)
		}
		return api.ConvertError(s.cfg.Blob.DeleteObject(ctx, s.key(bucketID, name), current.Version))
	})
	if err != nil {
		return api.ConvertError(err)
	}

	s.emit(s.event(api.ObjectRemoved, deleted, reqID))
	return nil
}

// DeleteMany removes the named objects in URL-sized batches: rows are
// deleted transactionally per batch, then the blob versions (and their
// .info sidecars) are bulk-deleted, then one Removed event per row goes
// out best-effort. Returns the deleted objects.
func (s *Service) DeleteMany(ctx context.Context, bucketID string, names []string, reqID string) (deleted []api.Object, err error) {
	defer func() { observe("delete_many", err) }()

	for _, batch := range batchByURLLength(names, s.cfg.URLLengthLimit) {
		var rows []api.Object
		err := s.cfg.Database.WithTransaction(ctx, s.cfg.Tenant.Ref, func(tx Tx) error {
			var err error
			rows, err = tx.DeleteObjects(ctx, bucketID, batch)
			return trace.Wrap(err)
		})
		if err != nil {
			return deleted, api.ConvertError(err)
		}
		if len(rows) == 0 {
			continue
		}

		keys := make([]string, 0, len(rows)*2)
		events := make([]api.Event, 0, len(rows))
		for i := range rows {
			key := s.key(bucketID, rows[i].Name)
			keys = append(keys,
				blob.VersionedKey(key, rows[i].Version),
				// Resumable uploads leave an .info sidecar next to the
				// object; deleting a missing sidecar is a no-op.
				blob.VersionedKey(key+".info", rows[i].Version),
			)
			events = append(events, s.event(api.ObjectRemoved, &rows[i], reqID))
		}
		if err := s.cfg.Blob.DeleteObjects(ctx, keys); err != nil {
			return deleted, api.ConvertError(err)
		}
		s.emit(events...)
		deleted = append(deleted, rows...)
	}
	return deleted, nil
}

// UpdateMetadata replaces the user metadata of an object in place and emits
// Object:UpdatedMetadata. The blob version does not change.
func (s *Service) UpdateMetadata(ctx context.Context, bucketID, name string, userMetadata map[string]string, reqID string) (obj *api.Object, err error) {
	defer func() { observe("update_metadata", err) }()

	err = s.cfg.Database.WithTransaction(ctx, s.cfg.Tenant.Ref, func(tx Tx) error {
		current, err := tx.FindObject(ctx, bucketID, name, database.ColsAll, database.FindOptions{ForUpdate: true})
		if err != nil {
			return trace.Wrap(err)
		}
		update := *current
		update.UserMetadata = userMetadata
		obj, err = tx.UpdateObject(ctx, bucketID, name, update)
		return trace.Wrap(err)
	})
	if err != nil {
		return nil, api.ConvertError(err)
	}

	s.emit(s.event(api.ObjectUpdatedMetadata, obj, reqID))
	return obj, nil
}

// batchByURLLength partitions names so each batch fits a delete URL:
// the sum of encodeURIComponent(name) lengths plus 9 bytes of separator
// overhead per name stays within limit. A single oversized name still gets
// its own batch.
func batchByURLLength(names []string, limit int) [][]string {
	var batches [][]string
	var current []string
	budget := 0
	for _, name := range names {
		cost := len(encodeURIComponent(name)) + 9
		if len(current) > 0 && budget+cost > limit {
			batches = append(batches, current)
			current = nil
			budget = 0
		}
		current = append(current, name)
		budget += cost
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches
}

const upperhex = "0123456789ABCDEF"

// encodeURIComponent mirrors the JavaScript function of the same name:
// unreserved characters are A-Z a-z 0-9 - _ . ! ~ * ' ( ), everything else
// is percent-encoded per UTF-8 byte. Batch accounting must match what the
// client sends on the wire.
func encodeURIComponent(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
			out = append(out, c)
		case c == '-' || c == '_' || c == '.' || c == '!' || c == '~' ||
			c == '*' || c == '\'' || c == '(' || c == ')':
			out = append(out, c)
		default:
			out = append(out, '%', upperhex[c>>4], upperhex[c&0xf])
		}
	}
	return string(out)
}
