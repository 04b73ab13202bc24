package objects

import (
	"context"
	"strings"

	"github.com/gravitational/trace"

	"github.com/caskstorage/cask/lib/defaults"
	"github.com/caskstorage/cask/lib/storage/api"
	"github.com/caskstorage/cask/lib/storage/database"
)

// ListRequest are the ListObjectsV2 parameters.
type ListRequest struct {
	BucketID          string
	Prefix            string
	Delimiter         string
	MaxKeys           int
	ContinuationToken string
	StartAfter        string
}

// ListResult is a page of a bucket listing. Virtual folders produced by the
// delimiter appear in CommonPrefixes; KeyCount counts folders plus files.
type ListResult struct {
	Objects               []api.Object
	CommonPrefixes        []string
	KeyCount              int
	IsTruncated           bool
	NextContinuationToken string
}

// ListObjectsV2 pages through the bucket, collapsing names on the delimiter
// into common prefixes. The continuation token is an opaque cursor over the
// last raw name seen.
func (s *Service) ListObjectsV2(ctx context.Context, req ListRequest) (*ListResult, error) {
	maxKeys := req.MaxKeys
	if maxKeys <= 0 || maxKeys > defaults.MaxListKeys {
		maxKeys = defaults.MaxListKeys
	}

	startAfter := req.StartAfter
	resumeFolder := ""
	if req.ContinuationToken != "" {
		cursor, err := database.DecodeContinuationToken(req.ContinuationToken)
		if err != nil {
			return nil, api.ConvertError(err)
		}
		if cursor.StartAfter > startAfter {
			startAfter = cursor.StartAfter
		}
		// A cursor pointing inside a collapsed folder must not re-emit that
		// folder on the next page.
		resumeFolder = collapseName(cursor.StartAfter, req.Prefix, req.Delimiter)
	}

	result := &ListResult{}
	lastFolder := ""
	lastRaw := startAfter
	for range defaults.MaxIterationLimit {
		var page []api.Object
		err := s.cfg.Database.WithTransaction(ctx, s.cfg.Tenant.Ref, func(tx Tx) error {
			var err error
			page, err = tx.ListObjects(ctx, req.BucketID, database.ListOptions{
				Prefix:     req.Prefix,
				StartAfter: lastRaw,
				Limit:      maxKeys + 1,
			}, database.ColsAll)
			return trace.Wrap(err)
		})
		if err != nil {
			return nil, api.ConvertError(err)
		}

		for i := range page {
			obj := page[i]
			folder := collapseName(obj.Name, req.Prefix, req.Delimiter)
			if folder != "" && (folder == lastFolder || folder == resumeFolder) {
				lastRaw = obj.Name
				continue
			}

			if result.KeyCount == maxKeys {
				// The cursor points at the last processed raw name so the
				// next page resumes right behind it.
				result.IsTruncated = true
				result.NextContinuationToken = database.EncodeContinuationToken(database.Cursor{StartAfter: lastRaw})
				return result, nil
			}
			lastRaw = obj.Name

			if folder != "" {
				lastFolder = folder
				result.CommonPrefixes = append(result.CommonPrefixes, folder)
			} else {
				result.Objects = append(result.Objects, obj)
			}
			result.KeyCount++
		}

		if len(page) <= maxKeys {
			// Short page: the bucket is exhausted.
			return result, nil
		}
	}
	return nil, trace.LimitExceeded("listing did not converge after %d pages", defaults.MaxIterationLimit)
}

// collapseName returns the virtual folder a name falls under, or "" when
// the name is a plain file at this level.
func collapseName(name, prefix, delimiter string) string {
	if delimiter == "" || name == "" {
		return ""
	}
	rest := strings.TrimPrefix(name, prefix)
	idx := strings.Index(rest, delimiter)
	if idx < 0 {
		return ""
	}
	return prefix + rest[:idx+len(delimiter)]
}
