package store

import (
	"fmt"

	"github.com/pavelanni/lmsstate/internal/model"
)

// DecodeFunc turns a stored value into a state document. A nil state with a nil error
// marks a value that is not a state document; it is exported without one.
type DecodeFunc func(key, raw string) (*model.State, error)

// ExportBucket builds an export of every document in a namespace.
// Values that fail to decode are reported with their error instead of aborting the export.
func (s *Store) ExportBucket(namespace string, decode DecodeFunc) (model.StateExport, error) {
	entries, err := s.Bucket(namespace).List()
	if err != nil {
		return model.StateExport{}, fmt.Errorf("list %s: %w", namespace, err)
	}

	export := model.StateExport{Namespace: namespace, Entries: []model.ExportEntry{}}
	for _, e := range entries {
		out := model.ExportEntry{
			Key:       e.Key,
			UpdatedAt: e.UpdatedAt,
			Bytes:     len(e.Value),
		}
		st, err := decode(e.Key, e.Value)
		if err != nil {
			out.Error = err.Error()
		} else {
			out.State = st
		}
		export.Entries = append(export.Entries, out)
	}
	return export, nil
}
