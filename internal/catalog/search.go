package catalog

import (
	"github.com/sahilm/fuzzy"
)

// searchSource implements fuzzy.Source over a record slice.
type searchSource []Record

func (s searchSource) String(i int) string {
	return s[i].Title + " " + s[i].CWD
}

func (s searchSource) Len() int {
	return len(s)
}

// Search fuzzy-matches query against session titles and working
// directories and returns up to limit records, best match first.
// An empty query returns nothing.
func (s *Store) Search(query string, limit int) ([]Record, error) {
	if query == "" || limit <= 0 {
		return nil, nil
	}

	files, err := s.sessionFiles()
	if err != nil {
		return nil, err
	}

	var all []Record
	for _, f := range files {
		rec, ok := s.meta(f.path, f.modTime, f.size)
		if !ok {
			continue
		}
		all = append(all, rec)
	}

	matches := fuzzy.FindFrom(query, searchSource(all))
	results := make([]Record, 0, limit)
	for _, m := range matches {
		results = append(results, all[m.Index])
		if len(results) >= limit {
			break
		}
	}
	return results, nil
}
