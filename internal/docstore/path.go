package docstore

import (
	"fmt"
	"strings"
)

// Path joins segments into a document or collection path.
func Path(segments ...string) string {
	return strings.Join(segments, "/")
}

// splitPath validates p and returns its segments. Documents have an even
// number of segments, collections an odd number.
func splitPath(p string, wantDoc bool) ([]string, error) {
	segs := strings.Split(p, "/")
	for _, s := range segs {
		if s == "" {
			return nil, fmt.Errorf("%w: empty segment in %q", ErrInvalidPath, p)
		}
	}
	isDoc := len(segs)%2 == 0
	if isDoc != wantDoc {
		kind := "collection"
		if wantDoc {
			kind = "document"
		}
		return nil, fmt.Errorf("%w: %q is not a %s path", ErrInvalidPath, p, kind)
	}
	return segs, nil
}

// parentOf returns the collection path and id of a document path.
func parentOf(docPath string) (collection, id string) {
	i := strings.LastIndexByte(docPath, '/')
	if i < 0 {
		return "", docPath
	}
	return docPath[:i], docPath[i+1:]
}
