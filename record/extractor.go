package record

import (
	"github.com/buger/jsonparser"

	"github.com/wisepulse/silopipe"
)

// Extractor resolves the sort key and record ID on raw NDJSON lines
// without unmarshaling the whole document.
type Extractor struct {
	keyPath FieldPath
	idPath  FieldPath
}

// NewExtractor creates an Extractor for the given paths. idPath may be
// nil when deduplication is not needed (sorter and merger only resolve
// keys).
func NewExtractor(keyPath, idPath FieldPath) *Extractor {
	return &Extractor{keyPath: keyPath, idPath: idPath}
}

// KeyPath returns the sort-key path.
func (e *Extractor) KeyPath() FieldPath { return e.keyPath }

// Key resolves the integer sort key on line. A missing or non-integer
// key is a KindInput error: dropping such a record would silently
// violate cardinality preservation.
func (e *Extractor) Key(line []byte) (int64, error) {
	v, err := jsonparser.GetInt(line, e.keyPath...)
	if err != nil {
		return 0, silopipe.Errorf(silopipe.KindInput,
			"resolve sort key %s: %v", e.keyPath, err)
	}
	return v, nil
}

// ID resolves the string record identifier on line.
func (e *Extractor) ID(line []byte) (string, error) {
	if e.idPath == nil {
		return "", silopipe.Errorf(silopipe.KindInput, "no id field path configured")
	}
	v, err := jsonparser.GetString(line, e.idPath...)
	if err != nil {
		return "", silopipe.Errorf(silopipe.KindInput,
			"resolve record id %s: %v", e.idPath, err)
	}
	return v, nil
}
