package peers

import (
	"bytes"
	"encoding/json"
	"io/ioutil"
	"path/filepath"
	"sync"
)

const jsonEdgeSetPath = "edges.json"

// JSONEdgeSet is used to provide edge persistence on disk in the form of a
// JSON file.
type JSONEdgeSet struct {
	l    sync.Mutex
	path string
}

// NewJSONEdgeSet creates a new JSONEdgeSet with reference to a base directory
// where the JSON file resides.
func NewJSONEdgeSet(base string) *JSONEdgeSet {
	return &JSONEdgeSet{
		path: filepath.Join(base, jsonEdgeSetPath),
	}
}

// Edges parses the underlying JSON file and returns the corresponding edges.
func (j *JSONEdgeSet) Edges() ([]*Edge, error) {
	j.l.Lock()
	defer j.l.Unlock()

	buf, err := ioutil.ReadFile(j.path)
	if err != nil {
		return nil, err
	}

	// Check for no edges
	if len(buf) == 0 {
		return nil, nil
	}

	var edges []*Edge
	dec := json.NewDecoder(bytes.NewReader(buf))
	if err := dec.Decode(&edges); err != nil {
		return nil, err
	}

	// Hand-edited files bypass NewEdge, so re-apply the construction rules.
	for _, edge := range edges {
		edge.normalize()
	}

	return edges, nil
}

// Write persists edges to the JSON file.
func (j *JSONEdgeSet) Write(edges []*Edge) error {
	j.l.Lock()
	defer j.l.Unlock()

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "\t")
	if err := enc.Encode(edges); err != nil {
		return err
	}

	return ioutil.WriteFile(j.path, buf.Bytes(), 0755)
}
