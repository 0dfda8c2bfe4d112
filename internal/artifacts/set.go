package artifacts

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/specialistvlad/promptgrid/internal/remote"
)

// Artifact is one downloaded output file.
type Artifact struct {
	Node string
	// Kind is the output key the file was listed under, e.g. "images".
	Kind string
	Ref  remote.FileRef
	Data []byte
}

// Set holds the outputs of one job, grouped by producing node.
type Set struct {
	PromptID string
	Outputs  map[string][]Artifact
	// Texts holds text outputs by node.
	Texts map[string][]string
	// Order lists the nodes of Outputs in server order.
	Order []string
}

func (s *Set) add(node string, a Artifact) {
	if _, ok := s.Outputs[node]; !ok {
		s.Order = append(s.Order, node)
	}
	s.Outputs[node] = append(s.Outputs[node], a)
}

// Len returns the number of files in the set.
func (s *Set) Len() int {
	n := 0
	for _, list := range s.Outputs {
		n += len(list)
	}
	return n
}

// All returns every artifact in node order.
func (s *Set) All() []Artifact {
	out := make([]Artifact, 0, s.Len())
	for _, node := range s.Order {
		out = append(out, s.Outputs[node]...)
	}
	return out
}

// safeName reduces a server-supplied name to a single path element.
func safeName(name string) string {
	base := filepath.Base(filepath.Clean("/" + strings.ReplaceAll(name, "\\", "/")))
	if base == "/" || base == "." {
		return "_"
	}
	return base
}

// Save writes every artifact into dir as <node>_<index>_<filename> and
// returns the written paths. dir is created if needed.
func (s *Set) Save(dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	var paths []string
	for _, node := range s.Order {
		for i, a := range s.Outputs[node] {
			name := fmt.Sprintf("%s_%d_%s", safeName(node), i, safeName(a.Ref.Filename))
			path := filepath.Join(dir, name)
			if err := os.WriteFile(path, a.Data, 0o644); err != nil {
				return paths, fmt.Errorf("failed to write %s: %w", path, err)
			}
			paths = append(paths, path)
		}
	}
	return paths, nil
}
