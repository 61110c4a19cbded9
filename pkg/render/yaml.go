package render

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	utilyaml "k8s.io/apimachinery/pkg/util/yaml"
	"sigs.k8s.io/yaml"
)

var manifestExtensions = map[string]bool{".yaml": true, ".yml": true, ".json": true}

var kustomizationFiles = []string{"kustomization.yaml", "kustomization.yml", "Kustomization"}

// substitutionPattern matches ${NAME} and ${NAME:=default}
var substitutionPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::=([^}]*))?\}`)

// YAMLExpander reads plain multi-document YAML or JSON manifests.
type YAMLExpander struct {
}

func NewYAMLExpander() *YAMLExpander {
	return &YAMLExpander{}
}

func (e *YAMLExpander) Expand(ctx context.Context, dir, path string, substitutions map[string]string) ([]*unstructured.Unstructured, error) {
	root, err := resolvePath(dir, path)
	if err != nil {
		return nil, err
	}
	files, err := manifestFiles(root)
	if err != nil {
		return nil, err
	}
	var res []*unstructured.Unstructured
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		objs, err := DecodeManifests(Substitute(data, substitutions))
		if err != nil {
			rel, _ := filepath.Rel(dir, file)
			return nil, fmt.Errorf("%s: %w", rel, err)
		}
		res = append(res, objs...)
	}
	return res, nil
}

// resolvePath joins path to dir and refuses paths leaving dir.
func resolvePath(dir, path string) (string, error) {
	root := filepath.Join(dir, filepath.Clean("/"+path))
	if _, err := os.Stat(root); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("path %q not found", path)
		}
		return "", err
	}
	return root, nil
}

// manifestFiles lists manifest files under root in lexical order. root may be a single file.
func manifestFiles(root string) ([]string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{root}, nil
	}
	var files []string
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if isKustomization(d.Name()) || !manifestExtensions[strings.ToLower(filepath.Ext(p))] {
			return nil
		}
		files = append(files, p)
		return nil
	})
	return files, err
}

func isKustomization(name string) bool {
	for _, k := range kustomizationFiles {
		if name == k {
			return true
		}
	}
	return false
}

// Substitute replaces ${NAME} references with the given values. Unknown names without a
// default are left untouched.
func Substitute(data []byte, substitutions map[string]string) []byte {
	return substitutionPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		groups := substitutionPattern.FindSubmatch(match)
		if val, ok := substitutions[string(groups[1])]; ok {
			return []byte(val)
		}
		if bytes.Contains(match, []byte(":=")) {
			return groups[2]
		}
		return match
	})
}

// DecodeManifests splits a multi-document YAML or JSON stream into resources. Empty documents
// are skipped and List kinds are flattened.
func DecodeManifests(data []byte) ([]*unstructured.Unstructured, error) {
	reader := utilyaml.NewYAMLReader(bufio.NewReader(bytes.NewReader(data)))
	var res []*unstructured.Unstructured
	for {
		doc, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		jsonData, err := yaml.YAMLToJSON(doc)
		if err != nil {
			return nil, err
		}
		if trimmed := bytes.TrimSpace(jsonData); len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
			continue
		}
		un := &unstructured.Unstructured{}
		if err := un.UnmarshalJSON(jsonData); err != nil {
			return nil, err
		}
		if un.IsList() {
			err := un.EachListItem(func(obj runtime.Object) error {
				item, ok := obj.(*unstructured.Unstructured)
				if !ok {
					return fmt.Errorf("unexpected list item %T", obj)
				}
				res = append(res, item)
				return nil
			})
			if err != nil {
				return nil, err
			}
			continue
		}
		res = append(res, un)
	}
	return res, nil
}
