// Package loader reads workflow definitions and agent manifests from YAML or
// JSON files.
package loader

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/dukex/agentflow/pkg/models"
	"github.com/dukex/agentflow/pkg/security"
	"gopkg.in/yaml.v3"
)

// Agent kinds understood by the runtime.
const (
	AgentKindLog   = "log"
	AgentKindHTTP  = "http"
	AgentKindRedis = "redis"
)

var (
	ErrEmptyDocument = errors.New("document is empty")
	ErrUnknownKind   = errors.New("unknown agent kind")
)

var workflowExtensions = []string{".yaml", ".yml", ".json"}

// AgentSpec declares one agent of the manifest.
type AgentSpec struct {
	ID           string              `json:"id"`
	Kind         string              `json:"kind"`
	Type         string              `json:"type,omitempty"`
	Tags         []string            `json:"tags,omitempty"`
	Capabilities []string            `json:"capabilities,omitempty"`
	Permissions  *models.Permissions `json:"permissions,omitempty"`
	Prefix       string              `json:"prefix,omitempty"`
}

// Manifest is the content of an agents file.
type Manifest struct {
	Agents   []AgentSpec       `json:"agents"`
	Policies []security.Policy `json:"policies,omitempty"`
}

// LoadWorkflows reads every workflow file under path. path may be a single
// file or a directory; directories are walked recursively and files are
// returned in lexical order. A file holds one definition or a list.
func LoadWorkflows(path string) ([]*models.WorkflowDefinition, error) {
	files, err := workflowFiles(path)
	if err != nil {
		return nil, err
	}

	var out []*models.WorkflowDefinition

	for _, file := range files {
		defs, err := LoadWorkflowFile(file)
		if err != nil {
			return nil, err
		}

		out = append(out, defs...)
	}

	return out, nil
}

// LoadWorkflowFile reads the definitions of a single file.
func LoadWorkflowFile(path string) ([]*models.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow file %s: %w", path, err)
	}

	defs, err := ParseWorkflows(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse workflow file %s: %w", path, err)
	}

	return defs, nil
}

// ParseWorkflows decodes one definition or a list of definitions.
func ParseWorkflows(data []byte) ([]*models.WorkflowDefinition, error) {
	doc, err := parseDocument(data)
	if err != nil {
		return nil, err
	}

	if _, ok := doc.([]any); ok {
		var defs []*models.WorkflowDefinition
		if err := convert(doc, &defs); err != nil {
			return nil, err
		}

		return defs, nil
	}

	var def models.WorkflowDefinition
	if err := convert(doc, &def); err != nil {
		return nil, err
	}

	return []*models.WorkflowDefinition{&def}, nil
}

// LoadManifest reads an agents file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read agents file %s: %w", path, err)
	}

	manifest, err := ParseManifest(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse agents file %s: %w", path, err)
	}

	return manifest, nil
}

// ParseManifest decodes and checks an agents manifest.
func ParseManifest(data []byte) (*Manifest, error) {
	doc, err := parseDocument(data)
	if err != nil {
		return nil, err
	}

	enablePolicies(doc)

	var manifest Manifest
	if err := convert(doc, &manifest); err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(manifest.Agents))

	for i, spec := range manifest.Agents {
		if spec.ID == "" {
			return nil, fmt.Errorf("agents[%d]: id is required", i)
		}

		if seen[spec.ID] {
			return nil, fmt.Errorf("agents[%d]: duplicate id %s", i, spec.ID)
		}

		seen[spec.ID] = true

		switch spec.Kind {
		case AgentKindLog, AgentKindHTTP, AgentKindRedis:
		default:
			return nil, fmt.Errorf("agents[%d]: %w %q", i, ErrUnknownKind, spec.Kind)
		}

		if spec.Kind == AgentKindRedis && spec.Permissions == nil {
			return nil, fmt.Errorf("agents[%d]: redis agents need explicit permissions", i)
		}
	}

	return &manifest, nil
}

// enablePolicies marks manifest policies without an enabled key as enabled.
func enablePolicies(doc any) {
	root, ok := doc.(map[string]any)
	if !ok {
		return
	}

	policies, _ := root["policies"].([]any)

	for _, item := range policies {
		if policy, ok := item.(map[string]any); ok {
			if _, set := policy["enabled"]; !set {
				policy["enabled"] = true
			}
		}
	}
}

func workflowFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	if !info.IsDir() {
		return []string{path}, nil
	}

	var files []string

	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() {
			return nil
		}

		if slices.Contains(workflowExtensions, strings.ToLower(filepath.Ext(p))) {
			files = append(files, p)
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", path, err)
	}

	slices.Sort(files)

	return files, nil
}

func parseDocument(data []byte) (any, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}

	if doc == nil {
		return nil, ErrEmptyDocument
	}

	return doc, nil
}

// convert re-encodes a YAML document as JSON so that models decode through
// their JSON tags and unmarshalers (durations accept "5s" or milliseconds).
func convert(doc any, out any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("document is not JSON compatible: %w", err)
	}

	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("invalid document: %w", err)
	}

	return nil
}
