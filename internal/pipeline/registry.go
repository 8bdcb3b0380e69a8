package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/renameio/v2"
	"gopkg.in/yaml.v3"

	"github.com/megannissel/invest-routedem-tfa-range/pkg/core"
)

// TFAPlaceholder marks artifact ids and file names that exist once per
// threshold value.
const TFAPlaceholder = "[TFA]"

// Artifact ids. Ids containing [TFA] exist once per threshold value.
const (
	IDFilled            = "filled"
	IDFlowDirection     = "flow_direction"
	IDFlowAccumulation  = "flow_accumulation"
	IDSlope             = "slope"
	IDStream            = "stream_[TFA]"
	IDStreamOrder       = "strahler_stream_order_[TFA]"
	IDSubwatersheds     = "subwatersheds_[TFA]"
	IDDownslopeDistance = "downslope_distance_[TFA]"
	IDTaskgraphCache    = "taskgraph_cache"
	IDRegistry          = "registry"
)

var artifactFiles = map[string]string{
	IDFilled:            "filled.tif",
	IDFlowDirection:     "flow_direction.tif",
	IDFlowAccumulation:  "flow_accumulation.tif",
	IDSlope:             "slope.tif",
	IDStream:            "stream_tfa_[TFA].tif",
	IDStreamOrder:       "strahler_stream_order_tfa_[TFA].gpkg",
	IDSubwatersheds:     "subwatersheds_tfa_[TFA].gpkg",
	IDDownslopeDistance: "downslope_distance_tfa_[TFA].tif",
	IDRegistry:          "registry.yaml",
}

// Registry maps artifact ids to paths inside a workspace.
type Registry struct {
	dir    string
	suffix string
}

// NewRegistry creates a registry for workspace dir. A non-empty suffix is
// appended to every file stem, separated by an underscore.
func NewRegistry(dir, suffix string) Registry {
	if suffix != "" && !strings.HasPrefix(suffix, "_") {
		suffix = "_" + suffix
	}
	return Registry{dir: dir, suffix: suffix}
}

// Templated reports whether id exists once per TFA value.
func Templated(id string) bool {
	return strings.Contains(id, TFAPlaceholder)
}

// Path returns the file path of artifact id. tfa is ignored for shared
// artifacts.
func (r Registry) Path(id string, tfa int) string {
	if id == IDTaskgraphCache {
		return filepath.Join(r.dir, "taskgraph_cache")
	}
	name, ok := artifactFiles[id]
	if !ok {
		panic(fmt.Sprintf("unknown artifact id %q", id))
	}
	name = strings.ReplaceAll(name, TFAPlaceholder, strconv.Itoa(tfa))
	ext := filepath.Ext(name)
	return filepath.Join(r.dir, strings.TrimSuffix(name, ext)+r.suffix+ext)
}

// StatePath returns the default location of the state database.
func (r Registry) StatePath() string {
	return filepath.Join(r.Path(IDTaskgraphCache, 0), "state.db")
}

type registryFile struct {
	RunID     string         `yaml:"run_id,omitempty"`
	Status    string         `yaml:"status"`
	Artifacts map[string]any `yaml:"artifacts"`
}

// WriteIndex writes the paths of every available artifact to
// registry.yaml in the workspace and returns its path.
func (r Registry) WriteIndex(runID string, status core.RunStatus, artifacts []core.Artifact) (string, error) {
	doc := registryFile{
		RunID:     runID,
		Status:    string(status),
		Artifacts: map[string]any{IDTaskgraphCache: r.Path(IDTaskgraphCache, 0)},
	}
	for _, a := range artifacts {
		if !a.Status.OK() {
			continue
		}
		if !Templated(a.ID) {
			doc.Artifacts[a.ID] = a.Path
			continue
		}
		byTFA, _ := doc.Artifacts[a.ID].(map[int]string)
		if byTFA == nil {
			byTFA = make(map[int]string)
			doc.Artifacts[a.ID] = byTFA
		}
		byTFA[a.TFA] = a.Path
	}

	data, err := yaml.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("failed to encode registry: %w", err)
	}
	path := r.Path(IDRegistry, 0)
	if err := os.MkdirAll(r.dir, 0o750); err != nil {
		return "", err
	}
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write registry: %w", err)
	}
	return path, nil
}

// ReadIndex reads a registry.yaml written by WriteIndex and returns the
// artifact paths keyed by id, with per-TFA ids expanded to "id:tfa".
func ReadIndex(path string) (map[string]string, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is the workspace registry
	if err != nil {
		return nil, err
	}
	var doc struct {
		Artifacts map[string]yaml.Node `yaml:"artifacts"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse registry: %w", err)
	}
	out := make(map[string]string)
	for id, node := range doc.Artifacts {
		if node.Kind == yaml.ScalarNode {
			out[id] = node.Value
			continue
		}
		var byTFA map[int]string
		if err := node.Decode(&byTFA); err != nil {
			return nil, fmt.Errorf("artifact %s: %w", id, err)
		}
		for tfa, p := range byTFA {
			out[id+":"+strconv.Itoa(tfa)] = p
		}
	}
	return out, nil
}
