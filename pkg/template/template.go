package template

import (
	"bytes"
	"fmt"
	"path/filepath"
	"text/template"

	"github.com/kite-ci/kite/pkg/config"
	"github.com/kite-ci/kite/pkg/types"
)

// Params is the parameter dictionary handed to the template engine.
// The engine only ever sees flat key/value data drawn from the node
// tree and the catalog; no engine-side logic depends on node types.
type Params map[string]any

// Renderer turns a job definition plus parameters into a runtime job
// description (shell script, pod manifest, LAVA YAML, ...).
type Renderer interface {
	Render(templateName string, params Params) ([]byte, error)
}

// FileRenderer renders Go templates from a directory. It is the
// bundled engine; deployments with an external rendering service
// implement Renderer against it instead.
type FileRenderer struct {
	dir string
}

// NewFileRenderer creates a renderer rooted at dir.
func NewFileRenderer(dir string) *FileRenderer {
	return &FileRenderer{dir: dir}
}

// Render implements Renderer.
func (r *FileRenderer) Render(templateName string, params Params) ([]byte, error) {
	path := filepath.Join(r.dir, templateName)
	tmpl, err := template.New(filepath.Base(path)).Option("missingkey=error").ParseFiles(path)
	if err != nil {
		return nil, fmt.Errorf("parsing template %s: %w", templateName, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, params); err != nil {
		return nil, fmt.Errorf("rendering %s: %w", templateName, err)
	}
	return buf.Bytes(), nil
}

// JobParams assembles the parameter dictionary for a job about to run
// on a node: revision attributes, the origin node's artifacts, job
// definition params, platform attributes and the callback coordinates
// the runtime needs. A freshly created node carries no artifacts of
// its own; templates consume the origin's (the source tarball for
// builds, kernel images for test jobs).
func JobParams(job config.Job, node, origin *types.Node, platform *config.Platform, runtimeName, apiURL string) Params {
	p := Params{
		"node_id": node.ID,
		"name":    node.Name,
		"kind":    string(node.Kind),
		"runtime": runtimeName,
		"api_url": apiURL,
		"tarball": origin.Artifacts["tarball"],
	}
	for k, v := range origin.Artifacts {
		p[k] = v
	}
	if job.Image != "" {
		p["image"] = job.Image
	}
	if rev := node.Data.KernelRevision; rev != nil {
		p["git_url"] = rev.URL
		p["git_commit"] = rev.Commit
		p["git_describe"] = rev.Describe
		p["tree"] = rev.Tree
		p["branch"] = rev.Branch
	}
	for k, v := range job.Params {
		p[k] = v
	}
	if platform != nil {
		p["platform_arch"] = platform.Arch
		p["boot_method"] = platform.BootMethod
		for k, v := range platform.Params {
			p[k] = v
		}
	}
	return p
}
