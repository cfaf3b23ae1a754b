// Package batch runs every subfolder of an input directory through a ComfyUI
// workflow, one at a time, and collects the returned images.
package batch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/richinsley/comfybatch/config"
	"github.com/richinsley/comfybatch/graphapi"
)

// Remote is the image generation server the driver talks to.
type Remote interface {
	// UploadImage stores r under name and returns the name to reference it by.
	UploadImage(ctx context.Context, r io.Reader, name string) (string, error)
	// QueueAndWaitImages runs wf and returns the files produced by the node
	// titled outputTitle, keyed by file name.
	QueueAndWaitImages(ctx context.Context, wf *graphapi.Workflow, outputTitle string) (map[string][]byte, error)
}

// Driver processes the subfolders of the configured input directory.
type Driver struct {
	cfg    *config.Config
	remote Remote
	log    *slog.Logger
}

// NewDriver returns a Driver. A nil logger discards all output.
func NewDriver(cfg *config.Config, remote Remote, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Driver{cfg: cfg, remote: remote, log: logger}
}

// Run processes every subfolder in name order. A failed upload or execution
// only fails its own item. Errors that mean the run cannot go on (unreadable
// template or input, unwritable output) end the run and are returned along
// with the summary so far. Cancelling ctx stops the run between items.
func (d *Driver) Run(ctx context.Context) (*Summary, error) {
	template, err := d.loadTemplate()
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(d.cfg.Paths.Output, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	subfolders, err := Discover(d.cfg.Paths.Input)
	if err != nil {
		return nil, fmt.Errorf("list input dir: %w", err)
	}

	summary := &Summary{
		Total:     len(subfolders),
		OutputDir: d.cfg.Paths.Output,
	}
	d.log.Info("Found subfolders to process", "count", summary.Total, "input", d.cfg.Paths.Input)

	for i, sub := range subfolders {
		if ctx.Err() != nil {
			break
		}

		result, err := d.processItem(ctx, i+1, summary.Total, sub, template)
		if err != nil {
			return summary, err
		}
		summary.add(result)
	}

	// a cancel that lands during the last item still counts
	if ctx.Err() != nil {
		summary.Interrupted = true
		d.log.Warn("Interrupted", "remaining", summary.Total-summary.Processed())
	}

	d.logSummary(summary)
	return summary, nil
}

// loadTemplate reads the workflow once and checks that it has the nodes the
// run patches and reads. Each item parses the returned bytes again, so edits
// to one item's workflow never reach the next.
func (d *Driver) loadTemplate() ([]byte, error) {
	path := d.cfg.Paths.Workflow
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow: %w", err)
	}

	// ComfyUI output images carry the prompt that produced them
	if strings.EqualFold(filepath.Ext(path), ".png") {
		data, err = graphapi.PromptFromPNGReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("read workflow %s: %w", path, err)
		}
	}

	wf, err := graphapi.NewWorkflowFromJsonBytes(data)
	if err != nil {
		return nil, fmt.Errorf("workflow %s: %w", path, err)
	}
	for _, title := range []string{d.cfg.Nodes.LoadImageTitle, d.cfg.Nodes.SaveImageTitle} {
		if _, ok := wf.GetFirstNodeIDWithTitle(title); !ok {
			return nil, fmt.Errorf("workflow %s: %w: %q", path, graphapi.ErrNodeNotFound, title)
		}
	}
	return data, nil
}

// processItem runs one subfolder end to end. The returned error is reserved
// for local failures that end the whole run.
func (d *Driver) processItem(ctx context.Context, index, total int, sub Subfolder, template []byte) (ItemResult, error) {
	result := ItemResult{Index: index, Name: sub.Name}
	progress := fmt.Sprintf("[%d/%d]", index, total)

	image, err := SelectImage(sub.Path, d.cfg.Images.Extensions)
	if err != nil {
		return result, fmt.Errorf("scan %s: %w", sub.Path, err)
	}
	if image == "" {
		d.log.Info(progress+" SKIP: no image found", "subfolder", sub.Name)
		result.Status = ItemSkipped
		return result, nil
	}
	result.Image = image
	result.RemoteName = RemoteName(sub.Name, image)
	d.log.Info(progress+" Processing", "subfolder", sub.Name, "image", image)

	data, err := os.ReadFile(filepath.Join(sub.Path, image))
	if err != nil {
		return result, fmt.Errorf("read image: %w", err)
	}

	uploaded, err := d.remote.UploadImage(ctx, bytes.NewReader(data), result.RemoteName)
	if err != nil {
		return d.failed(result, fmt.Errorf("upload %s: %w", result.RemoteName, err)), nil
	}
	if uploaded == "" {
		uploaded = result.RemoteName
	}

	wf, err := graphapi.NewWorkflowFromJsonBytes(template)
	if err != nil {
		return result, fmt.Errorf("load workflow: %w", err)
	}
	if err := wf.SetNodeParam(d.cfg.Nodes.LoadImageTitle, d.cfg.Nodes.ImageParam, uploaded); err != nil {
		return result, err
	}

	outputs, err := d.submit(ctx, wf)
	if err != nil {
		return d.failed(result, err), nil
	}

	names := make([]string, 0, len(outputs))
	for name := range outputs {
		if !isPlainFileName(name) {
			return d.failed(result, fmt.Errorf("server returned unusable file name %q", name)), nil
		}
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		outName := OutputName(sub.Name, name)
		if err := os.WriteFile(filepath.Join(d.cfg.Paths.Output, outName), outputs[name], 0o644); err != nil {
			return result, fmt.Errorf("write output: %w", err)
		}
		result.Outputs = append(result.Outputs, outName)
		d.log.Info("Saved", "subfolder", sub.Name, "file", outName, "bytes", len(outputs[name]))
	}

	result.Status = ItemSucceeded
	return result, nil
}

// submit runs the workflow, bounded by the configured per-item timeout
func (d *Driver) submit(ctx context.Context, wf *graphapi.Workflow) (map[string][]byte, error) {
	if timeout := d.cfg.Timeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	outputs, err := d.remote.QueueAndWaitImages(ctx, wf, d.cfg.Nodes.SaveImageTitle)
	if d.cfg.Timeout() > 0 && errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("no result within %s: %w", d.cfg.Timeout(), err)
	}
	return outputs, err
}

// isPlainFileName reports whether name stays inside the directory it is joined to
func isPlainFileName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return filepath.Base(name) == name && !strings.ContainsAny(name, `/\`)
}

func (d *Driver) failed(result ItemResult, err error) ItemResult {
	d.log.Error("ERROR", "subfolder", result.Name, "error", err)
	result.Status = ItemFailed
	result.Err = err
	return result
}

func (d *Driver) logSummary(s *Summary) {
	d.log.Info("Done! All outputs saved to: "+s.OutputDir,
		"total", s.Total,
		"succeeded", s.Succeeded,
		"skipped", s.Skipped,
		"failed", s.Failed,
	)
	for _, r := range s.Items {
		if r.Status == ItemFailed {
			d.log.Warn("Failed item", "subfolder", r.Name, "error", r.Err)
		}
	}
}
