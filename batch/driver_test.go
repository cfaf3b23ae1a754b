package batch

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/richinsley/comfybatch/config"
	"github.com/richinsley/comfybatch/graphapi"
)

const templateJSON = `{
  "10": {"inputs": {"image": "example.png"}, "class_type": "LoadImage", "_meta": {"title": "Load Image"}},
  "9":  {"inputs": {"filename_prefix": "ComfyUI", "images": ["10", 0]}, "class_type": "SaveImage", "_meta": {"title": "Save Image"}}
}`

type uploadCall struct {
	Name string
	Data string
}

// fakeRemote records uploads and the image input of every submitted workflow
type fakeRemote struct {
	uploads   []uploadCall
	submitted []string
	outputs   map[string][]byte
	// failFor makes the submit call fail for workflows pointing at that upload
	failFor   map[string]error
	uploadErr map[string]error
	// block makes the submit call wait for ctx
	block bool
	// onSubmit runs at the start of every submit call
	onSubmit func()
	// leaks counts workflows that arrived carrying an earlier item's edits
	leaks int
}

func (f *fakeRemote) UploadImage(ctx context.Context, r io.Reader, name string) (string, error) {
	if err := f.uploadErr[name]; err != nil {
		return "", err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	f.uploads = append(f.uploads, uploadCall{Name: name, Data: string(data)})
	return name, nil
}

func (f *fakeRemote) QueueAndWaitImages(ctx context.Context, wf *graphapi.Workflow, outputTitle string) (map[string][]byte, error) {
	if outputTitle != "Save Image" {
		return nil, errors.New("unexpected output title " + outputTitle)
	}
	v, err := wf.GetNodeParam("Load Image", "image")
	if err != nil {
		return nil, err
	}
	image := v.(string)
	f.submitted = append(f.submitted, image)
	if f.onSubmit != nil {
		f.onSubmit()
	}
	if prefix, _ := wf.GetNodeParam("Save Image", "filename_prefix"); prefix != "ComfyUI" {
		f.leaks++
	}

	// scribble on the workflow; the next item must not see this
	wf.SetNodeParam("Load Image", "image", "leaked.png")
	wf.SetNodeParam("Save Image", "filename_prefix", "leaked")

	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err := f.failFor[image]; err != nil {
		return nil, err
	}
	return f.outputs, nil
}

type testEnv struct {
	cfg    *config.Config
	input  string
	output string
	logs   *bytes.Buffer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	base := t.TempDir()
	workflow := filepath.Join(base, "workflow_api.json")
	if err := os.WriteFile(workflow, []byte(templateJSON), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.Paths.Workflow = workflow
	cfg.Paths.Input = mkdir(t, base, "input")
	cfg.Paths.Output = filepath.Join(base, "out", "nested")
	return &testEnv{
		cfg:    &cfg,
		input:  cfg.Paths.Input,
		output: cfg.Paths.Output,
		logs:   &bytes.Buffer{},
	}
}

func (e *testEnv) run(t *testing.T, ctx context.Context, remote Remote) (*Summary, error) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(e.logs, nil))
	return NewDriver(e.cfg, remote, logger).Run(ctx)
}

func outputFiles(t *testing.T, dir string) map[string]string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	files := make(map[string]string)
	for _, e := range entries {
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			t.Fatal(err)
		}
		files[e.Name()] = string(data)
	}
	return files
}

func TestRun_ProcessesAndSkips(t *testing.T) {
	env := newTestEnv(t)
	a := mkdir(t, env.input, "a")
	writeFile(t, a, "cat.png", "CAT")
	writeFile(t, a, "dog.jpg", "DOG")
	mkdir(t, env.input, "b")

	remote := &fakeRemote{outputs: map[string][]byte{"result.png": []byte("DATA")}}
	summary, err := env.run(t, context.Background(), remote)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !reflect.DeepEqual(remote.uploads, []uploadCall{{Name: "a_cat.png", Data: "CAT"}}) {
		t.Errorf("unexpected uploads %v", remote.uploads)
	}
	if !reflect.DeepEqual(remote.submitted, []string{"a_cat.png"}) {
		t.Errorf("unexpected submissions %v", remote.submitted)
	}

	files := outputFiles(t, env.output)
	if !reflect.DeepEqual(files, map[string]string{"a_result.png": "DATA"}) {
		t.Errorf("unexpected output files %v", files)
	}

	if summary.Total != 2 || summary.Succeeded != 1 || summary.Skipped != 1 || summary.Failed != 0 {
		t.Errorf("unexpected summary %+v", summary)
	}
	if summary.Items[0].Status != ItemSucceeded || summary.Items[1].Status != ItemSkipped {
		t.Errorf("unexpected item statuses %+v", summary.Items)
	}
	if !reflect.DeepEqual(summary.Items[0].Outputs, []string{"a_result.png"}) {
		t.Errorf("unexpected outputs %v", summary.Items[0].Outputs)
	}
	if summary.OutputDir != env.output {
		t.Errorf("unexpected output dir %q", summary.OutputDir)
	}

	logs := env.logs.String()
	for _, want := range []string{"Found subfolders to process", "count=2", "[1/2] Processing", "[2/2] SKIP", "subfolder=b", "a_result.png", "Done!"} {
		if !strings.Contains(logs, want) {
			t.Errorf("logs missing %q:\n%s", want, logs)
		}
	}
}

func TestRun_FailureDoesNotStopBatch(t *testing.T) {
	env := newTestEnv(t)
	writeFile(t, mkdir(t, env.input, "a"), "cat.png", "CAT")
	writeFile(t, mkdir(t, env.input, "b"), "pic.webp", "PIC")

	remote := &fakeRemote{
		outputs: map[string][]byte{"ComfyUI_00001_.png": []byte("OUT")},
		failFor: map[string]error{"a_cat.png": errors.New("server exploded")},
	}
	summary, err := env.run(t, context.Background(), remote)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	files := outputFiles(t, env.output)
	if !reflect.DeepEqual(files, map[string]string{"b_ComfyUI_00001_.png": "OUT"}) {
		t.Errorf("unexpected output files %v", files)
	}
	if summary.Failed != 1 || summary.Succeeded != 1 {
		t.Errorf("unexpected summary %+v", summary)
	}
	if summary.Items[0].Err == nil || !strings.Contains(summary.Items[0].Err.Error(), "server exploded") {
		t.Errorf("expected failure reason on item a, got %v", summary.Items[0].Err)
	}
	if !strings.Contains(env.logs.String(), "server exploded") {
		t.Errorf("expected the failure to be logged:\n%s", env.logs.String())
	}
}

func TestRun_UploadFailureIsItemFailure(t *testing.T) {
	env := newTestEnv(t)
	writeFile(t, mkdir(t, env.input, "a"), "cat.png", "CAT")
	writeFile(t, mkdir(t, env.input, "b"), "pic.png", "PIC")

	remote := &fakeRemote{
		outputs:   map[string][]byte{"r.png": []byte("R")},
		uploadErr: map[string]error{"a_cat.png": errors.New("connection refused")},
	}
	summary, err := env.run(t, context.Background(), remote)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Items[0].Status != ItemFailed || summary.Items[1].Status != ItemSucceeded {
		t.Errorf("unexpected items %+v", summary.Items)
	}
	if !reflect.DeepEqual(remote.submitted, []string{"b_pic.png"}) {
		t.Errorf("expected only b to be submitted, got %v", remote.submitted)
	}
}

func TestRun_FreshWorkflowPerItem(t *testing.T) {
	env := newTestEnv(t)
	for _, name := range []string{"a", "b", "c"} {
		writeFile(t, mkdir(t, env.input, name), "in.png", name)
	}

	remote := &fakeRemote{outputs: map[string][]byte{}}
	if _, err := env.run(t, context.Background(), remote); err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []string{"a_in.png", "b_in.png", "c_in.png"}
	if !reflect.DeepEqual(remote.submitted, want) {
		t.Errorf("got %v, want %v", remote.submitted, want)
	}
	if remote.leaks != 0 {
		t.Errorf("%d workflows carried edits from an earlier item", remote.leaks)
	}
}

func TestRun_ReuploadsOnRerun(t *testing.T) {
	env := newTestEnv(t)
	writeFile(t, mkdir(t, env.input, "a"), "cat.png", "CAT")

	remote := &fakeRemote{outputs: map[string][]byte{"r.png": []byte("R")}}
	for i := 0; i < 2; i++ {
		if _, err := env.run(t, context.Background(), remote); err != nil {
			t.Fatalf("Run %d: %v", i, err)
		}
	}
	if len(remote.uploads) != 2 {
		t.Errorf("expected an upload per run, got %d", len(remote.uploads))
	}
}

func TestRun_TimeoutFailsItemOnly(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.Server.TimeoutSeconds = 1
	writeFile(t, mkdir(t, env.input, "a"), "cat.png", "CAT")
	writeFile(t, mkdir(t, env.input, "b"), "dog.png", "DOG")

	remote := &fakeRemote{block: true}
	start := time.Now()
	summary, err := env.run(t, context.Background(), remote)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("timeout not applied, run took %v", elapsed)
	}
	if summary.Failed != 2 || len(remote.submitted) != 2 {
		t.Errorf("expected both items to time out, got %+v", summary)
	}
	if !errors.Is(summary.Items[0].Err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", summary.Items[0].Err)
	}
}

func TestRun_CancelledContextStopsBetweenItems(t *testing.T) {
	env := newTestEnv(t)
	writeFile(t, mkdir(t, env.input, "a"), "cat.png", "CAT")
	writeFile(t, mkdir(t, env.input, "b"), "dog.png", "DOG")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	remote := &fakeRemote{}
	summary, err := env.run(t, ctx, remote)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !summary.Interrupted || summary.Processed() != 0 {
		t.Errorf("expected an interrupted run with no items, got %+v", summary)
	}
	if len(remote.uploads) != 0 {
		t.Errorf("expected no uploads, got %v", remote.uploads)
	}
}

func TestRun_CancelDuringLastItemMarksInterrupted(t *testing.T) {
	env := newTestEnv(t)
	writeFile(t, mkdir(t, env.input, "a"), "cat.png", "CAT")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	remote := &fakeRemote{block: true, onSubmit: cancel}
	summary, err := env.run(t, ctx, remote)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !summary.Interrupted {
		t.Errorf("expected the run to be marked interrupted, got %+v", summary)
	}
	if summary.Failed != 1 || !errors.Is(summary.Items[0].Err, context.Canceled) {
		t.Errorf("expected the cancelled item to fail with context.Canceled, got %+v", summary.Items)
	}
}

func TestRun_RejectsUnusableOutputNames(t *testing.T) {
	for _, name := range []string{"../escape.png", "sub/x.png", "..", ""} {
		t.Run(name, func(t *testing.T) {
			env := newTestEnv(t)
			writeFile(t, mkdir(t, env.input, "a"), "cat.png", "CAT")

			remote := &fakeRemote{outputs: map[string][]byte{
				"ok.png": []byte("OK"),
				name:     []byte("EVIL"),
			}}
			summary, err := env.run(t, context.Background(), remote)
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if summary.Failed != 1 || summary.Items[0].Err == nil {
				t.Errorf("expected the item to fail, got %+v", summary.Items)
			}
			if files := outputFiles(t, env.output); len(files) != 0 {
				t.Errorf("expected nothing written, got %v", files)
			}
			if _, err := os.Stat(filepath.Join(filepath.Dir(env.output), "escape.png")); !os.IsNotExist(err) {
				t.Errorf("file written outside the output dir: %v", err)
			}
		})
	}
}

func TestRun_SetupFailures(t *testing.T) {
	t.Run("missing input root", func(t *testing.T) {
		env := newTestEnv(t)
		env.cfg.Paths.Input = filepath.Join(env.input, "missing")
		if _, err := env.run(t, context.Background(), &fakeRemote{}); err == nil {
			t.Error("expected error for missing input root")
		}
	})

	t.Run("malformed template", func(t *testing.T) {
		env := newTestEnv(t)
		writeFile(t, filepath.Dir(env.cfg.Paths.Workflow), "broken.json", `{"10": `)
		env.cfg.Paths.Workflow = filepath.Join(filepath.Dir(env.cfg.Paths.Workflow), "broken.json")
		if _, err := env.run(t, context.Background(), &fakeRemote{}); err == nil {
			t.Error("expected error for malformed template")
		}
	})

	t.Run("template without load node", func(t *testing.T) {
		env := newTestEnv(t)
		env.cfg.Nodes.LoadImageTitle = "Load Image (from Outputs)"
		_, err := env.run(t, context.Background(), &fakeRemote{})
		if !errors.Is(err, graphapi.ErrNodeNotFound) {
			t.Errorf("expected ErrNodeNotFound, got %v", err)
		}
	})

	t.Run("output path is a file", func(t *testing.T) {
		env := newTestEnv(t)
		blocker := filepath.Join(filepath.Dir(env.input), "blocker")
		writeFile(t, filepath.Dir(blocker), "blocker", "")
		env.cfg.Paths.Output = filepath.Join(blocker, "out")
		if _, err := env.run(t, context.Background(), &fakeRemote{}); err == nil {
			t.Error("expected error for unwritable output dir")
		}
	})
}

func TestRun_TemplateFromPNG(t *testing.T) {
	env := newTestEnv(t)
	png := filepath.Join(t.TempDir(), "ComfyUI_00001_.png")
	if err := os.WriteFile(png, pngWithPrompt(templateJSON), 0o644); err != nil {
		t.Fatal(err)
	}
	env.cfg.Paths.Workflow = png
	writeFile(t, mkdir(t, env.input, "a"), "cat.png", "CAT")

	remote := &fakeRemote{outputs: map[string][]byte{"r.png": []byte("R")}}
	summary, err := env.run(t, context.Background(), remote)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Succeeded != 1 {
		t.Errorf("unexpected summary %+v", summary)
	}
}

// pngWithPrompt builds a PNG chunk stream holding a single tEXt "prompt" chunk.
// The metadata reader skips CRCs, so they are left zero.
func pngWithPrompt(prompt string) []byte {
	var buf bytes.Buffer
	buf.Write([]byte{137, 80, 78, 71, 13, 10, 26, 10})
	chunk := func(typ string, data []byte) {
		n := len(data)
		buf.Write([]byte{byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n)})
		buf.WriteString(typ)
		buf.Write(data)
		buf.Write([]byte{0, 0, 0, 0})
	}
	chunk("tEXt", append([]byte("prompt\x00"), prompt...))
	chunk("IEND", nil)
	return buf.Bytes()
}
