package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"k8s.io/klog/v2"

	"k8s.io/examples/AI/modelforge/pkg/artifacts"
	"k8s.io/examples/AI/modelforge/pkg/config"
	"k8s.io/examples/AI/modelforge/pkg/preprocess"
	"k8s.io/examples/AI/modelforge/pkg/registry"
	"k8s.io/examples/AI/modelforge/pkg/schema"
	"k8s.io/examples/AI/modelforge/pkg/tensor"
	"k8s.io/examples/AI/modelforge/pkg/toolchain"
)

func main() {
	ctx := context.Background()
	err := run(ctx, os.Args[1:], os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

const usage = `usage: forgectl <command> [flags]

commands:
  create    build version 0 from a model description
  load      load a graph directory or .onnx file
  train     train the loaded version on batch files
  run       run the model on numeric or image inputs
  export    write the layout and batch files to a directory
  versions  list the versions on disk
  publish   upload a version to the artifact mirror
  fetch     download a version from the artifact mirror
`

// command holds the flags every subcommand shares.
type command struct {
	flags     *flag.FlagSet
	model     string
	overrides config.Overrides
	cfg       *config.Config
}

func newCommand(name string) *command {
	c := &command{flags: flag.NewFlagSet(name, flag.ContinueOnError)}
	klog.InitFlags(c.flags)
	c.flags.StringVar(&c.model, "model", "", "model name")
	c.flags.StringVar(&c.overrides.OutputRoot, "output-root", "", "model output root")
	c.flags.StringVar(&c.overrides.Toolchain, "toolchain", "", "toolchain: local or python")
	c.flags.StringVar(&c.overrides.ScriptDir, "script-dir", "", "directory holding the python model scripts")
	c.flags.StringVar(&c.overrides.Python, "python", "", "python interpreter")
	c.flags.StringVar(&c.overrides.Bucket, "bucket", "", "artifact mirror: gs://bucket[/prefix] or a directory")
	c.flags.StringVar(&c.overrides.BlobserverURL, "blobserver-url", "", "model-store URL to fetch from")
	return c
}

func (c *command) parse(args []string) error {
	if err := c.flags.Parse(args); err != nil {
		return err
	}
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	cfg.ApplyOverrides(c.overrides)
	if err := cfg.Validate(); err != nil {
		return err
	}
	c.cfg = cfg
	return nil
}

func (c *command) registry(name string) (*registry.Registry, error) {
	if name == "" {
		name = c.model
	}
	if name == "" {
		return nil, fmt.Errorf("must specify --model")
	}
	opts, err := c.cfg.RegistryOptions(nil)
	if err != nil {
		return nil, err
	}
	return registry.New(name, opts)
}

func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errors.New(usage)
	}
	name, args := args[0], args[1:]

	switch name {
	case "create":
		return runCreate(ctx, args, out)
	case "load":
		return runLoad(ctx, args, out)
	case "train":
		return runTrain(ctx, args, out)
	case "run":
		return runRun(ctx, args, out)
	case "export":
		return runExport(ctx, args, out)
	case "versions":
		return runVersions(ctx, args, out)
	case "publish":
		return runPublish(ctx, args, out)
	case "fetch":
		return runFetch(ctx, args, out)
	case "help", "-h", "--help":
		fmt.Fprint(out, usage)
		return nil
	default:
		return fmt.Errorf("unknown command %q\n%s", name, usage)
	}
}

func runCreate(ctx context.Context, args []string, out io.Writer) error {
	c := newCommand("create")
	layoutPath := ""
	c.flags.StringVar(&layoutPath, "layout", "", "model description json")
	if err := c.parse(args); err != nil {
		return err
	}
	if layoutPath == "" {
		return fmt.Errorf("must specify --layout")
	}

	layout, err := schema.ReadLayoutFile(layoutPath)
	if err != nil {
		return err
	}
	r, err := c.registry(layout.ModelName)
	if err != nil {
		return err
	}
	defer r.Close()
	applyLayout(r, layout)

	if err := r.Create(ctx); err != nil {
		return err
	}
	fmt.Fprintf(out, "created %s version 0 in %s\n", r.Name(), r.ModelRoot())
	return nil
}

func applyLayout(r *registry.Registry, layout *schema.Layout) {
	for _, in := range layout.Inputs {
		r.AddInput(in.Name, in.DType, in.Shape, in.Domain)
	}
	for _, o := range layout.Outputs {
		r.AddOutput(o.Name)
	}
	for _, l := range layout.Layers {
		r.AddLayer(l.Type, l.Params)
	}
}

func runLoad(ctx context.Context, args []string, out io.Writer) error {
	c := newCommand("load")
	source := ""
	output := ""
	c.flags.StringVar(&source, "path", "", "graph directory or .onnx file")
	c.flags.StringVar(&output, "output", "", "output root for converted models")
	if err := c.parse(args); err != nil {
		return err
	}
	if source == "" {
		return fmt.Errorf("must specify --path")
	}

	name := c.model
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(source), filepath.Ext(source))
	}
	r, err := c.registry(name)
	if err != nil {
		return err
	}
	defer r.Close()

	if err := r.LoadFrom(ctx, source, output); err != nil {
		return err
	}
	v, _ := r.Version()
	fmt.Fprintf(out, "loaded %s version %d from %s\n", r.Name(), v, source)
	return nil
}

// openVersion builds a registry for the model and loads version v, with the layout on disk.
func (c *command) openVersion(ctx context.Context, v int) (*registry.Registry, error) {
	r, err := c.registry("")
	if err != nil {
		return nil, err
	}
	layout, err := schema.ReadLayoutFile(filepath.Join(r.ModelRoot(), toolchain.LayoutFile))
	if err == nil {
		applyLayout(r, layout)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	if err := r.LoadIfExists(ctx, artifacts.Version(v)); err != nil {
		return nil, err
	}
	return r, nil
}

func runTrain(ctx context.Context, args []string, out io.Writer) error {
	c := newCommand("train")
	version := int(artifacts.Latest)
	supervisedPath := ""
	rewardPath := ""
	configPath := ""
	c.flags.IntVar(&version, "version", version, "version to train from, -1 for the latest")
	c.flags.StringVar(&supervisedPath, "supervised", "", "supervised batch json")
	c.flags.StringVar(&rewardPath, "reward", "", "reward batch json")
	c.flags.StringVar(&configPath, "train-config", "", "training config json; defaults apply when unset")
	if err := c.parse(args); err != nil {
		return err
	}

	cfg := schema.DefaultTrainingConfig()
	if configPath != "" {
		var err error
		if cfg, err = schema.ReadTrainingConfigFile(configPath); err != nil {
			return err
		}
	}

	var supervised *schema.LabeledTrainingBatch
	if supervisedPath != "" {
		var err error
		if supervised, err = schema.ReadLabeledTrainingBatchFile(supervisedPath); err != nil {
			return err
		}
	}
	var reward *schema.RewardTrainingBatch
	if rewardPath != "" {
		var err error
		if reward, err = schema.ReadRewardTrainingBatchFile(rewardPath); err != nil {
			return err
		}
	}

	r, err := c.openVersion(ctx, version)
	if err != nil {
		return err
	}
	defer r.Close()

	r.AddTrainingBatches(supervised, reward)
	v, err := r.Train(ctx, cfg, true)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "trained %s version %d\n", r.Name(), v)
	return nil
}

// imageFlag collects repeated name=path arguments; several paths for one name are stacked.
type imageFlag map[string][]string

func (f imageFlag) String() string {
	return fmt.Sprint(map[string][]string(f))
}

func (f imageFlag) Set(s string) error {
	name, path, ok := strings.Cut(s, "=")
	if !ok || name == "" || path == "" {
		return fmt.Errorf("expected name=path, got %q", s)
	}
	f[name] = append(f[name], path)
	return nil
}

func runRun(ctx context.Context, args []string, out io.Writer) error {
	c := newCommand("run")
	version := int(artifacts.Latest)
	inputs := tensor.LabeledFlag{}
	images := imageFlag{}
	pad := 0
	width, height := 224, 224
	gray := false
	c.flags.IntVar(&version, "version", version, "version to run, -1 for the latest")
	c.flags.Var(inputs, "input", "input tensor as name=v1,v2,... (repeatable)")
	c.flags.Var(images, "image", "image input as name=path (repeatable)")
	c.flags.IntVar(&pad, "pad", pad, "zero-pad or truncate every --input to this many values")
	c.flags.IntVar(&width, "image-width", width, "width images are resized to")
	c.flags.IntVar(&height, "image-height", height, "height images are resized to")
	c.flags.BoolVar(&gray, "gray", gray, "load images as single channel grayscale")
	if err := c.parse(args); err != nil {
		return err
	}
	if len(inputs) == 0 && len(images) == 0 {
		return fmt.Errorf("must specify at least one --input or --image")
	}

	feed, err := buildInputs(ctx, tensor.Labeled(inputs), pad)
	if err != nil {
		return err
	}
	if len(images) != 0 {
		opts := preprocess.DefaultImageOptions(width, height)
		if gray {
			opts.Channels = 1
			opts.ChannelOrder = preprocess.GrayScale
		}
		loader, err := preprocess.NewImageLoader(opts)
		if err != nil {
			return err
		}
		for name, paths := range images {
			loaded, err := preprocess.LoadImages(ctx, loader, paths, 4)
			if err != nil {
				return err
			}
			t, err := preprocess.Stack(loaded)
			if err != nil {
				return fmt.Errorf("stacking images for %q: %w", name, err)
			}
			feed[name] = t
		}
	}

	r, err := c.openVersion(ctx, version)
	if err != nil {
		return err
	}
	defer r.Close()

	outputs, report, err := r.RunWithReport(ctx, feed)
	if err != nil {
		return err
	}
	for _, name := range report.SkippedInputs {
		fmt.Fprintf(out, "skipped input %s\n", name)
	}
	for _, name := range outputs.Names() {
		fmt.Fprintf(out, "%s: %v\n", name, outputs[name].Values)
	}
	return nil
}

// buildInputs passes the numeric inputs through a FlatBuilder when pad is set.
func buildInputs(ctx context.Context, inputs tensor.Labeled, pad int) (tensor.Labeled, error) {
	feed := make(tensor.Labeled, len(inputs))
	if pad <= 0 {
		for name, t := range inputs {
			feed[name] = t
		}
		return feed, nil
	}
	if len(inputs) == 0 {
		return feed, nil
	}

	b := preprocess.NewFlatBuilder(pad, []int64{-1})
	for _, name := range inputs.Names() {
		if err := b.AddInputTensor(ctx, name, inputs[name].Values); err != nil {
			return nil, err
		}
	}
	return b.Tensors()
}

func runExport(ctx context.Context, args []string, out io.Writer) error {
	c := newCommand("export")
	dir := ""
	supervisedPath := ""
	rewardPath := ""
	c.flags.StringVar(&dir, "dir", "", "directory to export to")
	c.flags.StringVar(&supervisedPath, "supervised", "", "supervised batch json to include")
	c.flags.StringVar(&rewardPath, "reward", "", "reward batch json to include")
	if err := c.parse(args); err != nil {
		return err
	}
	if dir == "" {
		return fmt.Errorf("must specify --dir")
	}

	r, err := c.registry("")
	if err != nil {
		return err
	}
	layout, err := schema.ReadLayoutFile(filepath.Join(r.ModelRoot(), toolchain.LayoutFile))
	if err != nil {
		return err
	}
	applyLayout(r, layout)

	if supervisedPath != "" {
		batch, err := schema.ReadLabeledTrainingBatchFile(supervisedPath)
		if err != nil {
			return err
		}
		r.AddTrainingBatches(batch, nil)
	}
	if rewardPath != "" {
		batch, err := schema.ReadRewardTrainingBatchFile(rewardPath)
		if err != nil {
			return err
		}
		r.AddTrainingBatches(nil, batch)
	}

	if err := r.Export(dir); err != nil {
		return err
	}
	fmt.Fprintf(out, "exported %s to %s\n", r.Name(), dir)
	return nil
}

func runVersions(ctx context.Context, args []string, out io.Writer) error {
	c := newCommand("versions")
	if err := c.parse(args); err != nil {
		return err
	}
	r, err := c.registry("")
	if err != nil {
		return err
	}
	versions, err := artifacts.DiscoverVersions(r.ModelRoot())
	if err != nil {
		return err
	}
	if len(versions) == 0 {
		fmt.Fprintf(out, "no versions available under %s\n", r.ModelRoot())
		return nil
	}
	for _, v := range versions {
		fmt.Fprintf(out, "%d\t%s\n", v, filepath.Join(r.ModelRoot(), artifacts.DirName(v)))
	}
	return nil
}

func runPublish(ctx context.Context, args []string, out io.Writer) error {
	c := newCommand("publish")
	version := int(artifacts.Latest)
	c.flags.IntVar(&version, "version", version, "version to publish, -1 for the latest")
	if err := c.parse(args); err != nil {
		return err
	}
	r, err := c.registry("")
	if err != nil {
		return err
	}
	manifest, err := r.Publish(ctx, artifacts.Version(version))
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "published %d files as %s\n", len(manifest.Files), manifest.ID)
	return nil
}

func runFetch(ctx context.Context, args []string, out io.Writer) error {
	c := newCommand("fetch")
	version := -1
	c.flags.IntVar(&version, "version", version, "version to fetch")
	if err := c.parse(args); err != nil {
		return err
	}
	r, err := c.registry("")
	if err != nil {
		return err
	}
	manifest, err := r.Fetch(ctx, artifacts.Version(version))
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "fetched %d files into %s\n", len(manifest.Files), filepath.Join(r.ModelRoot(), artifacts.DirName(artifacts.Version(version))))
	return nil
}
