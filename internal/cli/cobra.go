package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"matting/internal/config"
	"matting/internal/fsutil"
	"matting/internal/pipeline"
	"matting/internal/plugin"
	"matting/internal/storage"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// Version is reported by the version command.
var Version = "0.1.0-dev"

// NewRootCmd creates the root Cobra command
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store, reg *plugin.Registry, pipe *pipeline.Pipeline) *cobra.Command {
	return newRootCmd(NewRoot(pipe, reg, cfg, log, store))
}

func newRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "matting",
		Short: "Matting decomposes a layer into foreground and background by alpha matting",
		Long: `Matting runs the plug-in-matting procedure: given a color layer and a
trimap layer it estimates alpha with closed-form matting, estimates the
foreground and background colors, and adds both as new layers.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newDecomposeCmd(root))
	rootCmd.AddCommand(newDocumentCmd(root))
	rootCmd.AddCommand(newProceduresCmd(root))
	rootCmd.AddCommand(newJobsCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newPluginCmd(root))
	rootCmd.AddCommand(newWatchCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

func newDecomposeCmd(root *Root) *cobra.Command {
	var (
		output  string
		format  string
		prefix  string
		runMode string
	)

	cmd := &cobra.Command{
		Use:   "decompose <image> <trimap>",
		Short: "Decompose an image into foreground and background layers",
		Long: `Load a color image and its trimap as a two-layer document, run the
matting procedure on them and write the resulting foreground and
background layers.

Examples:
  matting decompose cat.png cat.trimap.png
  matting decompose cat.png cat.trimap.png --format tiff --output out/`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if output == "" {
				output = root.cfg.Paths.DefaultOutput
			}
			opts := map[string]any{"runMode": runMode, "source": "cli"}
			if format != "" {
				opts["format"] = format
			}
			if cmd.Flags().Changed("prefix") {
				opts["prefix"] = prefix
			}
			job := pipeline.Job{
				ID:         newID("decompose"),
				Type:       pipeline.JobDecompose,
				InputPath:  args[0],
				TrimapPath: args[1],
				Output:     output,
				Options:    opts,
			}
			return root.runJob(cmd, job)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "output directory (default: paths.default_output)")
	cmd.Flags().StringVarP(&format, "format", "f", "", "output format (png|tiff)")
	cmd.Flags().StringVar(&prefix, "prefix", "", "output file prefix (default: <image name>-)")
	cmd.Flags().StringVar(&runMode, "run-mode", "noninteractive", "run mode (interactive|noninteractive|last-vals)")

	return cmd
}

func newDocumentCmd(root *Root) *cobra.Command {
	var (
		output      string
		format      string
		imageLayer  string
		trimapLayer string
	)

	cmd := &cobra.Command{
		Use:   "document <file>",
		Short: "Run the procedure on two layers of a layered file",
		Long: `Open a layered file (XCF, PSD, layered TIFF) and run the matting procedure.
Without --image-layer/--trimap-layer the first two layers are used and
the trimap is recognized by name.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !fsutil.IsLayeredFile(args[0]) {
				return fmt.Errorf("%s is not a layered file (xcf, psd, tiff)", args[0])
			}
			if (imageLayer == "") != (trimapLayer == "") {
				return fmt.Errorf("--image-layer and --trimap-layer must be given together")
			}
			if output == "" {
				output = root.cfg.Paths.DefaultOutput
			}
			opts := map[string]any{"source": "cli"}
			if format != "" {
				opts["format"] = format
			}
			if imageLayer != "" {
				opts["imageLayer"] = imageLayer
				opts["trimapLayer"] = trimapLayer
			}
			job := pipeline.Job{
				ID:        newID("document"),
				Type:      pipeline.JobDocument,
				InputPath: args[0],
				Output:    output,
				Options:   opts,
			}
			return root.runJob(cmd, job)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "output directory (default: paths.default_output)")
	cmd.Flags().StringVarP(&format, "format", "f", "", "output format (png|tiff)")
	cmd.Flags().StringVar(&imageLayer, "image-layer", "", "name of the color layer")
	cmd.Flags().StringVar(&trimapLayer, "trimap-layer", "", "name of the trimap layer")

	return cmd
}

func (r *Root) runJob(cmd *cobra.Command, job pipeline.Job) error {
	out := cmd.OutOrStdout()
	res, err := r.enqueueAndWait(cmd.Context(), job)
	if err != nil {
		printStatus(out, "✗", fmt.Sprintf("%s failed (%s): %v", job.ID, res.Status, err), color.FgRed)
		return err
	}
	printStatus(out, "✓", fmt.Sprintf("%s finished", job.ID), color.FgGreen)
	printOutputs(out, res)
	return nil
}

func newProceduresCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "procedures",
		Short: "List registered procedures",
		RunE: func(cmd *cobra.Command, args []string) error {
			if root.registry == nil {
				return fmt.Errorf("no plug-in registry configured")
			}
			out := cmd.OutOrStdout()
			for _, p := range root.registry.Procedures() {
				fmt.Fprintf(out, "%s\n", p.Name)
				fmt.Fprintf(out, "  label:       %s\n", p.MenuLabel)
				fmt.Fprintf(out, "  menu:        %s\n", strings.Join(p.MenuPaths, ", "))
				fmt.Fprintf(out, "  blurb:       %s\n", p.Blurb)
				fmt.Fprintf(out, "  image types: %s\n", p.ImageTypes)
				fmt.Fprintf(out, "  drawables:   %d\n", p.Arity)
				fmt.Fprintf(out, "  authors:     %s (%s)\n", p.Authors, p.Date)
				if d, ok := root.registry.Domain(p.Name); ok {
					fmt.Fprintf(out, "  i18n domain: %s\n", d)
				}
			}
			return nil
		},
	}
}

func newJobsCmd(root *Root) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "jobs [id]",
		Short: "Show recent invocations, or one invocation with its outputs",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if len(args) == 1 {
				rec, err := root.store.Job(args[0])
				if err != nil {
					return fmt.Errorf("job %s: %w", args[0], err)
				}
				fmt.Fprintf(out, "%s %s %s %s\n", rec.ID, rec.JobType, rec.Status, rec.HostStatus)
				if rec.Error != "" {
					fmt.Fprintf(out, "  error: %s\n", rec.Error)
				}
				outs, err := root.store.LayerOutputs(rec.ID)
				if err != nil {
					return err
				}
				for _, o := range outs {
					fmt.Fprintf(out, "  %-12s %s (%dx%d)\n", o.Name, o.Path, o.Width, o.Height)
				}
				return nil
			}
			recs, err := root.store.RecentJobs(limit)
			if err != nil {
				return err
			}
			for _, rec := range recs {
				fmt.Fprintf(out, "%-40s %-10s %-10s %s\n", rec.ID, rec.JobType, rec.Status, rec.InputPath)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of invocations to list")
	return cmd
}

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

func newServeCmd(root *Root) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = root.cfg.Server.Addr
			}
			ctx, cancel := signalContext(cmd)
			defer cancel()
			return root.serveFn(ctx, addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default: server.addr)")
	return cmd
}

func newPluginCmd(root *Root) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "plugin",
		Short: "Serve the registered procedures to a remote host over gRPC",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = root.cfg.Plugin.GRPCAddr
			}
			ctx, cancel := signalContext(cmd)
			defer cancel()
			return root.grpcFn(ctx, addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default: plugin.grpc_addr)")
	return cmd
}

func newWatchCmd(root *Root) *cobra.Command {
	var (
		initial bool
		suffix  string
	)

	cmd := &cobra.Command{
		Use:   "watch [directory...]",
		Short: "Decompose image/trimap pairs as they appear in a directory",
		Long: `Watch directories for <name>.<ext> and <name>.trimap.<ext> pairs and submit
a decompose job once both files have settled.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := *root.cfg
			if len(args) > 0 {
				cfg.Watch.Directories = args
			}
			if suffix != "" {
				cfg.Watch.TrimapSuffix = suffix
			}
			if len(cfg.Watch.Directories) == 0 {
				return fmt.Errorf("no directories to watch")
			}
			ctx, cancel := signalContext(cmd)
			defer cancel()
			return root.watchFn(ctx, &cfg, initial)
		},
	}

	cmd.Flags().BoolVar(&initial, "initial", false, "also process pairs already present")
	cmd.Flags().StringVar(&suffix, "trimap-suffix", "", "trimap file name suffix (default: watch.trimap_suffix)")
	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("Matting v%s\n", Version)
		},
	}
}
