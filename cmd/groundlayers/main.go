package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"math"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/twpayne/go-groundlayers"
)

type options struct {
	debug        bool
	configPath   string
	gridFilename string
	sourceCRS    string
	gridCRS      string
	bilinear     bool
	noIDF        bool
	from         string
	to           string
	stdin        io.Reader
	stdout       io.Writer
	stderr       io.Writer
}

func newRootCommand(o *options) *cobra.Command {
	rootCommand := &cobra.Command{
		Use:           "groundlayers",
		Short:         "Inspect ground layer models and sample grids",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			level := slog.LevelInfo
			if o.debug {
				level = slog.LevelDebug
			}
			groundlayers.SetLogger(slog.New(slog.NewTextHandler(o.stderr, &slog.HandlerOptions{
				Level: level,
			})))
		},
	}
	rootCommand.PersistentFlags().BoolVar(&o.debug, "debug", false, "log debug messages")

	layersCommand := &cobra.Command{
		Use:   "layers",
		Short: "List the layers of a model in rank order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLayers(o)
		},
	}
	layersCommand.Flags().StringVar(&o.configPath, "config", "", "model config file")
	_ = layersCommand.MarkFlagRequired("config")

	sampleCommand := &cobra.Command{
		Use:   "sample [--] x,y...",
		Short: "Sample a grid at coordinates, read from stdin if none are given",
		Long: "Sample a grid at coordinates, read from stdin if none are given.\n\n" +
			"Coordinates with a negative x must follow -- so that they are not\n" +
			"parsed as flags.",
		Example: "  groundlayers sample --grid top.idf -- -5,5 10,20",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSample(cmd.Context(), o, args)
		},
	}
	sampleCommand.Flags().StringVar(&o.gridFilename, "grid", "", "grid file")
	sampleCommand.Flags().StringVar(&o.sourceCRS, "source-crs", "", "CRS of the coordinates")
	sampleCommand.Flags().StringVar(&o.gridCRS, "grid-crs", "", "CRS of the grid")
	sampleCommand.Flags().BoolVar(&o.bilinear, "bilinear", false, "interpolate bilinearly")
	sampleCommand.Flags().BoolVar(&o.noIDF, "no-idf", false, "disable the IDF backend")
	_ = sampleCommand.MarkFlagRequired("grid")

	profileCommand := &cobra.Command{
		Use:   "profile",
		Short: "Sample the top and base of every layer along a line",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProfile(cmd.Context(), o)
		},
	}
	profileCommand.Flags().StringVar(&o.configPath, "config", "", "model config file")
	profileCommand.Flags().StringVar(&o.from, "from", "", "start of the line, as x,y")
	profileCommand.Flags().StringVar(&o.to, "to", "", "end of the line, as x,y")
	for _, name := range []string{"config", "from", "to"} {
		_ = profileCommand.MarkFlagRequired(name)
	}

	rootCommand.AddCommand(layersCommand, sampleCommand, profileCommand)
	rootCommand.SetIn(o.stdin)
	rootCommand.SetOut(o.stdout)
	rootCommand.SetErr(o.stderr)
	return rootCommand
}

func runLayers(o *options) error {
	config, err := groundlayers.LoadConfig(o.configPath)
	if err != nil {
		return err
	}
	layerIndex, err := config.LayerIndex()
	if err != nil {
		return err
	}
	layerIndex.Sort()

	fmt.Fprintln(o.stdout, layerIndex)
	for _, entry := range layerIndex.Entries() {
		style, _ := layerIndex.Style(entry.Layer.StyleKey)
		faceColor := "-"
		if color, err := style.FaceColor(); err == nil {
			faceColor = color.ToHEX().String()
		}
		fmt.Fprintf(o.stdout, "%d\t%s\t%s\t%s\t%s\t%s\n",
			entry.Rank, entry.Layer.Name, entry.Layer.TopFile, entry.Layer.BaseFile, faceColor, formatStyle(style))
	}
	return nil
}

func runSample(ctx context.Context, o *options, args []string) error {
	var coords []groundlayers.Coord
	if len(args) == 0 {
		scanner := bufio.NewScanner(o.stdin)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			coord, err := parseCoord(line)
			if err != nil {
				return err
			}
			coords = append(coords, coord)
		}
		if err := scanner.Err(); err != nil {
			return err
		}
	} else {
		for _, arg := range args {
			coord, err := parseCoord(arg)
			if err != nil {
				return err
			}
			coords = append(coords, coord)
		}
	}

	samplerOptions := []groundlayers.SamplerOption{
		groundlayers.WithIDF(!o.noIDF),
	}
	if o.bilinear {
		samplerOptions = append(samplerOptions, groundlayers.WithInterpolation(groundlayers.InterpolationBilinear))
	}
	if o.sourceCRS != "" {
		samplerOptions = append(samplerOptions, groundlayers.WithSourceCRS(o.sourceCRS))
	}
	if o.gridCRS != "" {
		samplerOptions = append(samplerOptions, groundlayers.WithGridCRS(o.gridCRS))
	}
	sampler := groundlayers.NewSampler(samplerOptions...)

	for sample, err := range sampler.Sample(ctx, o.gridFilename, coords) {
		if err != nil {
			return err
		}
		fmt.Fprintln(o.stdout, formatFloat(sample))
	}
	return nil
}

func runProfile(ctx context.Context, o *options) error {
	from, err := parseCoord(o.from)
	if err != nil {
		return err
	}
	to, err := parseCoord(o.to)
	if err != nil {
		return err
	}

	config, err := groundlayers.LoadConfig(o.configPath)
	if err != nil {
		return err
	}
	layerIndex, err := config.LayerIndex()
	if err != nil {
		return err
	}
	layerIndex.Sort()
	sampler, err := config.NewSampler()
	if err != nil {
		return err
	}

	coords := groundlayers.LineCoords(from, to, layerIndex.Resolution())
	for _, layer := range layerIndex.Layers() {
		top, base, err := layer.Profile(ctx, sampler, coords)
		if err != nil {
			return err
		}
		for i, coord := range coords {
			fmt.Fprintf(o.stdout, "%s\t%s\t%s\t%s\t%s\n",
				layer.Name, formatFloat(coord.X), formatFloat(coord.Y), formatFloat(top[i]), formatFloat(base[i]))
		}
	}
	return nil
}

func parseCoord(s string) (groundlayers.Coord, error) {
	xStr, yStr, ok := strings.Cut(s, ",")
	if !ok {
		return groundlayers.Coord{}, fmt.Errorf("%s: invalid coordinate", s)
	}
	x, err := strconv.ParseFloat(strings.TrimSpace(xStr), 64)
	if err != nil {
		return groundlayers.Coord{}, err
	}
	y, err := strconv.ParseFloat(strings.TrimSpace(yStr), 64)
	if err != nil {
		return groundlayers.Coord{}, err
	}
	return groundlayers.Coord{X: x, Y: y}, nil
}

func formatFloat(f float64) string {
	if math.IsNaN(f) {
		return "NaN"
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func formatStyle(style groundlayers.Style) string {
	keys := slices.Sorted(maps.Keys(style))
	pairs := make([]string, len(keys))
	for i, key := range keys {
		pairs[i] = fmt.Sprintf("%s=%v", key, style[key])
	}
	return strings.Join(pairs, ",")
}

func run() error {
	o := &options{
		stdin:  os.Stdin,
		stdout: os.Stdout,
		stderr: os.Stderr,
	}
	return newRootCommand(o).ExecuteContext(context.Background())
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
