package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/jobrunner/shapeview/internal/app"
	"github.com/jobrunner/shapeview/internal/config"
	"github.com/jobrunner/shapeview/internal/domain"
)

var convertCmd = &cobra.Command{
	Use:   "convert <file>",
	Short: "Convert a zipped shapefile or GeoJSON file offline",
	Long: `Loads a layer into a headless session and exports it reprojected to
WGS 84. Use -o - to write to stdout.`,
	Args: cobra.ExactArgs(1),
	RunE: runConvert,
}

func init() {
	convertCmd.Flags().String("format", string(domain.FormatGeoJSON), "output format (shapefile, geojson)")
	convertCmd.Flags().StringP("output", "o", "", "output file (default: <layer><ext> in the current directory)")
}

func runConvert(cmd *cobra.Command, args []string) error {
	format, err := domain.ParseExportFormat(mustString(cmd, "format"))
	if err != nil {
		return err
	}

	cfg, err := config.Load(v, cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	cfg.Logging.Format = "text"
	logger := setupLogger(cfg.Logging, cmd.ErrOrStderr())

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	session, err := app.NewSession(ctx, cfg, nil, nil, logger)
	if err != nil {
		return err
	}
	defer func() { _ = session.Close(context.Background()) }()

	layer, err := session.Loader.LoadFile(ctx, args[0])
	if err != nil {
		return fmt.Errorf("loading %s: %w", args[0], err)
	}

	payload, err := session.Workspace.Export(ctx, layer.ID, format)
	if err != nil {
		return fmt.Errorf("exporting %s: %w", layer.Name, err)
	}

	out := mustString(cmd, "output")
	switch out {
	case "-":
		_, err = cmd.OutOrStdout().Write(payload.Data)
		return err
	case "":
		out = payload.FileName
	}
	if err := os.WriteFile(out, payload.Data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", out, err)
	}

	swatch := lipgloss.NewStyle().Foreground(lipgloss.Color(layer.Color.Hex())).Render("■")
	fmt.Fprintf(cmd.ErrOrStderr(), "%s %s: %d features (%s) -> %s\n",
		swatch, layer.Name, payload.Features, layer.GeometryKind, filepath.Clean(out))
	return nil
}

func mustString(cmd *cobra.Command, name string) string {
	s, _ := cmd.Flags().GetString(name)
	return s
}
