package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
)

var (
	borderCol   = lipgloss.Color("#243141")
	headerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#7C3AED")).Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#6B7280", Dark: "#6B7280"})
)

var layersCmd = &cobra.Command{
	Use:   "layers",
	Short: "List the layers of a running session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		server, _ := cmd.Flags().GetString("server")
		timeout, _ := cmd.Flags().GetDuration("timeout")

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		list, err := fetchLayers(ctx, http.DefaultClient, server)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), renderLayers(list))
		return nil
	},
}

func init() {
	layersCmd.Flags().String("server", "http://localhost:8080", "shapeview server URL")
	layersCmd.Flags().Duration("timeout", 10*time.Second, "request timeout")
}

// layerList is the response of GET /api/v1/layers.
type layerList struct {
	Layers []struct {
		ID            int64  `json:"id"`
		Name          string `json:"name"`
		Visible       bool   `json:"visible"`
		Status        string `json:"status"`
		GeometryKind  string `json:"geometry_kind"`
		FeatureCount  int    `json:"feature_count"`
		SelectedCount int    `json:"selected_count"`
		Color         struct {
			Hex string `json:"hex"`
		} `json:"color"`
	} `json:"layers"`
	Count         int `json:"count"`
	TotalSelected int `json:"total_selected"`
}

func fetchLayers(ctx context.Context, client *http.Client, server string) (*layerList, error) {
	url := strings.TrimSuffix(server, "/") + "/api/v1/layers"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("requesting %s: %s", url, resp.Status)
	}

	var list layerList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("decoding layers: %w", err)
	}
	return &list, nil
}

func renderLayers(list *layerList) string {
	if len(list.Layers) == 0 {
		return dimStyle.Render("no layers loaded")
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(borderCol)).
		Headers("ID", "", "NAME", "KIND", "FEATURES", "SELECTED", "VISIBLE", "STATUS").
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})

	for _, l := range list.Layers {
		swatch := lipgloss.NewStyle().Foreground(lipgloss.Color(l.Color.Hex)).Render("■")
		visible := "yes"
		if !l.Visible {
			visible = dimStyle.Render("no")
		}
		t.Row(
			strconv.FormatInt(l.ID, 10),
			swatch,
			l.Name,
			l.GeometryKind,
			strconv.Itoa(l.FeatureCount),
			strconv.Itoa(l.SelectedCount),
			visible,
			l.Status,
		)
	}

	footer := dimStyle.Render(fmt.Sprintf("%d layers, %d features selected", list.Count, list.TotalSelected))
	return lipgloss.JoinVertical(lipgloss.Left, t.Render(), footer)
}
