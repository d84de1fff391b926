package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/MeKo-Tech/leafy/internal/gateway"
	"github.com/spf13/cobra"
)

// predictCmd classifies a local image file with a local crop model.
var predictCmd = &cobra.Command{
	Use:   "predict <image>",
	Short: "Classify an image with a local crop model",
	Long: `Run the local ONNX model of a crop on an image file and print the
detection as JSON. Nothing is recorded in the detection history.

Examples:
  leafy predict leaf.jpg
  leafy predict leaf.png --crop potato`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		crop, _ := cmd.Flags().GetString("crop")
		return runDetection(cmd, args[0], crop, gateway.SourceLocal)
	},
}

// classifyCmd classifies a local image file with the hosted model.
var classifyCmd = &cobra.Command{
	Use:   "classify <image>",
	Short: "Classify an image with the hosted disease model",
	Long: `Send an image file to the hosted disease model, behind the leaf
validation gate, and print the detection as JSON. Requires remote.api_key.

Examples:
  leafy classify leaf.jpg
  LEAFY_REMOTE_API_KEY=... leafy classify leaf.jpg --crop corn`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		crop, _ := cmd.Flags().GetString("crop")
		return runDetection(cmd, args[0], crop, gateway.SourceRemote)
	},
}

// validateLeafCmd runs only the leaf gate on a local image file.
var validateLeafCmd = &cobra.Command{
	Use:   "validate-leaf <image>",
	Short: "Check whether an image shows a leaf",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		upload, err := readImageFile(args[0])
		if err != nil {
			return err
		}
		a, err := newApp(contextOf(cmd), GetConfig(), slog.Default(), appOptions{})
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()

		v, err := a.gw.ValidateLeaf(contextOf(cmd), upload)
		if err != nil {
			return fmt.Errorf("validate %s: %s", args[0], gateway.PublicMessage(err))
		}
		return printJSON(cmd.OutOrStdout(), v)
	},
}

func runDetection(cmd *cobra.Command, path, crop, source string) error {
	upload, err := readImageFile(path)
	if err != nil {
		return err
	}
	a, err := newApp(contextOf(cmd), GetConfig(), slog.Default(), appOptions{localModels: source == gateway.SourceLocal})
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	req := gateway.Request{Upload: upload, CropType: crop}
	var det gateway.Detection
	if source == gateway.SourceRemote {
		det, err = a.gw.ClassifyRemote(contextOf(cmd), req)
	} else {
		det, err = a.gw.DetectLocal(contextOf(cmd), req)
	}
	if err != nil {
		return fmt.Errorf("classify %s: %s", path, gateway.PublicMessage(err))
	}
	return printJSON(cmd.OutOrStdout(), det)
}

func readImageFile(path string) (gateway.Upload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return gateway.Upload{}, fmt.Errorf("failed to read image: %w", err)
	}
	return gateway.Upload{Filename: filepath.Base(path), Data: data}, nil
}

func contextOf(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	rootCmd.AddCommand(predictCmd, classifyCmd, validateLeafCmd)
	predictCmd.Flags().String("crop", "", "crop type (default inference.default_crop)")
	classifyCmd.Flags().String("crop", "", "crop type (default inference.default_crop)")
}
