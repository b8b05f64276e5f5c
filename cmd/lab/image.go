package main

import (
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/m2tx/portfolio_lab/internal/app"
	"github.com/m2tx/portfolio_lab/internal/model"
	"github.com/spf13/cobra"
)

func imageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "image",
		Short: "Generate or edit images",
	}
	cmd.AddCommand(imageGenerateCmd())
	cmd.AddCommand(imageEditCmd())
	return cmd
}

func imageGenerateCmd() *cobra.Command {
	var size, outDir string

	cmd := &cobra.Command{
		Use:   "generate <prompt>",
		Short: "Generate a new image",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			imageSize, err := model.ParseImageSize(size)
			if err != nil {
				return err
			}

			return withApp(cmd.Context(), func(a *app.App) error {
				resp, err := a.Gateway.GenerateHighFidelityImage(cmd.Context(), strings.Join(args, " "), imageSize)
				if err != nil {
					return err
				}
				return saveImages(cmd.OutOrStdout(), outDir, resp)
			})
		},
	}
	cmd.Flags().StringVar(&size, "size", string(model.ImageSize1K), "resolution tier: 1K, 2K or 4K")
	cmd.Flags().StringVarP(&outDir, "out", "o", ".", "directory to write images to")
	return cmd
}

func imageEditCmd() *cobra.Command {
	var mimeType, outDir string

	cmd := &cobra.Command{
		Use:   "edit <image-file> <instruction>",
		Short: "Edit an existing image",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			original, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			if mimeType == "" {
				mimeType = mime.TypeByExtension(strings.ToLower(filepath.Ext(args[0])))
			}
			if mimeType == "" {
				return fmt.Errorf("cannot tell the media type of %q, pass --mime", args[0])
			}

			return withApp(cmd.Context(), func(a *app.App) error {
				resp, err := a.Gateway.EditImage(cmd.Context(), original, strings.Join(args[1:], " "), mimeType)
				if err != nil {
					return err
				}
				return saveImages(cmd.OutOrStdout(), outDir, resp)
			})
		},
	}
	cmd.Flags().StringVar(&mimeType, "mime", "", "media type of the input image (default: from the file extension)")
	cmd.Flags().StringVarP(&outDir, "out", "o", ".", "directory to write images to")
	return cmd
}

// saveImages writes every inline image of resp to dir and prints any text
// the model returned alongside.
func saveImages(w io.Writer, dir string, resp *model.Response) error {
	if text := resp.Text(); text != "" {
		fmt.Fprintln(w, text)
	}

	saved := 0
	for _, candidate := range resp.Candidates {
		for _, p := range candidate.Content.Parts {
			inline, ok := p.(model.InlineDataPart)
			if !ok || len(inline.Data) == 0 {
				continue
			}

			path := filepath.Join(dir, "image-"+uuid.NewString()+extensionFor(inline.MIMEType))
			if err := os.WriteFile(path, inline.Data, 0o644); err != nil {
				return err
			}
			fmt.Fprintln(w, "wrote", path)
			saved++
		}
	}

	if saved == 0 {
		fmt.Fprintln(w, "no image in response")
	}
	return nil
}

func extensionFor(mimeType string) string {
	switch mimeType {
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	default:
		return ".png"
	}
}
