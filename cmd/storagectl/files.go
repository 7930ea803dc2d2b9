package main

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

var filesCmd = &cobra.Command{
	Use:   "files",
	Short: "content-addressed file storage (prepare/upload/register/download/delete)",
}

var (
	fileUploadPath  string
	fileOrigName    string
	fileTags        string
	fileDownloadOut string
)

func init() {
	prepare := &cobra.Command{
		Use:   "prepare <project_id>",
		Short: "allocate a staging upload key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			var out map[string]any
			if err := c.do(cmd.Context(), "POST", "/projects/"+args[0]+"/files/prepare", nil, &out); err != nil {
				return err
			}
			printResult(out)
			return nil
		},
	}

	upload := &cobra.Command{
		Use:   "upload <project_id> <upload_key>",
		Short: "upload a local file to a staging location returned by prepare",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if fileUploadPath == "" {
				return configErrorf("--file is required")
			}
			f, err := os.Open(fileUploadPath)
			if err != nil {
				return err
			}
			defer f.Close()
			c, err := newClient()
			if err != nil {
				return err
			}
			var out map[string]any
			path := fmt.Sprintf("/projects/%s/files/%s", args[0], args[1])
			if err := c.putReader(cmd.Context(), path, f, &out); err != nil {
				return err
			}
			printResult(out)
			return nil
		},
	}
	upload.Flags().StringVar(&fileUploadPath, "file", "", "local file to upload")

	register := &cobra.Command{
		Use:   "register <project_id> <upload_key>",
		Short: "finalize an uploaded file into the files store",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sum, size, err := localSHA256(fileUploadPath)
			if err != nil && fileUploadPath != "" {
				return err
			}
			c, err := newClient()
			if err != nil {
				return err
			}
			body := map[string]any{
				"upload_key":    args[1],
				"sha256":        sum,
				"size_bytes":    size,
				"orig_name":     fileOrigName,
				"tags":          fileTags,
				"client_sha256": sum,
			}
			var out map[string]any
			if err := c.do(cmd.Context(), "POST", "/projects/"+args[0]+"/files/register", body, &out); err != nil {
				return err
			}
			printResult(out)
			return nil
		},
	}
	register.Flags().StringVar(&fileUploadPath, "file", "", "local file previously uploaded, used to compute sha256/size")
	register.Flags().StringVar(&fileOrigName, "name", "", "original filename")
	register.Flags().StringVar(&fileTags, "tags", "", "free-form tags")

	download := &cobra.Command{
		Use:   "download <project_id> <file_id>",
		Short: "download a stored file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			rc, err := c.getReader(cmd.Context(), fmt.Sprintf("/projects/%s/files/%s", args[0], args[1]))
			if err != nil {
				return err
			}
			defer rc.Close()
			out := os.Stdout
			if fileDownloadOut != "" {
				f, err := os.Create(fileDownloadOut)
				if err != nil {
					return err
				}
				defer f.Close()
				out = f
			}
			_, err = copyAll(out, rc)
			return err
		},
	}
	download.Flags().StringVar(&fileDownloadOut, "out", "", "destination file (defaults to stdout)")

	del := &cobra.Command{
		Use:   "delete <project_id> <file_id>",
		Short: "delete a stored file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			if err := c.do(cmd.Context(), "DELETE", fmt.Sprintf("/projects/%s/files/%s", args[0], args[1]), nil, nil); err != nil {
				return err
			}
			printResult(map[string]string{"status": "deleted"})
			return nil
		},
	}

	filesCmd.AddCommand(prepare, upload, register, download, del)
}

func localSHA256(path string) (string, int64, error) {
	if path == "" {
		return "", 0, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
