// Package client implements the command line client for a transfer server.
package client

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

type ValidationError struct {
	Arg   string
	Cause string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid argument %q: %s", e.Arg, e.Cause)
}

// Upload is one file ready to be sent. A directory argument becomes a single
// ZIP upload.
type Upload struct {
	Filename    string
	ContentType string
	Data        []byte
}

// CollectUploads turns command line path arguments into uploads. Plain files
// are read as-is, directories are zipped recursively.
func CollectUploads(args []string) ([]Upload, error) {
	if len(args) == 0 {
		return nil, &ValidationError{Arg: "<files>", Cause: "no files provided"}
	}

	var uploads []Upload
	for _, raw := range args {
		p := filepath.Clean(raw)
		info, err := os.Stat(p)
		if err != nil {
			return nil, &ValidationError{Arg: raw, Cause: "not found or not accessible"}
		}

		if info.IsDir() {
			data, err := zipDirectory(p)
			if err != nil {
				return nil, fmt.Errorf("failed to zip directory %s: %w", raw, err)
			}
			uploads = append(uploads, Upload{
				Filename:    filepath.Base(p) + ".zip",
				ContentType: "application/zip",
				Data:        data,
			})
			continue
		}

		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("failed to read file %s: %w", raw, err)
		}
		uploads = append(uploads, Upload{
			Filename: filepath.Base(p),
			Data:     data,
		})
	}
	return uploads, nil
}

// zipDirectory compresses a directory tree into an in-memory ZIP. Entry names
// are relative to the directory itself.
func zipDirectory(dirPath string) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	err := filepath.Walk(dirPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dirPath, path)
		if err != nil {
			return err
		}

		header, err := zip.FileInfoHeader(info)
		if err != nil {
			return fmt.Errorf("failed to create zip header: %w", err)
		}
		header.Name = filepath.ToSlash(rel)
		header.Method = zip.Deflate

		writer, err := zw.CreateHeader(header)
		if err != nil {
			return fmt.Errorf("failed to create zip entry: %w", err)
		}

		file, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("failed to open file %s: %w", path, err)
		}
		defer file.Close()

		_, err = io.Copy(writer, file)
		return err
	})
	if err != nil {
		zw.Close()
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close zip writer: %w", err)
	}
	return buf.Bytes(), nil
}

// TotalSize sums the byte size of a batch of uploads.
func TotalSize(uploads []Upload) int64 {
	var total int64
	for _, u := range uploads {
		total += int64(len(u.Data))
	}
	return total
}
