package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// EnsureDir creates a directory if it doesn't exist
func EnsureDir(dir string) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return os.MkdirAll(dir, 0755)
	}
	return nil
}

// GetFileExtension returns the file extension without the dot
func GetFileExtension(filename string) string {
	ext := filepath.Ext(filename)
	if len(ext) > 0 {
		return strings.ToLower(ext[1:])
	}
	return ""
}

// IsImageFile checks if a file has a supported image extension
func IsImageFile(filename string) bool {
	switch GetFileExtension(filename) {
	case "jpg", "jpeg", "png", "bmp", "webp":
		return true
	}
	return false
}

// GenerateOutputFilename builds the output path for a processed image.
// A format of "original" (or "") keeps the source extension.
func GenerateOutputFilename(inputFile, outputDir, prefix, suffix, format string) string {
	baseName := filepath.Base(inputFile)
	nameWithoutExt := strings.TrimSuffix(baseName, filepath.Ext(baseName))

	ext := format
	if ext == "" || ext == "original" {
		ext = GetFileExtension(inputFile)
		if ext == "" {
			ext = "jpg"
		}
	}
	if ext == "jpeg" {
		ext = "jpg"
	}

	outputName := fmt.Sprintf("%s%s%s.%s", prefix, nameWithoutExt, suffix, ext)
	return filepath.Join(outputDir, outputName)
}

// ListImageFiles recursively lists all image files in a directory,
// sorted case-insensitively so batch order is stable across runs.
func ListImageFiles(dir string) ([]string, error) {
	var files []string

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if !info.IsDir() && IsImageFile(path) {
			files = append(files, path)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	sortImagePaths(files)
	return files, nil
}

// CollectImages expands a mix of file and directory arguments into a
// single stable-ordered list of image paths. Directories are walked
// recursively; explicit files must have a supported extension.
func CollectImages(paths []string) ([]string, error) {
	var files []string
	seen := make(map[string]bool)

	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if info.IsDir() {
			found, err := ListImageFiles(p)
			if err != nil {
				return nil, err
			}
			for _, f := range found {
				if !seen[f] {
					seen[f] = true
					files = append(files, f)
				}
			}
			continue
		}
		if !IsImageFile(p) {
			return nil, fmt.Errorf("unsupported image file: %s", p)
		}
		if !seen[p] {
			seen[p] = true
			files = append(files, p)
		}
	}

	sortImagePaths(files)
	return files, nil
}

func sortImagePaths(files []string) {
	sort.Slice(files, func(i, j int) bool {
		a, b := strings.ToLower(files[i]), strings.ToLower(files[j])
		if a != b {
			return a < b
		}
		return files[i] < files[j]
	})
}

// FileExists checks if a file exists and is not a directory
func FileExists(filename string) bool {
	info, err := os.Stat(filename)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

// DirExists checks if a directory exists
func DirExists(dirname string) bool {
	info, err := os.Stat(dirname)
	if err != nil {
		return false
	}
	return info.IsDir()
}

// FormatFileSize formats file size in human-readable format
func FormatFileSize(size int64) string {
	const unit = 1024
	if size < unit {
		return fmt.Sprintf("%d B", size)
	}

	div, exp := int64(unit), 0
	for n := size / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	return fmt.Sprintf("%.1f %cB", float64(size)/float64(div), "KMGTPE"[exp])
}
