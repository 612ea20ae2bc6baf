// Package media turns image files on disk into ingest descriptors. It stands
// in for the frame sampler: one descriptor per kept frame.
package media

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"annotline/internal/domain"
)

var imageExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true,
	".bmp": true, ".tif": true, ".tiff": true, ".webp": true,
}

// frameIndexPattern matches the trailing number of names like frame_42 or 00042.
var frameIndexPattern = regexp.MustCompile(`(\d+)$`)

// IsImage reports whether path has a supported image extension.
func IsImage(path string) bool {
	return imageExts[strings.ToLower(filepath.Ext(path))]
}

// Probe reads the image header at path and returns a descriptor with its dimensions.
func Probe(path string) (domain.MediaDescriptor, error) {
	f, err := os.Open(path)
	if err != nil {
		return domain.MediaDescriptor{}, err
	}
	defer f.Close()
	cfg, format, err := image.DecodeConfig(f)
	if err != nil {
		return domain.MediaDescriptor{}, fmt.Errorf("decode %s: %w", path, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return domain.MediaDescriptor{}, fmt.Errorf("%s: %s image has no size", path, format)
	}
	return domain.MediaDescriptor{Path: path, Width: cfg.Width, Height: cfg.Height}, nil
}

// FrameIndex extracts the frame number from a file name, if it has one.
func FrameIndex(path string) *int {
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	m := frameIndexPattern.FindStringSubmatch(stem)
	if m == nil {
		return nil
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return nil
	}
	return &n
}

type ScanOptions struct {
	// SourceVideo labels every frame; empty uses each file's directory name.
	SourceVideo string
	// Frames parses frame indexes from file names.
	Frames bool
}

// Scan walks root for images and returns descriptors ordered by frame index,
// then path.
func Scan(root string, opts ScanOptions) ([]domain.MediaDescriptor, error) {
	var out []domain.MediaDescriptor
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !IsImage(path) {
			return nil
		}
		desc, err := Probe(path)
		if err != nil {
			return err
		}
		desc.SourceVideo = opts.SourceVideo
		if desc.SourceVideo == "" {
			desc.SourceVideo = filepath.Base(filepath.Dir(path))
		}
		if opts.Frames {
			desc.FrameIndex = FrameIndex(path)
		}
		out = append(out, desc)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.SourceVideo != b.SourceVideo {
			return a.SourceVideo < b.SourceVideo
		}
		if a.FrameIndex != nil && b.FrameIndex != nil && *a.FrameIndex != *b.FrameIndex {
			return *a.FrameIndex < *b.FrameIndex
		}
		return a.Path < b.Path
	})
	return out, nil
}

// Ingester accepts media descriptors for a project.
type Ingester interface {
	IngestMedia(ctx context.Context, projectID int64, desc domain.MediaDescriptor) (domain.MediaAsset, error)
}

type IngestResult struct {
	Added      []domain.MediaAsset `json:"added"`
	Duplicates []string            `json:"duplicates"`
}

// IngestAll hands descriptors to ing in order. Paths already ingested are
// collected rather than failing, so a directory can be rescanned after new
// frames land.
func IngestAll(ctx context.Context, ing Ingester, projectID int64, descs []domain.MediaDescriptor) (IngestResult, error) {
	res := IngestResult{Added: []domain.MediaAsset{}, Duplicates: []string{}}
	for _, d := range descs {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		asset, err := ing.IngestMedia(ctx, projectID, d)
		if errors.Is(err, domain.ErrDuplicateMedia) {
			res.Duplicates = append(res.Duplicates, d.Path)
			continue
		}
		if err != nil {
			return res, fmt.Errorf("ingest %s: %w", d.Path, err)
		}
		res.Added = append(res.Added, asset)
	}
	return res, nil
}
