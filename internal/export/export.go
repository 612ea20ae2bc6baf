// Package export writes committed annotations in common dataset formats.
package export

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"annotline/internal/domain"
)

type Format string

const (
	FormatCOCO Format = "coco"
	FormatYOLO Format = "yolo"
)

func ParseFormat(v string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(v))); f {
	case FormatCOCO, FormatYOLO:
		return f, nil
	default:
		return "", fmt.Errorf("%w: unknown export format %q", domain.ErrValidation, v)
	}
}

// Dataset is a project's committed work joined with its media.
type Dataset struct {
	Project domain.Project
	Tasks   []domain.Task
	Media   map[int64]domain.MediaAsset
}

type cocoFile struct {
	Images      []cocoImage      `json:"images"`
	Annotations []cocoAnnotation `json:"annotations"`
	Categories  []cocoCategory   `json:"categories"`
}

type cocoImage struct {
	ID       int64  `json:"id"`
	FileName string `json:"file_name"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
}

type cocoAnnotation struct {
	ID         int64      `json:"id"`
	ImageID    int64      `json:"image_id"`
	CategoryID int        `json:"category_id"`
	BBox       [4]float64 `json:"bbox"`
	Area       float64    `json:"area"`
	IsCrowd    int        `json:"iscrowd"`
	Annotator  string     `json:"annotator,omitempty"`
}

type cocoCategory struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

func categoryIDs(p domain.Project) map[string]int {
	ids := make(map[string]int, len(p.Categories))
	for i, c := range p.Categories {
		ids[c] = i + 1
	}
	return ids
}

// WriteCOCO writes the dataset as a COCO-style JSON document. Boxes use
// [x, y, width, height] in pixels.
func WriteCOCO(w io.Writer, ds Dataset) error {
	ids := categoryIDs(ds.Project)
	out := cocoFile{Images: []cocoImage{}, Annotations: []cocoAnnotation{}, Categories: []cocoCategory{}}
	for i, c := range ds.Project.Categories {
		out.Categories = append(out.Categories, cocoCategory{ID: i + 1, Name: c})
	}
	for _, t := range committed(ds.Tasks) {
		m, ok := ds.Media[t.MediaID]
		if !ok {
			return fmt.Errorf("task %d references unknown media %d", t.ID, t.MediaID)
		}
		out.Images = append(out.Images, cocoImage{ID: m.ID, FileName: m.Path, Width: m.Width, Height: m.Height})
		for _, a := range t.Annotations {
			out.Annotations = append(out.Annotations, cocoAnnotation{
				ID:         a.ID,
				ImageID:    m.ID,
				CategoryID: ids[a.Category],
				BBox:       [4]float64{a.Box.X1, a.Box.Y1, a.Box.Width(), a.Box.Height()},
				Area:       a.Box.Width() * a.Box.Height(),
				Annotator:  a.CreatedBy,
			})
		}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

type YOLOReport struct {
	Files   int     `json:"files"`
	Labels  int     `json:"labels"`
	Skipped []int64 `json:"skipped_media"`
}

// WriteYOLO writes one label file per committed frame plus classes.txt into
// dir. Coordinates are normalized, so media without known dimensions are
// skipped and reported.
func WriteYOLO(dir string, ds Dataset) (YOLOReport, error) {
	report := YOLOReport{Skipped: []int64{}}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return report, err
	}
	classes := strings.Join(ds.Project.Categories, "\n") + "\n"
	if err := os.WriteFile(filepath.Join(dir, "classes.txt"), []byte(classes), 0o644); err != nil {
		return report, err
	}
	ids := categoryIDs(ds.Project)
	used := map[string]bool{}
	for _, t := range committed(ds.Tasks) {
		m, ok := ds.Media[t.MediaID]
		if !ok {
			return report, fmt.Errorf("task %d references unknown media %d", t.ID, t.MediaID)
		}
		if m.Width <= 0 || m.Height <= 0 {
			report.Skipped = append(report.Skipped, m.ID)
			continue
		}
		var b strings.Builder
		for _, a := range t.Annotations {
			w, h := float64(m.Width), float64(m.Height)
			cx := (a.Box.X1 + a.Box.Width()/2) / w
			cy := (a.Box.Y1 + a.Box.Height()/2) / h
			fmt.Fprintf(&b, "%d %.6f %.6f %.6f %.6f\n", ids[a.Category]-1, cx, cy, a.Box.Width()/w, a.Box.Height()/h)
			report.Labels++
		}
		name := labelName(m, used)
		if err := os.WriteFile(filepath.Join(dir, name), []byte(b.String()), 0o644); err != nil {
			return report, err
		}
		report.Files++
	}
	return report, nil
}

func labelName(m domain.MediaAsset, used map[string]bool) string {
	stem := strings.TrimSuffix(filepath.Base(m.Path), filepath.Ext(m.Path))
	name := stem + ".txt"
	if used[name] {
		name = fmt.Sprintf("%d_%s.txt", m.ID, stem)
	}
	used[name] = true
	return name
}

func committed(tasks []domain.Task) []domain.Task {
	var out []domain.Task
	for _, t := range tasks {
		if t.State == domain.TaskCommitted {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
