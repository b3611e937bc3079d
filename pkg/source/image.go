package source

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mlingest/mlingest/pkg/dataset"
)

// DefaultImageExtensions are the file extensions treated as images.
var DefaultImageExtensions = []string{".jpg", ".jpeg", ".png"}

// ImageReader lists an images directory and pairs every image with the
// annotation file sharing its base name. Images are returned in file-name
// order. The base name is the image id, so when two images share one (a.jpg
// and a.png) the later file is returned as a duplicate failure.
type ImageReader struct {
	imagesDir      string
	annotationsDir string
	extensions     map[string]bool
	files          []string
	ids            map[string]string
	pos            int
	open           bool
}

// NewImageReader creates a reader over imagesDir.
func NewImageReader(imagesDir, annotationsDir string, extensions []string) *ImageReader {
	if len(extensions) == 0 {
		extensions = DefaultImageExtensions
	}
	exts := make(map[string]bool, len(extensions))
	for _, e := range extensions {
		e = strings.ToLower(e)
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		exts[e] = true
	}
	return &ImageReader{imagesDir: imagesDir, annotationsDir: annotationsDir, extensions: exts}
}

func (r *ImageReader) Open(ctx context.Context) error {
	entries, err := os.ReadDir(r.imagesDir)
	if err != nil {
		return unavailable(r.imagesDir, err)
	}

	if r.annotationsDir == "" {
		sibling := filepath.Join(filepath.Dir(filepath.Clean(r.imagesDir)), "annotations")
		if fi, err := os.Stat(sibling); err == nil && fi.IsDir() {
			r.annotationsDir = sibling
		} else {
			r.annotationsDir = r.imagesDir
		}
	}
	if fi, err := os.Stat(r.annotationsDir); err != nil {
		return unavailable(r.annotationsDir, err)
	} else if !fi.IsDir() {
		return unavailable(r.annotationsDir, fmt.Errorf("not a directory"))
	}

	r.files = r.files[:0]
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if r.extensions[strings.ToLower(filepath.Ext(e.Name()))] {
			r.files = append(r.files, e.Name())
		}
	}
	sort.Strings(r.files)
	r.ids = make(map[string]string, len(r.files))
	r.pos = 0
	r.open = true
	return nil
}

func (r *ImageReader) Next(ctx context.Context, n int) ([]dataset.RawUnit, error) {
	if !r.open {
		return nil, fmt.Errorf("image reader %s is not open", r.imagesDir)
	}
	if r.pos >= len(r.files) {
		return nil, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	end := r.pos + n
	if end > len(r.files) {
		end = len(r.files)
	}
	units := make([]dataset.RawUnit, 0, end-r.pos)
	for ; r.pos < end; r.pos++ {
		name := r.files[r.pos]
		stem := strings.TrimSuffix(name, filepath.Ext(name))
		unit := dataset.RawUnit{
			Seq:            r.pos,
			Origin:         name,
			ImagePath:      filepath.Join(r.imagesDir, name),
			AnnotationPath: filepath.Join(r.annotationsDir, stem+".xml"),
			Fields:         map[string]string{"image_id": stem, "filename": name},
		}
		if first, dup := r.ids[stem]; dup {
			unit.Err = fmt.Errorf("image id taken by %s: %w", first, &dataset.DuplicateRecordError{UniqueID: stem})
		} else {
			r.ids[stem] = name
		}
		units = append(units, unit)
	}
	return units, nil
}

func (r *ImageReader) Close() error {
	r.open = false
	return nil
}
