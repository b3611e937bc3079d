package processor

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"os"
	"strconv"

	"golang.org/x/image/draw"

	"github.com/mlingest/mlingest/pkg/dataset"
)

const (
	defaultTargetWidth  = 800
	defaultTargetHeight = 800
	defaultJPEGQuality  = 90
)

// Image handles an image paired with a Pascal-VOC annotation. Each annotated
// object becomes one candidate; all candidates of a unit share the resized
// image as their blob.
type Image struct {
	opts Options
}

// NewImage creates an image processor.
func NewImage(opts Options) *Image {
	if opts.TargetWidth <= 0 {
		opts.TargetWidth = defaultTargetWidth
	}
	if opts.TargetHeight <= 0 {
		opts.TargetHeight = defaultTargetHeight
	}
	if opts.JPEGQuality <= 0 || opts.JPEGQuality > 100 {
		opts.JPEGQuality = defaultJPEGQuality
	}
	return &Image{opts: opts}
}

func (p *Image) Process(ctx context.Context, unit dataset.RawUnit) ([]dataset.Candidate, error) {
	objects, err := ParseVOC(unit.AnnotationPath)
	if err != nil {
		return nil, err
	}

	imageID := unit.Fields["image_id"]
	if imageID == "" {
		return nil, fmt.Errorf("image %s has no id", unit.Origin)
	}

	data, meta, err := p.resize(unit.ImagePath)
	if err != nil {
		return nil, err
	}

	filename := imageID + ".jpg"
	blob := &dataset.Blob{Key: filename, Data: data, ContentType: "image/jpeg"}

	raw := make(map[string]string, len(unit.Fields)+len(meta))
	for k, v := range unit.Fields {
		raw[k] = v
	}
	for k, v := range meta {
		raw[k] = v
	}
	raw["filename"] = filename
	fields := schemaFields(p.opts.Schema, raw)

	candidates := make([]dataset.Candidate, 0, len(objects))
	for i, obj := range objects {
		annotation, err := annotationJSON(obj)
		if err != nil {
			return nil, fmt.Errorf("encode annotation: %w", err)
		}
		f := make(map[string]string, len(fields))
		for k, v := range fields {
			f[k] = v
		}
		candidates = append(candidates, dataset.Candidate{
			Seq:        unit.Seq,
			Origin:     unit.Origin,
			UniqueID:   imageID + "_obj_" + strconv.Itoa(i),
			Label:      obj.Label,
			Annotation: annotation,
			Filename:   filename,
			Extension:  "jpg",
			Fields:     f,
			Blob:       blob,
		})
	}
	return candidates, nil
}

// resize decodes the image at path, scales it to fit inside the target
// dimensions without upscaling, and re-encodes it as JPEG.
func (p *Image) resize(path string) ([]byte, map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open image: %w", err)
	}
	defer f.Close()

	src, format, err := image.Decode(f)
	if err != nil {
		return nil, nil, fmt.Errorf("decode image %s: %w", path, err)
	}

	b := src.Bounds()
	w, h := fit(b.Dx(), b.Dy(), p.opts.TargetWidth, p.opts.TargetHeight)

	var out image.Image = src
	if w != b.Dx() || h != b.Dy() {
		dst := image.NewRGBA(image.Rect(0, 0, w, h))
		draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)
		out = dst
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, out, &jpeg.Options{Quality: p.opts.JPEGQuality}); err != nil {
		return nil, nil, fmt.Errorf("encode image: %w", err)
	}

	meta := map[string]string{
		"width":           strconv.Itoa(w),
		"height":          strconv.Itoa(h),
		"original_width":  strconv.Itoa(b.Dx()),
		"original_height": strconv.Itoa(b.Dy()),
		"format":          format,
	}
	return buf.Bytes(), meta, nil
}

// fit returns the largest size with the same aspect ratio as w x h that fits
// inside maxW x maxH. Images already inside the box keep their size.
func fit(w, h, maxW, maxH int) (int, int) {
	if w <= maxW && h <= maxH {
		return w, h
	}
	if w*maxH > h*maxW {
		nh := h * maxW / w
		if nh < 1 {
			nh = 1
		}
		return maxW, nh
	}
	nw := w * maxH / h
	if nw < 1 {
		nw = 1
	}
	return nw, maxH
}
