package processor

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlingest/mlingest/pkg/dataset"
	"github.com/mlingest/mlingest/pkg/schema"
	"github.com/mlingest/mlingest/pkg/source"
)

const threeObjects = `<annotation>
  <filename>street.png</filename>
  <object>
    <name>car</name>
    <pose>Left</pose>
    <truncated>0</truncated>
    <difficult>0</difficult>
    <bndbox><xmin>10</xmin><ymin>20</ymin><xmax>110</xmax><ymax>80</ymax></bndbox>
  </object>
  <object>
    <name>person</name>
    <truncated>1</truncated>
    <bndbox><xmin>5.5</xmin><ymin>6</ymin><xmax>40</xmax><ymax>90</ymax></bndbox>
  </object>
  <object>
    <name>dog</name>
    <difficult>1</difficult>
    <bndbox><xmin>0</xmin><ymin>0</ymin><xmax>30</xmax><ymax>30</ymax></bndbox>
  </object>
</annotation>`

func writePNG(t *testing.T, path string, w, h int) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func imageUnit(t *testing.T, annotation string, w, h int) dataset.RawUnit {
	t.Helper()
	dir := t.TempDir()
	imgPath := filepath.Join(dir, "street.png")
	annPath := filepath.Join(dir, "street.xml")
	writePNG(t, imgPath, w, h)
	require.NoError(t, os.WriteFile(annPath, []byte(annotation), 0o644))
	return dataset.RawUnit{
		Seq:            4,
		Origin:         "street.png",
		ImagePath:      imgPath,
		AnnotationPath: annPath,
		Fields:         map[string]string{"image_id": "street", "filename": "street.png"},
	}
}

func imageSchema(t *testing.T) *schema.Schema {
	t.Helper()
	s, err := schema.Parse(map[string]string{
		"image_id": "VARCHAR(64)",
		"width":    "INT",
		"height":   "INT",
	}, schema.Options{})
	require.NoError(t, err)
	return s
}

func TestImageProcessorOneCandidatePerObject(t *testing.T) {
	p := NewImage(Options{Schema: imageSchema(t), TargetWidth: 100, TargetHeight: 100})

	cands, err := p.Process(context.Background(), imageUnit(t, threeObjects, 400, 200))
	require.NoError(t, err)
	require.Len(t, cands, 3)

	assert.Equal(t, []string{"street_obj_0", "street_obj_1", "street_obj_2"},
		[]string{cands[0].UniqueID, cands[1].UniqueID, cands[2].UniqueID})
	assert.Equal(t, []string{"car", "person", "dog"},
		[]string{cands[0].Label, cands[1].Label, cands[2].Label})

	assert.JSONEq(t,
		`[{"label":"car","difficult":0,"truncated":0,"pose":"Left","bbox":{"xmin":10,"ymin":20,"xmax":110,"ymax":80}}]`,
		cands[0].Annotation)
	assert.JSONEq(t,
		`[{"label":"person","difficult":0,"truncated":1,"pose":"Unspecified","bbox":{"xmin":5.5,"ymin":6,"xmax":40,"ymax":90}}]`,
		cands[1].Annotation)

	for _, c := range cands {
		assert.Equal(t, 4, c.Seq)
		assert.Equal(t, "street.jpg", c.Filename)
		assert.Equal(t, "jpg", c.Extension)
		// only declared columns survive
		assert.Equal(t, map[string]string{"image_id": "street", "width": "100", "height": "50"}, c.Fields)
	}

	blob := cands[0].Blob
	require.NotNil(t, blob)
	for _, c := range cands[1:] {
		assert.Same(t, blob, c.Blob)
	}
	assert.Equal(t, "street.jpg", blob.Key)
	assert.Equal(t, "image/jpeg", blob.ContentType)
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(blob.Data))
	require.NoError(t, err)
	assert.Equal(t, 100, cfg.Width)
	assert.Equal(t, 50, cfg.Height)
}

func TestImageProcessorAnnotationErrors(t *testing.T) {
	tests := []struct {
		name       string
		annotation string
	}{
		{"malformed xml", "<annotation><object><name>car</name>"},
		{"no objects", "<annotation><filename>x.png</filename></annotation>"},
		{"missing name", "<annotation><object><bndbox><xmin>1</xmin><ymin>1</ymin><xmax>2</xmax><ymax>2</ymax></bndbox></object></annotation>"},
		{"missing bndbox", "<annotation><object><name>car</name></object></annotation>"},
		{"missing coordinate", "<annotation><object><name>car</name><bndbox><xmin>1</xmin><ymin>1</ymin><xmax>2</xmax></bndbox></object></annotation>"},
		{"bad coordinate", "<annotation><object><name>car</name><bndbox><xmin>a</xmin><ymin>1</ymin><xmax>2</xmax><ymax>2</ymax></bndbox></object></annotation>"},
		{"inverted box", "<annotation><object><name>car</name><bndbox><xmin>5</xmin><ymin>1</ymin><xmax>2</xmax><ymax>2</ymax></bndbox></object></annotation>"},
		{"bad flag", "<annotation><object><name>car</name><difficult>maybe</difficult><bndbox><xmin>1</xmin><ymin>1</ymin><xmax>2</xmax><ymax>2</ymax></bndbox></object></annotation>"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewImage(Options{Schema: imageSchema(t)})
			cands, err := p.Process(context.Background(), imageUnit(t, tt.annotation, 10, 10))
			require.Error(t, err)
			assert.Equal(t, dataset.KindAnnotationParse, dataset.KindOf(err))
			assert.Empty(t, cands)
		})
	}
}

func TestImageProcessorMissingAnnotationFile(t *testing.T) {
	unit := imageUnit(t, threeObjects, 10, 10)
	unit.AnnotationPath = filepath.Join(t.TempDir(), "absent.xml")

	_, err := NewImage(Options{Schema: imageSchema(t)}).Process(context.Background(), unit)
	assert.Equal(t, dataset.KindAnnotationParse, dataset.KindOf(err))
}

func TestImageProcessorUndecodableImage(t *testing.T) {
	unit := imageUnit(t, threeObjects, 10, 10)
	require.NoError(t, os.WriteFile(unit.ImagePath, []byte("not an image"), 0o644))

	_, err := NewImage(Options{Schema: imageSchema(t)}).Process(context.Background(), unit)
	require.Error(t, err)
	assert.Equal(t, dataset.KindProcessing, dataset.KindOf(err))
}

func TestFit(t *testing.T) {
	tests := []struct {
		w, h, maxW, maxH int
		wantW, wantH     int
	}{
		{400, 200, 100, 100, 100, 50},
		{200, 400, 100, 100, 50, 100},
		{50, 60, 800, 800, 50, 60},
		{1600, 1200, 800, 800, 800, 600},
		{5000, 1, 800, 800, 800, 1},
	}
	for _, tt := range tests {
		w, h := fit(tt.w, tt.h, tt.maxW, tt.maxH)
		assert.Equal(t, tt.wantW, w, "fit(%d,%d) width", tt.w, tt.h)
		assert.Equal(t, tt.wantH, h, "fit(%d,%d) height", tt.w, tt.h)
	}
}

func TestTabularProcessor(t *testing.T) {
	s, err := schema.Parse(map[string]string{
		"person_id": "VARCHAR(16)",
		"age":       "INT",
	}, schema.Options{IDColumn: "person_id", LabelColumn: "outcome"})
	require.NoError(t, err)

	p, err := New(source.FormatCSV, Options{
		Schema:           s,
		IDColumn:         "person_id",
		LabelColumn:      "outcome",
		IntentColumn:     "split",
		AnnotationColumn: "notes",
	})
	require.NoError(t, err)

	unit := dataset.RawUnit{
		Seq:    2,
		Origin: "people.csv:4",
		Fields: map[string]string{
			"person_id": "p-1", "age": "30", "outcome": "yes",
			"split": "test", "notes": "n/a", "junk": "zzz",
		},
	}
	cands, err := p.Process(context.Background(), unit)
	require.NoError(t, err)
	require.Len(t, cands, 1)

	c := cands[0]
	assert.Equal(t, "p-1", c.UniqueID)
	assert.Equal(t, "yes", c.Label)
	assert.Equal(t, "test", c.Intent)
	assert.Equal(t, "n/a", c.Annotation)
	assert.Equal(t, "people.csv:4", c.Origin)
	assert.Equal(t, map[string]string{"person_id": "p-1", "age": "30"}, c.Fields)
}

func TestTabularDefaultIDColumn(t *testing.T) {
	s, err := schema.Parse(map[string]string{"name": "TEXT"}, schema.Options{})
	require.NoError(t, err)

	cands, err := NewTabular(Options{Schema: s}).Process(context.Background(), dataset.RawUnit{
		Fields: map[string]string{"data_id": "x1", "name": "alice"},
	})
	require.NoError(t, err)
	assert.Equal(t, "x1", cands[0].UniqueID)
}

func TestNewRequiresSchema(t *testing.T) {
	_, err := New(source.FormatCSV, Options{})
	assert.Error(t, err)

	s, err := schema.Parse(map[string]string{"name": "TEXT"}, schema.Options{})
	require.NoError(t, err)
	_, err = New("parquet", Options{Schema: s})
	assert.Error(t, err)
}
