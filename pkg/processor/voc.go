package processor

import (
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/mlingest/mlingest/pkg/dataset"
)

type vocAnnotation struct {
	XMLName  xml.Name    `xml:"annotation"`
	Filename string      `xml:"filename"`
	Objects  []vocObject `xml:"object"`
}

type vocObject struct {
	Name      string  `xml:"name"`
	Pose      string  `xml:"pose"`
	Truncated string  `xml:"truncated"`
	Difficult string  `xml:"difficult"`
	BndBox    *vocBox `xml:"bndbox"`
}

type vocBox struct {
	XMin string `xml:"xmin"`
	YMin string `xml:"ymin"`
	XMax string `xml:"xmax"`
	YMax string `xml:"ymax"`
}

// BoundingBox is an axis-aligned box in source-image pixels.
type BoundingBox struct {
	XMin float64 `json:"xmin"`
	YMin float64 `json:"ymin"`
	XMax float64 `json:"xmax"`
	YMax float64 `json:"ymax"`
}

// Object is one annotated object as stored in the annotation column.
type Object struct {
	Label     string      `json:"label"`
	Difficult int         `json:"difficult"`
	Truncated int         `json:"truncated"`
	Pose      string      `json:"pose"`
	BBox      BoundingBox `json:"bbox"`
}

// ParseVOC reads a Pascal-VOC annotation file. Objects are returned in
// document order. A file without objects is an error.
func ParseVOC(path string) ([]Object, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &dataset.AnnotationParseError{File: path, Reason: "unreadable", Err: err}
	}

	var doc vocAnnotation
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, &dataset.AnnotationParseError{File: path, Reason: "malformed xml", Err: err}
	}
	if len(doc.Objects) == 0 {
		return nil, &dataset.AnnotationParseError{File: path, Reason: "no objects"}
	}

	objects := make([]Object, 0, len(doc.Objects))
	for i, o := range doc.Objects {
		obj, err := o.convert()
		if err != nil {
			return nil, &dataset.AnnotationParseError{File: path, Reason: fmt.Sprintf("object %d", i), Err: err}
		}
		objects = append(objects, obj)
	}
	return objects, nil
}

func (o vocObject) convert() (Object, error) {
	name := strings.TrimSpace(o.Name)
	if name == "" {
		return Object{}, errors.New("missing name")
	}
	if o.BndBox == nil {
		return Object{}, errors.New("missing bndbox")
	}

	var box BoundingBox
	coords := []struct {
		tag string
		raw string
		dst *float64
	}{
		{"xmin", o.BndBox.XMin, &box.XMin},
		{"ymin", o.BndBox.YMin, &box.YMin},
		{"xmax", o.BndBox.XMax, &box.XMax},
		{"ymax", o.BndBox.YMax, &box.YMax},
	}
	for _, c := range coords {
		raw := strings.TrimSpace(c.raw)
		if raw == "" {
			return Object{}, fmt.Errorf("missing %s", c.tag)
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return Object{}, fmt.Errorf("%s: %w", c.tag, err)
		}
		*c.dst = v
	}
	if box.XMax < box.XMin || box.YMax < box.YMin {
		return Object{}, errors.New("bndbox max is smaller than min")
	}

	truncated, err := flag(o.Truncated)
	if err != nil {
		return Object{}, fmt.Errorf("truncated: %w", err)
	}
	difficult, err := flag(o.Difficult)
	if err != nil {
		return Object{}, fmt.Errorf("difficult: %w", err)
	}

	pose := strings.TrimSpace(o.Pose)
	if pose == "" {
		pose = "Unspecified"
	}

	return Object{
		Label:     name,
		Difficult: difficult,
		Truncated: truncated,
		Pose:      pose,
		BBox:      box,
	}, nil
}

func flag(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}

// annotationJSON encodes objects the way the annotation column stores them.
func annotationJSON(objects ...Object) (string, error) {
	b, err := json.Marshal(objects)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
