// Command measure loads a calibration project JSON, triangulates its
// landmarks across every view that observed them, and prints the scaled
// measurement together with its confidence.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r2"
	"github.com/pkg/errors"

	"cammeasure.pro/vision/measure"
	"cammeasure.pro/vision/transform"
)

type project struct {
	Intrinsics transform.PinholeCameraIntrinsics `json:"intrinsics"`
	Extrinsics map[string]transform.Extrinsics   `json:"extrinsics"`
	Landmarks  map[string]landmark               `json:"landmarks"`
	Reference  reference                         `json:"reference"`
}

type landmark struct {
	Label string          `json:"label"`
	Poses map[string]pose `json:"poses"` // image name -> observed pixel
}

type pose struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type reference struct {
	Left     string  `json:"left"`
	Right    string  `json:"right"`
	Distance float64 `json:"distance"`
}

func main() {
	logger := golog.NewLogger("measure")

	projectFile := flag.String("project", "", "path to a calibration project JSON")
	flag.Parse()
	if *projectFile == "" {
		flag.Usage()
		os.Exit(2)
	}

	proj, err := loadProject(*projectFile)
	if err != nil {
		logger.Fatal(err)
	}

	labels, views, err := buildViews(proj)
	if err != nil {
		logger.Fatal(err)
	}
	logger.Infof("project: %d landmarks across %d usable views", len(labels), len(views))

	ref, err := referenceIndices(proj.Reference, labels)
	if err != nil {
		logger.Fatal(err)
	}

	result, err := measure.MeasureObject(views, ref)
	if err != nil {
		logger.Fatal(err)
	}

	fmt.Printf("scale factor: %.6f\n", result.ScaleFactor)
	fmt.Printf("reprojection error: %.3fpx (%s quality, confidence %.2f)\n",
		result.ReprojectionError, result.Quality(), result.Confidence)
	for i, label := range labels {
		p := result.WorldCoordinates[i]
		fmt.Printf("%-20s %10.3f %10.3f %10.3f\n", label, p.X, p.Y, p.Z)
	}
	for i := 0; i < len(labels); i++ {
		for j := i + 1; j < len(labels); j++ {
			fmt.Printf("%s -> %s : %.3f\n", labels[i], labels[j], result.DistanceBetween(i, j))
		}
	}
}

func loadProject(path string) (*project, error) {
	//nolint:gosec
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading project")
	}
	var proj project
	if err := json.Unmarshal(raw, &proj); err != nil {
		return nil, errors.Wrap(err, "parsing project")
	}
	if err := proj.Intrinsics.CheckValid(); err != nil {
		return nil, err
	}
	return &proj, nil
}

// buildViews assembles one measure.View per image that observed every
// landmark, with landmarks in sorted-label order.
func buildViews(proj *project) ([]string, []measure.View, error) {
	labels := make([]string, 0, len(proj.Landmarks))
	for label := range proj.Landmarks {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	images := make([]string, 0, len(proj.Extrinsics))
	for name := range proj.Extrinsics {
		images = append(images, name)
	}
	sort.Strings(images)

	views := make([]measure.View, 0, len(images))
	for _, name := range images {
		ext := proj.Extrinsics[name]
		points := make([]r2.Point, 0, len(labels))
		complete := true
		for _, label := range labels {
			p, ok := proj.Landmarks[label].Poses[name]
			if !ok {
				complete = false
				break
			}
			points = append(points, r2.Point{X: p.X, Y: p.Y})
		}
		if !complete {
			continue
		}
		views = append(views, measure.View{
			Camera: measure.Camera{Intrinsics: &proj.Intrinsics, Extrinsics: &ext},
			Points: points,
		})
	}
	if len(views) < 2 {
		return nil, nil, errors.Errorf("only %d views observe every landmark, need 2", len(views))
	}
	return labels, views, nil
}

func referenceIndices(ref reference, labels []string) (measure.Reference, error) {
	out := measure.Reference{IndexA: -1, IndexB: -1, Distance: ref.Distance}
	for i, label := range labels {
		if label == ref.Left {
			out.IndexA = i
		}
		if label == ref.Right {
			out.IndexB = i
		}
	}
	if out.IndexA < 0 || out.IndexB < 0 {
		return out, errors.Errorf("reference landmarks %q and %q not found in project", ref.Left, ref.Right)
	}
	return out, nil
}
