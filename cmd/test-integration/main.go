// Command test-integration runs the full decomposition on a synthetic scene
// and reports how well the recovered layers match the ground truth.
package main

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"log"
	"math"
	"os"
	"path/filepath"
	"time"

	"matting/internal/codec"
	"matting/internal/config"
	"matting/internal/logging"
	"matting/internal/pipeline"
	"matting/internal/plugin"
	"matting/internal/storage"
)

const size = 48

// scene draws a red disc with a soft edge over a blue gradient and returns
// the composite, a trimap with an unknown band around the edge, and the true
// alpha.
func scene() (*image.NRGBA, *image.Gray, []float64) {
	img := image.NewNRGBA(image.Rect(0, 0, size, size))
	tri := image.NewGray(image.Rect(0, 0, size, size))
	alpha := make([]float64, size*size)
	c := float64(size) / 2
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			d := math.Hypot(float64(x)+0.5-c, float64(y)+0.5-c)
			a := math.Min(1, math.Max(0, (14-d)/3+0.5))
			alpha[y*size+x] = a
			bg := 80 + 120*float64(x)/size
			img.Set(x, y, color.NRGBA{
				R: uint8(math.Round(a*220 + (1-a)*20)),
				G: uint8(math.Round(a*40 + (1-a)*60)),
				B: uint8(math.Round(a*30 + (1-a)*bg)),
				A: 255,
			})
			switch {
			case d < 10:
				tri.SetGray(x, y, color.Gray{Y: 255})
			case d > 18:
				tri.SetGray(x, y, color.Gray{Y: 0})
			default:
				tri.SetGray(x, y, color.Gray{Y: 128})
			}
		}
	}
	return img, tri, alpha
}

func main() {
	fmt.Println("Testing matting pipeline on a synthetic scene")

	dir, err := os.MkdirTemp("", "matting-integration-")
	if err != nil {
		log.Fatal("Failed to create work directory:", err)
	}
	defer os.RemoveAll(dir)

	img, tri, truth := scene()
	imgPath := filepath.Join(dir, "disc.png")
	triPath := filepath.Join(dir, "disc.trimap.png")
	if err := codec.EncodeFile(imgPath, img, codec.PNG); err != nil {
		log.Fatal("Failed to write image:", err)
	}
	if err := codec.EncodeFile(triPath, tri, codec.PNG); err != nil {
		log.Fatal("Failed to write trimap:", err)
	}

	store, err := storage.New(filepath.Join(dir, "integration.db"))
	if err != nil {
		log.Fatal("Failed to create storage:", err)
	}
	defer store.Close()

	cfg := config.Default()
	logger := logging.Discard()
	reg, err := plugin.Setup(cfg, logger)
	if err != nil {
		log.Fatal("Failed to register plug-in:", err)
	}
	pipe := pipeline.New(context.Background(), cfg, logger, store, reg)
	defer pipe.Stop()

	results, unsubscribe := pipe.Subscribe()
	defer unsubscribe()

	job := pipeline.Job{
		ID:         pipeline.NewJobID("integration"),
		Type:       pipeline.JobDecompose,
		InputPath:  imgPath,
		TrimapPath: triPath,
		Output:     filepath.Join(dir, "out"),
	}
	start := time.Now()
	if err := pipe.Submit(job); err != nil {
		log.Fatal("Failed to submit job:", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	res, err := pipeline.Wait(ctx, results, job.ID)
	if err != nil {
		log.Fatal("Job did not finish:", err)
	}
	if res.Error != nil {
		log.Fatalf("Job failed (%s): %v", res.Status, res.Error)
	}
	fmt.Printf("Decomposed %dx%d in %s\n", size, size, time.Since(start).Round(time.Millisecond))

	outs, err := store.LayerOutputs(job.ID)
	if err != nil {
		log.Fatal("Failed to read outputs:", err)
	}
	for _, o := range outs {
		if o.Name != plugin.ForegroundName {
			continue
		}
		fg, err := codec.DecodeFile(o.Path)
		if err != nil {
			log.Fatal("Failed to read foreground:", err)
		}
		var sad float64
		for y := 0; y < size; y++ {
			for x := 0; x < size; x++ {
				_, _, _, a := fg.At(x, y).RGBA()
				sad += math.Abs(float64(a)/0xffff - truth[y*size+x])
			}
		}
		fmt.Printf("Alpha SAD against ground truth: %.2f (mean %.4f)\n", sad, sad/(size*size))
	}
	for _, o := range outs {
		fmt.Printf("  %-12s %s\n", o.Name, o.Path)
	}
}
