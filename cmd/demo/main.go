package main

import (
	"fmt"
	"log"
	"math"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/framequeue/internal/controller"
	"github.com/ChuLiYu/framequeue/internal/metadata"
	"github.com/ChuLiYu/framequeue/internal/queue"
	"github.com/ChuLiYu/framequeue/pkg/types"
)

type Config struct {
	Queue struct {
		WorkerTimeout time.Duration `yaml:"worker_timeout"`
		ChunkSize     int           `yaml:"chunk_size"`
		MaxChunkSize  int           `yaml:"max_chunk_size"`
	} `yaml:"queue"`
	Worker struct {
		Count int `yaml:"count"`
	} `yaml:"worker"`
}

const (
	demoFrames  = 400
	laserOnAt   = 20
	frameSize   = 32
	frameRate   = 200 // frames per second
	numEmitters = 6
)

func main() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: go run cmd/demo/main.go <acquire|reanalyze> <dir>")
		os.Exit(1)
	}

	mode, dir := os.Args[1], os.Args[2]
	cfg, err := loadConfig("configs/default.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	dataPath := filepath.Join(dir, "frames.db")
	qcfg := queue.Config{
		DataPath:      dataPath,
		ResultsPath:   filepath.Join(dir, fmt.Sprintf("results-%d.db", time.Now().UnixNano())),
		WorkerTimeout: cfg.Queue.WorkerTimeout,
		ChunkSize:     cfg.Queue.ChunkSize,
		MaxChunkSize:  cfg.Queue.MaxChunkSize,
	}
	if mode == "acquire" {
		if _, err := os.Stat(dataPath); err == nil {
			log.Fatalf("%s already exists; use reanalyze or pick another dir", dataPath)
		}
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Fatalf("Failed to create %s: %v", dir, err)
	}
	q, err := queue.New(qcfg)
	if err != nil {
		log.Fatalf("Failed to create queue: %v", err)
	}

	ctrl := controller.NewController(q, nil, controller.Config{LocalWorkers: cfg.Worker.Count})
	if err := ctrl.Start(); err != nil {
		log.Fatalf("Failed to start controller: %v", err)
	}
	fmt.Printf("✓ Controller started (mode: %s, workers: %d)\n", mode, cfg.Worker.Count)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	switch mode {
	case "acquire":
		go acquire(q)
	case "reanalyze":
		st := q.Stats()
		fmt.Printf("\n📂 Reopened dataset with %d frames, %d open tasks\n", st.NumSlices, st.Open)
	default:
		log.Fatalf("Unknown mode %q", mode)
	}

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-sigChan:
			fmt.Println("\n\nReceived shutdown signal, stopping gracefully...")
			stop(ctrl)
			return
		case <-ticker.C:
			st := q.Stats()
			fmt.Printf("📊 Frames=%d Open=%d In-Progress=%d Completed=%d\n",
				st.NumSlices, st.Open, st.InProgress, st.Completed)
			if !st.Accepting && st.Open == 0 && st.InProgress == 0 && st.NumSlices > 0 {
				fmt.Printf("\n✓ All frames analyzed\n")
				stop(ctrl)
				return
			}
		}
	}
}

func stop(ctrl *controller.Controller) {
	if err := ctrl.Stop(); err != nil {
		log.Printf("Stop failed: %v", err)
	}
	fmt.Printf("✓ Controller stopped, %d frames with detections\n", ctrl.Queue().CompletedCount())
}

// acquire plays a camera: dark frames until the laser turns on, then blinking emitters
// drifting slowly across the field.
func acquire(q *queue.Queue) {
	rng := rand.New(rand.NewSource(1))
	type emitter struct{ x, y float64 }
	emitters := make([]emitter, numEmitters)
	for i := range emitters {
		emitters[i] = emitter{x: 4 + rng.Float64()*(frameSize-8), y: 4 + rng.Float64()*(frameSize-8)}
	}

	q.Release(0)
	tick := time.NewTicker(time.Second / frameRate)
	defer tick.Stop()

	for i := 0; i < demoFrames; i++ {
		<-tick.C
		if i == laserOnAt {
			if err := q.LogEvent("laser on", "561nm", time.Time{}); err != nil {
				log.Printf("Log event failed: %v", err)
			}
			if err := q.SetMetadata(metadata.KeyLaserOn, laserOnAt); err != nil {
				log.Printf("Set metadata failed: %v", err)
			}
		}

		px := make([]uint16, frameSize*frameSize)
		for j := range px {
			px[j] = uint16(100 + rng.Intn(10))
		}
		if i >= laserOnAt {
			drift := float64(i) * 0.005
			for _, e := range emitters {
				if rng.Intn(3) == 0 {
					continue
				}
				splat(px, e.x+drift, e.y, 1.2, 800)
			}
		}
		if err := q.Append(types.Frame{Width: frameSize, Height: frameSize, Pixels: px}); err != nil {
			log.Printf("Append failed: %v", err)
			return
		}
	}
	q.StopAccepting()
	fmt.Printf("\n📷 Acquisition finished after %d frames\n", demoFrames)
}

// splat adds a gaussian spot of the given sigma and peak height.
func splat(px []uint16, cx, cy, sigma, height float64) {
	for y := int(cy) - 3; y <= int(cy)+3; y++ {
		for x := int(cx) - 3; x <= int(cx)+3; x++ {
			if x < 0 || y < 0 || x >= frameSize || y >= frameSize {
				continue
			}
			dx, dy := float64(x)-cx, float64(y)-cy
			v := height * math.Exp(-(dx*dx+dy*dy)/(2*sigma*sigma))
			px[y*frameSize+x] = uint16(math.Min(float64(px[y*frameSize+x])+v, math.MaxUint16))
		}
	}
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
