package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/Capitan-Parrot/distributed-video-system/analytics/internal/geom"
	"github.com/Capitan-Parrot/distributed-video-system/analytics/internal/models"
)

const defaultPath = "config/local.yaml"

// Config is loaded from YAML first; environment variables take priority.
type Config struct {
	Postgres struct {
		DSN string `yaml:"dsn" env:"DATABASE_DSN"`
	} `yaml:"postgres"`

	Minio struct {
		Endpoint      string `yaml:"endpoint" env:"MINIO_ENDPOINT"`
		AccessKey     string `yaml:"access_key" env:"MINIO_ACCESS_KEY"`
		SecretKey     string `yaml:"secret_key" env:"MINIO_SECRET_KEY"`
		Secure        bool   `yaml:"secure" env:"MINIO_SECURE"`
		ExportsBucket string `yaml:"exports_bucket" env:"MINIO_EXPORTS_BUCKET"`
	} `yaml:"minio"`

	Kafka struct {
		Brokers     []string `yaml:"brokers" env:"KAFKA_BROKERS" envSeparator:","`
		GroupID     string   `yaml:"group_id" env:"KAFKA_GROUP_ID"`
		FrameTopic  string   `yaml:"frame_topic" env:"FRAME_TOPIC"`
		AlertTopic  string   `yaml:"alert_topic" env:"ALERT_TOPIC"`
		ResultTopic string   `yaml:"result_topic" env:"RESULT_TOPIC"`
		// OutboxInterval is how often pending alert events are published.
		OutboxInterval time.Duration `yaml:"outbox_interval" env:"OUTBOX_INTERVAL"`
	} `yaml:"kafka"`

	Detection struct {
		Endpoint        string        `yaml:"endpoint" env:"DETECTION_ENDPOINT"`
		Timeout         time.Duration `yaml:"timeout" env:"DETECTION_TIMEOUT"`
		ConfidenceFloor float64       `yaml:"confidence_floor" env:"DETECTION_CONFIDENCE_FLOOR"`
		IoUThreshold    float64       `yaml:"iou_threshold" env:"DETECTION_IOU_THRESHOLD"`
	} `yaml:"detection"`

	Shelf struct {
		CoverageThreshold float64  `yaml:"coverage_threshold" env:"SHELF_COVERAGE_THRESHOLD"`
		MinConfidence     float64  `yaml:"min_confidence" env:"SHELF_GAP_CONFIDENCE"`
		ProductClasses    []string `yaml:"product_classes" env:"SHELF_PRODUCT_CLASSES" envSeparator:","`
	} `yaml:"shelf"`

	Queue struct {
		AlertThreshold   float64 `yaml:"alert_threshold" env:"QUEUE_ALERT_THRESHOLD"`
		HysteresisMargin float64 `yaml:"hysteresis_margin" env:"QUEUE_HYSTERESIS_MARGIN"`
		Window           int     `yaml:"window" env:"QUEUE_WINDOW"`
		Debounce         int     `yaml:"debounce" env:"QUEUE_DEBOUNCE"`
	} `yaml:"queue"`

	Heatmap struct {
		GridCols int           `yaml:"grid_cols" env:"HEATMAP_GRID_COLS"`
		GridRows int           `yaml:"grid_rows" env:"HEATMAP_GRID_ROWS"`
		MaxGap   time.Duration `yaml:"max_gap" env:"HEATMAP_MAX_GAP"`
	} `yaml:"heatmap"`

	Runner struct {
		FrameTimeout time.Duration `yaml:"frame_timeout" env:"FRAME_TIMEOUT"`
		Retries      int           `yaml:"retries" env:"FRAME_RETRIES"`
	} `yaml:"runner"`

	Rollover struct {
		Enabled bool   `yaml:"enabled" env:"ROLLOVER_ENABLED"`
		At      string `yaml:"at" env:"ROLLOVER_AT"`
	} `yaml:"rollover"`

	API struct {
		Port int `yaml:"port" env:"API_PORT"`
	} `yaml:"api"`

	Log struct {
		Level  string `yaml:"level" env:"LOG_LEVEL"`
		Format string `yaml:"format" env:"LOG_FORMAT"`
	} `yaml:"log"`

	// Cameras is the static store layout keyed by camera/store id. YAML only.
	Cameras map[string]CameraLayout `yaml:"cameras"`
}

// CameraLayout is everything an operator draws on top of one camera view.
type CameraLayout struct {
	Shelves []ShelfSlot `yaml:"shelves"`
	Queue   *Region     `yaml:"queue"`
	Zones   []ZoneDef   `yaml:"zones"`
}

// Region is either a rect [x, y, width, height] or a polygon of [x, y] vertices.
type Region struct {
	Rect    []float64    `yaml:"rect"`
	Polygon [][2]float64 `yaml:"polygon"`
}

type ShelfSlot struct {
	ID   string    `yaml:"id"`
	Rect []float64 `yaml:"rect"`
}

type ZoneDef struct {
	ID     string `yaml:"id"`
	Region `yaml:",inline"`
}

// Default returns the built-in parameter values.
func Default() *Config {
	cfg := &Config{}
	cfg.Minio.ExportsBucket = "heatmaps"
	cfg.Kafka.GroupID = "retail-analytics"
	cfg.Kafka.FrameTopic = "camera-frames"
	cfg.Kafka.AlertTopic = "queue-alerts"
	cfg.Kafka.ResultTopic = "pipeline-results"
	cfg.Kafka.OutboxInterval = time.Second
	cfg.Detection.Timeout = 2 * time.Second
	cfg.Detection.ConfidenceFloor = 0.25
	cfg.Detection.IoUThreshold = 0.45
	cfg.Shelf.CoverageThreshold = 0.3
	cfg.Shelf.MinConfidence = 0.25
	cfg.Shelf.ProductClasses = []string{string(models.ClassProduct)}
	cfg.Queue.AlertThreshold = 5
	cfg.Queue.HysteresisMargin = 1
	cfg.Queue.Window = 5
	cfg.Queue.Debounce = 2
	cfg.Heatmap.GridCols = 64
	cfg.Heatmap.GridRows = 36
	cfg.Heatmap.MaxGap = 10 * time.Second
	cfg.Runner.FrameTimeout = 5 * time.Second
	cfg.Runner.Retries = 3
	cfg.Rollover.At = "00:00"
	cfg.API.Port = 8000
	cfg.Log.Level = "info"
	cfg.Log.Format = "json"
	return cfg
}

func LoadConfig(filename string) (*Config, error) {
	cfg := Default()

	if filename == "" {
		filename = defaultPath
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", filename, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", filename, err)
	}

	// Environment overrides YAML.
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	unit := func(name string, v float64) {
		if v < 0 || v > 1 {
			errs = append(errs, fmt.Errorf("%s must be within [0, 1], got %v", name, v))
		}
	}
	unit("detection.confidence_floor", c.Detection.ConfidenceFloor)
	unit("detection.iou_threshold", c.Detection.IoUThreshold)
	unit("shelf.coverage_threshold", c.Shelf.CoverageThreshold)
	unit("shelf.min_confidence", c.Shelf.MinConfidence)

	if c.Queue.Window <= 0 {
		errs = append(errs, fmt.Errorf("queue.window must be positive, got %d", c.Queue.Window))
	}
	if c.Queue.Debounce <= 0 {
		errs = append(errs, fmt.Errorf("queue.debounce must be positive, got %d", c.Queue.Debounce))
	}
	if c.Queue.HysteresisMargin < 0 {
		errs = append(errs, fmt.Errorf("queue.hysteresis_margin must not be negative, got %v", c.Queue.HysteresisMargin))
	}
	if c.Heatmap.GridCols <= 0 || c.Heatmap.GridRows <= 0 {
		errs = append(errs, fmt.Errorf("heatmap grid must be positive, got %dx%d", c.Heatmap.GridCols, c.Heatmap.GridRows))
	}
	if c.Kafka.OutboxInterval <= 0 {
		errs = append(errs, fmt.Errorf("kafka.outbox_interval must be positive, got %s", c.Kafka.OutboxInterval))
	}
	if c.Heatmap.MaxGap <= 0 {
		errs = append(errs, fmt.Errorf("heatmap.max_gap must be positive, got %s", c.Heatmap.MaxGap))
	}
	if _, _, err := c.RolloverClock(); err != nil {
		errs = append(errs, err)
	}

	for id, layout := range c.Cameras {
		for _, slot := range layout.Shelves {
			if _, err := rect(slot.Rect); err != nil {
				errs = append(errs, fmt.Errorf("camera %s shelf %s: %w", id, slot.ID, err))
			}
		}
		if layout.Queue != nil {
			if _, err := layout.Queue.Area(); err != nil {
				errs = append(errs, fmt.Errorf("camera %s queue: %w", id, err))
			}
		}
		for _, z := range layout.Zones {
			if _, err := z.Area(); err != nil {
				errs = append(errs, fmt.Errorf("camera %s zone %s: %w", id, z.ID, err))
			}
		}
	}

	return errors.Join(errs...)
}

// RolloverClock parses Rollover.At as HH:MM in UTC.
func (c *Config) RolloverClock() (hour, minute int, err error) {
	t, err := time.Parse("15:04", c.Rollover.At)
	if err != nil {
		return 0, 0, fmt.Errorf("rollover.at must be HH:MM, got %q", c.Rollover.At)
	}
	return t.Hour(), t.Minute(), nil
}

// Area converts the region into a polygon.
func (r Region) Area() (geom.Polygon, error) {
	switch {
	case len(r.Polygon) > 0:
		if len(r.Polygon) < 3 {
			return nil, fmt.Errorf("polygon needs at least 3 vertices, got %d", len(r.Polygon))
		}
		pg := make(geom.Polygon, len(r.Polygon))
		for i, v := range r.Polygon {
			pg[i] = geom.Point{X: v[0], Y: v[1]}
		}
		return pg, nil
	case len(r.Rect) > 0:
		box, err := rect(r.Rect)
		if err != nil {
			return nil, err
		}
		return box.Polygon(), nil
	default:
		return nil, errors.New("region needs rect or polygon")
	}
}

func rect(v []float64) (geom.Rect, error) {
	if len(v) != 4 {
		return geom.Rect{}, fmt.Errorf("rect needs [x, y, width, height], got %d values", len(v))
	}
	r := geom.Rect{X: v[0], Y: v[1], Width: v[2], Height: v[3]}
	if r.Empty() {
		return geom.Rect{}, fmt.Errorf("rect %v has no area", v)
	}
	return r, nil
}

// ShelfRegions returns the shelf layout of every camera that has one.
func (c *Config) ShelfRegions() map[string][]models.ShelfRegion {
	out := make(map[string][]models.ShelfRegion)
	for id, layout := range c.Cameras {
		if len(layout.Shelves) == 0 {
			continue
		}
		regions := make([]models.ShelfRegion, 0, len(layout.Shelves))
		for _, slot := range layout.Shelves {
			r, _ := rect(slot.Rect)
			regions = append(regions, models.ShelfRegion{ID: slot.ID, Region: r})
		}
		out[id] = regions
	}
	return out
}

// QueueRegions returns the queue polygon of every camera that has one.
func (c *Config) QueueRegions() map[string]geom.Polygon {
	out := make(map[string]geom.Polygon)
	for id, layout := range c.Cameras {
		if layout.Queue == nil {
			continue
		}
		if pg, err := layout.Queue.Area(); err == nil {
			out[id] = pg
		}
	}
	return out
}

// Zones returns the dwell zones per camera.
func (c *Config) Zones() map[string][]models.Zone {
	out := make(map[string][]models.Zone)
	for id, layout := range c.Cameras {
		for _, z := range layout.Zones {
			pg, err := z.Area()
			if err != nil {
				continue
			}
			out[id] = append(out[id], models.Zone{ID: z.ID, Area: pg})
		}
	}
	return out
}
