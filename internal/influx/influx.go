// Package influx records switch state history in InfluxDB.
package influx

import (
	"context"
	"errors"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/campusiot/relayd/internal/broadcast"
	"github.com/campusiot/relayd/internal/config"
	"github.com/campusiot/relayd/internal/eventbus"
)

const (
	defaultConnectTimeout = 10 * time.Second
	millisecondsPerSecond = 1000

	// Measurement is the name switch state points are written under
	Measurement = "switch_state"
)

var (
	// ErrDisabled is returned when connecting with influxdb disabled
	ErrDisabled = errors.New("influxdb: disabled in configuration")

	// ErrConnectionFailed is returned when the server cannot be reached
	ErrConnectionFailed = errors.New("influxdb: connection failed")
)

// PointWriter accepts points for asynchronous batching
type PointWriter interface {
	WritePoint(point *write.Point)
}

// Client owns the InfluxDB connection and its batching write API
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
}

// Connect creates the client, pings the server and starts the write API
func Connect(cfg config.InfluxDBConfig) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = 10
	}

	client := influxdb2.NewClientWithOptions(
		cfg.URL,
		cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(uint(batchSize)).
			SetFlushInterval(uint(flushInterval)*millisecondsPerSecond),
	)

	ctx, cancel := context.WithTimeout(context.Background(), defaultConnectTimeout)
	defer cancel()
	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping failed: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	go func() {
		for err := range writeAPI.Errors() {
			log.Warn().Err(err).Str("component", "influx").Msg("Async write failed")
		}
	}()

	return &Client{client: client, writeAPI: writeAPI}, nil
}

// WritePoint queues a point for the next batch
func (c *Client) WritePoint(point *write.Point) {
	c.writeAPI.WritePoint(point)
}

// Close flushes pending writes and closes the client
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}
	c.writeAPI.Flush()
	c.client.Close()
	return nil
}

// Sink writes one point per switch for every state snapshot
type Sink struct {
	writer PointWriter
	log    zerolog.Logger
}

// NewSink creates a sink writing to w
func NewSink(w PointWriter) *Sink {
	return &Sink{writer: w, log: log.With().Str("component", "influx").Logger()}
}

// Subscribe registers the sink on the bus
func (s *Sink) Subscribe(bus *eventbus.Bus) {
	bus.Subscribe(eventbus.TopicStateChanged, s.Handle)
}

// Handle writes the switch states carried by a state_changed event
func (s *Sink) Handle(e eventbus.Event) {
	sc, ok := e.Payload.(broadcast.StateChanged)
	if !ok || sc.Device == nil {
		return
	}
	points := Points(sc)
	for _, p := range points {
		s.writer.WritePoint(p)
	}
	s.log.Debug().Str("device_id", sc.Device.ID).Int("points", len(points)).Msg("Queued switch state points")
}

// Points converts a snapshot into one switch_state point per switch
func Points(sc broadcast.StateChanged) []*write.Point {
	at := sc.At
	if at.IsZero() {
		at = time.Now()
	}
	dev := sc.Device
	points := make([]*write.Point, 0, len(dev.Switches))
	for _, sw := range dev.Switches {
		tags := map[string]string{
			"device_id": dev.ID,
			"switch_id": sw.ID,
			"source":    string(sc.Source),
		}
		if dev.Classroom != "" {
			tags["classroom"] = dev.Classroom
		}
		if sw.Type != "" {
			tags["type"] = sw.Type
		}
		points = append(points, write.NewPoint(
			Measurement,
			tags,
			map[string]interface{}{
				"state":   sw.State,
				"channel": sw.Channel,
			},
			at,
		))
	}
	return points
}
