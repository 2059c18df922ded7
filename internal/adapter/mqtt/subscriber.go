// Package mqtt ingests station telemetry published over MQTT into the
// measurement store.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/couchcryptid/urban-raster-service/internal/config"
	"github.com/couchcryptid/urban-raster-service/internal/domain"
	"github.com/couchcryptid/urban-raster-service/internal/observability"
)

// MeasurementStore persists decoded measurements.
type MeasurementStore interface {
	SaveMeasurements(ctx context.Context, ms []domain.Measurement) (int, error)
}

// Telemetry is one station report. Absent readings are nil.
type Telemetry struct {
	StationID      string    `json:"station_id"`
	Timestamp      time.Time `json:"timestamp"`
	Temperature    *float64  `json:"temperature_c,omitempty"`
	Humidity       *float64  `json:"humidity_pct,omitempty"`
	Precipitation  *float64  `json:"precipitation_mm,omitempty"`
	WindSpeed      *float64  `json:"wind_speed_m_s,omitempty"`
	SolarRadiation *float64  `json:"solar_radiation_w_m2,omitempty"`
	Pressure       *float64  `json:"pressure_hpa,omitempty"`
}

// Measurements flattens the present readings into one measurement each.
func (t Telemetry) Measurements() []domain.Measurement {
	readings := []struct {
		variable string
		value    *float64
	}{
		{domain.VarTemperature, t.Temperature},
		{domain.VarHumidity, t.Humidity},
		{domain.VarPrecipitation, t.Precipitation},
		{domain.VarWindSpeed, t.WindSpeed},
		{domain.VarSolarRadiation, t.SolarRadiation},
		{domain.VarPressure, t.Pressure},
	}
	out := make([]domain.Measurement, 0, len(readings))
	for _, r := range readings {
		if r.value == nil {
			continue
		}
		out = append(out, domain.Measurement{
			StationID:  t.StationID,
			ObservedAt: t.Timestamp.UTC(),
			Variable:   r.variable,
			Value:      *r.value,
		})
	}
	return out
}

// Validate checks required fields and physical ranges of the readings.
func (t Telemetry) Validate() error {
	if strings.TrimSpace(t.StationID) == "" {
		return errors.New("station_id is required")
	}
	if t.Timestamp.IsZero() {
		return errors.New("timestamp is required")
	}
	if t.Humidity != nil && (*t.Humidity < 0 || *t.Humidity > 100) {
		return fmt.Errorf("humidity_pct out of range: %g (must be 0-100)", *t.Humidity)
	}
	if t.Precipitation != nil && *t.Precipitation < 0 {
		return fmt.Errorf("precipitation_mm must not be negative: %g", *t.Precipitation)
	}
	if t.WindSpeed != nil && *t.WindSpeed < 0 {
		return fmt.Errorf("wind_speed_m_s must not be negative: %g", *t.WindSpeed)
	}
	if t.SolarRadiation != nil && *t.SolarRadiation < 0 {
		return fmt.Errorf("solar_radiation_w_m2 must not be negative: %g", *t.SolarRadiation)
	}
	if t.Pressure != nil && *t.Pressure <= 0 {
		return fmt.Errorf("pressure_hpa must be positive: %g", *t.Pressure)
	}
	if t.Temperature != nil && (*t.Temperature < -90 || *t.Temperature > 70) {
		return fmt.Errorf("temperature_c out of range: %g", *t.Temperature)
	}
	if len(t.Measurements()) == 0 {
		return errors.New("at least one sensor reading is required")
	}
	return nil
}

// stationFromTopic returns the segment following "stations/", if any.
func stationFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	for i := 0; i+1 < len(parts); i++ {
		if parts[i] == "stations" {
			return parts[i+1]
		}
	}
	return ""
}

// Subscriber consumes telemetry from the configured topic.
type Subscriber struct {
	client  paho.Client
	topic   string
	store   MeasurementStore
	logger  *slog.Logger
	metrics *observability.Metrics
	timeout time.Duration

	mu        sync.RWMutex
	connected bool

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewSubscriber configures an auto-reconnecting client. Connect starts it.
func NewSubscriber(cfg *config.Config, store MeasurementStore, logger *slog.Logger, metrics *observability.Metrics) *Subscriber {
	s := &Subscriber{
		topic:   cfg.MQTTTopic,
		store:   store,
		logger:  logger,
		metrics: metrics,
		timeout: 10 * time.Second,
		stopCh:  make(chan struct{}),
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.MQTTBroker, cfg.MQTTPort))
	opts.SetClientID(cfg.MQTTClientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	// Subscriptions do not survive a clean-session reconnect.
	opts.SetOnConnectHandler(func(c paho.Client) {
		s.setConnected(true)
		logger.Info("mqtt connected", "broker", cfg.MQTTBroker, "port", cfg.MQTTPort)
		if err := s.subscribe(c); err != nil {
			logger.Error("mqtt subscribe failed", "topic", s.topic, "error", err)
		}
	})
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		s.setConnected(false)
		logger.Warn("mqtt connection lost", "error", err)
	})

	s.client = paho.NewClient(opts)
	return s
}

// Connect waits for the first connection, honoring ctx and Disconnect.
func (s *Subscriber) Connect(ctx context.Context) error {
	select {
	case <-s.stopCh:
		return errors.New("subscriber stopped")
	default:
	}
	if s.IsConnected() {
		return nil
	}

	token := s.client.Connect()
	const poll = 200 * time.Millisecond
	for !token.WaitTimeout(poll) {
		select {
		case <-ctx.Done():
			s.client.Disconnect(0)
			return ctx.Err()
		case <-s.stopCh:
			s.client.Disconnect(0)
			return errors.New("subscriber stopped")
		default:
		}
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	return nil
}

func (s *Subscriber) subscribe(c paho.Client) error {
	const qos = byte(1)
	token := c.Subscribe(s.topic, qos, func(_ paho.Client, msg paho.Message) {
		s.handleMessage(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("subscribe timeout for topic %s", s.topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe to %s: %w", s.topic, err)
	}
	s.logger.Info("subscribed to mqtt topic", "topic", s.topic, "qos", qos)
	return nil
}

// handleMessage decodes, validates, and stores one payload. Invalid payloads
// are logged and dropped.
func (s *Subscriber) handleMessage(topic string, payload []byte) {
	var t Telemetry
	if err := json.Unmarshal(payload, &t); err != nil {
		s.metrics.MeasurementsIngested.WithLabelValues("invalid").Inc()
		s.logger.Warn("failed to parse telemetry", "topic", topic, "error", err)
		return
	}
	if t.StationID == "" {
		t.StationID = stationFromTopic(topic)
	}
	if err := t.Validate(); err != nil {
		s.metrics.MeasurementsIngested.WithLabelValues("invalid").Inc()
		s.logger.Warn("invalid telemetry", "topic", topic, "station_id", t.StationID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	ms := t.Measurements()
	stored, err := s.store.SaveMeasurements(ctx, ms)
	if err != nil {
		s.metrics.MeasurementsIngested.WithLabelValues("error").Add(float64(len(ms)))
		s.logger.Error("store telemetry", "station_id", t.StationID, "error", err)
		return
	}
	s.metrics.MeasurementsIngested.WithLabelValues("stored").Add(float64(stored))
	if skipped := len(ms) - stored; skipped > 0 {
		s.metrics.MeasurementsIngested.WithLabelValues("invalid").Add(float64(skipped))
		s.logger.Debug("telemetry of unknown station skipped", "station_id", t.StationID, "count", skipped)
	}
}

// IsConnected reports whether the client holds a live connection.
func (s *Subscriber) IsConnected() bool {
	s.mu.RLock()
	connected := s.connected
	s.mu.RUnlock()
	return connected && s.client.IsConnected()
}

// Disconnect unsubscribes and closes the connection. Safe to call repeatedly.
func (s *Subscriber) Disconnect() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	if s.IsConnected() {
		s.client.Unsubscribe(s.topic).WaitTimeout(2 * time.Second)
	}
	s.client.Disconnect(250)
	s.setConnected(false)
	s.logger.Info("mqtt subscriber disconnected")
}

func (s *Subscriber) setConnected(v bool) {
	s.mu.Lock()
	s.connected = v
	s.mu.Unlock()
}
