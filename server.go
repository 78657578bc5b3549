package main

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"PressureServer/transducer"
)

// ambientFunc returns relative humidity in % and CO2 in ppm.
type ambientFunc func() (float64, uint16, error)

type server struct {
	dev     *transducer.Dev
	ambient ambientFunc
	feed    *liveFeed
	reg     *prometheus.Registry

	mu      sync.RWMutex
	current SensorReading
}

func newServer(dev *transducer.Dev, ambient ambientFunc) *server {
	s := &server{
		dev:     dev,
		ambient: ambient,
		feed:    newLiveFeed(),
		reg:     prometheus.NewRegistry(),
	}
	s.registerMetrics()
	return s
}

func (s *server) reading() SensorReading {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// updateReading stores and broadcasts every reading until ch is closed.
func (s *server) updateReading(ch <-chan transducer.Reading) {
	for r := range ch {
		s.publish(r)
	}
}

func (s *server) publish(r transducer.Reading) {
	reading := NewSensorReading(r.Time)
	reading.fromTransducer(r)
	reading.Valid = s.dev.HeaderValid() && s.dev.CoefficientDataValid()

	if s.ambient != nil {
		rh, co2, err := s.ambient()
		if err != nil {
			log.Printf("Error while reading SCD4x data: %v", err)
		} else {
			reading.Humidity = rh
			reading.CO2 = co2
		}
	}

	s.mu.Lock()
	s.current = reading
	s.mu.Unlock()

	s.feed.publish(feedMessage{Type: "reading", Data: reading})
}

func (s *server) router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/", s.handleReading).Methods(http.MethodGet)
	r.HandleFunc("/sensor", s.handleSensor).Methods(http.MethodGet)
	r.HandleFunc("/refresh", s.handleRefresh).Methods(http.MethodPost)
	r.HandleFunc("/zero", s.handleAutoZero).Methods(http.MethodPost)
	r.HandleFunc("/zero", s.handleSetZero).Methods(http.MethodPut)
	r.HandleFunc("/span", s.handleSpan).Methods(http.MethodPost)
	r.HandleFunc("/ws", s.handleWS)
	r.Handle("/metrics", promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	return r
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Couldn't send response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	log.Printf("%d: %v", status, err)
	http.Error(w, err.Error(), status)
}

func (s *server) handleReading(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.reading())
}

func (s *server) handleSensor(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.dev.Info())
}

func (s *server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.dev.Refresh(); err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, s.dev.Info())
}

func (s *server) handleAutoZero(w http.ResponseWriter, r *http.Request) {
	zero, err := s.dev.AutoZero()
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	if err := s.dev.WriteZero(); err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, ZeroRequest{ZeroOffset: zero})
}

func (s *server) handleSetZero(w http.ResponseWriter, r *http.Request) {
	var req ZeroRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.dev.SetZeroOffset(req.ZeroOffset)
	if err := s.dev.WriteZero(); err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, ZeroRequest{ZeroOffset: s.dev.ZeroOffset()})
}

func (s *server) handleSpan(w http.ResponseWriter, r *http.Request) {
	var req SpanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	u, err := s.dev.ApplySpan(req.Points)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	writeJSON(w, u)
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func (s *server) registerMetrics() {
	f := promauto.With(s.reg)
	gauge := func(name, help string, fn func() float64) {
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "pressure",
			Subsystem: "transducer",
			Name:      name,
			Help:      help,
		}, fn)
	}

	gauge("pressure", "Compensated pressure in brand units.", func() float64 {
		return s.reading().Pressure
	})
	gauge("temperature_celsius", "Module temperature estimated from the diode channel.", func() float64 {
		return s.reading().Temperature
	})
	gauge("bridge_volts", "Bridge channel voltage.", func() float64 {
		return s.reading().BridgeVoltage
	})
	gauge("diode_volts", "Diode channel voltage.", func() float64 {
		return s.reading().DiodeVoltage
	})
	gauge("zero_offset", "Field zero offset in brand units.", func() float64 {
		return finite(s.dev.ZeroOffset())
	})
	gauge("header_valid", "1 if the characterization header validated.", func() float64 {
		return boolGauge(s.dev.HeaderValid())
	})
	gauge("data_valid", "1 if the characterization data validated.", func() float64 {
		return boolGauge(s.dev.CoefficientDataValid())
	})
	gauge("calibration_valid", "1 if a field calibration block is present.", func() float64 {
		return boolGauge(s.dev.CalibrationValid())
	})
	gauge("websocket_clients", "Connected live view clients.", func() float64 {
		return float64(s.feed.Len())
	})

	if s.ambient == nil {
		return
	}
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "pressure",
		Subsystem: "scd4x",
		Name:      "humidity_percent",
	}, func() float64 {
		return s.reading().Humidity
	})
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "pressure",
		Subsystem: "scd4x",
		Name:      "co2_ppm",
	}, func() float64 {
		return float64(s.reading().CO2)
	})
}
