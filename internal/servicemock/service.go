// Package servicemock is in-process fake of the sensor service and its channel feed.
// Tests run it with httptest.NewServer(svc).
package servicemock

import (
	"encoding/json"
	"io/ioutil"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/kentonj/monitect/internal/sensorapi"
	"github.com/kentonj/monitect/log2"
)

type Options struct {
	Log *log2.Log
	// Answer POST /sensors with bare {"id":...} instead of {"sensor":{...}}.
	BareCreateResponse bool
	QueueSize          int
}

type image struct {
	id      string
	created time.Time
	data    []byte
}

type Service struct {
	opt      Options
	log      *log2.Log
	router   *mux.Router
	upgrader websocket.Upgrader
	hub      *Hub

	mu            sync.Mutex
	sensors       []sensorapi.Sensor
	readings      map[string][]float64
	images        map[string][]image
	creates       int
	readingStatus map[string]int
	now           func() time.Time
}

func New(opt Options) *Service {
	s := &Service{
		opt:           opt,
		log:           opt.Log,
		router:        mux.NewRouter(),
		upgrader:      websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		hub:           NewHub(opt.QueueSize),
		readings:      make(map[string][]float64),
		images:        make(map[string][]image),
		readingStatus: make(map[string]int),
		now:           time.Now,
	}
	s.registerRoutes()
	return s
}

func (s *Service) registerRoutes() {
	s.router.HandleFunc("/sensors", s.listSensors).Methods(http.MethodGet)
	s.router.HandleFunc("/sensors", s.createSensor).Methods(http.MethodPost)
	s.router.HandleFunc("/sensors/{sensorId}/readings", s.createReading).Methods(http.MethodPost)
	s.router.HandleFunc("/sensors/{sensorId}/images", s.createImage).Methods(http.MethodPost)
	s.router.HandleFunc("/sensors/{sensorId}/images", s.truncateImages).Methods(http.MethodDelete)
	s.router.HandleFunc("/sensors/{sensorId}/images/latest", s.latestImage).Methods(http.MethodGet)
	s.router.HandleFunc("/sensors/{sensorId}/publish", s.publish)
	s.router.HandleFunc("/sensors/{sensorId}/feed", s.feed)
	s.router.HandleFunc("/consume", s.feed)
}

func (s *Service) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func (s *Service) Hub() *Hub { return s.hub }

// Close drops live channel connections, httptest.Server.Close does not touch hijacked ones.
func (s *Service) Close() { s.hub.DropAll() }

// AddSensor inserts sensor directly, as if created by another client.
func (s *Service) AddSensor(typ sensorapi.SensorType, name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.NewString()
	s.sensors = append(s.sensors, sensorapi.Sensor{ID: id, Name: name, Type: typ})
	return id
}

func (s *Service) Sensors() []sensorapi.Sensor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sensorapi.Sensor(nil), s.sensors...)
}

func (s *Service) CreateCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creates
}

func (s *Service) Readings(sensorID string) []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]float64(nil), s.readings[sensorID]...)
}

func (s *Service) Images(sensorID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.images[sensorID])
}

// FailReadings makes readings of sensor fail with given status, 0 restores.
func (s *Service) FailReadings(sensorID string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readingStatus[sensorID] = status
}

func (s *Service) listSensors(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	list := append([]sensorapi.Sensor{}, s.sensors...)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]interface{}{"sensors": list, "count": len(list)})
}

func (s *Service) createSensor(w http.ResponseWriter, r *http.Request) {
	var req sensorapi.CreateSensorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"msg": "bad json input"})
		return
	}
	if req.Name == "" || req.Type == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"msg": "name and type required"})
		return
	}
	sensor := sensorapi.Sensor{ID: uuid.NewString(), Name: req.Name, Type: req.Type, Unit: req.Unit}
	s.mu.Lock()
	s.sensors = append(s.sensors, sensor)
	s.creates++
	s.mu.Unlock()
	s.log.Debugf("service: created sensor %#v", sensor)

	if s.opt.BareCreateResponse {
		writeJSON(w, http.StatusCreated, map[string]string{"id": sensor.ID})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"sensor": sensor})
}

func (s *Service) createReading(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["sensorId"]
	var body struct {
		Value *float64 `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Value == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"msg": "sensor reading value cannot be nil"})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if status := s.readingStatus[id]; status != 0 {
		writeJSON(w, status, map[string]string{"msg": "whoops, something went wrong"})
		return
	}
	if !s.knownLocked(id) {
		writeJSON(w, http.StatusNotFound, map[string]string{"msg": "sensor not found"})
		return
	}
	s.readings[id] = append(s.readings[id], *body.Value)
	writeJSON(w, http.StatusOK, map[string]interface{}{"sensorReading": map[string]interface{}{"value": *body.Value}})
}

func (s *Service) createImage(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["sensorId"]
	file, _, err := r.FormFile("image")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"msg": "unable to read form data"})
		return
	}
	defer file.Close()
	data, err := ioutil.ReadAll(file)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"msg": "unable to read file"})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.knownLocked(id) {
		writeJSON(w, http.StatusNotFound, map[string]string{"msg": "sensor not found"})
		return
	}
	img := image{id: uuid.NewString(), created: s.now(), data: data}
	s.images[id] = append(s.images[id], img)
	writeJSON(w, http.StatusOK, map[string]string{"imageId": img.id})
}

func (s *Service) latestImage(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["sensorId"]
	s.mu.Lock()
	list := s.images[id]
	s.mu.Unlock()
	if len(list) == 0 {
		writeJSON(w, http.StatusNotFound, map[string]string{"msg": "no images"})
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(list[len(list)-1].data)
}

func (s *Service) truncateImages(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["sensorId"]
	oldest, err := time.Parse(time.RFC3339, r.URL.Query().Get("oldest"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"msg": "invalid oldest"})
		return
	}
	s.mu.Lock()
	kept := s.images[id][:0]
	deleted := 0
	for _, img := range s.images[id] {
		if img.created.Before(oldest) {
			deleted++
		} else {
			kept = append(kept, img)
		}
	}
	s.images[id] = kept
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]interface{}{"msg": "deleted", "deleted": deleted})
}

func (s *Service) publish(w http.ResponseWriter, r *http.Request) {
	channel := mux.Vars(r)["sensorId"]
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Errorf("service: publish upgrade err=%v", err)
		return
	}
	s.hub.track(conn)
	defer func() {
		s.hub.untrack(conn)
		conn.Close()
	}()
	for {
		// no logging here, hijacked conn may outlive the test
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s.hub.Publish(Message{Channel: channel, Type: mt, Data: data})
	}
}

func (s *Service) feed(w http.ResponseWriter, r *http.Request) {
	channel := mux.Vars(r)["sensorId"] // empty for /consume
	clientID := r.URL.Query().Get("clientId")
	if clientID == "" {
		clientID = uuid.NewString()
	}
	sub, err := s.hub.attach(channel, clientID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	defer s.hub.detach(channel, sub)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Errorf("service: feed upgrade err=%v", err)
		return
	}
	s.hub.track(conn)
	defer func() {
		s.hub.untrack(conn)
		conn.Close()
	}()

	// subscriber never sends, read only to notice close
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()
	for {
		select {
		case m := <-sub.ch:
			if err := conn.WriteMessage(m.Type, m.Data); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}

func (s *Service) knownLocked(id string) bool {
	for _, sensor := range s.sensors {
		if sensor.ID == id {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
