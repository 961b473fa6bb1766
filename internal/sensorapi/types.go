package sensorapi

type SensorType string

const (
	TypeCamera      SensorType = "camera"
	TypeTemperature SensorType = "temperature"
	TypeHumidity    SensorType = "humidity"
	TypeThermometer SensorType = "thermometer"
	TypeGeneric     SensorType = "generic"
)

type Sensor struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Type        SensorType `json:"type"`
	Unit        string     `json:"unit,omitempty"`
	ReadingType string     `json:"readingType,omitempty"`
}

type CreateSensorRequest struct {
	Name string     `json:"name"`
	Type SensorType `json:"type"`
	Unit string     `json:"unit,omitempty"`
}

type Reading struct {
	Value float64 `json:"value"`
}

type listSensorsResponse struct {
	Sensors []Sensor `json:"sensors"`
}

// Canonical shape is {"sensor":{...}}.
// Some deployments answer with bare {"id":...}, accepted as compatibility shim.
type createSensorResponse struct {
	Sensor *Sensor `json:"sensor"`
	ID     string  `json:"id"`
}

func (r *createSensorResponse) sensor(req CreateSensorRequest) (Sensor, bool) {
	if r.Sensor != nil && r.Sensor.ID != "" {
		s := *r.Sensor
		if s.Name == "" {
			s.Name = req.Name
		}
		if s.Type == "" {
			s.Type = req.Type
		}
		return s, true
	}
	if r.ID != "" {
		return Sensor{ID: r.ID, Name: req.Name, Type: req.Type, Unit: req.Unit}, true
	}
	return Sensor{}, false
}

type uploadImageResponse struct {
	ImageID string `json:"imageId"`
}

// FindSensor returns first sensor with exactly matching type and name.
func FindSensor(sensors []Sensor, typ SensorType, name string) (Sensor, bool) {
	for _, s := range sensors {
		if s.Type == typ && s.Name == name {
			return s, true
		}
	}
	return Sensor{}, false
}
