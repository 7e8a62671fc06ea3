package wire

import "encoding/json"

// TopicPrefix roots every topic generated for device events.
const TopicPrefix = "mesh/"

// ButtonTopic is where presses of device's buttons are published.
func ButtonTopic(device string) string {
	return TopicPrefix + device + "/button"
}

// SensorTopic is where readings of device's sensor name are published.
func SensorTopic(device, name string) string {
	return TopicPrefix + device + "/sensor/" + name
}

type buttonPayload struct {
	ButtonID uint8  `json:"button_id"`
	Type     string `json:"type"`
	TS       int64  `json:"ts"`
}

type sensorPayload struct {
	Value any    `json:"value"`
	Unit  string `json:"unit"`
	TS    int64  `json:"ts"`
}

// ButtonPayload is the JSON published for a press; ts is Unix seconds.
func ButtonPayload(button uint8, press PressKind, ts int64) ([]byte, error) {
	return json.Marshal(buttonPayload{ButtonID: button, Type: press.String(), TS: ts})
}

// SensorPayload is the JSON published for a reading; ts is Unix seconds.
func SensorPayload(v SensorValue, ts int64) ([]byte, error) {
	return json.Marshal(sensorPayload{Value: v.JSON(), Unit: v.Unit(), TS: ts})
}
