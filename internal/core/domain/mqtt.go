package domain

import "sort"

type EntityRole string

const (
	RoleClient EntityRole = "client"
	RoleBroker EntityRole = "broker"
	RoleCloud  EntityRole = "cloud"
)

// MQTTEntity is an inferred participant keyed by IP.
type MQTTEntity struct {
	IP              string       `json:"ip"`
	Roles           []EntityRole `json:"roles"`
	BrokerConfirmed bool         `json:"broker_confirmed"`
	Forwarder       bool         `json:"forwarder"`
}

func (e MQTTEntity) HasRole(r EntityRole) bool {
	for _, have := range e.Roles {
		if have == r {
			return true
		}
	}
	return false
}

// MQTTStage names one hop of the publish path.
type MQTTStage string

const (
	StageBrokerAck        MQTTStage = "broker_ack"
	StageBrokerProcessing MQTTStage = "broker_processing"
	StageCloudUpload      MQTTStage = "cloud_upload"
	StageTotal            MQTTStage = "total"
)

// MQTTMessageDelay is the per-message stage breakdown. MsgID, Type and QoS
// stay nil whenever they were not observable on the wire.
type MQTTMessageDelay struct {
	Session          string      `json:"session"`
	Flow             FlowKey     `json:"flow"`
	Client           string      `json:"client"`
	Broker           string      `json:"broker"`
	Encrypted        bool        `json:"encrypted"`
	MsgID            *uint16     `json:"mqtt_msg_id"`
	Type             *uint8      `json:"mqtt_type"`
	QoS              *uint8      `json:"qos"`
	PublishTime      float64     `json:"client_publish_time"`
	BrokerAck        Measurement `json:"broker_ack_delay"`
	BrokerProcessing Measurement `json:"broker_processing_delay"`
	CloudUpload      Measurement `json:"cloud_upload_delay"`
	Total            Measurement `json:"total_delay"`
	Bottleneck       MQTTStage   `json:"bottleneck,omitempty"`
	Anomalous        []MQTTStage `json:"anomalous_stages,omitempty"`
}

// StageValue returns the measurement for a stage.
func (m MQTTMessageDelay) StageValue(s MQTTStage) Measurement {
	switch s {
	case StageBrokerAck:
		return m.BrokerAck
	case StageBrokerProcessing:
		return m.BrokerProcessing
	case StageCloudUpload:
		return m.CloudUpload
	case StageTotal:
		return m.Total
	}
	return Unmeasurable()
}

type StageStats struct {
	Stage     MQTTStage `json:"stage"`
	Count     int       `json:"count"`
	Mean      float64   `json:"mean"`
	Median    float64   `json:"median"`
	Max       float64   `json:"max"`
	StdDev    float64   `json:"stddev"`
	Threshold float64   `json:"anomaly_threshold"`
}

// MQTTReport holds the bucket-level MQTT results.
type MQTTReport struct {
	Entities []MQTTEntity       `json:"entities"`
	Messages []MQTTMessageDelay `json:"messages"`
	Stages   []StageStats       `json:"stages"`
}

// SortEntities orders entities by IP for stable output.
func SortEntities(es []MQTTEntity) {
	sort.Slice(es, func(i, j int) bool { return es[i].IP < es[j].IP })
}
