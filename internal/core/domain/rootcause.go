package domain

type Category string

const (
	CategoryNetworkCongestion  Category = "network_congestion"
	CategoryBrokerBottleneck   Category = "broker_bottleneck"
	CategoryUpstreamLinkLoss   Category = "upstream_link_loss"
	CategoryPathInstability    Category = "path_instability"
	CategoryCloudUploadLatency Category = "cloud_upload_latency"
	CategorySharedBottleneck   Category = "shared_bottleneck"
	CategoryReceiverDelayedAck Category = "receiver_delayed_ack"
	CategoryUnclassified       Category = "unclassified"
)

// RootCauseRecord attributes an anomalous time range of one or more flows to a
// category. Evidence carries the feature values the matching rule looked at.
type RootCauseRecord struct {
	Start    float64            `json:"window_start"`
	End      float64            `json:"window_end"`
	Flows    []FlowKey          `json:"flows"`
	Category Category           `json:"category"`
	Rule     int                `json:"rule"`
	Evidence map[string]float64 `json:"supporting_metrics"`
}
