package validation

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"streamsight/internal/core/domain"
)

var knownKinds = map[domain.MetricKind]bool{
	domain.KindTCPEstablishment:     true,
	domain.KindTCPHandshakeRTT:      true,
	domain.KindTCPRTT:               true,
	domain.KindTCPAckDelay:          true,
	domain.KindTCPDelayedAck:        true,
	domain.KindTCPRetransmission:    true,
	domain.KindTCPRetransRate:       true,
	domain.KindTCPRTTVariance:       true,
	domain.KindTCPCongestionSignal:  true,
	domain.KindUDPIPD:               true,
	domain.KindUDPJitter:            true,
	domain.KindUDPLossEvent:         true,
	domain.KindUDPCongestionScore:   true,
	domain.KindUDPReportedLoss:      true,
	domain.KindMQTTBrokerAck:        true,
	domain.KindMQTTBrokerProcessing: true,
	domain.KindMQTTCloudUpload:      true,
	domain.KindMQTTTotal:            true,
}

// ValidateReportID checks that id is a run id as issued by the analysis service.
func ValidateReportID(id string) error {
	if id == "" {
		return fmt.Errorf("report ID is required")
	}
	if len(id) > 64 {
		return fmt.Errorf("report ID is too long (max 64 characters)")
	}
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("invalid report ID format")
	}
	return nil
}

// ValidateMetricKind accepts an empty kind (no filter) or a known kind.
func ValidateMetricKind(kind string) error {
	if kind == "" {
		return nil
	}
	if !knownKinds[domain.MetricKind(kind)] {
		return fmt.Errorf("unknown metric kind %q", kind)
	}
	return nil
}

// ValidateConfidence accepts an empty value, "exact" or "heuristic".
func ValidateConfidence(c string) error {
	switch domain.Confidence(c) {
	case "", domain.ConfidenceExact, domain.ConfidenceHeuristic:
		return nil
	}
	return fmt.Errorf("invalid confidence (must be exact or heuristic)")
}

// MetricsFilter validates and builds a metrics filter from query values.
func MetricsFilter(kind, confidence string) (domain.MetricsFilter, error) {
	kind = strings.TrimSpace(kind)
	confidence = strings.ToLower(strings.TrimSpace(confidence))
	if err := ValidateMetricKind(kind); err != nil {
		return domain.MetricsFilter{}, err
	}
	if err := ValidateConfidence(confidence); err != nil {
		return domain.MetricsFilter{}, err
	}
	return domain.MetricsFilter{Kind: domain.MetricKind(kind), Confidence: domain.Confidence(confidence)}, nil
}

// ValidateSourceName validates the label a client gives an upload.
func ValidateSourceName(name string) error {
	if !utf8.ValidString(name) {
		return fmt.Errorf("source name contains invalid characters")
	}
	return ValidateStringLength(name, 0, 200, "source name")
}

// ValidateStringLength validates string length
func ValidateStringLength(s string, min, max int, fieldName string) error {
	length := utf8.RuneCountInString(s)
	if length < min {
		return fmt.Errorf("%s must be at least %d characters", fieldName, min)
	}
	if length > max {
		return fmt.Errorf("%s is too long (max %d characters)", fieldName, max)
	}
	return nil
}
