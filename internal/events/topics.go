package events

import (
	"strings"

	"github.com/google/uuid"
)

// Subject naming: <prefix>.<domain>.<name>
// Prefix is configured per deployment (e.g. "minerlink").

const (
	DomainDevice = "device"
	DomainScan   = "scan"
)

const (
	DeviceIdentified = DomainDevice + ".identified"
	DevicePolled     = DomainDevice + ".polled"
	ConfigWritten    = DomainDevice + ".config_written"
	LifecycleRun     = DomainDevice + ".lifecycle"

	ScanCompleted = DomainScan + ".completed"
)

func NewID() string { return uuid.NewString() }

func Subject(prefix, topic string) string {
	if prefix == "" {
		return topic
	}
	return prefix + "." + topic
}

// TrimPrefix is the inverse of Subject.
func TrimPrefix(prefix, subject string) string {
	if prefix == "" {
		return subject
	}
	return strings.TrimPrefix(subject, prefix+".")
}

// Topic returns the subject suffix for an event kind.
func Topic(k Kind) string {
	switch k {
	case KindIdentify:
		return DeviceIdentified
	case KindPoll:
		return DevicePolled
	case KindConfigWrite:
		return ConfigWritten
	case KindLifecycle:
		return LifecycleRun
	case KindScanCompleted:
		return ScanCompleted
	}
	return DomainDevice + "." + string(k)
}
