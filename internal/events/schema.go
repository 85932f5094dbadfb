package events

import (
	_ "embed"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/jhump/protoreflect/desc"
	"github.com/jhump/protoreflect/desc/protoparse"
	"github.com/jhump/protoreflect/dynamic"
)

//go:embed events.proto
var eventsProto string

const (
	protoFileName = "events.proto"
	protoPackage  = "minerlink.events.v1."
)

type Schema struct {
	Envelope          *desc.MessageDescriptor
	Identity          *desc.MessageDescriptor
	Telemetry         *desc.MessageDescriptor
	Pool              *desc.MessageDescriptor
	DeviceIdentified  *desc.MessageDescriptor
	DevicePolled      *desc.MessageDescriptor
	ConfigWritten     *desc.MessageDescriptor
	LifecycleExecuted *desc.MessageDescriptor
	ScanCompleted     *desc.MessageDescriptor
}

// LoadSchema compiles the embedded events.proto once per process.
var LoadSchema = sync.OnceValues(compileSchema)

func compileSchema() (*Schema, error) {
	p := protoparse.Parser{
		Accessor: func(filename string) (io.ReadCloser, error) {
			if filename != protoFileName {
				return nil, fmt.Errorf("unknown import: %s", filename)
			}
			return io.NopCloser(strings.NewReader(eventsProto)), nil
		},
	}
	fds, err := p.ParseFiles(protoFileName)
	if err != nil {
		return nil, err
	}
	var missing []string
	msg := func(name string) *desc.MessageDescriptor {
		md := fds[0].FindMessage(protoPackage + name)
		if md == nil {
			missing = append(missing, name)
		}
		return md
	}
	s := &Schema{
		Envelope:          msg("Envelope"),
		Identity:          msg("Identity"),
		Telemetry:         msg("Telemetry"),
		Pool:              msg("Pool"),
		DeviceIdentified:  msg("DeviceIdentified"),
		DevicePolled:      msg("DevicePolled"),
		ConfigWritten:     msg("ConfigWritten"),
		LifecycleExecuted: msg("LifecycleExecuted"),
		ScanCompleted:     msg("ScanCompleted"),
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("schema: missing descriptors %s", strings.Join(missing, ", "))
	}
	return s, nil
}

func (s *Schema) NewEnvelope(id, subject string, ts time.Time) *dynamic.Message {
	m := dynamic.NewMessage(s.Envelope)
	m.SetFieldByName("id", id)
	m.SetFieldByName("ts_unix_ms", ts.UTC().UnixMilli())
	m.SetFieldByName("subject", subject)
	m.SetFieldByName("source", "minerlink")
	return m
}
