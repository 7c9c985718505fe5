package mesh

import (
	"io"
	"log"
	"os"
	"time"

	"github.com/armon/go-metrics"
	"github.com/hashicorp/memberlist"
)

// ProtocolVersionMin/Max bound the delegate protocol (distinct from the
// gossip/transport protocol memberlist itself negotiates).
const (
	ProtocolVersionMin uint8 = 2
	ProtocolVersionMax uint8 = 5
)

// Config configures a Mesh instance. Fields follow the conventional
// shape of a gossip membership library's config, generalized to three independent Lamport
// clocks, query engine, and coordinate client.
type Config struct {
	NodeName string
	Tags     map[string]string

	ProtocolVersion uint8

	EventCh chan<- Event

	CoalescePeriod     time.Duration
	QuiescentPeriod    time.Duration
	UserCoalescePeriod  time.Duration
	UserQuiescentPeriod time.Duration

	BroadcastTimeout time.Duration

	ReapInterval             time.Duration
	ReconnectInterval        time.Duration
	ReconnectTimeout         time.Duration
	TombstoneTimeout         time.Duration
	ReconnectTimeoutOverride func(m Member) time.Duration
	FlapTimeout              time.Duration

	QueueCheckInterval time.Duration
	QueueDepthWarning  int
	MaxQueueDepth      int

	RecentIntentTimeout time.Duration

	UserEventSizeLimit  int
	QuerySizeLimit      int
	QueryResponseSizeLimit int
	QueryTimeoutMult    int

	EventBuffer int // events newer than (eventClockTime - EventBuffer) survive dedup
	QueryBuffer int

	EnableNameConflictResolution bool

	KeyringFile string

	Merge MergeDelegate

	Snapshotter Snapshotter
	SnapshotPath string

	MemberlistConfig *memberlist.Config

	LogOutput io.Writer
	Logger    *log.Logger

	MetricLabels []metrics.Label
}

// DefaultConfig returns sane defaults for a general-purpose cluster.
func DefaultConfig() *Config {
	hostname, _ := os.Hostname()
	return &Config{
		NodeName:                hostname,
		Tags:                    make(map[string]string),
		ProtocolVersion:         ProtocolVersionMax,
		BroadcastTimeout:        5 * time.Second,
		ReapInterval:            15 * time.Second,
		ReconnectInterval:       30 * time.Second,
		ReconnectTimeout:        24 * time.Hour,
		TombstoneTimeout:        24 * time.Hour,
		FlapTimeout:             time.Minute,
		QueueCheckInterval:      30 * time.Second,
		QueueDepthWarning:       128,
		MaxQueueDepth:           4096,
		RecentIntentTimeout:     5 * time.Minute,
		UserEventSizeLimit:      512,
		QuerySizeLimit:          1024,
		QueryResponseSizeLimit:  1024,
		QueryTimeoutMult:        16,
		EventBuffer:             512,
		QueryBuffer:             512,
		EnableNameConflictResolution: true,
		LogOutput:               os.Stderr,
	}
}

// logger lazily builds *log.Logger from Logger/LogOutput.
func (c *Config) logger() *log.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	out := c.LogOutput
	if out == nil {
		out = os.Stderr
	}
	return log.New(out, "", log.LstdFlags)
}
