// Package mtlcfg defines the core's configuration structs. Decoding a JSON or
// YAML file into these structs is the excluded CLI config loader's job; the
// core only ever accepts an already-decoded InstanceConfig.
package mtlcfg

import (
	"fmt"

	"github.com/mediatransport/mtl/mtlerr"
)

// PacingWay selects the mechanism used to meter TX packet departure.
type PacingWay string

const (
	PacingNarrow    PacingWay = "narrow"
	PacingWide      PacingWay = "wide"
	PacingLinear    PacingWay = "linear"
	PacingTSC       PacingWay = "tsc"
	PacingTSCNarrow PacingWay = "tsc_narrow"
	PacingPTP       PacingWay = "ptp"
	PacingBestEffort PacingWay = "best_effort"
)

// DriverClass identifies the packet I/O substrate backing a port.
type DriverClass string

const (
	DriverPF     DriverClass = "pf"
	DriverVF     DriverClass = "vf"
	DriverAFXDP  DriverClass = "af_xdp"
	DriverKernel DriverClass = "kernel"
)

// RSSMode selects hardware RX steering granularity for the shared queue
// layer (§4.6).
type RSSMode string

const (
	RSSNone  RSSMode = "none"
	RSSL3    RSSMode = "l3"
	RSSL3L4  RSSMode = "l3_l4"
)

// PortConfig describes one NIC port (§3 Interface).
type PortConfig struct {
	Name              string      `yaml:"name"`
	NumaSocket        int         `yaml:"numa_socket"`
	Driver            DriverClass `yaml:"driver"`
	TxQueues          int         `yaml:"tx_queues"`
	RxQueues          int         `yaml:"rx_queues"`
	TxDescriptors     int         `yaml:"tx_descriptors"`
	RxDescriptors     int         `yaml:"rx_descriptors"`
	HeaderSplit       bool        `yaml:"header_split"`
	HWTimestamp       bool        `yaml:"hw_timestamp"`
	RSS               RSSMode     `yaml:"rss"`
	SharedTxQueue     bool        `yaml:"shared_tx_queue"`
	SharedRxQueue     bool        `yaml:"shared_rx_queue"`
}

// Validate checks a PortConfig for internal consistency.
func (c *PortConfig) Validate() error {
	if c.Name == "" {
		return mtlerr.New(mtlerr.InvalidArgument, "port.validate", "name is required")
	}
	if c.TxQueues < 0 || c.RxQueues < 0 {
		return mtlerr.New(mtlerr.InvalidArgument, "port.validate", "queue counts must be non-negative")
	}
	if c.Driver == DriverVF && c.TxQueues == 0 {
		return mtlerr.New(mtlerr.InvalidArgument, "port.validate", "VF ports require at least one tx queue")
	}
	switch c.RSS {
	case "", RSSNone, RSSL3, RSSL3L4:
	default:
		return mtlerr.New(mtlerr.InvalidArgument, "port.validate", fmt.Sprintf("unknown rss mode %q", c.RSS))
	}
	return nil
}

// PixelGroup describes a video sample-packing format (§4.7).
type PixelGroup struct {
	Name        string `yaml:"name"`
	SizeBytes   int    `yaml:"size_bytes"`
	CoveragePx  int    `yaml:"coverage_px"`
}

// YUV422_10bit is the pixel group used by the §8 1080p59.94 scenario.
var YUV422_10bit = PixelGroup{Name: "YUV422_10bit", SizeBytes: 5, CoveragePx: 2}

// VideoSessionConfig configures a TX or RX ST 2110-20 video session.
type VideoSessionConfig struct {
	Name             string     `yaml:"name"`
	Width            int        `yaml:"width"`
	Height           int        `yaml:"height"`
	FPS              float64    `yaml:"fps"`
	PixelGroup       PixelGroup `yaml:"pixel_group"`
	PayloadSize      int        `yaml:"payload_size"`
	FramebufferCount int        `yaml:"framebuffer_count"`
	Pacing           PacingWay  `yaml:"pacing"`
	StartVRX         int        `yaml:"start_vrx"`
	PadInterval      int        `yaml:"pad_interval"`
	RedundantPort    bool       `yaml:"redundant_port"`
	RedundantDelayNs int64      `yaml:"redundant_delay_ns"`
	UserTimestamps   bool       `yaml:"user_timestamps"`
	DstIP            string     `yaml:"dst_ip"`
	DstPort          int        `yaml:"dst_port"`
	PayloadType      uint8      `yaml:"payload_type"`
}

// Validate checks a VideoSessionConfig for internal consistency.
func (c *VideoSessionConfig) Validate() error {
	if c.Width <= 0 || c.Height <= 0 {
		return mtlerr.New(mtlerr.InvalidArgument, "video.validate", "width/height must be positive")
	}
	if c.FPS <= 0 {
		return mtlerr.New(mtlerr.InvalidArgument, "video.validate", "fps must be positive")
	}
	if c.PixelGroup.SizeBytes <= 0 || c.PixelGroup.CoveragePx <= 0 {
		return mtlerr.New(mtlerr.InvalidArgument, "video.validate", "pixel group must be configured")
	}
	if c.PayloadSize <= 0 || c.PayloadSize > 1460 {
		return mtlerr.New(mtlerr.InvalidArgument, "video.validate", "payload size must fit the MTU budget")
	}
	if c.FramebufferCount <= 0 {
		return mtlerr.New(mtlerr.InvalidArgument, "video.validate", "framebuffer_count must be positive")
	}
	if c.DstIP == "" {
		return mtlerr.New(mtlerr.InvalidArgument, "video.validate", "dst_ip is required")
	}
	return nil
}

// AudioSessionConfig configures a TX or RX ST 2110-30/31 audio session.
type AudioSessionConfig struct {
	Name             string    `yaml:"name"`
	SamplingHz       int       `yaml:"sampling_hz"`
	Channels         int       `yaml:"channels"`
	SampleBits       int       `yaml:"sample_bits"`
	PTime            float64   `yaml:"ptime_ms"`
	FramebufferCount int       `yaml:"framebuffer_count"`
	Pacing           PacingWay `yaml:"pacing"`
	DstIP            string    `yaml:"dst_ip"`
	DstPort          int       `yaml:"dst_port"`
	PayloadType      uint8     `yaml:"payload_type"`
	AM824            bool      `yaml:"am824"`
}

// Validate checks an AudioSessionConfig for internal consistency.
func (c *AudioSessionConfig) Validate() error {
	if c.SamplingHz <= 0 || c.Channels <= 0 || c.SampleBits <= 0 {
		return mtlerr.New(mtlerr.InvalidArgument, "audio.validate", "sampling/channels/bits must be positive")
	}
	switch c.PTime {
	case 0.125, 0.25, 0.333, 1, 4:
	default:
		return mtlerr.New(mtlerr.InvalidArgument, "audio.validate", "ptime must be one of 125us/250us/333us/1ms/4ms")
	}
	if c.DstIP == "" {
		return mtlerr.New(mtlerr.InvalidArgument, "audio.validate", "dst_ip is required")
	}
	return nil
}

// AncillarySessionConfig configures an ST 2110-40 session.
type AncillarySessionConfig struct {
	Name             string `yaml:"name"`
	FramebufferCount int    `yaml:"framebuffer_count"`
	SplitByPacket    bool   `yaml:"split_by_packet"`
	RedundantDelayNs int64  `yaml:"redundant_delay_ns"`
	DstIP            string `yaml:"dst_ip"`
	DstPort          int    `yaml:"dst_port"`
	PayloadType      uint8  `yaml:"payload_type"`
}

// Validate checks an AncillarySessionConfig for internal consistency.
func (c *AncillarySessionConfig) Validate() error {
	if c.FramebufferCount <= 0 {
		return mtlerr.New(mtlerr.InvalidArgument, "ancillary.validate", "framebuffer_count must be positive")
	}
	if c.DstIP == "" {
		return mtlerr.New(mtlerr.InvalidArgument, "ancillary.validate", "dst_ip is required")
	}
	return nil
}

// FastMetadataSessionConfig configures an ST 2110-41 session.
type FastMetadataSessionConfig struct {
	Name             string `yaml:"name"`
	FramebufferCount int    `yaml:"framebuffer_count"`
	DataItemType     uint32 `yaml:"data_item_type"`
	KBit             bool   `yaml:"k_bit"`
	DstIP            string `yaml:"dst_ip"`
	DstPort          int    `yaml:"dst_port"`
	PayloadType      uint8  `yaml:"payload_type"`
}

// Validate checks a FastMetadataSessionConfig for internal consistency.
func (c *FastMetadataSessionConfig) Validate() error {
	if c.FramebufferCount <= 0 {
		return mtlerr.New(mtlerr.InvalidArgument, "fastmetadata.validate", "framebuffer_count must be positive")
	}
	if c.DataItemType > (1<<22)-1 {
		return mtlerr.New(mtlerr.InvalidArgument, "fastmetadata.validate", "data_item_type exceeds 22 bits")
	}
	return nil
}

// SchedulerConfig configures one scheduler/lcore (§3 Scheduler).
type SchedulerConfig struct {
	NumaSocket   int   `yaml:"numa_socket"`
	AllowSleep   bool  `yaml:"allow_sleep"`
	QuotaMbps    int   `yaml:"quota_mbps"`
	ForceSleepUs int64 `yaml:"force_sleep_us"`
}

// InstanceConfig is the root decoded configuration the core accepts.
type InstanceConfig struct {
	Ports            []PortConfig      `yaml:"ports"`
	Schedulers       []SchedulerConfig `yaml:"schedulers"`
	AdminPeriodSec   int               `yaml:"admin_period_sec"`
	SchDefaultSleepUs int64            `yaml:"sch_default_sleep_us"`
	SchSleepThreshUs  int64            `yaml:"sch_sleep_threshold_us"`
}

// Validate checks an InstanceConfig and all nested configs.
func (c *InstanceConfig) Validate() error {
	if len(c.Ports) == 0 {
		return mtlerr.New(mtlerr.InvalidArgument, "instance.validate", "at least one port is required")
	}
	for i := range c.Ports {
		if err := c.Ports[i].Validate(); err != nil {
			return err
		}
	}
	if len(c.Schedulers) == 0 {
		return mtlerr.New(mtlerr.InvalidArgument, "instance.validate", "at least one scheduler is required")
	}
	return nil
}

// DefaultInstanceConfig returns an InstanceConfig with the library's default
// magic-number heuristics (§9 Open Questions): these are tunables, not fixed
// behavior, and callers are expected to override them.
func DefaultInstanceConfig() InstanceConfig {
	return InstanceConfig{
		AdminPeriodSec:    6,
		SchDefaultSleepUs: 1000,
		SchSleepThreshUs:  200,
	}
}
