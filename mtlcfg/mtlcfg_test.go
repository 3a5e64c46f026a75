package mtlcfg

import (
	"testing"

	"github.com/mediatransport/mtl/mtlerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestPortConfigValidate(t *testing.T) {
	t.Run("vf requires tx queues", func(t *testing.T) {
		c := PortConfig{Name: "p0", Driver: DriverVF, TxQueues: 0}
		err := c.Validate()
		require.Error(t, err)
		assert.True(t, mtlerr.Is(err, mtlerr.InvalidArgument))
	})

	t.Run("valid config passes", func(t *testing.T) {
		c := PortConfig{Name: "p0", Driver: DriverPF, TxQueues: 1, RxQueues: 1, RSS: RSSL3}
		assert.NoError(t, c.Validate())
	})

	t.Run("unknown rss mode rejected", func(t *testing.T) {
		c := PortConfig{Name: "p0", Driver: DriverPF, RSS: "bogus"}
		assert.Error(t, c.Validate())
	})
}

func TestVideoSessionConfigValidate(t *testing.T) {
	base := VideoSessionConfig{
		Name: "cam0", Width: 1920, Height: 1080, FPS: 59.94,
		PixelGroup: YUV422_10bit, PayloadSize: 1200, FramebufferCount: 3,
		DstIP: "239.1.1.1",
	}
	assert.NoError(t, base.Validate())

	bad := base
	bad.PayloadSize = 2000
	assert.Error(t, bad.Validate())

	bad2 := base
	bad2.DstIP = ""
	assert.Error(t, bad2.Validate())
}

func TestAudioSessionConfigValidate(t *testing.T) {
	c := AudioSessionConfig{SamplingHz: 48000, Channels: 2, SampleBits: 24, PTime: 1, DstIP: "239.1.1.2"}
	assert.NoError(t, c.Validate())

	bad := c
	bad.PTime = 3
	assert.Error(t, bad.Validate())
}

func TestInstanceConfigValidate(t *testing.T) {
	c := InstanceConfig{}
	assert.Error(t, c.Validate())

	c.Ports = []PortConfig{{Name: "p0", Driver: DriverPF}}
	assert.Error(t, c.Validate(), "still missing schedulers")

	c.Schedulers = []SchedulerConfig{{QuotaMbps: 10000}}
	assert.NoError(t, c.Validate())
}

func TestDefaultInstanceConfig(t *testing.T) {
	c := DefaultInstanceConfig()
	assert.Equal(t, 6, c.AdminPeriodSec)
	assert.Equal(t, int64(1000), c.SchDefaultSleepUs)
	assert.Equal(t, int64(200), c.SchSleepThreshUs)
}

func TestInstanceConfigDecodesFromYAML(t *testing.T) {
	doc := `
ports:
  - name: p0
    driver: pf
    tx_queues: 2
    rx_queues: 2
schedulers:
  - numa_socket: 0
    allow_sleep: true
    quota_mbps: 10000
admin_period_sec: 6
sch_default_sleep_us: 1000
sch_sleep_threshold_us: 200
`
	var c InstanceConfig
	require.NoError(t, yaml.Unmarshal([]byte(doc), &c))
	require.NoError(t, c.Validate())

	assert.Equal(t, "p0", c.Ports[0].Name)
	assert.Equal(t, DriverPF, c.Ports[0].Driver)
	assert.Equal(t, 2, c.Ports[0].TxQueues)
	assert.Equal(t, 10000, c.Schedulers[0].QuotaMbps)
	assert.Equal(t, 6, c.AdminPeriodSec)
}
