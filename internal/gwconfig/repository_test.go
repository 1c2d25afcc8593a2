package gwconfig

import (
	"context"
	"strings"
	"testing"

	"github.com/HerbHall/sunlink/internal/apperr"
	"github.com/HerbHall/sunlink/internal/commands"
	"github.com/HerbHall/sunlink/internal/decoder"
	"github.com/HerbHall/sunlink/internal/identity"
	"github.com/HerbHall/sunlink/internal/testutil"
	"github.com/HerbHall/sunlink/pkg/plugin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

type fixture struct {
	repo    *Repository
	devices *identity.Service
	queue   commands.Queue
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st := testutil.NewStore(t)

	idm := identity.New()
	require.NoError(t, idm.Init(ctx, plugin.Dependencies{
		Logger: zap.NewNop(),
		Store:  st,
		Config: testutil.Config(map[string]any{"claim_policy": "open"}),
	}))
	cm := commands.New()
	require.NoError(t, cm.Init(ctx, plugin.Dependencies{Logger: zap.NewNop(), Store: st}))
	require.NoError(t, st.Migrate(ctx, "configs", migrations()))

	return &fixture{
		repo:    NewRepository(NewConfigStore(st.DB()), idm.Service(), cm.Queue(), nil, zaptest.NewLogger(t)),
		devices: idm.Service(),
		queue:   cm.Queue(),
	}
}

func (f *fixture) provision(t *testing.T, serial string) string {
	t.Helper()
	p, err := f.devices.Provision(context.Background(), identity.ProvisionRequest{Serial: serial})
	require.NoError(t, err)
	return p.Device.ID
}

func sampleConfig(id string, opts ...testutil.Option[GatewayConfig]) GatewayConfig {
	base := defaultConfig()
	base.ConfigID = id
	base.Slaves = []Slave{withDefaults(Slave{
		SlaveID:    1,
		DeviceName: "inverter",
		Registers: []Register{
			register("pv_voltage", 0, decoder.Uint16, 0.1),
		},
	})}
	return testutil.Build(base, opts...)
}

func withDefaults(s Slave) Slave {
	d := defaultSlave()
	d.SlaveID, d.DeviceName, d.Registers = s.SlaveID, s.DeviceName, s.Registers
	return d
}

func register(label string, addr int, dt decoder.DataType, scale float64) Register {
	r := defaultRegister()
	r.Label, r.Address, r.DataType, r.ScaleFactor = label, addr, dt, scale
	return r
}

func TestPublish_OrdersTreeForAnyInsertionOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c := sampleConfig("cfg-order", func(c *GatewayConfig) {
		c.Slaves = []Slave{
			withDefaults(Slave{SlaveID: 7, Registers: []Register{
				register("temp", 30, decoder.Int16, 0.1),
				register("power", 10, decoder.Float32, 1),
				register("b_energy", 20, decoder.Uint32, 1),
				register("a_energy", 20, decoder.Uint32, 1),
			}}),
			withDefaults(Slave{SlaveID: 2, Registers: []Register{
				register("voltage", 0, decoder.Uint16, 0.1),
			}}),
		}
	})
	_, err := f.repo.Publish(ctx, c)
	require.NoError(t, err)

	// A fresh repository bypasses the cache and reads the rows back.
	fresh := NewRepository(f.repo.store, nil, nil, nil, nil)
	got, err := fresh.Get(ctx, "cfg-order")
	require.NoError(t, err)

	require.Len(t, got.Slaves, 2)
	assert.Equal(t, 2, got.Slaves[0].SlaveID)
	assert.Equal(t, 7, got.Slaves[1].SlaveID)

	var labels []string
	for _, r := range got.Slaves[1].Registers {
		labels = append(labels, r.Label)
	}
	assert.Equal(t, []string{"power", "a_energy", "b_energy", "temp"}, labels)
	assert.Equal(t, 2, got.Slaves[1].Registers[0].NumRegisters, "float32 occupies two registers")
	assert.Equal(t, 9600, got.UART.BaudRate)
	assert.False(t, got.CreatedAt.IsZero())

	cached, err := f.repo.Get(ctx, "cfg-order")
	require.NoError(t, err)
	assert.Equal(t, got.Slaves, cached.Slaves)
}

func TestPublish_DefaultsWordOrderOnEveryPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c := sampleConfig("cfg-words", func(c *GatewayConfig) {
		r := register("power", 10, decoder.Float32, 1)
		r.WordOrder = ""
		c.Slaves = []Slave{withDefaults(Slave{SlaveID: 1, Registers: []Register{r}})}
	})
	published, err := f.repo.Publish(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, decoder.WordOrderBig, published.Slaves[0].Registers[0].WordOrder)

	cached, err := f.repo.Get(ctx, "cfg-words")
	require.NoError(t, err)
	fresh, err := NewRepository(f.repo.store, nil, nil, nil, nil).Get(ctx, "cfg-words")
	require.NoError(t, err)
	assert.Equal(t, fresh.Slaves, cached.Slaves)
	assert.Equal(t, fresh.Slaves, published.Slaves)
}

func TestPublish_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*GatewayConfig)
		want   apperr.Kind
	}{
		{"slave id zero", func(c *GatewayConfig) { c.Slaves[0].SlaveID = 0 }, apperr.KindValidation},
		{"slave id 248", func(c *GatewayConfig) { c.Slaves[0].SlaveID = 248 }, apperr.KindValidation},
		{"parity 3", func(c *GatewayConfig) { c.UART.Parity = 3 }, apperr.KindValidation},
		{"odd baud", func(c *GatewayConfig) { c.UART.BaudRate = 1000 }, apperr.KindValidation},
		{"empty label", func(c *GatewayConfig) { c.Slaves[0].Registers[0].Label = "" }, apperr.KindValidation},
		{"unknown data type", func(c *GatewayConfig) { c.Slaves[0].Registers[0].DataType = 9 }, apperr.KindValidation},
		{"write function code", func(c *GatewayConfig) { c.Slaves[0].Registers[0].FunctionCode = 6 }, apperr.KindValidation},
		{"bad config id", func(c *GatewayConfig) { c.ConfigID = "has space" }, apperr.KindValidation},
		{"duplicate slave", func(c *GatewayConfig) { c.Slaves = append(c.Slaves, c.Slaves[0]) }, apperr.KindConflict},
		{"duplicate label", func(c *GatewayConfig) {
			c.Slaves[0].Registers = append(c.Slaves[0].Registers, register("pv_voltage", 9, decoder.Uint16, 1))
		}, apperr.KindConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.repo.Publish(context.Background(), sampleConfig("cfg-x", tt.mutate))
			require.Error(t, err)
			assert.Equal(t, tt.want, apperr.KindOf(err), "err = %v", err)
		})
	}
}

func TestPublish_DuplicateConfigIdConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.repo.Publish(ctx, sampleConfig("cfg-dup"))
	require.NoError(t, err)
	_, err = f.repo.Publish(ctx, sampleConfig("cfg-dup"))
	assert.True(t, apperr.Is(err, apperr.KindConflict), "err = %v", err)
}

func TestGet_UnknownIsNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.repo.Get(context.Background(), "nope")
	assert.True(t, apperr.Is(err, apperr.KindNotFound), "err = %v", err)
}

func TestGet_ReturnsIndependentCopies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.repo.Publish(ctx, sampleConfig("cfg-copy"))
	require.NoError(t, err)

	a, err := f.repo.Get(ctx, "cfg-copy")
	require.NoError(t, err)
	a.Slaves[0].Registers[0].Label = "tampered"

	b, err := f.repo.Get(ctx, "cfg-copy")
	require.NoError(t, err)
	assert.Equal(t, "pv_voltage", b.Slaves[0].Registers[0].Label)
}

func TestGetConfigFor_ResolutionOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dev := f.provision(t, "GW-RES-1")

	_, err := f.repo.GetConfigFor(ctx, dev)
	assert.True(t, apperr.Is(err, apperr.KindNotFound), "no configs: err = %v", err)

	for _, id := range []string{"cfg-a", "cfg-b", "cfg-c"} {
		_, err := f.repo.Publish(ctx, sampleConfig(id))
		require.NoError(t, err)
	}

	resolve := func() string {
		t.Helper()
		c, err := f.repo.GetConfigFor(ctx, dev)
		require.NoError(t, err)
		return c.ConfigID
	}

	assert.Equal(t, "cfg-c", resolve(), "latest published")

	require.NoError(t, f.repo.SetDefault(ctx, "", "cfg-a"))
	assert.Equal(t, "cfg-a", resolve(), "global default")

	require.NoError(t, f.devices.TransferOwnership(ctx, dev, "cust-1"))
	assert.Equal(t, "cfg-a", resolve(), "customer without default falls back to global")
	require.NoError(t, f.repo.SetDefault(ctx, "cust-1", "cfg-b"))
	assert.Equal(t, "cfg-b", resolve(), "customer default")

	require.NoError(t, f.repo.AssignConfig(ctx, dev, "cfg-c"))
	assert.Equal(t, "cfg-c", resolve(), "explicit assignment")

	_, err = f.repo.GetConfigFor(ctx, "unknown-device")
	assert.True(t, apperr.Is(err, apperr.KindNotFound), "unknown device: err = %v", err)
}

func TestAssignConfig_RaisesUpdateFlag(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dev := f.provision(t, "GW-ASSIGN")
	_, err := f.repo.Publish(ctx, sampleConfig("cfg-assign"))
	require.NoError(t, err)

	require.NoError(t, f.repo.AssignConfig(ctx, dev, "cfg-assign"))

	flags, err := f.queue.Peek(ctx, dev)
	require.NoError(t, err)
	assert.True(t, flags[commands.UpdateConfig])

	d, err := f.devices.Get(ctx, dev)
	require.NoError(t, err)
	assert.Equal(t, "cfg-assign", d.AssignedConfigID)
}

func TestAssignConfig_UnknownConfigLeavesFlags(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dev := f.provision(t, "GW-NOCFG")

	err := f.repo.AssignConfig(ctx, dev, "missing")
	assert.True(t, apperr.Is(err, apperr.KindNotFound), "err = %v", err)

	flags, err := f.queue.Peek(ctx, dev)
	require.NoError(t, err)
	assert.False(t, flags.Any())
}

func TestAssignConfig_WithoutDevicesIsTransient(t *testing.T) {
	f := newFixture(t)
	repo := NewRepository(f.repo.store, nil, nil, nil, nil)
	err := repo.AssignConfig(context.Background(), "d", "c")
	assert.True(t, apperr.Is(err, apperr.KindTransient), "err = %v", err)
}

const importDoc = `
configs:
  - configId: site-a-v1
    name: Site A
    uart:
      baudRate: 19200
      parity: 2
    slaves:
      - slaveId: 1
        deviceName: inverter
        pollingIntervalMs: 2000
        registers:
          - label: pv_voltage
            address: 100
            dataType: uint16
            scaleFactor: 0.1
          - label: ac_power
            address: 102
            dataType: float32
            wordOrder: little
      - slaveId: 2
        deviceName: battery
        registers:
          - label: soc
            address: 0
            dataType: 0
defaults:
  global: site-a-v1
`

func TestLoadYAML_AndImport(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	doc, err := LoadYAML(strings.NewReader(importDoc))
	require.NoError(t, err)
	require.Len(t, doc.Configs, 1)

	res, err := f.repo.Import(ctx, doc)
	require.NoError(t, err)
	assert.Equal(t, []string{"site-a-v1"}, res.Published)
	assert.Equal(t, 1, res.Defaults)

	c, err := f.repo.Get(ctx, "site-a-v1")
	require.NoError(t, err)
	assert.Equal(t, 19200, c.UART.BaudRate)
	assert.Equal(t, 8, c.UART.DataBits, "omitted field keeps its default")
	assert.Equal(t, ParityEven, c.UART.Parity)

	_, power, ok := c.Find(1, "ac_power")
	require.True(t, ok)
	assert.Equal(t, decoder.Float32, power.DataType)
	assert.Equal(t, decoder.WordOrderLittle, power.WordOrder)
	assert.Equal(t, 2, power.NumRegisters)
	assert.Equal(t, 1.0, power.ScaleFactor)

	slave, ok := c.Slave(2)
	require.True(t, ok)
	assert.Equal(t, 5000, slave.PollingIntervalMs)
	assert.True(t, slave.Enabled)

	defaults, err := f.repo.Defaults(ctx)
	require.NoError(t, err)
	assert.Equal(t, "site-a-v1", defaults[""])

	again, err := f.repo.Import(ctx, doc)
	require.NoError(t, err)
	assert.Empty(t, again.Published)
	assert.Equal(t, []string{"site-a-v1"}, again.Skipped)
}

func TestLoadYAML_SingleConfig(t *testing.T) {
	doc, err := LoadYAML(strings.NewReader(`
configId: lone
slaves:
  - slaveId: 3
    registers:
      - label: temp
        address: 5
        dataType: int16
`))
	require.NoError(t, err)
	require.Len(t, doc.Configs, 1)
	assert.Equal(t, "lone", doc.Configs[0].ConfigID)
	assert.Equal(t, decoder.Int16, doc.Configs[0].Slaves[0].Registers[0].DataType)
}

func TestLoadYAML_RejectsGarbage(t *testing.T) {
	for _, in := range []string{"", "configs: [", "slaves: []", "configs:\n  - configId: x\n    slaves:\n      - registers:\n          - dataType: double\n"} {
		_, err := LoadYAML(strings.NewReader(in))
		assert.Error(t, err, "input %q", in)
	}
}

func TestFind_WithoutSlaveRequiresUniqueLabel(t *testing.T) {
	c := sampleConfig("cfg-find", func(c *GatewayConfig) {
		c.Slaves = append(c.Slaves, withDefaults(Slave{SlaveID: 2, Registers: []Register{
			register("pv_voltage", 0, decoder.Uint16, 1),
			register("soc", 1, decoder.Uint16, 1),
		}}))
	})

	_, _, ok := c.Find(0, "pv_voltage")
	assert.False(t, ok, "ambiguous label")

	s, r, ok := c.Find(0, "soc")
	require.True(t, ok)
	assert.Equal(t, 2, s.SlaveID)
	assert.Equal(t, "soc", r.Label)

	_, _, ok = c.Find(9, "soc")
	assert.False(t, ok)

	// A known slave comes back even when the label does not match, so
	// callers can still read its polling interval.
	s, r, ok = c.Find(2, "missing")
	assert.False(t, ok)
	require.NotNil(t, s)
	assert.Equal(t, 2, s.SlaveID)
	assert.Nil(t, r)
}
