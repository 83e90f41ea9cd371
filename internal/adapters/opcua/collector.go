package opcua

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"

	"github.com/ghalamif/RelayFlow/internal/domain"
	"github.com/ghalamif/RelayFlow/internal/ports"
)

// Options configures an OPC UA subscription. Each data change on a
// monitored node becomes one record keyed by the node's tag.
type Options struct {
	Endpoint         string        `yaml:"endpoint"`
	Username         string        `yaml:"username"`
	Password         string        `yaml:"password"`
	SecurityMode     string        `yaml:"security_mode"`
	SecurityPolicy   string        `yaml:"security_policy"`
	ApplicationName  string        `yaml:"application_name"`
	PublishInterval  time.Duration `yaml:"publish_interval"`
	SamplingInterval time.Duration `yaml:"sampling_interval"`
	Nodes            []Node        `yaml:"nodes"`

	// Buffer is the local log the collected records are appended to.
	Buffer BufferOptions `yaml:"buffer"`
}

type Node struct {
	NodeID string `yaml:"node_id"`
	Tag    string `yaml:"tag"`
	Field  string `yaml:"field"`
}

type BufferOptions struct {
	Dir      string `yaml:"dir"`
	Stream   string `yaml:"stream"`
	MaxBytes int64  `yaml:"max_bytes"`
	OnFull   string `yaml:"on_full"` // "block" or "drop"
}

func (o *Options) ApplyDefaults() {
	if o.SecurityMode == "" {
		o.SecurityMode = "None"
	}
	if o.SecurityPolicy == "" {
		o.SecurityPolicy = "None"
	}
	if o.ApplicationName == "" {
		o.ApplicationName = "RelayFlow"
	}
	if o.PublishInterval <= 0 {
		o.PublishInterval = 250 * time.Millisecond
	}
	if o.SamplingInterval < 0 {
		o.SamplingInterval = 0
	}
	if o.Buffer.Stream == "" {
		o.Buffer.Stream = "values"
	}
	if o.Buffer.OnFull == "" {
		o.Buffer.OnFull = "block"
	}
	for i := range o.Nodes {
		if o.Nodes[i].Tag == "" {
			o.Nodes[i].Tag = o.Nodes[i].NodeID
		}
		if o.Nodes[i].Field == "" {
			o.Nodes[i].Field = "value"
		}
	}
}

func (o *Options) Validate() error {
	if o.Endpoint == "" {
		return errors.New("opcua: endpoint is required")
	}
	if len(o.Nodes) == 0 {
		return errors.New("opcua: at least one node must be configured")
	}
	if o.Buffer.Dir == "" {
		return errors.New("opcua: buffer.dir is required")
	}
	switch o.Buffer.OnFull {
	case "block", "drop":
	default:
		return fmt.Errorf("opcua: buffer.on_full %q is not one of block, drop", o.Buffer.OnFull)
	}
	return nil
}

type Collector struct {
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	client  *opcua.Client
	sub     *opcua.Subscription
	cancel  context.CancelFunc
	handles map[uint32]Node
	seq     map[string]uint64
	started bool
	wg      sync.WaitGroup
}

func NewCollector(opts Options, logger *slog.Logger) (*Collector, error) {
	opts.ApplyDefaults()
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidConfig, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		opts:   opts,
		logger: logger.With("collector", "opcua", "endpoint", opts.Endpoint),
		seq:    make(map[string]uint64),
	}, nil
}

func (c *Collector) Start(out chan<- domain.Record) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("opcua collector already started")
	}
	c.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	client, err := opcua.NewClient(c.opts.Endpoint, c.clientOptions()...)
	if err != nil {
		cancel()
		return fmt.Errorf("opcua new client: %w", err)
	}
	if err := client.Connect(ctx); err != nil {
		cancel()
		return fmt.Errorf("%w: opcua connect: %v", domain.ErrSourceUnavailable, err)
	}

	notifyCh := make(chan *opcua.PublishNotificationData, len(c.opts.Nodes)*4)
	sub, err := client.Subscribe(ctx, &opcua.SubscriptionParameters{Interval: c.opts.PublishInterval}, notifyCh)
	if err != nil {
		cancel()
		_ = client.Close(ctx)
		return fmt.Errorf("opcua subscribe: %w", err)
	}

	handles, err := c.monitor(ctx, sub)
	if err != nil {
		cancel()
		_ = sub.Cancel(ctx)
		_ = client.Close(ctx)
		return err
	}

	c.mu.Lock()
	c.client, c.sub, c.cancel, c.handles = client, sub, cancel, handles
	c.started = true
	c.mu.Unlock()

	c.wg.Add(1)
	go c.consume(ctx, notifyCh, out)
	c.logger.Info("collector_started", "nodes", len(handles))
	return nil
}

func (c *Collector) monitor(ctx context.Context, sub *opcua.Subscription) (map[uint32]Node, error) {
	handles := make(map[uint32]Node, len(c.opts.Nodes))
	for i, node := range c.opts.Nodes {
		nodeID, err := ua.ParseNodeID(node.NodeID)
		if err != nil {
			return nil, fmt.Errorf("%w: parse node id %q: %v", domain.ErrInvalidConfig, node.NodeID, err)
		}
		handle := uint32(i + 1)
		req := opcua.NewMonitoredItemCreateRequestWithDefaults(nodeID, ua.AttributeIDValue, handle)
		if c.opts.SamplingInterval > 0 {
			req.RequestedParameters.SamplingInterval = float64(c.opts.SamplingInterval / time.Millisecond)
		}
		res, err := sub.Monitor(ctx, ua.TimestampsToReturnBoth, req)
		switch {
		case err != nil:
			return nil, fmt.Errorf("monitor node %q: %w", node.NodeID, err)
		case len(res.Results) == 0:
			return nil, fmt.Errorf("monitor node %q: empty result", node.NodeID)
		case res.Results[0].StatusCode != ua.StatusOK:
			return nil, fmt.Errorf("monitor node %q: %s", node.NodeID, res.Results[0].StatusCode)
		}
		handles[handle] = node
	}
	return handles, nil
}

func (c *Collector) Stop() error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil
	}
	cancel, sub, client := c.cancel, c.sub, c.client
	c.started = false
	c.cancel, c.sub, c.client = nil, nil, nil
	c.mu.Unlock()

	cancel()

	ctx, ctxCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer ctxCancel()

	var err error
	if e := sub.Cancel(ctx); e != nil && !errors.Is(e, context.Canceled) {
		err = errors.Join(err, e)
	}
	if e := client.Close(ctx); e != nil && !errors.Is(e, context.Canceled) {
		err = errors.Join(err, e)
	}

	c.wg.Wait()
	return err
}

func (c *Collector) consume(ctx context.Context, ch <-chan *opcua.PublishNotificationData, out chan<- domain.Record) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case notif := <-ch:
			if notif == nil {
				continue
			}
			if notif.Error != nil {
				c.logger.Warn("notification_error", "error", notif.Error)
				continue
			}
			data, ok := notif.Value.(*ua.DataChangeNotification)
			if !ok {
				continue
			}
			for _, rec := range c.records(data) {
				select {
				case <-ctx.Done():
					return
				case out <- rec:
				}
			}
		}
	}
}

// records converts one data change notification. Values of unsupported
// types are logged and skipped.
func (c *Collector) records(data *ua.DataChangeNotification) []domain.Record {
	c.mu.Lock()
	handles := c.handles
	c.mu.Unlock()

	out := make([]domain.Record, 0, len(data.MonitoredItems))
	for _, item := range data.MonitoredItems {
		node, ok := handles[item.ClientHandle]
		if !ok || item.Value == nil || item.Value.Value == nil {
			continue
		}
		v, ok := variantValue(item.Value.Value)
		if !ok {
			c.logger.Warn("unsupported_value", "node", node.NodeID, "type", fmt.Sprintf("%T", item.Value.Value.Value()))
			continue
		}

		ts := item.Value.ServerTimestamp
		if ts.IsZero() {
			ts = item.Value.SourceTimestamp
		}
		if ts.IsZero() {
			ts = time.Now()
		}

		payload, err := domain.Payload(`{}`).Set("node_id", node.NodeID)
		if err == nil {
			payload, err = payload.Set("seq", c.nextSeq(node.Tag))
		}
		if err == nil {
			payload, err = payload.Set(node.Field, v)
		}
		if err != nil {
			c.logger.Warn("encode_value", "node", node.NodeID, "error", err)
			continue
		}

		out = append(out, domain.Record{
			Key:       []byte(node.Tag),
			Payload:   payload,
			Timestamp: ts.UTC(),
			Metadata:  map[string]string{"opcua.node_id": node.NodeID},
		})
	}
	return out
}

func (c *Collector) nextSeq(tag string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq[tag]++
	return c.seq[tag]
}

func (c *Collector) clientOptions() []opcua.Option {
	opts := []opcua.Option{
		opcua.SecurityModeString(securityMode(c.opts.SecurityMode)),
		opcua.SecurityPolicy(c.opts.SecurityPolicy),
		opcua.ApplicationName(c.opts.ApplicationName),
		opcua.AutoReconnect(true),
	}
	if c.opts.Username != "" {
		return append(opts, opcua.AuthUsername(c.opts.Username, c.opts.Password))
	}
	return append(opts, opcua.AuthAnonymous())
}

// variantValue unwraps numeric, boolean and string variants.
func variantValue(v *ua.Variant) (any, bool) {
	if v == nil {
		return nil, false
	}
	switch val := v.Value().(type) {
	case float32:
		return float64(val), true
	case float64, bool, string, int64, uint64:
		return val, true
	case int8:
		return int64(val), true
	case uint8:
		return int64(val), true
	case int16:
		return int64(val), true
	case uint16:
		return int64(val), true
	case int32:
		return int64(val), true
	case uint32:
		return int64(val), true
	default:
		return nil, false
	}
}

func securityMode(mode string) string {
	switch strings.ToLower(mode) {
	case "sign":
		return "Sign"
	case "signandencrypt", "signencrypt", "sign_and_encrypt", "sign+encrypt":
		return "SignAndEncrypt"
	default:
		return "None"
	}
}

var _ ports.Collector = (*Collector)(nil)
