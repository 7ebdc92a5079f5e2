// Package profile loads the YAML session profile: which DBC files and
// signals a run talks on, how each diagnostic channel answers flow control,
// and which periodic senders keep the ECUs awake.
package profile

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kstaniek/go-udstp/internal/ecusim"
	"github.com/kstaniek/go-udstp/internal/isotp"
	"github.com/kstaniek/go-udstp/internal/session"
	"github.com/kstaniek/go-udstp/internal/signals"
	"github.com/kstaniek/go-udstp/internal/uds"
)

// Duration wraps time.Duration to support YAML unmarshalling from strings.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration strings like "950ms" or "1s".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return fmt.Errorf("duration value node is nil")
	}
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}
	if raw == "" {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = dur
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Profile is the document as written.
type Profile struct {
	Namespace string                `yaml:"namespace,omitempty"`
	DBC       []DBCFile             `yaml:"dbc,omitempty"`
	Signals   []SignalConfig        `yaml:"signals,omitempty"`
	Channels  map[string]ChannelDef `yaml:"channels,omitempty"`
	Periodic  []PeriodicConfig      `yaml:"periodic,omitempty"`
	Padding   uint8                 `yaml:"padding,omitempty"`
	FCTimeout Duration              `yaml:"fc_timeout,omitempty"`
	Simulator []SimulatorConfig     `yaml:"simulator,omitempty"`

	dir string
}

type DBCFile struct {
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace,omitempty"`
}

// SignalConfig declares a signal not covered by a DBC file.
type SignalConfig struct {
	Namespace string `yaml:"namespace,omitempty"`
	Name      string `yaml:"name"`
	ID        uint32 `yaml:"id"`
	Extended  bool   `yaml:"extended,omitempty"`
}

type ChannelDef struct {
	Send        string             `yaml:"send"`
	Receive     string             `yaml:"receive"`
	FlowControl *FlowControlConfig `yaml:"flow_control,omitempty"`
}

// FlowControlConfig mirrors isotp.FlowControlParams. Flag accepts 0..2 or
// the full first byte 48..50; Auto defaults to true.
type FlowControlConfig struct {
	BlockSize      uint8    `yaml:"block_size,omitempty"`
	SeparationTime Duration `yaml:"separation_time,omitempty"`
	Delay          Duration `yaml:"delay,omitempty"`
	Flag           int      `yaml:"flag,omitempty"`
	Auto           *bool    `yaml:"auto,omitempty"`
}

// PeriodicConfig is either a raw frame sender (Signal + Payload) or a
// TesterPresent sender for a named channel. Name defaults to the signal key
// and is fixed for TesterPresent senders.
type PeriodicConfig struct {
	Name          string   `yaml:"name,omitempty"`
	Signal        string   `yaml:"signal,omitempty"`
	Payload       string   `yaml:"payload,omitempty"`
	TesterPresent string   `yaml:"tester_present,omitempty"`
	Interval      Duration `yaml:"interval"`
}

// SimulatorConfig describes a simulated ECU for the sim backend: it answers
// requests on Channel with the hex replies in Responses.
type SimulatorConfig struct {
	Channel      string            `yaml:"channel"`
	Responses    map[string]string `yaml:"responses"`
	BlockTimeout Duration          `yaml:"block_timeout,omitempty"`
}

// Load reads and parses the profile at path. Relative DBC paths resolve
// against the profile's directory.
func Load(path string) (*Profile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile: %w", err)
	}
	p, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("profile %s: %w", path, err)
	}
	p.dir = filepath.Dir(path)
	return p, nil
}

// Parse decodes a profile document. Unknown keys are rejected.
func Parse(raw []byte) (*Profile, error) {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	var p Profile
	if err := dec.Decode(&p); err != nil {
		if errors.Is(err, io.EOF) {
			return &p, nil
		}
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	return &p, nil
}

// Params converts c into flow-control parameters.
func (c FlowControlConfig) Params() (isotp.FlowControlParams, error) {
	flag, err := isotp.ParseFlowStatus(c.Flag)
	if err != nil {
		return isotp.FlowControlParams{}, err
	}
	p := isotp.FlowControlParams{
		BlockSize:      c.BlockSize,
		SeparationTime: c.SeparationTime.Duration,
		Delay:          c.Delay.Duration,
		Flag:           flag,
		Auto:           c.Auto == nil || *c.Auto,
	}
	return p, p.Validate()
}

// Channel is a resolved channel with its flow-control parameters.
type Channel struct {
	Name        string
	Channel     signals.Channel
	FlowControl isotp.FlowControlParams
}

// Task is a resolved periodic sender.
type Task struct {
	Name     string
	Signal   signals.Signal
	Payload  []byte
	Channel  *Channel // set for TesterPresent tasks
	Interval time.Duration
}

// Simulator is a resolved simulated ECU.
type Simulator struct {
	Channel      *Channel
	Handler      ecusim.Handler
	BlockTimeout time.Duration
}

// Resolved is a profile with every name looked up.
type Resolved struct {
	DB         *signals.DB
	Channels   map[string]*Channel
	Tasks      []Task
	Simulators []Simulator
}

// Resolve loads the DBC files and checks every reference in the profile.
func (p *Profile) Resolve() (*Resolved, error) {
	db := signals.NewDB(p.Namespace)
	for _, f := range p.DBC {
		path := f.Path
		if !filepath.IsAbs(path) && p.dir != "" {
			path = filepath.Join(p.dir, path)
		}
		fdb, err := signals.LoadDBC(path, f.Namespace)
		if err != nil {
			return nil, err
		}
		for _, s := range fdb.Signals() {
			if err := db.Add(s); err != nil {
				return nil, fmt.Errorf("dbc %s: %w", f.Path, err)
			}
		}
	}
	for _, s := range p.Signals {
		if err := db.Add(signals.Signal{Namespace: s.Namespace, Name: s.Name, ID: s.ID, Extended: s.Extended}); err != nil {
			return nil, err
		}
	}

	r := &Resolved{DB: db, Channels: make(map[string]*Channel, len(p.Channels))}
	names := make([]string, 0, len(p.Channels))
	for n := range p.Channels {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		def := p.Channels[n]
		ch, err := db.Channel(def.Send, def.Receive)
		if err != nil {
			return nil, fmt.Errorf("channel %s: %w", n, err)
		}
		fc := isotp.DefaultFlowControl()
		if def.FlowControl != nil {
			if fc, err = def.FlowControl.Params(); err != nil {
				return nil, fmt.Errorf("channel %s: %w", n, err)
			}
		}
		r.Channels[n] = &Channel{Name: n, Channel: ch, FlowControl: fc}
	}

	for i, pc := range p.Periodic {
		t, err := r.task(pc)
		if err != nil {
			return nil, fmt.Errorf("periodic[%d]: %w", i, err)
		}
		r.Tasks = append(r.Tasks, t)
	}

	for i, sc := range p.Simulator {
		ch, err := r.Channel(sc.Channel)
		if err != nil {
			return nil, fmt.Errorf("simulator[%d]: %w", i, err)
		}
		h, err := ecusim.Static(sc.Responses)
		if err != nil {
			return nil, fmt.Errorf("simulator[%d]: %w", i, err)
		}
		r.Simulators = append(r.Simulators, Simulator{Channel: ch, Handler: h, BlockTimeout: sc.BlockTimeout.Duration})
	}
	return r, nil
}

func (r *Resolved) task(pc PeriodicConfig) (Task, error) {
	t := Task{Name: pc.Name, Interval: pc.Interval.Duration}
	if pc.TesterPresent != "" {
		ch, ok := r.Channels[pc.TesterPresent]
		if !ok {
			return t, fmt.Errorf("unknown channel %q", pc.TesterPresent)
		}
		t.Channel = ch
		t.Signal = ch.Channel.Send
		t.Name = "tester_present:" + ch.Channel.String()
		return t, nil
	}
	sig, err := r.DB.Lookup(pc.Signal)
	if err != nil {
		return t, err
	}
	payload, err := uds.ParseHex(pc.Payload)
	if err != nil {
		return t, fmt.Errorf("payload: %w", err)
	}
	t.Signal, t.Payload = sig, payload
	if t.Name == "" {
		t.Name = sig.Key()
	}
	return t, nil
}

// Channel returns the named channel.
func (r *Resolved) Channel(name string) (*Channel, error) {
	if ch, ok := r.Channels[name]; ok {
		return ch, nil
	}
	return nil, fmt.Errorf("%w: channel %s", signals.ErrUnknownSignal, name)
}

// Configure binds every channel's flow-control parameters on s.
func (r *Resolved) Configure(s *session.Session) error {
	for _, ch := range r.Channels {
		if err := s.Configure(ch.Channel, ch.FlowControl); err != nil {
			return fmt.Errorf("channel %s: %w", ch.Name, err)
		}
	}
	return nil
}

// StartTasks starts every periodic task on s. On error the tasks already
// started keep running; callers stop them with StopPeriodicAll.
func (r *Resolved) StartTasks(s *session.Session) error {
	for _, t := range r.Tasks {
		var err error
		if t.Channel != nil {
			err = s.StartTesterPresent(t.Channel.Channel, t.Interval)
		} else {
			err = s.StartPeriodic(t.Name, t.Signal, t.Payload, t.Interval)
		}
		if err != nil {
			return fmt.Errorf("task %s: %w", t.Name, err)
		}
	}
	return nil
}
