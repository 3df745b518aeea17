package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kite-ci/kite/pkg/types"
)

// APIConfig points services at the external state store.
type APIConfig struct {
	URL     string        `yaml:"url"`
	Token   string        `yaml:"token,omitempty"`
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// BusConfig points services at the node event topic.
type BusConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	Group   string   `yaml:"group,omitempty"`
}

// StorageConfig points services at the blob store.
type StorageConfig struct {
	UploadURL   string `yaml:"upload_url"`
	DownloadURL string `yaml:"download_url"`
	Token       string `yaml:"token,omitempty"`
}

// Tree is an upstream kernel source repository.
type Tree struct {
	URL string `yaml:"url"`
}

// BuildConfig names a (tree, branch) pair watched by the trigger.
// Variants are glob patterns selecting which build jobs run on this
// config's checkouts; empty builds everything.
type BuildConfig struct {
	Tree      string   `yaml:"tree"`
	Branch    string   `yaml:"branch"`
	Variants  []string `yaml:"variants,omitempty"`
	Frequency string   `yaml:"frequency,omitempty"` // e.g. "1d", overrides the trigger default
}

// Platform describes a target device type offered by one or more labs.
type Platform struct {
	Arch       string            `yaml:"arch"`
	BootMethod string            `yaml:"boot_method,omitempty"`
	Compatible []string          `yaml:"compatible,omitempty"`
	Params     map[string]string `yaml:"params,omitempty"`
}

// Runtime lab types supported by the runtime adapters.
const (
	RuntimeShell      = "shell"
	RuntimeDocker     = "docker"
	RuntimeLAVA       = "lava"
	RuntimeKubernetes = "kubernetes"
	RuntimePull       = "pull"
)

// RuntimeConfig describes one execution backend instance.
type RuntimeConfig struct {
	LabType string `yaml:"lab_type"`
	URL     string `yaml:"url,omitempty"`

	// Kubernetes-specific.
	Context   string `yaml:"context,omitempty"`
	Namespace string `yaml:"namespace,omitempty"`

	// Docker-specific.
	Image string `yaml:"image,omitempty"`

	// LAVA-specific: public description of the callback token whose
	// secret value lives in the secrets file.
	NotifyCallback string `yaml:"notify_callback,omitempty"`

	// Fan-out bound for concurrent submissions to this backend.
	PoolSize int `yaml:"pool_size,omitempty"`
}

// Version is an inclusive kernel version bound for job rules.
type Version struct {
	Version    int `yaml:"version"`
	Patchlevel int `yaml:"patchlevel"`
}

// Rules gate a job's eligibility against the triggering node.
// List entries use the "name", "name:branch" and "!name" grammar.
type Rules struct {
	Tree       []string `yaml:"tree,omitempty"`
	Branch     []string `yaml:"branch,omitempty"`
	MinVersion *Version `yaml:"min_version,omitempty"`
	MaxVersion *Version `yaml:"max_version,omitempty"`
	Arch       []string `yaml:"arch,omitempty"`
	Defconfig  []string `yaml:"defconfig,omitempty"`
	Fragments  []string `yaml:"fragments,omitempty"`
	Frequency  string   `yaml:"frequency,omitempty"` // [Nd][Nh][Nm]
}

// Job is one job definition from the catalog.
type Job struct {
	Template string            `yaml:"template"`
	Kind     types.Kind        `yaml:"kind"`
	Image    string            `yaml:"image,omitempty"`
	Params   map[string]string `yaml:"params,omitempty"`
	Rules    Rules             `yaml:"rules,omitempty"`
	Timeout  time.Duration     `yaml:"timeout,omitempty"`
}

// EventPattern matches incoming node events. Every present field must
// equal the event's value for the pattern to match.
type EventPattern struct {
	Channel string       `yaml:"channel"`
	Name    string       `yaml:"name,omitempty"`
	Kind    types.Kind   `yaml:"kind,omitempty"`
	State   types.State  `yaml:"state,omitempty"`
	Result  types.Result `yaml:"result,omitempty"`
}

// SchedulerEntry binds an event pattern to a job on a runtime and an
// optional platform set.
type SchedulerEntry struct {
	Job       string       `yaml:"job"`
	Event     EventPattern `yaml:"event"`
	Runtime   string       `yaml:"runtime"`
	Platforms []string     `yaml:"platforms,omitempty"`
}

// LogConfig selects log level and format.
type LogConfig struct {
	Level string `yaml:"level,omitempty"`
	JSON  bool   `yaml:"json,omitempty"`
}

// Settings is the full static catalog loaded at service startup.
type Settings struct {
	API          APIConfig                `yaml:"api"`
	Bus          BusConfig                `yaml:"bus"`
	Storage      StorageConfig            `yaml:"storage"`
	Log          LogConfig                `yaml:"log,omitempty"`
	Trees        map[string]Tree          `yaml:"trees"`
	BuildConfigs map[string]BuildConfig   `yaml:"build_configs"`
	Platforms    map[string]Platform      `yaml:"platforms"`
	Runtimes     map[string]RuntimeConfig `yaml:"runtimes"`
	Jobs         map[string]Job           `yaml:"jobs"`
	Scheduler    []SchedulerEntry         `yaml:"scheduler"`
}

// RuntimeSecret holds the per-runtime shared secrets.
type RuntimeSecret struct {
	RuntimeToken  string `yaml:"runtime_token"`
	CallbackToken string `yaml:"callback_token,omitempty"`
}

// KCIDBConfig holds downstream reporting sink credentials.
type KCIDBConfig struct {
	URL    string `yaml:"url"`
	Token  string `yaml:"token,omitempty"`
	Origin string `yaml:"origin"`
}

// Secrets is the credentials file kept apart from the static catalog.
type Secrets struct {
	Runtimes  map[string]RuntimeSecret `yaml:"runtimes"`
	JWTSecret string                   `yaml:"jwt_secret"`
	KCIDB     KCIDBConfig              `yaml:"kcidb,omitempty"`
}

// Load reads and validates the settings file. Unknown YAML fields are
// rejected so that typos fail at startup instead of silently skewing
// scheduling.
func Load(path string) (*Settings, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening settings: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)

	var s Settings
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("parsing settings %s: %w", path, err)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings %s: %w", path, err)
	}
	return &s, nil
}

// LoadSecrets reads the secrets file.
func LoadSecrets(path string) (*Secrets, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening secrets: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)

	var s Secrets
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("parsing secrets %s: %w", path, err)
	}
	return &s, nil
}

// Validate cross-checks catalog references so a broken entry aborts
// startup rather than surfacing as a mid-run scheduling error.
func (s *Settings) Validate() error {
	if s.API.URL == "" {
		return fmt.Errorf("api.url is required")
	}
	if len(s.Bus.Brokers) == 0 {
		return fmt.Errorf("bus.brokers is required")
	}
	if s.Bus.Topic == "" {
		s.Bus.Topic = "node"
	}
	for name, bc := range s.BuildConfigs {
		if _, ok := s.Trees[bc.Tree]; !ok {
			return fmt.Errorf("build_config %s references unknown tree %q", name, bc.Tree)
		}
		if bc.Branch == "" {
			return fmt.Errorf("build_config %s: branch is required", name)
		}
		if bc.Frequency != "" {
			if _, err := ParseFrequency(bc.Frequency); err != nil {
				return fmt.Errorf("build_config %s: %w", name, err)
			}
		}
	}
	for name, rt := range s.Runtimes {
		switch rt.LabType {
		case RuntimeShell, RuntimeDocker, RuntimeLAVA, RuntimeKubernetes, RuntimePull:
		default:
			return fmt.Errorf("runtime %s: unknown lab_type %q", name, rt.LabType)
		}
	}
	for name, job := range s.Jobs {
		if job.Template == "" {
			return fmt.Errorf("job %s: template is required", name)
		}
		if job.Rules.Frequency != "" {
			if _, err := ParseFrequency(job.Rules.Frequency); err != nil {
				return fmt.Errorf("job %s: %w", name, err)
			}
		}
	}
	for i, entry := range s.Scheduler {
		if _, ok := s.Jobs[entry.Job]; !ok {
			return fmt.Errorf("scheduler entry %d references unknown job %q", i, entry.Job)
		}
		if _, ok := s.Runtimes[entry.Runtime]; !ok {
			return fmt.Errorf("scheduler entry %d references unknown runtime %q", i, entry.Runtime)
		}
		for _, p := range entry.Platforms {
			if _, ok := s.Platforms[p]; !ok {
				return fmt.Errorf("scheduler entry %d references unknown platform %q", i, p)
			}
		}
		if entry.Event.Channel == "" {
			return fmt.Errorf("scheduler entry %d: event.channel is required", i)
		}
	}
	return nil
}
