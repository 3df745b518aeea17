package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const settingsYAML = `
api:
  url: http://localhost:8001
bus:
  brokers: [localhost:9092]
  topic: node
storage:
  upload_url: http://localhost:8002/upload
  download_url: http://localhost:8002
trees:
  mainline:
    url: https://git.kernel.org/pub/scm/linux/kernel/git/torvalds/linux.git
  stable:
    url: https://git.kernel.org/pub/scm/linux/kernel/git/stable/linux.git
build_configs:
  mainline-master:
    tree: mainline
    branch: master
    frequency: 1d
platforms:
  bcm2711-rpi-4-b:
    arch: arm64
    boot_method: u-boot
runtimes:
  lava-collabora:
    lab_type: lava
    url: https://lava.collabora.dev
    notify_callback: kite-callback
  shell:
    lab_type: shell
jobs:
  kbuild-gcc-12-arm64:
    template: kbuild.tmpl
    kind: kbuild
    params:
      arch: arm64
      compiler: gcc-12
      defconfig: defconfig
    rules:
      tree: [mainline, "!android"]
      min_version:
        version: 4
        patchlevel: 19
  baseline-arm64:
    template: baseline.tmpl
    kind: job
scheduler:
  - job: kbuild-gcc-12-arm64
    event:
      channel: node
      kind: checkout
      state: available
    runtime: shell
  - job: baseline-arm64
    event:
      channel: node
      name: kbuild-gcc-12-arm64
      state: available
      result: pass
    runtime: lava-collabora
    platforms: [bcm2711-rpi-4-b]
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadSettings(t *testing.T) {
	s, err := Load(writeFile(t, "settings.yaml", settingsYAML))
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8001", s.API.URL)
	assert.Equal(t, "node", s.Bus.Topic)
	assert.Len(t, s.Jobs, 2)
	assert.Len(t, s.Scheduler, 2)

	job := s.Jobs["kbuild-gcc-12-arm64"]
	require.NotNil(t, job.Rules.MinVersion)
	assert.Equal(t, 4, job.Rules.MinVersion.Version)
	assert.Equal(t, []string{"mainline", "!android"}, job.Rules.Tree)

	entry := s.Scheduler[1]
	assert.Equal(t, "kbuild-gcc-12-arm64", entry.Event.Name)
	assert.Equal(t, []string{"bcm2711-rpi-4-b"}, entry.Platforms)
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	_, err := Load(writeFile(t, "settings.yaml", settingsYAML+"\nbogus: true\n"))
	assert.Error(t, err)
}

func TestValidateCatalogReferences(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Settings)
	}{
		{"unknown tree", func(s *Settings) {
			bc := s.BuildConfigs["mainline-master"]
			bc.Tree = "nonexistent"
			s.BuildConfigs["mainline-master"] = bc
		}},
		{"unknown job in scheduler entry", func(s *Settings) {
			s.Scheduler[0].Job = "nonexistent"
		}},
		{"unknown runtime in scheduler entry", func(s *Settings) {
			s.Scheduler[0].Runtime = "nonexistent"
		}},
		{"unknown platform in scheduler entry", func(s *Settings) {
			s.Scheduler[1].Platforms = []string{"nonexistent"}
		}},
		{"bad runtime lab_type", func(s *Settings) {
			s.Runtimes["shell"] = RuntimeConfig{LabType: "mainframe"}
		}},
		{"missing event channel", func(s *Settings) {
			s.Scheduler[0].Event.Channel = ""
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := Load(writeFile(t, "settings.yaml", settingsYAML))
			require.NoError(t, err)
			tt.mutate(s)
			assert.Error(t, s.Validate())
		})
	}
}

func TestLoadSecrets(t *testing.T) {
	path := writeFile(t, "secrets.yaml", `
runtimes:
  lava-collabora:
    runtime_token: lab-api-token
    callback_token: callback-secret
jwt_secret: signing-key
kcidb:
  url: https://kcidb.example.com/submit
  token: kcidb-token
  origin: kite
`)
	sec, err := LoadSecrets(path)
	require.NoError(t, err)
	assert.Equal(t, "callback-secret", sec.Runtimes["lava-collabora"].CallbackToken)
	assert.Equal(t, "signing-key", sec.JWTSecret)
	assert.Equal(t, "kite", sec.KCIDB.Origin)
}

func TestParseFrequency(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"1d", 24 * time.Hour, false},
		{"12h", 12 * time.Hour, false},
		{"30m", 30 * time.Minute, false},
		{"1d6h30m", 30*time.Hour + 30*time.Minute, false},
		{"2d12h", 60 * time.Hour, false},
		{"", 0, true},
		{"d", 0, true},
		{"1x", 0, true},
		{"1h1d", 0, true}, // units out of order
		{"0m", 0, true},
		{"10", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseFrequency(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
