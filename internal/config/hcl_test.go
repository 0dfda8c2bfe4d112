package config

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/specialistvlad/promptgrid/internal/ctxlog"
	"github.com/specialistvlad/promptgrid/internal/testutil"
	"github.com/specialistvlad/promptgrid/internal/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testContext(t *testing.T) context.Context {
	t.Helper()
	logger, _ := testutil.NewLogger(t)
	return ctxlog.WithLogger(context.Background(), logger)
}

func TestLoad_NoPathsYieldsDefaults(t *testing.T) {
	m, err := NewHCLLoader().Load(testContext(t))
	require.NoError(t, err)
	if diff := cmp.Diff(Default(), m); diff != "" {
		t.Errorf("model mismatch (-want +got):\n%s", diff)
	}
}

func TestLoad_FullFile(t *testing.T) {
	root := testutil.WriteFiles(t, map[string]string{
		"promptgrid.hcl": `
			server {
			  address   = "http://gpu-box:8188"
			  client_id = "studio-1"
			  timeout   = "45s"
			}

			tracking {
			  job_timeout       = "20m"
			  poll_interval     = "500ms"
			  sweep_interval    = "250ms"
			  max_pull_failures = 8

			  reconnect {
			    attempts   = 7
			    base_delay = "1s"
			    multiplier = 1.5
			    ceiling    = "1m"
			  }
			}

			submit {
			  retry {
			    attempts = 5
			  }
			}

			artifacts {
			  grace {
			    ceiling = "10s"
			  }
			}

			log {
			  level  = "debug"
			  format = "json"
			}

			rule "seed" "MyCustomSampler" {
			  input = "noise"
			}

			rule "text-prompt" "WildcardEncode" {
			  input = "prompt"
			}
		`,
	})

	m, err := NewHCLLoader().Load(testContext(t), filepath.Join(root, "promptgrid.hcl"))
	require.NoError(t, err)

	want := Default()
	want.Server = Server{Address: "http://gpu-box:8188", ClientID: "studio-1", Timeout: 45 * time.Second}
	want.Tracking.JobTimeout = 20 * time.Minute
	want.Tracking.PollInterval = 500 * time.Millisecond
	want.Tracking.SweepInterval = 250 * time.Millisecond
	want.Tracking.MaxPullFailures = 8
	want.Tracking.Reconnect = Retry{Attempts: 7, BaseDelay: time.Second, Multiplier: 1.5, Ceiling: time.Minute}
	want.Submit.Attempts = 5
	want.Artifacts.Ceiling = 10 * time.Second
	want.Log = Log{Level: "debug", Format: "json"}
	want.Rules = []Rule{
		{Kind: workflow.KindNumericSeed, NodeKind: "MyCustomSampler", Input: "noise"},
		{Kind: workflow.KindTextPrompt, NodeKind: "WildcardEncode", Input: "prompt"},
	}
	if diff := cmp.Diff(want, m); diff != "" {
		t.Errorf("model mismatch (-want +got):\n%s", diff)
	}
}

func TestLoad_DirectoryAppliesFilesInOrder(t *testing.T) {
	root := testutil.WriteFiles(t, map[string]string{
		"conf/10-base.hcl":  `server { address = "base:8188" }` + "\n" + `log { level = "warn" }`,
		"conf/20-local.hcl": `server { address = "local:8188" }`,
		"conf/README.md":    `not configuration`,
	})

	m, err := NewHCLLoader().Load(testContext(t), filepath.Join(root, "conf"))
	require.NoError(t, err)
	assert.Equal(t, "local:8188", m.Server.Address)
	assert.Equal(t, "warn", m.Log.Level)
}

func TestLoad_EnvFunction(t *testing.T) {
	root := testutil.WriteFiles(t, map[string]string{
		"env.hcl": `server { address = env("COMFY_ADDR") }`,
	})
	l := NewHCLLoader()
	l.lookupEnv = func(name string) (string, bool) {
		if name == "COMFY_ADDR" {
			return "from-env:8188", true
		}
		return "", false
	}

	m, err := l.Load(testContext(t), filepath.Join(root, "env.hcl"))
	require.NoError(t, err)
	assert.Equal(t, "from-env:8188", m.Server.Address)
}

func TestLoad_Errors(t *testing.T) {
	cases := []struct {
		name    string
		content string
		wantErr string
	}{
		{"syntax error", `server {`, "failed to parse HCL file"},
		{"unknown block", `database { url = "x" }`, "failed to decode HCL file"},
		{"bad duration", `tracking { poll_interval = "soon" }`, "tracking.poll_interval"},
		{"bad log level", `log { level = "loud" }`, "log.level"},
		{"bad retry", `submit { retry { attempts = 0 } }`, "submit.retry.attempts"},
		{"unknown kind", `rule "colour" "X" { input = "c" }`, "unknown parameter kind"},
		{"duplicate rule", "rule \"seed\" \"X\" { input = \"a\" }\nrule \"numeric-seed\" \"X\" { input = \"b\" }", "declared more than once"},
		{"empty address", `server { address = "" }`, "server.address"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			root := testutil.WriteFiles(t, map[string]string{"c.hcl": tc.content})
			_, err := NewHCLLoader().Load(testContext(t), filepath.Join(root, "c.hcl"))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestLoad_MissingPath(t *testing.T) {
	_, err := NewHCLLoader().Load(testContext(t), filepath.Join(t.TempDir(), "nope.hcl"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to resolve config path")
}

func TestValidate_ReportsAllProblems(t *testing.T) {
	m := Default()
	m.Server.Timeout = 0
	m.Log.Format = "xml"
	err := m.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.timeout")
	assert.Contains(t, err.Error(), "log.format")
}
