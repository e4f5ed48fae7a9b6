package commands

import (
	"bytes"
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/dyluth/parley/internal/config"
	"github.com/dyluth/parley/pkg/mailbox"
	"github.com/fatih/color"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	color.NoColor = true
	log.SetOutput(io.Discard)
	os.Exit(m.Run())
}

// resetFlags restores every flag to its default so package-level flag
// variables do not leak between executions.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if !f.Changed {
			return
		}
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

// run executes the CLI with args and returns stdout, stderr and the error.
func run(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()
	resetFlags(rootCmd)
	t.Cleanup(func() { resetFlags(rootCmd) })

	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(args)
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), errOut.String(), err
}

const redisConfig = `version: "1.0"
instance: clitest
mailbox:
  backend: redis
  redis_url: %s
routing:
  default_timeout: 2s
  policies:
    urgent:       { timeout: 1s, max_retries: 1 }
    coordination: { timeout: 1s, max_retries: 1 }
    standard:     { timeout: 1s, max_retries: 0 }
agents:
  lead:
    role: coordinator
  coder:
    role: agent
    description: Writes the code
`

// redisProject writes a redis-backed parley.yml pointing at a fresh
// miniredis and returns the config path.
func redisProject(t *testing.T) (string, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	url := "redis://" + mr.Addr()
	t.Setenv("REDIS_URL", url)
	t.Setenv("PARLEY_INSTANCE_NAME", "")

	path := filepath.Join(t.TempDir(), "parley.yml")
	require.NoError(t, os.WriteFile(path, []byte(strings.Replace(redisConfig, "%s", url, 1)), 0644))
	return path, mr
}

func memoryProject(t *testing.T) string {
	t.Helper()
	t.Setenv("PARLEY_INSTANCE_NAME", "")
	path := filepath.Join(t.TempDir(), "parley.yml")
	cfg := `version: "1.0"
mailbox:
  backend: memory
agents:
  coder:
    role: agent
`
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0644))
	return path
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestRootShowsHelp(t *testing.T) {
	out, _, err := run(t, "")
	require.NoError(t, err)
	assert.Contains(t, out, "Usage:")
	assert.Contains(t, out, "parley")
}

func TestRootRejectsUnknownFlags(t *testing.T) {
	_, _, err := run(t, "", "--unknown-flag", "value")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown flag")
}

func TestInitCommand(t *testing.T) {
	dir := t.TempDir()

	out, _, err := run(t, "", "init", "--dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "parley.yml")
	assert.FileExists(t, filepath.Join(dir, "parley.yml"))
	assert.FileExists(t, filepath.Join(dir, "messages.example.jsonl"))

	t.Run("refuses to overwrite", func(t *testing.T) {
		_, errOut, err := run(t, "", "init", "--dir", dir)
		require.Error(t, err)
		assert.Contains(t, errOut, "--force")
	})

	t.Run("force overwrites", func(t *testing.T) {
		_, _, err := run(t, "", "init", "--dir", dir, "--force")
		require.NoError(t, err)
	})

	t.Run("generated config loads", func(t *testing.T) {
		cfg, err := config.Load(filepath.Join(dir, "parley.yml"))
		require.NoError(t, err)
		assert.Contains(t, cfg.Agents, "coder")
	})
}

func TestValidateCommand(t *testing.T) {
	t.Run("all valid", func(t *testing.T) {
		path := writeFile(t, "ok.jsonl", `{"from":"lead","to":"coder","body":"one"}
{"sender":"lead","recipient":"coder","content":"two"}
`)
		out, _, err := run(t, "", "validate", path)
		require.NoError(t, err)
		assert.Contains(t, out, "2 message(s) valid")
	})

	t.Run("reports bad lines", func(t *testing.T) {
		path := writeFile(t, "bad.jsonl", `{"from":"lead","to":"coder","body":"one"}
{"from":"lead","to":"coder"}
not json
`)
		_, errOut, err := run(t, "", "validate", path)
		require.Error(t, err)
		assert.Equal(t, "2 of 3 message(s) invalid", err.Error())
		assert.Contains(t, errOut, "line 2")
		assert.Contains(t, errOut, "line 3")
	})

	t.Run("reads stdin", func(t *testing.T) {
		out, _, err := run(t, `[{"from":"a","to":"b","text":"hi"}]`, "validate", "-")
		require.NoError(t, err)
		assert.Contains(t, out, "1 message(s) valid")
	})

	t.Run("missing file", func(t *testing.T) {
		_, _, err := run(t, "", "validate", filepath.Join(t.TempDir(), "nope.jsonl"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "cannot open message file")
	})
}

func TestMissingConfig(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "parley.yml")

	_, errOut, err := run(t, "", "send", "-c", missing, "--from", "a", "--to", "b", "-m", "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
	assert.Contains(t, errOut, "parley init")
}

func TestSendCommand(t *testing.T) {
	cfgPath, _ := redisProject(t)

	t.Run("delivers", func(t *testing.T) {
		out, _, err := run(t, "", "send", "-c", cfgPath,
			"--from", "lead", "--to", "coder", "-m", "Start on the parser", "--role", "coordinator",
			"--id", "3f2a9c10-0000-4000-8000-000000000001", "--tag", "parser", "--tag", "sprint-3")
		require.NoError(t, err)
		assert.Contains(t, out, "Delivered 3f2a9c10-0000-4000-8000-000000000001 to coder via coordination")
	})

	t.Run("message is readable by short ID", func(t *testing.T) {
		out, _, err := run(t, "", "inbox", "-c", cfgPath, "coder", "3f2a9c10")
		require.NoError(t, err)
		assert.Contains(t, out, `"content": "Start on the parser"`)
		assert.Contains(t, out, "sprint-3")
	})

	t.Run("unknown recipient is abandoned", func(t *testing.T) {
		_, errOut, err := run(t, "", "send", "-c", cfgPath, "--from", "lead", "--to", "ghost", "-m", "hello?")
		require.Error(t, err)
		assert.Equal(t, "message abandoned", err.Error())
		assert.Contains(t, errOut, "recipient: ghost")
	})

	t.Run("missing content", func(t *testing.T) {
		_, errOut, err := run(t, "", "send", "-c", cfgPath, "--from", "lead", "--to", "coder")
		require.Error(t, err)
		assert.Equal(t, "invalid message", err.Error())
		assert.Contains(t, errOut, "content")
	})

	t.Run("bad priority", func(t *testing.T) {
		_, _, err := run(t, "", "send", "-c", cfgPath, "--from", "lead", "--to", "coder", "-m", "x", "--priority", "whenever")
		require.Error(t, err)
		assert.Equal(t, "invalid flag value", err.Error())
	})
}

func TestSendSubmit(t *testing.T) {
	cfgPath, mr := redisProject(t)

	out, _, err := run(t, "", "send", "-c", cfgPath, "--from", "lead", "--to", "coder", "-m", "later", "--submit")
	require.NoError(t, err)
	assert.Contains(t, out, "Submitted")

	store := newTestStore(t, mr)
	n, err := store.OutboxLen(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSendMemoryBackend(t *testing.T) {
	cfgPath := memoryProject(t)

	out, _, err := run(t, "", "send", "-c", cfgPath, "--from", "ci", "--to", "coder", "-m", "build green")
	require.NoError(t, err)
	assert.Contains(t, out, "via standard")

	t.Run("submit needs redis", func(t *testing.T) {
		_, _, err := run(t, "", "send", "-c", cfgPath, "--from", "ci", "--to", "coder", "-m", "x", "--submit")
		require.Error(t, err)
		assert.Equal(t, "--submit requires the redis backend", err.Error())
	})
}

func TestBulkCommand(t *testing.T) {
	cfgPath, mr := redisProject(t)
	input := `{"from":"lead","to":"coder","body":"one"}
{"from":"lead","to":"coder","body":"two","priority":"urgent"}
# comment lines are skipped
{"from":"lead","to":"coder","body":"three","tags":"a,b"}
`
	path := writeFile(t, "messages.jsonl", input)

	t.Run("direct", func(t *testing.T) {
		out, _, err := run(t, "", "bulk", "-c", cfgPath, path)
		require.NoError(t, err)
		assert.Contains(t, out, "Delivered 3 message(s)")
	})

	t.Run("via queue with jsonl output", func(t *testing.T) {
		out, _, err := run(t, "", "bulk", "-c", cfgPath, path, "--via-queue", "-w", "2", "-o", "jsonl")
		require.NoError(t, err)
		lines := strings.Split(strings.TrimSpace(out), "\n")
		require.Len(t, lines, 3)
		for _, line := range lines {
			assert.Contains(t, line, `"status":"delivered"`)
		}
	})

	t.Run("submit", func(t *testing.T) {
		_, _, err := run(t, "", "bulk", "-c", cfgPath, path, "--submit")
		require.NoError(t, err)
		n, err := newTestStore(t, mr).OutboxLen(context.Background())
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)
	})

	t.Run("partial failure", func(t *testing.T) {
		mixed := writeFile(t, "mixed.jsonl", `{"from":"lead","to":"coder","body":"ok"}
{"from":"lead","to":"ghost","body":"lost"}
{"from":"lead","to":"coder"}
`)
		_, errOut, err := run(t, "", "bulk", "-c", cfgPath, mixed)
		require.Error(t, err)
		assert.Equal(t, "1 of 2 message(s) not delivered", err.Error())
		assert.Contains(t, errOut, "skipped: 1")
	})

	t.Run("strict refuses partial batches", func(t *testing.T) {
		mixed := writeFile(t, "mixed.jsonl", `{"from":"lead","to":"coder","body":"ok"}
{"from":"lead","to":"coder"}
`)
		_, _, err := run(t, "", "bulk", "-c", cfgPath, mixed, "--strict")
		require.Error(t, err)
		assert.Equal(t, "1 invalid message(s), nothing sent", err.Error())
	})
}

func TestInboxCommand(t *testing.T) {
	cfgPath, _ := redisProject(t)
	path := writeFile(t, "messages.jsonl", `{"from":"lead","to":"coder","body":"fix the parser","priority":"high","tags":["parser"]}
{"from":"qa","to":"coder","body":"tests are flaky"}
`)
	_, _, err := run(t, "", "bulk", "-c", cfgPath, path)
	require.NoError(t, err)

	t.Run("table", func(t *testing.T) {
		out, _, err := run(t, "", "inbox", "-c", cfgPath, "coder")
		require.NoError(t, err)
		assert.Contains(t, out, "fix the parser")
		assert.Contains(t, out, "tests are flaky")
		assert.Contains(t, out, "2 messages found")
	})

	t.Run("filters", func(t *testing.T) {
		out, _, err := run(t, "", "inbox", "-c", cfgPath, "coder", "--from", "qa", "-o", "jsonl")
		require.NoError(t, err)
		assert.Contains(t, out, "tests are flaky")
		assert.NotContains(t, out, "fix the parser")

		out, _, err = run(t, "", "inbox", "-c", cfgPath, "coder", "--tag", "parser", "--priority", "high")
		require.NoError(t, err)
		assert.Contains(t, out, "1 message found")
	})

	t.Run("bad time filter", func(t *testing.T) {
		_, _, err := run(t, "", "inbox", "-c", cfgPath, "coder", "--since", "yesterday-ish")
		require.Error(t, err)
		assert.Equal(t, "invalid filter", err.Error())
	})

	t.Run("unknown short ID", func(t *testing.T) {
		_, _, err := run(t, "", "inbox", "-c", cfgPath, "coder", "ffffffff")
		require.Error(t, err)
		assert.Equal(t, "message not found", err.Error())
	})
}

func TestStatsAndHistory(t *testing.T) {
	cfgPath, _ := redisProject(t)

	_, _, err := run(t, "", "send", "-c", cfgPath, "--from", "lead", "--to", "coder", "-m", "one")
	require.NoError(t, err)
	_, _, err = run(t, "", "send", "-c", cfgPath, "--from", "lead", "--to", "ghost", "-m", "two")
	require.Error(t, err)

	t.Run("stats aggregate across runs", func(t *testing.T) {
		out, _, err := run(t, "", "stats", "-c", cfgPath)
		require.NoError(t, err)
		assert.Contains(t, out, "Total messages:        2")
		assert.Contains(t, out, "Success rate:          50.0%")

		out, _, err = run(t, "", "stats", "-c", cfgPath, "-o", "jsonl")
		require.NoError(t, err)
		assert.Contains(t, out, `"successful_deliveries": 1`)
	})

	t.Run("history newest first", func(t *testing.T) {
		out, _, err := run(t, "", "history", "-c", cfgPath, "-o", "jsonl")
		require.NoError(t, err)
		lines := strings.Split(strings.TrimSpace(out), "\n")
		require.Len(t, lines, 2)
		assert.Contains(t, lines[0], `"outcome":"abandoned"`)
		assert.Contains(t, lines[1], `"outcome":"delivered"`)
	})

	t.Run("reset", func(t *testing.T) {
		_, _, err := run(t, "", "stats", "-c", cfgPath, "--reset")
		require.NoError(t, err)
		out, _, err := run(t, "", "stats", "-c", cfgPath)
		require.NoError(t, err)
		assert.Contains(t, out, "Total messages:        0")
	})
}

func TestRedisOnlyCommandsOnMemoryBackend(t *testing.T) {
	cfgPath := memoryProject(t)

	for _, args := range [][]string{
		{"stats"},
		{"history"},
		{"serve"},
		{"watch"},
	} {
		t.Run(args[0], func(t *testing.T) {
			_, errOut, err := run(t, "", append(args, "-c", cfgPath)...)
			require.Error(t, err)
			assert.Equal(t, args[0]+" requires the redis backend", err.Error())
			assert.Contains(t, errOut, "backend: redis")
		})
	}
}

func TestAgentsCommands(t *testing.T) {
	cfgPath, _ := redisProject(t)

	_, _, err := run(t, "", "agents", "add", "tester", "-c", cfgPath, "--role", "agent", "-d", "Runs the suite")
	require.NoError(t, err)

	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, "Runs the suite", cfg.Agents["tester"].Description)

	t.Run("duplicate", func(t *testing.T) {
		_, _, err := run(t, "", "agents", "add", "tester", "-c", cfgPath)
		require.Error(t, err)
		assert.Equal(t, "agent 'tester' already exists", err.Error())
	})

	t.Run("bad role", func(t *testing.T) {
		_, _, err := run(t, "", "agents", "add", "x", "-c", cfgPath, "--role", "overlord")
		require.Error(t, err)
		assert.Equal(t, "invalid role", err.Error())
	})

	t.Run("list", func(t *testing.T) {
		_, _, err := run(t, "", "send", "-c", cfgPath, "--from", "lead", "--to", "tester", "-m", "hi")
		require.NoError(t, err)

		out, _, err := run(t, "", "agents", "list", "-c", cfgPath)
		require.NoError(t, err)
		assert.Contains(t, out, "NAME")
		assert.Contains(t, out, "Writes the code")
		assert.Regexp(t, `tester\s+agent\s+1\s+Runs the suite`, out)
	})
}

func TestRulesCommands(t *testing.T) {
	cfgPath, _ := redisProject(t)

	out, _, err := run(t, "", "rules", "-c", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "coordinator")
	assert.Contains(t, out, "standard")

	t.Run("set", func(t *testing.T) {
		_, errOut, err := run(t, "", "rules", "set", "priority", "low", "bulk", "-c", cfgPath)
		require.NoError(t, err)
		assert.Contains(t, errOut, "has no policy")

		cfg, err := config.Load(cfgPath)
		require.NoError(t, err)
		assert.Equal(t, "bulk", cfg.Routing.Priority["low"])
	})

	t.Run("delete stays deleted", func(t *testing.T) {
		_, _, err := run(t, "", "rules", "delete", "role", "coordinator", "-c", cfgPath)
		require.NoError(t, err)

		cfg, err := config.Load(cfgPath)
		require.NoError(t, err)
		assert.Empty(t, cfg.Routing.Role)
	})

	t.Run("invalid table", func(t *testing.T) {
		_, _, err := run(t, "", "rules", "set", "colour", "red", "fast", "-c", cfgPath)
		require.Error(t, err)
		assert.Equal(t, "invalid rule table", err.Error())
	})

	t.Run("invalid key", func(t *testing.T) {
		_, _, err := run(t, "", "rules", "set", "priority", "someday", "fast", "-c", cfgPath)
		require.Error(t, err)
		assert.Equal(t, "invalid rule", err.Error())
	})
}

func newTestStore(t *testing.T, mr *miniredis.Miniredis) *mailbox.RedisStore {
	t.Helper()
	store, err := mailbox.NewRedisStore(&redis.Options{Addr: mr.Addr()}, "clitest")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}
