package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/srg/blesession/internal/testutils"
	"github.com/srg/blesession/pkg/device"
)

const testPeripheral = "AA:BB:CC:DD:EE:FF"

// syncBuffer is a bytes.Buffer safe for a command writing while the test reads.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// CommandTestSuite runs commands against the in-memory stack of FakeStackSuite.
type CommandTestSuite struct {
	testutils.FakeStackSuite

	originalStack func(string, *logrus.Logger) (device.Stack, error)
}

func (s *CommandTestSuite) SetupSuite() {
	s.FakeStackSuite.SetupSuite()
	s.originalStack = newStack
}

func (s *CommandTestSuite) TearDownSuite() {
	newStack = s.originalStack
}

// SetupTest resets every flag so commands start from their defaults.
func (s *CommandTestSuite) SetupTest() {
	s.FakeStackSuite.SetupTest()
	newStack = func(string, *logrus.Logger) (device.Stack, error) {
		return s.Stack, nil
	}

	globalLogLevel, globalConfigPath, globalBackend, globalOutput = "", "", "", outputAuto
	scanDuration, scanServices, scanMQTT = 0, nil, ""
	connectSubscribe = nil
	writeWithoutResponse = false

	reset := func(f *pflag.Flag) { f.Changed = false }
	rootCmd.PersistentFlags().VisitAll(reset)
	for _, c := range rootCmd.Commands() {
		c.Flags().VisitAll(reset)
	}
}

// ExecuteCommand runs the root command with args until it returns.
func (s *CommandTestSuite) ExecuteCommand(args ...string) (string, error) {
	out := &syncBuffer{}
	err := s.execute(context.Background(), out, args...)
	return out.String(), err
}

func (s *CommandTestSuite) execute(ctx context.Context, out io.Writer, args ...string) error {
	for _, c := range rootCmd.Commands() {
		c.SetContext(ctx)
	}
	rootCmd.SetOut(out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)
	return rootCmd.ExecuteContext(ctx)
}

// Records decodes JSON-lines output.
func (s *CommandTestSuite) Records(out string) []map[string]any {
	var records []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" {
			continue
		}
		var rec map[string]any
		s.Require().NoError(json.Unmarshal([]byte(line), &rec), "every output line MUST be a JSON object: %q", line)
		records = append(records, rec)
	}
	return records
}
