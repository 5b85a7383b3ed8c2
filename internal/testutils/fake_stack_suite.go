package testutils

import (
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blesession/pkg/adapter"
	"github.com/stretchr/testify/suite"
)

// FakeStackSuite provides a reusable testify suite backed by an in-memory
// Bluetooth stack. Every test gets a fresh stack, adapter and Handle.
//
//	type ConnectSuite struct {
//	    testutils.FakeStackSuite
//	}
//
//	func (s *ConnectSuite) TestSomething() {
//	    p := testutils.HeartRatePeripheral("AA:BB:CC:DD:EE:FF")
//	    s.Adapter.Add(p)
//	    // drive a session through s.Handle
//	}
type FakeStackSuite struct {
	suite.Suite

	Helper *TestHelper
	Logger *logrus.Logger

	Stack   *FakeStack
	Adapter *FakeAdapter
	Handle  *adapter.Handle

	// TestTimeout bounds every asynchronous assertion.
	TestTimeout time.Duration
}

// SetupSuite is called once before all tests in the suite.
func (s *FakeStackSuite) SetupSuite() {
	s.Helper = NewTestHelper(s.T())
	s.Logger = s.Helper.Logger
	s.TestTimeout = 2 * time.Second
}

// SetupTest builds a fresh stack before each test.
func (s *FakeStackSuite) SetupTest() {
	s.Stack = NewFakeStack()
	s.Adapter = s.Stack.Adapter
	s.Handle = adapter.New(s.Stack, adapter.WithLogger(s.Logger))
}

// TearDownTest closes every adapter event subscription still open.
func (s *FakeStackSuite) TearDownTest() {
	s.Adapter.CloseEvents()
}

// WaitFor asserts cond becomes true within TestTimeout.
func (s *FakeStackSuite) WaitFor(cond func() bool, msgAndArgs ...interface{}) {
	s.Require().Eventually(cond, s.TestTimeout, 5*time.Millisecond, msgAndArgs...)
}
