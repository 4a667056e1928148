package task

// Reporter receives a narrow stream of observations after every Manager
// mutation that changes queue depth, running-job membership, or worker
// registration. It lets lib/metrics observe broker state without lib/task
// importing Prometheus types.
type Reporter interface {
	ObserveQueueDepth(function string, depth int)
	ObserveRunning(function string, running int)
	ObserveWorkers(function string, workers int)
	CountSubmitted(function string, highPriority bool)
	CountDispatched(function string)
	CountCompleted(function string, outcome string)
}

// Outcome labels used with Reporter.CountCompleted.
const (
	OutcomeComplete = "complete"
	OutcomeFail     = "fail"
	OutcomeTimeout  = "timeout"
)

// NoopReporter discards every observation. It is the zero-value-safe
// default used when metrics are disabled.
type NoopReporter struct{}

func (NoopReporter) ObserveQueueDepth(string, int)      {}
func (NoopReporter) ObserveRunning(string, int)         {}
func (NoopReporter) ObserveWorkers(string, int)         {}
func (NoopReporter) CountSubmitted(string, bool)        {}
func (NoopReporter) CountDispatched(string)             {}
func (NoopReporter) CountCompleted(string, string)      {}

var _ Reporter = NoopReporter{}
